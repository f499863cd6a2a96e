package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	ports "github.com/stewardhq/steward/steward/engine/ports"
)

// GenAICompleter implements TextCompleter on Google's Gemini API. One
// completer is bound to one model; callers create one per configured role.
type GenAICompleter struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates the shared Gemini client.
func NewGenAIClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("genai API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return client, nil
}

// NewGenAICompleter binds client to model.
func NewGenAICompleter(client *genai.Client, model string) *GenAICompleter {
	return &GenAICompleter{client: client, model: model}
}

// Complete sends the prompt to the bound model and returns its text.
func (g *GenAICompleter) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	if opts.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	contents := make([]*genai.Content, 0, len(in.Messages)+1)
	if len(in.Context) > 0 {
		contents = append(contents,
			genai.NewContentFromText("Context:\n"+strings.Join(in.Context, "\n"), genai.RoleUser))
	}
	for _, m := range in.Messages {
		var role genai.Role = genai.RoleUser
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	config := &genai.GenerateContentConfig{}
	if in.System != "" {
		config.SystemInstruction = genai.NewContentFromText(in.System, genai.RoleUser)
	}
	if opts.Temperature > 0 {
		config.Temperature = genai.Ptr(opts.Temperature)
	}
	if opts.MaxNewTokens > 0 {
		config.MaxOutputTokens = int32(opts.MaxNewTokens)
	}
	if opts.Seed != 0 {
		config.Seed = genai.Ptr(int32(opts.Seed))
	}
	if len(opts.Stop) > 0 {
		config.StopSequences = opts.Stop
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("genai completion failed: %w", err)
	}

	out := ports.Completion{Text: resp.Text(), Raw: resp}
	if resp.UsageMetadata != nil {
		out.Usage = &ports.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

var _ ports.TextCompleter = (*GenAICompleter)(nil)
