//go:build integration
// +build integration

package scripts

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/stewardhq/steward/steward/config"
	"github.com/stewardhq/steward/steward/db"
	"github.com/stewardhq/steward/steward/engine"
	"github.com/stewardhq/steward/steward/migrations"
)

// RunSmokeConversation drives a full scripted conversation through the
// assembled engine on a real database: project intake, a backup review that
// ends in a technical request, and a restart proving the session survives.
func RunSmokeConversation() {
	fmt.Println("Smoke test: conversation engine on embedded store")
	tmp := "./smoke-conversation.db"
	defer os.Remove(tmp)

	ctx := context.Background()
	conn, err := db.Connect(tmp)
	must(err, "connect")
	defer conn.Close()
	must(migrations.Up(ctx, conn), "migrate")

	cfg := &config.Config{
		Engine: config.EngineConfig{
			WindowSize:           10,
			AccumulatorDepth:     3,
			MaxConversationTurns: 50,
			ToolTimeout:          5 * time.Second,
			ProposeTimeout:       5 * time.Second,
			RetryBackoff:         time.Millisecond,
		},
		Provider: config.ProviderConfig{Kind: "checklist"},
		Hub:      config.HubConfig{MaxConcurrentSessions: 2},
	}
	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

	components, err := engine.Build(ctx, cfg, conn, logger)
	must(err, "build engine")

	const sessionID = "smoke-conversation"
	say := func(text string) {
		fmt.Printf("user> %s\n", text)
		result, err := components.Orchestrator.HandleTurn(ctx, sessionID, text)
		must(err, "handle turn")
		fmt.Printf("[%s] %s\n", result.Capability, result.Reply)
		if result.Failure != nil {
			log.Fatalf("turn failed (%s): %s", result.Failure.Kind, result.Failure.Detail)
		}
		for _, r := range result.Results {
			if r.Entity != nil {
				fmt.Printf("  %s %s %s\n", r.Call.Operation, r.Entity.Type, r.Entity.ID)
			}
		}
	}

	// Intake gathers the six mandatory fields, then the project is created.
	say("We're kicking off a new project")
	say("name: Smoke Run")
	say("client: Internal")
	say("type: audit")
	say("start: September 2026")
	say("duration: 2 weeks")
	say("technical requirements: no")

	// A backup review covers its fact checklist and records the findings.
	say("Let's review the backup strategy")
	say("It's a QNAP NAS in the office")
	say("Backups run daily at 2am")
	say("We verify with monthly restore tests")
	say("Copies go offsite to S3")

	// A fresh engine over the same database resumes the session.
	reopened, err := engine.Build(ctx, cfg, conn, logger)
	must(err, "rebuild engine")
	state, err := reopened.SessionStore.Load(ctx, sessionID)
	must(err, "reload session")
	if _, ok := state.BoundProject(); !ok {
		log.Fatal("restarted session lost its project")
	}
	fmt.Printf("OK: session resumed with %d turns\n", len(state.Turns))

	fmt.Println("Conversation smoke checks completed.")
}
