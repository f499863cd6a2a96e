package capability

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/armon/go-radix"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stewardhq/steward/steward/entity"
)

//go:embed registry.yaml
var defaultRegistryYAML []byte

// suffixTolerance bounds how many trailing characters a scanned word may
// carry beyond a matched keyword: "backups" matches "backup", while
// "documentary" is too far from "document" to count.
const suffixTolerance = 2

// registryFile is the on-disk registry shape (embedded default and
// override files share it).
type registryFile struct {
	DefaultCapability string           `yaml:"default_capability"`
	Capabilities      []capabilitySpec `yaml:"capabilities"`
	Topics            []topicSpec      `yaml:"topics"`
}

type capabilitySpec struct {
	Name       string   `yaml:"name"`
	ModelRole  string   `yaml:"model_role"`
	Operations []string `yaml:"operations"`
	Owned      []string `yaml:"owned"`
	ReadOnly   []string `yaml:"read_only"`
	Persona    string   `yaml:"persona"`
}

type topicSpec struct {
	ID         string     `yaml:"id"`
	EntityType string     `yaml:"entity_type"`
	Keywords   []string   `yaml:"keywords"`
	Facts      []factSpec `yaml:"facts"`
}

type factSpec struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
}

// Registry holds the capability and topic tables plus a radix index over
// topic keywords. Reads are concurrent; override reloads swap the tables
// under the write lock.
type Registry struct {
	mu          sync.RWMutex
	caps        map[string]Capability
	topics      map[string]Topic
	defaultName string
	keywords    *radix.Tree // keyword -> []topicID, sorted

	logger zerolog.Logger

	watcher  *fsnotify.Watcher
	watching bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a registry from the embedded defaults.
func New(logger zerolog.Logger) (*Registry, error) {
	return NewFromYAML(defaultRegistryYAML, logger)
}

// NewFromYAML builds a registry from an explicit YAML definition.
func NewFromYAML(data []byte, logger zerolog.Logger) (*Registry, error) {
	r := &Registry{logger: logger.With().Str("component", "registry").Logger()}
	if err := r.apply(data); err != nil {
		return nil, err
	}
	return r, nil
}

// ApplyOverride replaces the registry contents with a full YAML definition.
// The current tables are kept when the override fails validation.
func (r *Registry) ApplyOverride(data []byte) error {
	return r.apply(data)
}

// LoadOverrideFile replaces the registry contents from a YAML file.
func (r *Registry) LoadOverrideFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read registry override: %w", err)
	}
	if err := r.apply(data); err != nil {
		return fmt.Errorf("registry override %s: %w", path, err)
	}
	r.logger.Info().Str("path", path).Msg("registry override applied")
	return nil
}

func (r *Registry) apply(data []byte) error {
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse registry yaml: %w", err)
	}

	caps, topics, tree, err := buildTables(f)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.caps = caps
	r.topics = topics
	r.defaultName = f.DefaultCapability
	r.keywords = tree
	r.mu.Unlock()
	return nil
}

func buildTables(f registryFile) (map[string]Capability, map[string]Topic, *radix.Tree, error) {
	if len(f.Capabilities) == 0 {
		return nil, nil, nil, fmt.Errorf("registry defines no capabilities")
	}
	if f.DefaultCapability == "" {
		return nil, nil, nil, fmt.Errorf("registry defines no default capability")
	}

	caps := make(map[string]Capability, len(f.Capabilities))
	for _, cs := range f.Capabilities {
		if cs.Name == "" {
			return nil, nil, nil, fmt.Errorf("capability with empty name")
		}
		if _, dup := caps[cs.Name]; dup {
			return nil, nil, nil, fmt.Errorf("duplicate capability %q", cs.Name)
		}
		c := Capability{
			Name:      cs.Name,
			ModelRole: ModelRole(cs.ModelRole),
			Persona:   strings.TrimSpace(cs.Persona),
		}
		if c.ModelRole == "" {
			c.ModelRole = RoleSpecialist
		}
		switch c.ModelRole {
		case RoleCoordinator, RoleSpecialist, RoleDocument, RoleAnalysis:
		default:
			return nil, nil, nil, fmt.Errorf("capability %q: unknown model role %q", cs.Name, cs.ModelRole)
		}
		for _, op := range cs.Operations {
			o := Operation(op)
			if !ValidOperation(o) {
				return nil, nil, nil, fmt.Errorf("capability %q: unknown operation %q", cs.Name, op)
			}
			c.Operations = append(c.Operations, o)
		}
		var err error
		if c.Owned, err = parseTypes(cs.Owned); err != nil {
			return nil, nil, nil, fmt.Errorf("capability %q: %w", cs.Name, err)
		}
		if c.ReadOnly, err = parseTypes(cs.ReadOnly); err != nil {
			return nil, nil, nil, fmt.Errorf("capability %q: %w", cs.Name, err)
		}
		caps[cs.Name] = c
	}

	def, ok := caps[f.DefaultCapability]
	if !ok {
		return nil, nil, nil, fmt.Errorf("default capability %q not defined", f.DefaultCapability)
	}
	if len(def.Owned) > 0 || def.Allows(OpCreate) || def.Allows(OpUpdate) {
		return nil, nil, nil, fmt.Errorf("default capability %q must be read-only", f.DefaultCapability)
	}

	topics := make(map[string]Topic, len(f.Topics))
	tree := radix.New()
	for _, ts := range f.Topics {
		if ts.ID == "" {
			return nil, nil, nil, fmt.Errorf("topic with empty id")
		}
		if _, dup := topics[ts.ID]; dup {
			return nil, nil, nil, fmt.Errorf("duplicate topic %q", ts.ID)
		}
		et := entity.Type(ts.EntityType)
		if !et.Valid() {
			return nil, nil, nil, fmt.Errorf("topic %q: unknown entity type %q", ts.ID, ts.EntityType)
		}
		topic := Topic{ID: ts.ID, EntityType: et}
		for _, kw := range ts.Keywords {
			topic.Keywords = append(topic.Keywords, strings.ToLower(kw))
		}
		for _, fs := range ts.Facts {
			if fs.Name == "" {
				return nil, nil, nil, fmt.Errorf("topic %q: fact with empty name", ts.ID)
			}
			fact := Fact{Name: fs.Name}
			for _, kw := range fs.Keywords {
				fact.Keywords = append(fact.Keywords, strings.ToLower(kw))
			}
			topic.Facts = append(topic.Facts, fact)
		}
		topics[ts.ID] = topic

		for _, kw := range topic.Keywords {
			var ids []string
			if v, found := tree.Get(kw); found {
				ids = v.([]string)
			}
			ids = append(ids, ts.ID)
			sort.Strings(ids)
			tree.Insert(kw, ids)
		}
	}

	return caps, topics, tree, nil
}

func parseTypes(names []string) ([]entity.Type, error) {
	out := make([]entity.Type, 0, len(names))
	for _, n := range names {
		t := entity.Type(n)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown entity type %q", n)
		}
		out = append(out, t)
	}
	return out, nil
}

// Capability returns the named capability.
func (r *Registry) Capability(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[name]
	return c, ok
}

// Default returns the always-present fallback capability.
func (r *Registry) Default() Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[r.defaultName]
}

// Capabilities returns every capability sorted by name.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Topic returns the topic descriptor for id.
func (r *Registry) Topic(id string) (Topic, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.topics[id]
	return t, ok
}

// Topics returns every topic sorted by id.
func (r *Registry) Topics() []Topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MatchWord returns the topic ids whose keyword matches the given word by
// longest prefix, tolerating short suffixes (plurals and verb endings).
func (r *Registry) MatchWord(word string) []string {
	word = strings.ToLower(word)
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefix, v, ok := r.keywords.LongestPrefix(word)
	if !ok || len(word)-len(prefix) > suffixTolerance {
		return nil
	}
	ids := v.([]string)
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Watch hot-reloads the override file on change until Stop is called.
func (r *Registry) Watch(path string) error {
	r.mu.Lock()
	if r.watching {
		r.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.watcher = watcher
	r.watching = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	// Watch the directory: editors replace files rather than write in place.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		r.mu.Lock()
		r.watching = false
		r.mu.Unlock()
		return fmt.Errorf("watch registry dir %s: %w", dir, err)
	}

	go r.run(path)
	return nil
}

// Stop halts the override watcher.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.watching {
		r.mu.Unlock()
		return
	}
	r.watching = false
	r.mu.Unlock()

	close(r.stopCh)
	<-r.doneCh
	if err := r.watcher.Close(); err != nil {
		r.logger.Error().Err(err).Msg("error closing registry watcher")
	}
}

func (r *Registry) run(path string) {
	defer close(r.doneCh)

	target := filepath.Clean(path)
	var pendingAt time.Time
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return

		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pendingAt = time.Now()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("registry watcher error")

		case <-ticker.C:
			// Debounce rapid saves before reloading.
			if pendingAt.IsZero() || time.Since(pendingAt) < 300*time.Millisecond {
				continue
			}
			pendingAt = time.Time{}
			if err := r.LoadOverrideFile(path); err != nil {
				r.logger.Error().Err(err).Msg("registry override reload failed, keeping current tables")
			}
		}
	}
}
