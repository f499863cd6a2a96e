package capability

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/steward/entity"
)

func TestNewDefaultRegistry(t *testing.T) {
	reg, err := New(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "general", reg.Default().Name)

	names := make([]string, 0)
	for _, c := range reg.Capabilities() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"document_author", "general", "project_manager", "task_planner", "technical_analyst"}, names)

	backup, ok := reg.Topic("backup")
	require.True(t, ok)
	assert.Equal(t, entity.TypeTechnicalRequest, backup.EntityType)
	assert.Equal(t, []string{"system", "frequency", "verification", "remote"}, backup.RequiredFactNames())

	setup, ok := reg.Topic("project_setup")
	require.True(t, ok)
	assert.Equal(t, entity.TypeProject, setup.EntityType)
	assert.Len(t, setup.Facts, 6)
}

func TestCapabilityAccess(t *testing.T) {
	reg, err := New(zerolog.Nop())
	require.NoError(t, err)

	pm, ok := reg.Capability("project_manager")
	require.True(t, ok)
	assert.True(t, pm.CanAccess(OpCreate, entity.TypeProject))
	assert.True(t, pm.CanAccess(OpRead, entity.TypeTask))
	assert.False(t, pm.CanAccess(OpCreate, entity.TypeTask), "read-only access must not allow mutation")
	assert.False(t, pm.CanAccess(OpUpdate, entity.TypeDocument))

	general := reg.Default()
	assert.True(t, general.CanAccess(OpSearch, entity.TypeProject))
	assert.False(t, general.CanAccess(OpCreate, entity.TypeProject))
	assert.False(t, general.Allows(OpUpdate))
}

func TestMatchWord(t *testing.T) {
	reg, err := New(zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, []string{"backup"}, reg.MatchWord("backup"))
	assert.Equal(t, []string{"backup"}, reg.MatchWord("Backups"))
	assert.Equal(t, []string{"task_planning"}, reg.MatchWord("tasks"))

	// Too far beyond the keyword to count as a suffix form.
	assert.Nil(t, reg.MatchWord("documentary"))
	assert.Nil(t, reg.MatchWord("qnap"), "fact keywords are not topic keywords")
	assert.Nil(t, reg.MatchWord("zzz"))
}

func TestRegistryValidation(t *testing.T) {
	cases := map[string]string{
		"no capabilities": `
default_capability: general
topics: []
`,
		"missing default": `
capabilities:
  - name: general
    operations: [read, search]
topics: []
`,
		"default not defined": `
default_capability: missing
capabilities:
  - name: general
    operations: [read, search]
`,
		"mutating default": `
default_capability: general
capabilities:
  - name: general
    operations: [create, read]
`,
		"unknown entity type": `
default_capability: general
capabilities:
  - name: general
    operations: [read, search]
topics:
  - id: billing
    entity_type: Invoice
`,
		"unknown operation": `
default_capability: general
capabilities:
  - name: general
    operations: [read, delete]
`,
		"duplicate capability": `
default_capability: general
capabilities:
  - name: general
    operations: [read, search]
  - name: general
    operations: [read]
`,
		"unknown model role": `
default_capability: general
capabilities:
  - name: general
    model_role: principal
    operations: [read, search]
`,
	}

	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewFromYAML([]byte(yml), zerolog.Nop())
			assert.Error(t, err)
		})
	}
}

func TestApplyOverride(t *testing.T) {
	reg, err := New(zerolog.Nop())
	require.NoError(t, err)

	override := `
default_capability: concierge
capabilities:
  - name: concierge
    model_role: coordinator
    operations: [read, search]
    read_only: [Project]
topics:
  - id: onboarding
    entity_type: Project
    keywords: [welcome, onboarding]
`
	require.NoError(t, reg.ApplyOverride([]byte(override)))
	assert.Equal(t, "concierge", reg.Default().Name)
	_, ok := reg.Topic("backup")
	assert.False(t, ok, "override replaces the registry wholesale")
	assert.Equal(t, []string{"onboarding"}, reg.MatchWord("welcome"))

	// Invalid override keeps the current tables.
	err = reg.ApplyOverride([]byte("default_capability: nobody\ncapabilities: []\n"))
	assert.Error(t, err)
	assert.Equal(t, "concierge", reg.Default().Name)
}

func TestWatchReloadsOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")

	first := `
default_capability: general
capabilities:
  - name: general
    operations: [read, search]
topics:
  - id: intake
    entity_type: Project
    keywords: [intake]
`
	require.NoError(t, os.WriteFile(path, []byte(first), 0o644))

	reg, err := New(zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, reg.LoadOverrideFile(path))
	require.NoError(t, reg.Watch(path))
	defer reg.Stop()

	second := `
default_capability: general
capabilities:
  - name: general
    operations: [read, search]
topics:
  - id: renewal
    entity_type: Project
    keywords: [renewal]
`
	require.NoError(t, os.WriteFile(path, []byte(second), 0o644))

	require.Eventually(t, func() bool {
		_, ok := reg.Topic("renewal")
		return ok
	}, 5*time.Second, 50*time.Millisecond, "override change should hot-reload")

	_, ok := reg.Topic("intake")
	assert.False(t, ok)
}
