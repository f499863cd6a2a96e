package capability

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardhq/steward/steward/entity"
)

func defaultRouter(t *testing.T) *Router {
	t.Helper()
	reg, err := New(zerolog.Nop())
	require.NoError(t, err)
	return NewRouter(reg)
}

func TestSelectNoTopicFallsBackToDefault(t *testing.T) {
	router := defaultRouter(t)

	sel := router.Select("", nil)
	assert.Equal(t, "general", sel.Capability.Name)
	assert.Equal(t, "no active topic", sel.Reason)

	sel = router.Select("", map[entity.Type]string{entity.TypeProject: "p1"})
	assert.Equal(t, "general", sel.Capability.Name)
	assert.Contains(t, sel.Reason, "project bound")
}

func TestSelectUnknownTopicFallsBackToDefault(t *testing.T) {
	router := defaultRouter(t)

	sel := router.Select("astrology", nil)
	assert.Equal(t, "general", sel.Capability.Name)
	assert.Contains(t, sel.Reason, "astrology")
}

func TestSelectOwnerBeatsReaders(t *testing.T) {
	router := defaultRouter(t)

	// TechnicalRequest is owned by technical_analyst and merely readable by
	// document_author and project_manager.
	sel := router.Select("backup", nil)
	assert.Equal(t, "technical_analyst", sel.Capability.Name)
	assert.Equal(t, "backup", sel.TopicID)
	assert.Contains(t, sel.Reason, "owns")
}

func TestSelectPerTopicRouting(t *testing.T) {
	router := defaultRouter(t)

	expect := map[string]string{
		"project_setup":          "project_manager",
		"task_planning":          "task_planner",
		"documentation":          "document_author",
		"checkpoints":            "task_planner",
		"technical_requirements": "technical_analyst",
		"suggestions":            "technical_analyst",
		"access_control":         "technical_analyst",
	}
	for topic, want := range expect {
		sel := router.Select(topic, nil)
		assert.Equal(t, want, sel.Capability.Name, "topic %s", topic)
	}
}

func TestSelectLexicographicTieBreakAmongOwners(t *testing.T) {
	yml := `
default_capability: general
capabilities:
  - name: general
    operations: [read, search]
  - name: beta_planner
    operations: [create, read, update, search]
    owned: [Task]
  - name: alpha_planner
    operations: [create, read, update, search]
    owned: [Task]
topics:
  - id: task_planning
    entity_type: Task
    keywords: [task]
`
	reg, err := NewFromYAML([]byte(yml), zerolog.Nop())
	require.NoError(t, err)

	sel := NewRouter(reg).Select("task_planning", nil)
	assert.Equal(t, "alpha_planner", sel.Capability.Name)
	assert.Contains(t, sel.Reason, "tie-break")
}

func TestSelectSingleReaderWhenNoOwner(t *testing.T) {
	yml := `
default_capability: general
capabilities:
  - name: general
    operations: [read, search]
  - name: zeta_watcher
    operations: [read, search]
    read_only: [Document]
  - name: eta_watcher
    operations: [read, search]
    read_only: [Document]
topics:
  - id: documentation
    entity_type: Document
    keywords: [document]
`
	reg, err := NewFromYAML([]byte(yml), zerolog.Nop())
	require.NoError(t, err)

	sel := NewRouter(reg).Select("documentation", nil)
	assert.Equal(t, "eta_watcher", sel.Capability.Name)
}

func TestSelectNoCoverageFallsBackToDefault(t *testing.T) {
	yml := `
default_capability: general
capabilities:
  - name: general
    operations: [read, search]
  - name: task_only
    operations: [create, read, update, search]
    owned: [Task]
topics:
  - id: checkpoints
    entity_type: Checkpoint
    keywords: [checkpoint]
`
	reg, err := NewFromYAML([]byte(yml), zerolog.Nop())
	require.NoError(t, err)

	sel := NewRouter(reg).Select("checkpoints", nil)
	assert.Equal(t, "general", sel.Capability.Name)
	assert.Contains(t, sel.Reason, "falling back")
}

func TestSelectNeverDeadEnds(t *testing.T) {
	reg, err := New(zerolog.Nop())
	require.NoError(t, err)
	router := NewRouter(reg)

	for _, topic := range reg.Topics() {
		sel := router.Select(topic.ID, nil)
		assert.NotEmpty(t, sel.Capability.Name, "topic %s must route somewhere", topic.ID)
	}
}
