package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/strata/internal/models"
)

func noopHandler(ctx context.Context, params map[string]interface{}) *models.TaskResult {
	return models.TaskSuccess(nil)
}

func TestHandlerRegistry_RegisterAndLookup(t *testing.T) {
	registry := NewHandlerRegistry(arbor.NewLogger())

	require.NoError(t, registry.Register("demo_plan", noopHandler))

	fn, err := registry.Lookup("demo_plan")
	require.NoError(t, err)
	assert.NotNil(t, fn)

	_, err = registry.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownTaskType)
}

func TestHandlerRegistry_RejectsDuplicatesAndNil(t *testing.T) {
	registry := NewHandlerRegistry(arbor.NewLogger())

	require.NoError(t, registry.Register("demo_plan", noopHandler))
	assert.Error(t, registry.Register("demo_plan", noopHandler))
	assert.Error(t, registry.Register("", noopHandler))
	assert.Error(t, registry.Register("nil_handler", nil))
}

func TestHandlerRegistry_NamesSorted(t *testing.T) {
	registry := NewHandlerRegistry(arbor.NewLogger())

	require.NoError(t, registry.Register("zeta", noopHandler))
	require.NoError(t, registry.Register("alpha", noopHandler))

	assert.Equal(t, []string{"alpha", "zeta"}, registry.Names())
}

func TestJobRegistry_RegisterAndLookup(t *testing.T) {
	handlers := NewHandlerRegistry(arbor.NewLogger())
	registry := NewJobRegistry(handlers, arbor.NewLogger())

	require.NoError(t, registry.Register(testDefinition()))

	def, err := registry.Lookup("demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", def.JobType)

	_, err = registry.Lookup("missing")
	assert.ErrorIs(t, err, ErrUnknownJobType)

	// Duplicate registration and invalid definitions are rejected.
	assert.Error(t, registry.Register(testDefinition()))
	assert.Error(t, registry.Register(nil))
	assert.Error(t, registry.Register(&Definition{JobType: "broken"}))
}

func TestJobRegistry_ValidateAllResolvesTaskTypes(t *testing.T) {
	handlers := NewHandlerRegistry(arbor.NewLogger())
	registry := NewJobRegistry(handlers, arbor.NewLogger())

	require.NoError(t, registry.Register(testDefinition()))

	// Stage task types are not registered yet.
	assert.Error(t, registry.ValidateAll())

	require.NoError(t, handlers.Register("demo_plan", noopHandler))
	require.NoError(t, handlers.Register("demo_work", noopHandler))
	assert.NoError(t, registry.ValidateAll())
}

func TestJobRegistry_DefinitionsSorted(t *testing.T) {
	handlers := NewHandlerRegistry(arbor.NewLogger())
	registry := NewJobRegistry(handlers, arbor.NewLogger())

	second := testDefinition()
	second.JobType = "zz_demo"
	require.NoError(t, registry.Register(second))
	require.NoError(t, registry.Register(testDefinition()))

	defs := registry.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "demo", defs[0].JobType)
	assert.Equal(t, "zz_demo", defs[1].JobType)
}
