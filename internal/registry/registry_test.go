package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rookery-ai/rookery/internal/model"
	"github.com/rookery-ai/rookery/internal/registry"
	"github.com/rookery-ai/rookery/internal/testutil"
)

func newRegistry() *registry.Registry {
	return registry.NewRegistry(testutil.TestLogger(), registry.Builtins())
}

func TestBuiltinsIncludeFallbackType(t *testing.T) {
	r := newRegistry()
	def, ok := r.Get("general")
	require.True(t, ok, "the dispatcher fallback type must always be present")
	assert.Equal(t, "general", def.Type)
	assert.NotEmpty(t, def.SystemPrompt)
}

func TestBuiltinsIncludeReviewerTypes(t *testing.T) {
	r := newRegistry()
	for _, typ := range []string{"reviewer", "adversarial"} {
		_, ok := r.Get(typ)
		assert.True(t, ok, "consensus reviewer type %q must be registered", typ)
	}
}

func TestRegisterCustomType(t *testing.T) {
	r := newRegistry()
	def := model.AgentDefinition{
		Type:         "translator",
		Name:         "Translator",
		SystemPrompt: "You translate text.",
	}
	require.NoError(t, r.Register(def))

	got, ok := r.Get("translator")
	require.True(t, ok)
	assert.Equal(t, def, got)
}

func TestRegisterCannotOverrideBuiltin(t *testing.T) {
	r := newRegistry()
	err := r.Register(model.AgentDefinition{Type: "general", SystemPrompt: "hijacked"})
	require.Error(t, err)

	def, _ := r.Get("general")
	assert.NotEqual(t, "hijacked", def.SystemPrompt)
}

func TestRegisterRequiresType(t *testing.T) {
	r := newRegistry()
	assert.Error(t, r.Register(model.AgentDefinition{Name: "anonymous"}))
}

func TestRegisterOverwritesCustom(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.Register(model.AgentDefinition{Type: "translator", Name: "v1"}))
	require.NoError(t, r.Register(model.AgentDefinition{Type: "translator", Name: "v2"}))

	def, ok := r.Get("translator")
	require.True(t, ok)
	assert.Equal(t, "v2", def.Name)
}

func TestUnregister(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.Register(model.AgentDefinition{Type: "translator"}))
	require.NoError(t, r.Unregister("translator"))

	_, ok := r.Get("translator")
	assert.False(t, ok)

	assert.Error(t, r.Unregister("translator"), "double unregister must fail")
	assert.Error(t, r.Unregister("general"), "built-ins cannot be unregistered")
}

func TestListIncludesCustomTypes(t *testing.T) {
	r := newRegistry()
	base := len(r.List())
	require.NoError(t, r.Register(model.AgentDefinition{Type: "translator"}))
	assert.Len(t, r.List(), base+1)
}
