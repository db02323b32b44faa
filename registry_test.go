package imagegate_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ig "github.com/ineyio/imagegate"
)

func TestCanAccess_ProModelRequiresHobby(t *testing.T) {
	r := ig.DefaultRegistry()

	m, err := r.GetModel("pro-model")
	require.NoError(t, err)
	assert.Equal(t, ig.TierHobby, m.MinimumTier)

	assert.False(t, r.CanAccess(ig.TierFree, "pro-model"))
	assert.True(t, r.CanAccess(ig.TierHobby, "pro-model"))
	assert.True(t, r.CanAccess(ig.TierBusiness, "pro-model"))
}

func TestCanAccess_UnknownModel(t *testing.T) {
	assert.False(t, ig.DefaultRegistry().CanAccess(ig.TierBusiness, "nope"))
}

func TestCanAccess_NoMinimumTier(t *testing.T) {
	r := ig.DefaultRegistry()
	assert.True(t, r.CanAccess(ig.TierFree, "guest-upscaler"))
}

func TestGetModel_ReferentiallyTransparent(t *testing.T) {
	r := ig.DefaultRegistry()

	a, err := r.GetModel("real-esrgan")
	require.NoError(t, err)
	a.Capabilities[0] = "mutated"

	b, err := r.GetModel("real-esrgan")
	require.NoError(t, err)
	c, err := r.GetModel("real-esrgan")
	require.NoError(t, err)

	assert.Equal(t, b, c)
	assert.NotContains(t, b.Capabilities, "mutated")
}

func TestGetModel_NotFound(t *testing.T) {
	_, err := ig.DefaultRegistry().GetModel("missing")

	var nf *ig.ModelNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}

func TestResolveVersion(t *testing.T) {
	r := ig.DefaultRegistry()

	v, err := r.ResolveVersion("gemini-edit")
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash-image", v)

	_, err = r.ResolveVersion("missing")
	var nf *ig.ModelNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestModels_SortedAndCapabilities(t *testing.T) {
	models := ig.DefaultRegistry().Models()
	require.NotEmpty(t, models)
	for i := 1; i < len(models); i++ {
		assert.Less(t, models[i-1].ID, models[i].ID)
	}

	m, err := ig.DefaultRegistry().GetModel("gemini-edit")
	require.NoError(t, err)
	assert.True(t, m.HasCapability(ig.CapBackgroundRemoval))
	assert.False(t, m.HasCapability(ig.CapFaceEnhance))
}

func TestLoadRegistry(t *testing.T) {
	t.Setenv("UPSCALE_VERSION", "abc123")
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
guest_model: basic
models:
  - id: basic
    provider: replicate
    backend_version: ${UPSCALE_VERSION}
    capabilities: [upscale]
  - id: premium
    provider: replicate
    backend_version: def456
    minimum_tier: pro
    capabilities: [upscale, face_enhance, upscale]
`), 0o600))

	r, err := ig.LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, "basic", r.GuestModel())

	v, err := r.ResolveVersion("basic")
	require.NoError(t, err)
	assert.Equal(t, "abc123", v)

	m, err := r.GetModel("premium")
	require.NoError(t, err)
	assert.Equal(t, []string{"face_enhance", "upscale"}, m.Capabilities)
	assert.False(t, r.CanAccess(ig.TierHobby, "premium"))
}

func TestRegistryConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  ig.RegistryConfig
	}{
		{"empty", ig.RegistryConfig{}},
		{"missing id", ig.RegistryConfig{Models: []ig.ModelConfig{{BackendVersion: "v"}}}},
		{"duplicate id", ig.RegistryConfig{Models: []ig.ModelConfig{
			{ID: "a", BackendVersion: "v"}, {ID: "a", BackendVersion: "v"},
		}}},
		{"missing version", ig.RegistryConfig{Models: []ig.ModelConfig{{ID: "a"}}}},
		{"bad tier", ig.RegistryConfig{Models: []ig.ModelConfig{{ID: "a", BackendVersion: "v", MinimumTier: "gold"}}}},
		{"unknown guest", ig.RegistryConfig{GuestModel: "b", Models: []ig.ModelConfig{{ID: "a", BackendVersion: "v"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.cfg.Validate())
		})
	}
}
