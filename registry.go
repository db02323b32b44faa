package imagegate

import (
	"slices"
	"sort"
)

// Capability names used by the built-in models.
const (
	CapUpscale           = "upscale"
	CapFaceEnhance       = "face_enhance"
	CapBackgroundRemoval = "background_removal"
	CapEdit              = "edit"
)

// ModelDescriptor is static metadata for one logical model.
type ModelDescriptor struct {
	ID             string
	Provider       string
	BackendVersion string
	// MinimumTier is empty when every tier may use the model.
	MinimumTier  Tier
	Capabilities []string
}

// HasCapability reports whether the model advertises capability c.
func (d ModelDescriptor) HasCapability(c string) bool {
	_, found := slices.BinarySearch(d.Capabilities, c)
	return found
}

func (d ModelDescriptor) clone() ModelDescriptor {
	d.Capabilities = slices.Clone(d.Capabilities)
	return d
}

// Registry is an immutable lookup from model id to descriptor.
// It is safe for concurrent use because nothing mutates it after NewRegistry.
type Registry struct {
	models     map[string]ModelDescriptor
	guestModel string
}

// NewRegistry builds a Registry from config.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		models:     make(map[string]ModelDescriptor, len(cfg.Models)),
		guestModel: cfg.GuestModel,
	}
	for _, m := range cfg.Models {
		caps := slices.Clone(m.Capabilities)
		sort.Strings(caps)
		caps = slices.Compact(caps)
		r.models[m.ID] = ModelDescriptor{
			ID:             m.ID,
			Provider:       m.Provider,
			BackendVersion: m.BackendVersion,
			MinimumTier:    Tier(m.MinimumTier),
			Capabilities:   caps,
		}
	}
	if r.guestModel == "" {
		r.guestModel = cfg.Models[0].ID
	}
	return r, nil
}

// DefaultRegistryConfig returns the built-in model set.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		GuestModel: "guest-upscaler",
		Models: []ModelConfig{
			{
				ID:             "guest-upscaler",
				Provider:       "replicate",
				BackendVersion: "42fed1c4974146d4d2414e2be2c5277c7fcf05fcc3a73abf41610695738c1d7b",
				Capabilities:   []string{CapUpscale},
			},
			{
				ID:             "real-esrgan",
				Provider:       "replicate",
				BackendVersion: "42fed1c4974146d4d2414e2be2c5277c7fcf05fcc3a73abf41610695738c1d7b",
				MinimumTier:    string(TierFree),
				Capabilities:   []string{CapUpscale, CapFaceEnhance},
			},
			{
				ID:             "pro-model",
				Provider:       "replicate",
				BackendVersion: "f121d640bd286e1fdc67f9799164c1d5be36ff74576ee11c803ae5b665dd46aa",
				MinimumTier:    string(TierHobby),
				Capabilities:   []string{CapUpscale, CapFaceEnhance},
			},
			{
				ID:             "face-restore",
				Provider:       "replicate",
				BackendVersion: "0fbacf7afc6c144e5be9767cff80f25aff23e52b0708f17e20f9879b2f21516c",
				MinimumTier:    string(TierPro),
				Capabilities:   []string{CapFaceEnhance},
			},
			{
				ID:             "gemini-edit",
				Provider:       "gemini",
				BackendVersion: "gemini-2.5-flash-image",
				MinimumTier:    string(TierPro),
				Capabilities:   []string{CapEdit, CapBackgroundRemoval},
			},
		},
	}
}

// DefaultRegistry returns a Registry with the built-in models.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultRegistryConfig())
	if err != nil {
		panic("imagegate: invalid default registry: " + err.Error())
	}
	return r
}

// GetModel returns the descriptor for id.
func (r *Registry) GetModel(id string) (ModelDescriptor, error) {
	d, ok := r.models[id]
	if !ok {
		return ModelDescriptor{}, &ModelNotFoundError{ID: id}
	}
	return d.clone(), nil
}

// CanAccess reports whether userTier may use modelID.
// Unknown models are never accessible.
func (r *Registry) CanAccess(userTier Tier, modelID string) bool {
	d, ok := r.models[modelID]
	if !ok {
		return false
	}
	if d.MinimumTier == "" {
		return true
	}
	return userTier.AtLeast(d.MinimumTier)
}

// ResolveVersion returns the backend version string for modelID.
func (r *Registry) ResolveVersion(modelID string) (string, error) {
	d, ok := r.models[modelID]
	if !ok {
		return "", &ModelNotFoundError{ID: modelID}
	}
	return d.BackendVersion, nil
}

// GuestModel returns the fixed model used for anonymous requests.
func (r *Registry) GuestModel() string {
	return r.guestModel
}

// Models returns all descriptors sorted by id.
func (r *Registry) Models() []ModelDescriptor {
	out := make([]ModelDescriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
