package imagegate

import (
	"context"
	"time"
)

// Provider is the interface that inference provider adapters must implement.
type Provider interface {
	// Name returns the provider identifier (e.g. "replicate", "gemini").
	Name() string

	// Generate performs one inference call. Adapters map transport failures
	// onto the package sentinels: ErrRateLimited for throttling,
	// ErrInvalidRequest and ErrAuthFailed for permanent failures,
	// ErrProviderUnavailable otherwise. Content-safety rejections are
	// returned as *AIGenerationError.
	Generate(ctx context.Context, req ProviderRequest) (InferenceResult, error)
}

// ProviderRequest is the request sent to a provider adapter.
type ProviderRequest struct {
	ModelVersion string
	Image        []byte
	MIMEType     string
	Config       RequestConfig
	Prompt       string
}

// InferenceResult is the output of a provider call.
type InferenceResult struct {
	// OutputRef is a hosted URL for providers that return references.
	OutputRef string
	// Data holds the image for providers that return bytes inline.
	Data      []byte
	MIMEType  string
	ExpiresAt time.Time
}
