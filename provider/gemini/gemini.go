// Package gemini is the Gemini image editing adapter built on google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/ineyio/imagegate"
)

// Inline outputs are held by the caller, the window only bounds how long
// the gateway advertises them.
const outputTTL = time.Hour

// Generator is the subset of *genai.Models used by the adapter.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

var _ Generator = (*genai.Models)(nil)

// Provider is the Gemini adapter.
type Provider struct {
	models Generator
	now    func() time.Time
}

var _ imagegate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// New creates a provider with a Gemini API client.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("imagegate/gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("imagegate/gemini: create client: %w", err)
	}
	return NewWithGenerator(client.Models, opts...), nil
}

// NewWithGenerator creates a provider around an existing generator.
func NewWithGenerator(g Generator, opts ...Option) *Provider {
	p := &Provider{models: g, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Generate(ctx context.Context, req imagegate.ProviderRequest) (imagegate.InferenceResult, error) {
	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: req.MIMEType, Data: req.Image}},
			genai.NewPartFromText(buildPrompt(req)),
		},
	}}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	}

	resp, err := p.models.GenerateContent(ctx, req.ModelVersion, contents, config)
	if err != nil {
		return imagegate.InferenceResult{}, mapError(ctx, err)
	}
	return p.parseResponse(resp)
}

func (p *Provider) parseResponse(resp *genai.GenerateContentResponse) (imagegate.InferenceResult, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return imagegate.InferenceResult{}, &imagegate.AIGenerationError{
			FinishReason: string(resp.PromptFeedback.BlockReason),
			Message:      resp.PromptFeedback.BlockReasonMessage,
		}
	}
	if len(resp.Candidates) == 0 {
		return imagegate.InferenceResult{}, imagegate.ErrEmptyOutput
	}

	candidate := resp.Candidates[0]
	if isSafetyReason(candidate.FinishReason) {
		return imagegate.InferenceResult{}, &imagegate.AIGenerationError{
			FinishReason: string(candidate.FinishReason),
			Message:      candidate.FinishMessage,
		}
	}

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return imagegate.InferenceResult{
					Data:      part.InlineData.Data,
					MIMEType:  part.InlineData.MIMEType,
					ExpiresAt: p.now().Add(outputTTL),
				}, nil
			}
		}
	}
	return imagegate.InferenceResult{}, imagegate.ErrEmptyOutput
}

func isSafetyReason(r genai.FinishReason) bool {
	switch string(r) {
	case "SAFETY", "PROHIBITED_CONTENT", "IMAGE_SAFETY", "IMAGE_PROHIBITED_CONTENT", "BLOCKLIST", "SPII", "RECITATION":
		return true
	}
	return false
}

func buildPrompt(req imagegate.ProviderRequest) string {
	if p := strings.TrimSpace(req.Prompt); p != "" {
		return p
	}
	var b strings.Builder
	b.WriteString("Return an edited version of this image.")
	if req.Config.BackgroundRemoval {
		b.WriteString(" Remove the background and leave the subject on a transparent background.")
	}
	if req.Config.FaceEnhance {
		b.WriteString(" Restore and sharpen faces without changing identity.")
	}
	if req.Config.Quality == imagegate.QualityHigh {
		b.WriteString(" Preserve fine detail at the highest quality.")
	}
	return b.String()
}

func mapError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return fmt.Errorf("%w: %v", imagegate.ErrProviderUnavailable, err)
		}
		apiErr = *ptr
	}

	switch apiErr.Code {
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", imagegate.ErrRateLimited, apiErr.Message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", imagegate.ErrAuthFailed, apiErr.Message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", imagegate.ErrInvalidRequest, apiErr.Message)
	default:
		return fmt.Errorf("%w: %s", imagegate.ErrProviderUnavailable, apiErr.Message)
	}
}
