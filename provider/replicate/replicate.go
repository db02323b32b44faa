// Package replicate is the Replicate predictions API adapter.
package replicate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ineyio/imagegate"
)

const (
	defaultBaseURL      = "https://api.replicate.com"
	defaultPollInterval = time.Second
	// Replicate deletes prediction outputs an hour after completion.
	outputTTL = time.Hour
)

// Provider calls POST /v1/predictions with synchronous wait and falls back
// to polling when the prediction outlives the wait window.
type Provider struct {
	name         string
	baseURL      string
	token        string
	httpClient   *http.Client
	pollInterval time.Duration
	now          func() time.Time
}

var _ imagegate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithPollInterval sets the delay between status polls.
func WithPollInterval(d time.Duration) Option {
	return func(p *Provider) { p.pollInterval = d }
}

// WithName overrides the provider name (default "replicate").
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// New creates a Replicate provider authenticated with token.
func New(token string, opts ...Option) *Provider {
	p := &Provider{
		name:         "replicate",
		baseURL:      defaultBaseURL,
		token:        token,
		httpClient:   http.DefaultClient,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return p.name }

type predictionRequest struct {
	Version string          `json:"version"`
	Input   predictionInput `json:"input"`
}

type predictionInput struct {
	Image       string `json:"image"`
	Scale       int    `json:"scale,omitempty"`
	FaceEnhance bool   `json:"face_enhance,omitempty"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  *string         `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

func (p *Provider) Generate(ctx context.Context, req imagegate.ProviderRequest) (imagegate.InferenceResult, error) {
	body := predictionRequest{
		Version: req.ModelVersion,
		Input: predictionInput{
			Image:       "data:" + req.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(req.Image),
			Scale:       req.Config.Scale,
			FaceEnhance: req.Config.FaceEnhance,
		},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return imagegate.InferenceResult{}, fmt.Errorf("imagegate: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/predictions", bytes.NewReader(jsonBody))
	if err != nil {
		return imagegate.InferenceResult{}, fmt.Errorf("imagegate: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Prefer", "wait")

	pred, err := p.do(httpReq)
	if err != nil {
		return imagegate.InferenceResult{}, err
	}

	for !terminal(pred.Status) {
		if pred.URLs.Get == "" {
			return imagegate.InferenceResult{}, fmt.Errorf("%w: prediction %s is %s without a poll url",
				imagegate.ErrProviderUnavailable, pred.ID, pred.Status)
		}
		select {
		case <-ctx.Done():
			return imagegate.InferenceResult{}, ctx.Err()
		case <-time.After(p.pollInterval):
		}
		getReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pred.URLs.Get, nil)
		if err != nil {
			return imagegate.InferenceResult{}, fmt.Errorf("imagegate: create request: %w", err)
		}
		if pred, err = p.do(getReq); err != nil {
			return imagegate.InferenceResult{}, err
		}
	}

	return p.result(pred)
}

func (p *Provider) do(req *http.Request) (prediction, error) {
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return prediction{}, ctxErr
		}
		return prediction{}, fmt.Errorf("%w: %v", imagegate.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if err := mapHTTPError(resp); err != nil {
		return prediction{}, err
	}

	var pred prediction
	if err := json.NewDecoder(resp.Body).Decode(&pred); err != nil {
		return prediction{}, fmt.Errorf("%w: decode response: %v", imagegate.ErrProviderUnavailable, err)
	}
	return pred, nil
}

func (p *Provider) result(pred prediction) (imagegate.InferenceResult, error) {
	switch pred.Status {
	case "succeeded":
	case "canceled":
		return imagegate.InferenceResult{}, fmt.Errorf("%w: prediction %s canceled", imagegate.ErrProviderUnavailable, pred.ID)
	default:
		msg := ""
		if pred.Error != nil {
			msg = *pred.Error
		}
		if isSafetyMessage(msg) {
			return imagegate.InferenceResult{}, &imagegate.AIGenerationError{FinishReason: "SAFETY", Message: msg}
		}
		return imagegate.InferenceResult{}, fmt.Errorf("%w: prediction %s failed: %s", imagegate.ErrProviderUnavailable, pred.ID, msg)
	}

	ref, err := outputURL(pred.Output)
	if err != nil {
		return imagegate.InferenceResult{}, err
	}
	return imagegate.InferenceResult{
		OutputRef: ref,
		MIMEType:  mimeFromURL(ref),
		ExpiresAt: p.now().Add(outputTTL),
	}, nil
}

func terminal(status string) bool {
	switch status {
	case "succeeded", "failed", "canceled":
		return true
	}
	return false
}

// outputURL accepts a single URL or a list of URLs and returns the first.
func outputURL(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", imagegate.ErrEmptyOutput
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		if one == "" {
			return "", imagegate.ErrEmptyOutput
		}
		return one, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return "", fmt.Errorf("%w: unexpected output %s", imagegate.ErrProviderUnavailable, string(raw))
	}
	if len(many) == 0 || many[0] == "" {
		return "", imagegate.ErrEmptyOutput
	}
	return many[0], nil
}

func mimeFromURL(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	switch {
	case strings.HasSuffix(u, ".jpg"), strings.HasSuffix(u, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(u, ".webp"):
		return "image/webp"
	default:
		return "image/png"
	}
}

func isSafetyMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "nsfw") ||
		strings.Contains(m, "safety") ||
		strings.Contains(m, "sensitive content")
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return imagegate.ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return imagegate.ErrAuthFailed
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", imagegate.ErrInvalidRequest, string(body))
	default:
		return fmt.Errorf("%w: status %d", imagegate.ErrProviderUnavailable, resp.StatusCode)
	}
}
