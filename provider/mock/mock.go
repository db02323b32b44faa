package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/imagegate"
)

// Provider is a mock image provider for testing.
type Provider struct {
	name         string
	latency      time.Duration
	callCount    atomic.Int64
	staticErr    error
	responseFunc func(imagegate.ProviderRequest) (imagegate.InferenceResult, error)

	mu       sync.Mutex
	script   []error
	requests []imagegate.ProviderRequest
}

var _ imagegate.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{name: "mock"}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithErrors makes the first len(errs) calls return errs in order. A nil
// entry is a successful call. Later calls succeed.
func WithErrors(errs ...error) Option {
	return func(p *Provider) { p.script = errs }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(imagegate.ProviderRequest) (imagegate.InferenceResult, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Generate(ctx context.Context, req imagegate.ProviderRequest) (imagegate.InferenceResult, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return imagegate.InferenceResult{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	p.mu.Lock()
	p.requests = append(p.requests, req)
	var scripted error
	if int(count) <= len(p.script) {
		scripted = p.script[count-1]
	}
	p.mu.Unlock()

	if p.staticErr != nil {
		return imagegate.InferenceResult{}, p.staticErr
	}
	if scripted != nil {
		return imagegate.InferenceResult{}, scripted
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return imagegate.InferenceResult{
		OutputRef: fmt.Sprintf("https://mock.invalid/outputs/%d.png", count),
		MIMEType:  "image/png",
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Requests returns a copy of every request received.
func (p *Provider) Requests() []imagegate.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]imagegate.ProviderRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
