package imagegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	ErrRateLimited         = errors.New("imagegate: rate limited by provider")
	ErrAuthFailed          = errors.New("imagegate: provider authentication failed")
	ErrInvalidRequest      = errors.New("imagegate: invalid provider request")
	ErrProviderUnavailable = errors.New("imagegate: provider unavailable")
	ErrAccountNotFound     = errors.New("imagegate: credit account not found")
	ErrEmptyOutput         = errors.New("imagegate: provider returned no output")
)

// ValidationError reports malformed input. It is raised before any side effect.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "imagegate: validation: " + e.Message
	}
	return fmt.Sprintf("imagegate: validation: %s: %s", e.Field, e.Message)
}

// DenialCode identifies why the admission controller refused a request.
type DenialCode string

const (
	DenialGlobalLimit DenialCode = "GLOBAL_LIMIT"
	DenialIPLimit     DenialCode = "IP_LIMIT"
	DenialBot         DenialCode = "BOT_DETECTED"
)

// AdmissionDeniedError is returned when an anonymous request is refused.
type AdmissionDeniedError struct {
	Code DenialCode
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("imagegate: admission denied: %s", e.Code)
}

// InsufficientCreditsError is returned when a charge would make a balance negative.
type InsufficientCreditsError struct {
	Required int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("imagegate: insufficient credits: %d required", e.Required)
}

// ModelNotFoundError means a model id is missing from the registry.
// It points at a configuration bug, end users should never be able to trigger it.
type ModelNotFoundError struct {
	ID string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("imagegate: model %q not found", e.ID)
}

// TierDeniedError is returned when the caller's tier is below a model's minimum.
type TierDeniedError struct {
	Tier    Tier
	ModelID string
	Minimum Tier
}

func (e *TierDeniedError) Error() string {
	return fmt.Sprintf("imagegate: tier %q cannot access model %q (requires %q)", e.Tier, e.ModelID, e.Minimum)
}

// AIGenerationError is a content-safety rejection from the provider.
// It is permanent and never retried.
type AIGenerationError struct {
	FinishReason string
	Message      string
}

func (e *AIGenerationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("imagegate: generation blocked: %s", e.FinishReason)
	}
	return fmt.Sprintf("imagegate: generation blocked: %s: %s", e.FinishReason, e.Message)
}

// GatewayError wraps an error with request context.
type GatewayError struct {
	Err      error
	Stage    Stage
	Gate     Gate
	Model    string
	Attempts int
	Refunded bool
}

func (e *GatewayError) Error() string {
	if e.Gate != "" {
		return fmt.Sprintf("imagegate: stage=%s gate=%s model=%s: %v", e.Stage, e.Gate, e.Model, e.Err)
	}
	return fmt.Sprintf("imagegate: stage=%s model=%s attempts=%d refunded=%t: %v",
		e.Stage, e.Model, e.Attempts, e.Refunded, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the error must fail fast without a retry.
func IsFatal(err error) bool {
	var genErr *AIGenerationError
	return errors.As(err, &genErr) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsRetryable reports whether err is transient upstream throttling.
// Structured errors are checked first. Matching on the message text is
// only a fallback for transports that do not map their errors.
func IsRetryable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "throttled")
}
