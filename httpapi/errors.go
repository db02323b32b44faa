package httpapi

import (
	"errors"
	"net/http"

	"github.com/ineyio/imagegate"
)

// Error codes returned in the error envelope.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInsufficient       = "INSUFFICIENT_CREDITS"
	CodeAccountNotFound    = "ACCOUNT_NOT_FOUND"
	CodeTierRequired       = "TIER_REQUIRED"
	CodeContentBlocked     = "CONTENT_BLOCKED"
	CodeRateLimited        = "RATE_LIMITED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeProcessingFailed   = "PROCESSING_FAILED"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// apiError is an error already resolved to its HTTP representation.
type apiError struct {
	status int
	body   errorBody
}

// classify maps a gateway error onto status, code and message. Internal
// error text is never exposed for 5xx responses.
func classify(err error) apiError {
	var (
		validation   *imagegate.ValidationError
		denied       *imagegate.AdmissionDeniedError
		insufficient *imagegate.InsufficientCreditsError
		tierDenied   *imagegate.TierDeniedError
		genErr       *imagegate.AIGenerationError
		gwErr        *imagegate.GatewayError
		tooLarge     *http.MaxBytesError
	)

	switch {
	case errors.As(err, &tooLarge):
		return apiError{http.StatusRequestEntityTooLarge, errorBody{
			Code:    CodePayloadTooLarge,
			Message: "request body too large",
			Details: map[string]any{"limit": tooLarge.Limit},
		}}

	case errors.As(err, &validation):
		body := errorBody{Code: CodeValidation, Message: validation.Message}
		if validation.Field != "" {
			body.Details = map[string]any{"field": validation.Field}
		}
		return apiError{http.StatusBadRequest, body}

	case errors.As(err, &denied):
		if denied.Code == imagegate.DenialBot {
			return apiError{http.StatusForbidden, errorBody{
				Code:    string(denied.Code),
				Message: "too many distinct visitors from this network",
			}}
		}
		return apiError{http.StatusTooManyRequests, errorBody{
			Code:    string(denied.Code),
			Message: "free usage limit reached, try again later or sign in",
		}}

	case errors.As(err, &insufficient):
		return apiError{http.StatusPaymentRequired, errorBody{
			Code:    CodeInsufficient,
			Message: "not enough credits",
			Details: map[string]any{"required": insufficient.Required},
		}}

	case errors.Is(err, imagegate.ErrAccountNotFound):
		return apiError{http.StatusNotFound, errorBody{
			Code:    CodeAccountNotFound,
			Message: "credit account not found",
		}}

	case errors.As(err, &tierDenied):
		return apiError{http.StatusForbidden, errorBody{
			Code:    CodeTierRequired,
			Message: "model requires a higher subscription tier",
			Details: map[string]any{"requiredTier": string(tierDenied.Minimum)},
		}}

	case errors.As(err, &genErr):
		return apiError{http.StatusUnprocessableEntity, errorBody{
			Code:    CodeContentBlocked,
			Message: "the image was rejected by the content safety filter",
			Details: map[string]any{"finishReason": genErr.FinishReason},
		}}

	case errors.Is(err, imagegate.ErrRateLimited):
		return apiError{http.StatusTooManyRequests, errorBody{
			Code:    CodeRateLimited,
			Message: "the processing service is busy, try again shortly",
		}}
	}

	if errors.As(err, &gwErr) && (gwErr.Gate == imagegate.GateHealth || gwErr.Gate == imagegate.GateAdmission) {
		return apiError{http.StatusServiceUnavailable, errorBody{
			Code:    CodeServiceUnavailable,
			Message: "service temporarily unavailable",
		}}
	}

	return apiError{http.StatusInternalServerError, errorBody{
		Code:    CodeProcessingFailed,
		Message: "image processing failed",
	}}
}

func unauthorized() apiError {
	return apiError{http.StatusUnauthorized, errorBody{
		Code:    CodeUnauthorized,
		Message: "authentication required",
	}}
}
