// Package httpapi exposes the gateway over HTTP.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/imagegate"
)

const (
	// bodySlack covers JSON framing around the base64 payload.
	bodySlack          = 64 << 10
	healthcheckTimeout = 3 * time.Second

	headerUserID = "X-User-ID"
	headerTier   = "X-Subscription-Tier"
)

// Healthcheck probes one dependency.
type Healthcheck func(ctx context.Context) error

// Server holds the HTTP handlers.
type Server struct {
	gateway *imagegate.Gateway
	logger  *slog.Logger
	metrics http.Handler
	checks  map[string]Healthcheck
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthcheck registers a named probe for GET /healthz.
func WithHealthcheck(name string, check Healthcheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// New creates a Server for gateway.
func New(gateway *imagegate.Gateway, opts ...Option) *Server {
	s := &Server{
		gateway: gateway,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		checks:  make(map[string]Healthcheck),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/guest/upscale", s.handleGuestUpscale)
		r.Group(func(r chi.Router) {
			r.Use(requireIdentity)
			r.Post("/images/process", s.handleProcess)
			r.Get("/credits", s.handleCredits)
		})
	})
	return r
}

type guestUpscaleRequest struct {
	ImageData string `json:"imageData"`
	MIMEType  string `json:"mimeType"`
	VisitorID string `json:"visitorId"`
}

type processingInfo struct {
	ModelUsed        string `json:"modelUsed"`
	Scale            int    `json:"scale"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
}

type guestUpscaleResponse struct {
	Success    bool           `json:"success"`
	ImageURL   string         `json:"imageUrl"`
	ExpiresAt  time.Time      `json:"expiresAt"`
	MIMEType   string         `json:"mimeType"`
	Processing processingInfo `json:"processing"`
}

func (s *Server) handleGuestUpscale(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit(s.gateway.ByteLimits().Guest))

	var req guestUpscaleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err), err)
		return
	}

	res, err := s.gateway.ProcessGuest(r.Context(), imagegate.GuestRequest{
		ImageData: req.ImageData,
		MIMEType:  req.MIMEType,
		VisitorID: req.VisitorID,
		ClientIP:  ClientIP(r),
	})
	if err != nil {
		s.writeError(w, r, classify(err), err)
		return
	}

	writeJSON(w, http.StatusOK, guestUpscaleResponse{
		Success:   true,
		ImageURL:  outputURL(res.Output),
		ExpiresAt: res.Output.ExpiresAt,
		MIMEType:  res.Output.MIMEType,
		Processing: processingInfo{
			ModelUsed:        res.Model,
			Scale:            res.Scale,
			ProcessingTimeMs: res.Duration.Milliseconds(),
		},
	})
}

type processRequest struct {
	ImageData         string `json:"imageData"`
	MIMEType          string `json:"mimeType"`
	Model             string `json:"model"`
	Scale             int    `json:"scale"`
	Quality           string `json:"quality"`
	FaceEnhance       bool   `json:"faceEnhance"`
	BackgroundRemoval bool   `json:"backgroundRemoval"`
	Prompt            string `json:"prompt"`
}

type processResponse struct {
	Success bool `json:"success"`
	// ImageData is the provider's hosted output URL when it returns one,
	// otherwise a data URL carrying the inline bytes.
	ImageData        string    `json:"imageData"`
	MIMEType         string    `json:"mimeType"`
	ExpiresAt        time.Time `json:"expiresAt"`
	CreditsUsed      int64     `json:"creditsUsed"`
	CreditsRemaining int64     `json:"creditsRemaining"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit(s.gateway.ByteLimits().ForTier(id.Tier)))

	var req processRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, classify(err), err)
		return
	}

	res, err := s.gateway.ProcessUser(r.Context(), imagegate.UserRequest{
		Identity:  id,
		ImageData: req.ImageData,
		MIMEType:  req.MIMEType,
		Model:     req.Model,
		Config: imagegate.RequestConfig{
			Scale:             req.Scale,
			Quality:           req.Quality,
			FaceEnhance:       req.FaceEnhance,
			BackgroundRemoval: req.BackgroundRemoval,
		},
		Prompt: req.Prompt,
	})
	if err != nil {
		s.writeError(w, r, classify(err), err)
		return
	}

	writeJSON(w, http.StatusOK, processResponse{
		Success:          true,
		ImageData:        outputURL(res.Output),
		MIMEType:         res.Output.MIMEType,
		ExpiresAt:        res.Output.ExpiresAt,
		CreditsUsed:      res.Cost,
		CreditsRemaining: res.CreditsRemaining,
	})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	balance, err := s.gateway.Ledger().Balance(r.Context(), id.UserID)
	if err != nil {
		s.writeError(w, r, classify(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "balance": balance})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthcheckTimeout)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.WarnContext(ctx, "healthcheck failed", slog.Any("checks", failed))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type identityKey struct{}

// requireIdentity reads the identity set by the upstream auth layer.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(headerUserID)
		if userID == "" {
			writeEnvelope(w, unauthorized())
			return
		}
		tier, err := imagegate.ParseTier(r.Header.Get(headerTier))
		if err != nil {
			writeEnvelope(w, classify(err))
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, imagegate.Identity{UserID: userID, Tier: tier})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) imagegate.Identity {
	id, _ := ctx.Value(identityKey{}).(imagegate.Identity)
	return id
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Int("bytes", ww.BytesWritten()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, apiErr apiError, err error) {
	if apiErr.status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("code", apiErr.body.Code),
			slog.String("error", err.Error()))
	}
	writeEnvelope(w, apiErr)
}

func writeEnvelope(w http.ResponseWriter, apiErr apiError) {
	writeJSON(w, apiErr.status, errorEnvelope{Success: false, Error: apiErr.body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return &imagegate.ValidationError{Message: "malformed JSON body"}
	}
	return nil
}

// bodyLimit allows for base64 expansion of maxBytes plus JSON framing.
func bodyLimit(maxBytes int64) int64 {
	return maxBytes*4/3 + bodySlack
}

// outputURL returns the hosted reference or a data URL for inline bytes.
func outputURL(res imagegate.InferenceResult) string {
	if res.OutputRef != "" {
		return res.OutputRef
	}
	return "data:" + res.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(res.Data)
}
