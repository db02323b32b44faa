package imagegate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultProviderTimeout = 120 * time.Second
	defaultRefundTimeout   = 10 * time.Second

	minImageDataLen = 100
	minVisitorIDLen = 10
	maxVisitorIDLen = 100

	guestScale = 2
	mib        = 1 << 20
)

var supportedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// ByteLimits caps the decoded image size per caller class.
type ByteLimits struct {
	Guest    int64 `env:"GUEST_MAX_BYTES" envDefault:"5242880"`
	Free     int64 `env:"FREE_MAX_BYTES" envDefault:"5242880"`
	Hobby    int64 `env:"HOBBY_MAX_BYTES" envDefault:"10485760"`
	Pro      int64 `env:"PRO_MAX_BYTES" envDefault:"26214400"`
	Business int64 `env:"BUSINESS_MAX_BYTES" envDefault:"52428800"`
}

// DefaultByteLimits returns the production byte limits.
func DefaultByteLimits() ByteLimits {
	return ByteLimits{
		Guest:    5 * mib,
		Free:     5 * mib,
		Hobby:    10 * mib,
		Pro:      25 * mib,
		Business: 50 * mib,
	}
}

// ForTier returns the limit of tier t. Unknown tiers get the free limit.
func (b ByteLimits) ForTier(t Tier) int64 {
	switch t {
	case TierHobby:
		return b.Hobby
	case TierPro:
		return b.Pro
	case TierBusiness:
		return b.Business
	default:
		return b.Free
	}
}

// Max returns the largest configured limit.
func (b ByteLimits) Max() int64 {
	m := b.Guest
	for _, v := range []int64{b.Free, b.Hobby, b.Pro, b.Business} {
		if v > m {
			m = v
		}
	}
	return m
}

// Identity is an authenticated caller, established upstream.
type Identity struct {
	UserID string
	Tier   Tier
}

// GuestRequest is an anonymous upscale request.
type GuestRequest struct {
	ImageData string
	MIMEType  string
	VisitorID string
	ClientIP  string
}

// GuestResult is returned by ProcessGuest.
type GuestResult struct {
	Output   InferenceResult
	Model    string
	Scale    int
	Duration time.Duration
}

// UserRequest is an authenticated processing request.
type UserRequest struct {
	Identity  Identity
	ImageData string
	MIMEType  string
	Model     string
	Config    RequestConfig
	Prompt    string
}

// UserResult is returned by ProcessUser.
type UserResult struct {
	Output           InferenceResult
	Model            string
	Cost             int64
	CreditsRemaining int64
	Duration         time.Duration
}

// Gateway runs requests through validation, admission or charging, model
// resolution and a retried provider call, compensating on failure.
type Gateway struct {
	registry  *Registry
	admission *Admission
	ledger    *Ledger
	providers map[string]Provider
	health    *HealthTracker
	meter     Meter
	logger    *slog.Logger

	retry           RetryOptions
	providerTimeout time.Duration
	refundTimeout   time.Duration
	byteLimits      ByteLimits
	ipSalt          string
	defaultModel    string
	now             func() time.Time
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithMeter sets the meter.
func WithMeter(m Meter) GatewayOption {
	return func(g *Gateway) { g.meter = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) GatewayOption {
	return func(g *Gateway) { g.health = h }
}

// WithRetryOptions sets the retry policy of provider calls.
func WithRetryOptions(opts RetryOptions) GatewayOption {
	return func(g *Gateway) { g.retry = opts }
}

// WithProviderTimeout bounds one provider dispatch, retries included.
func WithProviderTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.providerTimeout = d }
}

// WithRefundTimeout bounds a compensating refund.
func WithRefundTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.refundTimeout = d }
}

// WithByteLimits sets the decoded image size limits.
func WithByteLimits(b ByteLimits) GatewayOption {
	return func(g *Gateway) { g.byteLimits = b }
}

// WithIPSalt sets the salt mixed into client IP hashes.
func WithIPSalt(salt string) GatewayOption {
	return func(g *Gateway) { g.ipSalt = salt }
}

// WithDefaultModel sets the model used when a user request names none.
func WithDefaultModel(id string) GatewayOption {
	return func(g *Gateway) { g.defaultModel = id }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

// NewGateway creates a Gateway. Providers are matched to models by Name.
func NewGateway(registry *Registry, admission *Admission, ledger *Ledger, providers []Provider, opts ...GatewayOption) (*Gateway, error) {
	if registry == nil {
		return nil, fmt.Errorf("imagegate: registry is required")
	}
	if admission == nil {
		return nil, fmt.Errorf("imagegate: admission controller is required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("imagegate: ledger is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("imagegate: at least one provider is required")
	}

	provMap := make(map[string]Provider, len(providers))
	for _, p := range providers {
		provMap[p.Name()] = p
	}

	g := &Gateway{
		registry:        registry,
		admission:       admission,
		ledger:          ledger,
		providers:       provMap,
		health:          NewHealthTracker(),
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		providerTimeout: defaultProviderTimeout,
		refundTimeout:   defaultRefundTimeout,
		byteLimits:      DefaultByteLimits(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.meter == nil {
		g.meter = noopMeter{}
	}
	if g.health == nil {
		g.health = NewHealthTracker()
	}
	if g.defaultModel == "" {
		g.defaultModel = registry.GuestModel()
	}
	if _, err := registry.GetModel(g.defaultModel); err != nil {
		return nil, fmt.Errorf("imagegate: default model: %w", err)
	}

	return g, nil
}

// Registry returns the model registry.
func (g *Gateway) Registry() *Registry { return g.registry }

// Ledger returns the credit ledger.
func (g *Gateway) Ledger() *Ledger { return g.ledger }

// ByteLimits returns the configured byte limits.
func (g *Gateway) ByteLimits() ByteLimits { return g.byteLimits }

// ProcessGuest handles an anonymous upscale. Admission counters are
// committed only after the provider returned a result.
func (g *Gateway) ProcessGuest(ctx context.Context, req GuestRequest) (GuestResult, error) {
	start := g.now()
	st := g.run(ctx, requestState{stage: StageReceived, path: PathGuest, guest: &req})
	duration := g.now().Sub(start)
	g.report(st, duration)

	if st.stage != StageCompleted {
		return GuestResult{}, g.wrap(st)
	}
	return GuestResult{
		Output:   st.result,
		Model:    st.modelID,
		Scale:    st.config.Scale,
		Duration: duration,
	}, nil
}

// ProcessUser handles an authenticated request. The cost is charged before
// dispatch and refunded when no output is produced.
func (g *Gateway) ProcessUser(ctx context.Context, req UserRequest) (UserResult, error) {
	start := g.now()
	st := g.run(ctx, requestState{stage: StageReceived, path: PathUser, user: &req})
	duration := g.now().Sub(start)
	g.report(st, duration)

	if st.stage != StageCompleted {
		return UserResult{}, g.wrap(st)
	}
	return UserResult{
		Output:           st.result,
		Model:            st.modelID,
		Cost:             st.cost,
		CreditsRemaining: st.balance,
		Duration:         duration,
	}, nil
}

func (g *Gateway) run(ctx context.Context, st requestState) requestState {
	for !st.stage.Terminal() {
		st = g.transition(ctx, st)
	}
	if st.probe {
		// A probe that ended without a recorded outcome frees the slot.
		g.health.Release(st.provider.Name())
	}
	return st
}

// transition advances st by exactly one stage.
func (g *Gateway) transition(ctx context.Context, st requestState) requestState {
	switch st.stage {
	case StageReceived:
		if st.path == PathGuest {
			return g.validateGuest(st)
		}
		return g.validateUser(st)

	case StageValidated:
		if st.provider == nil {
			return st.reject(GateHealth, ErrProviderUnavailable)
		}
		ok, probe := g.health.Acquire(st.provider.Name())
		if !ok {
			return st.reject(GateHealth, ErrProviderUnavailable)
		}
		st.probe = probe
		if st.path == PathGuest {
			return g.admit(ctx, st)
		}
		return g.charge(ctx, st)

	case StageAdmitted:
		version, err := g.registry.ResolveVersion(st.modelID)
		if err != nil {
			return st.fail(err)
		}
		st.version = version
		return st.advance(StageResolved)

	case StageCharged:
		return g.authorize(ctx, st)

	case StageResolved:
		return g.dispatch(ctx, st)

	case StageDispatched:
		if st.path == PathGuest {
			g.commitGuest(ctx, st)
		}
		return st.advance(StageCompleted)

	case StageCompleted, StageRejected, StageFailed:
		return st
	}
	panic(fmt.Sprintf("imagegate: unhandled stage %v", st.stage))
}

func (g *Gateway) validateGuest(st requestState) requestState {
	req := st.guest

	if n := utf8.RuneCountInString(req.VisitorID); n < minVisitorIDLen || n > maxVisitorIDLen {
		return st.reject(GateValidate, &ValidationError{
			Field:   "visitorId",
			Message: fmt.Sprintf("must be %d to %d characters", minVisitorIDLen, maxVisitorIDLen),
		})
	}
	img, err := decodeImage(req.ImageData, req.MIMEType, g.byteLimits.Guest)
	if err != nil {
		return st.reject(GateValidate, err)
	}

	st.image = img
	st.modelID = g.registry.GuestModel()
	st.config = RequestConfig{Scale: guestScale}.Normalize()
	st.provider = g.providerFor(st.modelID)
	return st.advance(StageValidated)
}

func (g *Gateway) validateUser(st requestState) requestState {
	req := st.user

	if req.Identity.UserID == "" {
		return st.reject(GateValidate, &ValidationError{Field: "userId", Message: "is required"})
	}
	if !req.Identity.Tier.Valid() {
		return st.reject(GateValidate, &ValidationError{
			Field:   "tier",
			Message: fmt.Sprintf("unknown tier %q", req.Identity.Tier),
		})
	}

	modelID := req.Model
	if modelID == "" {
		modelID = g.defaultModel
	}
	model, err := g.registry.GetModel(modelID)
	if err != nil {
		return st.reject(GateValidate, &ValidationError{Field: "model", Message: fmt.Sprintf("unknown model %q", modelID)})
	}

	cfg := req.Config.Normalize()
	if err := cfg.Validate(); err != nil {
		return st.reject(GateValidate, err)
	}
	if cfg.FaceEnhance && !model.HasCapability(CapFaceEnhance) {
		return st.reject(GateValidate, &ValidationError{Field: "faceEnhance", Message: "not supported by model " + modelID})
	}
	if cfg.BackgroundRemoval && !model.HasCapability(CapBackgroundRemoval) {
		return st.reject(GateValidate, &ValidationError{Field: "backgroundRemoval", Message: "not supported by model " + modelID})
	}

	img, err := decodeImage(req.ImageData, req.MIMEType, g.byteLimits.ForTier(req.Identity.Tier))
	if err != nil {
		return st.reject(GateValidate, err)
	}

	cost, err := CalculateCost(cfg)
	if err != nil {
		return st.reject(GateValidate, err)
	}

	st.image = img
	st.config = cfg
	st.modelID = modelID
	st.cost = cost
	st.provider = g.providerFor(modelID)
	return st.advance(StageValidated)
}

func (g *Gateway) admit(ctx context.Context, st requestState) requestState {
	ipHash := HashIP(g.ipSalt, st.guest.ClientIP)
	decision, err := g.admission.Check(ctx, ipHash, st.guest.VisitorID)
	g.meter.OnAdmission(AdmissionEvent{
		IPHash:  ipHash,
		Allowed: decision.Allowed,
		Code:    decision.Code,
		Error:   err,
	})
	if err != nil {
		// Fail closed: an unreadable counter store admits nobody.
		return st.reject(GateAdmission, err)
	}
	if !decision.Allowed {
		return st.reject(GateAdmission, decision.Err())
	}
	return st.advance(StageAdmitted)
}

func (g *Gateway) charge(ctx context.Context, st requestState) requestState {
	owner := st.user.Identity.UserID
	balance, err := g.ledger.Charge(ctx, owner, st.cost)
	g.meter.OnLedger(LedgerEvent{
		OwnerID: owner,
		Delta:   -st.cost,
		Reason:  ReasonCharge,
		Balance: balance,
		Error:   err,
	})
	if err != nil {
		return st.reject(GateCharge, err)
	}
	st.charged = true
	st.balance = balance
	return st.advance(StageCharged)
}

func (g *Gateway) authorize(ctx context.Context, st requestState) requestState {
	id := st.user.Identity
	if !g.registry.CanAccess(id.Tier, st.modelID) {
		model, _ := g.registry.GetModel(st.modelID)
		st = st.reject(GateTier, &TierDeniedError{
			Tier:    id.Tier,
			ModelID: st.modelID,
			Minimum: model.MinimumTier,
		})
		return g.compensate(ctx, st, "tier_denied")
	}

	version, err := g.registry.ResolveVersion(st.modelID)
	if err != nil {
		return g.compensate(ctx, st.fail(err), "model_not_found")
	}
	st.version = version
	return st.advance(StageResolved)
}

func (g *Gateway) dispatch(ctx context.Context, st requestState) requestState {
	prov := st.provider
	req := ProviderRequest{
		ModelVersion: st.version,
		Image:        st.image,
		MIMEType:     st.mimeType(),
		Config:       st.config,
	}
	if st.user != nil {
		req.Prompt = st.user.Prompt
	}

	opts := g.retry
	opts.OnRetry = func(attempt int, delay time.Duration, err error) {
		g.logger.WarnContext(ctx, "provider call rate limited, retrying",
			slog.String("provider", prov.Name()),
			slog.String("model", st.modelID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		g.meter.OnRetry(RetryEvent{
			Provider: prov.Name(),
			Model:    st.modelID,
			Attempt:  attempt,
			Delay:    delay,
			Error:    err,
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	result, attempts, err := WithRetry(callCtx, func(ctx context.Context) (InferenceResult, error) {
		res, err := prov.Generate(ctx, req)
		if err == nil && res.OutputRef == "" && len(res.Data) == 0 {
			err = ErrEmptyOutput
		}
		return res, err
	}, opts)
	st.attempts = attempts

	if err != nil {
		if countsAgainstHealth(err) {
			g.health.RecordFailure(prov.Name())
		}
		st = st.fail(err)
		if st.charged {
			return g.compensate(ctx, st, "provider_error")
		}
		return st
	}

	g.health.RecordSuccess(prov.Name())
	st.result = result
	return st.advance(StageDispatched)
}

// commitGuest records a completed guest request. The output already exists,
// so a commit failure is reported but does not fail the request.
func (g *Gateway) commitGuest(ctx context.Context, st requestState) {
	ipHash := HashIP(g.ipSalt, st.guest.ClientIP)
	err := g.admission.Commit(context.WithoutCancel(ctx), ipHash, st.guest.VisitorID)
	g.meter.OnAdmission(AdmissionEvent{
		IPHash:    ipHash,
		Committed: true,
		Allowed:   true,
		Error:     err,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "admission commit failed",
			slog.String("ip_hash", ipHash),
			slog.String("error", err.Error()))
	}
}

// compensate refunds the charge of a rejected or failed request. The refund
// runs detached from ctx so a disconnected caller is still refunded.
func (g *Gateway) compensate(ctx context.Context, st requestState, cause string) requestState {
	if !st.charged {
		return st
	}
	owner := st.user.Identity.UserID

	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.refundTimeout)
	defer cancel()

	balance, err := g.ledger.Refund(refundCtx, owner, st.cost, cause)
	g.meter.OnLedger(LedgerEvent{
		OwnerID: owner,
		Delta:   st.cost,
		Reason:  RefundReason(cause),
		Balance: balance,
		Error:   err,
	})
	if err != nil {
		g.logger.ErrorContext(ctx, "refund failed",
			slog.String("owner_id", owner),
			slog.Int64("cost", st.cost),
			slog.String("cause", cause),
			slog.String("error", err.Error()))
		st.err = errors.Join(st.err, fmt.Errorf("imagegate: refund: %w", err))
		return st
	}

	st.refunded = true
	st.balance = balance
	return st
}

func (g *Gateway) providerFor(modelID string) Provider {
	model, err := g.registry.GetModel(modelID)
	if err != nil {
		return nil
	}
	return g.providers[model.Provider]
}

func (g *Gateway) report(st requestState, d time.Duration) {
	ev := ResultEvent{
		Path:     st.path,
		Stage:    st.stage,
		Gate:     st.gate,
		Model:    st.modelID,
		Attempts: st.attempts,
		Cost:     st.cost,
		Refunded: st.refunded,
		Duration: d,
		Error:    st.err,
	}
	if st.provider != nil {
		ev.Provider = st.provider.Name()
	}
	g.meter.OnResult(ev)
}

func (g *Gateway) wrap(st requestState) error {
	return &GatewayError{
		Err:      st.err,
		Stage:    st.stage,
		Gate:     st.gate,
		Model:    st.modelID,
		Attempts: st.attempts,
		Refunded: st.refunded,
	}
}

func (s requestState) mimeType() string {
	if s.guest != nil {
		return s.guest.MIMEType
	}
	return s.user.MIMEType
}

// countsAgainstHealth reports whether err says something about the backend.
// Safety rejections and malformed requests do not.
func countsAgainstHealth(err error) bool {
	var genErr *AIGenerationError
	if errors.As(err, &genErr) {
		return false
	}
	if errors.Is(err, ErrInvalidRequest) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// decodeImage validates and decodes base64 image data with an optional
// data URL prefix.
func decodeImage(data, mimeType string, maxBytes int64) ([]byte, error) {
	if !supportedMIMETypes[mimeType] {
		return nil, &ValidationError{Field: "mimeType", Message: fmt.Sprintf("unsupported type %q", mimeType)}
	}
	if i := strings.Index(data, ";base64,"); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+len(";base64,"):]
	}
	if len(data) < minImageDataLen {
		return nil, &ValidationError{Field: "imageData", Message: fmt.Sprintf("must be at least %d characters", minImageDataLen)}
	}
	if int64(base64.StdEncoding.DecodedLen(len(data))) > maxBytes+2 {
		return nil, &ValidationError{Field: "imageData", Message: fmt.Sprintf("exceeds %d bytes", maxBytes)}
	}
	img, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, &ValidationError{Field: "imageData", Message: "invalid base64"}
	}
	if int64(len(img)) > maxBytes {
		return nil, &ValidationError{Field: "imageData", Message: fmt.Sprintf("exceeds %d bytes", maxBytes)}
	}
	return img, nil
}
