package imagegate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	hourlyWindow = time.Hour
	dailyWindow  = 24 * time.Hour
)

// Limits configures the admission controller.
type Limits struct {
	GlobalDailyLimit       int64 `env:"GLOBAL_DAILY_LIMIT" envDefault:"500"`
	IPHourlyLimit          int64 `env:"IP_HOURLY_LIMIT" envDefault:"5"`
	IPDailyLimit           int64 `env:"IP_DAILY_LIMIT" envDefault:"20"`
	FingerprintsPerIPLimit int64 `env:"FINGERPRINTS_PER_IP_LIMIT" envDefault:"3"`
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		GlobalDailyLimit:       500,
		IPHourlyLimit:          5,
		IPDailyLimit:           20,
		FingerprintsPerIPLimit: 3,
	}
}

// Validate checks that every limit is positive.
func (l Limits) Validate() error {
	if l.GlobalDailyLimit <= 0 || l.IPHourlyLimit <= 0 || l.IPDailyLimit <= 0 || l.FingerprintsPerIPLimit <= 0 {
		return fmt.Errorf("imagegate: admission limits must be positive: %+v", l)
	}
	return nil
}

// Decision is the outcome of Admission.Check.
type Decision struct {
	Allowed bool
	Code    DenialCode
}

// Err returns an AdmissionDeniedError for a denial, nil otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &AdmissionDeniedError{Code: d.Code}
}

var allowed = Decision{Allowed: true}

func denied(code DenialCode) Decision { return Decision{Code: code} }

// Admission is the rate limiter and bot heuristic for anonymous traffic.
// Check is read only; all mutation happens in Commit, after the protected
// work succeeded. The split is not atomic: concurrent requests may both pass
// Check before either commits, so limits can be overshot under burst load.
type Admission struct {
	store     CounterStore
	limits    Limits
	keyPrefix string
	logger    *slog.Logger
}

// AdmissionOption configures Admission.
type AdmissionOption func(*Admission)

// WithKeyPrefix sets the counter key prefix (default "imagegate:").
func WithKeyPrefix(prefix string) AdmissionOption {
	return func(a *Admission) { a.keyPrefix = prefix }
}

// WithAdmissionLogger sets the logger.
func WithAdmissionLogger(logger *slog.Logger) AdmissionOption {
	return func(a *Admission) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdmission creates an admission controller backed by store.
func NewAdmission(store CounterStore, limits Limits, opts ...AdmissionOption) (*Admission, error) {
	if store == nil {
		return nil, fmt.Errorf("imagegate: admission: counter store is required")
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}

	a := &Admission{
		store:     store,
		limits:    limits,
		keyPrefix: "imagegate:",
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// GlobalKey is the key of the global daily counter.
func (a *Admission) GlobalKey() string { return a.keyPrefix + "global-daily" }

// HourlyKey is the key of the per-IP hourly counter.
func (a *Admission) HourlyKey(ipHash string) string { return a.keyPrefix + "ip-hourly:" + ipHash }

// DailyKey is the key of the per-IP daily counter.
func (a *Admission) DailyKey(ipHash string) string { return a.keyPrefix + "ip-daily:" + ipHash }

// FingerprintKey is the key of the per-IP fingerprint set.
func (a *Admission) FingerprintKey(ipHash string) string { return a.keyPrefix + "fp:" + ipHash }

// Limits returns the configured limits.
func (a *Admission) Limits() Limits { return a.limits }

// Check decides whether an anonymous request may proceed. Checks run in a
// fixed order and the first denial wins; later counters are not read.
func (a *Admission) Check(ctx context.Context, ipHash, fingerprint string) (Decision, error) {
	global, err := a.store.Count(ctx, a.GlobalKey())
	if err != nil {
		return Decision{}, fmt.Errorf("imagegate: admission: read global counter: %w", err)
	}
	if global >= a.limits.GlobalDailyLimit {
		return denied(DenialGlobalLimit), nil
	}

	hourly, err := a.store.Count(ctx, a.HourlyKey(ipHash))
	if err != nil {
		return Decision{}, fmt.Errorf("imagegate: admission: read hourly counter: %w", err)
	}
	if hourly >= a.limits.IPHourlyLimit {
		return denied(DenialIPLimit), nil
	}

	daily, err := a.store.Count(ctx, a.DailyKey(ipHash))
	if err != nil {
		return Decision{}, fmt.Errorf("imagegate: admission: read daily counter: %w", err)
	}
	if daily >= a.limits.IPDailyLimit {
		return denied(DenialIPLimit), nil
	}

	fpKey := a.FingerprintKey(ipHash)
	size, err := a.store.SetSize(ctx, fpKey)
	if err != nil {
		return Decision{}, fmt.Errorf("imagegate: admission: read fingerprint set: %w", err)
	}
	if size >= a.limits.FingerprintsPerIPLimit {
		member, err := a.store.IsMember(ctx, fpKey, fingerprint)
		if err != nil {
			return Decision{}, fmt.Errorf("imagegate: admission: check fingerprint: %w", err)
		}
		if !member {
			a.logger.WarnContext(ctx, "fingerprint diversity limit reached",
				slog.String("ip_hash", ipHash),
				slog.Int64("fingerprints", size))
			return denied(DenialBot), nil
		}
	}

	return allowed, nil
}

// Commit records a successful anonymous request in one atomic batch.
func (a *Admission) Commit(ctx context.Context, ipHash, fingerprint string) error {
	ops := []CounterOp{
		Incr(a.GlobalKey(), dailyWindow),
		Incr(a.HourlyKey(ipHash), hourlyWindow),
		Incr(a.DailyKey(ipHash), dailyWindow),
		SetAdd(a.FingerprintKey(ipHash), fingerprint, hourlyWindow),
	}
	if err := a.store.Apply(ctx, ops); err != nil {
		return fmt.Errorf("imagegate: admission: commit: %w", err)
	}
	return nil
}

// HashIP returns a stable, non-reversible identifier for an IP address.
func HashIP(salt, ip string) string {
	sum := sha256.Sum256([]byte(salt + ip))
	return hex.EncodeToString(sum[:16])
}
