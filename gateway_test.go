package imagegate_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ig "github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/counter"
	"github.com/ineyio/imagegate/credit"
	"github.com/ineyio/imagegate/provider/mock"
)

const clientIP = "203.0.113.9"

var image = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 150))

type recordingMeter struct {
	admissions []ig.AdmissionEvent
	ledger     []ig.LedgerEvent
	retries    []ig.RetryEvent
	results    []ig.ResultEvent
}

func (m *recordingMeter) OnAdmission(e ig.AdmissionEvent) { m.admissions = append(m.admissions, e) }
func (m *recordingMeter) OnLedger(e ig.LedgerEvent)       { m.ledger = append(m.ledger, e) }
func (m *recordingMeter) OnRetry(e ig.RetryEvent)         { m.retries = append(m.retries, e) }
func (m *recordingMeter) OnResult(e ig.ResultEvent)       { m.results = append(m.results, e) }

type harness struct {
	gw        *ig.Gateway
	admission *ig.Admission
	counters  *counter.MemoryStore
	credits   *credit.MemoryStore
	health    *ig.HealthTracker
	meter     *recordingMeter
	provider  *mock.Provider
}

func newHarness(t *testing.T, opts ...mock.Option) *harness {
	t.Helper()
	return newHarnessWithHealth(t, ig.NewHealthTracker(), opts...)
}

func newHarnessWithHealth(t *testing.T, health *ig.HealthTracker, opts ...mock.Option) *harness {
	t.Helper()
	h := &harness{
		counters: counter.NewMemoryStore(),
		credits:  credit.NewMemoryStore(),
		health:   health,
		meter:    &recordingMeter{},
		provider: mock.New(append([]mock.Option{mock.WithName("replicate")}, opts...)...),
	}
	var err error
	h.admission, err = ig.NewAdmission(h.counters, ig.DefaultLimits())
	require.NoError(t, err)
	ledger, err := ig.NewLedger(h.credits)
	require.NoError(t, err)

	h.gw, err = ig.NewGateway(ig.DefaultRegistry(), h.admission, ledger, []ig.Provider{h.provider},
		ig.WithMeter(h.meter),
		ig.WithHealthTracker(h.health),
		ig.WithDefaultModel("real-esrgan"),
		ig.WithRetryOptions(ig.RetryOptions{
			BaseDelay: time.Second,
			Sleep:     func(context.Context, time.Duration) error { return nil },
		}),
	)
	require.NoError(t, err)
	return h
}

func (h *harness) balance(t *testing.T, owner string) int64 {
	t.Helper()
	b, err := h.credits.Balance(context.Background(), owner)
	require.NoError(t, err)
	return b
}

func (h *harness) hourly(t *testing.T) int64 {
	t.Helper()
	n, err := h.counters.Count(context.Background(), h.admission.HourlyKey(ig.HashIP("", clientIP)))
	require.NoError(t, err)
	return n
}

func guestRequest() ig.GuestRequest {
	return ig.GuestRequest{
		ImageData: "data:image/png;base64," + image,
		MIMEType:  "image/png",
		VisitorID: "visitor-0001",
		ClientIP:  clientIP,
	}
}

func userRequest(tier ig.Tier, model string) ig.UserRequest {
	return ig.UserRequest{
		Identity:  ig.Identity{UserID: "u1", Tier: tier},
		ImageData: image,
		MIMEType:  "image/jpeg",
		Model:     model,
		Config:    ig.RequestConfig{Scale: 4},
	}
}

func gatewayError(t *testing.T, err error) *ig.GatewayError {
	t.Helper()
	var gerr *ig.GatewayError
	require.ErrorAs(t, err, &gerr)
	return gerr
}

func TestProcessGuest_CommitsOnSuccess(t *testing.T) {
	h := newHarness(t)

	res, err := h.gw.ProcessGuest(context.Background(), guestRequest())
	require.NoError(t, err)

	assert.Equal(t, "guest-upscaler", res.Model)
	assert.Equal(t, 2, res.Scale)
	assert.NotEmpty(t, res.Output.OutputRef)
	assert.Equal(t, int64(1), h.hourly(t))

	reqs := h.provider.Requests()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Image, 150)
	assert.Equal(t, 2, reqs[0].Config.Scale)

	require.Len(t, h.meter.results, 1)
	assert.Equal(t, ig.StageCompleted, h.meter.results[0].Stage)
	assert.Equal(t, ig.PathGuest, h.meter.results[0].Path)
}

func TestProcessGuest_NoCommitOnFailure(t *testing.T) {
	h := newHarness(t, mock.WithError(ig.ErrProviderUnavailable))

	_, err := h.gw.ProcessGuest(context.Background(), guestRequest())

	gerr := gatewayError(t, err)
	assert.Equal(t, ig.StageFailed, gerr.Stage)
	assert.ErrorIs(t, err, ig.ErrProviderUnavailable)
	assert.Zero(t, h.hourly(t))
}

func TestProcessGuest_AdmissionDenied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for range 5 {
		_, err := h.gw.ProcessGuest(ctx, guestRequest())
		require.NoError(t, err)
	}

	_, err := h.gw.ProcessGuest(ctx, guestRequest())

	gerr := gatewayError(t, err)
	assert.Equal(t, ig.StageRejected, gerr.Stage)
	assert.Equal(t, ig.GateAdmission, gerr.Gate)
	var denied *ig.AdmissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ig.DenialIPLimit, denied.Code)
	assert.Equal(t, int64(5), h.provider.CallCount())
}

func TestProcessGuest_VisitorIDCountsCharacters(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"ten multi-byte", strings.Repeat("é", 10), true},
		{"sixty multi-byte", strings.Repeat("é", 60), true},
		{"hundred multi-byte", strings.Repeat("日", 100), true},
		{"nine multi-byte", strings.Repeat("é", 9), false},
		{"hundred and one multi-byte", strings.Repeat("日", 101), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := guestRequest()
			req.VisitorID = tt.id

			_, err := h.gw.ProcessGuest(context.Background(), req)

			if tt.valid {
				require.NoError(t, err)
				return
			}
			var verr *ig.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "visitorId", verr.Field)
		})
	}
}

func TestProcessGuest_Validation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*ig.GuestRequest)
		field string
	}{
		{"short visitor id", func(r *ig.GuestRequest) { r.VisitorID = "abc" }, "visitorId"},
		{"unsupported mime", func(r *ig.GuestRequest) { r.MIMEType = "image/gif" }, "mimeType"},
		{"short image", func(r *ig.GuestRequest) { r.ImageData = "aGVsbG8=" }, "imageData"},
		{"bad base64", func(r *ig.GuestRequest) { r.ImageData = string(bytes.Repeat([]byte{'!'}, 200)) }, "imageData"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			req := guestRequest()
			tt.edit(&req)

			_, err := h.gw.ProcessGuest(context.Background(), req)

			var verr *ig.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, ig.GateValidate, gatewayError(t, err).Gate)
			assert.Zero(t, h.provider.CallCount())
		})
	}
}

func TestProcessUser_ChargesCost(t *testing.T) {
	h := newHarness(t)
	h.credits.SetBalance("u1", 10)

	res, err := h.gw.ProcessUser(context.Background(), userRequest(ig.TierFree, ""))
	require.NoError(t, err)

	assert.Equal(t, "real-esrgan", res.Model)
	assert.Equal(t, int64(2), res.Cost)
	assert.Equal(t, int64(8), res.CreditsRemaining)
	assert.Equal(t, int64(8), h.balance(t, "u1"))

	reqs := h.provider.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "42fed1c4974146d4d2414e2be2c5277c7fcf05fcc3a73abf41610695738c1d7b", reqs[0].ModelVersion)
	assert.Equal(t, "image/jpeg", reqs[0].MIMEType)
}

func TestProcessUser_TierDeniedRefunds(t *testing.T) {
	h := newHarness(t)
	h.credits.SetBalance("u1", 10)

	_, err := h.gw.ProcessUser(context.Background(), userRequest(ig.TierFree, "pro-model"))

	var tierErr *ig.TierDeniedError
	require.ErrorAs(t, err, &tierErr)
	assert.Equal(t, ig.TierHobby, tierErr.Minimum)

	gerr := gatewayError(t, err)
	assert.Equal(t, ig.GateTier, gerr.Gate)
	assert.True(t, gerr.Refunded)
	assert.Equal(t, int64(10), h.balance(t, "u1"))
	assert.Zero(t, h.provider.CallCount())

	txs, err := h.credits.Transactions(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "refund:tier_denied", txs[0].Reason)
}

func TestProcessUser_ProviderFailureRefunds(t *testing.T) {
	h := newHarness(t, mock.WithError(ig.ErrProviderUnavailable))
	h.credits.SetBalance("u1", 10)

	_, err := h.gw.ProcessUser(context.Background(), userRequest(ig.TierPro, "pro-model"))

	gerr := gatewayError(t, err)
	assert.Equal(t, ig.StageFailed, gerr.Stage)
	assert.True(t, gerr.Refunded)
	assert.Equal(t, 1, gerr.Attempts)
	assert.Equal(t, int64(10), h.balance(t, "u1"))

	require.Len(t, h.meter.ledger, 2)
	assert.Equal(t, int64(-2), h.meter.ledger[0].Delta)
	assert.Equal(t, "refund:provider_error", h.meter.ledger[1].Reason)
}

func TestProcessUser_SafetyRejectionSkipsHealth(t *testing.T) {
	h := newHarness(t, mock.WithError(&ig.AIGenerationError{FinishReason: "SAFETY"}))
	h.credits.SetBalance("u1", 10)

	for range 5 {
		_, err := h.gw.ProcessUser(context.Background(), userRequest(ig.TierFree, ""))
		var genErr *ig.AIGenerationError
		require.ErrorAs(t, err, &genErr)
	}

	assert.Equal(t, ig.HealthHealthy, h.health.GetHealth("replicate"))
	assert.Equal(t, int64(10), h.balance(t, "u1"))
}

func TestProcessUser_RetriesRateLimits(t *testing.T) {
	h := newHarness(t, mock.WithErrors(ig.ErrRateLimited, ig.ErrRateLimited))
	h.credits.SetBalance("u1", 10)

	_, err := h.gw.ProcessUser(context.Background(), userRequest(ig.TierFree, ""))
	require.NoError(t, err)

	assert.Equal(t, int64(3), h.provider.CallCount())
	require.Len(t, h.meter.retries, 2)
	assert.Equal(t, 1, h.meter.retries[0].Attempt)
	assert.Equal(t, time.Second, h.meter.retries[0].Delay)
	assert.Equal(t, 2*time.Second, h.meter.retries[1].Delay)
	assert.Equal(t, 3, h.meter.results[0].Attempts)
	assert.Len(t, h.provider.Requests(), 3)
}

func TestProcessUser_InsufficientCredits(t *testing.T) {
	h := newHarness(t)
	h.credits.SetBalance("u1", 1)

	_, err := h.gw.ProcessUser(context.Background(), userRequest(ig.TierFree, ""))

	var insufficient *ig.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.Required)
	assert.Equal(t, ig.GateCharge, gatewayError(t, err).Gate)
	assert.Zero(t, h.provider.CallCount())
	assert.Equal(t, int64(1), h.balance(t, "u1"))
}

func TestProcessUser_CancelledCallerIsRefunded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, mock.WithResponseFunc(func(ig.ProviderRequest) (ig.InferenceResult, error) {
		cancel()
		return ig.InferenceResult{}, context.Canceled
	}))
	h.credits.SetBalance("u1", 10)

	_, err := h.gw.ProcessUser(ctx, userRequest(ig.TierFree, ""))

	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, gatewayError(t, err).Refunded)
	assert.Equal(t, int64(10), h.balance(t, "u1"))
	assert.Equal(t, ig.HealthHealthy, h.health.GetHealth("replicate"))
}

func TestProcessUser_BreakerOpenRejectsBeforeCharge(t *testing.T) {
	h := newHarness(t)
	h.credits.SetBalance("u1", 10)
	for range 3 {
		h.health.RecordFailure("replicate")
	}

	_, err := h.gw.ProcessUser(context.Background(), userRequest(ig.TierFree, ""))

	assert.ErrorIs(t, err, ig.ErrProviderUnavailable)
	assert.Equal(t, ig.GateHealth, gatewayError(t, err).Gate)
	assert.Equal(t, int64(10), h.balance(t, "u1"))
	assert.Zero(t, h.provider.CallCount())
	assert.Empty(t, h.meter.ledger)
}

func TestProcessUser_HalfOpenProbeReleasedWithoutDispatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	health := ig.NewHealthTracker(ig.WithHealthClock(func() time.Time { return now }))
	h := newHarnessWithHealth(t, health)
	h.credits.SetBalance("u1", 1)
	h.credits.SetBalance("u2", 10)
	for range 3 {
		health.RecordFailure("replicate")
	}
	now = now.Add(30 * time.Second)

	// The first probe is rejected at the charge gate and must not keep the slot.
	_, err := h.gw.ProcessUser(context.Background(), userRequest(ig.TierFree, ""))
	assert.Equal(t, ig.GateCharge, gatewayError(t, err).Gate)

	req := userRequest(ig.TierFree, "")
	req.Identity.UserID = "u2"
	_, err = h.gw.ProcessUser(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ig.HealthHealthy, health.GetHealth("replicate"))
}

func TestProcessUser_HalfOpenRejectsWhileProbing(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	health := ig.NewHealthTracker(ig.WithHealthClock(func() time.Time { return now }))
	h := newHarnessWithHealth(t, health)
	h.credits.SetBalance("u1", 10)
	for range 3 {
		health.RecordFailure("replicate")
	}
	now = now.Add(30 * time.Second)

	ok, probe := health.Acquire("replicate")
	require.True(t, ok)
	require.True(t, probe)

	_, err := h.gw.ProcessUser(context.Background(), userRequest(ig.TierFree, ""))
	assert.Equal(t, ig.GateHealth, gatewayError(t, err).Gate)
	assert.Zero(t, h.provider.CallCount())
	assert.Equal(t, int64(10), h.balance(t, "u1"))
}

func TestProcessUser_MissingAdapter(t *testing.T) {
	h := newHarness(t)
	h.credits.SetBalance("u1", 10)
	req := userRequest(ig.TierPro, "gemini-edit")
	req.Config = ig.RequestConfig{Scale: 1}

	_, err := h.gw.ProcessUser(context.Background(), req)

	assert.Equal(t, ig.GateHealth, gatewayError(t, err).Gate)
	assert.Equal(t, int64(10), h.balance(t, "u1"))
}

func TestProcessUser_Validation(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*ig.UserRequest)
		field string
	}{
		{"missing user", func(r *ig.UserRequest) { r.Identity.UserID = "" }, "userId"},
		{"unknown tier", func(r *ig.UserRequest) { r.Identity.Tier = "gold" }, "tier"},
		{"unknown model", func(r *ig.UserRequest) { r.Model = "nope" }, "model"},
		{"bad scale", func(r *ig.UserRequest) { r.Config.Scale = 3 }, "scale"},
		{"capability", func(r *ig.UserRequest) { r.Config.BackgroundRemoval = true }, "backgroundRemoval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.credits.SetBalance("u1", 10)
			req := userRequest(ig.TierFree, "")
			tt.edit(&req)

			_, err := h.gw.ProcessUser(context.Background(), req)

			var verr *ig.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, int64(10), h.balance(t, "u1"))
		})
	}
}

func TestProcessUser_ByteLimitPerTier(t *testing.T) {
	h := newHarness(t)
	h.credits.SetBalance("u1", 10)
	limits := ig.DefaultByteLimits()
	big := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, int(limits.Free)+1))

	req := userRequest(ig.TierFree, "")
	req.ImageData = big
	_, err := h.gw.ProcessUser(context.Background(), req)
	var verr *ig.ValidationError
	require.ErrorAs(t, err, &verr)

	req.Identity.Tier = ig.TierHobby
	_, err = h.gw.ProcessUser(context.Background(), req)
	require.NoError(t, err)
}

func TestNewGateway_Validation(t *testing.T) {
	admission, err := ig.NewAdmission(counter.NewMemoryStore(), ig.DefaultLimits())
	require.NoError(t, err)
	ledger, err := ig.NewLedger(credit.NewMemoryStore())
	require.NoError(t, err)
	prov := []ig.Provider{mock.New()}

	_, err = ig.NewGateway(nil, admission, ledger, prov)
	assert.Error(t, err)
	_, err = ig.NewGateway(ig.DefaultRegistry(), admission, ledger, nil)
	assert.Error(t, err)
	_, err = ig.NewGateway(ig.DefaultRegistry(), admission, ledger, prov, ig.WithDefaultModel("missing"))
	var nf *ig.ModelNotFoundError
	assert.True(t, errors.As(err, &nf))
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "dispatched", ig.StageDispatched.String())
	assert.True(t, ig.StageRejected.Terminal())
	assert.False(t, ig.StageCharged.Terminal())
}
