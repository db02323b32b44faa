package imagegate_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ig "github.com/ineyio/imagegate"
	"github.com/ineyio/imagegate/counter"
)

func newAdmission(t *testing.T, store ig.CounterStore, limits ig.Limits) *ig.Admission {
	t.Helper()
	a, err := ig.NewAdmission(store, limits)
	require.NoError(t, err)
	return a
}

// seed writes n increments of key with ttl.
func seed(t *testing.T, store ig.CounterStore, key string, n int, ttl time.Duration) {
	t.Helper()
	for range n {
		require.NoError(t, store.Apply(context.Background(), []ig.CounterOp{ig.Incr(key, ttl)}))
	}
}

func TestCheck_GlobalLimit(t *testing.T) {
	store := counter.NewMemoryStore()
	a := newAdmission(t, store, ig.DefaultLimits())
	seed(t, store, a.GlobalKey(), 500, 24*time.Hour)

	d, err := a.Check(context.Background(), "any-ip", "any-fp")
	require.NoError(t, err)
	assert.Equal(t, ig.Decision{Code: ig.DenialGlobalLimit}, d)

	var denied *ig.AdmissionDeniedError
	require.ErrorAs(t, d.Err(), &denied)
	assert.Equal(t, ig.DenialGlobalLimit, denied.Code)
}

func TestCheck_IPHourlyLimit(t *testing.T) {
	store := counter.NewMemoryStore()
	a := newAdmission(t, store, ig.DefaultLimits())
	ctx := context.Background()

	for range 5 {
		require.NoError(t, a.Commit(ctx, "X", "f1"))
	}

	d, err := a.Check(ctx, "X", "f2")
	require.NoError(t, err)
	assert.Equal(t, ig.DenialIPLimit, d.Code)
	assert.False(t, d.Allowed)
}

func TestCheck_IPDailyLimit(t *testing.T) {
	store := counter.NewMemoryStore()
	a := newAdmission(t, store, ig.DefaultLimits())
	seed(t, store, a.DailyKey("X"), 20, 24*time.Hour)

	d, err := a.Check(context.Background(), "X", "f1")
	require.NoError(t, err)
	assert.Equal(t, ig.DenialIPLimit, d.Code)
}

func TestCheck_FingerprintDiversity(t *testing.T) {
	store := counter.NewMemoryStore()
	a := newAdmission(t, store, ig.DefaultLimits())
	ctx := context.Background()

	require.NoError(t, store.Apply(ctx, []ig.CounterOp{
		ig.SetAdd(a.FingerprintKey("X"), "a", time.Hour),
		ig.SetAdd(a.FingerprintKey("X"), "b", time.Hour),
		ig.SetAdd(a.FingerprintKey("X"), "c", time.Hour),
	}))

	d, err := a.Check(ctx, "X", "d")
	require.NoError(t, err)
	assert.Equal(t, ig.DenialBot, d.Code)

	d, err = a.Check(ctx, "X", "a")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestCheck_FirstDenialWins(t *testing.T) {
	store := counter.NewMemoryStore()
	a := newAdmission(t, store, ig.DefaultLimits())
	seed(t, store, a.GlobalKey(), 500, 24*time.Hour)
	seed(t, store, a.HourlyKey("X"), 5, time.Hour)

	d, err := a.Check(context.Background(), "X", "f")
	require.NoError(t, err)
	assert.Equal(t, ig.DenialGlobalLimit, d.Code)
}

func TestCommit_RoundTrip(t *testing.T) {
	store := counter.NewMemoryStore()
	a := newAdmission(t, store, ig.DefaultLimits())
	ctx := context.Background()

	require.NoError(t, a.Commit(ctx, "X", "f1"))

	for key, want := range map[string]int64{
		a.GlobalKey():    1,
		a.HourlyKey("X"): 1,
		a.DailyKey("X"):  1,
	} {
		n, err := store.Count(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, n, key)
	}
	ok, err := store.IsMember(ctx, a.FingerprintKey("X"), "f1")
	require.NoError(t, err)
	assert.True(t, ok)

	other, err := store.Count(ctx, a.HourlyKey("Y"))
	require.NoError(t, err)
	assert.Zero(t, other)
}

func TestCommit_GlobalNeverExceedsLimitWhenChecked(t *testing.T) {
	store := counter.NewMemoryStore()
	limits := ig.DefaultLimits()
	limits.GlobalDailyLimit = 7
	a := newAdmission(t, store, limits)
	ctx := context.Background()

	for i := range 20 {
		ip := fmt.Sprintf("ip-%d", i)
		d, err := a.Check(ctx, ip, "fp")
		require.NoError(t, err)
		if d.Allowed {
			require.NoError(t, a.Commit(ctx, ip, "fp"))
		}
		n, err := store.Count(ctx, a.GlobalKey())
		require.NoError(t, err)
		assert.LessOrEqual(t, n, limits.GlobalDailyLimit)
	}
}

func TestCommit_HourlyWindowExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := counter.NewMemoryStore(counter.WithClock(func() time.Time { return now }))
	a := newAdmission(t, store, ig.DefaultLimits())
	ctx := context.Background()

	for range 5 {
		require.NoError(t, a.Commit(ctx, "X", "f1"))
	}
	d, _ := a.Check(ctx, "X", "f1")
	require.False(t, d.Allowed)

	now = now.Add(time.Hour)
	d, err := a.Check(ctx, "X", "f1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

type failingStore struct{ ig.CounterStore }

func (failingStore) Count(context.Context, string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestCheck_StoreErrorPropagates(t *testing.T) {
	a := newAdmission(t, failingStore{counter.NewMemoryStore()}, ig.DefaultLimits())

	_, err := a.Check(context.Background(), "X", "f")
	assert.ErrorContains(t, err, "connection refused")
}

func TestNewAdmission_Validation(t *testing.T) {
	_, err := ig.NewAdmission(nil, ig.DefaultLimits())
	assert.Error(t, err)

	_, err = ig.NewAdmission(counter.NewMemoryStore(), ig.Limits{})
	assert.Error(t, err)
}

func TestWithKeyPrefix(t *testing.T) {
	a, err := ig.NewAdmission(counter.NewMemoryStore(), ig.DefaultLimits(), ig.WithKeyPrefix("svc:"))
	require.NoError(t, err)
	assert.Equal(t, "svc:global-daily", a.GlobalKey())
	assert.Equal(t, "svc:ip-hourly:h", a.HourlyKey("h"))
	assert.Equal(t, "svc:fp:h", a.FingerprintKey("h"))
}

func TestHashIP(t *testing.T) {
	h := ig.HashIP("salt", "203.0.113.1")
	assert.Len(t, h, 32)
	assert.Equal(t, h, ig.HashIP("salt", "203.0.113.1"))
	assert.NotEqual(t, h, ig.HashIP("other", "203.0.113.1"))
}
