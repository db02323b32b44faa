package imagegate

import (
	"context"
	"time"
)

// CounterStore is an external atomic key-value store holding usage counters
// and fingerprint sets. Every method is a single atomic operation against the
// store. Implementations must be safe for concurrent use.
type CounterStore interface {
	// Count returns the counter value for key, or 0 when it does not exist or has expired.
	Count(ctx context.Context, key string) (int64, error)

	// SetSize returns the cardinality of the set at key.
	SetSize(ctx context.Context, key string) (int64, error)

	// IsMember reports whether member belongs to the set at key.
	IsMember(ctx context.Context, key, member string) (bool, error)

	// Apply executes all ops as one atomic batch: either every op is applied or none is.
	Apply(ctx context.Context, ops []CounterOp) error
}

// CounterOpKind selects the mutation performed by a CounterOp.
type CounterOpKind int

const (
	// OpIncr increments an integer counter by one.
	OpIncr CounterOpKind = iota
	// OpSetAdd adds Member to a set.
	OpSetAdd
)

// CounterOp is one mutation in an atomic batch. TTL resets the key's expiry
// after the mutation.
type CounterOp struct {
	Kind   CounterOpKind
	Key    string
	Member string
	TTL    time.Duration
}

// Incr returns an increment op.
func Incr(key string, ttl time.Duration) CounterOp {
	return CounterOp{Kind: OpIncr, Key: key, TTL: ttl}
}

// SetAdd returns a set-add op.
func SetAdd(key, member string, ttl time.Duration) CounterOp {
	return CounterOp{Kind: OpSetAdd, Key: key, Member: member, TTL: ttl}
}
