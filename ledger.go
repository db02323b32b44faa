package imagegate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// CreditTransaction is one immutable entry of the ledger audit trail.
type CreditTransaction struct {
	ID        string
	OwnerID   string
	Delta     int64
	Reason    string
	Timestamp time.Time
}

// LedgerStore is an external transactional store of credit accounts.
// Implementations must be safe for concurrent use.
type LedgerStore interface {
	// Balance returns the balance of ownerID, or ErrAccountNotFound.
	Balance(ctx context.Context, ownerID string) (int64, error)

	// Adjust atomically applies delta and appends one transaction. When a
	// negative delta would drive the balance below zero it returns
	// *InsufficientCreditsError and changes nothing.
	Adjust(ctx context.Context, ownerID string, delta int64, reason string) (CreditTransaction, int64, error)

	// Transactions returns the most recent transactions of ownerID, newest first.
	Transactions(ctx context.Context, ownerID string, limit int) ([]CreditTransaction, error)
}

// Reason prefixes written to the transaction log.
const (
	ReasonCharge = "charge"
	ReasonRefund = "refund"
)

// RefundReason formats the reason of a compensating adjustment.
func RefundReason(cause string) string {
	return ReasonRefund + ":" + cause
}

// Ledger is the credit ledger for authenticated traffic. It validates
// arguments and delegates the atomic update to the store. It never issues
// refunds on its own, compensation is the caller's job.
type Ledger struct {
	store  LedgerStore
	logger *slog.Logger
}

// LedgerOption configures Ledger.
type LedgerOption func(*Ledger)

// WithLedgerLogger sets the logger.
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger creates a Ledger backed by store.
func NewLedger(store LedgerStore, opts ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("imagegate: ledger: store is required")
	}
	l := &Ledger{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Balance returns the current balance of ownerID.
func (l *Ledger) Balance(ctx context.Context, ownerID string) (int64, error) {
	if ownerID == "" {
		return 0, &ValidationError{Field: "ownerId", Message: "is required"}
	}
	return l.store.Balance(ctx, ownerID)
}

// Adjust applies delta to ownerID's balance and returns the new balance.
func (l *Ledger) Adjust(ctx context.Context, ownerID string, delta int64, reason string) (int64, error) {
	if ownerID == "" {
		return 0, &ValidationError{Field: "ownerId", Message: "is required"}
	}
	if delta == 0 {
		return 0, &ValidationError{Field: "delta", Message: "must not be zero"}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return 0, &ValidationError{Field: "reason", Message: "is required"}
	}

	tx, balance, err := l.store.Adjust(ctx, ownerID, delta, reason)
	if err != nil {
		return 0, err
	}

	l.logger.InfoContext(ctx, "credits adjusted",
		slog.String("owner_id", ownerID),
		slog.String("tx_id", tx.ID),
		slog.Int64("delta", delta),
		slog.String("reason", reason),
		slog.Int64("balance", balance))

	return balance, nil
}

// Charge debits cost credits.
func (l *Ledger) Charge(ctx context.Context, ownerID string, cost int64) (int64, error) {
	return l.Adjust(ctx, ownerID, -cost, ReasonCharge)
}

// Refund credits cost back with a refund reason.
func (l *Ledger) Refund(ctx context.Context, ownerID string, cost int64, cause string) (int64, error) {
	return l.Adjust(ctx, ownerID, cost, RefundReason(cause))
}

// History returns recent transactions of ownerID.
func (l *Ledger) History(ctx context.Context, ownerID string, limit int) ([]CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.Transactions(ctx, ownerID, limit)
}
