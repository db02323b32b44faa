package imagegate

import "time"

// Meter observes gateway events for monitoring/logging.
type Meter interface {
	// OnAdmission is called after every admission check and commit.
	OnAdmission(event AdmissionEvent)

	// OnLedger is called after every charge or refund attempt.
	OnLedger(event LedgerEvent)

	// OnRetry is called before each backoff sleep.
	OnRetry(event RetryEvent)

	// OnResult is called once per request when it reaches a terminal state.
	OnResult(event ResultEvent)
}

// AdmissionEvent describes an admission decision or commit.
type AdmissionEvent struct {
	IPHash    string
	Committed bool
	Allowed   bool
	Code      DenialCode
	Error     error
}

// LedgerEvent describes a charge or refund.
type LedgerEvent struct {
	OwnerID string
	Delta   int64
	Reason  string
	Balance int64
	Error   error
}

// RetryEvent describes a scheduled retry of a provider call.
type RetryEvent struct {
	Provider string
	Model    string
	Attempt  int
	Delay    time.Duration
	Error    error
}

// ResultEvent describes the terminal outcome of one request.
type ResultEvent struct {
	Path     Path
	Stage    Stage
	Gate     Gate
	Provider string
	Model    string
	Attempts int
	Cost     int64
	Refunded bool
	Duration time.Duration
	Error    error
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAdmission(AdmissionEvent) {}
func (noopMeter) OnLedger(LedgerEvent)       {}
func (noopMeter) OnRetry(RetryEvent)         {}
func (noopMeter) OnResult(ResultEvent)       {}
