package meter

import (
	"log/slog"

	"github.com/ineyio/imagegate"
)

// LogMeter logs gateway events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ imagegate.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnAdmission(e imagegate.AdmissionEvent) {
	switch {
	case e.Error != nil:
		m.Logger.Error("admission_error",
			"ip_hash", e.IPHash,
			"committed", e.Committed,
			"error", e.Error,
		)
	case !e.Allowed:
		m.Logger.Warn("admission_denied",
			"ip_hash", e.IPHash,
			"code", string(e.Code),
		)
	default:
		m.Logger.Debug("admission",
			"ip_hash", e.IPHash,
			"committed", e.Committed,
		)
	}
}

func (m *LogMeter) OnLedger(e imagegate.LedgerEvent) {
	if e.Error != nil {
		m.Logger.Warn("ledger_error",
			"owner", e.OwnerID,
			"delta", e.Delta,
			"reason", e.Reason,
			"error", e.Error,
		)
		return
	}
	m.Logger.Info("ledger",
		"owner", e.OwnerID,
		"delta", e.Delta,
		"reason", e.Reason,
		"balance", e.Balance,
	)
}

func (m *LogMeter) OnRetry(e imagegate.RetryEvent) {
	m.Logger.Warn("retry",
		"provider", e.Provider,
		"model", e.Model,
		"attempt", e.Attempt,
		"delay_ms", e.Delay.Milliseconds(),
		"error", e.Error,
	)
}

func (m *LogMeter) OnResult(e imagegate.ResultEvent) {
	if e.Error == nil {
		m.Logger.Info("result",
			"path", string(e.Path),
			"provider", e.Provider,
			"model", e.Model,
			"attempts", e.Attempts,
			"cost", e.Cost,
			"duration_ms", e.Duration.Milliseconds(),
		)
		return
	}
	m.Logger.Warn("result_error",
		"path", string(e.Path),
		"stage", e.Stage.String(),
		"gate", string(e.Gate),
		"provider", e.Provider,
		"model", e.Model,
		"attempts", e.Attempts,
		"refunded", e.Refunded,
		"duration_ms", e.Duration.Milliseconds(),
		"error", e.Error,
	)
}
