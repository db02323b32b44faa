package meter

import "github.com/ineyio/imagegate"

// Multi fans every event out to each meter in order.
type Multi []imagegate.Meter

var _ imagegate.Meter = Multi(nil)

func (m Multi) OnAdmission(e imagegate.AdmissionEvent) {
	for _, mm := range m {
		mm.OnAdmission(e)
	}
}

func (m Multi) OnLedger(e imagegate.LedgerEvent) {
	for _, mm := range m {
		mm.OnLedger(e)
	}
}

func (m Multi) OnRetry(e imagegate.RetryEvent) {
	for _, mm := range m {
		mm.OnRetry(e)
	}
}

func (m Multi) OnResult(e imagegate.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}
