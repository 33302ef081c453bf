package usecase

import "time"

// Ticker delivers clock ticks to the coordinator.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates tickers firing every d.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func newRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// elapsedFraction reports how much of total has been used.
func elapsedFraction(total time.Duration, remaining time.Duration) float64 {
	if total <= 0 {
		return 1
	}
	used := total - remaining
	if used < 0 {
		used = 0
	}
	return float64(used) / float64(total)
}
