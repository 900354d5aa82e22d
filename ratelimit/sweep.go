package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"rescue-chat/contract"
)

var _ contract.Worker = (*SweepWorker)(nil)

// SweepWorker periodically evicts expired buckets from a set of
// limiters. Purely memory hygiene; limiters stay correct without it.
type SweepWorker struct {
	limiters  []*Limiter
	interval  time.Duration
	retention time.Duration
	log       *slog.Logger
}

func NewSweepWorker(log *slog.Logger, interval, retention time.Duration, limiters ...*Limiter) *SweepWorker {
	return &SweepWorker{limiters: limiters, interval: interval, retention: retention, log: log}
}

func (w *SweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Stopping limiter sweep")
			return ctx.Err()
		case <-ticker.C:
			total := 0
			for _, l := range w.limiters {
				total += l.Sweep(w.retention)
			}
			if total > 0 {
				w.log.Debug("Swept expired rate-limit buckets", "removed", total)
			}
		}
	}
}
