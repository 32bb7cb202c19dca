package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"driftcast/internal/journal"
)

type registryPurger interface {
	PurgeExpired() error
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

func newTimeTicker(d time.Duration) sweepTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// startRegistryPurgeWorker sweeps expired in-process registrations so the
// memory store does not accumulate records for streams Redis would have
// expired on its own.
func startRegistryPurgeWorker(ctx context.Context, logger *slog.Logger, registry registryPurger, interval time.Duration) func() {
	return startRegistryPurgeWorkerWithTicker(ctx, logger, registry, interval, newTimeTicker)
}

func startRegistryPurgeWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	registry registryPurger,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if registry == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				if err := registry.PurgeExpired(); err != nil && logger != nil {
					logger.Error("failed to purge expired registrations", "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// startJournalPruneWorker trims journal entries older than the retention
// window.
func startJournalPruneWorker(ctx context.Context, logger *slog.Logger, recorder journal.Recorder, interval, retention time.Duration) func() {
	return startJournalPruneWorkerWithTicker(ctx, logger, recorder, interval, retention, newTimeTicker)
}

func startJournalPruneWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	recorder journal.Recorder,
	interval, retention time.Duration,
	newTicker tickerFactory,
) func() {
	if recorder == nil || interval <= 0 || retention <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				pruneCtx, pruneCancel := context.WithTimeout(workerCtx, 30*time.Second)
				removed, err := recorder.Prune(pruneCtx, time.Now().Add(-retention))
				pruneCancel()
				if err != nil {
					if logger != nil {
						logger.Error("failed to prune journal entries", "error", err)
					}
					continue
				}
				if removed > 0 && logger != nil {
					logger.Info("pruned journal entries", "removed", removed)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
