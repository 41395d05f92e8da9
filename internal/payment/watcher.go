package payment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hvx-labs/escrowd/internal/chain"
	"github.com/hvx-labs/escrowd/internal/metrics"
)

// Watcher polls the chain for activity on every watchable address.
//
// Each poll fans the watch set out over a bounded worker pool. A chain
// query failure is never a payment failure: the error is counted and the
// address is simply retried on the next tick.
type Watcher struct {
	service      *Service
	source       chain.TxSource
	interval     time.Duration
	workers      int
	queryTimeout time.Duration
	logger       *slog.Logger
	stop         chan struct{}
	done         chan struct{}
	running      atomic.Bool
}

// WatcherConfig configures the payment watcher.
type WatcherConfig struct {
	PollInterval time.Duration
	Workers      int
	QueryTimeout time.Duration
}

// NewWatcher creates a payment watcher.
func NewWatcher(service *Service, source chain.TxSource, cfg WatcherConfig, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	return &Watcher{
		service:      service,
		source:       source,
		interval:     cfg.PollInterval,
		workers:      cfg.Workers,
		queryTimeout: cfg.QueryTimeout,
		logger:       logger,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (w *Watcher) Running() bool {
	return w.running.Load()
}

// Start begins the poll loop. Call in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	defer close(w.done)

	w.logger.Info("payment watcher started",
		"interval", w.interval, "workers", w.workers)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safePoll(ctx)
		}
	}
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
	<-w.done
}

func (w *Watcher) safePoll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in payment watcher", "panic", fmt.Sprint(r))
		}
	}()
	w.poll(ctx)
}

func (w *Watcher) poll(ctx context.Context) {
	watchable, err := w.service.ListWatchable(ctx, 1000)
	if err != nil {
		w.logger.Warn("failed to list watchable payments", "error", err)
		return
	}
	metrics.WatchedAddresses.Set(float64(len(watchable)))

	jobs := make(chan *Payment)
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range jobs {
				w.checkAddress(ctx, p)
			}
		}()
	}
	for _, p := range watchable {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	w.service.ExpireStale(ctx, time.Now().UTC())
}

func (w *Watcher) checkAddress(ctx context.Context, p *Payment) {
	queryCtx, cancel := context.WithTimeout(ctx, w.queryTimeout)
	defer cancel()

	txs, err := w.source.AddressTxs(queryCtx, p.Address)
	if err != nil {
		// Retry on the next tick; the payment itself is untouched.
		metrics.WatcherPollErrors.Inc()
		w.logger.Debug("chain query failed, will retry",
			"order_id", p.OrderID, "address", p.Address, "error", err)
		return
	}

	if err := w.service.ApplyObservation(ctx, p.OrderID, txs); err != nil {
		w.logger.Warn("failed to apply observation",
			"order_id", p.OrderID, "error", err)
	}
}
