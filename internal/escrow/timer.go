package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hvx-labs/escrowd/internal/metrics"
)

// AutoReleaseActor is recorded as the finalizing actor on scheduler fires.
const AutoReleaseActor = "auto_release"

// Timer periodically releases escrows whose holding window has elapsed.
//
// An open dispute at fire time pushes the deadline out by the recheck
// interval; the escrow is never dropped from scheduling. Firing is
// at-least-once: a finalized escrow showing up again is a safe no-op
// because Release compare-and-sets.
type Timer struct {
	service  *Service
	store    Store
	disputes DisputeChecker
	interval time.Duration
	recheck  time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates an auto-release timer. interval is how often due escrows
// are scanned; recheck is how far a disputed escrow's deadline is pushed.
func NewTimer(service *Service, store Store, disputes DisputeChecker, interval, recheck time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		service:  service,
		store:    store,
		disputes: disputes,
		interval: interval,
		recheck:  recheck,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeReleaseDue(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeReleaseDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-release timer", "panic", fmt.Sprint(r))
		}
	}()
	t.releaseDue(ctx)
}

func (t *Timer) releaseDue(ctx context.Context) {
	due, err := t.store.ListReleaseDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.logger.Warn("failed to list due escrows", "error", err)
		return
	}

	for _, e := range due {
		open, err := t.disputes.HasOpen(ctx, e.OrderID)
		if err != nil {
			t.logger.Warn("dispute check failed, will retry",
				"order_id", e.OrderID, "error", err)
			continue
		}
		if open {
			if err := t.service.PushReleaseDue(ctx, e.OrderID, t.recheck); err != nil {
				t.logger.Warn("failed to defer disputed escrow",
					"order_id", e.OrderID, "error", err)
			} else {
				t.logger.Info("auto-release deferred, dispute open",
					"order_id", e.OrderID, "recheck", t.recheck)
			}
			continue
		}

		_, err = t.service.Release(ctx, e.OrderID, AutoReleaseActor)
		switch {
		case err == nil:
			metrics.EscrowAutoReleasedTotal.Inc()
			t.logger.Info("auto-released escrow",
				"order_id", e.OrderID, "amount_sats", e.AmountSats)
		case errors.Is(err, ErrAlreadyFinalized):
			// Someone beat the timer; nothing to do.
			t.logger.Debug("escrow already finalized", "order_id", e.OrderID)
		case errors.Is(err, ErrDisputeOpen):
			// Dispute opened between the check and the release.
			if err := t.service.PushReleaseDue(ctx, e.OrderID, t.recheck); err != nil {
				t.logger.Warn("failed to defer disputed escrow",
					"order_id", e.OrderID, "error", err)
			}
		default:
			t.logger.Warn("failed to auto-release escrow",
				"order_id", e.OrderID, "error", err)
		}
	}
}
