package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tradeweave/escrowd/internal/metrics"
)

// StallChecker flags multisig handshakes that stopped making progress.
// The multisig coordinator implements it; nil disables the check.
type StallChecker interface {
	FlagStalled(ctx context.Context, idleSince time.Time) (int, error)
}

// Timer is the timeout monitor. It periodically expires overdue escrows,
// emits warnings for escrows approaching expiry, and flags stalled
// multisig handshakes.
type Timer struct {
	service     *Service
	store       Store
	interval    time.Duration
	warnWindow  time.Duration
	stallWindow time.Duration
	stalls      StallChecker
	logger      *slog.Logger
	stop        chan struct{}
	running     atomic.Bool
}

// NewTimer creates a new timeout monitor.
func NewTimer(service *Service, store Store, interval, warnWindow time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		service:    service,
		store:      store,
		interval:   interval,
		warnWindow: warnWindow,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// WithStallChecker enables stalled-handshake detection.
func (t *Timer) WithStallChecker(sc StallChecker, window time.Duration) *Timer {
	t.stalls = sc
	t.stallWindow = window
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the monitor loop. Call in a goroutine.
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
			t.safeSweep(ctx)
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

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in timeout monitor", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

// Sweep runs one monitor pass immediately. Exported for tests.
func (t *Timer) Sweep(ctx context.Context) {
	t.safeSweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	now := time.Now().UTC()

	// 1. Expire escrows past their deadline.
	expired, err := t.store.ListExpired(ctx, now, 100)
	if err != nil {
		t.logger.Warn("failed to list expired escrows", "error", err)
		return
	}
	for _, escrow := range expired {
		if _, err := t.service.Expire(ctx, escrow.ID); err != nil {
			// A user action may have won the race; that is fine.
			t.logger.Debug("skipped expiry", "escrowId", escrow.ID, "error", err)
			continue
		}
		t.logger.Info("expired escrow",
			"escrowId", escrow.ID,
			"status", escrow.Status,
			"lastActivityAt", escrow.LastActivityAt,
		)
	}

	// 2. Warn on escrows entering the final stretch before expiry.
	if t.warnWindow > 0 {
		t.warnExpiring(ctx, now)
	}

	// 3. Flag multisig handshakes that stopped advancing.
	if t.stalls != nil && t.stallWindow > 0 {
		flagged, err := t.stalls.FlagStalled(ctx, now.Add(-t.stallWindow))
		if err != nil {
			t.logger.Warn("failed to flag stalled handshakes", "error", err)
		} else if flagged > 0 {
			t.logger.Warn("flagged stalled multisig handshakes", "count", flagged)
		}
	}
}

func (t *Timer) warnExpiring(ctx context.Context, now time.Time) {
	expiring, err := t.store.ListExpiringWithin(ctx, now.Add(t.warnWindow), 100)
	if err != nil {
		t.logger.Warn("failed to list expiring escrows", "error", err)
		return
	}

	for _, candidate := range expiring {
		// Re-read under the per-escrow lock so a racing transition wins.
		unlock, err := t.service.lock(ctx, candidate.ID)
		if err != nil {
			return
		}
		escrow, err := t.store.Get(ctx, candidate.ID)
		if err != nil || escrow.IsTerminal() || escrow.WarnedAt != nil {
			unlock()
			continue
		}
		warnedAt := now
		escrow.WarnedAt = &warnedAt
		err = t.store.Update(ctx, escrow)
		unlock()
		if err != nil {
			t.logger.Warn("failed to mark expiry warning", "escrowId", escrow.ID, "error", err)
			continue
		}

		remaining := time.Duration(0)
		if escrow.ExpiresAt != nil {
			remaining = escrow.ExpiresAt.Sub(now)
		}
		metrics.ExpiryWarningsTotal.Inc()
		t.logger.Warn("escrow approaching expiry",
			"escrowId", escrow.ID,
			"status", escrow.Status,
			"remaining", remaining.Round(time.Second),
		)
		t.service.notify("expiry_warning", escrow)
	}
}
