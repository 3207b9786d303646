// Package watcher monitors multisig addresses for incoming deposits.
//
// Once an escrow has a converged multisig address, the watcher polls the
// arbiter wallet's view of that address and marks the escrow funded when
// the unlocked balance covers the agreed amount. Buyer and vendor wallets
// are never queried; the arbiter wallet is the server's own window onto
// the chain.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradeweave/escrowd/internal/circuitbreaker"
	"github.com/tradeweave/escrowd/internal/escrow"
	"github.com/tradeweave/escrowd/internal/metrics"
	"github.com/tradeweave/escrowd/internal/registry"
	"github.com/tradeweave/escrowd/internal/walletrpc"
)

// FundingMarker is the slice of the escrow service the watcher needs.
type FundingMarker interface {
	MarkFunded(ctx context.Context, id, txid string) (*escrow.Escrow, error)
}

// WalletSource resolves the wallet client used to observe an escrow's
// multisig address. The registry service implements this.
type WalletSource interface {
	Client(ctx context.Context, escrowID string, role registry.Role) (walletrpc.Client, error)
}

// Config for the funding watcher.
type Config struct {
	PollInterval time.Duration
	BatchLimit   int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 60 * time.Second,
		BatchLimit:   100,
	}
}

// Watcher polls for deposits to escrow multisig addresses.
type Watcher struct {
	store   escrow.Store
	marker  FundingMarker
	wallets WalletSource
	config  Config
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker

	stop chan struct{}
	done chan struct{}
}

// New creates a funding watcher.
func New(cfg Config, store escrow.Store, marker FundingMarker, wallets WalletSource, logger *slog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultConfig().BatchLimit
	}
	return &Watcher{
		store:   store,
		marker:  marker,
		wallets: wallets,
		config:  cfg,
		logger:  logger,
		breaker: circuitbreaker.New(5, 2*cfg.PollInterval),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins polling for deposits.
func (w *Watcher) Start(ctx context.Context) {
	w.logger.Info("funding watcher started", "pollInterval", w.config.PollInterval)
	go w.pollLoop(ctx)
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.CheckFunding(ctx); err != nil {
				w.logger.Error("funding check failed", "error", err)
			}
		}
	}
}

// CheckFunding scans one batch of fundable escrows. Exported so tests
// and operators can trigger a scan without waiting for the ticker.
func (w *Watcher) CheckFunding(ctx context.Context) error {
	candidates, err := w.store.ListByStatus(ctx, escrow.StatusCreated, w.config.BatchLimit)
	if err != nil {
		return fmt.Errorf("list fundable escrows: %w", err)
	}

	for _, esc := range candidates {
		// No address yet means the handshake has not converged.
		if esc.MultisigAddress == "" {
			continue
		}
		// A wallet that keeps failing probes is left alone until its
		// circuit half-opens.
		if !w.breaker.Allow(esc.ID) {
			continue
		}
		if err := w.checkOne(ctx, esc); err != nil {
			w.logger.Warn("funding probe failed",
				"escrowId", esc.ID,
				"error", err,
			)
		}
	}
	return nil
}

func (w *Watcher) checkOne(ctx context.Context, esc *escrow.Escrow) error {
	client, err := w.wallets.Client(ctx, esc.ID, registry.RoleArbiter)
	if err != nil {
		return fmt.Errorf("arbiter wallet: %w", err)
	}

	_, unlocked, err := client.GetBalance(ctx)
	if err != nil {
		metrics.WalletProbesTotal.WithLabelValues("failure").Inc()
		w.breaker.RecordFailure(esc.ID)
		return fmt.Errorf("get balance: %w", err)
	}
	metrics.WalletProbesTotal.WithLabelValues("success").Inc()
	w.breaker.RecordSuccess(esc.ID)

	if unlocked < esc.Amount {
		if unlocked > 0 {
			w.logger.Debug("partial deposit observed",
				"escrowId", esc.ID,
				"unlocked", unlocked,
				"required", esc.Amount,
			)
		}
		return nil
	}

	if _, err := w.marker.MarkFunded(ctx, esc.ID, ""); err != nil {
		return fmt.Errorf("mark funded: %w", err)
	}
	w.logger.Info("escrow funded",
		"escrowId", esc.ID,
		"amount", esc.Amount,
	)
	return nil
}
