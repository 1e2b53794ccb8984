// Package trade — timer-driven lifecycle sweeps.
package trade

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler periodically sweeps trades past their deadlines. It drives the
// exact same transition paths a human actor would — auto-release goes
// through the seller's release path, risk gate included — so the timers can
// never diverge from the interactive invariants.
type Scheduler struct {
	svc      *Service
	interval time.Duration
	workers  int
}

// NewScheduler creates a scheduler sweeping at the given interval.
func NewScheduler(svc *Service, interval time.Duration) *Scheduler {
	return &Scheduler{
		svc:      svc,
		interval: interval,
		workers:  4,
	}
}

// Run ticks until ctx is cancelled. Must be called in a goroutine.
func (sc *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sc.ProcessAutoReleaseCandidates(ctx)
			sc.ProcessDepositTimeouts(ctx)
		}
	}
}

// ProcessAutoReleaseCandidates releases custody on the seller's behalf for
// payment-confirmed trades past the listing's auto-release deadline.
// Disputed trades never appear: the dispute transition already moved them
// out of PaymentConfirmed.
func (sc *Scheduler) ProcessAutoReleaseCandidates(ctx context.Context) {
	candidates, err := sc.svc.store.ListAutoReleaseCandidates(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("auto-release sweep failed", "err", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.workers)
	for _, t := range candidates {
		t := t
		g.Go(func() error {
			if _, err := sc.svc.release(ctx, t.ID, t.SellerID, true); err != nil {
				// A concurrent human release or a risk block is expected
				// here; the per-trade lock and state check make the sweep
				// release each trade at most once.
				if !errors.Is(err, ErrInvalidTransition) {
					slog.Warn("auto-release failed", "trade_id", t.ID, "err", err)
				}
			}
			return nil
		})
	}
	g.Wait()
}

// ProcessDepositTimeouts cancels pending trades whose escrow never reached
// Held within the deposit timeout. The cancellation is attributed to the
// seller, the party who failed to fund escrow.
func (sc *Scheduler) ProcessDepositTimeouts(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-sc.svc.cfg.DepositTimeout)
	candidates, err := sc.svc.store.ListDepositTimeoutCandidates(ctx, cutoff)
	if err != nil {
		slog.Error("deposit-timeout sweep failed", "err", err)
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sc.workers)
	for _, t := range candidates {
		t := t
		g.Go(func() error {
			if _, err := sc.svc.Cancel(ctx, t.ID, t.SellerID); err != nil {
				// Escrow reaching Held in the meantime blocks the cancel;
				// that trade simply proceeds.
				if !errors.Is(err, ErrInvalidTransition) {
					slog.Warn("deposit-timeout cancel failed", "trade_id", t.ID, "err", err)
				}
			}
			return nil
		})
	}
	g.Wait()
}
