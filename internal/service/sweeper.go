package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/fundledger/internal/store"
)

// Sweeper expires campaigns past their deadline and abandons pending
// contributions that never heard back from the gateway. Capacity is never
// reserved by pending rows, so abandoning one frees nothing.
type Sweeper struct {
	store          store.Store
	pendingTimeout time.Duration
	logger         *slog.Logger
}

func NewSweeper(s store.Store, pendingTimeout time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:          s,
		pendingTimeout: pendingTimeout,
		logger:         logger.With("component", "sweeper"),
	}
}

type SweepResult struct {
	Expired   int64
	Abandoned int64
}

func (s *Sweeper) RunOnce(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	expired, err := s.store.ExpireCampaigns(ctx, now)
	if err != nil {
		return res, fmt.Errorf("expire campaigns: %w", err)
	}
	res.Expired = expired

	abandoned, err := s.store.AbandonPending(ctx, now.Add(-s.pendingTimeout), now)
	if err != nil {
		return res, fmt.Errorf("abandon pending contributions: %w", err)
	}
	res.Abandoned = abandoned

	sweptRecords.WithLabelValues("expired").Add(float64(expired))
	sweptRecords.WithLabelValues("abandoned").Add(float64(abandoned))
	if expired > 0 || abandoned > 0 {
		s.logger.InfoContext(ctx, "sweep complete", "expired_campaigns", expired, "abandoned_contributions", abandoned)
	}
	return res, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, utcNow()); err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", "error", err)
			}
		}
	}
}
