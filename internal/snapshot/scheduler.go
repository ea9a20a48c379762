// Package snapshot periodically records the value of every portfolio so
// history and daily change can be computed later.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/trading-engine/internal/metrics"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

// DefaultInterval is the time between snapshot cycles.
const DefaultInterval = 5 * time.Minute

// Valuator values a portfolio with fresh prices.
type Valuator interface {
	ValuateFresh(ctx context.Context, p *model.Portfolio) (*model.Valuation, error)
}

// LeaderboardRefresher recomputes a competition's standings.
type LeaderboardRefresher interface {
	Refresh(ctx context.Context, competitionID string) error
}

// CycleReport summarises one snapshot cycle.
type CycleReport struct {
	StartedAt    time.Time
	Duration     time.Duration
	Portfolios   int // portfolios considered
	Written      int
	Skipped      int // pricing or store failures
	Ended        int // portfolios of ended competitions
	Competitions int // leaderboards refreshed
	Err          error
}

// Scheduler writes snapshots on a fixed interval. It never modifies a
// portfolio.
type Scheduler struct {
	store     store.Store
	valuator  Valuator
	refresher LeaderboardRefresher
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the cycle interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithRefresher refreshes competition leaderboards after every cycle.
func WithRefresher(r LeaderboardRefresher) Option {
	return func(s *Scheduler) { s.refresher = r }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler.
func NewScheduler(st store.Store, v Valuator, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		valuator: v,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes a cycle immediately and then once per interval until ctx is
// cancelled, returning ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("snapshot scheduler started", "interval", s.interval.String())
	s.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("snapshot scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle snapshots every portfolio whose competition is still running.
// Failures are isolated per portfolio.
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	start := time.Now()
	now := s.now().UTC()
	report := CycleReport{StartedAt: now}
	defer func() {
		report.Duration = time.Since(start)
		metrics.SnapshotCycleDuration.Observe(report.Duration.Seconds())
	}()

	portfolios, err := s.store.ListPortfolios(ctx)
	if err != nil {
		s.logger.Error("snapshot cycle: list portfolios failed", "err", err)
		report.Err = err
		return report
	}

	competitions := make(map[string]*model.Competition)
	for i := range portfolios {
		if ctx.Err() != nil {
			report.Err = ctx.Err()
			break
		}
		p := &portfolios[i]
		report.Portfolios++

		if p.CompetitionID != "" {
			c, ok := competitions[p.CompetitionID]
			if !ok {
				c, err = s.store.GetCompetition(ctx, p.CompetitionID)
				if err != nil {
					s.logger.Warn("snapshot skipped: competition lookup failed",
						"portfolio_id", p.ID, "competition", p.CompetitionID, "err", err)
					report.Skipped++
					metrics.SnapshotsTotal.WithLabelValues("skipped").Inc()
					continue
				}
				competitions[p.CompetitionID] = c
			}
			if c.Ended(now) {
				report.Ended++
				continue
			}
		}

		if err := s.snapshot(ctx, p); err != nil {
			s.logger.Warn("snapshot skipped",
				"portfolio_id", p.ID, "user", p.UserID, "competition", p.CompetitionID, "err", err)
			report.Skipped++
			metrics.SnapshotsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		report.Written++
		metrics.SnapshotsTotal.WithLabelValues("written").Inc()
	}

	report.Competitions = s.refreshLeaderboards(ctx, now)

	s.logger.Info("snapshot cycle complete",
		"portfolios", report.Portfolios,
		"written", report.Written,
		"skipped", report.Skipped,
		"ended", report.Ended,
		"leaderboards", report.Competitions,
		"duration", time.Since(start).String(),
	)
	return report
}

func (s *Scheduler) snapshot(ctx context.Context, p *model.Portfolio) error {
	val, err := s.valuator.ValuateFresh(ctx, p)
	if err != nil {
		return err
	}

	// Stored timestamps have microsecond resolution.
	ts := s.now().UTC().Truncate(time.Microsecond)
	last, err := s.store.LatestSnapshot(ctx, p.UserID, p.CompetitionID)
	switch {
	case err == nil:
		if !ts.After(last.Timestamp) {
			ts = last.Timestamp.Add(time.Microsecond)
		}
	case !errors.Is(err, model.ErrNotFound):
		return fmt.Errorf("latest snapshot: %w", err)
	}

	snap := &model.PortfolioSnapshot{
		ID:               uuid.New().String(),
		PortfolioID:      p.ID,
		UserID:           p.UserID,
		CompetitionID:    p.CompetitionID,
		Timestamp:        ts,
		TotalValue:       val.TotalValue,
		Cash:             val.Cash,
		Holdings:         make([]model.SnapshotHolding, 0, len(val.Holdings)),
		PortfolioVersion: val.Version,
	}
	for _, h := range val.Holdings {
		snap.Holdings = append(snap.Holdings, model.SnapshotHolding{
			Symbol:   h.Symbol,
			Quantity: h.Quantity,
			Price:    h.CurrentPrice,
			Value:    h.Value,
		})
	}
	return s.store.AppendSnapshot(ctx, snap)
}

// refreshLeaderboards recomputes standings of every competition that has
// not ended and returns how many succeeded.
func (s *Scheduler) refreshLeaderboards(ctx context.Context, now time.Time) int {
	competitions, err := s.store.ListCompetitions(ctx)
	if err != nil {
		s.logger.Warn("leaderboard refresh: list competitions failed", "err", err)
		return 0
	}

	active, refreshed := 0, 0
	for _, c := range competitions {
		if c.Ended(now) {
			continue
		}
		active++
		if s.refresher == nil || ctx.Err() != nil {
			continue
		}
		if err := s.refresher.Refresh(ctx, c.ID); err != nil {
			s.logger.Warn("leaderboard refresh failed", "competition", c.ID, "err", err)
			continue
		}
		refreshed++
	}
	metrics.ActiveCompetitions.Set(float64(active))
	return refreshed
}

// History returns the snapshots of one portfolio within [from, to],
// oldest first. A zero bound is open. A missing portfolio is ErrNotFound
// even when snapshots of an earlier, since-deleted portfolio exist.
func (s *Scheduler) History(ctx context.Context, userID, competitionID string, from, to time.Time) ([]model.PortfolioSnapshot, error) {
	if _, err := s.store.GetPortfolio(ctx, userID, competitionID); err != nil {
		return nil, err
	}
	snaps, err := s.store.ListSnapshots(ctx, userID, competitionID, from, to)
	if err != nil {
		return nil, err
	}
	if snaps == nil {
		snaps = []model.PortfolioSnapshot{}
	}
	return snaps, nil
}
