// Package leaderboard ranks competition participants by account value.
//
// Standings are always derived from portfolio valuations and snapshots and
// written back as a projection; they are never edited directly.
package leaderboard

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

// Valuator values a portfolio, tolerating stale prices.
type Valuator interface {
	Valuate(ctx context.Context, p *model.Portfolio) (*model.Valuation, error)
}

// Publisher is notified when standings are refreshed.
type Publisher interface {
	PublishLeaderboard(competitionID string, standings []model.CompetitionParticipant)
}

// Board computes and persists competition standings.
type Board struct {
	store     store.Store
	valuator  Valuator
	publisher Publisher
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Board.
type Option func(*Board)

// WithPublisher sets the publisher notified after Refresh.
func WithPublisher(p Publisher) Option {
	return func(b *Board) { b.publisher = p }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Board) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Board) { b.logger = l }
}

// New creates a Board.
func New(st store.Store, v Valuator, opts ...Option) *Board {
	b := &Board{
		store:    st,
		valuator: v,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Rank returns the standings of a competition, best first. Ties on
// account value go to the earlier joiner, then to the lower user id.
func (b *Board) Rank(ctx context.Context, competitionID string) ([]model.CompetitionParticipant, error) {
	c, err := b.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	participants, err := b.store.ListParticipants(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	now := b.now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	ranked := make([]model.CompetitionParticipant, 0, len(participants))
	for _, p := range participants {
		value := b.accountValue(ctx, p.UserID, c)
		base := b.dayBase(ctx, p.UserID, c, dayStart)

		ranked = append(ranked, model.CompetitionParticipant{
			UserID:              p.UserID,
			CompetitionID:       competitionID,
			AccountValue:        value,
			AccountValueDisplay: model.FormatUSD(value),
			TodayChange:         model.Ratio(value.Sub(base), base),
			OverallChange:       model.Ratio(value.Sub(c.StartingCash), c.StartingCash),
			JoinedAt:            p.JoinedAt,
			UpdatedAt:           now,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if cmp := ranked[i].AccountValue.Cmp(ranked[j].AccountValue); cmp != 0 {
			return cmp > 0
		}
		if !ranked[i].JoinedAt.Equal(ranked[j].JoinedAt) {
			return ranked[i].JoinedAt.Before(ranked[j].JoinedAt)
		}
		return ranked[i].UserID < ranked[j].UserID
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked, nil
}

// Refresh recomputes and persists the standings, then publishes them.
func (b *Board) Refresh(ctx context.Context, competitionID string) error {
	ranked, err := b.Rank(ctx, competitionID)
	if err != nil {
		return err
	}
	if err := b.store.SaveParticipants(ctx, competitionID, ranked); err != nil {
		return err
	}
	if b.publisher != nil {
		b.publisher.PublishLeaderboard(competitionID, ranked)
	}
	b.logger.Debug("leaderboard refreshed", "competition", competitionID, "participants", len(ranked))
	return nil
}

// accountValue prefers a live valuation, then the latest snapshot, then
// cash on hand, then the starting cash.
func (b *Board) accountValue(ctx context.Context, userID string, c *model.Competition) decimal.Decimal {
	p, err := b.store.GetPortfolio(ctx, userID, c.ID)
	if err != nil {
		b.logger.Warn("leaderboard: portfolio missing", "competition", c.ID, "user", userID, "err", err)
		return c.StartingCash
	}

	val, err := b.valuator.Valuate(ctx, p)
	if err == nil {
		return val.TotalValue
	}
	b.logger.Warn("leaderboard: live valuation failed", "competition", c.ID, "user", userID, "err", err)

	if snap, err := b.store.LatestSnapshot(ctx, userID, c.ID); err == nil {
		return snap.TotalValue
	}
	return p.Cash
}

// dayBase is the value the day's change is measured against: the last
// snapshot before dayStart, or the starting cash for a participant with no
// earlier history.
func (b *Board) dayBase(ctx context.Context, userID string, c *model.Competition, dayStart time.Time) decimal.Decimal {
	snap, err := b.store.LatestSnapshotBefore(ctx, userID, c.ID, dayStart)
	if err == nil {
		return snap.TotalValue
	}
	if !errors.Is(err, model.ErrNotFound) {
		b.logger.Warn("leaderboard: snapshot lookup failed", "competition", c.ID, "user", userID, "err", err)
	}
	return c.StartingCash
}
