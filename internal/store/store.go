// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/atmx/trading-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Lookups of missing records return an error wrapping model.ErrNotFound.
type Store interface {
	// --- Portfolios ---

	// CreatePortfolio persists a new portfolio. A second portfolio for the
	// same (user, competition) is rejected with model.ErrValidation.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio loads the portfolio of userID in competitionID ("" for
	// the main portfolio) together with its version.
	GetPortfolio(ctx context.Context, userID, competitionID string) (*model.Portfolio, error)

	// ListPortfolios returns every portfolio.
	ListPortfolios(ctx context.Context) ([]model.Portfolio, error)

	// CommitTrade atomically replaces the portfolio state and appends the
	// trade, provided the stored version still equals expectedVersion.
	// On success p.Version and t.Version are set to expectedVersion+1.
	// A version mismatch returns model.ErrConcurrencyConflict and writes
	// nothing.
	CommitTrade(ctx context.Context, p *model.Portfolio, t *model.Trade, expectedVersion int64) error

	// ListTrades returns trades of one portfolio, newest first. limit <= 0
	// means no limit.
	ListTrades(ctx context.Context, portfolioID string, limit int) ([]model.Trade, error)

	// --- Snapshots (append-only) ---

	// AppendSnapshot stores s. Its timestamp must be strictly after the
	// latest snapshot of the same (user, competition).
	AppendSnapshot(ctx context.Context, s *model.PortfolioSnapshot) error

	// ListSnapshots returns snapshots with from <= Timestamp <= to in
	// ascending time order. A zero bound is open.
	ListSnapshots(ctx context.Context, userID, competitionID string, from, to time.Time) ([]model.PortfolioSnapshot, error)

	// LatestSnapshot returns the most recent snapshot.
	LatestSnapshot(ctx context.Context, userID, competitionID string) (*model.PortfolioSnapshot, error)

	// LatestSnapshotBefore returns the most recent snapshot strictly
	// before t.
	LatestSnapshotBefore(ctx context.Context, userID, competitionID string, t time.Time) (*model.PortfolioSnapshot, error)

	// --- Competitions ---

	CreateCompetition(ctx context.Context, c *model.Competition) error
	GetCompetition(ctx context.Context, id string) (*model.Competition, error)
	ListCompetitions(ctx context.Context) ([]model.Competition, error)
	SetCompetitionLocked(ctx context.Context, id string, locked bool) error

	// JoinCompetition atomically creates the competition portfolio and the
	// participant row and increments Players. Joining twice is rejected
	// with model.ErrValidation.
	JoinCompetition(ctx context.Context, p *model.Portfolio, participant *model.CompetitionParticipant) error

	// LeaveCompetition removes the participant, its competition portfolio
	// and its snapshots, and decrements Players.
	LeaveCompetition(ctx context.Context, userID, competitionID string) error

	// ListParticipants returns participants ordered by rank, then join time.
	ListParticipants(ctx context.Context, competitionID string) ([]model.CompetitionParticipant, error)

	// SaveParticipants overwrites the derived leaderboard fields (rank,
	// value, changes) of the given participants.
	SaveParticipants(ctx context.Context, competitionID string, participants []model.CompetitionParticipant) error
}
