package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/trading-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for competition records and leaderboards. Writes go to the primary
// store and invalidate the cache; reads check Redis first then fall back to
// the primary. Portfolios are never cached: their version must always come
// from the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateCompetition(ctx context.Context, c *model.Competition) error {
	if err := s.Store.CreateCompetition(ctx, c); err != nil {
		return err
	}
	s.set(ctx, competitionKey(c.ID), c)
	return nil
}

func (s *CachedStore) SetCompetitionLocked(ctx context.Context, id string, locked bool) error {
	if err := s.Store.SetCompetitionLocked(ctx, id, locked); err != nil {
		return err
	}
	s.rdb.Del(ctx, competitionKey(id))
	return nil
}

func (s *CachedStore) JoinCompetition(ctx context.Context, p *model.Portfolio, participant *model.CompetitionParticipant) error {
	if err := s.Store.JoinCompetition(ctx, p, participant); err != nil {
		return err
	}
	// Players changed and the leaderboard gained a row.
	s.rdb.Del(ctx, competitionKey(participant.CompetitionID), participantsKey(participant.CompetitionID))
	return nil
}

func (s *CachedStore) LeaveCompetition(ctx context.Context, userID, competitionID string) error {
	if err := s.Store.LeaveCompetition(ctx, userID, competitionID); err != nil {
		return err
	}
	s.rdb.Del(ctx, competitionKey(competitionID), participantsKey(competitionID))
	return nil
}

func (s *CachedStore) SaveParticipants(ctx context.Context, competitionID string, participants []model.CompetitionParticipant) error {
	if err := s.Store.SaveParticipants(ctx, competitionID, participants); err != nil {
		return err
	}
	s.rdb.Del(ctx, participantsKey(competitionID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, competitionKey(id)).Bytes()
	if err == nil {
		var c model.Competition
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	// Cache miss: read from primary.
	c, err := s.Store.GetCompetition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, competitionKey(id), c)
	return c, nil
}

func (s *CachedStore) ListParticipants(ctx context.Context, competitionID string) ([]model.CompetitionParticipant, error) {
	data, err := s.rdb.Get(ctx, participantsKey(competitionID)).Bytes()
	if err == nil {
		var participants []model.CompetitionParticipant
		if json.Unmarshal(data, &participants) == nil {
			return participants, nil
		}
	}

	participants, err := s.Store.ListParticipants(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, participantsKey(competitionID), participants)
	return participants, nil
}

// --- Cache helpers ---

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func competitionKey(id string) string   { return fmt.Sprintf("competition:%s", id) }
func participantsKey(id string) string { return fmt.Sprintf("participants:%s", id) }
