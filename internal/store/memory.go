package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/trading-engine/internal/ledger"
	"github.com/atmx/trading-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	portfolios   map[string]*model.Portfolio // keyed by portfolioKey
	trades       []model.Trade
	snapshots    map[string][]model.PortfolioSnapshot // keyed by portfolioKey
	competitions map[string]*model.Competition
	participants map[string]map[string]*model.CompetitionParticipant // competition -> user
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		portfolios:   make(map[string]*model.Portfolio),
		snapshots:    make(map[string][]model.PortfolioSnapshot),
		competitions: make(map[string]*model.Competition),
		participants: make(map[string]map[string]*model.CompetitionParticipant),
	}
}

func portfolioKey(userID, competitionID string) string {
	return userID + "|" + competitionID
}

// --- Portfolios ---

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPortfolioLocked(p)
}

func (s *MemoryStore) createPortfolioLocked(p *model.Portfolio) error {
	key := portfolioKey(p.UserID, p.CompetitionID)
	if _, ok := s.portfolios[key]; ok {
		return fmt.Errorf("%w: portfolio already exists for user %s", model.ErrValidation, p.UserID)
	}
	if err := ledger.Validate(*p); err != nil {
		return err
	}
	// Store a copy to avoid external mutation.
	c := p.Clone()
	s.portfolios[key] = &c
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, userID, competitionID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[portfolioKey(userID, competitionID)]
	if !ok {
		return nil, fmt.Errorf("%w: portfolio for user %s", model.ErrNotFound, userID)
	}
	c := p.Clone()
	return &c, nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Portfolio, 0, len(s.portfolios))
	for _, p := range s.portfolios {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CommitTrade(_ context.Context, p *model.Portfolio, t *model.Trade, expectedVersion int64) error {
	if err := ledger.Validate(*p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := portfolioKey(p.UserID, p.CompetitionID)
	current, ok := s.portfolios[key]
	if !ok {
		return fmt.Errorf("%w: portfolio for user %s", model.ErrNotFound, p.UserID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: portfolio %s at version %d, expected %d",
			model.ErrConcurrencyConflict, current.ID, current.Version, expectedVersion)
	}

	p.Version = expectedVersion + 1
	t.Version = p.Version
	c := p.Clone()
	s.portfolios[key] = &c
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, portfolioID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		t := s.trades[i]
		if t.PortfolioID != portfolioID {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- Snapshots ---

func (s *MemoryStore) AppendSnapshot(_ context.Context, snap *model.PortfolioSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := portfolioKey(snap.UserID, snap.CompetitionID)
	existing := s.snapshots[key]
	if n := len(existing); n > 0 && !snap.Timestamp.After(existing[n-1].Timestamp) {
		return fmt.Errorf("%w: snapshot at %s not after %s",
			model.ErrValidation, snap.Timestamp.Format(time.RFC3339Nano), existing[n-1].Timestamp.Format(time.RFC3339Nano))
	}
	c := *snap
	c.Holdings = append([]model.SnapshotHolding(nil), snap.Holdings...)
	s.snapshots[key] = append(existing, c)
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, userID, competitionID string, from, to time.Time) ([]model.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PortfolioSnapshot
	for _, snap := range s.snapshots[portfolioKey(userID, competitionID)] {
		if !from.IsZero() && snap.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && snap.Timestamp.After(to) {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, userID, competitionID string) (*model.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[portfolioKey(userID, competitionID)]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no snapshots for user %s", model.ErrNotFound, userID)
	}
	snap := list[len(list)-1]
	return &snap, nil
}

func (s *MemoryStore) LatestSnapshotBefore(_ context.Context, userID, competitionID string, t time.Time) (*model.PortfolioSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[portfolioKey(userID, competitionID)]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Timestamp.Before(t) {
			snap := list[i]
			return &snap, nil
		}
	}
	return nil, fmt.Errorf("%w: no snapshot before %s for user %s", model.ErrNotFound, t.Format(time.RFC3339), userID)
}

// --- Competitions ---

func (s *MemoryStore) CreateCompetition(_ context.Context, c *model.Competition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.competitions[c.ID]; ok {
		return fmt.Errorf("%w: competition %s already exists", model.ErrValidation, c.ID)
	}
	cp := *c
	s.competitions[c.ID] = &cp
	s.participants[c.ID] = make(map[string]*model.CompetitionParticipant)
	return nil
}

func (s *MemoryStore) GetCompetition(_ context.Context, id string) (*model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.competitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: competition %s", model.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCompetitions(_ context.Context) ([]model.Competition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Competition, 0, len(s.competitions))
	for _, c := range s.competitions {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SetCompetitionLocked(_ context.Context, id string, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.competitions[id]
	if !ok {
		return fmt.Errorf("%w: competition %s", model.ErrNotFound, id)
	}
	c.Locked = locked
	return nil
}

func (s *MemoryStore) JoinCompetition(_ context.Context, p *model.Portfolio, participant *model.CompetitionParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.competitions[participant.CompetitionID]
	if !ok {
		return fmt.Errorf("%w: competition %s", model.ErrNotFound, participant.CompetitionID)
	}
	if _, joined := s.participants[c.ID][participant.UserID]; joined {
		return fmt.Errorf("%w: user %s already joined competition %s", model.ErrValidation, participant.UserID, c.ID)
	}
	if err := s.createPortfolioLocked(p); err != nil {
		return err
	}
	cp := *participant
	s.participants[c.ID][participant.UserID] = &cp
	c.Players++
	return nil
}

func (s *MemoryStore) LeaveCompetition(_ context.Context, userID, competitionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.competitions[competitionID]
	if !ok {
		return fmt.Errorf("%w: competition %s", model.ErrNotFound, competitionID)
	}
	if _, joined := s.participants[competitionID][userID]; !joined {
		return fmt.Errorf("%w: user %s is not in competition %s", model.ErrNotFound, userID, competitionID)
	}
	key := portfolioKey(userID, competitionID)
	delete(s.participants[competitionID], userID)
	delete(s.portfolios, key)
	delete(s.snapshots, key)
	if c.Players > 0 {
		c.Players--
	}
	return nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, competitionID string) ([]model.CompetitionParticipant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.competitions[competitionID]; !ok {
		return nil, fmt.Errorf("%w: competition %s", model.ErrNotFound, competitionID)
	}
	out := make([]model.CompetitionParticipant, 0, len(s.participants[competitionID]))
	for _, p := range s.participants[competitionID] {
		out = append(out, *p)
	}
	sortParticipants(out)
	return out, nil
}

func (s *MemoryStore) SaveParticipants(_ context.Context, competitionID string, participants []model.CompetitionParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.participants[competitionID]
	if !ok {
		return fmt.Errorf("%w: competition %s", model.ErrNotFound, competitionID)
	}
	for _, p := range participants {
		cur, ok := existing[p.UserID]
		if !ok {
			// Left between ranking and saving.
			continue
		}
		cur.Rank = p.Rank
		cur.AccountValue = p.AccountValue
		cur.TodayChange = p.TodayChange
		cur.OverallChange = p.OverallChange
		cur.UpdatedAt = p.UpdatedAt
	}
	return nil
}

// sortParticipants orders by rank with unranked (0) rows last, then by
// join time and user id.
func sortParticipants(ps []model.CompetitionParticipant) {
	sort.Slice(ps, func(i, j int) bool {
		ri, rj := ps[i].Rank, ps[j].Rank
		if ri != rj {
			if ri == 0 {
				return false
			}
			if rj == 0 {
				return true
			}
			return ri < rj
		}
		if !ps[i].JoinedAt.Equal(ps[j].JoinedAt) {
			return ps[i].JoinedAt.Before(ps[j].JoinedAt)
		}
		return ps[i].UserID < ps[j].UserID
	})
}
