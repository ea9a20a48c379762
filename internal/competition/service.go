// Package competition manages the competition lifecycle: creation,
// joining, leaving and locking.
package competition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

// DefaultStartingCash is granted to every participant unless the
// competition sets its own.
var DefaultStartingCash = decimal.NewFromInt(100000)

// CreateInput describes a new competition.
type CreateInput struct {
	Name         string          `json:"name"`
	Details      string          `json:"details"`
	StartDate    time.Time       `json:"start_date"` // zero = now
	EndDate      *time.Time      `json:"end_date"`   // nil = open-ended
	StartingCash decimal.Decimal `json:"starting_cash"`
	Visibility   string          `json:"visibility"` // public (default) or private
}

// Service implements the lifecycle operations.
type Service struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a competition service.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates in and stores a new competition hosted by userID.
func (s *Service) Create(ctx context.Context, userID string, in CreateInput) (*model.Competition, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", model.ErrValidation)
	}

	now := s.now().UTC()
	c := &model.Competition{
		ID:           uuid.New().String(),
		Name:         name,
		Details:      strings.TrimSpace(in.Details),
		StartDate:    in.StartDate.UTC(),
		StartingCash: in.StartingCash,
		Visibility:   strings.ToLower(strings.TrimSpace(in.Visibility)),
		CreatedBy:    userID,
		CreatedAt:    now,
	}
	if in.StartDate.IsZero() {
		c.StartDate = now
	}
	if c.StartingCash.IsZero() {
		c.StartingCash = DefaultStartingCash
	}
	if !c.StartingCash.IsPositive() {
		return nil, fmt.Errorf("%w: starting cash must be positive", model.ErrValidation)
	}
	if in.EndDate != nil {
		end := in.EndDate.UTC()
		if !end.After(c.StartDate) {
			return nil, fmt.Errorf("%w: end date must be after start date", model.ErrValidation)
		}
		c.EndDate = &end
	}
	switch c.Visibility {
	case "":
		c.Visibility = model.VisibilityPublic
	case model.VisibilityPublic, model.VisibilityPrivate:
	default:
		return nil, fmt.Errorf("%w: visibility must be public or private", model.ErrValidation)
	}

	if err := s.store.CreateCompetition(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("competition created", "id", c.ID, "name", c.Name, "host", userID, "starting_cash", c.StartingCash.String())
	return c, nil
}

// Join enrols userID and opens their competition portfolio with the
// competition's starting cash.
func (s *Service) Join(ctx context.Context, userID, competitionID string) (*model.Portfolio, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	c, err := s.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	switch {
	case c.Ended(now):
		return nil, fmt.Errorf("%w: competition ended", model.ErrValidation)
	case c.Closed:
		return nil, fmt.Errorf("%w: competition closed", model.ErrValidation)
	case c.Locked:
		return nil, fmt.Errorf("%w: competition is locked", model.ErrValidation)
	}

	p := &model.Portfolio{
		ID:            uuid.New().String(),
		UserID:        userID,
		CompetitionID: c.ID,
		Cash:          c.StartingCash,
		InitialCash:   c.StartingCash,
		Holdings:      []model.Holding{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	participant := &model.CompetitionParticipant{
		UserID:        userID,
		CompetitionID: c.ID,
		AccountValue:  c.StartingCash,
		JoinedAt:      now,
		UpdatedAt:     now,
	}
	if err := s.store.JoinCompetition(ctx, p, participant); err != nil {
		return nil, err
	}
	s.logger.Info("competition joined", "competition", c.ID, "user", userID)
	return p, nil
}

// Leave removes userID and their competition portfolio. Results of an
// ended competition are final.
func (s *Service) Leave(ctx context.Context, userID, competitionID string) error {
	c, err := s.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return err
	}
	if c.Ended(s.now()) {
		return fmt.Errorf("%w: competition ended", model.ErrValidation)
	}
	if err := s.store.LeaveCompetition(ctx, userID, competitionID); err != nil {
		return err
	}
	s.logger.Info("competition left", "competition", competitionID, "user", userID)
	return nil
}

// SetLocked opens or closes a competition to new participants. Only the
// host may do this.
func (s *Service) SetLocked(ctx context.Context, userID, competitionID string, locked bool) (*model.Competition, error) {
	c, err := s.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	if c.CreatedBy != userID {
		return nil, fmt.Errorf("%w: only the host can lock a competition", model.ErrValidation)
	}
	if err := s.store.SetCompetitionLocked(ctx, competitionID, locked); err != nil {
		return nil, err
	}
	c.Locked = locked
	s.logger.Info("competition lock changed", "competition", competitionID, "locked", locked)
	return c, nil
}

// Get returns one competition.
func (s *Service) Get(ctx context.Context, competitionID string) (*model.Competition, error) {
	return s.store.GetCompetition(ctx, competitionID)
}

// ListPublic returns public competitions, newest first.
func (s *Service) ListPublic(ctx context.Context) ([]model.Competition, error) {
	all, err := s.store.ListCompetitions(ctx)
	if err != nil {
		return nil, err
	}
	out := []model.Competition{}
	for _, c := range all {
		if c.Visibility == model.VisibilityPublic {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListForUser returns competitions userID hosts or participates in.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]model.Competition, error) {
	all, err := s.store.ListCompetitions(ctx)
	if err != nil {
		return nil, err
	}
	out := []model.Competition{}
	for _, c := range all {
		if c.CreatedBy == userID {
			out = append(out, c)
			continue
		}
		_, err := s.store.GetPortfolio(ctx, userID, c.ID)
		switch {
		case err == nil:
			out = append(out, c)
		case !errors.Is(err, model.ErrNotFound):
			return nil, err
		}
	}
	return out, nil
}
