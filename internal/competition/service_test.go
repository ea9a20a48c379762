package competition

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
)

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newTestService() (*Service, *store.MemoryStore, *time.Time) {
	ms := store.NewMemoryStore()
	clock := now
	return NewService(ms, WithClock(func() time.Time { return clock })), ms, &clock
}

func TestCreate_Defaults(t *testing.T) {
	svc, _, _ := newTestService()

	c, err := svc.Create(context.Background(), "host", CreateInput{Name: "  Spring Cup  "})
	require.NoError(t, err)
	assert.Equal(t, "Spring Cup", c.Name)
	assert.True(t, c.StartingCash.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, model.VisibilityPublic, c.Visibility)
	assert.Equal(t, now, c.StartDate)
	assert.Nil(t, c.EndDate)
	assert.Equal(t, "host", c.CreatedBy)
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService()
	before := now.Add(-time.Hour)

	cases := map[string]CreateInput{
		"missing name":   {},
		"negative cash":  {Name: "x", StartingCash: decimal.NewFromInt(-5)},
		"end before":     {Name: "x", StartDate: now, EndDate: &before},
		"bad visibility": {Name: "x", Visibility: "friends"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), "host", in)
			assert.True(t, errors.Is(err, model.ErrValidation), "got %v", err)
		})
	}
}

func TestJoin_SeedsPortfolio(t *testing.T) {
	svc, ms, _ := newTestService()
	ctx := context.Background()
	c, err := svc.Create(ctx, "host", CreateInput{Name: "Cup", StartingCash: decimal.NewFromInt(25000)})
	require.NoError(t, err)

	p, err := svc.Join(ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.True(t, p.Cash.Equal(decimal.NewFromInt(25000)))
	assert.Equal(t, c.ID, p.CompetitionID)

	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Players)

	participants, err := ms.ListParticipants(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, participants, 1)
	assert.Equal(t, now, participants[0].JoinedAt)

	_, err = svc.Join(ctx, "alice", c.ID)
	assert.True(t, errors.Is(err, model.ErrValidation), "double join: %v", err)
}

func TestJoin_Rejections(t *testing.T) {
	svc, ms, clock := newTestService()
	ctx := context.Background()

	end := now.Add(time.Hour)
	ended, err := svc.Create(ctx, "host", CreateInput{Name: "Short", StartDate: now.Add(-time.Hour), EndDate: &end})
	require.NoError(t, err)
	locked, err := svc.Create(ctx, "host", CreateInput{Name: "Locked"})
	require.NoError(t, err)
	_, err = svc.SetLocked(ctx, "host", locked.ID, true)
	require.NoError(t, err)
	closed := &model.Competition{ID: "closed", Name: "Closed", StartDate: now, StartingCash: decimal.NewFromInt(1), Closed: true}
	require.NoError(t, ms.CreateCompetition(ctx, closed))

	*clock = now.Add(2 * time.Hour)

	for _, id := range []string{ended.ID, locked.ID, closed.ID} {
		_, err := svc.Join(ctx, "alice", id)
		assert.True(t, errors.Is(err, model.ErrValidation), "join %s: %v", id, err)
	}

	_, err = svc.Join(ctx, "alice", "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestLeave(t *testing.T) {
	svc, ms, clock := newTestService()
	ctx := context.Background()
	end := now.Add(time.Hour)
	c, err := svc.Create(ctx, "host", CreateInput{Name: "Cup", EndDate: &end})
	require.NoError(t, err)
	_, err = svc.Join(ctx, "alice", c.ID)
	require.NoError(t, err)
	_, err = svc.Join(ctx, "bob", c.ID)
	require.NoError(t, err)

	require.NoError(t, svc.Leave(ctx, "alice", c.ID))
	_, err = ms.GetPortfolio(ctx, "alice", c.ID)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	got, _ := svc.Get(ctx, c.ID)
	assert.Equal(t, 1, got.Players)

	*clock = now.Add(2 * time.Hour)
	err = svc.Leave(ctx, "bob", c.ID)
	assert.True(t, errors.Is(err, model.ErrValidation), "leaving an ended competition: %v", err)
}

func TestLeaveAndRejoin_StartsCleanTradeHistory(t *testing.T) {
	svc, ms, _ := newTestService()
	ctx := context.Background()
	c, err := svc.Create(ctx, "host", CreateInput{Name: "Cup", StartingCash: decimal.NewFromInt(1000)})
	require.NoError(t, err)

	first, err := svc.Join(ctx, "alice", c.ID)
	require.NoError(t, err)
	next := first.Clone()
	next.Cash = decimal.NewFromInt(900)
	next.Holdings = []model.Holding{{Symbol: "AAPL", Quantity: 1, AvgPrice: decimal.NewFromInt(100)}}
	require.NoError(t, ms.CommitTrade(ctx, &next, &model.Trade{
		ID: "t1", PortfolioID: first.ID, UserID: "alice", CompetitionID: c.ID, Symbol: "AAPL",
		Side: model.SideBuy, Quantity: 1, Price: decimal.NewFromInt(100), CashDelta: decimal.NewFromInt(-100), Timestamp: now,
	}, 0))

	require.NoError(t, svc.Leave(ctx, "alice", c.ID))
	second, err := svc.Join(ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.Cash.Equal(decimal.NewFromInt(1000)))

	trades, err := ms.ListTrades(ctx, second.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, trades)

	old, err := ms.ListTrades(ctx, first.ID, 0)
	require.NoError(t, err)
	assert.Len(t, old, 1)
}

func TestSetLocked_HostOnly(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	c, err := svc.Create(ctx, "host", CreateInput{Name: "Cup"})
	require.NoError(t, err)

	_, err = svc.SetLocked(ctx, "alice", c.ID, true)
	assert.True(t, errors.Is(err, model.ErrValidation))

	got, err := svc.SetLocked(ctx, "host", c.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Locked)
}

func TestListings(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	pub, err := svc.Create(ctx, "host", CreateInput{Name: "Public"})
	require.NoError(t, err)
	priv, err := svc.Create(ctx, "host", CreateInput{Name: "Private", Visibility: "private"})
	require.NoError(t, err)
	other, err := svc.Create(ctx, "someone", CreateInput{Name: "Other"})
	require.NoError(t, err)
	_, err = svc.Join(ctx, "alice", priv.ID)
	require.NoError(t, err)

	public, err := svc.ListPublic(ctx)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, c := range public {
		ids[c.ID] = true
	}
	assert.True(t, ids[pub.ID])
	assert.True(t, ids[other.ID])
	assert.False(t, ids[priv.ID])

	mine, err := svc.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, priv.ID, mine[0].ID)

	hosted, err := svc.ListForUser(ctx, "host")
	require.NoError(t, err)
	assert.Len(t, hosted, 2)
}
