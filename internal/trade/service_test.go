package trade_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/store"
	"github.com/atmx/trading-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

// fakePrices is a PriceSource with settable prices and failure modes.
type fakePrices struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
	block  bool // wait for ctx to end
	calls  int
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: map[string]decimal.Decimal{}}
}

func (f *fakePrices) set(symbol, price string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = d(price)
}

func (f *fakePrices) Get(ctx context.Context, symbol string) (model.PriceEntry, error) {
	f.mu.Lock()
	f.calls++
	block, err, price := f.block, f.err, f.prices[symbol]
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return model.PriceEntry{}, ctx.Err()
	}
	if err != nil {
		return model.PriceEntry{}, err
	}
	if price.IsZero() {
		return model.PriceEntry{}, errors.Join(model.ErrValidation, errors.New("unknown symbol "+symbol))
	}
	return model.PriceEntry{Symbol: symbol, Price: price, FetchedAt: now, ExpiresAt: now.Add(time.Minute)}, nil
}

func (f *fakePrices) TTL() time.Duration { return time.Minute }

func (f *fakePrices) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingPublisher struct {
	mu     sync.Mutex
	trades []*model.Trade
}

func (p *recordingPublisher) PublishTrade(t *model.Trade) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trades = append(p.trades, t)
}

// conflictingStore fails the first n commits with a version conflict.
type conflictingStore struct {
	store.Store
	mu        sync.Mutex
	remaining int
	commits   int
}

func (s *conflictingStore) CommitTrade(ctx context.Context, p *model.Portfolio, t *model.Trade, v int64) error {
	s.mu.Lock()
	s.commits++
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()
		return model.ErrConcurrencyConflict
	}
	s.mu.Unlock()
	return s.Store.CommitTrade(ctx, p, t, v)
}

// newTestEnv creates a Service over an in-memory store with one user
// holding a 10,000 main portfolio.
func newTestEnv(t *testing.T, opts ...trade.Option) (*trade.Service, *store.MemoryStore, *fakePrices) {
	t.Helper()
	ms := store.NewMemoryStore()
	prices := newFakePrices()
	prices.set("AAPL", "150")

	opts = append([]trade.Option{
		trade.WithClock(func() time.Time { return now }),
		trade.WithBackoff(0),
	}, opts...)
	svc := trade.NewService(ms, prices, opts...)

	if _, err := svc.OpenPortfolio(context.Background(), "user1"); err != nil {
		t.Fatalf("failed to open portfolio: %v", err)
	}
	return svc, ms, prices
}

func seedCompetition(t *testing.T, ms *store.MemoryStore, c model.Competition) {
	t.Helper()
	ctx := context.Background()
	if c.StartingCash.IsZero() {
		c.StartingCash = d("100000")
	}
	if err := ms.CreateCompetition(ctx, &c); err != nil {
		t.Fatalf("failed to seed competition: %v", err)
	}
	p := &model.Portfolio{
		ID: "p-" + c.ID, UserID: "user1", CompetitionID: c.ID,
		Cash: c.StartingCash, InitialCash: c.StartingCash,
	}
	err := ms.JoinCompetition(ctx, p, &model.CompetitionParticipant{
		UserID: "user1", CompetitionID: c.ID, JoinedAt: now,
	})
	if err != nil {
		t.Fatalf("failed to join competition: %v", err)
	}
}

func portfolio(t *testing.T, ms *store.MemoryStore, competitionID string) *model.Portfolio {
	t.Helper()
	p, err := ms.GetPortfolio(context.Background(), "user1", competitionID)
	if err != nil {
		t.Fatalf("failed to load portfolio: %v", err)
	}
	return p
}

// --- Execution ---

func TestBuyThenSell_Example(t *testing.T) {
	svc, ms, prices := newTestEnv(t)
	ctx := context.Background()

	buy, err := svc.Buy(ctx, trade.Order{UserID: "user1", Symbol: "aapl", Quantity: 10})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !buy.CashDelta.Equal(d("-1500")) || buy.Version != 1 {
		t.Errorf("unexpected buy trade: %+v", buy)
	}

	p := portfolio(t, ms, "")
	if !p.Cash.Equal(d("8500")) {
		t.Errorf("expected cash 8500 after buy, got %s", p.Cash)
	}

	prices.set("AAPL", "160")
	sell, err := svc.Sell(ctx, trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 4})
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if !sell.RealizedGain.Equal(d("40")) {
		t.Errorf("expected realized gain 40, got %s", sell.RealizedGain)
	}

	p = portfolio(t, ms, "")
	if !p.Cash.Equal(d("9140")) {
		t.Errorf("expected cash 9140, got %s", p.Cash)
	}
	h, ok := p.Holding("AAPL")
	if !ok || h.Quantity != 6 || !h.AvgPrice.Equal(d("150")) {
		t.Errorf("expected 6 AAPL @ 150, got %+v", h)
	}
	if p.Version != 2 {
		t.Errorf("expected version 2, got %d", p.Version)
	}
}

func TestExecute_ValidationHappensFirst(t *testing.T) {
	svc, _, prices := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		order trade.Order
	}{
		{"missing user", trade.Order{Symbol: "AAPL", Side: "buy", Quantity: 1}},
		{"bad side", trade.Order{UserID: "user1", Symbol: "AAPL", Side: "short", Quantity: 1}},
		{"zero quantity", trade.Order{UserID: "user1", Symbol: "AAPL", Side: "buy", Quantity: 0}},
		{"negative quantity", trade.Order{UserID: "user1", Symbol: "AAPL", Side: "sell", Quantity: -3}},
		{"empty symbol", trade.Order{UserID: "user1", Symbol: "", Side: "buy", Quantity: 1}},
		{"bad symbol", trade.Order{UserID: "user1", Symbol: "AA PL", Side: "buy", Quantity: 1}},
		{"leading digit", trade.Order{UserID: "user1", Symbol: "1AAPL", Side: "buy", Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Execute(ctx, tc.order)
			if !errors.Is(err, model.ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
	if n := prices.callCount(); n != 0 {
		t.Errorf("validation failures must not fetch prices, got %d calls", n)
	}
}

func TestBuy_InsufficientFunds(t *testing.T) {
	svc, ms, _ := newTestEnv(t)

	_, err := svc.Buy(context.Background(), trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 100})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	p := portfolio(t, ms, "")
	if !p.Cash.Equal(d("10000")) || p.Version != 0 || len(p.Holdings) != 0 {
		t.Errorf("rejected buy changed state: %+v", p)
	}
}

func TestSell_Oversell(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()

	if _, err := svc.Buy(ctx, trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 5}); err != nil {
		t.Fatal(err)
	}
	before := portfolio(t, ms, "")

	_, err := svc.Sell(ctx, trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 6})
	if !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	after := portfolio(t, ms, "")
	if !after.Cash.Equal(before.Cash) || after.Version != before.Version || after.Holdings[0].Quantity != 5 {
		t.Errorf("rejected sell changed state: before=%+v after=%+v", before, after)
	}
}

func TestExecute_NoPortfolio(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	_, err := svc.Buy(context.Background(), trade.Order{UserID: "stranger", Symbol: "AAPL", Quantity: 1})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Competitions ---

func TestExecute_CompetitionRules(t *testing.T) {
	past := now.Add(-time.Hour)
	cases := []struct {
		name    string
		comp    model.Competition
		wantErr error
	}{
		{"ended", model.Competition{ID: "ended", StartDate: now.Add(-48 * time.Hour), EndDate: &past}, model.ErrValidation},
		{"not started", model.Competition{ID: "future", StartDate: now.Add(time.Hour)}, model.ErrValidation},
		{"closed", model.Competition{ID: "closed", StartDate: past, Closed: true}, model.ErrValidation},
		{"locked still trades", model.Competition{ID: "locked", StartDate: past, Locked: true}, nil},
		{"open ended", model.Competition{ID: "open", StartDate: past}, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, ms, _ := newTestEnv(t)
			seedCompetition(t, ms, tc.comp)

			_, err := svc.Buy(context.Background(), trade.Order{
				UserID: "user1", CompetitionID: tc.comp.ID, Symbol: "AAPL", Quantity: 1,
			})
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			p := portfolio(t, ms, tc.comp.ID)
			if !p.Cash.Equal(d("100000")) || p.Version != 0 {
				t.Errorf("rejected trade changed state: %+v", p)
			}
		})
	}
}

func TestExecute_EndedCompetitionCheckedBeforePricing(t *testing.T) {
	svc, ms, prices := newTestEnv(t)
	past := now.Add(-time.Hour)
	seedCompetition(t, ms, model.Competition{ID: "ended", StartDate: now.Add(-48 * time.Hour), EndDate: &past})
	prices.err = errors.New("connection refused")

	_, err := svc.Buy(context.Background(), trade.Order{
		UserID: "user1", CompetitionID: "ended", Symbol: "AAPL", Quantity: 1,
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if prices.callCount() != 0 {
		t.Errorf("ended competition must not fetch prices, got %d calls", prices.callCount())
	}
}

func TestExecute_UnknownCompetition(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	_, err := svc.Buy(context.Background(), trade.Order{UserID: "user1", CompetitionID: "nope", Symbol: "AAPL", Quantity: 1})
	if !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Pricing ---

func TestExecute_ForgedHintIsOverridden(t *testing.T) {
	svc, ms, prices := newTestEnv(t)

	tr, err := svc.Buy(context.Background(), trade.Order{
		UserID: "user1", Symbol: "AAPL", Quantity: 10,
		PriceHint: &trade.PriceHint{Price: d("0.01"), QuotedAt: now.Add(-time.Second)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Price.Equal(d("150")) {
		t.Errorf("expected cache price 150, got %s", tr.Price)
	}
	if prices.callCount() != 1 {
		t.Errorf("expected one price lookup, got %d", prices.callCount())
	}
	if p := portfolio(t, ms, ""); !p.Cash.Equal(d("8500")) {
		t.Errorf("expected cash 8500, got %s", p.Cash)
	}
}

func TestExecute_HintForUnknownSymbolIsRejected(t *testing.T) {
	svc, ms, prices := newTestEnv(t)

	_, err := svc.Buy(context.Background(), trade.Order{
		UserID: "user1", Symbol: "ZZZZNOTREAL", Quantity: 1,
		PriceHint: &trade.PriceHint{Price: d("1"), QuotedAt: now},
	})
	if !errors.Is(err, model.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if prices.callCount() != 1 {
		t.Errorf("expected the symbol to be looked up, got %d calls", prices.callCount())
	}
	if p := portfolio(t, ms, ""); p.Version != 0 {
		t.Errorf("rejected order must not write, version=%d", p.Version)
	}
}

func TestExecute_HintWithinTolerance(t *testing.T) {
	cases := []struct {
		name      string
		tolerance string
		hint      string
		want      string
	}{
		{"exact match", "0", "150", "150"},
		{"off by a cent without tolerance", "0", "149.99", "150"},
		{"inside tolerance", "0.001", "149.9", "149.9"},
		{"outside tolerance", "0.001", "149.8", "150"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _ := newTestEnv(t, trade.WithHintTolerance(d(tc.tolerance)))

			tr, err := svc.Buy(context.Background(), trade.Order{
				UserID: "user1", Symbol: "AAPL", Quantity: 1,
				PriceHint: &trade.PriceHint{Price: d(tc.hint), QuotedAt: now.Add(-5 * time.Second)},
			})
			if err != nil {
				t.Fatal(err)
			}
			if !tr.Price.Equal(d(tc.want)) {
				t.Errorf("expected price %s, got %s", tc.want, tr.Price)
			}
		})
	}
}

func TestExecute_StaleHintIsDiscarded(t *testing.T) {
	svc, _, prices := newTestEnv(t)

	tr, err := svc.Buy(context.Background(), trade.Order{
		UserID: "user1", Symbol: "AAPL", Quantity: 1,
		PriceHint: &trade.PriceHint{Price: d("1"), QuotedAt: now.Add(-2 * time.Minute)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !tr.Price.Equal(d("150")) {
		t.Errorf("expected cache price 150, got %s", tr.Price)
	}
	if prices.callCount() != 1 {
		t.Errorf("expected one price lookup, got %d", prices.callCount())
	}
}

func TestExecute_PriceSourceDown(t *testing.T) {
	svc, ms, prices := newTestEnv(t)
	prices.err = errors.New("connection refused")

	_, err := svc.Buy(context.Background(), trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 1})
	if !errors.Is(err, model.ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	if p := portfolio(t, ms, ""); p.Version != 0 {
		t.Errorf("failed pricing must not write, version=%d", p.Version)
	}
}

func TestExecute_PriceTimeout(t *testing.T) {
	svc, ms, prices := newTestEnv(t, trade.WithRequestTimeout(20*time.Millisecond))
	prices.block = true

	_, err := svc.Buy(context.Background(), trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 1})
	if !errors.Is(err, model.ErrExternalService) {
		t.Fatalf("expected ErrExternalService, got %v", err)
	}
	if p := portfolio(t, ms, ""); p.Version != 0 {
		t.Errorf("timed out order must not write, version=%d", p.Version)
	}
}

func TestExecute_UnknownSymbolIsValidation(t *testing.T) {
	svc, _, prices := newTestEnv(t)
	prices.err = errors.Join(model.ErrValidation, errors.New("unknown symbol"))

	_, err := svc.Buy(context.Background(), trade.Order{UserID: "user1", Symbol: "ZZZZ", Quantity: 1})
	if !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// --- Concurrency ---

func TestExecute_RetriesConflicts(t *testing.T) {
	ms := store.NewMemoryStore()
	cs := &conflictingStore{Store: ms, remaining: 2}
	prices := newFakePrices()
	prices.set("AAPL", "100")
	svc := trade.NewService(cs, prices, trade.WithBackoff(0), trade.WithMaxAttempts(3), trade.WithStartingCash(d("1000")))
	if _, err := svc.OpenPortfolio(context.Background(), "user1"); err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Buy(context.Background(), trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 1}); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if cs.commits != 3 {
		t.Errorf("expected 3 commit attempts, got %d", cs.commits)
	}
}

func TestExecute_GivesUpAfterMaxAttempts(t *testing.T) {
	ms := store.NewMemoryStore()
	cs := &conflictingStore{Store: ms, remaining: 100}
	prices := newFakePrices()
	prices.set("AAPL", "100")
	svc := trade.NewService(cs, prices, trade.WithBackoff(0), trade.WithMaxAttempts(3), trade.WithStartingCash(d("1000")))
	if _, err := svc.OpenPortfolio(context.Background(), "user1"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Buy(context.Background(), trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 1})
	if !errors.Is(err, model.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if cs.commits != 3 {
		t.Errorf("expected 3 commit attempts, got %d", cs.commits)
	}
	p, _ := ms.GetPortfolio(context.Background(), "user1", "")
	if p.Version != 0 || !p.Cash.Equal(d("1000")) {
		t.Errorf("failed order changed state: %+v", p)
	}
}

func TestExecute_ConcurrentBuysConserveCash(t *testing.T) {
	svc, ms, prices := newTestEnv(t, trade.WithMaxAttempts(100), trade.WithBackoff(time.Millisecond))
	prices.set("MSFT", "100")
	ctx := context.Background()

	const buyers = 20
	var wg sync.WaitGroup
	errs := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Buy(ctx, trade.Order{UserID: "user1", Symbol: "MSFT", Quantity: 5})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("buy failed: %v", err)
		}
	}

	p := portfolio(t, ms, "")
	if !p.Cash.Equal(decimal.Zero) {
		t.Errorf("expected all 10000 spent, cash=%s", p.Cash)
	}
	if h, _ := p.Holding("MSFT"); h.Quantity != 100 {
		t.Errorf("expected 100 MSFT, got %d", h.Quantity)
	}

	trades, _ := ms.ListTrades(ctx, p.ID, 0)
	sum := decimal.Zero
	for _, tr := range trades {
		sum = sum.Add(tr.CashDelta)
	}
	if !sum.Equal(p.Cash.Sub(p.InitialCash)) {
		t.Errorf("trade cash deltas %s do not match cash change %s", sum, p.Cash.Sub(p.InitialCash))
	}
	if int64(len(trades)) != p.Version {
		t.Errorf("expected one version per trade, %d trades at version %d", len(trades), p.Version)
	}
}

// --- Bootstrap and events ---

func TestOpenPortfolio(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()

	if _, err := svc.OpenPortfolio(ctx, "user1"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("second open: expected ErrValidation, got %v", err)
	}
	if _, err := svc.OpenPortfolio(ctx, ""); !errors.Is(err, model.ErrValidation) {
		t.Errorf("empty user: expected ErrValidation, got %v", err)
	}

	p, err := svc.OpenPortfolio(ctx, "user2")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Cash.Equal(d("10000")) || !p.InitialCash.Equal(d("10000")) {
		t.Errorf("expected default starting cash, got %s", p.Cash)
	}
	if _, err := ms.GetPortfolio(ctx, "user2", ""); err != nil {
		t.Errorf("opened portfolio not stored: %v", err)
	}
}

func TestOpenPortfolio_UsesConfiguredCash(t *testing.T) {
	svc := trade.NewService(store.NewMemoryStore(), newFakePrices(), trade.WithStartingCash(d("25000")))

	p, err := svc.OpenPortfolio(context.Background(), "user1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Cash.Equal(d("25000")) || !p.InitialCash.Equal(d("25000")) {
		t.Errorf("expected configured cash 25000, got cash=%s initial=%s", p.Cash, p.InitialCash)
	}
}

func TestTrades_ScopedToCurrentPortfolio(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ctx := context.Background()
	seedCompetition(t, ms, model.Competition{ID: "cup", StartDate: now.Add(-time.Hour), StartingCash: d("1000")})

	if _, err := svc.Buy(ctx, trade.Order{UserID: "user1", CompetitionID: "cup", Symbol: "AAPL", Quantity: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Buy(ctx, trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 2}); err != nil {
		t.Fatal(err)
	}

	if err := ms.LeaveCompetition(ctx, "user1", "cup"); err != nil {
		t.Fatal(err)
	}
	rejoined := &model.Portfolio{
		ID: "p-cup-2", UserID: "user1", CompetitionID: "cup", Cash: d("1000"), InitialCash: d("1000"),
	}
	err := ms.JoinCompetition(ctx, rejoined, &model.CompetitionParticipant{UserID: "user1", CompetitionID: "cup", JoinedAt: now})
	if err != nil {
		t.Fatal(err)
	}

	trades, err := svc.Trades(ctx, "user1", "cup", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 0 {
		t.Errorf("rejoined portfolio should list no trades, got %d", len(trades))
	}

	mainTrades, err := svc.Trades(ctx, "user1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(mainTrades) != 1 || mainTrades[0].Quantity != 2 {
		t.Errorf("expected only the main portfolio trade, got %+v", mainTrades)
	}

	if _, err := svc.Trades(ctx, "stranger", "", 0); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for a user without a portfolio, got %v", err)
	}
}

func TestExecute_PublishesAfterCommit(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _, _ := newTestEnv(t, trade.WithPublisher(pub))
	ctx := context.Background()

	if _, err := svc.Buy(ctx, trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 1000}); err == nil {
		t.Fatal("expected insufficient funds")
	}
	tr, err := svc.Buy(ctx, trade.Order{UserID: "user1", Symbol: "AAPL", Quantity: 1})
	if err != nil {
		t.Fatal(err)
	}

	if len(pub.trades) != 1 || pub.trades[0].ID != tr.ID {
		t.Errorf("expected exactly the committed trade to be published, got %d events", len(pub.trades))
	}
}
