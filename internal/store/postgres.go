package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/trading-engine/internal/ledger"
	"github.com/atmx/trading-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- Portfolios ---

func (s *PostgresStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	if err := ledger.Validate(*p); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return insertPortfolio(ctx, tx, p)
	})
}

func insertPortfolio(ctx context.Context, tx pgx.Tx, p *model.Portfolio) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO portfolios (id, user_id, competition_id, cash, initial_cash, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8)`,
		p.ID, p.UserID, p.CompetitionID,
		p.Cash.String(), p.InitialCash.String(),
		p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: portfolio already exists for user %s", model.ErrValidation, p.UserID)
	}
	if err != nil {
		return fmt.Errorf("insert portfolio: %w", err)
	}
	return copyHoldings(ctx, tx, p)
}

// copyHoldings bulk-loads the portfolio's holdings. Callers delete the
// previous rows first.
func copyHoldings(ctx context.Context, tx pgx.Tx, p *model.Portfolio) error {
	if len(p.Holdings) == 0 {
		return nil
	}
	_, err := tx.CopyFrom(ctx,
		pgx.Identifier{"holdings"},
		[]string{"portfolio_id", "symbol", "quantity", "avg_price", "updated_at"},
		pgx.CopyFromSlice(len(p.Holdings), func(i int) ([]any, error) {
			h := p.Holdings[i]
			return []any{p.ID, h.Symbol, h.Quantity, toNumeric(h.AvgPrice), h.UpdatedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy holdings: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPortfolio(ctx context.Context, userID, competitionID string) (*model.Portfolio, error) {
	var p model.Portfolio
	var cash, initial string

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, competition_id, cash::TEXT, initial_cash::TEXT, version, created_at, updated_at
		 FROM portfolios WHERE user_id = $1 AND competition_id = $2`, userID, competitionID).
		Scan(&p.ID, &p.UserID, &p.CompetitionID, &cash, &initial, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: portfolio for user %s", model.ErrNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("get portfolio for user %s: %w", userID, err)
	}
	p.Cash, _ = decimal.NewFromString(cash)
	p.InitialCash, _ = decimal.NewFromString(initial)

	rows, err := s.pool.Query(ctx,
		`SELECT portfolio_id, symbol, quantity, avg_price::TEXT, updated_at
		 FROM holdings WHERE portfolio_id = $1 ORDER BY symbol`, p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byPortfolio, err := scanHoldings(rows)
	if err != nil {
		return nil, err
	}
	p.Holdings = byPortfolio[p.ID]
	return &p, nil
}

func (s *PostgresStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, competition_id, cash::TEXT, initial_cash::TEXT, version, created_at, updated_at
		 FROM portfolios ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var portfolios []model.Portfolio
	for rows.Next() {
		var p model.Portfolio
		var cash, initial string
		if err := rows.Scan(&p.ID, &p.UserID, &p.CompetitionID, &cash, &initial, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Cash, _ = decimal.NewFromString(cash)
		p.InitialCash, _ = decimal.NewFromString(initial)
		portfolios = append(portfolios, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hrows, err := s.pool.Query(ctx,
		`SELECT portfolio_id, symbol, quantity, avg_price::TEXT, updated_at
		 FROM holdings ORDER BY portfolio_id, symbol`)
	if err != nil {
		return nil, err
	}
	defer hrows.Close()

	byPortfolio, err := scanHoldings(hrows)
	if err != nil {
		return nil, err
	}
	for i := range portfolios {
		portfolios[i].Holdings = byPortfolio[portfolios[i].ID]
	}
	return portfolios, nil
}

func (s *PostgresStore) CommitTrade(ctx context.Context, p *model.Portfolio, t *model.Trade, expectedVersion int64) error {
	if err := ledger.Validate(*p); err != nil {
		return err
	}

	next := expectedVersion + 1
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE portfolios
			 SET cash = $3::NUMERIC, version = $4, updated_at = $5
			 WHERE id = $1 AND version = $2`,
			p.ID, expectedVersion, p.Cash.String(), next, p.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update portfolio: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: portfolio %s changed since version %d",
				model.ErrConcurrencyConflict, p.ID, expectedVersion)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM holdings WHERE portfolio_id = $1`, p.ID); err != nil {
			return fmt.Errorf("clear holdings: %w", err)
		}
		if err := copyHoldings(ctx, tx, p); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO trades (id, portfolio_id, user_id, competition_id, symbol, side, quantity,
			                     price, cash_delta, realized_gain, timestamp, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
			t.ID, t.PortfolioID, t.UserID, t.CompetitionID, t.Symbol, t.Side, t.Quantity,
			t.Price.String(), t.CashDelta.String(), t.RealizedGain.String(), t.Timestamp, next,
		)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.Version = next
	t.Version = next
	return nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, portfolioID string, limit int) ([]model.Trade, error) {
	query := `SELECT id, portfolio_id, user_id, competition_id, symbol, side, quantity,
	                 price::TEXT, cash_delta::TEXT, realized_gain::TEXT, timestamp, version
	          FROM trades WHERE portfolio_id = $1
	          ORDER BY timestamp DESC, version DESC`
	args := []any{portfolioID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var price, delta, gain string
		if err := rows.Scan(&t.ID, &t.PortfolioID, &t.UserID, &t.CompetitionID, &t.Symbol, &t.Side, &t.Quantity,
			&price, &delta, &gain, &t.Timestamp, &t.Version); err != nil {
			return nil, err
		}
		t.Price, _ = decimal.NewFromString(price)
		t.CashDelta, _ = decimal.NewFromString(delta)
		t.RealizedGain, _ = decimal.NewFromString(gain)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Snapshots ---

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap *model.PortfolioSnapshot) error {
	holdings, err := json.Marshal(snap.Holdings)
	if err != nil {
		return fmt.Errorf("encode snapshot holdings: %w", err)
	}
	if snap.Holdings == nil {
		holdings = []byte("[]")
	}

	// The NOT EXISTS guard keeps timestamps strictly increasing per owner.
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO portfolio_snapshots
		     (id, portfolio_id, user_id, competition_id, timestamp, total_value, cash, holdings, portfolio_version)
		 SELECT $1::TEXT, $2::TEXT, $3::TEXT, $4::TEXT, $5::TIMESTAMPTZ, $6::NUMERIC, $7::NUMERIC, $8::JSONB, $9::BIGINT
		 WHERE NOT EXISTS (
		     SELECT 1 FROM portfolio_snapshots
		     WHERE user_id = $3 AND competition_id = $4 AND timestamp >= $5)`,
		snap.ID, snap.PortfolioID, snap.UserID, snap.CompetitionID, snap.Timestamp,
		snap.TotalValue.String(), snap.Cash.String(), string(holdings), snap.PortfolioVersion,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: duplicate snapshot at %s", model.ErrValidation, snap.Timestamp.Format(time.RFC3339Nano))
	}
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: snapshot at %s is not after the latest snapshot",
			model.ErrValidation, snap.Timestamp.Format(time.RFC3339Nano))
	}
	return nil
}

const snapshotColumns = `id, portfolio_id, user_id, competition_id, timestamp,
	total_value::TEXT, cash::TEXT, holdings, portfolio_version`

func (s *PostgresStore) ListSnapshots(ctx context.Context, userID, competitionID string, from, to time.Time) ([]model.PortfolioSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM portfolio_snapshots
	          WHERE user_id = $1 AND competition_id = $2`
	args := []any{userID, competitionID}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND timestamp >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND timestamp <= $%d", len(args))
	}
	query += ` ORDER BY timestamp`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PortfolioSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, userID, competitionID string) (*model.PortfolioSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM portfolio_snapshots
		 WHERE user_id = $1 AND competition_id = $2
		 ORDER BY timestamp DESC LIMIT 1`, userID, competitionID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no snapshots for user %s", model.ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *PostgresStore) LatestSnapshotBefore(ctx context.Context, userID, competitionID string, t time.Time) (*model.PortfolioSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM portfolio_snapshots
		 WHERE user_id = $1 AND competition_id = $2 AND timestamp < $3
		 ORDER BY timestamp DESC LIMIT 1`, userID, competitionID, t)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no snapshot before %s for user %s", model.ErrNotFound, t.Format(time.RFC3339), userID)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// --- Competitions ---

func (s *PostgresStore) CreateCompetition(ctx context.Context, c *model.Competition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO competitions (id, name, details, start_date, end_date, starting_cash,
		                           visibility, locked, closed, players, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.Name, c.Details, c.StartDate, c.EndDate, c.StartingCash.String(),
		c.Visibility, c.Locked, c.Closed, c.Players, c.CreatedBy, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: competition %s already exists", model.ErrValidation, c.ID)
	}
	return err
}

const competitionColumns = `id, name, details, start_date, end_date, starting_cash::TEXT,
	visibility, locked, closed, players, created_by, created_at`

func (s *PostgresStore) GetCompetition(ctx context.Context, id string) (*model.Competition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+competitionColumns+` FROM competitions WHERE id = $1`, id)
	c, err := scanCompetition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: competition %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get competition %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCompetitions(ctx context.Context) ([]model.Competition, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+competitionColumns+` FROM competitions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Competition
	for rows.Next() {
		c, err := scanCompetition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetCompetitionLocked(ctx context.Context, id string, locked bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE competitions SET locked = $2 WHERE id = $1`, id, locked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: competition %s", model.ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) JoinCompetition(ctx context.Context, p *model.Portfolio, participant *model.CompetitionParticipant) error {
	if err := ledger.Validate(*p); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE competitions SET players = players + 1 WHERE id = $1`, participant.CompetitionID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: competition %s", model.ErrNotFound, participant.CompetitionID)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO competition_participants
			     (competition_id, user_id, rank, account_value, today_change, overall_change, joined_at, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)`,
			participant.CompetitionID, participant.UserID, participant.Rank,
			participant.AccountValue.String(), participant.TodayChange.String(), participant.OverallChange.String(),
			participant.JoinedAt, participant.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s already joined competition %s",
				model.ErrValidation, participant.UserID, participant.CompetitionID)
		}
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
		return insertPortfolio(ctx, tx, p)
	})
}

func (s *PostgresStore) LeaveCompetition(ctx context.Context, userID, competitionID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`DELETE FROM competition_participants WHERE competition_id = $1 AND user_id = $2`,
			competitionID, userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: user %s is not in competition %s", model.ErrNotFound, userID, competitionID)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM portfolio_snapshots WHERE user_id = $1 AND competition_id = $2`,
			userID, competitionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM portfolios WHERE user_id = $1 AND competition_id = $2`,
			userID, competitionID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE competitions SET players = GREATEST(players - 1, 0) WHERE id = $1`, competitionID)
		return err
	})
}

func (s *PostgresStore) ListParticipants(ctx context.Context, competitionID string) ([]model.CompetitionParticipant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT competition_id, user_id, rank, account_value::TEXT, today_change::TEXT,
		        overall_change::TEXT, joined_at, updated_at
		 FROM competition_participants WHERE competition_id = $1
		 ORDER BY rank = 0, rank, joined_at, user_id`, competitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.CompetitionParticipant{}
	for rows.Next() {
		var p model.CompetitionParticipant
		var value, today, overall string
		if err := rows.Scan(&p.CompetitionID, &p.UserID, &p.Rank, &value, &today, &overall,
			&p.JoinedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.AccountValue, _ = decimal.NewFromString(value)
		p.TodayChange, _ = decimal.NewFromString(today)
		p.OverallChange, _ = decimal.NewFromString(overall)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.GetCompetition(ctx, competitionID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) SaveParticipants(ctx context.Context, competitionID string, participants []model.CompetitionParticipant) error {
	batch := &pgx.Batch{}
	for _, p := range participants {
		batch.Queue(
			`UPDATE competition_participants
			 SET rank = $3, account_value = $4::NUMERIC, today_change = $5::NUMERIC,
			     overall_change = $6::NUMERIC, updated_at = $7
			 WHERE competition_id = $1 AND user_id = $2`,
			competitionID, p.UserID, p.Rank,
			p.AccountValue.String(), p.TodayChange.String(), p.OverallChange.String(), p.UpdatedAt,
		)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

// --- helpers ---

// withTx runs fn in a transaction. Serialization failures are reported as
// concurrency conflicts so callers can retry.
func (s *PostgresStore) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		if isSerializationError(err) {
			return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationError(err) {
			return fmt.Errorf("%w: %v", model.ErrConcurrencyConflict, err)
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanHoldings groups holding rows by portfolio id.
func scanHoldings(rows pgxRows) (map[string][]model.Holding, error) {
	out := make(map[string][]model.Holding)
	for rows.Next() {
		var portfolioID, avg string
		var h model.Holding
		if err := rows.Scan(&portfolioID, &h.Symbol, &h.Quantity, &avg, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.AvgPrice, _ = decimal.NewFromString(avg)
		out[portfolioID] = append(out[portfolioID], h)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (model.PortfolioSnapshot, error) {
	var snap model.PortfolioSnapshot
	var total, cash string
	var holdings []byte
	if err := row.Scan(&snap.ID, &snap.PortfolioID, &snap.UserID, &snap.CompetitionID, &snap.Timestamp,
		&total, &cash, &holdings, &snap.PortfolioVersion); err != nil {
		return snap, err
	}
	snap.TotalValue, _ = decimal.NewFromString(total)
	snap.Cash, _ = decimal.NewFromString(cash)
	if err := json.Unmarshal(holdings, &snap.Holdings); err != nil {
		return snap, fmt.Errorf("decode snapshot holdings: %w", err)
	}
	return snap, nil
}

func scanCompetition(row rowScanner) (model.Competition, error) {
	var c model.Competition
	var startingCash string
	if err := row.Scan(&c.ID, &c.Name, &c.Details, &c.StartDate, &c.EndDate, &startingCash,
		&c.Visibility, &c.Locked, &c.Closed, &c.Players, &c.CreatedBy, &c.CreatedAt); err != nil {
		return c, err
	}
	c.StartingCash, _ = decimal.NewFromString(startingCash)
	return c, nil
}
