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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tonsurance/hedge-engine/internal/model"
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

func (s *PostgresStore) CreatePolicy(ctx context.Context, p *model.Policy) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO policies (id, holder, coverage_type, asset, coverage_amount, trigger_price, floor_price,
		                       duration_days, premium, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10, $11)`,
		p.ID, p.Holder, string(p.CoverageType), p.Asset,
		p.CoverageAmount.String(), p.TriggerPrice.String(), p.FloorPrice.String(),
		p.DurationDays, p.Premium.String(), p.IssuedAt, p.ExpiresAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("policy %s: %w", p.ID, ErrAlreadyExists)
	}
	return err
}

const policyColumns = `id, holder, coverage_type, asset, coverage_amount::TEXT, trigger_price::TEXT,
		        floor_price::TEXT, duration_days, premium::TEXT, issued_at, expires_at`

func (s *PostgresStore) GetPolicy(ctx context.Context, id string) (*model.Policy, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("policy %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get policy %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) ListActivePolicies(ctx context.Context, now time.Time) ([]model.Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+policyColumns+` FROM policies
		 WHERE issued_at <= $1 AND expires_at > $1
		 ORDER BY issued_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	return policies, rows.Err()
}

func (s *PostgresStore) CreateHedgePosition(ctx context.Context, pos *model.HedgePosition) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO hedge_positions (policy_id, coverage_type, completed_legs, liquidation_requested,
		                              total_proceeds, refill_transfer_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		pos.PolicyID, string(pos.CoverageType), pos.CompletedLegs, pos.LiquidationRequested,
		pos.TotalProceeds.String(), pos.RefillTransferID, pos.CreatedAt, pos.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("hedge position %s: %w", pos.PolicyID, ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	if err := upsertLegs(ctx, tx, pos); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetHedgePosition(ctx context.Context, policyID string) (*model.HedgePosition, error) {
	return loadPosition(ctx, s.pool, policyID, false)
}

func (s *PostgresStore) ListHedgePositions(ctx context.Context) ([]model.HedgePosition, error) {
	rows, err := s.pool.Query(ctx, `SELECT policy_id FROM hedge_positions ORDER BY policy_id`)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}

	positions := make([]model.HedgePosition, 0, len(ids))
	for _, id := range ids {
		pos, err := loadPosition(ctx, s.pool, id, false)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *pos)
	}
	return positions, nil
}

// UpdateHedgePosition locks the position row with SELECT ... FOR UPDATE so
// concurrent keepers writing the same policy are serialized by Postgres.
func (s *PostgresStore) UpdateHedgePosition(ctx context.Context, policyID string, fn PositionUpdate) (*model.HedgePosition, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	pos, err := loadPosition(ctx, tx, policyID, true)
	if err != nil {
		return nil, err
	}
	if err := fn(pos); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE hedge_positions
		 SET completed_legs = $2, liquidation_requested = $3, total_proceeds = $4::NUMERIC,
		     refill_transfer_id = $5, updated_at = $6
		 WHERE policy_id = $1`,
		pos.PolicyID, pos.CompletedLegs, pos.LiquidationRequested,
		pos.TotalProceeds.String(), pos.RefillTransferID, pos.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update hedge position %s: %w", policyID, err)
	}
	if err := upsertLegs(ctx, tx, pos); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return pos, nil
}

func (s *PostgresStore) InsertReserveTransfer(ctx context.Context, t *model.ReserveTransfer) error {
	legs, err := json.Marshal(t.LegProceeds)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reserve_transfers (id, policy_id, reserve_vault, amount, leg_proceeds, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::JSONB, $6)`,
		t.ID, t.PolicyID, t.ReserveVault, t.Amount.String(), string(legs), t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("reserve transfer for %s: %w", t.PolicyID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) ListReserveTransfers(ctx context.Context, policyID string) ([]model.ReserveTransfer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, policy_id, reserve_vault, amount::TEXT, leg_proceeds, created_at
		 FROM reserve_transfers WHERE policy_id = $1 ORDER BY created_at`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []model.ReserveTransfer
	for rows.Next() {
		var t model.ReserveTransfer
		var amountS string
		var legs []byte
		if err := rows.Scan(&t.ID, &t.PolicyID, &t.ReserveVault, &amountS, &legs, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amountS)
		if err := json.Unmarshal(legs, &t.LegProceeds); err != nil {
			return nil, fmt.Errorf("decode leg proceeds: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

func (s *PostgresStore) UpsertScenario(ctx context.Context, sc *model.Scenario) error {
	prices, err := json.Marshal(sc.ShockedPrices)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scenarios (name, probability, severity_multiplier, shocked_prices,
		                        correlation_shift, volatility_multiplier, weight)
		 VALUES ($1, $2, $3, $4::JSONB, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET
		     probability = EXCLUDED.probability,
		     severity_multiplier = EXCLUDED.severity_multiplier,
		     shocked_prices = EXCLUDED.shocked_prices,
		     correlation_shift = EXCLUDED.correlation_shift,
		     volatility_multiplier = EXCLUDED.volatility_multiplier,
		     weight = EXCLUDED.weight`,
		sc.Name, sc.Probability, sc.SeverityMultiplier, string(prices),
		sc.CorrelationShift, sc.VolatilityMultiplier, sc.Weight,
	)
	return err
}

func (s *PostgresStore) ListScenarios(ctx context.Context) ([]model.Scenario, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, probability, severity_multiplier, shocked_prices,
		        correlation_shift, volatility_multiplier, weight
		 FROM scenarios ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scenarios []model.Scenario
	for rows.Next() {
		var sc model.Scenario
		var prices []byte
		if err := rows.Scan(&sc.Name, &sc.Probability, &sc.SeverityMultiplier, &prices,
			&sc.CorrelationShift, &sc.VolatilityMultiplier, &sc.Weight); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(prices, &sc.ShockedPrices); err != nil {
			return nil, fmt.Errorf("decode shocked prices for %s: %w", sc.Name, err)
		}
		scenarios = append(scenarios, sc)
	}
	return scenarios, rows.Err()
}

// --- helpers ---

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadPosition(ctx context.Context, q querier, policyID string, forUpdate bool) (*model.HedgePosition, error) {
	query := `SELECT policy_id, coverage_type, completed_legs, liquidation_requested,
		        total_proceeds::TEXT, refill_transfer_id, created_at, updated_at
		 FROM hedge_positions WHERE policy_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var pos model.HedgePosition
	var coverageType, proceedsS string
	err := q.QueryRow(ctx, query, policyID).Scan(
		&pos.PolicyID, &coverageType, &pos.CompletedLegs, &pos.LiquidationRequested,
		&proceedsS, &pos.RefillTransferID, &pos.CreatedAt, &pos.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("hedge position %s: %w", policyID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get hedge position %s: %w", policyID, err)
	}
	pos.CoverageType = model.CoverageType(coverageType)
	pos.TotalProceeds, _ = decimal.NewFromString(proceedsS)

	rows, err := q.Query(ctx,
		`SELECT venue, status, amount::TEXT, fill_price::TEXT, external_order_id, proceeds::TEXT, optimistic, updated_at
		 FROM hedge_legs WHERE policy_id = $1`, policyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pos.Legs = make(map[model.Venue]model.HedgeLeg, len(model.Venues))
	for rows.Next() {
		var leg model.HedgeLeg
		var venue, status, amountS, fillS, legProceedsS string
		if err := rows.Scan(&venue, &status, &amountS, &fillS, &leg.ExternalOrderID,
			&legProceedsS, &leg.Optimistic, &leg.UpdatedAt); err != nil {
			return nil, err
		}
		leg.Venue = model.Venue(venue)
		leg.Status = model.LegStatus(status)
		leg.Amount, _ = decimal.NewFromString(amountS)
		leg.FillPrice, _ = decimal.NewFromString(fillS)
		leg.Proceeds, _ = decimal.NewFromString(legProceedsS)
		pos.Legs[leg.Venue] = leg
	}
	return &pos, rows.Err()
}

func upsertLegs(ctx context.Context, tx pgx.Tx, pos *model.HedgePosition) error {
	batch := &pgx.Batch{}
	for _, leg := range pos.Legs {
		batch.Queue(
			`INSERT INTO hedge_legs (policy_id, venue, status, amount, fill_price, external_order_id, proceeds, optimistic, updated_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7::NUMERIC, $8, $9)
			 ON CONFLICT (policy_id, venue) DO UPDATE SET
			     status = EXCLUDED.status,
			     amount = EXCLUDED.amount,
			     fill_price = EXCLUDED.fill_price,
			     external_order_id = EXCLUDED.external_order_id,
			     proceeds = EXCLUDED.proceeds,
			     optimistic = EXCLUDED.optimistic,
			     updated_at = EXCLUDED.updated_at`,
			pos.PolicyID, string(leg.Venue), string(leg.Status), leg.Amount.String(),
			leg.FillPrice.String(), leg.ExternalOrderID, leg.Proceeds.String(), leg.Optimistic, leg.UpdatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert hedge legs %s: %w", pos.PolicyID, err)
	}
	return nil
}

func scanPolicy(row pgx.Row) (*model.Policy, error) {
	var p model.Policy
	var coverageType, amountS, triggerS, floorS, premiumS string
	if err := row.Scan(&p.ID, &p.Holder, &coverageType, &p.Asset,
		&amountS, &triggerS, &floorS, &p.DurationDays, &premiumS,
		&p.IssuedAt, &p.ExpiresAt); err != nil {
		return nil, err
	}
	p.CoverageType = model.CoverageType(coverageType)
	p.CoverageAmount, _ = decimal.NewFromString(amountS)
	p.TriggerPrice, _ = decimal.NewFromString(triggerS)
	p.FloorPrice, _ = decimal.NewFromString(floorS)
	p.Premium, _ = decimal.NewFromString(premiumS)
	return &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
