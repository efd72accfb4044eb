package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"seller_radar/models"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Pool is shared with the advisory locker.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS dataset_runs (
		id UUID PRIMARY KEY,
		dataset_key TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		note JSONB NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_dataset_runs_latest
		ON dataset_runs (dataset_key, status, started_at DESC);

	CREATE TABLE IF NOT EXISTS seller_opportunities (
		id UUID PRIMARY KEY,
		organization_id TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		source TEXT NOT NULL,
		dataset_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'NEW',
		score INTEGER NOT NULL DEFAULT 0,
		signals JSONB NOT NULL DEFAULT '[]',
		parcel_id TEXT NOT NULL DEFAULT '',
		owner_name TEXT NOT NULL DEFAULT '',
		county TEXT NOT NULL DEFAULT '',
		situs_line TEXT NOT NULL DEFAULT '',
		situs_city TEXT NOT NULL DEFAULT '',
		situs_state TEXT NOT NULL DEFAULT '',
		situs_zip TEXT NOT NULL DEFAULT '',
		mailing_line TEXT NOT NULL DEFAULT '',
		mailing_city TEXT NOT NULL DEFAULT '',
		mailing_state TEXT NOT NULL DEFAULT '',
		mailing_zip TEXT NOT NULL DEFAULT '',
		assessed_value DOUBLE PRECISION,
		last_sale_price DOUBLE PRECISION,
		last_sale_date TIMESTAMPTZ,
		lat DOUBLE PRECISION,
		lng DOUBLE PRECISION,
		converted_lead_id TEXT,
		last_seen_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE (organization_id, dedupe_key)
	);

	CREATE INDEX IF NOT EXISTS idx_seller_opportunities_county
		ON seller_opportunities (source, lower(county));
	`)
	return err
}

// =============================================================================
// Run Ledger
// =============================================================================

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.DatasetRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dataset_runs (id, dataset_key, status, started_at, note)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.DatasetKey, string(run.Status), run.StartedAt, string(run.Note.ToJSON()))
	return err
}

// FinishRun moves a running entry to its terminal status. Entries that are
// already terminal are never rewritten.
func (s *PostgresStore) FinishRun(ctx context.Context, run *models.DatasetRun) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dataset_runs SET status = $2, finished_at = $3, note = $4
		WHERE id = $1 AND status = $5`,
		run.ID, string(run.Status), run.FinishedAt, string(run.Note.ToJSON()), string(models.RunStatusRunning))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is not running", run.ID)
	}
	return nil
}

func (s *PostgresStore) LatestSuccessfulRun(ctx context.Context, datasetKey string) (*models.DatasetRun, error) {
	var run models.DatasetRun
	var note []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, dataset_key, status, started_at, finished_at, note
		FROM dataset_runs
		WHERE dataset_key = $1 AND status = $2
		ORDER BY started_at DESC
		LIMIT 1`,
		datasetKey, string(models.RunStatusSuccess),
	).Scan(&run.ID, &run.DatasetKey, &run.Status, &run.StartedAt, &run.FinishedAt, &note)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if run.Note, err = models.ParseRunNote(note); err != nil {
		return nil, fmt.Errorf("run %s note: %w", run.ID, err)
	}
	return &run, nil
}

// =============================================================================
// Seller Opportunities
// =============================================================================

func (s *PostgresStore) GetOpportunitiesByKeys(ctx context.Context, orgID string, keys []string) (map[string]*models.SellerOpportunity, error) {
	out := make(map[string]*models.SellerOpportunity, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, selectOpportunity+` WHERE organization_id = $1 AND dedupe_key = ANY($2)`, orgID, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out[o.DedupeKey] = o
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetOpportunity(ctx context.Context, orgID, dedupeKey string) (*models.SellerOpportunity, error) {
	row := s.pool.QueryRow(ctx, selectOpportunity+` WHERE organization_id = $1 AND dedupe_key = $2`, orgID, dedupeKey)
	o, err := scanOpportunity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

var (
	pgInsertOpportunity = insertOpportunitySQL(dollar)
	pgUpdateOpportunity = `UPDATE seller_opportunities SET ` + setClause(dollar, pipelineColumns, 3) +
		fmt.Sprintf(` WHERE organization_id = $1 AND dedupe_key = $2 AND source <> ALL($%d)`, len(pipelineColumns)+3)
)

// WriteOpportunities sends one batch inside one transaction. Insert conflicts
// and precedence-guarded updates that touch nothing are counted, not failed.
func (s *PostgresStore) WriteOpportunities(ctx context.Context, writes []models.OpportunityWrite) (models.WriteCounts, error) {
	var counts models.WriteCounts
	if len(writes) == 0 {
		return counts, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return counts, err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, w := range writes {
		switch w.Action {
		case models.WriteInsert:
			batch.Queue(pgInsertOpportunity, opportunityArgs(w.Row)...)
		case models.WriteUpdate:
			args := append([]any{w.Row.OrganizationID, w.Row.DedupeKey}, pipelineArgs(w.Row)...)
			args = append(args, protectedSources(w.Row.Source))
			batch.Queue(pgUpdateOpportunity, args...)
		default:
			return counts, fmt.Errorf("unknown write action %q", w.Action)
		}
	}

	br := tx.SendBatch(ctx, batch)
	for _, w := range writes {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return models.WriteCounts{}, fmt.Errorf("%s %s: %w", w.Action, w.Row.DedupeKey, err)
		}
		countWrite(&counts, w.Action, tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return models.WriteCounts{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.WriteCounts{}, err
	}
	return counts, nil
}

// =============================================================================
// Repair
// =============================================================================

func (s *PostgresStore) ListRepairCandidates(ctx context.Context, source, county, expectedState string) ([]*models.SellerOpportunity, error) {
	rows, err := s.pool.Query(ctx, selectOpportunity+`
		WHERE source = $1 AND lower(county) = lower($2)
		  AND (upper(situs_state) <> $3
		       OR (situs_city <> '' AND situs_line ILIKE '%' || situs_city || '%')
		       OR (situs_zip <> '' AND situs_line LIKE '%' || substr(situs_zip, 1, 5)))
		ORDER BY organization_id, dedupe_key`,
		source, county, expectedState)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SellerOpportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateOpportunityIdentity(ctx context.Context, row *models.SellerOpportunity) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE seller_opportunities SET
			dedupe_key = $2, situs_line = $3, situs_city = $4, situs_state = $5, situs_zip = $6, updated_at = $7
		WHERE id = $1`,
		row.ID, row.DedupeKey, row.Situs.Line, row.Situs.City, row.Situs.State, row.Situs.Zip, row.UpdatedAt)
	return err
}

var pgMergeSurvivor = `UPDATE seller_opportunities SET dedupe_key = $2, ` + setClause(dollar, pipelineColumns, 3) + ` WHERE id = $1`

// MergeOpportunities deletes the duplicate first so the survivor can take
// over its key.
func (s *PostgresStore) MergeOpportunities(ctx context.Context, survivor *models.SellerOpportunity, duplicateID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM seller_opportunities WHERE id = $1`, duplicateID); err != nil {
		return fmt.Errorf("delete duplicate: %w", err)
	}
	args := append([]any{survivor.ID, survivor.DedupeKey}, pipelineArgs(survivor)...)
	if _, err := tx.Exec(ctx, pgMergeSurvivor, args...); err != nil {
		return fmt.Errorf("update survivor: %w", err)
	}
	return tx.Commit(ctx)
}

// protectedSources never returns nil; ALL over an empty array is true.
func protectedSources(incoming string) []string {
	out := models.SourcesOutranking(incoming)
	if out == nil {
		out = []string{}
	}
	return out
}

func countWrite(counts *models.WriteCounts, action models.WriteAction, affected int64) {
	switch {
	case action == models.WriteInsert && affected > 0:
		counts.Inserted++
	case action == models.WriteInsert:
		counts.Conflicts++
	case affected > 0:
		counts.Updated++
	default:
		counts.SkippedPrecedence++
	}
}
