package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"seller_radar/models"
)

// SQLiteStore is the single-node backend: run ledger, opportunities and the
// operator command queue in one file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB is shared with the SQLite locker.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS dataset_runs (
		id TEXT PRIMARY KEY,
		dataset_key TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		note JSON NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS seller_opportunities (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		source TEXT NOT NULL,
		dataset_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'NEW',
		score INTEGER NOT NULL DEFAULT 0,
		signals JSON NOT NULL DEFAULT '[]',
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
		assessed_value REAL,
		last_sale_price REAL,
		last_sale_date DATETIME,
		lat REAL,
		lng REAL,
		converted_lead_id TEXT,
		last_seen_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (organization_id, dedupe_key)
	);

	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY,
		command TEXT,
		params JSON,
		result JSON,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		processed_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_runs_latest ON dataset_runs(dataset_key, status, started_at);
	CREATE INDEX IF NOT EXISTS idx_opportunities_county ON seller_opportunities(source, county);
	CREATE INDEX IF NOT EXISTS idx_commands_pending ON commands(processed_at) WHERE processed_at IS NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// Run Ledger
// =============================================================================

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.DatasetRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dataset_runs (id, dataset_key, status, started_at, note)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.DatasetKey, string(run.Status), run.StartedAt.UTC(), string(run.Note.ToJSON()))
	return err
}

func (s *SQLiteStore) FinishRun(ctx context.Context, run *models.DatasetRun) error {
	var finished *time.Time
	if run.FinishedAt != nil {
		t := run.FinishedAt.UTC()
		finished = &t
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE dataset_runs SET status = ?, finished_at = ?, note = ?
		WHERE id = ? AND status = ?`,
		string(run.Status), finished, string(run.Note.ToJSON()), run.ID, string(models.RunStatusRunning))
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s is not running", run.ID)
	}
	return nil
}

func (s *SQLiteStore) LatestSuccessfulRun(ctx context.Context, datasetKey string) (*models.DatasetRun, error) {
	var run models.DatasetRun
	var note []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, dataset_key, status, started_at, finished_at, note
		FROM dataset_runs
		WHERE dataset_key = ? AND status = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT 1`,
		datasetKey, string(models.RunStatusSuccess),
	).Scan(&run.ID, &run.DatasetKey, &run.Status, &run.StartedAt, &run.FinishedAt, &note)
	if errors.Is(err, sql.ErrNoRows) {
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

// ListRuns returns the ledger for a dataset, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, datasetKey string, limit int) ([]models.DatasetRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, dataset_key, status, started_at, finished_at, note
		FROM dataset_runs WHERE dataset_key = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, datasetKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.DatasetRun
	for rows.Next() {
		var run models.DatasetRun
		var note []byte
		if err := rows.Scan(&run.ID, &run.DatasetKey, &run.Status, &run.StartedAt, &run.FinishedAt, &note); err != nil {
			return nil, err
		}
		if run.Note, err = models.ParseRunNote(note); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// Seller Opportunities
// =============================================================================

func (s *SQLiteStore) GetOpportunitiesByKeys(ctx context.Context, orgID string, keys []string) (map[string]*models.SellerOpportunity, error) {
	out := make(map[string]*models.SellerOpportunity, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(keys)+1)
	args = append(args, orgID)
	for _, k := range keys {
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx,
		selectOpportunity+` WHERE organization_id = ? AND dedupe_key IN (`+placeholders(question, 1, len(keys))+`)`,
		args...)
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

func (s *SQLiteStore) GetOpportunity(ctx context.Context, orgID, dedupeKey string) (*models.SellerOpportunity, error) {
	row := s.db.QueryRowContext(ctx, selectOpportunity+` WHERE organization_id = ? AND dedupe_key = ?`, orgID, dedupeKey)
	o, err := scanOpportunity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

var sqliteInsertOpportunity = insertOpportunitySQL(question)

func sqliteUpdateOpportunity(protected int) string {
	q := `UPDATE seller_opportunities SET ` + setClause(question, pipelineColumns, 1) +
		` WHERE organization_id = ? AND dedupe_key = ?`
	if protected > 0 {
		q += ` AND source NOT IN (` + placeholders(question, 1, protected) + `)`
	}
	return q
}

func (s *SQLiteStore) WriteOpportunities(ctx context.Context, writes []models.OpportunityWrite) (models.WriteCounts, error) {
	var counts models.WriteCounts
	if len(writes) == 0 {
		return counts, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, err
	}
	defer tx.Rollback()

	for _, w := range writes {
		var result sql.Result
		switch w.Action {
		case models.WriteInsert:
			result, err = tx.ExecContext(ctx, sqliteInsertOpportunity, opportunityArgs(w.Row)...)
		case models.WriteUpdate:
			protected := models.SourcesOutranking(w.Row.Source)
			args := pipelineArgs(w.Row)
			args = append(args, w.Row.OrganizationID, w.Row.DedupeKey)
			for _, p := range protected {
				args = append(args, p)
			}
			result, err = tx.ExecContext(ctx, sqliteUpdateOpportunity(len(protected)), args...)
		default:
			return models.WriteCounts{}, fmt.Errorf("unknown write action %q", w.Action)
		}
		if err != nil {
			return models.WriteCounts{}, fmt.Errorf("%s %s: %w", w.Action, w.Row.DedupeKey, err)
		}
		n, _ := result.RowsAffected()
		countWrite(&counts, w.Action, n)
	}

	if err := tx.Commit(); err != nil {
		return models.WriteCounts{}, err
	}
	return counts, nil
}

// ListOpportunities returns an organization's rows ordered by score.
func (s *SQLiteStore) ListOpportunities(ctx context.Context, orgID string) ([]*models.SellerOpportunity, error) {
	rows, err := s.db.QueryContext(ctx, selectOpportunity+` WHERE organization_id = ? ORDER BY score DESC, dedupe_key`, orgID)
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

// =============================================================================
// Repair
// =============================================================================

func (s *SQLiteStore) ListRepairCandidates(ctx context.Context, source, county, expectedState string) ([]*models.SellerOpportunity, error) {
	rows, err := s.db.QueryContext(ctx, selectOpportunity+`
		WHERE source = ? AND lower(county) = lower(?)
		  AND (upper(situs_state) <> ?
		       OR (situs_city <> '' AND situs_line LIKE '%' || situs_city || '%')
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

func (s *SQLiteStore) UpdateOpportunityIdentity(ctx context.Context, row *models.SellerOpportunity) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE seller_opportunities SET
			dedupe_key = ?, situs_line = ?, situs_city = ?, situs_state = ?, situs_zip = ?, updated_at = ?
		WHERE id = ?`,
		row.DedupeKey, row.Situs.Line, row.Situs.City, row.Situs.State, row.Situs.Zip, row.UpdatedAt, row.ID)
	return err
}

var sqliteMergeSurvivor = `UPDATE seller_opportunities SET dedupe_key = ?, ` + setClause(question, pipelineColumns, 1) + ` WHERE id = ?`

func (s *SQLiteStore) MergeOpportunities(ctx context.Context, survivor *models.SellerOpportunity, duplicateID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM seller_opportunities WHERE id = ?`, duplicateID); err != nil {
		return fmt.Errorf("delete duplicate: %w", err)
	}
	args := append([]any{survivor.DedupeKey}, pipelineArgs(survivor)...)
	args = append(args, survivor.ID)
	if _, err := tx.ExecContext(ctx, sqliteMergeSurvivor, args...); err != nil {
		return fmt.Errorf("update survivor: %w", err)
	}
	return tx.Commit()
}

// =============================================================================
// Commands
// =============================================================================

func (s *SQLiteStore) EnqueueCommand(ctx context.Context, cmd models.CommandType, params json.RawMessage) (int64, error) {
	var p any
	if len(params) > 0 {
		p = string(params)
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO commands (command, params, created_at) VALUES (?, ?, ?)`,
		string(cmd), p, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *SQLiteStore) GetPendingCommands(ctx context.Context) ([]models.Command, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, command, params, result, created_at, processed_at
		FROM commands WHERE processed_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []models.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, *cmd)
	}
	return cmds, rows.Err()
}

func (s *SQLiteStore) GetCommand(ctx context.Context, id int64) (*models.Command, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, command, params, result, created_at, processed_at
		FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return cmd, err
}

func (s *SQLiteStore) MarkCommandProcessed(ctx context.Context, id int64, result json.RawMessage) error {
	var r any
	if len(result) > 0 {
		r = string(result)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE commands SET processed_at = ?, result = ? WHERE id = ?`, time.Now().UTC(), r, id)
	return err
}

func scanCommand(row rowScanner) (*models.Command, error) {
	var cmd models.Command
	var params, result sql.NullString
	if err := row.Scan(&cmd.ID, &cmd.Command, &params, &result, &cmd.CreatedAt, &cmd.ProcessedAt); err != nil {
		return nil, err
	}
	if params.Valid {
		cmd.Params = json.RawMessage(params.String)
	}
	if result.Valid {
		cmd.Result = json.RawMessage(result.String)
	}
	return &cmd, nil
}
