package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/orbitsched/orbit/pkg/models"
	"github.com/orbitsched/orbit/pkg/storage"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	QueryRowx(query string, args ...interface{}) *sqlx.Row
	Exec(query string, args ...interface{}) (sql.Result, error)
}
type PostgresStore struct {
	db DBInterface
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, err
		}
		return &PostgresStore{db: tx}, nil
	}
	// Already a transaction
	return s, nil
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Commit()
	}
	return fmt.Errorf("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return tx.Rollback()
	}
	return fmt.Errorf("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

// SaveWorkflowRecord upserts the scheduling projection of a workflow
func (s *PostgresStore) SaveWorkflowRecord(rec models.WorkflowRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO workflows (workflow_id, paused, stale, has_import_errors, max_active_runs,
			next_run_logical, next_run_data_start, next_run_data_end, next_run_create_after, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, CURRENT_TIMESTAMP)
		ON CONFLICT (workflow_id) DO UPDATE SET
			paused = EXCLUDED.paused,
			stale = EXCLUDED.stale,
			has_import_errors = EXCLUDED.has_import_errors,
			max_active_runs = EXCLUDED.max_active_runs,
			next_run_logical = EXCLUDED.next_run_logical,
			next_run_data_start = EXCLUDED.next_run_data_start,
			next_run_data_end = EXCLUDED.next_run_data_end,
			next_run_create_after = EXCLUDED.next_run_create_after,
			updated_at = CURRENT_TIMESTAMP`,
		rec.WorkflowID, rec.Paused, rec.Stale, rec.HasImportErrors, rec.MaxActiveRuns,
		rec.NextRunLogical, rec.NextRunDataStart, rec.NextRunDataEnd, rec.NextRunCreateAfter)
	if err != nil {
		return fmt.Errorf("save workflow record %s: %w", rec.WorkflowID, err)
	}
	return nil
}

// GetWorkflowRecord retrieves the scheduling projection of a workflow
func (s *PostgresStore) GetWorkflowRecord(workflowID string) (models.WorkflowRecord, error) {
	var rec models.WorkflowRecord
	err := s.db.Get(&rec, "SELECT * FROM workflows WHERE workflow_id = $1", workflowID)
	if err == sql.ErrNoRows {
		return models.WorkflowRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return models.WorkflowRecord{}, fmt.Errorf("get workflow record %s: %w", workflowID, err)
	}
	return rec, nil
}

func (s *PostgresStore) ListWorkflowRecords() ([]models.WorkflowRecord, error) {
	records := []models.WorkflowRecord{}
	err := s.db.Select(&records, "SELECT * FROM workflows ORDER BY workflow_id")
	if err != nil {
		return nil, err
	}
	return records, nil
}

// UpdateNextRun overwrites the precomputed next run columns
func (s *PostgresStore) UpdateNextRun(workflowID string, logical, dataStart, dataEnd, createAfter *time.Time) error {
	res, err := s.db.Exec(`
		UPDATE workflows
		SET next_run_logical = $1,
			next_run_data_start = $2,
			next_run_data_end = $3,
			next_run_create_after = $4,
			updated_at = CURRENT_TIMESTAMP
		WHERE workflow_id = $5`,
		logical, dataStart, dataEnd, createAfter, workflowID)
	if err != nil {
		return fmt.Errorf("update next run for %s: %w", workflowID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveRun inserts a new run; a duplicate (workflow_id, run_id) yields ErrAlreadyExists
func (s *PostgresStore) SaveRun(run models.Run) error {
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (workflow_id, run_id, run_type, state, logical_date,
			data_interval_start, data_interval_end, run_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.WorkflowID, run.RunID, run.RunType, run.State, run.LogicalDate,
		run.DataIntervalStart, run.DataIntervalEnd, run.RunAfter, createdAt)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("save run %s of %s: %w", run.RunID, run.WorkflowID, err)
	}
	return nil
}

func (s *PostgresStore) GetRun(workflowID, runID string) (models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, "SELECT * FROM runs WHERE workflow_id = $1 AND run_id = $2", workflowID, runID)
	if err == sql.ErrNoRows {
		return models.Run{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Run{}, fmt.Errorf("get run %s of %s: %w", runID, workflowID, err)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(workflowID string) ([]models.Run, error) {
	runs := []models.Run{}
	err := s.db.Select(&runs,
		"SELECT * FROM runs WHERE workflow_id = $1 ORDER BY created_at, run_id", workflowID)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// ListRunsFromLogical returns runs with a logical date at or after the given one
func (s *PostgresStore) ListRunsFromLogical(workflowID string, logical time.Time) ([]models.Run, error) {
	runs := []models.Run{}
	err := s.db.Select(&runs,
		"SELECT * FROM runs WHERE workflow_id = $1 AND logical_date >= $2 ORDER BY logical_date", workflowID, logical)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// LatestAutomatedRun returns the newest scheduled or backfill run, or nil when none exists
func (s *PostgresStore) LatestAutomatedRun(workflowID string) (*models.Run, error) {
	var run models.Run
	err := s.db.Get(&run, `
		SELECT * FROM runs
		WHERE workflow_id = $1 AND run_type IN ($2, $3) AND logical_date IS NOT NULL
		ORDER BY logical_date DESC LIMIT 1`,
		workflowID, models.ScheduledRunType, models.BackfillRunType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest automated run of %s: %w", workflowID, err)
	}
	return &run, nil
}

func (s *PostgresStore) CountActiveRuns(workflowID string) (int, error) {
	var count int
	err := s.db.Get(&count,
		"SELECT COUNT(*) FROM runs WHERE workflow_id = $1 AND state IN ($2, $3)",
		workflowID, models.QueuedRunState, models.RunningRunState)
	if err != nil {
		return 0, fmt.Errorf("count active runs of %s: %w", workflowID, err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateRunState(workflowID, runID string, state models.RunState) error {
	res, err := s.db.Exec(
		"UPDATE runs SET state = $1 WHERE workflow_id = $2 AND run_id = $3",
		state, workflowID, runID)
	if err != nil {
		return fmt.Errorf("update state of run %s of %s: %w", runID, workflowID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SaveTaskInstances upserts task instances on (workflow_id, run_id, task_id, map_index).
// The empty state is stored as NULL.
func (s *PostgresStore) SaveTaskInstances(tis []models.TaskInstance) error {
	for _, ti := range tis {
		id := ti.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := s.db.Exec(`
			INSERT INTO task_instances (id, workflow_id, run_id, task_id, map_index, state, try_number, updated_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, CURRENT_TIMESTAMP)
			ON CONFLICT (workflow_id, run_id, task_id, map_index) DO UPDATE SET
				state = EXCLUDED.state,
				try_number = EXCLUDED.try_number,
				updated_at = CURRENT_TIMESTAMP`,
			id, ti.WorkflowID, ti.RunID, ti.TaskID, ti.MapIndex, string(ti.State), ti.TryNumber)
		if err != nil {
			return fmt.Errorf("save task instance %s of run %s: %w", ti.TaskID, ti.RunID, err)
		}
	}
	return nil
}

func (s *PostgresStore) ListTaskInstances(workflowID, runID string, filter storage.TaskInstanceFilter) ([]models.TaskInstance, error) {
	tis := []models.TaskInstance{}
	query := `
		SELECT id, workflow_id, run_id, task_id, map_index, COALESCE(state, '') AS state, try_number, updated_at
		FROM task_instances
		WHERE workflow_id = $1 AND run_id = $2`
	args := []interface{}{workflowID, runID}
	if filter.TaskIDs != nil {
		query += " AND task_id = ANY($3)"
		args = append(args, pq.Array(filter.TaskIDs))
	}
	query += " ORDER BY task_id, map_index"
	err := s.db.Select(&tis, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task instances of run %s of %s: %w", runID, workflowID, err)
	}
	return tis, nil
}

// SaveAsset upserts an asset on (name, uri) and returns its ID
func (s *PostgresStore) SaveAsset(asset models.Asset) (int64, error) {
	var id int64
	err := s.db.QueryRowx(`
		INSERT INTO assets (name, uri, grp) VALUES ($1, $2, $3)
		ON CONFLICT (name, uri) DO UPDATE SET grp = EXCLUDED.grp
		RETURNING id`,
		asset.Name, asset.URI, asset.Group).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save asset %s: %w", asset.Name, err)
	}
	return id, nil
}

func (s *PostgresStore) ListAssets(ids []int64) ([]models.Asset, error) {
	assets := []models.Asset{}
	err := s.db.Select(&assets, "SELECT * FROM assets WHERE id = ANY($1) ORDER BY id", pq.Array(ids))
	if err != nil {
		return nil, err
	}
	return assets, nil
}

// EnqueueAsset upserts the pending (asset, consumer) pair, refreshing the event time
func (s *PostgresStore) EnqueueAsset(entry models.AssetQueueEntry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO asset_queue (asset_id, target_workflow_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (asset_id, target_workflow_id) DO UPDATE SET created_at = EXCLUDED.created_at`,
		entry.AssetID, entry.TargetWorkflowID, createdAt)
	if err != nil {
		return fmt.Errorf("enqueue asset %d for %s: %w", entry.AssetID, entry.TargetWorkflowID, err)
	}
	return nil
}

func (s *PostgresStore) ListAssetQueue(workflowID string) ([]models.AssetQueueEntry, error) {
	entries := []models.AssetQueueEntry{}
	err := s.db.Select(&entries,
		"SELECT * FROM asset_queue WHERE target_workflow_id = $1 ORDER BY asset_id", workflowID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *PostgresStore) ClearAssetQueue(workflowID string) error {
	_, err := s.db.Exec("DELETE FROM asset_queue WHERE target_workflow_id = $1", workflowID)
	if err != nil {
		return fmt.Errorf("clear asset queue of %s: %w", workflowID, err)
	}
	return nil
}

func (s *PostgresStore) SaveAuditLog(entry models.AuditLog) error {
	loggedAt := entry.LoggedAt
	if loggedAt.IsZero() {
		loggedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO audit_logs (event, workflow_id, run_id, task_id, detail, logged_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.Event, entry.WorkflowID, entry.RunID, entry.TaskID, entry.Detail, loggedAt)
	if err != nil {
		return fmt.Errorf("save audit log %s for %s: %w", entry.Event, entry.WorkflowID, err)
	}
	return nil
}

func (s *PostgresStore) ListAuditLogs(workflowID string) ([]models.AuditLog, error) {
	entries := []models.AuditLog{}
	err := s.db.Select(&entries, "SELECT * FROM audit_logs WHERE workflow_id = $1 ORDER BY id", workflowID)
	if err != nil {
		return nil, err
	}
	return entries, nil
}
