package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orbitsched/orbit/pkg/models"
	"github.com/pkg/errors"
)

// mockStore implements Store with in-memory storage. Transactions are
// mutually exclusive: Begin blocks until the open one commits or rolls
// back, standing in for the isolation the database provides.
type mockStore struct {
	mu          sync.RWMutex
	txMu        sync.Mutex
	records     []models.WorkflowRecord
	runs        []models.Run
	instances   []models.TaskInstance
	assets      []models.Asset
	queue       []models.AssetQueueEntry
	audit       []models.AuditLog
	nextAssetID int64
	nextAuditID int64
	inTx        bool
	snapshot    *mockStore // State at Begin, restored on Rollback
}

func NewMockStore() Store {
	return &mockStore{}
}

// mockTx is the transactional view handed out by Begin. Its own Begin
// returns itself, mirroring the database-backed store.
type mockTx struct {
	*mockStore
}

func (t *mockTx) Begin() (Store, error) { return t, nil }

func (m *mockStore) Begin() (Store, error) {
	m.txMu.Lock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTx = true
	m.snapshot = m.clone()
	return &mockTx{m}, nil
}

func (m *mockStore) Commit() error {
	m.mu.Lock()
	if !m.inTx {
		m.mu.Unlock()
		return errors.New("no open transaction")
	}
	m.inTx = false
	m.snapshot = nil
	m.mu.Unlock()
	m.txMu.Unlock()
	return nil
}

func (m *mockStore) Rollback() error {
	m.mu.Lock()
	if !m.inTx {
		m.mu.Unlock()
		return errors.New("no open transaction")
	}
	m.restore(m.snapshot)
	m.inTx = false
	m.snapshot = nil
	m.mu.Unlock()
	m.txMu.Unlock()
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

func (m *mockStore) clone() *mockStore {
	return &mockStore{
		records:     append([]models.WorkflowRecord(nil), m.records...),
		runs:        append([]models.Run(nil), m.runs...),
		instances:   append([]models.TaskInstance(nil), m.instances...),
		assets:      append([]models.Asset(nil), m.assets...),
		queue:       append([]models.AssetQueueEntry(nil), m.queue...),
		audit:       append([]models.AuditLog(nil), m.audit...),
		nextAssetID: m.nextAssetID,
		nextAuditID: m.nextAuditID,
	}
}

func (m *mockStore) restore(s *mockStore) {
	m.records = s.records
	m.runs = s.runs
	m.instances = s.instances
	m.assets = s.assets
	m.queue = s.queue
	m.audit = s.audit
	m.nextAssetID = s.nextAssetID
	m.nextAuditID = s.nextAuditID
}

func (m *mockStore) SaveWorkflowRecord(rec models.WorkflowRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	for i, existing := range m.records {
		if existing.WorkflowID == rec.WorkflowID {
			m.records[i] = rec
			return nil
		}
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockStore) GetWorkflowRecord(workflowID string) (models.WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.records {
		if rec.WorkflowID == workflowID {
			return rec, nil
		}
	}
	return models.WorkflowRecord{}, errors.Wrapf(ErrNotFound, "workflow record %q", workflowID)
}

func (m *mockStore) ListWorkflowRecords() ([]models.WorkflowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]models.WorkflowRecord(nil), m.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

func (m *mockStore) UpdateNextRun(workflowID string, logical, dataStart, dataEnd, createAfter *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rec := range m.records {
		if rec.WorkflowID == workflowID {
			m.records[i].NextRunLogical = logical
			m.records[i].NextRunDataStart = dataStart
			m.records[i].NextRunDataEnd = dataEnd
			m.records[i].NextRunCreateAfter = createAfter
			m.records[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "workflow record %q", workflowID)
}

func (m *mockStore) SaveRun(run models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.runs {
		if existing.WorkflowID == run.WorkflowID && existing.RunID == run.RunID {
			return errors.Wrapf(ErrAlreadyExists, "run %q of workflow %q", run.RunID, run.WorkflowID)
		}
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *mockStore) GetRun(workflowID, runID string) (models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, run := range m.runs {
		if run.WorkflowID == workflowID && run.RunID == runID {
			return run, nil
		}
	}
	return models.Run{}, errors.Wrapf(ErrNotFound, "run %q of workflow %q", runID, workflowID)
}

func (m *mockStore) ListRuns(workflowID string) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Run
	for _, run := range m.runs {
		if run.WorkflowID == workflowID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *mockStore) ListRunsFromLogical(workflowID string, logical time.Time) ([]models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Run
	for _, run := range m.runs {
		if run.WorkflowID != workflowID || run.LogicalDate == nil {
			continue
		}
		if !run.LogicalDate.Before(logical) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalDate.Before(*out[j].LogicalDate) })
	return out, nil
}

func (m *mockStore) LatestAutomatedRun(workflowID string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.Run
	for i, run := range m.runs {
		if run.WorkflowID != workflowID || run.LogicalDate == nil {
			continue
		}
		if run.RunType != models.ScheduledRunType && run.RunType != models.BackfillRunType {
			continue
		}
		if latest == nil || run.LogicalDate.After(*latest.LogicalDate) {
			latest = &m.runs[i]
		}
	}
	if latest == nil {
		return nil, nil
	}
	out := *latest
	return &out, nil
}

func (m *mockStore) CountActiveRuns(workflowID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, run := range m.runs {
		if run.WorkflowID != workflowID {
			continue
		}
		if run.State == models.QueuedRunState || run.State == models.RunningRunState {
			count++
		}
	}
	return count, nil
}

func (m *mockStore) UpdateRunState(workflowID, runID string, state models.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, run := range m.runs {
		if run.WorkflowID == workflowID && run.RunID == runID {
			m.runs[i].State = state
			return nil
		}
	}
	return errors.Wrapf(ErrNotFound, "run %q of workflow %q", runID, workflowID)
}

func (m *mockStore) SaveTaskInstances(tis []models.TaskInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ti := range tis {
		if ti.ID == uuid.Nil {
			ti.ID = uuid.New()
		}
		if ti.UpdatedAt.IsZero() {
			ti.UpdatedAt = time.Now().UTC()
		}
		replaced := false
		for i, existing := range m.instances {
			if existing.WorkflowID == ti.WorkflowID && existing.RunID == ti.RunID &&
				existing.TaskID == ti.TaskID && existing.MapIndex == ti.MapIndex {
				ti.ID = existing.ID
				m.instances[i] = ti
				replaced = true
				break
			}
		}
		if !replaced {
			m.instances = append(m.instances, ti)
		}
	}
	return nil
}

func (m *mockStore) ListTaskInstances(workflowID, runID string, filter TaskInstanceFilter) ([]models.TaskInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.TaskInstance
	for _, ti := range m.instances {
		if ti.WorkflowID != workflowID || ti.RunID != runID {
			continue
		}
		if filter.TaskIDs != nil && !containsString(filter.TaskIDs, ti.TaskID) {
			continue
		}
		out = append(out, ti)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID == out[j].TaskID {
			return out[i].MapIndex < out[j].MapIndex
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}

func (m *mockStore) SaveAsset(asset models.Asset) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.assets {
		if existing.Name == asset.Name && existing.URI == asset.URI {
			m.assets[i].Group = asset.Group
			return existing.ID, nil
		}
	}
	m.nextAssetID++
	asset.ID = m.nextAssetID
	m.assets = append(m.assets, asset)
	return asset.ID, nil
}

func (m *mockStore) ListAssets(ids []int64) ([]models.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Asset
	for _, asset := range m.assets {
		for _, id := range ids {
			if asset.ID == id {
				out = append(out, asset)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *mockStore) EnqueueAsset(entry models.AssetQueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	for i, existing := range m.queue {
		if existing.AssetID == entry.AssetID && existing.TargetWorkflowID == entry.TargetWorkflowID {
			m.queue[i] = entry
			return nil
		}
	}
	m.queue = append(m.queue, entry)
	return nil
}

func (m *mockStore) ListAssetQueue(workflowID string) ([]models.AssetQueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AssetQueueEntry
	for _, entry := range m.queue {
		if entry.TargetWorkflowID == workflowID {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

func (m *mockStore) ClearAssetQueue(workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.queue[:0]
	for _, entry := range m.queue {
		if entry.TargetWorkflowID != workflowID {
			kept = append(kept, entry)
		}
	}
	m.queue = kept
	return nil
}

func (m *mockStore) SaveAuditLog(entry models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAuditID++
	entry.ID = m.nextAuditID
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}
	m.audit = append(m.audit, entry)
	return nil
}

func (m *mockStore) ListAuditLogs(workflowID string) ([]models.AuditLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditLog
	for _, entry := range m.audit {
		if entry.WorkflowID == workflowID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func containsString(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}
