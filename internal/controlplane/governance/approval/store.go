package approval

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/legator/internal/controlplane/migration"
)

// ErrDuplicateRequest is returned by Create when request_id collides within a tenant.
var ErrDuplicateRequest = errors.New("duplicate_request")

// Store is a SQLite-backed durable store for approval records. Every
// transition is expressed as a conditional UPDATE so that at most one
// concurrent caller observes success.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writer transactions, matching the teacher stores' single-writer discipline
}

// Open creates or opens a SQLite-backed approval store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open approval db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS approvals (
		id              TEXT PRIMARY KEY,
		request_id      TEXT NOT NULL,
		operator_id     TEXT NOT NULL,
		workspace_id    TEXT,
		tenant_id       TEXT NOT NULL,
		municipality_id TEXT,
		action_intent   TEXT NOT NULL,
		action_mode     TEXT NOT NULL,
		plan_hash       TEXT,
		plan_steps      TEXT NOT NULL DEFAULT '[]',
		audit_record    TEXT,
		decision_result TEXT,
		approval_status TEXT NOT NULL,
		approver_id     TEXT,
		approval_note   TEXT,
		dispatched_at   TEXT,
		dispatch_result TEXT,
		created_at      TEXT NOT NULL,
		expires_at      TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, err
	}
	_, _ = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_tenant_request ON approvals(tenant_id, request_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(approval_status)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_approvals_operator ON approvals(operator_id)`)

	if err := migration.EnsureVersion(db, 1); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new approval row. Fails with ErrDuplicateRequest if
// request_id collides within the same tenant.
func (s *Store) Create(in CreateInput) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ttl := in.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:             uuid.NewString(),
		RequestID:      in.RequestID,
		OperatorID:     in.OperatorID,
		WorkspaceID:    in.WorkspaceID,
		TenantID:       in.TenantID,
		MunicipalityID: in.MunicipalityID,
		ActionIntent:   in.ActionIntent,
		ActionMode:     in.ActionMode,
		PlanHash:       in.PlanHash,
		PlanSteps:      in.PlanSteps,
		AuditRecord:    in.AuditRecord,
		ApprovalStatus: StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	planSteps, _ := json.Marshal(rec.PlanSteps)
	auditRecord, _ := json.Marshal(rec.AuditRecord)

	_, err := s.db.Exec(`INSERT INTO approvals (
		id, request_id, operator_id, workspace_id, tenant_id, municipality_id,
		action_intent, action_mode, plan_hash, plan_steps, audit_record,
		approval_status, created_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequestID, rec.OperatorID, rec.WorkspaceID, rec.TenantID, rec.MunicipalityID,
		rec.ActionIntent, string(rec.ActionMode), rec.PlanHash, string(planSteps), string(auditRecord),
		string(rec.ApprovalStatus), rec.CreatedAt.Format(time.RFC3339Nano), rec.ExpiresAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return nil, ErrDuplicateRequest
		}
		return nil, fmt.Errorf("insert approval: %w", err)
	}

	return rec, nil
}

// FindByID loads one approval by its surrogate id.
func (s *Store) FindByID(id string) (*Record, error) {
	row := s.db.QueryRow(selectColumns+` WHERE id = ?`, id)
	return scanRecord(row)
}

// FindByRequestID loads one approval by (tenant, request_id).
func (s *Store) FindByRequestID(tenantID, requestID string) (*Record, error) {
	row := s.db.QueryRow(selectColumns+` WHERE tenant_id = ? AND request_id = ?`, tenantID, requestID)
	return scanRecord(row)
}

// Query lists approvals, stable newest-first, optionally filtered.
func (s *Store) Query(q Query) ([]*Record, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []any

	if q.ApprovalStatus != "" {
		query += ` AND approval_status = ?`
		args = append(args, string(q.ApprovalStatus))
	}
	if q.OperatorID != "" {
		query += ` AND operator_id = ?`
		args = append(args, q.OperatorID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
		if q.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, q.Offset)
		}
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountPending returns the number of approvals currently pending.
func (s *Store) CountPending() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM approvals WHERE approval_status = ?`, string(StatusPending)).Scan(&n)
	return n, err
}

// Decide transitions a pending approval to approved/rejected, or to expired
// if its TTL has already elapsed. Returns nil (no error) when the row is not
// in a decidable state.
func (s *Store) Decide(in DecideInput) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	rec, err := s.FindByID(in.ApprovalID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.ApprovalStatus != StatusPending {
		return nil, nil
	}

	if !now.Before(rec.ExpiresAt) {
		if _, err := s.db.Exec(`UPDATE approvals SET approval_status = ? WHERE id = ? AND approval_status = ?`,
			string(StatusExpired), rec.ID, string(StatusPending)); err != nil {
			return nil, fmt.Errorf("expire approval: %w", err)
		}
		return nil, nil
	}

	if in.Status != StatusApproved && in.Status != StatusRejected {
		return nil, fmt.Errorf("invalid decide status %q", in.Status)
	}

	res, err := s.db.Exec(`UPDATE approvals SET approval_status = ?, approver_id = ?, approval_note = ?
		WHERE id = ? AND approval_status = ?`,
		string(in.Status), in.ApproverID, in.Note, rec.ID, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, nil
	}

	return s.FindByID(rec.ID)
}

// MarkDispatching atomically transitions approved -> dispatching. At most one
// caller across the process group observes a non-nil result.
func (s *Store) MarkDispatching(id string) (*Record, error) {
	return s.casTransition(id, StatusApproved, StatusDispatching)
}

// ConsumeForDispatch is the guarded entry point used by the dispatch path;
// semantically identical to MarkDispatching.
func (s *Store) ConsumeForDispatch(id string) (*Record, error) {
	return s.MarkDispatching(id)
}

// MarkDispatched transitions dispatching -> dispatched and persists the result.
func (s *Store) MarkDispatched(id string, result any) (*Record, error) {
	return s.finishDispatch(id, StatusDispatched, result)
}

// MarkDispatchFailed transitions dispatching -> dispatch_failed and persists the error.
func (s *Store) MarkDispatchFailed(id string, result any) (*Record, error) {
	return s.finishDispatch(id, StatusDispatchFailed, result)
}

func (s *Store) finishDispatch(id string, to Status, result any) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, _ := json.Marshal(result)
	now := time.Now().UTC()

	res, err := s.db.Exec(`UPDATE approvals SET approval_status = ?, dispatched_at = ?, dispatch_result = ?
		WHERE id = ? AND approval_status = ?`,
		string(to), now.Format(time.RFC3339Nano), string(resultJSON), id, string(StatusDispatching))
	if err != nil {
		return nil, fmt.Errorf("finish dispatch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, nil
	}
	return s.FindByID(id)
}

// ExpirePending transitions every pending row whose expires_at has elapsed to
// expired, and returns the count of rows changed.
func (s *Store) ExpirePending() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE approvals SET approval_status = ? WHERE approval_status = ? AND expires_at < ?`,
		string(StatusExpired), string(StatusPending), now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// casTransition performs `SET status=to WHERE id=id AND status=from`,
// returning nil with no error when another caller already won the race.
func (s *Store) casTransition(id string, from, to Status) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE approvals SET approval_status = ? WHERE id = ? AND approval_status = ?`,
		string(to), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("cas transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.FindByID(id)
}

const selectColumns = `SELECT id, request_id, operator_id, workspace_id, tenant_id, municipality_id,
	action_intent, action_mode, plan_hash, plan_steps, audit_record, decision_result,
	approval_status, approver_id, approval_note, dispatched_at, dispatch_result, created_at, expires_at
	FROM approvals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                                                 Record
		actionMode, approvalStatus                          string
		planStepsJSON, auditJSON, decisionJSON, dispatchJSON sql.NullString
		approverID, approvalNote, dispatchedAt              sql.NullString
		createdAt, expiresAt                                 string
	)

	err := row.Scan(
		&rec.ID, &rec.RequestID, &rec.OperatorID, &rec.WorkspaceID, &rec.TenantID, &rec.MunicipalityID,
		&rec.ActionIntent, &actionMode, &rec.PlanHash, &planStepsJSON, &auditJSON, &decisionJSON,
		&approvalStatus, &approverID, &approvalNote, &dispatchedAt, &dispatchJSON, &createdAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.ActionMode = ActionMode(actionMode)
	rec.ApprovalStatus = Status(approvalStatus)
	rec.ApproverID = approverID.String
	rec.ApprovalNote = approvalNote.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)

	if planStepsJSON.Valid && planStepsJSON.String != "" {
		_ = json.Unmarshal([]byte(planStepsJSON.String), &rec.PlanSteps)
	}
	if auditJSON.Valid && auditJSON.String != "" && auditJSON.String != "null" {
		_ = json.Unmarshal([]byte(auditJSON.String), &rec.AuditRecord)
	}
	if decisionJSON.Valid && decisionJSON.String != "" && decisionJSON.String != "null" {
		_ = json.Unmarshal([]byte(decisionJSON.String), &rec.DecisionResult)
	}
	if dispatchJSON.Valid && dispatchJSON.String != "" && dispatchJSON.String != "null" {
		_ = json.Unmarshal([]byte(dispatchJSON.String), &rec.DispatchResult)
	}
	if dispatchedAt.Valid && dispatchedAt.String != "" {
		t, perr := time.Parse(time.RFC3339Nano, dispatchedAt.String)
		if perr == nil {
			rec.DispatchedAt = &t
		}
	}

	return &rec, nil
}

func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
