package chain

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/legator/internal/controlplane/migration"
)

var (
	ErrNonSequentialOrders   = errors.New("non_sequential_orders")
	ErrChainExists           = errors.New("chain_exists")
	ErrTemplateNotFound      = errors.New("template_not_found")
	ErrTemplateInUse         = errors.New("in_use")
	ErrDefaultTemplateLocked = errors.New("default template is immutable")
)

// Store is a SQLite-backed durable store for chain templates and step
// instances. It shares no process-level lock with the approval store, but
// both may point at the same database file so a deployment can colocate
// them in one transactional SQLite file.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens a SQLite-backed chain store at dbPath, seeding the
// immutable default template if it does not already exist.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open chain db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chain_templates (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT,
			created_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chain_template_steps (
			template_id   TEXT NOT NULL,
			step_order    INTEGER NOT NULL,
			required_role TEXT NOT NULL,
			label         TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS chain_steps (
			id            TEXT PRIMARY KEY,
			approval_id   TEXT NOT NULL,
			template_id   TEXT NOT NULL,
			step_order    INTEGER NOT NULL,
			required_role TEXT NOT NULL,
			label         TEXT,
			status        TEXT NOT NULL,
			decider_id    TEXT,
			decider_note  TEXT,
			decided_at    TEXT,
			created_at    TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_chain_steps_approval ON chain_steps(approval_id)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_chain_template_steps_template ON chain_template_steps(template_id)`)

	if err := migration.EnsureVersion(db, 1); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema version: %w", err)
	}

	s := &Store{db: db}
	if err := s.seedDefaultTemplate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) seedDefaultTemplate() error {
	existing, err := s.GetTemplate(DefaultTemplateID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	_, err = s.createTemplate(CreateTemplateInput{
		ID:          DefaultTemplateID,
		Name:        "Default approval",
		Description: "Single-step direct approval",
		Steps: []TemplateStep{
			{Order: 0, RequiredRole: "approver", Label: "Approve"},
		},
	})
	return err
}

// CreateTemplate validates and persists a new chain template.
func (s *Store) CreateTemplate(in CreateTemplateInput) (*Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createTemplate(in)
}

func (s *Store) createTemplate(in CreateTemplateInput) (*Template, error) {
	if err := validateContiguousOrders(in.Steps); err != nil {
		return nil, err
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}

	steps := make([]TemplateStep, len(in.Steps))
	copy(steps, in.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO chain_templates (id, name, description, created_at) VALUES (?, ?, ?, ?)`,
		id, in.Name, in.Description, now.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}
	for _, st := range steps {
		if _, err := tx.Exec(`INSERT INTO chain_template_steps (template_id, step_order, required_role, label)
			VALUES (?, ?, ?, ?)`, id, st.Order, st.RequiredRole, st.Label); err != nil {
			return nil, fmt.Errorf("insert template step: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Template{ID: id, Name: in.Name, Description: in.Description, Steps: steps, CreatedAt: now}, nil
}

func validateContiguousOrders(steps []TemplateStep) error {
	if len(steps) == 0 {
		return ErrNonSequentialOrders
	}
	seen := map[int]struct{}{}
	maxOrder := -1
	for _, st := range steps {
		seen[st.Order] = struct{}{}
		if st.Order > maxOrder {
			maxOrder = st.Order
		}
	}
	for i := 0; i <= maxOrder; i++ {
		if _, ok := seen[i]; !ok {
			return ErrNonSequentialOrders
		}
	}
	return nil
}

// GetTemplate loads one template with its steps, or nil if not found.
func (s *Store) GetTemplate(id string) (*Template, error) {
	var tmpl Template
	var desc sql.NullString
	var createdAt string
	err := s.db.QueryRow(`SELECT id, name, description, created_at FROM chain_templates WHERE id = ?`, id).
		Scan(&tmpl.ID, &tmpl.Name, &desc, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	tmpl.Description = desc.String
	tmpl.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)

	rows, err := s.db.Query(`SELECT step_order, required_role, label FROM chain_template_steps
		WHERE template_id = ? ORDER BY step_order ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var st TemplateStep
		var label sql.NullString
		if err := rows.Scan(&st.Order, &st.RequiredRole, &label); err != nil {
			continue
		}
		st.Label = label.String
		tmpl.Steps = append(tmpl.Steps, st)
	}
	return &tmpl, rows.Err()
}

// ListTemplates returns every template, ordered by created_at ascending.
func (s *Store) ListTemplates() ([]*Template, error) {
	rows, err := s.db.Query(`SELECT id FROM chain_templates ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*Template
	for _, id := range ids {
		tmpl, err := s.GetTemplate(id)
		if err != nil {
			return nil, err
		}
		if tmpl != nil {
			out = append(out, tmpl)
		}
	}
	return out, nil
}

// UpdateTemplate replaces a template's name/description/steps. Rejects the
// default template.
func (s *Store) UpdateTemplate(id string, in CreateTemplateInput) (*Template, error) {
	if id == DefaultTemplateID {
		return nil, ErrDefaultTemplateLocked
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetTemplate(id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrTemplateNotFound
	}
	if err := validateContiguousOrders(in.Steps); err != nil {
		return nil, err
	}

	steps := make([]TemplateStep, len(in.Steps))
	copy(steps, in.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE chain_templates SET name = ?, description = ? WHERE id = ?`,
		in.Name, in.Description, id); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`DELETE FROM chain_template_steps WHERE template_id = ?`, id); err != nil {
		return nil, err
	}
	for _, st := range steps {
		if _, err := tx.Exec(`INSERT INTO chain_template_steps (template_id, step_order, required_role, label)
			VALUES (?, ?, ?, ?)`, id, st.Order, st.RequiredRole, st.Label); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetTemplate(id)
}

// DeleteTemplate removes a template. Rejects the default template and any
// template still referenced by a non-terminal chain.
func (s *Store) DeleteTemplate(id string) error {
	if id == DefaultTemplateID {
		return ErrDefaultTemplateLocked
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetTemplate(id)
	if err != nil {
		return err
	}
	if existing == nil {
		return ErrTemplateNotFound
	}

	inUse, err := s.templateInUse(id)
	if err != nil {
		return err
	}
	if inUse {
		return ErrTemplateInUse
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM chain_template_steps WHERE template_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chain_templates WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) templateInUse(templateID string) (bool, error) {
	terminal := []StepStatus{StepApproved, StepRejected, StepSkipped}
	query := `SELECT COUNT(DISTINCT approval_id) FROM chain_steps WHERE template_id = ? AND status NOT IN (?, ?, ?)`
	var n int
	err := s.db.QueryRow(query, templateID, string(terminal[0]), string(terminal[1]), string(terminal[2])).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateChainForApproval materializes one step per template step for the
// given approval, activating order-group 0.
func (s *Store) CreateChainForApproval(approvalID, templateID string) ([]Step, error) {
	if templateID == "" {
		templateID = DefaultTemplateID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getStepsForApprovalLocked(approvalID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrChainExists
	}

	tmpl, err := s.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, ErrTemplateNotFound
	}

	minOrder := -1
	for _, st := range tmpl.Steps {
		if minOrder == -1 || st.Order < minOrder {
			minOrder = st.Order
		}
	}

	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var created []Step
	for _, st := range tmpl.Steps {
		status := StepPending
		if st.Order == minOrder {
			status = StepActive
		}
		step := Step{
			ID:           uuid.NewString(),
			ApprovalID:   approvalID,
			TemplateID:   templateID,
			StepOrder:    st.Order,
			RequiredRole: st.RequiredRole,
			Label:        st.Label,
			Status:       status,
			CreatedAt:    now,
		}
		if _, err := tx.Exec(`INSERT INTO chain_steps
			(id, approval_id, template_id, step_order, required_role, label, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, step.ApprovalID, step.TemplateID, step.StepOrder, step.RequiredRole, step.Label,
			string(step.Status), now.Format(time.RFC3339Nano)); err != nil {
			return nil, fmt.Errorf("insert chain step: %w", err)
		}
		created = append(created, step)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return created, nil
}

// GetStepsForApproval returns every step for an approval, ordered ascending.
func (s *Store) GetStepsForApproval(approvalID string) ([]Step, error) {
	return s.getStepsForApprovalLocked(approvalID)
}

func (s *Store) getStepsForApprovalLocked(approvalID string) ([]Step, error) {
	rows, err := s.db.Query(`SELECT id, approval_id, template_id, step_order, required_role, label, status,
		decider_id, decider_note, decided_at, created_at
		FROM chain_steps WHERE approval_id = ? ORDER BY step_order ASC, id ASC`, approvalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			continue
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// GetActiveStep returns the first active step for an approval, or nil.
func (s *Store) GetActiveStep(approvalID string) (*Step, error) {
	steps, err := s.GetActiveSteps(approvalID)
	if err != nil || len(steps) == 0 {
		return nil, err
	}
	return &steps[0], nil
}

// GetActiveSteps returns every active step for an approval.
func (s *Store) GetActiveSteps(approvalID string) ([]Step, error) {
	steps, err := s.getStepsForApprovalLocked(approvalID)
	if err != nil {
		return nil, err
	}
	var out []Step
	for _, st := range steps {
		if st.Status == StepActive {
			out = append(out, st)
		}
	}
	return out, nil
}

// GetStep loads a single step instance by id.
func (s *Store) GetStep(stepID string) (*Step, error) {
	row := s.db.QueryRow(`SELECT id, approval_id, template_id, step_order, required_role, label, status,
		decider_id, decider_note, decided_at, created_at FROM chain_steps WHERE id = ?`, stepID)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// GetChainProgress summarizes the chain attached to an approval.
func (s *Store) GetChainProgress(approvalID string) (*Progress, error) {
	steps, err := s.getStepsForApprovalLocked(approvalID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, nil
	}

	progress := &Progress{TotalSteps: len(steps), TemplateID: steps[0].TemplateID, Steps: steps}
	tmpl, err := s.GetTemplate(steps[0].TemplateID)
	if err == nil && tmpl != nil {
		progress.TemplateName = tmpl.Name
	}

	allApproved := true
	for i := range steps {
		st := steps[i]
		switch st.Status {
		case StepApproved, StepSkipped, StepRejected:
			progress.CompletedSteps++
		}
		if st.Status == StepRejected {
			progress.Rejected = true
		}
		if st.Status == StepActive {
			progress.CurrentSteps = append(progress.CurrentSteps, st)
			if progress.CurrentStep == nil {
				cp := st
				progress.CurrentStep = &cp
			}
		}
		if st.Status != StepApproved {
			allApproved = false
		}
	}
	progress.AllApproved = allApproved && !progress.Rejected
	return progress, nil
}

// CountActiveSteps returns the global count of active chain steps.
func (s *Store) CountActiveSteps() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chain_steps WHERE status = ?`, string(StepActive)).Scan(&n)
	return n, err
}

// DecideStep applies a decide/reject decision to a currently-active step,
// advancing the chain's order-group as needed. The row-level conditional
// update on status = 'active' guarantees at most one decider wins per step.
func (s *Store) DecideStep(in DecideStepInput) (*DecideStepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE chain_steps SET status = ?, decider_id = ?, decider_note = ?, decided_at = ?
		WHERE id = ? AND status = ?`,
		string(in.Status), in.DeciderID, in.Note, now.Format(time.RFC3339Nano), in.StepID, string(StepActive))
	if err != nil {
		return nil, fmt.Errorf("decide step: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, nil
	}

	decided, err := s.GetStep(in.StepID)
	if err != nil || decided == nil {
		return nil, err
	}

	result := &DecideStepResult{Step: *decided}

	steps, err := s.getStepsForApprovalLocked(decided.ApprovalID)
	if err != nil {
		return nil, err
	}

	if in.Status == StepRejected {
		result.Rejected = true
		tx, err := s.db.Begin()
		if err != nil {
			return nil, err
		}
		defer tx.Rollback()
		for _, st := range steps {
			if st.ID == decided.ID {
				continue
			}
			if st.Status == StepActive || st.Status == StepPending {
				if _, err := tx.Exec(`UPDATE chain_steps SET status = ? WHERE id = ?`, string(StepSkipped), st.ID); err != nil {
					return nil, err
				}
			}
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return result, nil
	}

	siblingsTerminal := true
	for _, st := range steps {
		if st.StepOrder == decided.StepOrder && st.Status == StepActive {
			siblingsTerminal = false
			break
		}
	}
	if !siblingsTerminal {
		return result, nil
	}

	nextOrder := -1
	for _, st := range steps {
		if st.StepOrder > decided.StepOrder && st.Status == StepPending {
			if nextOrder == -1 || st.StepOrder < nextOrder {
				nextOrder = st.StepOrder
			}
		}
	}
	if nextOrder == -1 {
		result.AllApproved = true
		return result, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, st := range steps {
		if st.StepOrder == nextOrder && st.Status == StepPending {
			if _, err := tx.Exec(`UPDATE chain_steps SET status = ? WHERE id = ?`, string(StepActive), st.ID); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	result.Advanced = true
	return result, nil
}

func scanStep(row rowScanner) (Step, error) {
	var (
		st                              Step
		status                          string
		deciderID, deciderNote, decided sql.NullString
		createdAt                       string
	)
	err := row.Scan(&st.ID, &st.ApprovalID, &st.TemplateID, &st.StepOrder, &st.RequiredRole, &st.Label,
		&status, &deciderID, &deciderNote, &decided, &createdAt)
	if err != nil {
		return Step{}, err
	}
	st.Status = StepStatus(status)
	st.DeciderID = deciderID.String
	st.DeciderNote = deciderNote.String
	st.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if decided.Valid && decided.String != "" {
		t, perr := time.Parse(time.RFC3339Nano, decided.String)
		if perr == nil {
			st.DecidedAt = &t
		}
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
