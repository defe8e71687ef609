package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/portcullis/internal/activity"
)

var (
	ErrProjectNotFound   = errors.New("project not found")
	ErrPhaseNotFound     = errors.New("phase not found")
	ErrGateNotFound      = errors.New("gate not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrGateResolved      = errors.New("gate already resolved")
)

// Store handles project, phase, gate, execution and activity persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new store with SQLite backend
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "portcullis.db")
	// WAL plus a busy timeout so concurrent writers queue instead of failing.
	// Transactions take the write lock up front; AppendActivities reads the
	// timestamp floor before inserting, and a deferred transaction would hit
	// SQLITE_BUSY_SNAPSHOT on that lock upgrade.
	db, err := sql.Open("sqlite", dbPath+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		repo_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);

	CREATE TABLE IF NOT EXISTS workflow_phases (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		phase_number INTEGER NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		command_type TEXT NOT NULL DEFAULT '',
		branch_name TEXT NOT NULL DEFAULT '',
		pull_url TEXT NOT NULL DEFAULT '',
		started_at DATETIME,
		completed_at DATETIME,
		error_message TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_phases_project ON workflow_phases(project_id, phase_number);

	CREATE TABLE IF NOT EXISTS approval_gates (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		phase_id TEXT NOT NULL DEFAULT '',
		gate_type TEXT NOT NULL,
		question TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		response TEXT NOT NULL DEFAULT '',
		responded_at DATETIME,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_gates_project ON approval_gates(project_id, status);
	CREATE INDEX IF NOT EXISTS idx_gates_status ON approval_gates(status, created_at);

	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		phase_id TEXT NOT NULL DEFAULT '',
		command_type TEXT NOT NULL,
		command_args TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		started_at DATETIME,
		completed_at DATETIME,
		FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_executions_project ON executions(project_id, created_at);

	CREATE TABLE IF NOT EXISTS activities (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		execution_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL,
		type TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT 'executor',
		description TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		verbosity INTEGER NOT NULL DEFAULT 3,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activities_project_cursor ON activities(project_id, timestamp, seq);
	CREATE INDEX IF NOT EXISTS idx_activities_execution ON activities(execution_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is usable
func (s *Store) Ping() error {
	return s.db.Ping()
}

// CreateProject creates a new project in BRAINSTORMING status
func (s *Store) CreateProject(p *Project) error {
	if p.ID == "" {
		p.ID = "proj_" + uuid.New().String()[:8]
	}
	if p.Status == "" {
		p.Status = ProjectBrainstorming
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO projects (id, name, description, repo_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Description, p.RepoURL, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(id string) (*Project, error) {
	var p Project
	err := s.db.QueryRow(`
		SELECT id, name, description, repo_url, status, created_at, updated_at
		FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.RepoURL, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query project: %w", err)
	}
	return &p, nil
}

// ListProjects returns all projects, newest first
func (s *Store) ListProjects() ([]*Project, error) {
	rows, err := s.db.Query(`
		SELECT id, name, description, repo_url, status, created_at, updated_at
		FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.RepoURL, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// UpdateProjectStatus sets the project status
func (s *Store) UpdateProjectStatus(id string, status ProjectStatus) error {
	result, err := s.db.Exec(`
		UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update project status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrProjectNotFound
	}
	return nil
}

// CreatePhase creates a new workflow phase
func (s *Store) CreatePhase(ph *Phase) error {
	if ph.ID == "" {
		ph.ID = "phase_" + uuid.New().String()[:8]
	}
	if ph.Status == "" {
		ph.Status = PhasePending
	}

	_, err := s.db.Exec(`
		INSERT INTO workflow_phases (id, project_id, phase_number, name, description, status,
		                             command_type, branch_name, pull_url, started_at, completed_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ph.ID, ph.ProjectID, ph.PhaseNumber, ph.Name, ph.Description, ph.Status,
		ph.CommandType, ph.BranchName, ph.PullURL, ph.StartedAt, ph.CompletedAt, ph.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert phase: %w", err)
	}
	return nil
}

// GetPhase retrieves a phase by ID
func (s *Store) GetPhase(id string) (*Phase, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, phase_number, name, description, status,
		       command_type, branch_name, pull_url, started_at, completed_at, error_message
		FROM workflow_phases WHERE id = ?`, id)
	ph, err := scanPhase(row)
	if err == sql.ErrNoRows {
		return nil, ErrPhaseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query phase: %w", err)
	}
	return ph, nil
}

// LatestPhase returns the highest-numbered phase of a project, or nil
// when no phase has been created yet
func (s *Store) LatestPhase(projectID string) (*Phase, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, phase_number, name, description, status,
		       command_type, branch_name, pull_url, started_at, completed_at, error_message
		FROM workflow_phases WHERE project_id = ?
		ORDER BY phase_number DESC LIMIT 1`, projectID)
	ph, err := scanPhase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest phase: %w", err)
	}
	return ph, nil
}

// ListPhases returns all phases of a project ordered by phase number
func (s *Store) ListPhases(projectID string) ([]*Phase, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, phase_number, name, description, status,
		       command_type, branch_name, pull_url, started_at, completed_at, error_message
		FROM workflow_phases WHERE project_id = ? ORDER BY phase_number`, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query phases: %w", err)
	}
	defer rows.Close()

	var phases []*Phase
	for rows.Next() {
		ph, err := scanPhase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan phase: %w", err)
		}
		phases = append(phases, ph)
	}
	return phases, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPhase(row rowScanner) (*Phase, error) {
	var ph Phase
	var started, completed sql.NullTime
	err := row.Scan(&ph.ID, &ph.ProjectID, &ph.PhaseNumber, &ph.Name, &ph.Description, &ph.Status,
		&ph.CommandType, &ph.BranchName, &ph.PullURL, &started, &completed, &ph.ErrorMessage)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		ph.StartedAt = &started.Time
	}
	if completed.Valid {
		ph.CompletedAt = &completed.Time
	}
	return &ph, nil
}

// StartPhase marks a phase IN_PROGRESS with the current time
func (s *Store) StartPhase(id string) error {
	return s.updatePhaseStatus(id, PhaseInProgress, "started_at")
}

// CompletePhase marks a phase COMPLETED with the current time
func (s *Store) CompletePhase(id string) error {
	return s.updatePhaseStatus(id, PhaseCompleted, "completed_at")
}

func (s *Store) updatePhaseStatus(id string, status PhaseStatus, tsColumn string) error {
	result, err := s.db.Exec(
		fmt.Sprintf(`UPDATE workflow_phases SET status = ?, %s = ? WHERE id = ?`, tsColumn),
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update phase status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrPhaseNotFound
	}
	return nil
}

// SetPhaseStatus sets a phase status without touching its timestamps
func (s *Store) SetPhaseStatus(id string, status PhaseStatus) error {
	result, err := s.db.Exec(`UPDATE workflow_phases SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set phase status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrPhaseNotFound
	}
	return nil
}

// FailPhase marks a phase FAILED and records the error message. The failure
// is durable before any caller observes it.
func (s *Store) FailPhase(id string, errMsg string) error {
	result, err := s.db.Exec(`
		UPDATE workflow_phases SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
		PhaseFailed, time.Now().UTC(), errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("failed to fail phase: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrPhaseNotFound
	}
	return nil
}

// SetPhaseBranch records the working branch and pull request URL of a phase
func (s *Store) SetPhaseBranch(id, branch, pullURL string) error {
	_, err := s.db.Exec(`
		UPDATE workflow_phases SET branch_name = ?, pull_url = ? WHERE id = ?`,
		branch, pullURL, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set phase branch: %w", err)
	}
	return nil
}

// CreateGate creates a new PENDING approval gate
func (s *Store) CreateGate(g *Gate) error {
	if g.ID == "" {
		g.ID = "gate_" + uuid.New().String()[:8]
	}
	if g.Status == "" {
		g.Status = GatePending
	}
	g.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO approval_gates (id, project_id, phase_id, gate_type, question, context, status, response, responded_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.ProjectID, g.PhaseID, g.GateType, g.Question, g.Context, g.Status, g.Response, g.RespondedAt, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert gate: %w", err)
	}
	return nil
}

// GetGate retrieves a gate by ID
func (s *Store) GetGate(id string) (*Gate, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, phase_id, gate_type, question, context, status, response, responded_at, created_at
		FROM approval_gates WHERE id = ?`, id)
	g, err := scanGate(row)
	if err == sql.ErrNoRows {
		return nil, ErrGateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query gate: %w", err)
	}
	return g, nil
}

func scanGate(row rowScanner) (*Gate, error) {
	var g Gate
	var responded sql.NullTime
	err := row.Scan(&g.ID, &g.ProjectID, &g.PhaseID, &g.GateType, &g.Question, &g.Context,
		&g.Status, &g.Response, &responded, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	if responded.Valid {
		g.RespondedAt = &responded.Time
	}
	return &g, nil
}

// ResolveGate transitions a PENDING gate to APPROVED or REJECTED. Resolving
// an already resolved gate returns ErrGateResolved.
func (s *Store) ResolveGate(id string, status GateStatus, response string) (*Gate, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRow(`
		SELECT id, project_id, phase_id, gate_type, question, context, status, response, responded_at, created_at
		FROM approval_gates WHERE id = ?`, id)
	g, err := scanGate(row)
	if err == sql.ErrNoRows {
		return nil, ErrGateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query gate: %w", err)
	}
	if g.Status != GatePending {
		return nil, ErrGateResolved
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE approval_gates SET status = ?, response = ?, responded_at = ? WHERE id = ?`,
		status, response, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gate: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit gate resolution: %w", err)
	}

	g.Status = status
	g.Response = response
	g.RespondedAt = &now
	return g, nil
}

// GateForPhase returns the most recent gate attached to a phase, or nil
// when the phase has none
func (s *Store) GateForPhase(phaseID string) (*Gate, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, phase_id, gate_type, question, context, status, response, responded_at, created_at
		FROM approval_gates WHERE phase_id = ? ORDER BY created_at DESC LIMIT 1`, phaseID)
	g, err := scanGate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query phase gate: %w", err)
	}
	return g, nil
}

// PendingGates returns all PENDING gates of a project, oldest first
func (s *Store) PendingGates(projectID string) ([]*Gate, error) {
	rows, err := s.db.Query(`
		SELECT id, project_id, phase_id, gate_type, question, context, status, response, responded_at, created_at
		FROM approval_gates WHERE project_id = ? AND status = ? ORDER BY created_at`, projectID, GatePending)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending gates: %w", err)
	}
	defer rows.Close()

	var gates []*Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan gate: %w", err)
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

// ExpirePendingGates marks PENDING gates created before cutoff as EXPIRED
// and returns how many were expired
func (s *Store) ExpirePendingGates(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(`
		UPDATE approval_gates SET status = ?, responded_at = ?
		WHERE status = ? AND created_at < ?`,
		GateExpired, time.Now().UTC(), GatePending, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire gates: %w", err)
	}
	return result.RowsAffected()
}

// CreateExecution records a new QUEUED execution
func (s *Store) CreateExecution(e *Execution) error {
	if e.ID == "" {
		e.ID = "exec_" + uuid.New().String()[:8]
	}
	if e.Status == "" {
		e.Status = ExecutionQueued
	}
	e.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO executions (id, project_id, phase_id, command_type, command_args, status, output, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.PhaseID, e.CommandType, e.CommandArgs, e.Status, e.Output, e.Error,
		e.CreatedAt, e.StartedAt, e.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

// MarkRunning transitions an execution to RUNNING
func (s *Store) MarkRunning(id string) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(`
		UPDATE executions SET status = ?, started_at = ? WHERE id = ?`,
		ExecutionRunning, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// CompleteExecution transitions an execution to COMPLETED with its final output
func (s *Store) CompleteExecution(id, output string) error {
	return s.finishExecution(id, ExecutionCompleted, output, "")
}

// FailExecution transitions an execution to FAILED with the error message
func (s *Store) FailExecution(id, errMsg string) error {
	return s.finishExecution(id, ExecutionFailed, "", errMsg)
}

func (s *Store) finishExecution(id string, status ExecutionStatus, output, errMsg string) error {
	result, err := s.db.Exec(`
		UPDATE executions SET status = ?, output = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, output, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// GetExecution retrieves an execution by ID
func (s *Store) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(`
		SELECT id, project_id, phase_id, command_type, command_args, status, output, error, created_at, started_at, completed_at
		FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns the most recent executions of a project
func (s *Store) ListExecutions(projectID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, project_id, phase_id, command_type, command_args, status, output, error, created_at, started_at, completed_at
		FROM executions WHERE project_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	var started, completed sql.NullTime
	err := row.Scan(&e.ID, &e.ProjectID, &e.PhaseID, &e.CommandType, &e.CommandArgs,
		&e.Status, &e.Output, &e.Error, &e.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	if started.Valid {
		e.StartedAt = &started.Time
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	return &e, nil
}

// AppendActivities durably records parsed events against an execution. The
// transaction commits before the call returns, so a reader on another
// connection sees every appended row once the call succeeds. Timestamps
// within a project are forced strictly increasing so the (timestamp, seq)
// cursor never goes backwards.
func (s *Store) AppendActivities(projectID, executionID string, events []activity.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	floor, err := lastTimestamp(tx, projectID)
	if err != nil {
		return fmt.Errorf("failed to query last activity timestamp: %w", err)
	}
	for _, ev := range events {
		ts := ev.Timestamp.UTC()
		if !ts.After(floor) {
			ts = floor.Add(time.Microsecond)
		}
		floor = ts

		details, err := activity.EncodeDetails(ev.Details)
		if err != nil {
			return fmt.Errorf("failed to encode activity details: %w", err)
		}

		_, err = tx.Exec(`
			INSERT INTO activities (id, execution_id, project_id, type, source, description, details, output, verbosity, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			"act_"+uuid.New().String()[:8], executionID, projectID, ev.Type, "executor",
			ev.Description, string(details), ev.Output, VerbosityActivity, ts,
		)
		if err != nil {
			return fmt.Errorf("failed to insert activity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit activities: %w", err)
	}
	return nil
}

// RecordExecutionStatus appends a verbosity-1 feed row describing an
// execution status change
func (s *Store) RecordExecutionStatus(projectID, executionID, commandType string, status ExecutionStatus) error {
	msg := fmt.Sprintf("Execution %s %s", commandType, statusVerb(status))
	return s.appendSystemActivity(projectID, executionID, msg, VerbosityExecution, map[string]string{
		"command": commandType,
		"status":  string(status),
	})
}

// RecordPhaseTransition appends a verbosity-2 feed row describing a
// workflow phase transition
func (s *Store) RecordPhaseTransition(projectID, phaseName string, status PhaseStatus) error {
	msg := fmt.Sprintf("Phase %q %s", phaseName, phaseVerb(status))
	return s.appendSystemActivity(projectID, "", msg, VerbosityPhase, map[string]string{
		"phase":  phaseName,
		"status": string(status),
	})
}

func (s *Store) appendSystemActivity(projectID, executionID, msg string, verbosity int, details map[string]string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	floor, err := lastTimestamp(tx, projectID)
	if err != nil {
		return fmt.Errorf("failed to query last activity timestamp: %w", err)
	}
	ts := time.Now().UTC()
	if !ts.After(floor) {
		ts = floor.Add(time.Microsecond)
	}

	encoded, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO activities (id, execution_id, project_id, type, source, description, details, output, verbosity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"act_"+uuid.New().String()[:8], executionID, projectID, activity.TypeGeneric, "system",
		msg, string(encoded), "", verbosity, ts,
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return tx.Commit()
}

// lastTimestamp returns the newest feed timestamp of a project, or the zero
// time when the project has no rows yet
func lastTimestamp(tx *sql.Tx, projectID string) (time.Time, error) {
	var last time.Time
	err := tx.QueryRow(`
		SELECT timestamp FROM activities WHERE project_id = ?
		ORDER BY timestamp DESC, seq DESC LIMIT 1`, projectID,
	).Scan(&last)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return last, nil
}

func statusVerb(status ExecutionStatus) string {
	switch status {
	case ExecutionQueued:
		return "queued"
	case ExecutionRunning:
		return "started"
	case ExecutionCompleted:
		return "completed"
	case ExecutionFailed:
		return "failed"
	}
	return string(status)
}

func phaseVerb(status PhaseStatus) string {
	switch status {
	case PhaseInProgress:
		return "started"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	case PhaseBlocked:
		return "blocked on approval"
	}
	return string(status)
}

// RecentActivities returns the newest rows of a project at or below
// maxVerbosity, in chronological order
func (s *Store) RecentActivities(projectID string, limit, maxVerbosity int) ([]*Activity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT seq, id, execution_id, project_id, type, source, description, details, output, verbosity, timestamp
		FROM activities
		WHERE project_id = ? AND verbosity <= ?
		ORDER BY timestamp DESC, seq DESC LIMIT ?`, projectID, maxVerbosity, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent activities: %w", err)
	}
	defer rows.Close()

	acts, err := collectActivities(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order
	for i, j := 0, len(acts)-1; i < j; i, j = i+1, j-1 {
		acts[i], acts[j] = acts[j], acts[i]
	}
	return acts, nil
}

// ActivitiesAfter returns rows of a project strictly after the cursor, at or
// below maxVerbosity, in (timestamp, seq) order
func (s *Store) ActivitiesAfter(projectID string, cursor Cursor, maxVerbosity int) ([]*Activity, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, execution_id, project_id, type, source, description, details, output, verbosity, timestamp
		FROM activities
		WHERE project_id = ? AND verbosity <= ?
		  AND (timestamp > ? OR (timestamp = ? AND seq > ?))
		ORDER BY timestamp, seq`,
		projectID, maxVerbosity, cursor.Timestamp, cursor.Timestamp, cursor.Seq)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities after cursor: %w", err)
	}
	defer rows.Close()

	return collectActivities(rows)
}

func collectActivities(rows *sql.Rows) ([]*Activity, error) {
	var acts []*Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.Seq, &a.ID, &a.ExecutionID, &a.ProjectID, &a.Type, &a.Source,
			&a.Description, &a.Details, &a.Output, &a.Verbosity, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		acts = append(acts, &a)
	}
	return acts, rows.Err()
}
