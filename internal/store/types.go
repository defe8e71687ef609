package store

import (
	"time"

	"github.com/HyphaGroup/portcullis/internal/activity"
)

// ProjectStatus is the project lifecycle status
type ProjectStatus string

const (
	ProjectBrainstorming ProjectStatus = "BRAINSTORMING"
	ProjectVisionReview  ProjectStatus = "VISION_REVIEW"
	ProjectPlanning      ProjectStatus = "PLANNING"
	ProjectInProgress    ProjectStatus = "IN_PROGRESS"
	ProjectPaused        ProjectStatus = "PAUSED"
	ProjectCompleted     ProjectStatus = "COMPLETED"
)

// PhaseStatus is the workflow phase status
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "PENDING"
	PhaseInProgress PhaseStatus = "IN_PROGRESS"
	PhaseCompleted  PhaseStatus = "COMPLETED"
	PhaseFailed     PhaseStatus = "FAILED"
	PhaseBlocked    PhaseStatus = "BLOCKED"
)

// GateType categorizes an approval gate
type GateType string

const (
	GateVisionDoc     GateType = "VISION_DOC"
	GatePhaseStart    GateType = "PHASE_START"
	GatePhaseComplete GateType = "PHASE_COMPLETE"
)

// GateStatus is the approval gate status
type GateStatus string

const (
	GatePending  GateStatus = "PENDING"
	GateApproved GateStatus = "APPROVED"
	GateRejected GateStatus = "REJECTED"
	GateExpired  GateStatus = "EXPIRED"
)

// ExecutionStatus is the executor command execution status
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "QUEUED"
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Verbosity tiers for feed rows. A subscriber at tier V receives all rows
// with verbosity <= V.
const (
	VerbosityExecution = 1 // execution status changes
	VerbosityPhase     = 2 // + phase transitions
	VerbosityActivity  = 3 // + individual parsed activities
)

// Project is the orchestrated development project
type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	RepoURL     string        `json:"repo_url,omitempty"`
	Status      ProjectStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Phase is one workflow phase of a project
type Phase struct {
	ID           string      `json:"id"`
	ProjectID    string      `json:"project_id"`
	PhaseNumber  int         `json:"phase_number"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Status       PhaseStatus `json:"status"`
	CommandType  string      `json:"command_type,omitempty"`
	BranchName   string      `json:"branch_name,omitempty"`
	PullURL      string      `json:"pull_url,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Gate is a persisted human checkpoint blocking workflow progression
type Gate struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	PhaseID     string     `json:"phase_id,omitempty"`
	GateType    GateType   `json:"gate_type"`
	Question    string     `json:"question"`
	Context     string     `json:"context,omitempty"`
	Status      GateStatus `json:"status"`
	Response    string     `json:"response,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Execution is one executor command run
type Execution struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	PhaseID     string          `json:"phase_id,omitempty"`
	CommandType string          `json:"command_type"`
	CommandArgs string          `json:"command_args,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Activity is one append-only feed row. Seq is assigned by the database and
// provides the cursor tie-break when timestamps collide.
type Activity struct {
	Seq         int64         `json:"seq"`
	ID          string        `json:"id"`
	ExecutionID string        `json:"execution_id,omitempty"`
	ProjectID   string        `json:"project_id"`
	Type        activity.Type `json:"type"`
	Source      string        `json:"source"`
	Description string        `json:"message"`
	Details     string        `json:"details,omitempty"` // JSON-encoded details union
	Output      string        `json:"output,omitempty"`
	Verbosity   int           `json:"verbosity"`
	Timestamp   time.Time     `json:"timestamp"`
}

// DecodedDetails returns the typed details union for a feed row
func (a *Activity) DecodedDetails() (activity.Details, error) {
	return activity.DecodeDetails(a.Type, []byte(a.Details))
}

// Cursor identifies the last row a subscriber has seen. Rows strictly after
// (Timestamp, Seq) in lexicographic order are unseen.
type Cursor struct {
	Timestamp time.Time
	Seq       int64
}
