// Package workflow drives project lifecycle phases and approval gates.
//
// A project moves BRAINSTORMING -> VISION_REVIEW -> PLANNING -> IN_PROGRESS
// and ends PAUSED or COMPLETED. Each phase either runs an executor command
// or waits on a human approval gate. Gates created after a command phase
// block the next advance until resolved.
package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/notify"
	"github.com/HyphaGroup/portcullis/internal/store"
)

var (
	ErrProjectPaused   = errors.New("project is paused")
	ErrProjectNotReady = errors.New("project is not ready to advance")
)

// PhaseConfig describes one standard workflow phase
type PhaseConfig struct {
	Number      int
	Name        string
	Description string
	Command     string         // executor command, empty for review-only phases
	GateAfter   store.GateType // gate raised once the phase's work is done, empty for none
}

// Phases is the standard five-phase workflow
var Phases = []PhaseConfig{
	{
		Number:      1,
		Name:        "Vision Document Review",
		Description: "Review and approve the generated vision document",
		GateAfter:   store.GateVisionDoc,
	},
	{
		Number:      2,
		Name:        "Prime Context",
		Description: "Load complete project context into the executor",
		Command:     "prime",
	},
	{
		Number:      3,
		Name:        "Plan Feature",
		Description: "Create detailed implementation plan",
		Command:     "plan-feature-github",
		GateAfter:   store.GatePhaseStart,
	},
	{
		Number:      4,
		Name:        "Execute Implementation",
		Description: "Implement the planned feature",
		Command:     "execute-github",
	},
	{
		Number:      5,
		Name:        "Validate & Test",
		Description: "Run tests and validate implementation",
		Command:     "validate",
		GateAfter:   store.GatePhaseComplete,
	},
}

func phaseConfig(number int) *PhaseConfig {
	for i := range Phases {
		if Phases[i].Number == number {
			return &Phases[i]
		}
	}
	return nil
}

// statusForPhase maps a phase number to the project status while that
// phase is current
func statusForPhase(number int) store.ProjectStatus {
	switch {
	case number <= 1:
		return store.ProjectVisionReview
	case number <= 3:
		return store.ProjectPlanning
	default:
		return store.ProjectInProgress
	}
}

// Result reports the outcome of an advance attempt
type Result struct {
	Message          string       `json:"message"`
	Phase            *store.Phase `json:"phase,omitempty"`
	Gate             *store.Gate  `json:"gate,omitempty"`
	AwaitingApproval bool         `json:"awaiting_approval"`
	Halted           bool         `json:"halted"`
	Completed        bool         `json:"completed"`
}

// Runner executes one phase command against the executor and writes its
// progress through the store
type Runner interface {
	RunPhase(ctx context.Context, project *store.Project, phase *store.Phase, command string, args []string) (string, error)
}

// Machine sequences phases and gates for all projects. Mutations go through
// the store, so concurrent advance calls for different projects are
// independent.
type Machine struct {
	store    *store.Store
	runner   Runner
	notifier notify.Notifier
}

// NewMachine creates a workflow machine
func NewMachine(st *store.Store, runner Runner, notifier notify.Notifier) *Machine {
	return &Machine{store: st, runner: runner, notifier: notifier}
}

// Advance moves the project one step forward. A PENDING gate blocks with no
// mutation and no error; a REJECTED or EXPIRED gate halts; a FAILED phase
// halts until Retry. When the last phase's gate is approved the project
// becomes COMPLETED.
func (m *Machine) Advance(ctx context.Context, projectID string) (*Result, error) {
	project, err := m.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	switch project.Status {
	case store.ProjectPaused:
		return nil, ErrProjectPaused
	case store.ProjectCompleted:
		return &Result{Message: "workflow already completed", Completed: true}, nil
	}

	latest, err := m.store.LatestPhase(projectID)
	if err != nil {
		return nil, err
	}

	if latest != nil {
		switch latest.Status {
		case store.PhasePending, store.PhaseInProgress:
			return &Result{Message: fmt.Sprintf("phase %q is still running", latest.Name), Phase: latest}, nil

		case store.PhaseFailed:
			return &Result{
				Message: fmt.Sprintf("phase %q failed: %s; resolve and retry", latest.Name, latest.ErrorMessage),
				Phase:   latest,
				Halted:  true,
			}, nil

		case store.PhaseBlocked:
			res, done, err := m.checkGate(latest)
			if err != nil || done {
				return res, err
			}
			// Gate approved: the review phase's work is finished
			if err := m.store.CompletePhase(latest.ID); err != nil {
				return nil, err
			}
			if err := m.store.RecordPhaseTransition(projectID, latest.Name, store.PhaseCompleted); err != nil {
				logger.ErrorContext(ctx, "failed to record phase transition", "error", err)
			}

		case store.PhaseCompleted:
			res, done, err := m.checkGate(latest)
			if err != nil || done {
				return res, err
			}
		}
	}

	next := 1
	if latest != nil {
		next = latest.PhaseNumber + 1
	}
	cfg := phaseConfig(next)
	if cfg == nil {
		if err := m.store.UpdateProjectStatus(projectID, store.ProjectCompleted); err != nil {
			return nil, err
		}
		return &Result{Message: "workflow completed", Completed: true}, nil
	}

	return m.startPhase(ctx, project, cfg)
}

// checkGate inspects the gate attached to a phase. done reports that the
// advance attempt must stop here with the returned result.
func (m *Machine) checkGate(phase *store.Phase) (*Result, bool, error) {
	gate, err := m.store.GateForPhase(phase.ID)
	if err != nil {
		return nil, true, err
	}
	if gate == nil {
		return nil, false, nil
	}
	switch gate.Status {
	case store.GatePending:
		return &Result{
			Message:          fmt.Sprintf("awaiting approval: %s", gate.Question),
			Phase:            phase,
			Gate:             gate,
			AwaitingApproval: true,
		}, true, nil
	case store.GateRejected:
		return &Result{
			Message: fmt.Sprintf("approval rejected: %s", gate.Response),
			Phase:   phase,
			Gate:    gate,
			Halted:  true,
		}, true, nil
	case store.GateExpired:
		return &Result{
			Message: "approval gate expired; raise a new gate or reset the workflow",
			Phase:   phase,
			Gate:    gate,
			Halted:  true,
		}, true, nil
	}
	return nil, false, nil
}

func (m *Machine) startPhase(ctx context.Context, project *store.Project, cfg *PhaseConfig) (*Result, error) {
	phase := &store.Phase{
		ProjectID:   project.ID,
		PhaseNumber: cfg.Number,
		Name:        cfg.Name,
		Description: cfg.Description,
		CommandType: cfg.Command,
	}
	if err := m.store.CreatePhase(phase); err != nil {
		return nil, err
	}
	if err := m.store.UpdateProjectStatus(project.ID, statusForPhase(cfg.Number)); err != nil {
		return nil, err
	}

	// Review-only phase: raise the gate and wait
	if cfg.Command == "" {
		gate, err := m.raiseGate(project.ID, phase, cfg)
		if err != nil {
			return nil, err
		}
		if err := m.store.SetPhaseStatus(phase.ID, store.PhaseBlocked); err != nil {
			return nil, err
		}
		phase.Status = store.PhaseBlocked
		if err := m.store.RecordPhaseTransition(project.ID, phase.Name, store.PhaseBlocked); err != nil {
			logger.ErrorContext(ctx, "failed to record phase transition", "error", err)
		}
		return &Result{
			Message:          fmt.Sprintf("awaiting approval: %s", gate.Question),
			Phase:            phase,
			Gate:             gate,
			AwaitingApproval: true,
		}, nil
	}

	return m.runPhase(ctx, project, phase, cfg)
}

func (m *Machine) runPhase(ctx context.Context, project *store.Project, phase *store.Phase, cfg *PhaseConfig) (*Result, error) {
	if err := m.store.StartPhase(phase.ID); err != nil {
		return nil, err
	}
	phase.Status = store.PhaseInProgress
	if err := m.store.RecordPhaseTransition(project.ID, phase.Name, store.PhaseInProgress); err != nil {
		logger.ErrorContext(ctx, "failed to record phase transition", "error", err)
	}

	var args []string
	if cfg.Command == "plan-feature-github" {
		args = []string{project.Name}
	}

	output, err := m.runner.RunPhase(ctx, project, phase, cfg.Command, args)
	if err != nil {
		// The failure is durable before any caller sees it
		if ferr := m.store.FailPhase(phase.ID, err.Error()); ferr != nil {
			return nil, ferr
		}
		if rerr := m.store.RecordPhaseTransition(project.ID, phase.Name, store.PhaseFailed); rerr != nil {
			logger.ErrorContext(ctx, "failed to record phase transition", "error", rerr)
		}
		phase.Status = store.PhaseFailed
		phase.ErrorMessage = err.Error()
		return &Result{
			Message: fmt.Sprintf("phase %q failed: %s", phase.Name, err),
			Phase:   phase,
			Halted:  true,
		}, nil
	}

	if err := m.store.CompletePhase(phase.ID); err != nil {
		return nil, err
	}
	phase.Status = store.PhaseCompleted
	if err := m.store.RecordPhaseTransition(project.ID, phase.Name, store.PhaseCompleted); err != nil {
		logger.ErrorContext(ctx, "failed to record phase transition", "error", err)
	}
	m.notifier.PhaseCompleted(ctx, notify.PhaseEvent{
		ProjectID:   project.ID,
		ProjectName: project.Name,
		PhaseNumber: phase.PhaseNumber,
		PhaseName:   phase.Name,
		BranchName:  phase.BranchName,
		PullURL:     phase.PullURL,
	})

	res := &Result{
		Message: fmt.Sprintf("completed phase %q\n%s", phase.Name, output),
		Phase:   phase,
	}
	if cfg.GateAfter != "" {
		gate, err := m.raiseGate(project.ID, phase, cfg)
		if err != nil {
			return nil, err
		}
		res.Gate = gate
		res.AwaitingApproval = true
	}
	return res, nil
}

func (m *Machine) raiseGate(projectID string, phase *store.Phase, cfg *PhaseConfig) (*store.Gate, error) {
	gate := &store.Gate{
		ProjectID: projectID,
		PhaseID:   phase.ID,
		GateType:  cfg.GateAfter,
		Question:  fmt.Sprintf("Approve: %s", cfg.Name),
		Context:   cfg.Description,
	}
	if err := m.store.CreateGate(gate); err != nil {
		return nil, err
	}
	return gate, nil
}

// HandleApproval resolves a gate and, when approved, immediately advances
// the workflow. Rejection halts the workflow; no state beyond the gate is
// touched.
func (m *Machine) HandleApproval(ctx context.Context, gateID string, approved bool, notes string) (*Result, error) {
	status := store.GateRejected
	if approved {
		status = store.GateApproved
	}
	if notes == "" && !approved {
		notes = "rejected"
	}
	gate, err := m.store.ResolveGate(gateID, status, notes)
	if err != nil {
		return nil, err
	}

	if !approved {
		return &Result{
			Message: "approval rejected; workflow halted pending revision",
			Gate:    gate,
			Halted:  true,
		}, nil
	}
	return m.Advance(ctx, gate.ProjectID)
}

// Retry re-runs the latest phase after a failure. Only FAILED phases can be
// retried; everything else advances through Advance.
func (m *Machine) Retry(ctx context.Context, projectID string) (*Result, error) {
	project, err := m.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Status == store.ProjectPaused {
		return nil, ErrProjectPaused
	}
	latest, err := m.store.LatestPhase(projectID)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.Status != store.PhaseFailed {
		return nil, fmt.Errorf("%w: no failed phase to retry", ErrProjectNotReady)
	}
	cfg := phaseConfig(latest.PhaseNumber)
	if cfg == nil || cfg.Command == "" {
		return nil, fmt.Errorf("%w: phase %d has no command", ErrProjectNotReady, latest.PhaseNumber)
	}
	return m.runPhase(ctx, project, latest, cfg)
}

// Pause suspends a project between phases. Running executions finish their
// current advance call; further advances are refused until Resume.
func (m *Machine) Pause(projectID string) (*Result, error) {
	project, err := m.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Status == store.ProjectCompleted {
		return nil, fmt.Errorf("%w: project already completed", ErrProjectNotReady)
	}
	if err := m.store.UpdateProjectStatus(projectID, store.ProjectPaused); err != nil {
		return nil, err
	}
	return &Result{Message: "project paused"}, nil
}

// Resume restores a paused project to the status implied by its latest phase
func (m *Machine) Resume(projectID string) (*Result, error) {
	project, err := m.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != store.ProjectPaused {
		return nil, fmt.Errorf("%w: project is not paused", ErrProjectNotReady)
	}
	latest, err := m.store.LatestPhase(projectID)
	if err != nil {
		return nil, err
	}
	status := store.ProjectBrainstorming
	if latest != nil {
		status = statusForPhase(latest.PhaseNumber)
	}
	if err := m.store.UpdateProjectStatus(projectID, status); err != nil {
		return nil, err
	}
	return &Result{Message: fmt.Sprintf("project resumed in status %s", status)}, nil
}

// State summarizes where a project sits in the workflow
type State struct {
	Project          *store.Project `json:"project"`
	CurrentPhase     *store.Phase   `json:"current_phase,omitempty"`
	PendingGates     []*store.Gate  `json:"pending_gates,omitempty"`
	NextAction       string         `json:"next_action"`
	AwaitingApproval bool           `json:"awaiting_approval"`
}

// GetState reports the current workflow state without mutating anything
func (m *Machine) GetState(projectID string) (*State, error) {
	project, err := m.store.GetProject(projectID)
	if err != nil {
		return nil, err
	}
	latest, err := m.store.LatestPhase(projectID)
	if err != nil {
		return nil, err
	}
	pending, err := m.store.PendingGates(projectID)
	if err != nil {
		return nil, err
	}

	st := &State{
		Project:          project,
		CurrentPhase:     latest,
		PendingGates:     pending,
		AwaitingApproval: len(pending) > 0,
	}
	st.NextAction = nextAction(project, latest, len(pending) > 0)
	return st, nil
}

func nextAction(project *store.Project, latest *store.Phase, awaiting bool) string {
	switch {
	case project.Status == store.ProjectCompleted:
		return "project implementation complete"
	case project.Status == store.ProjectPaused:
		return "resume the project to continue"
	case awaiting:
		return "awaiting approval"
	case latest == nil:
		return "advance to start the vision document review"
	case latest.Status == store.PhaseFailed:
		return "retry the failed phase"
	case latest.Status == store.PhaseInProgress || latest.Status == store.PhasePending:
		return fmt.Sprintf("phase %q in progress", latest.Name)
	default:
		return "advance to the next phase"
	}
}
