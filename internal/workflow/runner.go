package workflow

import (
	"context"
	"strings"
	"time"

	"github.com/HyphaGroup/portcullis/internal/activity"
	"github.com/HyphaGroup/portcullis/internal/executor"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/store"
)

// ExecutorRunner runs phase commands through the executor client. Every
// message batch is parsed and persisted before the next poll, so subscribers
// observe progress while the command is still running.
type ExecutorRunner struct {
	store  *store.Store
	client *executor.Client
}

// NewExecutorRunner creates a runner over the given client
func NewExecutorRunner(st *store.Store, client *executor.Client) *ExecutorRunner {
	return &ExecutorRunner{store: st, client: client}
}

// RunPhase executes one command and returns its aggregated output. The
// execution row reaches a terminal state before RunPhase returns, and
// partial activities from a timed-out run stay visible.
func (r *ExecutorRunner) RunPhase(ctx context.Context, project *store.Project, phase *store.Phase, command string, args []string) (string, error) {
	exec := &store.Execution{
		ProjectID:   project.ID,
		PhaseID:     phase.ID,
		CommandType: command,
		CommandArgs: strings.Join(args, " "),
	}
	if err := r.store.CreateExecution(exec); err != nil {
		return "", err
	}

	conversationID := r.client.ConversationID(project.ID)

	// Prime is the first phase to touch the executor, so the workspace is
	// prepared here
	if command == "prime" && project.RepoURL != "" {
		if err := r.client.SetupWorkspace(ctx, conversationID, project.RepoURL); err != nil {
			return "", r.fail(ctx, exec, err)
		}
	}

	if err := r.store.MarkRunning(exec.ID); err != nil {
		return "", err
	}
	if err := r.store.RecordExecutionStatus(project.ID, exec.ID, command, store.ExecutionRunning); err != nil {
		logger.ErrorContext(ctx, "failed to record execution status", "error", err)
	}

	start := time.Now()
	if _, err := r.client.Open(ctx, project.ID, command, args); err != nil {
		return "", r.fail(ctx, exec, err)
	}

	final, err := r.client.StreamIncremental(ctx, conversationID, func(batch []executor.Message) error {
		for _, msg := range batch {
			events := activity.Parse(msg.Message, msg.Timestamp)
			for _, ev := range events {
				metrics.RecordActivity(string(ev.Type))
			}
			if err := r.store.AppendActivities(project.ID, exec.ID, events); err != nil {
				return err
			}
		}
		return nil
	})

	// The conversation is cleared once the execution is terminal either way
	defer r.clear(conversationID)

	if err != nil {
		metrics.RecordExecution(command, string(store.ExecutionFailed), time.Since(start).Seconds())
		return "", r.fail(ctx, exec, err)
	}

	output := aggregateOutput(final)
	if branch, pull, ok := parseBranchRefs(output); ok {
		if err := r.store.SetPhaseBranch(phase.ID, branch, pull); err != nil {
			logger.ErrorContext(ctx, "failed to record phase branch", "phase_id", phase.ID, "error", err)
		} else {
			phase.BranchName = branch
			phase.PullURL = pull
		}
	}
	if err := r.store.CompleteExecution(exec.ID, output); err != nil {
		return "", err
	}
	if err := r.store.RecordExecutionStatus(project.ID, exec.ID, command, store.ExecutionCompleted); err != nil {
		logger.ErrorContext(ctx, "failed to record execution status", "error", err)
	}
	metrics.RecordExecution(command, string(store.ExecutionCompleted), time.Since(start).Seconds())
	return output, nil
}

// fail persists the failure before surfacing it
func (r *ExecutorRunner) fail(ctx context.Context, exec *store.Execution, cause error) error {
	if err := r.store.FailExecution(exec.ID, cause.Error()); err != nil {
		logger.ErrorContext(ctx, "failed to persist execution failure", "execution_id", exec.ID, "error", err)
	}
	if err := r.store.RecordExecutionStatus(exec.ProjectID, exec.ID, exec.CommandType, store.ExecutionFailed); err != nil {
		logger.ErrorContext(ctx, "failed to record execution status", "error", err)
	}
	return cause
}

func (r *ExecutorRunner) clear(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.client.Clear(ctx, conversationID); err != nil {
		logger.Error("failed to clear conversation %s: %v", conversationID, err)
	}
}

func aggregateOutput(messages []executor.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Message)
	}
	return strings.Join(parts, "\n")
}

// parseBranchRefs extracts the working branch and pull request reference that
// plan and execute commands report in their output
func parseBranchRefs(output string) (branch, pull string, ok bool) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if rest, found := strings.CutPrefix(line, "Branch: "); found {
			branch = strings.TrimSpace(rest)
		} else if rest, found := strings.CutPrefix(line, "Pull request created: "); found {
			pull = strings.TrimSpace(rest)
		}
	}
	return branch, pull, branch != "" || pull != ""
}
