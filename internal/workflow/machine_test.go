package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/notify"
	"github.com/HyphaGroup/portcullis/internal/store"
)

type fakeRunner struct {
	commands []string
	failOn   map[string]error
}

func (f *fakeRunner) RunPhase(_ context.Context, _ *store.Project, _ *store.Phase, command string, _ []string) (string, error) {
	f.commands = append(f.commands, command)
	if err := f.failOn[command]; err != nil {
		return "", err
	}
	return command + " done", nil
}

func newTestMachine(t *testing.T) (*Machine, *fakeRunner, *store.Store, *store.Project) {
	t.Helper()
	st, err := store.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	p := &store.Project{Name: "auth-service", RepoURL: "https://github.com/example/auth-service"}
	require.NoError(t, st.CreateProject(p))

	runner := &fakeRunner{failOn: map[string]error{}}
	m := NewMachine(st, runner, notify.NewNotifier(""))
	return m, runner, st, p
}

func approvePending(t *testing.T, m *Machine, st *store.Store, projectID string) *Result {
	t.Helper()
	pending, err := st.PendingGates(projectID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	res, err := m.HandleApproval(context.Background(), pending[0].ID, true, "approved")
	require.NoError(t, err)
	return res
}

func TestAdvance_FullWorkflow(t *testing.T) {
	m, runner, st, p := newTestMachine(t)
	ctx := context.Background()

	// Phase 1 is review-only: it blocks on the vision document gate
	res, err := m.Advance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.AwaitingApproval)
	require.NotNil(t, res.Gate)
	assert.Equal(t, store.GateVisionDoc, res.Gate.GateType)
	assert.Equal(t, store.PhaseBlocked, res.Phase.Status)

	got, err := st.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectVisionReview, got.Status)

	// Approval completes the review and runs prime
	res = approvePending(t, m, st, p.ID)
	assert.False(t, res.AwaitingApproval)
	assert.Equal(t, []string{"prime"}, runner.commands)

	// Phase 3 plans the feature and raises the plan gate
	res, err = m.Advance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.AwaitingApproval)
	assert.Equal(t, store.GatePhaseStart, res.Gate.GateType)
	assert.Equal(t, []string{"prime", "plan-feature-github"}, runner.commands)

	// Approving the plan runs the implementation
	res = approvePending(t, m, st, p.ID)
	assert.Equal(t, "execute-github", runner.commands[len(runner.commands)-1])

	got, err = st.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectInProgress, got.Status)

	// Phase 5 validates and raises the completion gate
	res, err = m.Advance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.AwaitingApproval)
	assert.Equal(t, store.GatePhaseComplete, res.Gate.GateType)

	// Final approval completes the workflow
	res = approvePending(t, m, st, p.ID)
	assert.True(t, res.Completed)

	got, err = st.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectCompleted, got.Status)
}

func TestAdvance_PendingGateLeavesStateUnchanged(t *testing.T) {
	m, _, st, p := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Advance(ctx, p.ID)
	require.NoError(t, err)

	phasesBefore, err := st.ListPhases(p.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := m.Advance(ctx, p.ID)
		require.NoError(t, err)
		assert.True(t, res.AwaitingApproval)
	}

	phasesAfter, err := st.ListPhases(p.ID)
	require.NoError(t, err)
	assert.Equal(t, len(phasesBefore), len(phasesAfter))

	pending, err := st.PendingGates(p.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestHandleApproval_RejectionHalts(t *testing.T) {
	m, runner, st, p := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Advance(ctx, p.ID)
	require.NoError(t, err)

	pending, err := st.PendingGates(p.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	res, err := m.HandleApproval(ctx, pending[0].ID, false, "vision needs work")
	require.NoError(t, err)
	assert.True(t, res.Halted)
	assert.Empty(t, runner.commands)

	// Subsequent advances stay halted without mutation
	res, err = m.Advance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.Halted)

	phases, err := st.ListPhases(p.ID)
	require.NoError(t, err)
	assert.Len(t, phases, 1)
	assert.Equal(t, store.PhaseBlocked, phases[0].Status)
}

func TestHandleApproval_ResolvedGateRefused(t *testing.T) {
	m, _, st, p := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Advance(ctx, p.ID)
	require.NoError(t, err)
	approvePending(t, m, st, p.ID)

	gates, err := st.PendingGates(p.ID)
	require.NoError(t, err)
	assert.Empty(t, gates)

	latest, err := st.LatestPhase(p.ID)
	require.NoError(t, err)
	gate, err := st.GateForPhase(latest.ID)
	// Prime has no gate; look up the resolved vision gate instead
	require.NoError(t, err)
	if gate == nil {
		phases, perr := st.ListPhases(p.ID)
		require.NoError(t, perr)
		gate, err = st.GateForPhase(phases[0].ID)
		require.NoError(t, err)
	}
	require.NotNil(t, gate)

	_, err = m.HandleApproval(ctx, gate.ID, true, "")
	assert.ErrorIs(t, err, store.ErrGateResolved)
}

func TestAdvance_FailedPhaseHaltsUntilRetry(t *testing.T) {
	m, runner, st, p := newTestMachine(t)
	ctx := context.Background()
	runner.failOn["prime"] = assert.AnError

	_, err := m.Advance(ctx, p.ID)
	require.NoError(t, err)
	res := approvePending(t, m, st, p.ID)
	assert.True(t, res.Halted)
	assert.Equal(t, store.PhaseFailed, res.Phase.Status)

	// Advance refuses to move past the failure
	res, err = m.Advance(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, res.Halted)

	// An explicit retry re-runs the same phase
	delete(runner.failOn, "prime")
	res, err = m.Retry(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseCompleted, res.Phase.Status)
	assert.Equal(t, []string{"prime", "prime"}, runner.commands)

	phases, err := st.ListPhases(p.ID)
	require.NoError(t, err)
	assert.Len(t, phases, 2)
}

func TestRetry_RequiresFailedPhase(t *testing.T) {
	m, _, _, p := newTestMachine(t)
	_, err := m.Retry(context.Background(), p.ID)
	assert.ErrorIs(t, err, ErrProjectNotReady)
}

func TestPauseResume(t *testing.T) {
	m, _, st, p := newTestMachine(t)
	ctx := context.Background()

	_, err := m.Advance(ctx, p.ID)
	require.NoError(t, err)

	_, err = m.Pause(p.ID)
	require.NoError(t, err)

	got, err := st.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectPaused, got.Status)

	_, err = m.Advance(ctx, p.ID)
	assert.ErrorIs(t, err, ErrProjectPaused)

	_, err = m.Resume(p.ID)
	require.NoError(t, err)

	got, err = st.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectVisionReview, got.Status)
}

func TestGetState(t *testing.T) {
	m, _, _, p := newTestMachine(t)
	ctx := context.Background()

	state, err := m.GetState(p.ID)
	require.NoError(t, err)
	assert.False(t, state.AwaitingApproval)
	assert.Nil(t, state.CurrentPhase)

	_, err = m.Advance(ctx, p.ID)
	require.NoError(t, err)

	state, err = m.GetState(p.ID)
	require.NoError(t, err)
	assert.True(t, state.AwaitingApproval)
	require.NotNil(t, state.CurrentPhase)
	assert.Equal(t, 1, state.CurrentPhase.PhaseNumber)
}

func TestSweep_ExpiresStaleGates(t *testing.T) {
	_, _, st, p := newTestMachine(t)

	g := &store.Gate{ProjectID: p.ID, GateType: store.GatePhaseStart, Question: "Start?"}
	require.NoError(t, st.CreateGate(g))

	s := NewSweeper(st, config.WorkflowConfig{GateTTLHours: 0, GateSweepCron: "* * * * *"})
	// TTL of zero expires anything created before now
	time.Sleep(2 * time.Millisecond)
	s.Sweep()

	got, err := st.GetGate(g.ID)
	require.NoError(t, err)
	assert.Equal(t, store.GateExpired, got.Status)
}
