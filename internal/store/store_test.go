package store

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/portcullis/internal/activity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestProject(t *testing.T, s *Store) *Project {
	t.Helper()
	p := &Project{Name: "auth-service", Description: "OAuth2 login flow", RepoURL: "https://github.com/example/auth-service"}
	require.NoError(t, s.CreateProject(p))
	return p
}

func TestProjectLifecycle(t *testing.T) {
	s := newTestStore(t)

	p := createTestProject(t, s)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, ProjectBrainstorming, p.Status)

	got, err := s.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, p.RepoURL, got.RepoURL)

	require.NoError(t, s.UpdateProjectStatus(p.ID, ProjectInProgress))
	got, err = s.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProjectInProgress, got.Status)

	list, err := s.ListProjects()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetProject_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetProject("proj_missing")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestPhaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	ph := &Phase{ProjectID: p.ID, PhaseNumber: 1, Name: "Vision Doc Review", CommandType: "workflow-vision-doc"}
	require.NoError(t, s.CreatePhase(ph))
	assert.Equal(t, PhasePending, ph.Status)

	require.NoError(t, s.StartPhase(ph.ID))
	got, err := s.GetPhase(ph.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseInProgress, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.CompletePhase(ph.ID))
	got, err = s.GetPhase(ph.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestFailPhase_RecordsError(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	ph := &Phase{ProjectID: p.ID, PhaseNumber: 4, Name: "Execute"}
	require.NoError(t, s.CreatePhase(ph))
	require.NoError(t, s.StartPhase(ph.ID))
	require.NoError(t, s.FailPhase(ph.ID, "executor unreachable"))

	got, err := s.GetPhase(ph.ID)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, got.Status)
	assert.Equal(t, "executor unreachable", got.ErrorMessage)
}

func TestLatestPhase(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	latest, err := s.LatestPhase(p.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.CreatePhase(&Phase{ProjectID: p.ID, PhaseNumber: i, Name: "Phase"}))
	}
	latest, err = s.LatestPhase(p.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 3, latest.PhaseNumber)
}

func TestResolveGate(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	g := &Gate{ProjectID: p.ID, GateType: GateVisionDoc, Question: "Approve the vision document?"}
	require.NoError(t, s.CreateGate(g))
	assert.Equal(t, GatePending, g.Status)

	resolved, err := s.ResolveGate(g.ID, GateApproved, "looks good")
	require.NoError(t, err)
	assert.Equal(t, GateApproved, resolved.Status)
	assert.Equal(t, "looks good", resolved.Response)
	require.NotNil(t, resolved.RespondedAt)

	// Second resolution must be rejected
	_, err = s.ResolveGate(g.ID, GateRejected, "changed my mind")
	assert.ErrorIs(t, err, ErrGateResolved)
}

func TestPendingGates(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	g1 := &Gate{ProjectID: p.ID, GateType: GatePhaseStart, Question: "Start phase 1?"}
	g2 := &Gate{ProjectID: p.ID, GateType: GatePhaseComplete, Question: "Phase 1 done?"}
	require.NoError(t, s.CreateGate(g1))
	require.NoError(t, s.CreateGate(g2))

	_, err := s.ResolveGate(g1.ID, GateApproved, "")
	require.NoError(t, err)

	pending, err := s.PendingGates(p.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, g2.ID, pending[0].ID)
}

func TestExpirePendingGates(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	g := &Gate{ProjectID: p.ID, GateType: GatePhaseStart, Question: "Start?"}
	require.NoError(t, s.CreateGate(g))

	// Cutoff before creation expires nothing
	n, err := s.ExpirePendingGates(g.CreatedAt.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.ExpirePendingGates(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.GetGate(g.ID)
	require.NoError(t, err)
	assert.Equal(t, GateExpired, got.Status)
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	e := &Execution{ProjectID: p.ID, CommandType: "prime", CommandArgs: ""}
	require.NoError(t, s.CreateExecution(e))
	assert.Equal(t, ExecutionQueued, e.Status)

	require.NoError(t, s.MarkRunning(e.ID))
	require.NoError(t, s.CompleteExecution(e.ID, "Context loaded"))

	got, err := s.GetExecution(e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, got.Status)
	assert.Equal(t, "Context loaded", got.Output)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestFailExecution(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	e := &Execution{ProjectID: p.ID, CommandType: "execute-phase"}
	require.NoError(t, s.CreateExecution(e))
	require.NoError(t, s.MarkRunning(e.ID))
	require.NoError(t, s.FailExecution(e.ID, "timed out waiting for executor"))

	got, err := s.GetExecution(e.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, got.Status)
	assert.Equal(t, "timed out waiting for executor", got.Error)
}

func TestListExecutions_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	for _, cmd := range []string{"prime", "plan-feature", "execute-phase"} {
		require.NoError(t, s.CreateExecution(&Execution{ProjectID: p.ID, CommandType: cmd}))
		time.Sleep(2 * time.Millisecond)
	}

	execs, err := s.ListExecutions(p.ID, 2)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "execute-phase", execs[0].CommandType)
	assert.Equal(t, "plan-feature", execs[1].CommandType)
}

func TestAppendActivities_VisibleAfterReturn(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	p := createTestProject(t, s)

	now := time.Now().UTC()
	events := []activity.Event{
		{Type: activity.TypeFileRead, Description: "Read auth.py", Details: activity.FileReadDetails{Path: "auth.py"}, Timestamp: now},
		{Type: activity.TypeBash, Description: "Ran ls", Details: activity.BashDetails{Command: "ls"}, Timestamp: now.Add(time.Microsecond)},
	}
	require.NoError(t, s.AppendActivities(p.ID, "exec_1", events))

	// A second connection over the same file sees the committed rows
	s2, err := NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })

	acts, err := s2.ActivitiesAfter(p.ID, Cursor{}, VerbosityActivity)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, activity.TypeFileRead, acts[0].Type)
	assert.Equal(t, activity.TypeBash, acts[1].Type)

	details, err := acts[1].DecodedDetails()
	require.NoError(t, err)
	assert.Equal(t, activity.BashDetails{Command: "ls"}, details)
}

func TestAppendActivities_MonotonicTimestamps(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	ts := time.Now().UTC()
	// Two batches carrying the same timestamp; the store must bump the
	// second batch past the first
	batch := []activity.Event{
		{Type: activity.TypeGeneric, Description: "first", Timestamp: ts},
		{Type: activity.TypeGeneric, Description: "second", Timestamp: ts},
	}
	require.NoError(t, s.AppendActivities(p.ID, "exec_1", batch))
	require.NoError(t, s.AppendActivities(p.ID, "exec_1", batch))

	acts, err := s.ActivitiesAfter(p.ID, Cursor{}, VerbosityActivity)
	require.NoError(t, err)
	require.Len(t, acts, 4)
	for i := 1; i < len(acts); i++ {
		assert.True(t, acts[i].Timestamp.After(acts[i-1].Timestamp),
			"activity %d timestamp %v not after %v", i, acts[i].Timestamp, acts[i-1].Timestamp)
	}
}

func TestNewStore_AppliesPragmas(t *testing.T) {
	s := newTestStore(t)

	var mode string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var busy int
	require.NoError(t, s.db.QueryRow("PRAGMA busy_timeout").Scan(&busy))
	assert.Equal(t, 5000, busy)
}

func TestAppendActivities_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	p1 := createTestProject(t, s)
	p2 := &Project{Name: "billing-service"}
	require.NoError(t, s.CreateProject(p2))

	// Two projects' executions append in parallel while a reader polls,
	// the way live subscribers do. Every write must queue and land; none
	// may fail busy.
	const batches = 40
	errs := make(chan error, 2*batches+1)
	stop := make(chan struct{})

	var wg sync.WaitGroup
	write := func(projectID, execID string) {
		defer wg.Done()
		for i := 0; i < batches; i++ {
			events := []activity.Event{
				{Type: activity.TypeGeneric, Description: "row", Timestamp: time.Now().UTC()},
			}
			if err := s.AppendActivities(projectID, execID, events); err != nil {
				errs <- err
				return
			}
		}
	}
	wg.Add(2)
	go write(p1.ID, "exec_a")
	go write(p2.ID, "exec_b")

	var rg sync.WaitGroup
	rg.Add(1)
	go func() {
		defer rg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := s.ActivitiesAfter(p1.ID, Cursor{}, VerbosityActivity); err != nil {
				errs <- err
				return
			}
		}
	}()

	wg.Wait()
	close(stop)
	rg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent access: %v", err)
	}

	for _, p := range []*Project{p1, p2} {
		acts, err := s.ActivitiesAfter(p.ID, Cursor{}, VerbosityActivity)
		require.NoError(t, err)
		require.Len(t, acts, batches)
		for i := 1; i < len(acts); i++ {
			assert.True(t, acts[i].Timestamp.After(acts[i-1].Timestamp),
				"activity %d timestamp %v not after %v", i, acts[i].Timestamp, acts[i-1].Timestamp)
		}
	}
}

func TestActivitiesAfter_CursorExcludesSeen(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	events := make([]activity.Event, 5)
	now := time.Now().UTC()
	for i := range events {
		events[i] = activity.Event{Type: activity.TypeGeneric, Description: "row", Timestamp: now.Add(time.Duration(i) * time.Microsecond)}
	}
	require.NoError(t, s.AppendActivities(p.ID, "exec_1", events))

	all, err := s.ActivitiesAfter(p.ID, Cursor{}, VerbosityActivity)
	require.NoError(t, err)
	require.Len(t, all, 5)

	cursor := Cursor{Timestamp: all[2].Timestamp, Seq: all[2].Seq}
	rest, err := s.ActivitiesAfter(p.ID, cursor, VerbosityActivity)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, all[3].ID, rest[0].ID)
	assert.Equal(t, all[4].ID, rest[1].ID)
}

func TestVerbosityFiltering(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	require.NoError(t, s.RecordExecutionStatus(p.ID, "exec_1", "prime", ExecutionRunning))
	require.NoError(t, s.RecordPhaseTransition(p.ID, "Prime", PhaseInProgress))
	require.NoError(t, s.AppendActivities(p.ID, "exec_1", []activity.Event{
		{Type: activity.TypeBash, Description: "Ran ls", Timestamp: time.Now().UTC()},
	}))

	tier1, err := s.ActivitiesAfter(p.ID, Cursor{}, VerbosityExecution)
	require.NoError(t, err)
	assert.Len(t, tier1, 1)

	tier2, err := s.ActivitiesAfter(p.ID, Cursor{}, VerbosityPhase)
	require.NoError(t, err)
	assert.Len(t, tier2, 2)

	tier3, err := s.ActivitiesAfter(p.ID, Cursor{}, VerbosityActivity)
	require.NoError(t, err)
	assert.Len(t, tier3, 3)
}

func TestRecentActivities_ChronologicalWindow(t *testing.T) {
	s := newTestStore(t)
	p := createTestProject(t, s)

	events := make([]activity.Event, 10)
	now := time.Now().UTC()
	for i := range events {
		events[i] = activity.Event{Type: activity.TypeGeneric, Description: "row", Timestamp: now.Add(time.Duration(i) * time.Microsecond)}
	}
	require.NoError(t, s.AppendActivities(p.ID, "exec_1", events))

	recent, err := s.RecentActivities(p.ID, 3, VerbosityActivity)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.True(t, recent[0].Timestamp.Before(recent[1].Timestamp))
	assert.True(t, recent[1].Timestamp.Before(recent[2].Timestamp))
}
