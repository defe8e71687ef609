package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/store"
)

// EventKind discriminates feed events from keepalives
type EventKind string

const (
	KindActivity  EventKind = "activity"
	KindHeartbeat EventKind = "heartbeat"
)

// Event is one message delivered to a subscriber
type Event struct {
	Kind     EventKind
	Activity *store.Activity // set when Kind == KindActivity
}

// Streamer fans the durable activity feed out to subscribers. Each
// subscriber runs its own polling loop against the store, so a slow
// consumer never holds back the others and a subscriber can attach at any
// point after rows were written.
type Streamer struct {
	store         *store.Store
	pollInterval  time.Duration
	heartbeat     time.Duration
	snapshotLimit int
}

// NewStreamer creates a streamer over the given store
func NewStreamer(st *store.Store, cfg config.StreamConfig) *Streamer {
	return &Streamer{
		store:         st,
		pollInterval:  cfg.PollInterval(),
		heartbeat:     cfg.HeartbeatInterval(),
		snapshotLimit: cfg.SnapshotLimit,
	}
}

// Subscribe opens a feed for one project at the given verbosity tier. The
// returned channel first replays a snapshot of recent rows, then delivers
// new rows in (timestamp, seq) order without gaps or duplicates, with
// heartbeats during quiet periods. The channel closes when ctx is
// cancelled, within one poll interval.
func (s *Streamer) Subscribe(ctx context.Context, projectID string, verbosity int) (<-chan Event, error) {
	if verbosity < store.VerbosityExecution || verbosity > store.VerbosityActivity {
		return nil, fmt.Errorf("verbosity must be between %d and %d, got %d",
			store.VerbosityExecution, store.VerbosityActivity, verbosity)
	}
	if _, err := s.store.GetProject(projectID); err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go s.run(ctx, projectID, verbosity, ch)
	return ch, nil
}

func (s *Streamer) run(ctx context.Context, projectID string, verbosity int, ch chan<- Event) {
	defer close(ch)

	metrics.RecordSubscriberConnect(projectID)
	defer metrics.RecordSubscriberDisconnect(projectID)

	var cursor store.Cursor
	lastSent := time.Now()

	// Snapshot of recent history. The cursor advances past every replayed
	// row so the polling loop never re-emits it.
	snapshot, err := s.store.RecentActivities(projectID, s.snapshotLimit, verbosity)
	if err != nil {
		logger.ErrorContext(ctx, "stream snapshot failed", "project_id", projectID, "error", err)
		return
	}
	for _, a := range snapshot {
		if !send(ctx, ch, Event{Kind: KindActivity, Activity: a}) {
			return
		}
		cursor = store.Cursor{Timestamp: a.Timestamp, Seq: a.Seq}
		lastSent = time.Now()
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		rows, err := s.store.ActivitiesAfter(projectID, cursor, verbosity)
		if err != nil {
			logger.ErrorContext(ctx, "stream poll failed", "project_id", projectID, "error", err)
			continue
		}
		for _, a := range rows {
			if !send(ctx, ch, Event{Kind: KindActivity, Activity: a}) {
				return
			}
			cursor = store.Cursor{Timestamp: a.Timestamp, Seq: a.Seq}
			lastSent = time.Now()
		}

		if time.Since(lastSent) >= s.heartbeat {
			if !send(ctx, ch, Event{Kind: KindHeartbeat}) {
				return
			}
			metrics.HeartbeatsTotal.Inc()
			lastSent = time.Now()
		}
	}
}

func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
