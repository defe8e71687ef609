package workflow

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
	"github.com/HyphaGroup/portcullis/internal/store"
)

// Sweeper periodically expires approval gates that were never answered,
// so stale gates cannot hold a workflow open forever
type Sweeper struct {
	store *store.Store
	ttl   time.Duration
	expr  string
	cron  *cron.Cron
}

// NewSweeper creates a gate expiry sweeper from workflow configuration
func NewSweeper(st *store.Store, cfg config.WorkflowConfig) *Sweeper {
	return &Sweeper{
		store: st,
		ttl:   cfg.GateTTL(),
		expr:  cfg.GateSweepCron,
		cron:  cron.New(),
	}
}

// Start schedules the sweep on its cron expression
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.expr, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep expires PENDING gates older than the TTL
func (s *Sweeper) Sweep() {
	cutoff := time.Now().UTC().Add(-s.ttl)
	n, err := s.store.ExpirePendingGates(cutoff)
	if err != nil {
		logger.Error("gate sweep failed: %v", err)
		return
	}
	if n > 0 {
		logger.Info("expired %d stale approval gates", n)
		metrics.GatesExpired.Add(float64(n))
	}
}
