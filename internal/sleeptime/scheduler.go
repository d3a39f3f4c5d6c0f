// Package sleeptime schedules background runs for agents on cron
// expressions. Each trigger creates one background run through the
// dispatcher; an agent with a run still in flight is skipped until the
// next tick, so slow runs never pile up.
package sleeptime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/strand/internal/bus"
	"github.com/haasonsaas/strand/internal/config"
	"github.com/haasonsaas/strand/internal/dispatch"
	"github.com/haasonsaas/strand/internal/observability"
	"github.com/haasonsaas/strand/pkg/models"
)

// cronParser accepts standard five-field expressions, optional seconds,
// and @-descriptors like @hourly and @every 20m.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// triggerTimeout bounds one trigger: the eligibility check plus run
// creation. The run itself is detached and keeps its own lifecycle.
const triggerTimeout = 30 * time.Second

// activeRunScanLimit is how many recent runs are inspected for the
// overlap check. Runs are listed newest first, so anything still in
// flight appears within this window.
const activeRunScanLimit = 20

// Actor recorded on runs the scheduler creates.
const Actor = "sleeptime"

// RunStarter is the dispatcher surface the scheduler drives.
type RunStarter interface {
	CreateAgentStream(ctx context.Context, agentID, actor string, req *models.StreamRequest, runType string) (*models.Run, <-chan bus.Frame, error)
}

// RunLister is the run-manager surface used for the overlap check.
type RunLister interface {
	ListByAgent(ctx context.Context, agentID string, limit int) ([]*models.Run, error)
}

// ScheduleStatus describes one schedule and its next firing.
type ScheduleStatus struct {
	AgentID string    `json:"agent_id"`
	Cron    string    `json:"cron"`
	Next    time.Time `json:"next"`
}

// Scheduler owns the cron runner and the trigger logic.
type Scheduler struct {
	starter RunStarter
	lister  RunLister
	logger  *observability.Logger
	metrics *observability.Metrics

	cron    *cron.Cron
	entries map[cron.EntryID]config.SleeptimeSchedule

	mu      sync.Mutex
	running bool
}

// NewScheduler parses and registers every schedule. A single invalid
// expression fails construction: a misconfigured scheduler should not
// come up half-armed.
func NewScheduler(cfg config.SleeptimeConfig, starter RunStarter, lister RunLister, logger *observability.Logger, metrics *observability.Metrics) (*Scheduler, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	s := &Scheduler{
		starter: starter,
		lister:  lister,
		logger:  logger,
		metrics: metrics,
		cron:    cron.New(cron.WithParser(cronParser), cron.WithLocation(time.UTC)),
		entries: make(map[cron.EntryID]config.SleeptimeSchedule),
	}

	for i, sched := range cfg.Schedules {
		if sched.AgentID == "" {
			return nil, fmt.Errorf("sleeptime schedule %d: agent_id is required", i)
		}
		if sched.Prompt == "" {
			return nil, fmt.Errorf("sleeptime schedule %d: prompt is required", i)
		}
		if _, err := cronParser.Parse(sched.Cron); err != nil {
			return nil, fmt.Errorf("sleeptime schedule %d (%s): parse %q: %w", i, sched.AgentID, sched.Cron, err)
		}
		id, err := s.cron.AddFunc(sched.Cron, func() {
			s.trigger(sched.AgentID, sched.Prompt)
		})
		if err != nil {
			return nil, fmt.Errorf("sleeptime schedule %d (%s): %w", i, sched.AgentID, err)
		}
		s.entries[id] = sched
	}
	return s, nil
}

// Start begins firing schedules. Starting twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info(context.Background(), "sleeptime scheduler started", "schedules", len(s.entries))
}

// Stop halts scheduling and waits for in-flight triggers. Detached runs
// created by earlier triggers are not waited for.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info(ctx, "sleeptime scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether the scheduler is firing.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Schedules returns every registered schedule with its next firing time.
// Before Start the next time is zero.
func (s *Scheduler) Schedules() []ScheduleStatus {
	var out []ScheduleStatus
	for _, entry := range s.cron.Entries() {
		sched, ok := s.entries[entry.ID]
		if !ok {
			continue
		}
		out = append(out, ScheduleStatus{
			AgentID: sched.AgentID,
			Cron:    sched.Cron,
			Next:    entry.Next,
		})
	}
	return out
}

// trigger creates one background run for the agent unless one is already
// in flight.
func (s *Scheduler) trigger(agentID, prompt string) {
	ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
	defer cancel()

	active, err := s.hasActiveRun(ctx, agentID)
	if err != nil {
		s.logger.Error(ctx, "sleeptime overlap check failed", "agent_id", agentID, "error", err)
		return
	}
	if active {
		s.logger.Debug(ctx, "sleeptime trigger skipped, run in flight", "agent_id", agentID)
		return
	}

	req := &models.StreamRequest{
		Messages: []models.MessageCreate{{
			Role:    models.RoleUser,
			Content: []models.ContentPart{models.TextPart(prompt)},
		}},
		Background: true,
	}
	run, frames, err := s.starter.CreateAgentStream(ctx, agentID, Actor, req, dispatch.RunTypeSleeptime)
	if err != nil {
		s.logger.Error(ctx, "sleeptime run failed to start", "agent_id", agentID, "error", err)
		return
	}
	// The replay channel is unused here; cancelling ctx releases it. The
	// detached producer keeps running.
	_ = frames
	s.logger.Info(ctx, "sleeptime run started", "agent_id", agentID, "run_id", run.ID)
}

// hasActiveRun reports whether the agent has a non-terminal run among its
// most recent ones.
func (s *Scheduler) hasActiveRun(ctx context.Context, agentID string) (bool, error) {
	recent, err := s.lister.ListByAgent(ctx, agentID, activeRunScanLimit)
	if err != nil {
		return false, err
	}
	for _, r := range recent {
		if !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}
