// Package scheduler runs the recurring background jobs on gocron and
// keeps a small registry so the API can list and trigger them.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// TaskFunc is a runnable background job.
type TaskFunc func(ctx context.Context) error

// TaskConfig describes one recurring job.
type TaskConfig struct {
	ID          string
	Name        string
	Description string
	Cron        string // standard cron expression or an interval like "@every 5m"
	Func        TaskFunc
	RunOnStart  bool
}

// TaskInfo is the API-facing view of a registered job.
type TaskInfo struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Cron        string     `json:"cron"`
	LastRun     *time.Time `json:"lastRun,omitempty"`
	NextRun     *time.Time `json:"nextRun,omitempty"`
	Running     bool       `json:"running"`
}

type entry struct {
	config  TaskConfig
	job     gocron.Job
	lastRun *time.Time
	running bool
}

// Scheduler owns the registered jobs and their run state.
type Scheduler struct {
	cron   gocron.Scheduler
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a stopped scheduler; call Start after registering tasks.
func New(logger zerolog.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:    cron,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]*entry),
	}, nil
}

// RegisterTask adds a job to the schedule. IDs must be unique.
func (s *Scheduler) RegisterTask(config TaskConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[config.ID]; exists {
		return fmt.Errorf("task %q already registered", config.ID)
	}

	job, err := s.cron.NewJob(
		gocron.CronJob(config.Cron, false),
		gocron.NewTask(func() { s.run(config.ID) }),
		gocron.WithName(config.Name),
		gocron.WithTags(config.ID),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule task %q: %w", config.ID, err)
	}

	s.entries[config.ID] = &entry{
		config: config,
		job:    job,
	}

	s.logger.Info().
		Str("id", config.ID).
		Str("cron", config.Cron).
		Bool("runOnStart", config.RunOnStart).
		Msg("registered task")

	return nil
}

// run executes a job and records its run state around the call.
func (s *Scheduler) run(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	e.running = true
	s.mu.Unlock()

	started := time.Now()
	s.logger.Info().Str("id", id).Msg("task starting")

	err := e.config.Func(context.Background())

	s.mu.Lock()
	e.running = false
	e.lastRun = &started
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).
			Str("id", id).
			Dur("duration", time.Since(started)).
			Msg("task failed")
		return
	}
	s.logger.Info().
		Str("id", id).
		Dur("duration", time.Since(started)).
		Msg("task completed")
}

// Start begins the schedule and kicks off any RunOnStart jobs.
func (s *Scheduler) Start() error {
	s.logger.Info().Msg("starting scheduler")
	s.cron.Start()

	s.mu.RLock()
	var startup []string
	for id, e := range s.entries {
		if e.config.RunOnStart {
			startup = append(startup, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range startup {
		go s.run(id)
	}

	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	s.logger.Info().Msg("stopping scheduler")
	return s.cron.Shutdown()
}

// RunNow triggers a job immediately, outside its schedule.
func (s *Scheduler) RunNow(id string) error {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if e.running {
		return fmt.Errorf("task %q is already running", id)
	}

	go s.run(id)
	return nil
}

// ListTasks reports every registered job with its run state.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]TaskInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := TaskInfo{
			ID:          e.config.ID,
			Name:        e.config.Name,
			Description: e.config.Description,
			Cron:        e.config.Cron,
			LastRun:     e.lastRun,
			Running:     e.running,
		}
		if next, err := e.job.NextRun(); err == nil {
			info.NextRun = &next
		}
		infos = append(infos, info)
	}

	return infos
}
