package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/kbchat/internal/common"
)

// defaultJobTimeout bounds a single job run
const defaultJobTimeout = 30 * time.Minute

// JobFunc is the body of a scheduled job
type JobFunc func(ctx context.Context) error

// JobStatus is a snapshot of a registered job
type JobStatus struct {
	Name        string     `json:"name"`
	Schedule    string     `json:"schedule"`
	Description string     `json:"description"`
	Running     bool       `json:"running"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Runs        int        `json:"runs"`
}

// jobEntry represents a registered job with metadata
type jobEntry struct {
	name        string
	schedule    string
	description string
	handler     JobFunc
	cronID      cron.EntryID
	lastRun     *time.Time
	isRunning   bool
	lastError   string
	runs        int
}

// Scheduler runs maintenance jobs on cron schedules with a seconds field.
// A job never overlaps with itself: a trigger that arrives while the job is
// running is skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  arbor.ILogger
	timeout time.Duration

	jobMu   sync.Mutex // protects jobs and running
	jobs    map[string]*jobEntry
	running bool
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		logger:  logger,
		timeout: defaultJobTimeout,
		jobs:    make(map[string]*jobEntry),
	}
}

// RegisterJob adds a job under a unique name
func (s *Scheduler) RegisterJob(name, schedule, description string, handler JobFunc) error {
	if err := common.ValidateSchedule(schedule); err != nil {
		return fmt.Errorf("invalid schedule for job %s: %w", name, err)
	}

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
	}

	cronID, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.Trigger(context.Background(), name); err != nil {
			s.logger.Warn().Err(err).Str("job_name", name).Msg("Scheduled job could not run")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add job %s to cron: %w", name, err)
	}

	entry.cronID = cronID
	s.jobs[name] = entry

	s.logger.Info().
		Str("job_name", name).
		Str("schedule", schedule).
		Msg("Job registered")

	return nil
}

// Start begins running registered jobs on their schedules
func (s *Scheduler) Start() error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true

	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Maintenance scheduler started")
	return nil
}

// Stop halts scheduling and waits for running jobs to finish or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.jobMu.Lock()
	if !s.running {
		s.jobMu.Unlock()
		return nil
	}
	s.running = false
	s.jobMu.Unlock()

	// Done once every running job has returned
	stopped := s.cron.Stop()

	select {
	case <-stopped.Done():
		s.logger.Info().Msg("Maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Trigger runs the named job now and waits for it. It reports false without
// error when the job was already running.
func (s *Scheduler) Trigger(ctx context.Context, name string) (bool, error) {
	s.jobMu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.jobMu.Unlock()
		return false, fmt.Errorf("job %s not found", name)
	}
	if entry.isRunning {
		s.jobMu.Unlock()
		s.logger.Debug().Str("job_name", name).Msg("Job already running, skipping trigger")
		return false, nil
	}
	entry.isRunning = true
	handler := entry.handler
	s.jobMu.Unlock()

	started := time.Now()
	err := s.execute(ctx, name, handler)

	s.jobMu.Lock()
	entry.isRunning = false
	entry.lastRun = &started
	entry.runs++
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
	}
	s.jobMu.Unlock()

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("job_name", name).
			Dur("duration", time.Since(started)).
			Msg("Job failed")
		return true, err
	}

	s.logger.Debug().
		Str("job_name", name).
		Dur("duration", time.Since(started)).
		Msg("Job completed")
	return true, nil
}

// execute runs handler with the job timeout, converting a panic to an error
func (s *Scheduler) execute(ctx context.Context, name string, handler JobFunc) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_name", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Recovered from panic in job execution")
			err = fmt.Errorf("job %s panicked: %v", name, r)
		}
	}()

	return handler(ctx)
}

// Jobs returns the status of every registered job ordered by name
func (s *Scheduler) Jobs() []JobStatus {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	result := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		status := JobStatus{
			Name:        entry.name,
			Schedule:    entry.schedule,
			Description: entry.description,
			Running:     entry.isRunning,
			LastRun:     entry.lastRun,
			LastError:   entry.lastError,
			Runs:        entry.runs,
		}
		if s.running {
			if next := s.cron.Entry(entry.cronID).Next; !next.IsZero() {
				status.NextRun = &next
			}
		}
		result = append(result, status)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
