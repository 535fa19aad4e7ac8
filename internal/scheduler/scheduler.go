// Package scheduler runs background maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrUnknownJob is returned by RunNow for a name that was never registered.
var ErrUnknownJob = errors.New("scheduler: unknown job")

// Parser accepts six-field expressions with a leading seconds field, and
// descriptors such as "@every 5m".
var Parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// JobHandler runs one job and returns a short result summary.
type JobHandler interface {
	Execute(ctx context.Context) (string, error)
}

// JobFunc adapts a function to JobHandler.
type JobFunc func(ctx context.Context) (string, error)

// Execute calls f.
func (f JobFunc) Execute(ctx context.Context) (string, error) {
	return f(ctx)
}

// JobStatus describes a registered job.
type JobStatus struct {
	Name       string    `json:"name"`
	Schedule   string    `json:"schedule"`
	Next       time.Time `json:"next_run,omitempty"`
	Prev       time.Time `json:"last_run,omitempty"`
	Runs       int       `json:"runs"`
	LastResult string    `json:"last_result,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Running    bool      `json:"running"`
}

type job struct {
	name     string
	schedule string
	handler  JobHandler
	entry    cron.EntryID

	mu         sync.Mutex
	running    bool
	runs       int
	lastResult string
	lastError  string
}

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.RWMutex
	ctx     context.Context
	jobs    map[string]*job
	started bool
}

// New creates a scheduler. Overlapping runs of the same job are skipped.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
		jobs:   make(map[string]*job),
	}
}

// ValidateCron reports whether expr is a valid schedule.
func ValidateCron(expr string) error {
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Register adds a job under name. An empty schedule registers the job for
// RunNow only.
func (s *Scheduler) Register(name, schedule string, handler JobHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	j := &job{name: name, schedule: schedule, handler: handler}
	if schedule != "" {
		id, err := s.cron.AddFunc(schedule, func() { s.execute(j) })
		if err != nil {
			return fmt.Errorf("scheduling %s: %w", name, err)
		}
		j.entry = id
	}
	s.jobs[name] = j
	return nil
}

// Start begins running scheduled jobs. Jobs see ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.ctx = ctx
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts scheduling and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// RunNow executes the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	j, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j)
}

// Jobs returns the status of every registered job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		st := JobStatus{Name: j.name, Schedule: j.schedule}
		if j.entry != 0 {
			e := s.cron.Entry(j.entry)
			st.Next, st.Prev = e.Next, e.Prev
		}
		j.mu.Lock()
		st.Runs, st.LastResult, st.LastError, st.Running = j.runs, j.lastResult, j.lastError, j.running
		j.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func (s *Scheduler) execute(j *job) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	_, _ = s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) (string, error) {
	j.mu.Lock()
	j.running = true
	j.mu.Unlock()

	start := time.Now()
	result, err := j.handler.Execute(ctx)
	elapsed := time.Since(start)

	j.mu.Lock()
	j.running = false
	j.runs++
	j.lastResult = result
	j.lastError = ""
	if err != nil {
		j.lastError = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed",
			slog.String("job", j.name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		return result, err
	}
	s.logger.Info("job completed",
		slog.String("job", j.name),
		slog.Duration("elapsed", elapsed),
		slog.String("result", result))
	return result, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
