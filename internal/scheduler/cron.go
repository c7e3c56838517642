package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Stepper runs one scheduled evolution step.
type Stepper interface {
	ScheduledStep(ctx context.Context) error
}

// JobFunc is the work run when a cron job is due.
type JobFunc func(ctx context.Context) error

// CronScheduler runs named jobs on cron expressions. A job that is still
// running when it comes due again is skipped for that tick.
type CronScheduler struct {
	logger *zap.Logger

	cronParser   cron.Parser
	jobs         map[string]*scheduledTask
	mu           sync.RWMutex
	pollInterval time.Duration
	now          func() time.Time

	ticker *time.Ticker
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// scheduledTask tracks one cron job.
type scheduledTask struct {
	Name     string
	Expr     string
	NextRun  time.Time
	CronSpec cron.Schedule
	Run      JobFunc
	running  bool
}

// NewCronScheduler creates a scheduler that checks for due jobs every
// pollInterval (30s when zero).
func NewCronScheduler(pollInterval time.Duration, logger *zap.Logger) *CronScheduler {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &CronScheduler{
		logger:       logger,
		cronParser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		jobs:         make(map[string]*scheduledTask),
		pollInterval: pollInterval,
		now:          time.Now,
		ctx:          context.Background(),
	}
}

// AddJob registers fn under name. An existing job with the same name is
// replaced.
func (s *CronScheduler) AddJob(name, expr string, fn JobFunc) error {
	spec, err := s.cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("failed to parse cron expression %q: %w", expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextRun := spec.Next(s.now())
	s.jobs[name] = &scheduledTask{
		Name:     name,
		Expr:     expr,
		NextRun:  nextRun,
		CronSpec: spec,
		Run:      fn,
	}

	s.logger.Info("Scheduled job registered",
		zap.String("job", name),
		zap.String("cron_expression", expr),
		zap.Time("next_run", nextRun),
	)
	return nil
}

// AddStepJob schedules evolution steps on stepper.
func (s *CronScheduler) AddStepJob(expr string, stepper Stepper) error {
	return s.AddJob("evolution_step", expr, stepper.ScheduledStep)
}

// NextRun returns the next run time of a job.
func (s *CronScheduler) NextRun(name string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.jobs[name]
	if !ok {
		return time.Time{}, false
	}
	return task.NextRun, true
}

// Start starts the scheduler loop.
func (s *CronScheduler) Start() error {
	s.logger.Info("Starting cron scheduler",
		zap.Duration("poll_interval", s.pollInterval),
	)

	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.ticker = time.NewTicker(s.pollInterval)
	s.wg.Add(1)
	go s.schedulerLoop()

	s.mu.RLock()
	count := len(s.jobs)
	s.mu.RUnlock()

	s.logger.Info("Cron scheduler started", zap.Int("jobs", count))
	return nil
}

// Stop cancels running jobs' context and waits for them to return.
func (s *CronScheduler) Stop() error {
	s.logger.Info("Stopping cron scheduler")

	if s.cancel != nil {
		s.cancel()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}

	s.wg.Wait()

	s.logger.Info("Cron scheduler stopped")
	return nil
}

// schedulerLoop runs the scheduler loop.
func (s *CronScheduler) schedulerLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ticker.C:
			s.checkSchedules()
		}
	}
}

// checkSchedules starts every due job that is not already running and
// advances its next run time.
func (s *CronScheduler) checkSchedules() {
	s.mu.Lock()
	now := s.now()

	var due []*scheduledTask
	for _, task := range s.jobs {
		if task.NextRun.After(now) {
			continue
		}
		task.NextRun = task.CronSpec.Next(now)
		if task.running {
			s.logger.Warn("Skipping scheduled job, previous run still active",
				zap.String("job", task.Name),
				zap.Time("next_run", task.NextRun),
			)
			continue
		}
		task.running = true
		due = append(due, task)
	}
	s.mu.Unlock()

	for _, task := range due {
		s.logger.Info("Executing scheduled job", zap.String("job", task.Name))

		s.wg.Add(1)
		go func(t *scheduledTask) {
			defer s.wg.Done()
			s.executeJob(t)
		}(task)
	}
}

// executeJob runs one job and clears its running flag.
func (s *CronScheduler) executeJob(task *scheduledTask) {
	start := time.Now()
	err := task.Run(s.ctx)

	s.mu.Lock()
	task.running = false
	nextRun := task.NextRun
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Scheduled job failed",
			zap.String("job", task.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}

	s.logger.Info("Scheduled job completed",
		zap.String("job", task.Name),
		zap.Duration("duration", time.Since(start)),
		zap.Time("next_run", nextRun),
	)
}
