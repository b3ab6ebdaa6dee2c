package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// WorkerConfig contains worker configuration.
type WorkerConfig struct {
	// Schedule is the cron spec for processQueue runs.
	Schedule string
	// StatsSchedule is the cron spec for refreshing queue gauges.
	StatsSchedule string
	// RetrySweepSchedule is the cron spec for re-queuing failed items.
	// Empty disables the automatic sweep.
	RetrySweepSchedule string
	BatchLimit         int
	RunTimeout         time.Duration
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Schedule:      "@every 1m",
		StatsSchedule: "@every 30s",
		BatchLimit:    DefaultBatchLimit,
		RunTimeout:    5 * time.Minute,
	}
}

// QueueRunner runs the queue operations the worker schedules.
type QueueRunner interface {
	ProcessQueue(ctx context.Context, limit int) (ProcessResult, error)
	RetryFailed(ctx context.Context) (int64, error)
}

// StatsSource provides queue counts for gauges.
type StatsSource interface {
	GetQueueStats(ctx context.Context) (*QueueStats, error)
}

// Worker runs the processor on a cron schedule. A run is skipped while the
// previous run of the same job is still active.
type Worker struct {
	config WorkerConfig
	runner QueueRunner
	stats  StatsSource
	cron   *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewWorker creates a new notification worker.
func NewWorker(config WorkerConfig, runner QueueRunner, stats StatsSource) *Worker {
	if config.BatchLimit <= 0 {
		config.BatchLimit = DefaultBatchLimit
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultWorkerConfig().RunTimeout
	}

	logger := cronLogger{logger: slog.Default().With("component", "notification_worker")}
	return &Worker{
		config: config,
		runner: runner,
		stats:  stats,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Start registers the jobs and starts the scheduler.
func (w *Worker) Start(ctx context.Context) error {
	jobCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.ctx, w.cancel = jobCtx, cancel
	w.mu.Unlock()

	jobs := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"process", w.config.Schedule, w.runProcess},
		{"stats", w.config.StatsSchedule, w.runStats},
		{"retry_sweep", w.config.RetrySweepSchedule, w.runRetrySweep},
	}

	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		if _, err := w.cron.AddFunc(job.schedule, job.run); err != nil {
			cancel()
			return fmt.Errorf("schedule %s job %q: %w", job.name, job.schedule, err)
		}
	}

	w.cron.Start()

	slog.Info("starting notification worker",
		"schedule", w.config.Schedule,
		"stats_schedule", w.config.StatsSchedule,
		"retry_sweep_schedule", w.config.RetrySweepSchedule,
		"batch_limit", w.config.BatchLimit,
	)
	return nil
}

// Stop stops scheduling and waits for running jobs to finish. Stopping a
// worker that was never started is a no-op.
func (w *Worker) Stop(ctx context.Context) error {
	done := w.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		w.cancelJobs()
		return fmt.Errorf("wait for notification worker: %w", ctx.Err())
	}
	w.cancelJobs()
	slog.Info("notification worker stopped")
	return nil
}

func (w *Worker) cancelJobs() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Worker) jobContext() (context.Context, context.CancelFunc) {
	w.mu.Lock()
	parent := w.ctx
	w.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, w.config.RunTimeout)
}

func (w *Worker) runProcess() {
	ctx, cancel := w.jobContext()
	defer cancel()

	if _, err := w.runner.ProcessQueue(ctx, w.config.BatchLimit); err != nil {
		slog.Error("failed to process notification queue", "error", err)
	}
}

func (w *Worker) runStats() {
	ctx, cancel := w.jobContext()
	defer cancel()

	stats, err := w.stats.GetQueueStats(ctx)
	if err != nil {
		slog.Error("failed to get queue stats", "error", err)
		return
	}
	RecordQueueStats(stats)
}

func (w *Worker) runRetrySweep() {
	ctx, cancel := w.jobContext()
	defer cancel()

	if _, err := w.runner.RetryFailed(ctx); err != nil {
		slog.Error("failed to re-queue failed notifications", "error", err)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
