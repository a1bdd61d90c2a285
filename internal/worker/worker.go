// Package worker runs background jobs queued in the jobs table.
package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/academy-billing/internal/metrics"
	"github.com/DukeRupert/academy-billing/internal/repository"
	"github.com/google/uuid"
)

// Queue is the job table as the worker sees it. *repository.Queries
// satisfies it.
type Queue interface {
	ClaimJob(ctx context.Context) (repository.Job, error)
	UpdateJobCompleted(ctx context.Context, id uuid.UUID) error
	UpdateJobFailed(ctx context.Context, arg repository.UpdateJobFailedParams) error
	RecoverStaleJobs(ctx context.Context, thresholdSeconds float64) (int64, error)
}

// Worker runs queued jobs on a fixed number of goroutines. Each goroutine
// drains the queue and then sleeps for PollInterval.
type Worker struct {
	queue    Queue
	handlers map[string]JobHandler
	config   Config
	logger   *slog.Logger

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Worker. Register handlers, then call Start.
func New(queue Queue, config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		queue:    queue,
		handlers: make(map[string]JobHandler),
		config:   config,
		logger:   logger.With("component", "worker"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Register adds a job handler. Call it before Start.
func (w *Worker) Register(handler JobHandler) {
	jobType := handler.Type()
	if _, exists := w.handlers[jobType]; exists {
		w.logger.Warn("Overwriting existing handler", "job_type", jobType)
	}
	w.handlers[jobType] = handler
	w.logger.Debug("Registered job handler", "job_type", jobType)
}

// Start requeues jobs left running by a crashed process and starts the
// worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	if err := w.recoverStaleJobs(ctx); err != nil {
		w.logger.Error("Failed to recover stale jobs", "error", err)
	}

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}

	w.logger.Info("Worker started", "concurrency", w.config.Concurrency, "handlers", len(w.handlers))
}

// Stop signals the goroutines and waits for in-flight jobs, up to
// ShutdownTimeout or until ctx is done. A job cut off here stays running
// and is recovered as stale on the next start.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stopCh) })

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		w.logger.Info("Worker stopped gracefully")
		return nil
	case <-timer.C:
		return errors.New("worker shutdown timeout exceeded")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) recoverStaleJobs(ctx context.Context) error {
	count, err := w.queue.RecoverStaleJobs(ctx, w.config.StaleJobThreshold.Seconds())
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	if count > 0 {
		w.logger.Warn("Recovered stale jobs", "count", count, "threshold", w.config.StaleJobThreshold)
	}
	return nil
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)

	for {
		ran, err := w.processNext(ctx, logger)
		if err != nil {
			logger.Error("Failed to claim job", "error", err)
		}

		if ran {
			select {
			case <-w.stopCh:
				return
			default:
				continue
			}
		}

		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(w.config.PollInterval):
		}
	}
}

// processNext claims and runs one job. It reports whether a job was found.
// Job failures are recorded on the job row, not returned.
func (w *Worker) processNext(ctx context.Context, logger *slog.Logger) (bool, error) {
	job, err := w.queue.ClaimJob(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger = logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.Attempts)
	logger.Info("Processing job")

	start := time.Now()
	if err := w.execute(ctx, job); err != nil {
		w.fail(ctx, logger, job, err)
		return true, nil
	}

	metrics.JobCompleted(job.JobType, time.Since(start))
	if err := w.queue.UpdateJobCompleted(ctx, job.ID); err != nil {
		logger.Error("Failed to mark job as completed", "error", err)
		return true, nil
	}
	logger.Info("Job completed", "duration_ms", time.Since(start).Milliseconds())
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job repository.Job) error {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		return NewPermanentError(fmt.Errorf("no handler registered for job type: %s", job.JobType))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	return handler.Handle(jobCtx, job.Payload)
}

// fail records a failed attempt. The row is rescheduled with exponential
// backoff unless the error is permanent or attempts are used up.
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job repository.Job, jobErr error) {
	permanent := IsPermanent(jobErr)
	exhausted := job.Attempts >= job.MaxAttempts

	switch {
	case permanent:
		logger.Warn("Job failed permanently", "error", jobErr)
		metrics.JobFailed(job.JobType)
	case exhausted:
		logger.Error("Job failed, no attempts left", "error", jobErr, "max_attempts", job.MaxAttempts)
		metrics.JobFailed(job.JobType)
	default:
		logger.Warn("Job failed, will retry", "error", jobErr)
		metrics.JobRetried(job.JobType)
	}

	params := repository.UpdateJobFailedParams{
		ID:             job.ID,
		ErrorMessage:   sql.NullString{String: jobErr.Error(), Valid: true},
		Permanent:      permanent,
		BackoffSeconds: w.config.RetryBackoff.Seconds(),
	}
	if err := w.queue.UpdateJobFailed(ctx, params); err != nil {
		logger.Error("Failed to mark job as failed", "error", err)
	}
}
