package async

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/logger"
)

// MaxOrphanedJobsToRecover limits how many orphaned jobs are re-queued on startup.
const MaxOrphanedJobsToRecover = 1000

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// Uses different log levels to create visual distinction:
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker/daemon operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event - uses DEBUG level for "STARTING" appearance
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event - uses WARN level for "CLOSING" appearance
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Pulse logs general Pulse/worker operations - uses INFO level
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow("꩜ "+msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers       int           `json:"workers"`         // Number of concurrent workers
	PollInterval  time.Duration `json:"poll_interval"`   // How often an idle worker checks for new jobs
	RatePerSecond float64       `json:"rate_per_second"` // Job starts per second across all workers; 0 means unlimited
	Burst         int           `json:"burst"`           // Job starts allowed at once when the rate allows
	RetryBackoff  time.Duration `json:"retry_backoff"`   // Delay before the first retry, doubled per attempt
	MaxBackoff    time.Duration `json:"max_backoff"`     // Upper bound on the retry delay
	StopTimeout   time.Duration `json:"stop_timeout"`    // How long Stop waits for running jobs
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:       2,
		PollInterval:  time.Second,
		RatePerSecond: 10,
		Burst:         5,
		RetryBackoff:  2 * time.Second,
		MaxBackoff:    5 * time.Minute,
		StopTimeout:   30 * time.Second,
	}
}

// WorkerPool manages a pool of workers that execute queued jobs through a HandlerRegistry.
type WorkerPool struct {
	queue      *Queue
	registry   *HandlerRegistry
	executor   JobExecutor
	poolConfig WorkerPoolConfig
	limiter    *rate.Limiter
	parentCtx  context.Context // Parent context from which worker context is derived
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     pulseLogger

	mu            sync.Mutex
	jobsProcessed int
	activeWorkers int
}

// NewWorkerPool creates a worker pool over the jobs table of db. Handlers must be
// registered on registry before Start. Cancelling ctx stops the workers.
func NewWorkerPool(ctx context.Context, db *sql.DB, poolCfg WorkerPoolConfig, log *zap.SugaredLogger, registry *HandlerRegistry) *WorkerPool {
	if log == nil {
		log = logger.Logger
	}
	if registry == nil {
		registry = NewHandlerRegistry()
	}
	if poolCfg.Workers <= 0 {
		poolCfg.Workers = 1
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if poolCfg.StopTimeout <= 0 {
		poolCfg.StopTimeout = DefaultWorkerPoolConfig().StopTimeout
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:      NewQueue(db),
		registry:   registry,
		executor:   NewRegistryExecutor(registry),
		poolConfig: poolCfg,
		limiter:    newLimiter(poolCfg.RatePerSecond, poolCfg.Burst),
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pulseLogger{log.Named("pulse")},
	}
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, burst)
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// SetRate changes how many jobs per second the pool starts. Used on config reload.
func (wp *WorkerPool) SetRate(perSecond float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	wp.limiter.SetLimit(limit)
	wp.limiter.SetBurst(burst)
	wp.logger.Pulse("Job rate updated", "rate_per_second", perSecond, "burst", burst)
}

// Start begins processing jobs with the worker pool
// ✿ Opening: Recover orphaned jobs before starting workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.jobsProcessed = 0
	wp.mu.Unlock()

	recovered, err := wp.queue.RecoverOrphaned(MaxOrphanedJobsToRecover)
	if err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if recovered > 0 {
		wp.logger.Starting("Opening - re-queued jobs orphaned by previous shutdown", logger.FieldCount, recovered)
	}

	wp.logger.Starting("Starting workers",
		"workers", wp.poolConfig.Workers,
		"handlers", wp.registry.Names())
	for i := 0; i < wp.poolConfig.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop gracefully stops the worker pool
// ❀ Closing: running jobs observe cancellation and are re-queued
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse("WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(wp.poolConfig.StopTimeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running", "timeout", wp.poolConfig.StopTimeout)
	}
}

func (wp *WorkerPool) context() context.Context {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.ctx
}

// worker processes jobs from the queue until the pool context is cancelled
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	ctx := wp.context()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		processed, err := wp.processNextJob(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
				return
			}
			errorCount++
			wp.logger.Errorw("Worker error processing job",
				"worker_id", id,
				logger.FieldError, err,
				"consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				wp.logger.Warnw("Worker backing off due to consecutive errors",
					"worker_id", id,
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				if !sleep(ctx, backoffDuration) {
					return
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		} else {
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					"worker_id", id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second
		}

		// Drain the queue without waiting while there is work.
		if processed && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// processNextJob runs the next ready job, if any, and reports whether one ran.
func (wp *WorkerPool) processNextJob(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	if err := wp.limiter.Wait(ctx); err != nil {
		// Only fails on cancellation.
		return false, nil
	}

	job, err := wp.queue.Dequeue()
	if err != nil {
		return false, errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.jobsProcessed++
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldHandler, job.HandlerName,
		"source", job.Source)

	execErr := wp.executor.Execute(logger.WithJobID(ctx, job.ID), job)
	if execErr == nil {
		log.Debugw("Job completed")
		return true, wp.queue.CompleteJob(job.ID)
	}

	// ❀ Closing: a job interrupted by shutdown runs again on next start
	if ctx.Err() != nil {
		wp.logger.Closing("Job cancelled during execution, re-queuing", logger.FieldJobID, job.ID)
		job.Requeue(time.Now())
		if updateErr := wp.queue.UpdateJob(job); updateErr != nil {
			log.Errorw("Failed to re-queue cancelled job", logger.FieldError, updateErr)
		}
		return true, nil
	}

	classified := ClassifyError(job.HandlerName, execErr)
	if classified.Retryable {
		retried, retryErr := RetryableError(wp.queue, job, job.HandlerName, execErr,
			wp.poolConfig.RetryBackoff, wp.poolConfig.MaxBackoff, log)
		if retryErr != nil {
			return true, retryErr
		}
		if retried {
			return true, nil
		}
	}

	log.Warnw("Job failed",
		"code", classified.Code,
		logger.FieldAttempt, job.RetryCount+1,
		logger.FieldError, execErr)
	return true, wp.queue.FailJob(job.ID, execErr)
}

// GetQueue returns the job queue (useful for enqueuing jobs)
func (wp *WorkerPool) GetQueue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.poolConfig.Workers
}

// Registry returns the handler registry. Register handlers before calling Start:
//
//	pool := async.NewWorkerPool(ctx, db, poolCfg, logger, nil)
//	jobs.Register(pool.Registry(), deps)
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}

// Stats reports how many jobs this pool has started since Start and how many are running now.
func (wp *WorkerPool) Stats() (processed, active int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.jobsProcessed, wp.activeWorkers
}
