// Package scheduler drains historical ingestion tasks with a single worker:
// it picks the oldest queued (ticker, date) task of a running job, paginates
// the running-trade endpoint from the task's persisted cursor, and writes
// pages through the CSV sink. Pause, resume and cancel flip the persisted
// job status; the worker observes it between pages.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stockbit-ingest/internal/credentials"
	"stockbit-ingest/internal/csvsink"
	"stockbit-ingest/internal/jobstore"
	"stockbit-ingest/internal/stockbit"
)

// Retry policy for retryable page failures.
const (
	retryBase    = time.Second
	retryCap     = 60 * time.Second
	retryMax     = 5
	idleInterval = time.Second
)

// marketOpen is the earliest trade time worth keeping; DESC pagination that
// reaches it has walked past the day's real trades.
const marketOpen = "09:00:00"

// TradeSource is the slice of the REST client the worker needs.
type TradeSource interface {
	FetchTrades(ctx context.Context, ticker, date, cursor string) (*stockbit.Page, error)
}

// Scheduler owns the worker goroutine. All exported methods are safe for
// concurrent use.
type Scheduler struct {
	store  *jobstore.Store
	source TradeSource
	sink   *csvsink.Sink
	creds  *credentials.Store
	logger zerolog.Logger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	fatalErr error
}

// New wires a scheduler; call Start to launch the worker.
func New(store *jobstore.Store, source TradeSource, sink *csvsink.Sink, creds *credentials.Store, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		store:  store,
		source: source,
		sink:   sink,
		creds:  creds,
		logger: logger.With().Str("component", "scheduler").Logger(),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// A fresh credential revives jobs that were waiting on one.
	creds.OnChange(s.resumeAuthPaused)
	return s
}

// Start launches the worker goroutine. Safe to call once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	go s.run()
}

// Shutdown stops the worker and waits for it, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: shutdown: %w", ctx.Err())
	}
}

// FatalErr reports the disk or database failure that stopped the worker,
// if any.
func (s *Scheduler) FatalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// CreateJob validates the request, persists the job with one task per
// ticker x date, marks it running and nudges the worker.
func (s *Scheduler) CreateJob(tickers []string, dateFrom, dateUntil string, delay time.Duration) (*jobstore.Job, error) {
	if len(tickers) == 0 {
		return nil, errors.New("scheduler: job needs at least one ticker")
	}
	for _, t := range tickers {
		if t == "" {
			return nil, errors.New("scheduler: empty ticker in job")
		}
	}
	if delay < 0 {
		return nil, errors.New("scheduler: negative delay")
	}

	job := &jobstore.Job{
		ID:        uuid.NewString(),
		Tickers:   tickers,
		DateFrom:  dateFrom,
		DateUntil: dateUntil,
		Delay:     delay,
		Status:    jobstore.JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateJob(job); err != nil {
		return nil, err
	}
	if err := s.store.UpdateJobStatus(job.ID, jobstore.JobRunning, ""); err != nil {
		return nil, err
	}
	job.Status = jobstore.JobRunning
	s.jobLog(job.ID, "info", fmt.Sprintf("job created: %d tickers, %s..%s", len(tickers), dateFrom, dateUntil))
	s.nudge()
	return job, nil
}

// Pause moves a running job to paused. Pausing an already paused job is a
// no-op.
func (s *Scheduler) Pause(id string) error {
	job, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	switch job.Status {
	case jobstore.JobPaused:
		return nil
	case jobstore.JobRunning, jobstore.JobAuthPaused:
		if err := s.store.UpdateJobStatus(id, jobstore.JobPaused, job.LastError); err != nil {
			return err
		}
		s.jobLog(id, "info", "job paused")
		return nil
	default:
		return fmt.Errorf("scheduler: cannot pause job in status %s", job.Status)
	}
}

// Resume moves a paused or auth_paused job back to running.
func (s *Scheduler) Resume(id string) error {
	job, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	switch job.Status {
	case jobstore.JobRunning:
		return nil
	case jobstore.JobPaused, jobstore.JobAuthPaused:
		if err := s.store.UpdateJobStatus(id, jobstore.JobRunning, ""); err != nil {
			return err
		}
		s.jobLog(id, "info", "job resumed")
		s.nudge()
		return nil
	default:
		return fmt.Errorf("scheduler: cannot resume job in status %s", job.Status)
	}
}

// Cancel skips every pending task and marks the job cancelled. The worker
// abandons an in-flight task once its current page completes.
func (s *Scheduler) Cancel(id string) error {
	job, err := s.store.GetJob(id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("scheduler: cannot cancel job in status %s", job.Status)
	}
	if err := s.store.SkipPending(id); err != nil {
		return err
	}
	if err := s.store.UpdateJobStatus(id, jobstore.JobCancelled, job.LastError); err != nil {
		return err
	}
	s.jobLog(id, "info", "job cancelled")
	return nil
}

// resumeAuthPaused fires on every credential change.
func (s *Scheduler) resumeAuthPaused() {
	if !s.creds.IsValid() {
		return
	}
	jobs, err := s.store.JobsByStatus(jobstore.JobAuthPaused)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing auth_paused jobs")
		return
	}
	for _, job := range jobs {
		if err := s.store.UpdateJobStatus(job.ID, jobstore.JobRunning, ""); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("auto-resume failed")
			continue
		}
		s.jobLog(job.ID, "info", "job auto-resumed after credential refresh")
	}
	if len(jobs) > 0 {
		s.nudge()
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(idleInterval)
	defer ticker.Stop()

	for {
		task, err := s.store.PickNextRunnable()
		if err != nil {
			s.stopFatal(err)
			return
		}
		if task == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			case <-ticker.C:
			}
			continue
		}

		if err := s.runTask(task); err != nil {
			s.stopFatal(err)
			return
		}
		if s.ctx.Err() != nil {
			return
		}
	}
}

func (s *Scheduler) stopFatal(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	s.fatalErr = err
	s.mu.Unlock()
	s.logger.Error().Err(err).Msg("worker stopped on fatal error")
}

// runTask paginates one (ticker, date) task. A non-nil return is fatal for
// the worker (disk or database failure); everything else is absorbed into
// task and job state.
func (s *Scheduler) runTask(task *jobstore.Task) error {
	log := s.logger.With().Str("job_id", task.JobID).
		Str("ticker", task.Ticker).Str("date", task.Date).Logger()

	if !s.creds.IsValid() {
		log.Warn().Msg("credential missing or expired; pausing job")
		s.jobLog(task.JobID, "warn", "credential required; job paused")
		if err := s.store.UpdateTask(task.JobID, task.Ticker, task.Date, jobstore.TaskQueued, task.NextCursor, 0, 0); err != nil {
			return err
		}
		return s.store.UpdateJobStatus(task.JobID, jobstore.JobAuthPaused, "credential required")
	}

	job, err := s.store.GetJob(task.JobID)
	if err != nil {
		return err
	}

	cursor := task.NextCursor
	for {
		if s.ctx.Err() != nil {
			// Shutdown: leave the task at its last persisted cursor.
			return s.store.UpdateTask(task.JobID, task.Ticker, task.Date, jobstore.TaskQueued, cursor, 0, 0)
		}

		// A pause or cancel issued while the worker slept between pages
		// must take effect before the next fetch.
		current, err := s.store.GetJob(task.JobID)
		if err != nil {
			return err
		}
		switch current.Status {
		case jobstore.JobCancelled:
			log.Info().Msg("job cancelled; abandoning task")
			return nil
		case jobstore.JobPaused, jobstore.JobAuthPaused:
			log.Info().Msg("job paused; requeueing task before next fetch")
			return s.store.UpdateTask(task.JobID, task.Ticker, task.Date, jobstore.TaskQueued, cursor, 0, 0)
		}

		page, fetchErr := s.fetchWithRetry(task, cursor)
		if fetchErr != nil {
			return s.handleFetchFailure(task, cursor, fetchErr)
		}

		rows := make([][]string, 0, len(page.Trades))
		for i := range page.Trades {
			rows = append(rows, page.Trades[i].CSVRow(task.Date))
		}
		if err := s.sink.AppendDay(task.Ticker, task.Date, rows); err != nil {
			// Disk failure is fatal for the worker; requeue so a restart
			// can retry from the same cursor.
			if uerr := s.store.UpdateTask(task.JobID, task.Ticker, task.Date, jobstore.TaskQueued, cursor, 0, 0); uerr != nil {
				return uerr
			}
			return err
		}

		cursor = page.NextCursor
		done := cursor == "" || reachedMarketOpen(page)

		// Re-read control state before persisting: pause returns the task
		// to queued with the advanced cursor, cancel abandons it.
		current, err = s.store.GetJob(task.JobID)
		if err != nil {
			return err
		}
		switch current.Status {
		case jobstore.JobCancelled:
			log.Info().Msg("job cancelled mid-task; abandoning")
			return nil
		case jobstore.JobPaused, jobstore.JobAuthPaused:
			log.Info().Msg("job paused mid-task; requeueing at current cursor")
			return s.store.UpdateTask(task.JobID, task.Ticker, task.Date, jobstore.TaskQueued, cursor, int64(len(rows)), 1)
		}

		status := jobstore.TaskInProgress
		if done {
			status = jobstore.TaskDone
		}
		if err := s.store.UpdateTask(task.JobID, task.Ticker, task.Date, status, cursor, int64(len(rows)), 1); err != nil {
			return err
		}

		if done {
			log.Info().Int("rows", len(rows)).Msg("task complete")
			return s.finishJobIfDone(task.JobID)
		}
		if job.Delay > 0 && !s.sleep(job.Delay) {
			return s.store.UpdateTask(task.JobID, task.Ticker, task.Date, jobstore.TaskQueued, cursor, 0, 0)
		}
	}
}

// fetchWithRetry wraps one page fetch in the retryable-backoff policy.
// AuthExpired and terminal errors pass through untouched.
func (s *Scheduler) fetchWithRetry(task *jobstore.Task, cursor string) (*stockbit.Page, error) {
	var lastErr error
	for attempt := 0; attempt < retryMax; attempt++ {
		if attempt > 0 {
			delay := retryBase << (attempt - 1)
			if delay > retryCap {
				delay = retryCap
			}
			if !s.sleep(delay) {
				return nil, s.ctx.Err()
			}
		}
		page, err := s.source.FetchTrades(s.ctx, task.Ticker, task.Date, cursor)
		if err == nil {
			return page, nil
		}
		if !errors.Is(err, stockbit.ErrRetryable) {
			return nil, err
		}
		lastErr = err
		s.logger.Warn().Err(err).Str("ticker", task.Ticker).Int("attempt", attempt+1).Msg("retryable fetch failure")
	}
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

func (s *Scheduler) handleFetchFailure(task *jobstore.Task, cursor string, fetchErr error) error {
	if s.ctx.Err() != nil {
		return s.store.UpdateTask(task.JobID, task.Ticker, task.Date, jobstore.TaskQueued, cursor, 0, 0)
	}

	if errors.Is(fetchErr, stockbit.ErrAuthExpired) {
		s.jobLog(task.JobID, "warn", "credential rejected by broker; job paused")
		if err := s.store.UpdateTask(task.JobID, task.Ticker, task.Date, jobstore.TaskQueued, cursor, 0, 0); err != nil {
			return err
		}
		return s.store.UpdateJobStatus(task.JobID, jobstore.JobAuthPaused, fetchErr.Error())
	}

	// Exhausted retries or a malformed/terminal response: fail the task,
	// count the error, move on.
	s.jobLog(task.JobID, "error", fmt.Sprintf("task %s %s failed: %v", task.Ticker, task.Date, fetchErr))
	if err := s.store.UpdateTask(task.JobID, task.Ticker, task.Date, jobstore.TaskFailed, cursor, 0, 0); err != nil {
		return err
	}
	if err := s.store.IncrementJobError(task.JobID, fetchErr.Error()); err != nil {
		return err
	}
	return s.finishJobIfDone(task.JobID)
}

// finishJobIfDone computes job completion once no task is runnable.
func (s *Scheduler) finishJobIfDone(jobID string) error {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status != jobstore.JobRunning {
		return nil
	}
	counts, err := s.store.TaskCounts(jobID)
	if err != nil {
		return err
	}
	if counts[jobstore.TaskQueued] > 0 || counts[jobstore.TaskInProgress] > 0 {
		return nil
	}

	status := jobstore.JobCompleted
	if counts[jobstore.TaskFailed] > 0 {
		status = jobstore.JobFailed
	}
	if err := s.store.UpdateJobStatus(jobID, status, job.LastError); err != nil {
		return err
	}
	s.jobLog(jobID, "info", fmt.Sprintf("job %s: %d done, %d failed, %d skipped",
		status, counts[jobstore.TaskDone], counts[jobstore.TaskFailed], counts[jobstore.TaskSkipped]))
	return nil
}

// sleep waits d unless the scheduler is stopping; reports whether the full
// wait elapsed.
func (s *Scheduler) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// reachedMarketOpen reports whether the page's earliest trade is at or
// before the open; DESC order puts it last.
func reachedMarketOpen(page *stockbit.Page) bool {
	if len(page.Trades) == 0 {
		return false
	}
	t := string(page.Trades[len(page.Trades)-1].Time)
	return t != "" && t <= marketOpen
}

// jobLog records a line in the durable job log; ring capture rides on the
// zerolog writer.
func (s *Scheduler) jobLog(jobID, level, message string) {
	if err := s.store.AppendLog(level, jobID, message); err != nil {
		s.logger.Error().Err(err).Msg("append job log")
	}
	switch level {
	case "error":
		s.logger.Error().Str("job_id", jobID).Msg(message)
	case "warn":
		s.logger.Warn().Str("job_id", jobID).Msg(message)
	default:
		s.logger.Info().Str("job_id", jobID).Msg(message)
	}
}
