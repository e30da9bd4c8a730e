package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/avast/retry-go"
	"golang.org/x/sync/errgroup"

	"github.com/raphaelgruber/knowhow-ingest/internal/metrics"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/retry"
)

// Options configures a Scheduler. Zero values fall back to the defaults below.
type Options struct {
	MaxConcurrent int
	PollInterval  time.Duration
	JobTimeout    time.Duration
	// StaleAfter fails running items whose started_at is older than this.
	// Zero disables the reconcile.
	StaleAfter time.Duration

	// StoreAttempts and StoreRetryDelay bound retries of store calls.
	StoreAttempts   uint
	StoreRetryDelay time.Duration
}

const (
	DefaultMaxConcurrent   = 4
	DefaultPollInterval    = 30 * time.Second
	DefaultJobTimeout      = 10 * time.Minute
	DefaultStaleAfter      = 30 * time.Minute
	defaultStoreAttempts   = 3
	defaultStoreRetryDelay = 500 * time.Millisecond
	staleScanLimit         = 100
)

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.StaleAfter < 0 {
		o.StaleAfter = 0
	}
	if o.StoreAttempts == 0 {
		o.StoreAttempts = defaultStoreAttempts
	}
	if o.StoreRetryDelay <= 0 {
		o.StoreRetryDelay = defaultStoreRetryDelay
	}
	return o
}

// Scheduler periodically claims eligible items and hands them to the
// executor on a bounded pool. The store is the only authority on item state;
// the scheduler keeps nothing but the set of IDs it is currently executing.
type Scheduler struct {
	store    Store
	executor Executor
	policy   retry.Policy
	bus      *Bus
	metrics  *metrics.Collector
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	group *errgroup.Group

	mu     sync.Mutex
	active map[string]struct{}
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithBus publishes transition events on b.
func WithBus(b *Bus) SchedulerOption {
	return func(s *Scheduler) { s.bus = b }
}

// WithMetrics records timings and outcomes on c.
func WithMetrics(c *metrics.Collector) SchedulerOption {
	return func(s *Scheduler) { s.metrics = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler. It does nothing until Run or Tick is called.
func NewScheduler(store Store, executor Executor, policy retry.Policy, opts Options, options ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		executor: executor,
		policy:   policy,
		opts:     opts.withDefaults(),
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		active:   make(map[string]struct{}),
	}
	for _, o := range options {
		o(s)
	}
	s.group = &errgroup.Group{}
	s.group.SetLimit(s.opts.MaxConcurrent)
	return s
}

// Run polls until ctx is cancelled, then waits for in-flight jobs to record
// their outcome. It returns ErrStoreUnavailable if claiming keeps failing.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"max_concurrent", s.opts.MaxConcurrent,
		"poll_interval", s.opts.PollInterval,
		"job_timeout", s.opts.JobTimeout,
		"stale_after", s.opts.StaleAfter)
	defer s.Wait()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrStoreUnavailable) {
				s.logger.Error("scheduler stopping", "error", err)
				return err
			}
			s.logger.Warn("scheduler cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down, draining in-flight jobs", "in_flight", s.InFlight())
			return nil
		case <-ticker.C:
		}
	}
}

// Wait blocks until every dispatched job has finished.
func (s *Scheduler) Wait() {
	_ = s.group.Wait()
}

// InFlight returns the number of jobs this process is executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Tick runs one polling cycle: reconcile stale items, compute the budget,
// claim, and dispatch. It returns the number of items dispatched. Jobs run in
// the background; use Wait to block on them.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()

	if err := s.reconcileStale(ctx, now); err != nil {
		s.logger.Warn("stale reconcile failed", "error", err)
	}

	var running int
	err := s.withStoreRetry(ctx, func() error {
		var err error
		running, err = s.store.CountRunning(ctx)
		return err
	})
	if err != nil {
		return 0, s.unavailable(ctx, "count running", err)
	}

	budget := s.opts.MaxConcurrent - max(running, s.InFlight())
	if budget <= 0 {
		metrics.SchedulerCycles.WithLabelValues("saturated").Inc()
		s.logger.Debug("no concurrency budget, skipping cycle", "running", running)
		return 0, nil
	}

	var items []models.QueueItem
	start := time.Now()
	err = s.withStoreRetry(ctx, func() error {
		var err error
		items, err = s.store.ClaimNext(ctx, budget, now)
		return err
	})
	s.metrics.RecordTiming(metrics.OpClaim, time.Since(start), err != nil)
	if err != nil {
		return 0, s.unavailable(ctx, "claim", err)
	}

	if len(items) == 0 {
		metrics.SchedulerCycles.WithLabelValues("idle").Inc()
		return 0, nil
	}
	metrics.SchedulerCycles.WithLabelValues("claimed").Inc()
	metrics.ItemsClaimed.Add(float64(len(items)))
	s.logger.Info("claimed items", "count", len(items), "budget", budget)

	for _, item := range items {
		s.dispatch(ctx, item)
	}
	return len(items), nil
}

func (s *Scheduler) unavailable(ctx context.Context, op string, err error) error {
	metrics.SchedulerCycles.WithLabelValues("error").Inc()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func (s *Scheduler) dispatch(ctx context.Context, item models.QueueItem) {
	s.mu.Lock()
	s.active[item.ID] = struct{}{}
	s.mu.Unlock()
	s.metrics.AddInFlight(1)
	s.bus.Publish(itemEvent(EventClaimed, &item))

	// Jobs outlive the polling context so shutdown can drain them.
	jobParent := context.WithoutCancel(ctx)
	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.active, item.ID)
			s.mu.Unlock()
			s.metrics.AddInFlight(-1)
		}()
		s.runJob(jobParent, item)
		return nil
	})
}

func (s *Scheduler) runJob(ctx context.Context, item models.QueueItem) {
	log := s.logger.With("item_id", item.ID, "source", item.SourceReference, "attempt", item.RetryCount+1)

	jobCtx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	start := time.Now()
	res, err := s.execute(jobCtx, item)
	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancel()

	elapsed := time.Since(start)
	metrics.JobDuration.Observe(elapsed.Seconds())
	s.metrics.RecordTiming(metrics.OpExecute, elapsed, err != nil)

	if err != nil {
		if timedOut {
			err = retry.Classified(models.ErrorTimeout, fmt.Errorf("job exceeded %s: %w", s.opts.JobTimeout, err))
		}
		s.fail(ctx, item, err, log)
		return
	}

	s.complete(ctx, item, res, elapsed, log)
}

// execute calls the executor, turning a panic into an error.
func (s *Scheduler) execute(ctx context.Context, item models.QueueItem) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panicked: %v", r)
		}
	}()
	return s.executor.Execute(ctx, item.SourceReference)
}

func (s *Scheduler) complete(ctx context.Context, item models.QueueItem, res *Result, elapsed time.Duration, log *slog.Logger) {
	now := s.now()
	var applied bool
	err := s.storeWrite(ctx, func() error {
		var err error
		applied, err = s.store.MarkCompleted(ctx, item.ID, now)
		return err
	})
	if err != nil {
		log.Error("failed to record completion", "error", err)
		return
	}
	if !applied {
		log.Info("dropping late completion, item no longer running")
		return
	}

	attrs := []any{"duration", elapsed.Round(time.Millisecond)}
	if res != nil {
		for k, v := range res.Summary {
			attrs = append(attrs, k, v)
		}
	}
	log.Info("item completed", attrs...)

	s.metrics.RecordOutcome(string(EventCompleted))
	item.Status = models.StatusCompleted
	item.CompletedAt = &now
	s.bus.Publish(itemEvent(EventCompleted, &item))
}

func (s *Scheduler) fail(ctx context.Context, item models.QueueItem, cause error, log *slog.Logger) {
	now := s.now()
	class := retry.Classify(cause)
	decision := s.policy.Decide(item.RetryCount, item.MaxRetries, class, now)
	failure := decision.Failure(class, retry.Detail(cause, item.RetryCount+1), now)

	var applied bool
	err := s.storeWrite(ctx, func() error {
		var err error
		applied, err = s.store.MarkFailed(ctx, item.ID, failure)
		return err
	})
	if err != nil {
		log.Error("failed to record failure", "error", err, "cause", cause)
		return
	}
	if !applied {
		log.Info("dropping late failure, item no longer running", "cause", cause)
		return
	}

	metrics.ItemFailures.WithLabelValues(string(class)).Inc()
	item.Status = models.StatusFailed
	item.ErrorClassification = &class

	if decision.Escalate {
		log.Warn("item escalated to human review", "classification", class, "error", cause)
		item.RequiresHumanReview = true
		s.metrics.RecordOutcome(string(EventEscalated))
		s.bus.Publish(itemEvent(EventEscalated, &item))
		return
	}

	log.Warn("item failed, retry scheduled",
		"classification", class,
		"error", cause,
		"retry", decision.Attempt,
		"delay", decision.Delay)
	item.NextRetryAt = &decision.RequeueAt
	s.metrics.RecordOutcome(string(EventRetryScheduled))
	s.bus.Publish(itemEvent(EventRetryScheduled, &item))
}

// reconcileStale fails running items that no live job owns any more, e.g.
// after a crash, so they re-enter the retry policy instead of staying running.
func (s *Scheduler) reconcileStale(ctx context.Context, now time.Time) error {
	if s.opts.StaleAfter <= 0 {
		return nil
	}

	stale, err := s.store.ListStale(ctx, now.Add(-s.opts.StaleAfter), staleScanLimit)
	if err != nil {
		return err
	}

	for _, item := range stale {
		if s.isActive(item.ID) {
			continue
		}
		var started string
		if item.StartedAt != nil {
			started = item.StartedAt.Format(time.RFC3339)
		}
		log := s.logger.With("item_id", item.ID, "source", item.SourceReference, "started_at", started)
		cause := retry.Classified(models.ErrorTimeout,
			fmt.Errorf("running for longer than %s without a result", s.opts.StaleAfter))
		s.fail(ctx, item, cause, log)
	}
	return nil
}

func (s *Scheduler) isActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// storeWrite retries a state write and records its timing.
func (s *Scheduler) storeWrite(ctx context.Context, fn func() error) error {
	start := time.Now()
	err := s.withStoreRetry(ctx, fn)
	s.metrics.RecordTiming(metrics.OpStoreWrite, time.Since(start), err != nil)
	return err
}

func (s *Scheduler) withStoreRetry(ctx context.Context, fn func() error) error {
	return backoff.Do(fn,
		backoff.Context(ctx),
		backoff.Attempts(s.opts.StoreAttempts),
		backoff.Delay(s.opts.StoreRetryDelay),
		backoff.LastErrorOnly(true),
		backoff.RetryIf(retryableStoreError),
	)
}

// retryableStoreError reports whether a store error may be transient.
// Domain errors are final.
func retryableStoreError(err error) bool {
	return !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrInvalidState) &&
		!errors.Is(err, context.Canceled)
}
