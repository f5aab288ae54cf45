package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/rookery/internal/queue"
)

// Handler executes one claimed job. Returning nil completes the job; an error
// fails the attempt and the queue's retry policy takes over.
type Handler func(ctx context.Context, job *queue.Job) error

// permanentError marks a failure that must not be retried.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the job goes straight to failed, skipping the
// remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Options tune the polling loop. Zero values use the defaults.
type Options struct {
	Interval    time.Duration // poll interval, default 5s
	BatchSize   int           // max jobs claimed per tick, default 10
	Concurrency int           // max handlers in flight per tick, default 4
	JobTimeout  time.Duration // per-handler budget, default 5m
	StaleAfter  time.Duration // lease age before reclaim, default 5m
	WorkerID    string        // lease owner label
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 5 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = queue.DefaultStaleReclaim
	}
	if o.WorkerID == "" {
		o.WorkerID = "scheduler"
	}
}

// Scheduler polls the job queue and dispatches claimed jobs to type handlers.
//
// The loop is single-flight: one tick at a time, the ticker drops fires while
// a slow tick runs. Within a tick, handlers run concurrently up to the
// configured bound. Several scheduler processes may poll the same queue; the
// queue's atomic claim is the only coordination between them.
type Scheduler struct {
	queue    *queue.Queue
	handlers map[queue.JobType]Handler
	opts     Options

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// knownJobTypes is the closed set the handler registry must cover.
var knownJobTypes = []queue.JobType{
	queue.TypeRunAgent,
	queue.TypeMaintenance,
	queue.TypeBenchmarkModel,
	queue.TypeUpdateMetrics,
}

// New creates a scheduler. Every known job type must have a handler; a
// missing one is a construction error, not a runtime surprise.
func New(q *queue.Queue, handlers map[queue.JobType]Handler, opts Options) (*Scheduler, error) {
	for _, t := range knownJobTypes {
		if handlers[t] == nil {
			return nil, fmt.Errorf("no handler registered for job type %s", t)
		}
	}
	opts.withDefaults()
	return &Scheduler{
		queue:    q,
		handlers: handlers,
		opts:     opts,
	}, nil
}

// Start launches the polling loop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.run(loopCtx)
	log.Printf("[scheduler] started worker=%s interval=%s batch=%d", s.opts.WorkerID, s.opts.Interval, s.opts.BatchSize)
	return nil
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	log.Printf("[scheduler] stopped worker=%s", s.opts.WorkerID)
}

// IsRunning reports whether the loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	// Immediate first tick so a fresh process drains the backlog without
	// waiting a full interval.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle: reclaim stale leases, claim due jobs, dispatch.
// Exported so operational tooling and tests can drive the scheduler manually.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	if ids, err := s.queue.RequeueStale(ctx, s.opts.StaleAfter, s.opts.BatchSize); err != nil {
		log.Printf("[scheduler] stale lease sweep failed: %v", err)
	} else if len(ids) > 0 {
		log.Printf("[scheduler] requeued %d stale jobs", len(ids))
	}

	jobs, err := s.queue.ClaimDue(ctx, s.opts.WorkerID, s.opts.BatchSize)
	if err != nil {
		log.Printf("[scheduler] claim failed: %v", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	sem := make(chan struct{}, s.opts.Concurrency)
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(job *queue.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			s.runJob(ctx, job)
		}(job)
	}
	wg.Wait()
}

// runJob executes one job with panic and timeout isolation. A failing job
// never escapes its tick: every outcome resolves to Complete or Fail.
func (s *Scheduler) runJob(ctx context.Context, job *queue.Job) {
	handler := s.handlers[job.Type]
	if handler == nil {
		// Unknown type in the queue (e.g. written by a newer process).
		s.fail(ctx, job, fmt.Errorf("no handler for job type %s", job.Type), true)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return handler(jobCtx, job)
	}()

	// Bookkeeping must land even when the loop is shutting down.
	ctx = context.WithoutCancel(ctx)

	if err == nil {
		if cerr := s.queue.Complete(ctx, job); cerr != nil {
			log.Printf("[scheduler] failed to complete job %s: %v", job.ID, cerr)
		}
		return
	}

	var perm *permanentError
	permanent := errors.As(err, &perm)
	log.Printf("[scheduler] job %s (%s) attempt %d failed (permanent=%v): %v", job.ID, job.Type, job.Attempts, permanent, err)
	s.fail(ctx, job, err, permanent)
}

func (s *Scheduler) fail(ctx context.Context, job *queue.Job, jobErr error, permanent bool) {
	if err := s.queue.Fail(ctx, job, jobErr, permanent); err != nil {
		log.Printf("[scheduler] failed to record failure for job %s: %v", job.ID, err)
	}
}
