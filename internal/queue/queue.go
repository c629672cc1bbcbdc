// Package queue dispatches background jobs: ordered, retried jobs through
// Enqueue and fire-and-forget jobs through Notify.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Job types handled by the cluster service.
const (
	JobMessage   = "message"
	JobNodes     = "nodes"
	JobBroadcast = "broadcast"
)

var (
	// ErrNoHandler is returned for job types nobody handles.
	ErrNoHandler = errors.New("no handler for job type")
	// ErrClosed is returned once the queue has been closed.
	ErrClosed = errors.New("queue is closed")
)

// Dispatcher schedules jobs addressed to a target id.
type Dispatcher interface {
	// Enqueue schedules an ordered job delivered at least once.
	Enqueue(ctx context.Context, jobType string, payload any, target string) (string, error)
	// Notify schedules a job without ordering or retry.
	Notify(ctx context.Context, jobType string, payload any, target string) (string, error)
}

// Job is one unit of background work.
type Job struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Attempt int             `json:"attempt"`
}

// JobHandler runs a job.
type JobHandler func(ctx context.Context, job Job) error

// LocalQueue runs jobs in process. Enqueued jobs are handled one at a time
// in order by a single worker; notified jobs run concurrently.
type LocalQueue struct {
	clock       clock.Clock
	logger      *zap.Logger
	maxAttempts int
	retryDelay  time.Duration
	onFailure   func(job Job, err error)
	newID       func() string

	mu       sync.RWMutex
	handlers map[string]JobHandler
	closed   bool

	jobs    chan Job
	quit    chan struct{}
	senders sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	started sync.Once
	done    chan struct{}
	notify  sync.WaitGroup
}

// Option configures a LocalQueue.
type Option func(*LocalQueue)

// WithMaxAttempts bounds how often an enqueued job is tried. Defaults to 3.
func WithMaxAttempts(n int) Option {
	return func(q *LocalQueue) { q.maxAttempts = n }
}

// WithRetryDelay sets the base delay between attempts. Defaults to 100ms;
// the n-th retry waits n times the base.
func WithRetryDelay(d time.Duration) Option {
	return func(q *LocalQueue) { q.retryDelay = d }
}

// WithBuffer sets the capacity of the ordered job buffer. Defaults to 1024.
func WithBuffer(n int) Option {
	return func(q *LocalQueue) { q.jobs = make(chan Job, n) }
}

// WithFailureHandler sets the callback for jobs that finally failed.
func WithFailureHandler(fn func(job Job, err error)) Option {
	return func(q *LocalQueue) { q.onFailure = fn }
}

// NewLocalQueue creates a queue. Call Start to begin handling enqueued jobs.
func NewLocalQueue(clk clock.Clock, logger *zap.Logger, opts ...Option) *LocalQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &LocalQueue{
		clock:       clk,
		logger:      logger,
		maxAttempts: 3,
		retryDelay:  100 * time.Millisecond,
		newID:       uuid.NewString,
		handlers:    make(map[string]JobHandler),
		jobs:        make(chan Job, 1024),
		quit:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Handle registers h for jobType.
func (q *LocalQueue) Handle(jobType string, h JobHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

func (q *LocalQueue) prepare(jobType string, payload any, target string) (Job, JobHandler, error) {
	q.mu.RLock()
	h, ok := q.handlers[jobType]
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return Job{}, nil, ErrClosed
	}
	if !ok {
		return Job{}, nil, fmt.Errorf("%w: %s", ErrNoHandler, jobType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, nil, fmt.Errorf("encode %s job: %w", jobType, err)
	}
	return Job{ID: q.newID(), Type: jobType, Target: target, Payload: raw}, h, nil
}

// Enqueue schedules an ordered job. It blocks while the buffer is full and
// fails with ErrClosed when the queue closes meanwhile.
func (q *LocalQueue) Enqueue(ctx context.Context, jobType string, payload any, target string) (string, error) {
	job, _, err := q.prepare(jobType, payload, target)
	if err != nil {
		return "", err
	}
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return "", ErrClosed
	}
	q.senders.Add(1)
	q.mu.RUnlock()
	defer q.senders.Done()

	select {
	case q.jobs <- job:
		q.logger.Debug("job enqueued", zap.String("id", job.ID), zap.String("type", jobType), zap.String("target", target))
		return job.ID, nil
	case <-q.quit:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Notify runs the job on its own goroutine.
func (q *LocalQueue) Notify(_ context.Context, jobType string, payload any, target string) (string, error) {
	job, h, err := q.prepare(jobType, payload, target)
	if err != nil {
		return "", err
	}
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return "", ErrClosed
	}
	q.notify.Add(1)
	q.mu.RUnlock()
	go func() {
		defer q.notify.Done()
		job.Attempt = 1
		if err := h(q.ctx, job); err != nil {
			q.fail(job, err)
		}
	}()
	return job.ID, nil
}

// Start launches the ordered worker. It is safe to call more than once.
func (q *LocalQueue) Start() {
	q.started.Do(func() { go q.work() })
}

func (q *LocalQueue) work() {
	defer close(q.done)
	for job := range q.jobs {
		q.run(job)
	}
}

func (q *LocalQueue) run(job Job) {
	q.mu.RLock()
	h := q.handlers[job.Type]
	q.mu.RUnlock()

	var err error
	for job.Attempt = 1; job.Attempt <= q.maxAttempts; job.Attempt++ {
		if err = h(q.ctx, job); err == nil {
			return
		}
		q.logger.Warn("job attempt failed",
			zap.String("id", job.ID),
			zap.String("type", job.Type),
			zap.Int("attempt", job.Attempt),
			zap.Error(err))
		if job.Attempt < q.maxAttempts {
			select {
			case <-q.clock.After(q.retryDelay * time.Duration(job.Attempt)):
			case <-q.ctx.Done():
				q.fail(job, err)
				return
			}
		}
	}
	q.fail(job, err)
}

func (q *LocalQueue) fail(job Job, err error) {
	q.logger.Error("job failed", zap.String("id", job.ID), zap.String("type", job.Type), zap.String("target", job.Target), zap.Error(err))
	if q.onFailure != nil {
		q.onFailure(job, err)
	}
}

// Close stops accepting jobs and waits until pending jobs are handled or
// ctx expires.
func (q *LocalQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.quit)
	q.mu.Unlock()

	// jobs is closed once no Enqueue can send on it anymore.
	q.senders.Wait()
	close(q.jobs)

	q.Start()
	finished := make(chan struct{})
	go func() {
		<-q.done
		q.notify.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}
