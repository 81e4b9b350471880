package workqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wudi/checkoutguard/internal/config"
	"github.com/wudi/checkoutguard/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrQueueClosed is returned by Submit after Close, and to tasks still
	// waiting in the backlog when Close is called.
	ErrQueueClosed = errors.New("work queue is closed")

	// ErrTaskPanic wraps the value recovered from a panicking task.
	ErrTaskPanic = errors.New("task panicked")
)

const tracerName = "github.com/wudi/checkoutguard/internal/workqueue"

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithTracerProvider sets the provider used for task spans. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(q *Queue) { q.tracer = tp.Tracer(tracerName) }
}

// Queue runs submitted tasks with bounded concurrency. Waiting tasks are
// held in a backlog ordered by priority (higher first) and submission order
// within a priority.
type Queue struct {
	name   string
	logger *zap.Logger
	tracer trace.Tracer

	mu             sync.Mutex
	backlog        taskHeap
	seq            uint64
	active         int
	maxConcurrent  int
	minConcurrent  int
	maxLimit       int
	processed      int64
	failed         int64
	dispatched     int64
	cumulativeWait time.Duration
	closed         bool
}

// New creates a queue for one work category.
func New(name string, cfg config.QueueConfig, opts ...Option) *Queue {
	q := &Queue{name: name}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = logging.Named(q.logger, "workqueue").With(zap.String("queue", name))
	if q.tracer == nil {
		q.tracer = otel.Tracer(tracerName)
	}

	q.minConcurrent = max(cfg.MinConcurrent, 1)
	limit := cfg.MaxLimit
	if limit <= 0 {
		limit = cfg.MaxConcurrent
	}
	q.maxLimit = max(limit, q.minConcurrent)
	q.maxConcurrent = q.clamp(cfg.MaxConcurrent)
	heap.Init(&q.backlog)
	return q
}

// Name returns the queue's work category.
func (q *Queue) Name() string {
	return q.name
}

// Submit enqueues task and blocks until it settles, returning the task's
// error unchanged. Negative priorities are treated as 0.
//
// If ctx is done while the task is still waiting in the backlog, the task is
// removed without running and ctx.Err() is returned. Once dispatched, the
// task receives ctx and Submit waits for it to return.
func (q *Queue) Submit(ctx context.Context, task func(context.Context) error, priority int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if priority < 0 {
		priority = 0
	}

	e := &entry{
		id:       uuid.NewString(),
		ctx:      ctx,
		task:     task,
		priority: priority,
		enqueued: time.Now(),
		done:     make(chan error, 1),
		index:    -1,
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.seq++
	e.seq = q.seq
	heap.Push(&q.backlog, e)
	q.dispatchLocked()
	q.mu.Unlock()

	select {
	case err := <-e.done:
		return err
	case <-ctx.Done():
		q.mu.Lock()
		if e.index >= 0 {
			heap.Remove(&q.backlog, e.index)
			q.mu.Unlock()
			q.logger.Debug("task abandoned while queued", zap.String("task_id", e.id))
			return ctx.Err()
		}
		q.mu.Unlock()
		return <-e.done
	}
}

// Do submits task and returns its result.
func Do[T any](ctx context.Context, q *Queue, priority int, task func(context.Context) (T, error)) (T, error) {
	var result T
	err := q.Submit(ctx, func(ctx context.Context) error {
		var err error
		result, err = task(ctx)
		return err
	}, priority)
	return result, err
}

// dispatchLocked starts backlog tasks while there is spare capacity.
// Caller must hold q.mu.
func (q *Queue) dispatchLocked() {
	for q.active < q.maxConcurrent && q.backlog.Len() > 0 {
		e := heap.Pop(&q.backlog).(*entry)
		wait := time.Since(e.enqueued)
		q.active++
		q.dispatched++
		q.cumulativeWait += wait
		go q.run(e, wait)
	}
}

func (q *Queue) run(e *entry, wait time.Duration) {
	ctx, span := q.tracer.Start(e.ctx, "workqueue.task",
		trace.WithAttributes(
			attribute.String("workqueue.name", q.name),
			attribute.String("workqueue.task_id", e.id),
			attribute.Int("workqueue.priority", e.priority),
			attribute.Int64("workqueue.wait_ms", wait.Milliseconds()),
		),
	)

	err := q.invoke(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	q.mu.Lock()
	q.active--
	if err != nil {
		q.failed++
	} else {
		q.processed++
	}
	e.done <- err
	q.dispatchLocked()
	q.mu.Unlock()
}

func (q *Queue) invoke(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
			q.logger.Error("task panicked",
				zap.String("task_id", e.id),
				zap.Any("panic", r),
			)
		}
	}()
	return e.task(ctx)
}

func (q *Queue) clamp(n int) int {
	if n < q.minConcurrent {
		return q.minConcurrent
	}
	if n > q.maxLimit {
		return q.maxLimit
	}
	return n
}

// AdjustConcurrency sets the concurrency limit, clamped to the queue's hard
// range, and returns the applied value. Running tasks above a lowered limit
// are left to finish.
func (q *Queue) AdjustConcurrency(n int) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	applied := q.clamp(n)
	if applied != q.maxConcurrent {
		q.logger.Info("queue concurrency adjusted",
			zap.Int("from", q.maxConcurrent),
			zap.Int("to", applied),
			zap.Int("requested", n),
		)
		q.maxConcurrent = applied
	}
	q.dispatchLocked()
	return applied
}

// Apply applies a partial configuration. Zero fields keep their current value.
func (q *Queue) Apply(cfg config.QueueConfig) {
	q.mu.Lock()
	if cfg.MinConcurrent > 0 {
		q.minConcurrent = cfg.MinConcurrent
	}
	if cfg.MaxLimit > 0 {
		q.maxLimit = cfg.MaxLimit
	}
	q.maxLimit = max(q.maxLimit, q.minConcurrent)
	target := q.maxConcurrent
	if cfg.MaxConcurrent > 0 {
		target = cfg.MaxConcurrent
	}
	q.mu.Unlock()

	q.AdjustConcurrency(target)
}

// Close rejects every task still waiting in the backlog with ErrQueueClosed
// and refuses new submissions. Running tasks are not interrupted.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	dropped := q.backlog.Len()
	for q.backlog.Len() > 0 {
		e := heap.Pop(&q.backlog).(*entry)
		e.done <- ErrQueueClosed
	}
	q.logger.Info("queue closed", zap.Int("dropped", dropped), zap.Int("running", q.active))
}

// Stats returns a point-in-time view of the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var avgWait float64
	if q.dispatched > 0 {
		avgWait = float64(q.cumulativeWait.Microseconds()) / float64(q.dispatched) / 1000
	}
	return Stats{
		Name:          q.name,
		Queued:        q.backlog.Len(),
		Running:       q.active,
		Processed:     q.processed,
		Failed:        q.failed,
		AvgWaitMs:     avgWait,
		MaxConcurrent: q.maxConcurrent,
		MinConcurrent: q.minConcurrent,
		MaxLimit:      q.maxLimit,
	}
}

// Stats is a point-in-time view of a queue
type Stats struct {
	Name          string  `json:"name"`
	Queued        int     `json:"queued"`
	Running       int     `json:"running"`
	Processed     int64   `json:"processed"`
	Failed        int64   `json:"failed"`
	AvgWaitMs     float64 `json:"avg_wait_ms"`
	MaxConcurrent int     `json:"max_concurrent"`
	MinConcurrent int     `json:"min_concurrent"`
	MaxLimit      int     `json:"max_limit"`
}

type entry struct {
	id       string
	ctx      context.Context
	task     func(context.Context) error
	priority int
	seq      uint64
	enqueued time.Time
	done     chan error
	index    int
}

// taskHeap implements heap.Interface ordered by priority (higher first),
// then submission order.
type taskHeap []*entry

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
