package syncadapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned by Submit when the buffer is at capacity.
	ErrQueueFull = errors.New("sync: write queue full")
	// ErrQueueClosed is returned by Submit after Close.
	ErrQueueClosed = errors.New("sync: write queue closed")
)

// Task is one store write. Tasks sharing a non-empty Key coalesce while waiting: a newer
// submission replaces the Run of an older one that has not started yet. Tasks with the same
// Key never run concurrently and start in submission order.
type Task struct {
	Key string
	Op  string
	Run func(ctx context.Context) error
}

// Result reports the outcome of a task.
type Result struct {
	Key      string
	Op       string
	Attempts int
	Err      error
	Duration time.Duration
}

// Status is a point-in-time view of queue health.
type Status struct {
	Pending     int        `json:"pending"`
	Succeeded   uint64     `json:"succeeded"`
	Failed      uint64     `json:"failed"`
	Coalesced   uint64     `json:"coalesced"`
	Rejected    uint64     `json:"rejected"`
	LastError   string     `json:"last_error,omitempty"`
	LastErrorAt *time.Time `json:"last_error_at,omitempty"`
}

// QueueConfig configures a Queue.
type QueueConfig struct {
	Workers  int
	Size     int
	Retry    RetryPolicy
	OnResult func(Result)
}

type job struct {
	key string
	op  string
	run func(ctx context.Context) error
}

// Queue runs store writes on a bounded pool of workers with retry, so the tick loop never
// blocks on the network and every outcome is observable.
type Queue struct {
	mu      sync.Mutex
	jobs    chan *job
	waiting map[string]*job
	closed  bool
	status  Status

	// keys with a task running, and the tasks held back behind it
	inFlight map[string][]*job

	retry    RetryPolicy
	onResult func(Result)
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue starts the workers.
func NewQueue(cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Size <= 0 {
		cfg.Size = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:     make(chan *job, cfg.Size),
		waiting:  make(map[string]*job),
		inFlight: make(map[string][]*job),
		retry:    cfg.Retry.normalized(),
		onResult: cfg.OnResult,
		logger:   logger.Named("sync-queue"),
		ctx:      ctx,
		cancel:   cancel,
	}

	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker()
	}
	return q
}

// Submit enqueues a task without blocking.
func (q *Queue) Submit(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if task.Key != "" {
		if waiting, ok := q.waiting[task.Key]; ok && waiting.op == task.Op {
			waiting.run = task.Run
			q.status.Coalesced++
			return nil
		}
	}

	j := &job{key: task.Key, op: task.Op, run: task.Run}
	select {
	case q.jobs <- j:
	default:
		q.status.Rejected++
		q.logger.Warn("write queue full, dropping task", zap.String("key", task.Key), zap.String("op", task.Op))
		return ErrQueueFull
	}

	if task.Key != "" {
		q.waiting[task.Key] = j
	}
	q.status.Pending++
	return nil
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for j := range q.jobs {
		if !q.claim(j) {
			continue
		}
		for j != nil {
			j = q.run(j)
		}
	}
}

// claim marks j's key in flight. A job whose key is already running is held back for the
// worker running it.
func (q *Queue) claim(j *job) bool {
	if j.key == "" {
		return true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if held, busy := q.inFlight[j.key]; busy {
		q.inFlight[j.key] = append(held, j)
		return false
	}
	q.inFlight[j.key] = nil
	return true
}

// run executes j and returns the next held job for the same key, if any.
func (q *Queue) run(j *job) *job {
	q.mu.Lock()
	if q.waiting[j.key] == j {
		delete(q.waiting, j.key)
	}
	run := j.run
	q.mu.Unlock()

	start := time.Now()
	attempts, err := q.retry.Do(q.ctx, q.logAttempts(j, run))
	q.finish(Result{
		Key:      j.key,
		Op:       j.op,
		Attempts: attempts,
		Err:      err,
		Duration: time.Since(start),
	})

	if j.key == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	held := q.inFlight[j.key]
	if len(held) == 0 {
		delete(q.inFlight, j.key)
		return nil
	}
	q.inFlight[j.key] = held[1:]
	return held[0]
}

func (q *Queue) logAttempts(j *job, run func(ctx context.Context) error) func(ctx context.Context) error {
	attempt := 0
	return func(ctx context.Context) error {
		attempt++
		err := run(ctx)
		if err != nil {
			q.logger.Warn("store write attempt failed",
				zap.String("key", j.key),
				zap.String("op", j.op),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}
}

func (q *Queue) finish(res Result) {
	q.mu.Lock()
	q.status.Pending--
	if res.Err != nil {
		q.status.Failed++
		now := time.Now().UTC()
		q.status.LastError = res.Err.Error()
		q.status.LastErrorAt = &now
	} else {
		q.status.Succeeded++
	}
	q.mu.Unlock()

	if res.Err != nil {
		q.logger.Error("store write failed",
			zap.String("key", res.Key),
			zap.String("op", res.Op),
			zap.Int("attempts", res.Attempts),
			zap.Error(res.Err),
		)
	}
	if q.onResult != nil {
		q.onResult(res)
	}
}

// Status returns counters and the last failure.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := q.status
	if st.LastErrorAt != nil {
		at := *st.LastErrorAt
		st.LastErrorAt = &at
	}
	return st
}

// Close stops accepting tasks and waits for queued ones to finish. Once ctx is done, retry
// backoffs are abandoned and the remaining tasks fail fast.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
