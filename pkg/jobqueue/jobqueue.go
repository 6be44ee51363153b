package jobqueue

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/cuemby/failover/pkg/config"
	"github.com/cuemby/failover/pkg/errcode"
	"github.com/cuemby/failover/pkg/log"
	"github.com/cuemby/failover/pkg/metrics"
	"github.com/cuemby/failover/pkg/types"
)

// JobItem is a unit of work processed against the queue's root
type JobItem[R any] interface {
	// Key serializes items: items with the same non-empty key run one at a time in FIFO order
	Key() string
	// Timeout is the longest the item may wait before it is started; zero waits forever
	Timeout() time.Duration
	Process(root R)
	OnTimeout(root R)
	// OnQueueFull is called synchronously from Enqueue when the item is rejected
	OnQueueFull(root R, actualSize int)
}

// ClosedHandler is implemented by items that distinguish shutdown from timeout
type ClosedHandler[R any] interface {
	OnClosed(root R)
}

type job[R any] struct {
	item       JobItem[R]
	enqueuedAt time.Time
}

type keyState[R any] struct {
	waiting []*job[R]
}

// Queue is a bounded job queue with per-key serialization
type Queue[R any] struct {
	name   string
	root   R
	clock  clock.Clock
	logger zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	runnable []*job[R]
	active   map[string]*keyState[R]
	maxSize  int
	pending  int
	inFlight int
	closed   bool

	processed int64
	queueFull int64
	timedOut  int64

	wg sync.WaitGroup
}

// New creates a queue and starts cfg.WorkerCount workers
func New[R any](name string, root R, cfg config.JobQueueConfig, clk clock.Clock) *Queue[R] {
	if clk == nil {
		clk = clock.New()
	}
	workers := cfg.WorkerCount
	if workers <= 0 {
		workers = 1
	}

	q := &Queue[R]{
		name:    name,
		root:    root,
		clock:   clk,
		logger:  log.WithComponent("jobqueue").With().Str("queue", name).Logger(),
		active:  make(map[string]*keyState[R]),
		maxSize: cfg.MaxQueueSize,
	}
	q.cond = sync.NewCond(&q.mu)

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// SetMaxQueueSize changes the capacity for subsequent enqueues
func (q *Queue[R]) SetMaxQueueSize(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxSize = n
}

// Enqueue adds item without blocking. A full queue calls item.OnQueueFull
// and returns ErrServiceBusy; a closed queue returns ErrObjectClosed.
func (q *Queue[R]) Enqueue(item JobItem[R]) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.Wrapf(errcode.ErrObjectClosed, "job queue %s", q.name)
	}

	size := q.pending + q.inFlight
	if q.maxSize > 0 && size >= q.maxSize {
		q.queueFull++
		q.mu.Unlock()

		metrics.JobQueueFull.WithLabelValues(q.name).Inc()
		q.logger.Warn().
			Str("key", item.Key()).
			Int("size", size).
			Msg("Job queue full, rejecting item")
		item.OnQueueFull(q.root, size)
		return errors.Wrapf(errcode.ErrServiceBusy, "job queue %s full at %d items", q.name, size)
	}

	j := &job[R]{item: item, enqueuedAt: q.clock.Now()}
	q.pending++

	key := item.Key()
	if key == "" {
		q.runnable = append(q.runnable, j)
		q.cond.Signal()
	} else if ks, ok := q.active[key]; ok {
		ks.waiting = append(ks.waiting, j)
	} else {
		q.active[key] = &keyState[R]{}
		q.runnable = append(q.runnable, j)
		q.cond.Signal()
	}
	depth := q.pending + q.inFlight
	q.mu.Unlock()

	metrics.JobQueueDepth.WithLabelValues(q.name).Set(float64(depth))
	return nil
}

// Counts returns a snapshot of the queue counters
func (q *Queue[R]) Counts() types.QueueCounts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return types.QueueCounts{
		Pending:   q.pending,
		InFlight:  q.inFlight,
		Processed: q.processed,
		QueueFull: q.queueFull,
		TimedOut:  q.timedOut,
	}
}

// Close stops accepting items, completes waiting items with OnClosed (or
// OnTimeout when the item has no OnClosed) and waits for in-flight items.
func (q *Queue[R]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true

	var abandoned []*job[R]
	abandoned = append(abandoned, q.runnable...)
	for _, ks := range q.active {
		abandoned = append(abandoned, ks.waiting...)
	}
	q.runnable = nil
	q.active = make(map[string]*keyState[R])
	q.pending = 0
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, j := range abandoned {
		if ch, ok := j.item.(ClosedHandler[R]); ok {
			ch.OnClosed(q.root)
		} else {
			j.item.OnTimeout(q.root)
		}
	}

	q.wg.Wait()
	q.logger.Debug().Int("abandoned", len(abandoned)).Msg("Job queue closed")
}

func (q *Queue[R]) worker() {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.runnable) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}

		j := q.runnable[0]
		q.runnable[0] = nil
		q.runnable = q.runnable[1:]
		q.pending--
		q.inFlight++
		q.mu.Unlock()

		q.run(j)

		q.mu.Lock()
		q.inFlight--
		q.processed++
		if key := j.item.Key(); key != "" && !q.closed {
			if ks, ok := q.active[key]; ok {
				if len(ks.waiting) > 0 {
					next := ks.waiting[0]
					ks.waiting[0] = nil
					ks.waiting = ks.waiting[1:]
					q.runnable = append(q.runnable, next)
					q.cond.Signal()
				} else {
					delete(q.active, key)
				}
			}
		}
		depth := q.pending + q.inFlight
		q.mu.Unlock()

		metrics.JobQueueDepth.WithLabelValues(q.name).Set(float64(depth))
	}
}

func (q *Queue[R]) run(j *job[R]) {
	if timeout := j.item.Timeout(); timeout > 0 {
		if waited := q.clock.Since(j.enqueuedAt); waited > timeout {
			q.mu.Lock()
			q.timedOut++
			q.mu.Unlock()

			metrics.JobItemsTimedOut.WithLabelValues(q.name).Inc()
			q.logger.Warn().
				Str("key", j.item.Key()).
				Dur("waited", waited).
				Dur("timeout", timeout).
				Msg("Job item timed out before processing")
			j.item.OnTimeout(q.root)
			return
		}
	}

	j.item.Process(q.root)
	metrics.JobItemsProcessed.WithLabelValues(q.name).Inc()
}
