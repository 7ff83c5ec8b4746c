// Package oppqueue is a bounded in-memory priority queue for opportunities waiting to be processed.
//
// Queue submission:
//  1. Producer pushes an item with a priority (the observed gas price of the source transaction).
//  2. Push never blocks. If the queue is full, the oldest item with the lowest priority is dropped; when the pushed
//     item has a strictly lower priority than everything queued, it is discarded and `ErrQueueFull` is returned.
//
// Queue processing:
//  1. The queue is processed in a loop by a number of workers in parallel.
//     Amount of workers is determined by the number of `ProcessFunc` functions passed to `StartProcessLoop`.
//  2. Items with the highest priority are processed first; equal priorities are processed in submission order.
//  3. Items that waited longer than `MaxAge` are skipped as stale.
//  4. `ProcessFunc` is called with a context bounded by `WorkerTimeout`.
//     * It should return `nil` if the item was processed, or if processing failed in a way that must not be retried.
//     * If the item should be retried by another worker, `ErrProcessWorkerError` should be returned.
//     The item is requeued up to `MaxRetries` times.
//     * There is an exponential backoff between failures for the worker so if the worker
//     is constantly failing to process items it will get less and less work.
//
// Queue shutdown:
//  1. Workers can be shutdown by cancelling the context passed to `StartProcessLoop`.
//  2. WaitGroup returned from `StartProcessLoop` can be used to wait for all workers to finish the item in hand.
package oppqueue

import (
	"container/heap"
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flashbots/mempool-executor/metrics"
	"go.uber.org/zap"
)

var (
	ErrQueueFull         = errors.New("queue is full")
	ErrMaxRetriesReached = errors.New("max retries reached")
	ErrEmptyQueue        = errors.New("queue is empty")
)

// ErrProcessWorkerError is returned by ProcessFunc if item should be retried by a different worker.
var ErrProcessWorkerError = errors.New("worker error, retry processing on another worker")

const (
	DefaultMaxSize       = 1000
	DefaultMaxRetries    = uint16(3)
	DefaultMaxAge        = 12 * time.Second
	DefaultWorkerTimeout = 30 * time.Second

	popWaitTimeout = time.Second
)

type Config struct {
	MaxSize       int
	MaxRetries    uint16
	MaxAge        time.Duration
	WorkerTimeout time.Duration
}

var DefaultConfig = Config{
	MaxSize:       DefaultMaxSize,
	MaxRetries:    DefaultMaxRetries,
	MaxAge:        DefaultMaxAge,
	WorkerTimeout: DefaultWorkerTimeout,
}

type ItemInfo struct {
	QueuedAt time.Time
	Priority *big.Int
	Retries  int
}

type ProcessFunc[T any] func(ctx context.Context, item T, info ItemInfo) error

type Queue[T any] interface {
	Push(ctx context.Context, item T, priority *big.Int) error
	Len() int
	StartProcessLoop(ctx context.Context, workers []ProcessFunc[T]) *sync.WaitGroup
}

type MemoryQueue[T any] struct {
	log     *zap.Logger
	metrics *metrics.QueueMetrics

	mu     sync.Mutex
	items  itemHeap[T]
	seq    uint64
	notify chan struct{}
	now    func() time.Time

	Config Config
}

func NewMemoryQueue[T any](log *zap.Logger, queueName string, config Config) *MemoryQueue[T] {
	return &MemoryQueue[T]{
		log:     log.With(zap.String("queue", queueName)),
		metrics: metrics.ForQueue(queueName),
		notify:  make(chan struct{}, 1),
		now:     time.Now,
		Config:  config,
	}
}

func (q *MemoryQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *MemoryQueue[T]) Push(_ context.Context, item T, priority *big.Int) error {
	if priority == nil {
		priority = new(big.Int)
	}
	q.mu.Lock()
	err := q.pushLocked(&entry[T]{
		value:    item,
		priority: priority,
		queuedAt: q.now(),
	})
	q.mu.Unlock()
	if err != nil {
		q.metrics.IncFull()
		q.log.Debug("queue is full, dropped pushed item", zap.String("priority", priority.String()))
		return err
	}
	q.metrics.IncPushed()
	q.signal()
	return nil
}

func (q *MemoryQueue[T]) pushLocked(e *entry[T]) error {
	if q.Config.MaxSize > 0 && q.items.Len() >= q.Config.MaxSize {
		lowest := q.items.lowest()
		if lowest < 0 || q.items[lowest].priority.Cmp(e.priority) > 0 {
			return ErrQueueFull
		}
		evicted := heap.Remove(&q.items, lowest).(*entry[T]) //nolint:forcetypeassert
		q.metrics.IncEvicted()
		q.log.Debug("queue is full, evicted lowest priority item", zap.String("priority", evicted.priority.String()))
	}
	q.seq++
	e.seq = q.seq
	heap.Push(&q.items, e)
	return nil
}

func (q *MemoryQueue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// popFromQueue pops the highest priority item
// it will block for up to 1 second waiting for an item if the queue is empty
func (q *MemoryQueue[T]) popFromQueue(ctx context.Context) (*entry[T], error) {
	timer := time.NewTimer(popWaitTimeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			e := heap.Pop(&q.items).(*entry[T]) //nolint:forcetypeassert
			remaining := q.items.Len()
			q.mu.Unlock()
			if remaining > 0 {
				q.signal()
			}
			return e, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, ErrEmptyQueue
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue[T]) processNextItem(ctx context.Context, process ProcessFunc[T]) error {
	e, err := q.popFromQueue(ctx)
	if err != nil {
		if errors.Is(err, ErrEmptyQueue) {
			return nil
		}
		return err
	}

	timeInQueue := q.now().Sub(e.queuedAt)
	if q.Config.MaxAge > 0 && timeInQueue > q.Config.MaxAge {
		q.metrics.IncStale()
		q.log.Debug("skipping stale item", zap.Duration("time_in_queue", timeInQueue))
		return nil
	}

	workerCtx, workerCancel := context.WithTimeout(ctx, q.Config.WorkerTimeout)
	defer workerCancel()
	err = process(workerCtx, e.value, ItemInfo{QueuedAt: e.queuedAt, Priority: e.priority, Retries: int(e.retries)})

	switch {
	case errors.Is(err, ErrProcessWorkerError):
		q.log.Warn("worker failed to process item, retrying", zap.Error(err), zap.Uint16("retries", e.retries))
		return q.retryItem(e)
	case err != nil:
		return err
	}
	q.log.Debug("processed queue item", zap.Uint16("retries", e.retries), zap.Duration("time_in_queue", timeInQueue))
	return nil
}

func (q *MemoryQueue[T]) retryItem(e *entry[T]) error {
	if e.retries >= q.Config.MaxRetries {
		return ErrMaxRetriesReached
	}
	e.retries++
	q.mu.Lock()
	err := q.pushLocked(e)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	q.signal()
	return nil
}

// StartProcessLoop starts a loop that will process items from the queue
// it will spawn a goroutine for each worker.
// ctx can be used to signal shutdown
// Wait group is returned to allow for graceful shutdown
func (q *MemoryQueue[T]) StartProcessLoop(ctx context.Context, workers []ProcessFunc[T]) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, process := range workers {
		wg.Add(1)
		go func(process ProcessFunc[T]) {
			defer wg.Done()

			exp := backoff.NewExponentialBackOff()
			exp.MaxInterval = 10 * time.Second
			exp.MaxElapsedTime = time.Minute
			back := backoff.WithContext(exp, ctx)
			for {
				select {
				case <-ctx.Done():
					return
				default:
					err := backoff.Retry(func() error {
						return q.processNextItem(ctx, process)
					}, back)
					if err != nil && !errors.Is(err, context.Canceled) {
						q.log.Error("Processing next element failed", zap.Error(err))
					}
				}
			}
		}(process)
	}
	return &wg
}
