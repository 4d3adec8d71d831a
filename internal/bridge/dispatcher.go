package bridge

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// Dispatcher defaults.
const (
	DefaultDispatchWorkers   = 4
	DefaultDispatchQueueSize = 64
)

// Job is one unit of dispatch work. The context is cancelled when the
// dispatcher shuts down.
type Job func(ctx context.Context)

// DispatchStats is a snapshot of dispatcher counters.
type DispatchStats struct {
	Submitted uint64
	Rejected  uint64
	Completed uint64
	Panicked  uint64
	Queued    int
}

// Dispatcher runs jobs on a fixed pool of workers. Each worker has its own
// bounded queue and a job's key picks the worker, so jobs sharing a key run
// one at a time in submission order. Submit never blocks.
type Dispatcher struct {
	shards []chan Job

	stopOnce sync.Once
	stopped  chan struct{}

	loggerMu sync.RWMutex
	logger   Logger

	submitted atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	panicked  atomic.Uint64
}

// NewDispatcher creates a dispatcher. Non-positive sizes use the defaults.
// queueSize is split evenly across the workers, with at least one slot
// each.
func NewDispatcher(workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = DefaultDispatchWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultDispatchQueueSize
	}

	perShard := max(1, queueSize/workers)
	shards := make([]chan Job, workers)
	for i := range shards {
		shards[i] = make(chan Job, perShard)
	}
	return &Dispatcher{
		shards:  shards,
		stopped: make(chan struct{}),
	}
}

// SetLogger sets the logger used to report panicking jobs.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.loggerMu.Lock()
	defer d.loggerMu.Unlock()
	d.logger = logger
}

// Submit queues job on the worker owning key. It returns ErrQueueFull when
// that worker's queue is at capacity and ErrStopped after Run has returned.
func (d *Dispatcher) Submit(key string, job Job) error {
	select {
	case <-d.stopped:
		d.rejected.Add(1)
		return ErrStopped
	default:
	}

	select {
	case d.shards[d.shardFor(key)] <- job:
		d.submitted.Add(1)
		return nil
	default:
		d.rejected.Add(1)
		return ErrQueueFull
	}
}

func (d *Dispatcher) shardFor(key string) int {
	if len(d.shards) == 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck // hash.Hash never returns an error
	return int(h.Sum32() % uint32(len(d.shards))) // #nosec G115 -- shard count is small and positive
}

// Run starts the workers and blocks until ctx is cancelled. Jobs still
// queued at that point are dropped.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, jobs := range d.shards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx, jobs)
		}()
	}

	<-ctx.Done()
	d.stopOnce.Do(func() { close(d.stopped) })
	wg.Wait()
	return nil
}

func (d *Dispatcher) work(ctx context.Context, jobs <-chan Job) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			d.runJob(ctx, job)
			d.completed.Add(1)
		}
	}
}

// runJob keeps a panicking job from taking its worker down with it.
func (d *Dispatcher) runJob(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			d.panicked.Add(1)
			d.loggerMu.RLock()
			logger := d.logger
			d.loggerMu.RUnlock()
			if logger != nil {
				logger.Error("dispatch job panic", "panic", fmt.Sprint(r))
			}
		}
	}()
	job(ctx)
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() DispatchStats {
	queued := 0
	for _, jobs := range d.shards {
		queued += len(jobs)
	}
	return DispatchStats{
		Submitted: d.submitted.Load(),
		Rejected:  d.rejected.Load(),
		Completed: d.completed.Load(),
		Panicked:  d.panicked.Load(),
		Queued:    queued,
	}
}
