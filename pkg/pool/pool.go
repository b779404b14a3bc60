package pool

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/couriermq/courier/pkg/log"
	"github.com/couriermq/courier/pkg/metrics"
	"github.com/couriermq/courier/pkg/types"
)

// Task is a unit of work executed on a pool worker. The context carries the
// executing worker's name, retrievable with WorkerName.
type Task func(ctx context.Context) error

type ctxKey struct{}

// WorkerName returns the name of the worker executing the task, or "" when
// the context did not come from a pool.
func WorkerName(ctx context.Context) string {
	name, _ := ctx.Value(ctxKey{}).(string)
	return name
}

func withWorkerName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxKey{}, name)
}

// Future resolves with the task's error once it has run.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// FailedFuture returns an already-resolved future carrying err, for callers
// that refuse work before it ever reaches a pool.
func FailedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Wait blocks until the task completes or ctx is done. The task keeps
// running even when Wait returns early.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the task has completed.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

type item struct {
	ctx    context.Context
	task   Task
	future *Future
}

// Pool is a bounded worker pool dedicated to one partner. Core workers stay
// alive for the pool's lifetime; surge workers above the core count retire
// after IdleKeepAlive without work. When the queue is full and the pool is at
// maximum size, Submit runs the task on the calling goroutine instead of
// dropping it, which applies backpressure to the consumer.
type Pool struct {
	partnerID     string
	core          int
	max           int
	keepAlive     time.Duration
	queue         chan *item
	stopNow       chan struct{}
	stopCtx       context.Context
	stopCancel    context.CancelFunc
	logger        zerolog.Logger
	nextWorkerNum atomic.Int64

	mu           sync.Mutex
	size         int
	shuttingDown bool
	queueClosed  bool

	wg        sync.WaitGroup
	active    atomic.Int64
	completed atomic.Int64
}

// New creates a pool sized from cfg and starts its core workers.
func New(cfg types.PartnerConfig) *Pool {
	keepAlive := cfg.IdleKeepAlive
	if keepAlive <= 0 {
		keepAlive = types.DefaultPartnerConfig().IdleKeepAlive
	}
	stopCtx, stopCancel := context.WithCancel(context.Background())
	p := &Pool{
		partnerID:  cfg.PartnerID,
		core:       cfg.CoreWorkers,
		max:        cfg.MaxWorkers,
		keepAlive:  keepAlive,
		queue:      make(chan *item, cfg.QueueCapacity),
		stopNow:    make(chan struct{}),
		stopCtx:    stopCtx,
		stopCancel: stopCancel,
		logger:     log.WithPartnerID(log.WithComponent("pool"), cfg.PartnerID),
	}

	p.mu.Lock()
	for i := 0; i < p.core; i++ {
		p.spawnLocked()
	}
	p.mu.Unlock()

	p.logger.Info().
		Int("core_workers", p.core).
		Int("max_workers", p.max).
		Int("queue_capacity", cfg.QueueCapacity).
		Msg("worker pool created")
	return p
}

// workerName builds the stable per-worker name. Worker 0 is reserved for
// caller-runs executions.
func (p *Pool) workerName(n int64) string {
	return "Partner-" + p.partnerID + "-Worker-" + strconv.FormatInt(n, 10)
}

func (p *Pool) spawnLocked() {
	p.size++
	name := p.workerName(p.nextWorkerNum.Add(1))
	p.wg.Add(1)
	go p.worker(name)
}

func (p *Pool) worker(name string) {
	defer p.wg.Done()
	logger := log.WithWorkerName(p.logger, name)
	logger.Debug().Msg("worker started")

	idle := time.NewTimer(p.keepAlive)
	defer idle.Stop()

	for {
		select {
		case it, ok := <-p.queue:
			if !ok {
				p.retire(logger, "queue closed")
				return
			}
			p.run(it, name)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.keepAlive)
		case <-idle.C:
			if p.tryRetireIdle() {
				logger.Debug().Str("reason", "idle timeout").Msg("worker exiting")
				return
			}
			idle.Reset(p.keepAlive)
		case <-p.stopNow:
			p.retire(logger, "pool stopped")
			return
		}
	}
}

func (p *Pool) retire(logger zerolog.Logger, reason string) {
	p.mu.Lock()
	p.size--
	p.mu.Unlock()
	logger.Debug().Str("reason", reason).Msg("worker exiting")
}

// tryRetireIdle retires one surge worker if the pool is above core size. The
// check and the decrement happen under one lock so concurrent idle workers
// cannot both retire past the core floor.
func (p *Pool) tryRetireIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.size > p.core {
		p.size--
		return true
	}
	return false
}

func (p *Pool) run(it *item, name string) {
	p.active.Add(1)
	metrics.PoolActiveWorkers.WithLabelValues(p.partnerID).Inc()
	metrics.PoolQueueDepth.WithLabelValues(p.partnerID).Set(float64(len(p.queue)))

	err := p.safeRun(it, name)
	it.future.complete(err)

	p.active.Add(-1)
	p.completed.Add(1)
	metrics.PoolActiveWorkers.WithLabelValues(p.partnerID).Dec()
}

func (p *Pool) safeRun(it *item, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("worker", name).Interface("panic", r).Msg("task panicked")
			err = fmt.Errorf("task panic: %v: %w", r, types.ErrInternal)
		}
	}()
	// Task contexts are also cancelled when an expired shutdown grace gives
	// up on in-flight work.
	ctx, cancel := context.WithCancel(it.ctx)
	defer cancel()
	stop := context.AfterFunc(p.stopCtx, cancel)
	defer stop()
	return it.task(withWorkerName(ctx, name))
}

// Submit schedules task on the pool. Scheduling order: hand to an idle
// worker via the queue, grow the pool up to max, and finally run on the
// calling goroutine when both queue and pool are saturated. The returned
// Future resolves when the task finishes; when the task ran caller-side it
// has already resolved by the time Submit returns.
func (p *Pool) Submit(ctx context.Context, task Task) (*Future, error) {
	fut := newFuture()
	it := &item{ctx: ctx, task: task, future: fut}

	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool %s: %w", p.partnerID, types.ErrShuttingDown)
	}

	select {
	case p.queue <- it:
		metrics.PoolQueueDepth.WithLabelValues(p.partnerID).Set(float64(len(p.queue)))
		p.mu.Unlock()
		return fut, nil
	default:
	}

	if p.size < p.max {
		p.spawnLocked()
		select {
		case p.queue <- it:
			p.mu.Unlock()
			return fut, nil
		default:
		}
	}
	p.mu.Unlock()

	// Queue full at maximum size: run on the caller's goroutine.
	metrics.PoolCallerRuns.WithLabelValues(p.partnerID).Inc()
	p.logger.Warn().Msg("pool saturated, running task on caller")
	p.active.Add(1)
	err := p.safeRun(it, p.workerName(0))
	p.active.Add(-1)
	p.completed.Add(1)
	fut.complete(err)
	return fut, nil
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	size := p.size
	shuttingDown := p.shuttingDown
	p.mu.Unlock()

	return types.PoolStats{
		PartnerID:       p.partnerID,
		ActiveCount:     int(p.active.Load()),
		PoolSize:        size,
		CorePoolSize:    p.core,
		MaximumPoolSize: p.max,
		QueueDepth:      len(p.queue),
		CompletedCount:  p.completed.Load(),
		ShuttingDown:    shuttingDown,
	}
}

// Shutdown drains the pool. With graceful set, queued tasks run to
// completion; otherwise queued tasks are discarded and their futures resolve
// with a shutdown error. Shutdown returns once all workers have exited or
// ctx is done; when ctx expires first, in-flight task contexts are
// cancelled so workers blocked on them can exit.
func (p *Pool) Shutdown(ctx context.Context, graceful bool) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return p.await(ctx)
	}
	p.shuttingDown = true

	if !graceful {
		close(p.stopNow)
		p.stopCancel()
	drain:
		for {
			select {
			case it := <-p.queue:
				it.future.complete(fmt.Errorf("pool %s: %w", p.partnerID, types.ErrShuttingDown))
			default:
				break drain
			}
		}
	}
	if !p.queueClosed {
		p.queueClosed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.logger.Info().Bool("graceful", graceful).Msg("pool shutting down")
	err := p.await(ctx)
	p.stopCancel()
	return err
}

func (p *Pool) await(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool %s shutdown: %w", p.partnerID, ctx.Err())
	}
}
