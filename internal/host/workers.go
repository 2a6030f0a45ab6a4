// ABOUTME: Fixed-size worker pool that runs KV store requests off the actor loop
// ABOUTME: Routes round-robin, bounds each request with a deadline and restarts crashed workers with backoff

package host

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kbve/droid-gateway/internal/protocol"
)

// Store worker defaults.
const (
	DefaultDBWorkers   = 3
	DefaultDBTimeout   = 30 * time.Second
	dbQueueSize        = 64
	defaultRestartBase = time.Second
	defaultRestartMax  = 8 * time.Second
	defaultMaxRestarts = 3
)

type workerConfig struct {
	size        int
	timeout     time.Duration
	restartBase time.Duration
	restartMax  time.Duration
	maxRestarts int
	logger      *slog.Logger
}

type job struct {
	ctx    context.Context
	fn     func(ctx context.Context) (any, error)
	finish func(result any, err error)
}

type worker struct {
	id   int
	jobs chan *job
	dead atomic.Bool
}

// workerPool runs store requests on a fixed set of goroutines. Each worker
// handles one request at a time so at most size requests touch the store
// concurrently.
type workerPool struct {
	cfg     workerConfig
	logger  *slog.Logger
	workers []*worker
	next    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.Mutex
	closed bool
}

func newWorkerPool(cfg workerConfig) *workerPool {
	if cfg.size <= 0 {
		cfg.size = DefaultDBWorkers
	}
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultDBTimeout
	}
	if cfg.restartBase <= 0 {
		cfg.restartBase = defaultRestartBase
	}
	if cfg.restartMax <= 0 {
		cfg.restartMax = defaultRestartMax
	}
	if cfg.maxRestarts <= 0 {
		cfg.maxRestarts = defaultMaxRestarts
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	p := &workerPool{
		cfg:    cfg,
		logger: cfg.logger.With("component", "db-workers"),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := range cfg.size {
		w := &worker{id: i, jobs: make(chan *job, dbQueueSize)}
		p.workers = append(p.workers, w)
		p.group.Go(func() error {
			p.supervise(w)
			return nil
		})
	}
	p.logger.Debug("db workers started", "size", cfg.size, "timeout", cfg.timeout)
	return p
}

// submit queues fn on the next live worker in round-robin order and returns
// its index, or -1 when no worker can take it. done is called exactly once,
// with a timeout error if fn has not returned by the deadline.
func (p *workerPool) submit(parent context.Context, fn func(ctx context.Context) (any, error), done func(result any, err error)) int {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		done(nil, protocol.ErrNotConnected)
		return -1
	}

	w := p.pick()
	if w == nil {
		done(nil, protocol.Errorf(protocol.KindHandler, "no db worker available"))
		return -1
	}

	ctx, cancel := context.WithTimeout(parent, p.cfg.timeout)
	var once sync.Once
	finish := func(result any, err error) {
		once.Do(func() {
			cancel()
			done(result, err)
		})
	}
	context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			finish(nil, protocol.Errorf(protocol.KindTimeout, "db request timed out after %s", p.cfg.timeout))
			return
		}
		finish(nil, protocol.ErrNotConnected)
	})
	j := &job{ctx: ctx, fn: fn, finish: finish}

	select {
	case w.jobs <- j:
	default:
		finish(nil, protocol.Errorf(protocol.KindHandler, "db worker %d queue is full", w.id))
	}
	return w.id
}

func (p *workerPool) pick() *worker {
	n := uint64(len(p.workers))
	for range n {
		w := p.workers[(p.next.Add(1)-1)%n]
		if !w.dead.Load() {
			return w
		}
	}
	return nil
}

// supervise keeps w serving, restarting it after a crash with exponential
// backoff until maxRestarts is used up.
func (p *workerPool) supervise(w *worker) {
	restarts := 0
	for {
		if !p.serve(w) {
			return
		}
		if restarts >= p.cfg.maxRestarts {
			w.dead.Store(true)
			p.logger.Error("db worker gave up", "worker", w.id, "restarts", restarts)
			p.drain(w, protocol.Errorf(protocol.KindHandler, "db worker %d is unavailable", w.id))
			return
		}
		delay := min(p.cfg.restartBase<<restarts, p.cfg.restartMax)
		restarts++
		p.logger.Warn("restarting db worker", "worker", w.id, "attempt", restarts, "delay", delay)
		select {
		case <-p.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// serve runs jobs until the pool stops (false) or a job panics (true).
func (p *workerPool) serve(w *worker) bool {
	for {
		select {
		case <-p.ctx.Done():
			return false
		case j := <-w.jobs:
			if p.run(w, j) {
				return true
			}
		}
	}
}

func (p *workerPool) run(w *worker, j *job) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("db worker crashed", "worker", w.id, "panic", r)
			j.finish(nil, protocol.Errorf(protocol.KindHandler, "db worker %d crashed: %v", w.id, r))
			crashed = true
		}
	}()
	// Expired while queued; the deadline has already answered.
	if j.ctx.Err() != nil {
		return false
	}
	j.finish(j.fn(j.ctx))
	return false
}

func (p *workerPool) drain(w *worker, err error) {
	for {
		select {
		case j := <-w.jobs:
			j.finish(nil, err)
		default:
			return
		}
	}
}

// close stops the workers, waiting up to timeout for in-flight requests,
// and fails anything still queued.
func (p *workerPool) close(timeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	stopped := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		p.logger.Warn("db workers still busy at close")
	}
	for _, w := range p.workers {
		p.drain(w, protocol.ErrNotConnected)
	}
}
