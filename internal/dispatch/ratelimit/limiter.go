package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rtsup "castbot/internal/runtime/supervisor"
	kit "castbot/internal/transport"
	logx "castbot/pkg/logx"
)

// Limiter serializes outbound API calls under a global ceiling plus
// per-destination rules. A single drain loop executes one task at a time.
type Limiter struct {
	log logx.Logger
	obs Observer

	mu       sync.Mutex
	lim      Limits
	queue    taskQueue
	seq      uint64
	cnt      counters
	paused   time.Time
	stopped  bool
	running  bool
	sup      *rtsup.Supervisor
	wake     chan struct{}
	admitted atomic.Uint64
	retried  atomic.Uint64
	failed   atomic.Uint64
}

type Option func(*Limiter)

func WithLogger(log logx.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		if o != nil {
			l.obs = o
		}
	}
}

func New(lim Limits, opts ...Option) *Limiter {
	l := &Limiter{
		lim:  lim.normalized(),
		cnt:  newCounters(),
		wake: make(chan struct{}, 1),
		obs:  nopObserver{},
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	return l
}

// Start launches the drain loop. Tasks enqueued before Start wait for it.
func (l *Limiter) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	if l.stopped {
		return ErrStopped
	}
	l.running = true
	l.sup = rtsup.New(ctx, rtsup.WithLogger(l.log))
	l.sup.GoRestart("ratelimit.drain", l.drain,
		rtsup.WithRestartBackoff(10*time.Millisecond, time.Second),
	)
	l.log.Info("limiter started",
		logx.Int("global_max", l.lim.GlobalMax),
		logx.Int("group_max", l.lim.GroupMax),
		logx.Bool("group_sliding", l.lim.GroupSliding),
	)
	return nil
}

// Stop halts the drain loop and fails every queued task with ErrStopped.
func (l *Limiter) Stop(ctx context.Context) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	l.stopped = true
	sup := l.sup
	pending := l.queue.drain()
	l.mu.Unlock()

	for _, it := range pending {
		it.done <- result{err: ErrStopped}
	}
	if len(pending) > 0 {
		l.log.Warn("limiter stopped with queued tasks", logx.Int("dropped", len(pending)))
	}
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

// SetLimits swaps limits at runtime. Existing windows are kept.
func (l *Limiter) SetLimits(lim Limits) {
	l.mu.Lock()
	l.lim = lim.normalized()
	l.mu.Unlock()
}

func (l *Limiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lim
}

// Enqueue submits task for dest and blocks until it has been executed and
// accepted, has failed with a non rate-limit error, or ctx is done.
// A higher priority is served first; equal priorities run in arrival order.
func (l *Limiter) Enqueue(ctx context.Context, dest Destination, priority int, task Task) (any, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	it := &item{ctx: ctx, dest: dest, priority: priority, task: task, done: make(chan result, 1)}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil, ErrStopped
	}
	l.pushLocked(it)
	depth := l.queue.live()
	l.mu.Unlock()

	l.obs.QueueDepth(depth)
	l.signal()

	select {
	case r := <-it.done:
		return r.val, r.err
	case <-ctx.Done():
		l.mu.Lock()
		it.cancelled.Store(true)
		depth := l.queue.live()
		l.mu.Unlock()
		l.obs.QueueDepth(depth)
		return nil, ctx.Err()
	}
}

// Do is Enqueue with a typed result.
func Do[T any](ctx context.Context, l *Limiter, dest Destination, priority int, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := l.Enqueue(ctx, dest, priority, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return typed[T](v)
}

// typed asserts a task result. A nil result is the zero T; any other type
// mismatch is a wiring bug and must not pass as success.
func typed[T any](v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("ratelimit: unexpected result %T", v)
	}
	return out, nil
}

// Snapshot returns a copy of queue and counter state. Elapsed windows are
// left out of the view but only the drain loop resets them.
func (l *Limiter) Snapshot() Snapshot {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{
		Queued:   l.queue.live(),
		Running:  l.running && !l.stopped,
		Admitted: l.admitted.Load(),
		Retried:  l.retried.Load(),
		Failed:   l.failed.Load(),
	}
	if l.paused.After(now) {
		s.PausedUntil = l.paused
	}
	l.cnt.snapshot(&s, now, l.lim)
	return s
}

func (l *Limiter) pushLocked(it *item) {
	l.seq++
	it.seq = l.seq
	l.queue.push(it)
}

func (l *Limiter) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// drain runs until ctx ends. It is restarted by the supervisor if it ever
// panics outside a task.
func (l *Limiter) drain(ctx context.Context) error {
	for {
		it, lim, idle := l.next()
		switch {
		case idle:
			select {
			case <-ctx.Done():
				return nil
			case <-l.wake:
			}
			continue
		case it == nil:
			if !sleep(ctx, lim.IdleWait) {
				return nil
			}
			continue
		}

		l.execute(ctx, it, lim)
		if !sleep(ctx, lim.Pace) {
			return nil
		}
	}
}

// next picks the first admissible task. idle reports an empty queue.
func (l *Limiter) next() (it *item, lim Limits, idle bool) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	lim = l.lim
	if l.queue.Len() == 0 {
		return nil, lim, true
	}
	l.cnt.refresh(now, lim)
	it = l.queue.take(func(c *item) bool { return l.cnt.admissible(c.dest, now, lim) })
	if it == nil {
		return nil, lim, false
	}
	l.cnt.admit(it.dest, now, lim)
	l.admitted.Add(1)
	l.obs.Admitted(it.dest, now)
	return it, lim, false
}

func (l *Limiter) execute(ctx context.Context, it *item, lim Limits) {
	it.attempts++
	val, err := l.run(it)

	var rl *kit.RateLimitedError
	if err != nil && errors.As(err, &rl) && it.ctx.Err() == nil {
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = lim.DefaultRetryAfter
		}
		l.mu.Lock()
		if l.stopped {
			l.mu.Unlock()
			it.done <- result{err: ErrStopped}
			return
		}
		it.priority++
		l.pushLocked(it)
		l.paused = time.Now().Add(wait)
		depth := l.queue.live()
		l.mu.Unlock()

		l.retried.Add(1)
		l.obs.Retried(it.dest, wait)
		l.obs.QueueDepth(depth)
		l.log.Warn("rate limited, requeued",
			logx.Int64("chat_id", it.dest.ChatID),
			logx.String("kind", string(it.dest.Kind)),
			logx.Int("priority", it.priority),
			logx.Int("attempt", it.attempts),
			logx.Duration("retry_after", wait),
		)
		sleep(ctx, wait)
		return
	}

	if err != nil {
		l.failed.Add(1)
	}
	l.obs.Finished(it.dest, err)
	it.done <- result{val: val, err: err}

	l.mu.Lock()
	depth := l.queue.live()
	l.mu.Unlock()
	l.obs.QueueDepth(depth)
}

// run invokes the task and turns a panic into its error so the caller is
// answered and the drain loop keeps going.
func (l *Limiter) run(it *item) (val any, err error) {
	defer func() {
		if r := recover(); r != nil {
			val, err = nil, fmt.Errorf("ratelimit: task panic: %v", r)
			l.log.Error("task panicked",
				logx.Int64("chat_id", it.dest.ChatID),
				logx.String("kind", string(it.dest.Kind)),
				logx.Any("panic", r),
			)
		}
	}()
	return it.task(it.ctx)
}

// sleep waits for d or ctx. It reports false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
