package ratelimit

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kit "castbot/internal/transport"
)

type admission struct {
	dest Destination
	at   time.Time
}

type recorder struct {
	mu       sync.Mutex
	admitted []admission
	retries  []time.Duration
	depth    int
}

func (r *recorder) Admitted(d Destination, at time.Time) {
	r.mu.Lock()
	r.admitted = append(r.admitted, admission{dest: d, at: at})
	r.mu.Unlock()
}

func (r *recorder) Retried(_ Destination, after time.Duration) {
	r.mu.Lock()
	r.retries = append(r.retries, after)
	r.mu.Unlock()
}

func (r *recorder) Finished(Destination, error) {}

func (r *recorder) QueueDepth(n int) {
	r.mu.Lock()
	r.depth = n
	r.mu.Unlock()
}

func (r *recorder) list() []admission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]admission(nil), r.admitted...)
}

func fastLimits() Limits {
	return Limits{
		GlobalMax:         100,
		GlobalWindow:      time.Second,
		PrivateCooldown:   150 * time.Millisecond,
		GroupMax:          100,
		GroupWindow:       time.Second,
		IdleWait:          5 * time.Millisecond,
		Pace:              time.Millisecond,
		DefaultRetryAfter: 100 * time.Millisecond,
	}
}

func startLimiter(t *testing.T, l *Limiter) {
	t.Helper()
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Stop(ctx)
	})
}

func waitQueued(t *testing.T, l *Limiter, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.Snapshot().Queued == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue never reached %d (have %d)", n, l.Snapshot().Queued)
}

func okTask(ctx context.Context) (any, error) { return "ok", nil }

// enqueueAll runs one Enqueue per destination concurrently and waits for all.
func enqueueAll(t *testing.T, l *Limiter, dests []Destination) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, len(dests))
	for _, d := range dests {
		wg.Add(1)
		go func(d Destination) {
			defer wg.Done()
			if _, err := l.Enqueue(context.Background(), d, 0, okTask); err != nil {
				errs <- err
			}
		}(d)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("enqueue: %v", err)
	}
}

// windows splits admission times into consecutive windows that each open on
// an admission and span d, returning the size of each.
func windows(ads []admission, d time.Duration) []int {
	var out []int
	var start time.Time
	for _, a := range ads {
		if len(out) == 0 || !a.at.Before(start.Add(d)) {
			start = a.at
			out = append(out, 0)
		}
		out[len(out)-1]++
	}
	return out
}

func TestGlobalCeiling(t *testing.T) {
	lim := fastLimits()
	lim.GlobalMax = 5
	lim.GlobalWindow = 200 * time.Millisecond
	rec := &recorder{}
	l := New(lim, WithObserver(rec))
	startLimiter(t, l)

	dests := make([]Destination, 12)
	for i := range dests {
		dests[i] = Destination{ChatID: int64(-1000 - i), Kind: kit.ChatChannel}
	}
	enqueueAll(t, l, dests)

	ads := rec.list()
	if len(ads) != 12 {
		t.Fatalf("admissions: got %d want 12", len(ads))
	}
	ws := windows(ads, lim.GlobalWindow)
	if len(ws) < 3 {
		t.Fatalf("expected at least 3 windows, got %v", ws)
	}
	for i, n := range ws {
		if n > lim.GlobalMax {
			t.Fatalf("window %d admitted %d > %d (%v)", i, n, lim.GlobalMax, ws)
		}
	}
}

func TestPrivateCooldown(t *testing.T) {
	lim := fastLimits()
	rec := &recorder{}
	l := New(lim, WithObserver(rec))

	a := Destination{ChatID: 1, Kind: kit.ChatPrivate}
	b := Destination{ChatID: 2, Kind: kit.ChatPrivate}

	var wg sync.WaitGroup
	for i, d := range []Destination{a, a, b} {
		wg.Add(1)
		go func(d Destination) {
			defer wg.Done()
			_, _ = l.Enqueue(context.Background(), d, 0, okTask)
		}(d)
		waitQueued(t, l, i+1)
	}
	startLimiter(t, l)
	wg.Wait()

	var sameChat []time.Time
	var other time.Time
	for _, ad := range rec.list() {
		if ad.dest == a {
			sameChat = append(sameChat, ad.at)
		} else {
			other = ad.at
		}
	}
	if len(sameChat) != 2 {
		t.Fatalf("chat 1 admissions: %d", len(sameChat))
	}
	if gap := sameChat[1].Sub(sameChat[0]); gap < lim.PrivateCooldown {
		t.Fatalf("private chat sent twice within %s", gap)
	}
	if !other.Before(sameChat[1]) {
		t.Fatalf("other chat should not wait for chat 1 cooldown")
	}
}

func TestGroupWindow(t *testing.T) {
	for _, sliding := range []bool{false, true} {
		name := "discrete"
		if sliding {
			name = "sliding"
		}
		t.Run(name, func(t *testing.T) {
			lim := fastLimits()
			lim.GroupMax = 3
			lim.GroupWindow = 200 * time.Millisecond
			lim.GroupSliding = sliding
			rec := &recorder{}
			l := New(lim, WithObserver(rec))
			startLimiter(t, l)

			dests := make([]Destination, 7)
			for i := range dests {
				dests[i] = Destination{ChatID: -42, Kind: kit.ChatSuperGroup}
			}
			enqueueAll(t, l, dests)

			ads := rec.list()
			if len(ads) != 7 {
				t.Fatalf("admissions: got %d", len(ads))
			}
			for i, n := range windows(ads, lim.GroupWindow) {
				if n > lim.GroupMax {
					t.Fatalf("window %d admitted %d", i, n)
				}
			}
			if !sliding {
				return
			}
			for i := range ads {
				n := 0
				for j := i; j < len(ads) && ads[j].at.Before(ads[i].at.Add(lim.GroupWindow)); j++ {
					n++
				}
				if n > lim.GroupMax {
					t.Fatalf("sliding window from admission %d holds %d", i, n)
				}
			}
		})
	}
}

func TestPriorityOrdering(t *testing.T) {
	l := New(fastLimits())

	var mu sync.Mutex
	var order []string
	task := func(name string) Task {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}
	}

	var wg sync.WaitGroup
	submit := func(name string, prio int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Enqueue(context.Background(), Destination{ChatID: -1, Kind: kit.ChatChannel}, prio, task(name))
		}()
	}
	submit("A", 0)
	waitQueued(t, l, 1)
	submit("C", 0)
	waitQueued(t, l, 2)
	submit("B", 1)
	waitQueued(t, l, 3)

	startLimiter(t, l)
	wg.Wait()

	if want := []string{"B", "A", "C"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("order: got %v want %v", order, want)
	}
}

func TestRetryAfterHonored(t *testing.T) {
	rec := &recorder{}
	l := New(fastLimits(), WithObserver(rec))

	var calls atomic.Int32
	var rejectedAt atomic.Int64
	flaky := func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			rejectedAt.Store(time.Now().UnixNano())
			return nil, &kit.RateLimitedError{RetryAfter: 250 * time.Millisecond}
		}
		return "sent", nil
	}
	x := Destination{ChatID: -1, Kind: kit.ChatChannel}
	y := Destination{ChatID: -2, Kind: kit.ChatChannel}

	var got any
	var gotErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		got, gotErr = l.Enqueue(context.Background(), x, 0, flaky)
	}()
	waitQueued(t, l, 1)
	go func() {
		defer wg.Done()
		_, _ = l.Enqueue(context.Background(), y, 0, okTask)
	}()
	waitQueued(t, l, 2)

	startLimiter(t, l)
	wg.Wait()

	if gotErr != nil || got != "sent" {
		t.Fatalf("retried task: got %v, %v", got, gotErr)
	}
	if calls.Load() != 2 {
		t.Fatalf("task calls: %d", calls.Load())
	}
	ads := rec.list()
	if len(ads) != 3 || ads[0].dest != x || ads[1].dest != x || ads[2].dest != y {
		t.Fatalf("admission order: %+v", ads)
	}
	rejected := time.Unix(0, rejectedAt.Load())
	if ads[1].at.Sub(rejected) < 250*time.Millisecond {
		t.Fatalf("admitted %s after rejection", ads[1].at.Sub(rejected))
	}
	if snap := l.Snapshot(); snap.Retried != 1 || snap.Admitted != 3 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestRetryAfterDefault(t *testing.T) {
	rec := &recorder{}
	l := New(fastLimits(), WithObserver(rec))
	startLimiter(t, l)

	var calls atomic.Int32
	_, err := l.Enqueue(context.Background(), Destination{ChatID: 7, Kind: kit.ChatGroup}, 0, func(ctx context.Context) (any, error) {
		if calls.Add(1) == 1 {
			return nil, &kit.RateLimitedError{}
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.retries) != 1 || rec.retries[0] != 100*time.Millisecond {
		t.Fatalf("retry waits: %v", rec.retries)
	}
}

func TestTerminalErrorNotRetried(t *testing.T) {
	l := New(fastLimits())
	startLimiter(t, l)

	boom := &kit.APIError{Code: 403, Description: "Forbidden"}
	var calls atomic.Int32
	_, err := l.Enqueue(context.Background(), Destination{ChatID: -5, Kind: kit.ChatChannel}, 0, func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls: %d", calls.Load())
	}
	if l.Snapshot().Failed != 1 {
		t.Fatalf("failed counter not incremented")
	}
}

func TestCountersReturnToFresh(t *testing.T) {
	lim := fastLimits()
	lim.GlobalWindow = 100 * time.Millisecond
	lim.PrivateCooldown = 100 * time.Millisecond
	lim.GroupWindow = 100 * time.Millisecond
	l := New(lim)
	startLimiter(t, l)

	enqueueAll(t, l, []Destination{
		{ChatID: 1, Kind: kit.ChatPrivate},
		{ChatID: -10, Kind: kit.ChatGroup},
		{ChatID: -20, Kind: kit.ChatChannel},
	})
	busy := l.Snapshot()
	if busy.Global.Count == 0 || len(busy.Groups) == 0 {
		t.Fatalf("expected live counters, got %+v", busy)
	}

	time.Sleep(150 * time.Millisecond)
	fresh := New(lim).Snapshot()
	idle := l.Snapshot()
	if !reflect.DeepEqual(idle.Global, fresh.Global) || idle.Private != nil || idle.Groups != nil {
		t.Fatalf("counters not reset: %+v", idle)
	}
}

func TestEnqueueCancelled(t *testing.T) {
	l := New(fastLimits())

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		_, err := l.Enqueue(ctx, Destination{ChatID: -1, Kind: kit.ChatChannel}, 0, func(context.Context) (any, error) {
			ran.Store(true)
			return nil, nil
		})
		done <- err
	}()
	waitQueued(t, l, 1)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err: %v", err)
	}

	startLimiter(t, l)
	if _, err := l.Enqueue(context.Background(), Destination{ChatID: -2, Kind: kit.ChatChannel}, 0, okTask); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ran.Load() {
		t.Fatalf("cancelled task must not run")
	}
}

func TestStopFailsQueued(t *testing.T) {
	l := New(fastLimits())
	done := make(chan error, 1)
	go func() {
		_, err := l.Enqueue(context.Background(), Destination{ChatID: 3, Kind: kit.ChatPrivate}, 0, okTask)
		done <- err
	}()
	waitQueued(t, l, 1)

	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-done; !errors.Is(err, ErrStopped) {
		t.Fatalf("queued task err: %v", err)
	}
	if _, err := l.Enqueue(context.Background(), Destination{ChatID: 3}, 0, okTask); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after stop: %v", err)
	}
}

func TestDoTyped(t *testing.T) {
	l := New(fastLimits())
	startLimiter(t, l)

	ref, err := Do(context.Background(), l, Destination{ChatID: -9, Kind: kit.ChatChannel}, 0, func(ctx context.Context) (kit.MessageRef, error) {
		return kit.MessageRef{ChatID: -9, MessageID: 77}, nil
	})
	if err != nil || ref.MessageID != 77 {
		t.Fatalf("Do: %+v %v", ref, err)
	}
}

func TestTaskPanicAnswersCallerAndKeepsDraining(t *testing.T) {
	l := New(fastLimits())
	startLimiter(t, l)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.Enqueue(ctx, Destination{ChatID: -1, Kind: kit.ChatChannel}, 0, func(context.Context) (any, error) {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "ratelimit: task panic: boom") {
		t.Fatalf("panicking task err: %v", err)
	}

	v, err := l.Enqueue(ctx, Destination{ChatID: -2, Kind: kit.ChatChannel}, 0, okTask)
	if err != nil || v != "ok" {
		t.Fatalf("next task: %v, %v", v, err)
	}
	snap := l.Snapshot()
	if !snap.Running || snap.Failed != 1 || snap.Queued != 0 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestTypedResult(t *testing.T) {
	ref, err := typed[kit.MessageRef](kit.MessageRef{MessageID: 5})
	if err != nil || ref.MessageID != 5 {
		t.Fatalf("match: %+v %v", ref, err)
	}
	if ref, err := typed[kit.MessageRef](nil); err != nil || ref.MessageID != 0 {
		t.Fatalf("nil: %+v %v", ref, err)
	}
	_, err = typed[kit.MessageRef]("sent")
	if err == nil || err.Error() != "ratelimit: unexpected result string" {
		t.Fatalf("mismatch err: %v", err)
	}
}

func TestSnapshotLeavesCountersToDrainLoop(t *testing.T) {
	lim := fastLimits()
	lim.GlobalWindow = 50 * time.Millisecond
	lim.PrivateCooldown = 50 * time.Millisecond
	lim.GroupWindow = 50 * time.Millisecond
	l := New(lim)
	startLimiter(t, l)

	enqueueAll(t, l, []Destination{
		{ChatID: 1, Kind: kit.ChatPrivate},
		{ChatID: -10, Kind: kit.ChatGroup},
	})
	time.Sleep(80 * time.Millisecond)

	snap := l.Snapshot()
	if snap.Global.Count != 0 || snap.Private != nil || snap.Groups != nil {
		t.Fatalf("expired windows reported: %+v", snap)
	}
	l.mu.Lock()
	stale := l.cnt.global.count > 0 && len(l.cnt.private) == 1 && len(l.cnt.groups) == 1
	l.mu.Unlock()
	if !stale {
		t.Fatal("snapshot reset counter state")
	}

	if _, err := l.Enqueue(context.Background(), Destination{ChatID: -20, Kind: kit.ChatChannel}, 0, okTask); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.cnt.private) != 0 || len(l.cnt.groups) != 0 || l.cnt.global.count != 1 {
		t.Fatalf("drain loop did not refresh: %+v", l.cnt)
	}
}

func TestCancelledTaskNotCountedAsQueued(t *testing.T) {
	rec := &recorder{}
	l := New(fastLimits(), WithObserver(rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Enqueue(ctx, Destination{ChatID: -1, Kind: kit.ChatChannel}, 0, okTask)
		done <- err
	}()
	waitQueued(t, l, 1)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("err: %v", err)
	}

	if q := l.Snapshot().Queued; q != 0 {
		t.Fatalf("queued = %d after cancel", q)
	}
	rec.mu.Lock()
	depth := rec.depth
	rec.mu.Unlock()
	if depth != 0 {
		t.Fatalf("reported depth = %d after cancel", depth)
	}
	l.mu.Lock()
	held := l.queue.Len()
	l.mu.Unlock()
	if held != 1 {
		t.Fatalf("heap len = %d, cancelled item is dropped lazily", held)
	}
}
