package outbox

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"egoipush/internal/eventbus"
	"egoipush/internal/metrics"
	"egoipush/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func fastConfig() Config {
	return Config{Workers: 2, QueueSize: 16, RetryBase: 5 * time.Millisecond, RetryMaxDelay: 20 * time.Millisecond}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func jobCount(t *testing.T, st storage.Store) int {
	t.Helper()
	jobs, err := st.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	return len(jobs)
}

func TestSubmitRunsAndDeletes(t *testing.T) {
	st := storage.NewMemory()
	bus := eventbus.New[eventbus.Event]()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := New(fastConfig(), st, WithBus(bus))
	var got atomic.Value
	s.Handle("event", func(ctx context.Context, payload []byte) error {
		got.Store(string(payload))
		return nil
	})
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	if _, err := s.Submit(ctx, "event", []byte(`{"event":"open"}`)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, func() bool { return jobCount(t, st) == 0 && got.Load() != nil })
	if got.Load().(string) != `{"event":"open"}` {
		t.Fatalf("payload = %v", got.Load())
	}

	seen := map[string]bool{}
	waitFor(t, func() bool {
		for {
			select {
			case ev := <-events:
				seen[ev.Type] = true
			default:
				return seen[EventQueued] && seen[EventFinished]
			}
		}
	})
}

func TestFailingJobStopsAfterBudget(t *testing.T) {
	st := storage.NewMemory()
	m := metrics.New()
	s := New(fastConfig(), st, WithMetrics(m))
	var calls int32
	s.Handle("token", func(ctx context.Context, payload []byte) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("status 500")
	})
	ctx := context.Background()
	_ = s.Start(ctx)
	defer s.Stop(ctx)

	_, _ = s.Submit(ctx, "token", []byte("{}"))
	waitFor(t, func() bool { return jobCount(t, st) == 0 && len(s.Snapshot().History) == 1 })
	if n := atomic.LoadInt32(&calls); n != DefaultMaxAttempts {
		t.Fatalf("calls = %d, want %d", n, DefaultMaxAttempts)
	}
	h := s.Snapshot().History[0]
	if h.Outcome != OutcomeExhausted || h.Attempts != 2 {
		t.Fatalf("history = %+v", h)
	}
	if v := testutil.ToFloat64(m.OutboxJobs.WithLabelValues("token", OutcomeExhausted)); v != 1 {
		t.Fatalf("exhausted metric = %v", v)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	st := storage.NewMemory()
	s := New(fastConfig(), st)
	var calls int32
	s.Handle("event", func(ctx context.Context, payload []byte) error {
		atomic.AddInt32(&calls, 1)
		return NoRetry(errors.New("bad payload"))
	})
	ctx := context.Background()
	_ = s.Start(ctx)
	defer s.Stop(ctx)

	_, _ = s.Submit(ctx, "event", nil)
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("calls = %d", n)
	}
	if h := s.Snapshot().History[0]; h.Outcome != OutcomeFailed || h.Error != "bad payload" {
		t.Fatalf("history = %+v", h)
	}
}

func TestSubmitUnknownKind(t *testing.T) {
	s := New(fastConfig(), storage.NewMemory())
	if _, err := s.Submit(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("err = %v", err)
	}
}

func TestPersistedJobsReplayOnStart(t *testing.T) {
	st := storage.NewMemory()
	ctx := context.Background()
	_ = st.PutJob(ctx, storage.JobRecord{ID: "fresh", Kind: "event", Payload: []byte("a"), CreatedAt: time.Now()})
	_ = st.PutJob(ctx, storage.JobRecord{ID: "half", Kind: "event", Payload: []byte("b"), Attempts: 1, CreatedAt: time.Now()})
	_ = st.PutJob(ctx, storage.JobRecord{ID: "spent", Kind: "event", Payload: []byte("c"), Attempts: 2, CreatedAt: time.Now()})

	var mu sync.Mutex
	calls := map[string]int{}
	s := New(fastConfig(), st)
	s.Handle("event", func(ctx context.Context, payload []byte) error {
		mu.Lock()
		calls[string(payload)]++
		mu.Unlock()
		return errors.New("down")
	})
	_ = s.Start(ctx)
	defer s.Stop(ctx)

	waitFor(t, func() bool { return jobCount(t, st) == 0 && len(s.Snapshot().History) == 3 })
	mu.Lock()
	defer mu.Unlock()
	if calls["a"] != 2 || calls["b"] != 1 || calls["c"] != 0 {
		t.Fatalf("calls = %v", calls)
	}
}

func TestSubmitBeforeStartRunsAfterStart(t *testing.T) {
	st := storage.NewMemory()
	s := New(fastConfig(), st)
	var calls int32
	s.Handle("event", func(ctx context.Context, payload []byte) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	ctx := context.Background()
	if _, err := s.Submit(ctx, "event", nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if jobCount(t, st) != 1 {
		t.Fatal("job should be persisted while stopped")
	}
	_ = s.Start(ctx)
	defer s.Stop(ctx)
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 && jobCount(t, st) == 0 })
}

func TestStopKeepsJobMidBackoff(t *testing.T) {
	st := storage.NewMemory()
	cfg := fastConfig()
	cfg.RetryBase = time.Hour
	cfg.RetryMaxDelay = time.Hour
	s := New(cfg, st)
	var calls int32
	s.Handle("event", func(ctx context.Context, payload []byte) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("down")
	})
	ctx := context.Background()
	_ = s.Start(ctx)
	_, _ = s.Submit(ctx, "event", nil)
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 })
	s.Stop(ctx)

	jobs, _ := st.ListJobs(ctx)
	if len(jobs) != 1 || jobs[0].Attempts != 1 {
		t.Fatalf("jobs after stop = %+v", jobs)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{RetryBase: 2 * time.Second, RetryMaxDelay: 5 * time.Second, RetryJitter: 0.2}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := backoffDelay(cfg, 1, rng)
		if d < 1600*time.Millisecond || d > 2400*time.Millisecond {
			t.Fatalf("first retry delay out of range: %v", d)
		}
	}
	if d := backoffDelay(cfg, 5, rng); d > cfg.RetryMaxDelay {
		t.Fatalf("delay above max: %v", d)
	}
	if d := backoffDelayWithHint(cfg, 1, RetryAfter(errors.New("429"), time.Minute), rng); d > cfg.RetryMaxDelay {
		t.Fatalf("hint not bounded: %v", d)
	}
}

func TestErrorWrappers(t *testing.T) {
	base := errors.New("x")
	if !IsNoRetry(NoRetry(base)) || !errors.Is(NoRetry(base), base) {
		t.Fatal("NoRetry must wrap")
	}
	if NoRetry(nil) != nil || RetryAfter(nil, time.Second) != nil {
		t.Fatal("nil in, nil out")
	}
	var ra RetryAfterError
	if !errors.As(RetryAfter(base, 3*time.Second), &ra) || ra.RetryAfter() != 3*time.Second {
		t.Fatal("RetryAfter hint lost")
	}
}
