package geofence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"egoipush/internal/message"
)

type fakeMonitor struct {
	mu      sync.Mutex
	added   []Region
	removed []string
	addErr  error
	ops     []string
}

func (f *fakeMonitor) Add(_ context.Context, r Region) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "add:"+r.ID)
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, r)
	return nil
}

func (f *fakeMonitor) Remove(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.ops = append(f.ops, "remove:"+id)
	}
	f.removed = append(f.removed, ids...)
	return nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (f *fakeDispatcher) Dispatch(_ context.Context, m message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeDispatcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

type grant bool

func (g grant) FineLocationGranted() bool { return bool(g) }

func geoMessage(t *testing.T, extra map[string]string) message.Message {
	t.Helper()
	p := map[string]string{
		message.MarkerKey:        message.MarkerValue,
		message.FieldTitle:       "t",
		message.FieldBody:        "b",
		message.FieldMessageHash: "abc123",
		message.FieldLatitude:    "41.1",
		message.FieldLongitude:   "-8.6",
		message.FieldRadius:      "50",
		message.FieldDuration:    "60000",
	}
	for k, v := range extra {
		p[k] = v
	}
	m, err := message.Parse(p)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return m
}

func at(h, m int) func() time.Time {
	return func() time.Time { return time.Date(2026, 5, 4, h, m, 0, 0, time.Local) }
}

func TestAddRegistersRegionAndStoresPending(t *testing.T) {
	mon := &fakeMonitor{}
	r := NewRegistry(mon, &fakeDispatcher{}, WithLocationChecker(grant(true)))

	if err := r.Add(context.Background(), geoMessage(t, nil)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(mon.added) != 1 {
		t.Fatalf("added = %d", len(mon.added))
	}
	got := mon.added[0]
	if got.ID != "abc123" || got.Latitude != 41.1 || got.Longitude != -8.6 || got.RadiusMeters != 50 || got.Expiration != 60*time.Second {
		t.Fatalf("region = %+v", got)
	}
	if got.Transitions != Dwell || got.LoiteringDelay != DefaultLoiteringDelay {
		t.Fatalf("trigger = %v delay=%v", got.Transitions, got.LoiteringDelay)
	}
	e, ok := r.Lookup("abc123")
	if !ok || e.State != StateActive {
		t.Fatalf("entry = %+v ok=%v", e, ok)
	}
}

func TestAddWithoutPermissionIsNoop(t *testing.T) {
	mon := &fakeMonitor{}
	r := NewRegistry(mon, &fakeDispatcher{}, WithLocationChecker(grant(false)))
	if err := r.Add(context.Background(), geoMessage(t, nil)); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	if len(mon.ops) != 0 || len(r.Pending()) != 0 {
		t.Fatalf("expected no side effects, ops=%v", mon.ops)
	}
}

func TestAddFailureDropsEntry(t *testing.T) {
	mon := &fakeMonitor{addErr: errors.New("GEOFENCE_NOT_AVAILABLE")}
	r := NewRegistry(mon, &fakeDispatcher{})
	if err := r.Add(context.Background(), geoMessage(t, nil)); err == nil {
		t.Fatal("expected registration error")
	}
	if _, ok := r.Lookup("abc123"); ok {
		t.Fatal("failed registration must not leave an entry")
	}
}

func TestAddSameHashKeepsSingleEntry(t *testing.T) {
	r := NewRegistry(&fakeMonitor{}, &fakeDispatcher{})
	ctx := context.Background()
	_ = r.Add(ctx, geoMessage(t, nil))
	_ = r.Add(ctx, geoMessage(t, map[string]string{message.FieldTitle: "second"}))
	p := r.Pending()
	if len(p) != 1 || p[0].Message.Notification.Title != "second" {
		t.Fatalf("pending = %+v", p)
	}
}

func TestTriggerFiresOnceAndRemoves(t *testing.T) {
	mon := &fakeMonitor{}
	d := &fakeDispatcher{}
	r := NewRegistry(mon, d)
	ctx := context.Background()
	_ = r.Add(ctx, geoMessage(t, nil))

	if got := r.Trigger(ctx, "abc123"); got != OutcomeFired {
		t.Fatalf("outcome = %v", got)
	}
	if got := r.Trigger(ctx, "abc123"); got != OutcomeStale {
		t.Fatalf("second outcome = %v", got)
	}
	if d.count() != 1 {
		t.Fatalf("dispatched %d times", d.count())
	}
	if len(mon.removed) != 1 || mon.removed[0] != "abc123" {
		t.Fatalf("removed = %v", mon.removed)
	}
	if len(r.Pending()) != 0 {
		t.Fatal("entry should be gone")
	}
}

func TestConcurrentTriggersDispatchOnce(t *testing.T) {
	d := &fakeDispatcher{}
	r := NewRegistry(&fakeMonitor{}, d)
	ctx := context.Background()
	_ = r.Add(ctx, geoMessage(t, nil))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Trigger(ctx, "abc123")
		}()
	}
	wg.Wait()
	if d.count() != 1 {
		t.Fatalf("dispatched %d times", d.count())
	}
}

type readdDispatcher struct {
	r   *Registry
	m   message.Message
	err error
}

func (d *readdDispatcher) Dispatch(ctx context.Context, _ message.Message) error {
	d.err = d.r.Add(ctx, d.m)
	return nil
}

func TestReaddDuringDispatchKeepsNewRegion(t *testing.T) {
	mon := &fakeMonitor{}
	d := &readdDispatcher{}
	r := NewRegistry(mon, d, WithLocationChecker(grant(true)))
	d.r, d.m = r, geoMessage(t, nil)
	ctx := context.Background()

	if err := r.Add(ctx, d.m); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := r.Trigger(ctx, "abc123"); got != OutcomeFired {
		t.Fatalf("Trigger = %v", got)
	}
	if d.err != nil {
		t.Fatalf("re-add: %v", d.err)
	}
	if len(mon.removed) != 0 {
		t.Fatalf("re-added region was deregistered: %v", mon.ops)
	}
	e, ok := r.Lookup("abc123")
	if !ok || e.State != StateActive {
		t.Fatalf("entry = %+v ok=%v", e, ok)
	}
	if got := r.Trigger(ctx, "abc123"); got != OutcomeFired {
		t.Fatalf("second Trigger = %v", got)
	}
}

func TestTriggerOutsideWindowDropsWithoutDispatch(t *testing.T) {
	mon := &fakeMonitor{}
	d := &fakeDispatcher{}
	r := NewRegistry(mon, d, WithClock(at(20, 0)))
	ctx := context.Background()
	_ = r.Add(ctx, geoMessage(t, map[string]string{message.FieldTimeStart: "9:00", message.FieldTimeEnd: "18:00"}))

	if got := r.Trigger(ctx, "abc123"); got != OutcomeOutsideWindow {
		t.Fatalf("outcome = %v", got)
	}
	if d.count() != 0 {
		t.Fatal("dispatcher must not run outside the window")
	}
	if _, ok := r.Lookup("abc123"); ok {
		t.Fatal("entry should be dropped")
	}
	if len(mon.removed) != 1 {
		t.Fatalf("region should be deregistered, removed=%v", mon.removed)
	}
}

func TestTriggerInsideWindowDispatches(t *testing.T) {
	d := &fakeDispatcher{}
	r := NewRegistry(&fakeMonitor{}, d, WithClock(at(10, 30)))
	ctx := context.Background()
	_ = r.Add(ctx, geoMessage(t, map[string]string{message.FieldTimeStart: "9:00", message.FieldTimeEnd: "18:00"}))
	if got := r.Trigger(ctx, "abc123"); got != OutcomeFired || d.count() != 1 {
		t.Fatalf("outcome=%v dispatched=%d", got, d.count())
	}
}

func TestHandleTransitionFiltersKinds(t *testing.T) {
	d := &fakeDispatcher{}
	r := NewRegistry(&fakeMonitor{}, d)
	ctx := context.Background()
	_ = r.Add(ctx, geoMessage(t, nil))

	out := r.HandleTransition(ctx, Transition{Kind: Enter, IDs: []string{"abc123"}})
	if out["abc123"] != OutcomeIgnored || d.count() != 0 {
		t.Fatalf("enter should be ignored: %v", out)
	}
	if out := r.HandleTransition(ctx, Transition{Kind: Dwell, Err: errors.New("boom"), IDs: []string{"abc123"}}); out != nil {
		t.Fatalf("errored transition should be dropped: %v", out)
	}
	out = r.HandleTransition(ctx, Transition{Kind: Dwell, IDs: []string{"abc123", "gone"}})
	if out["abc123"] != OutcomeFired || out["gone"] != OutcomeStale {
		t.Fatalf("outcomes = %v", out)
	}

	r.SetConfig(Config{TriggerOnEnter: true})
	_ = r.Add(ctx, geoMessage(t, map[string]string{message.FieldMessageHash: "h2"}))
	if out := r.HandleTransition(ctx, Transition{Kind: Enter, IDs: []string{"h2"}}); out["h2"] != OutcomeFired {
		t.Fatalf("enter should fire when enabled: %v", out)
	}
}

func TestAddTestRemovesThenAdds(t *testing.T) {
	mon := &fakeMonitor{}
	r := NewRegistry(mon, &fakeDispatcher{})
	if err := r.AddTest(context.Background()); err != nil {
		t.Fatalf("AddTest: %v", err)
	}
	if len(mon.ops) != 2 || mon.ops[0] != "remove:TEST" || mon.ops[1] != "add:TEST" {
		t.Fatalf("ops = %v", mon.ops)
	}
	reg := mon.added[0]
	if reg.Latitude != TestLatitude || reg.Longitude != TestLongitude || reg.RadiusMeters != TestRadiusMeters || reg.Expiration != 0 {
		t.Fatalf("test region = %+v", reg)
	}
	if len(r.Pending()) != 0 {
		t.Fatal("self-test region must not enter the pending map")
	}
}

func TestTestTriggerSynthesizesMessageAndKeepsRegion(t *testing.T) {
	mon := &fakeMonitor{}
	d := &fakeDispatcher{}
	r := NewRegistry(mon, d, WithClock(at(12, 0)))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if got := r.Trigger(ctx, TestID); got != OutcomeFired {
			t.Fatalf("outcome = %v", got)
		}
	}
	if d.count() != 2 {
		t.Fatalf("dispatched = %d", d.count())
	}
	if m := d.msgs[0]; !m.IsTest() || m.Notification.Title != "Geofence triggered!" || !m.Data.Action.Present() {
		t.Fatalf("canned message = %+v", m)
	}
	if len(mon.removed) != 0 {
		t.Fatalf("self-test region must never be removed: %v", mon.removed)
	}

	r2 := NewRegistry(mon, d, WithClock(at(19, 0)))
	if got := r2.Trigger(ctx, TestID); got != OutcomeOutsideWindow {
		t.Fatalf("outcome = %v", got)
	}
}
