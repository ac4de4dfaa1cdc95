package simhost

import (
	"context"
	"errors"
	"testing"

	"egoipush/internal/eventbus"
	"egoipush/internal/geofence"
	"egoipush/internal/message"
	"egoipush/internal/notify"
	"egoipush/internal/permission"
	logx "egoipush/pkg/logx"
)

func TestMonitorAtReturnsContainingRegions(t *testing.T) {
	ctx := context.Background()
	m := NewMonitor(logx.Nop())
	_ = m.Add(ctx, geofence.Region{ID: "near", Latitude: 41.1788, Longitude: -8.6824, RadiusMeters: 100})
	_ = m.Add(ctx, geofence.Region{ID: "far", Latitude: 38.7223, Longitude: -9.1393, RadiusMeters: 100})

	tr := m.At(41.17888, -8.682427, geofence.Dwell)
	if tr.Kind != geofence.Dwell || len(tr.IDs) != 1 || tr.IDs[0] != "near" {
		t.Fatalf("transition = %+v", tr)
	}

	_ = m.Remove(ctx, []string{"near"})
	if got := m.At(41.17888, -8.682427, geofence.Dwell); len(got.IDs) != 0 {
		t.Fatalf("removed region still reported: %+v", got)
	}
}

func TestMonitorFailNext(t *testing.T) {
	m := NewMonitor(logx.Nop())
	boom := errors.New("not available")
	m.FailNext("x", boom)
	if err := m.Add(context.Background(), geofence.Region{ID: "x"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if err := m.Add(context.Background(), geofence.Region{ID: "x"}); err != nil {
		t.Fatalf("second add: %v", err)
	}
}

func TestDistance(t *testing.T) {
	// Porto to Lisbon is roughly 274 km.
	d := distanceMeters(41.1579, -8.6291, 38.7223, -9.1393)
	if d < 270000 || d > 280000 {
		t.Fatalf("distance = %.0f", d)
	}
}

func TestTrayTapPublishesIntent(t *testing.T) {
	bus := eventbus.New[notify.Interaction]()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	tray := NewTray(bus, logx.Nop())
	v := message.View{Title: "t", Body: "b", MessageID: 7, HasAction: true}
	_ = tray.Show(context.Background(), notify.BuildTray(v))

	if err := tray.Tap(7, notify.InteractionView); err != nil {
		t.Fatalf("Tap: %v", err)
	}
	if in := <-ch; in.Kind != notify.InteractionView || in.View.MessageID != 7 {
		t.Fatalf("interaction = %+v", in)
	}
	if err := tray.Tap(8, notify.InteractionOpen); !errors.Is(err, ErrUnknownNotification) {
		t.Fatalf("err = %v", err)
	}

	_ = tray.Cancel(context.Background(), 7)
	if len(tray.Shown()) != 0 {
		t.Fatal("cancel did not clear tray")
	}
}

func TestPlatformAutoGrant(t *testing.T) {
	p := NewPlatform(true, logx.Nop())
	var gotCode int
	var gotGrants []bool
	p.OnResult(func(code int, grants []bool) { gotCode, gotGrants = code, grants })

	g := permission.NewGate(p)
	if g.LocationGranted() {
		t.Fatal("granted before request")
	}
	if err := g.RequestForegroundLocation(context.Background()); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !g.LocationGranted() || !permission.AllGranted(gotCode, gotGrants) {
		t.Fatalf("code=%d grants=%v", gotCode, gotGrants)
	}

	p.Revoke(permission.FineLocation)
	if g.FineLocationGranted() {
		t.Fatal("revoke ignored")
	}
}

func TestPlatformManualDeniesWithoutGrant(t *testing.T) {
	p := NewPlatform(false, logx.Nop())
	called := false
	p.OnResult(func(int, []bool) { called = true })
	_ = p.Request(context.Background(), permission.RequestCode, []string{permission.FineLocation})
	if called || p.Granted(permission.FineLocation) {
		t.Fatal("manual platform must not grant on request")
	}
}
