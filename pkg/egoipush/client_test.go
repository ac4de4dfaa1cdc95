package egoipush

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"egoipush/internal/eventbus"
	"egoipush/internal/geofence"
	"egoipush/internal/message"
	"egoipush/internal/notify"
	"egoipush/internal/outbox"
	"egoipush/internal/permission"
	"egoipush/internal/report"
	"egoipush/internal/simhost"
	"egoipush/internal/storage"
	logx "egoipush/pkg/logx"
)

type apiServer struct {
	mu     sync.Mutex
	paths  []string
	bodies []map[string]any
	srv    *httptest.Server
}

func newAPI(t *testing.T) *apiServer {
	t.Helper()
	a := &apiServer{}
	a.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		a.mu.Lock()
		a.paths = append(a.paths, r.URL.Path)
		a.bodies = append(a.bodies, body)
		a.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	t.Cleanup(a.srv.Close)
	return a
}

func (a *apiServer) count(suffix string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, p := range a.paths {
		if strings.HasSuffix(p, suffix) {
			n++
		}
	}
	return n
}

func (a *apiServer) events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for i, p := range a.paths {
		if strings.HasSuffix(p, "/event") {
			ev, _ := a.bodies[i]["event"].(string)
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type harness struct {
	c       *Client
	api     *apiServer
	monitor *simhost.Monitor
	tray    *simhost.Tray
	perms   *simhost.Platform
	bus     *eventbus.Bus[notify.Interaction]
}

func newHarness(t *testing.T, grant bool) *harness {
	t.Helper()
	api := newAPI(t)
	bus := eventbus.New[notify.Interaction]()
	h := &harness{
		api:     api,
		monitor: simhost.NewMonitor(logx.Nop()),
		tray:    simhost.NewTray(bus, logx.Nop()),
		perms:   simhost.NewPlatform(false, logx.Nop()),
		bus:     bus,
	}
	if grant {
		h.perms.Grant(permission.CoarseLocation, permission.FineLocation)
	}
	h.c = New(storage.NewMemory(), Platform{
		Monitor:     h.monitor,
		Tray:        h.tray,
		Browser:     simhost.NewBrowser(logx.Nop()),
		Permissions: h.perms,
	},
		WithInteractions(bus),
		WithAPIConfig(report.ClientConfig{BaseURL: api.srv.URL + "/push/apps/"}),
		WithOutboxConfig(outbox.Config{RetryBase: 10 * time.Millisecond}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	if err := h.c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = h.c.Stop(sctx)
		cancel()
	})
	return h
}

func (h *harness) configure(t *testing.T, geo bool) {
	t.Helper()
	if err := h.c.Configure(context.Background(), ConfigureOptions{AppID: "app", APIKey: "key", GeoEnabled: geo}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
}

func push(id, hash string) map[string]string {
	return map[string]string{
		message.MarkerKey:          message.MarkerValue,
		message.FieldTitle:         "Hello",
		message.FieldBody:          "World",
		message.FieldMessageHash:   hash,
		message.FieldMessageID:     id,
		message.FieldContactID:     "contact-1",
		message.FieldMailingID:     "9",
		message.FieldDeviceID:      "3",
		message.FieldApplicationID: "app",
	}
}

func TestConfigureValidates(t *testing.T) {
	h := newHarness(t, false)
	err := h.c.Configure(context.Background(), ConfigureOptions{AppID: "app"})
	if !errors.Is(err, ErrInvalidOptions) {
		t.Fatalf("err = %v", err)
	}
}

func TestConfigurePersistsAndRegistersSelfTest(t *testing.T) {
	h := newHarness(t, true)
	h.configure(t, true)

	p, err := h.c.Preferences(context.Background())
	if err != nil || p.AppID != "app" || p.APIKey != "key" || !p.GeoEnabled {
		t.Fatalf("prefs = %+v err=%v", p, err)
	}
	regions := h.monitor.Regions()
	if len(regions) != 1 || regions[0].ID != geofence.TestID {
		t.Fatalf("regions = %+v", regions)
	}
	if len(h.c.PendingGeofences()) != 0 {
		t.Fatal("self-test region must not be pending")
	}
}

func TestSelfTestSkippedWithoutPermission(t *testing.T) {
	h := newHarness(t, false)
	h.configure(t, true)
	if len(h.monitor.Regions()) != 0 {
		t.Fatal("self-test registered without location permission")
	}

	h.perms.Grant(permission.CoarseLocation, permission.FineLocation)
	if h.c.HandlePermissionResult(context.Background(), permission.RequestCode, []bool{true, false}) {
		t.Fatal("partial grant reported as granted")
	}
	if !h.c.HandlePermissionResult(context.Background(), permission.RequestCode, []bool{true, true}) {
		t.Fatal("full grant reported as denied")
	}
	if len(h.monitor.Regions()) != 1 {
		t.Fatal("self-test not registered after grant")
	}
}

func TestImmediatePushShowsAndReportsReceived(t *testing.T) {
	h := newHarness(t, false)
	h.configure(t, true)

	res, err := h.c.ProcessMessage(context.Background(), push("1", "abc"))
	if err != nil || res.Route != message.RouteImmediate {
		t.Fatalf("res = %+v err=%v", res, err)
	}
	if len(h.tray.Shown()) != 1 {
		t.Fatalf("tray = %d", len(h.tray.Shown()))
	}
	waitFor(t, "received event", func() bool { return h.api.count("/push/apps/app/event") == 1 })
	if ev := h.api.events(); ev[0] != string(report.EventReceived) {
		t.Fatalf("events = %v", ev)
	}

	// Same message id again is a duplicate.
	_, _ = h.c.ProcessMessage(context.Background(), push("1", "abc"))
	if len(h.tray.Shown()) != 1 {
		t.Fatal("duplicate was rendered")
	}
}

func TestRejectedPushes(t *testing.T) {
	h := newHarness(t, false)
	h.configure(t, false)
	ctx := context.Background()

	res, _ := h.c.ProcessMessage(ctx, map[string]string{"title": "x"})
	if res.Route != message.RouteRejected || res.Reason != message.ReasonForeign {
		t.Fatalf("foreign = %+v", res)
	}

	geo := push("2", "geo")
	geo[message.FieldLatitude] = "40.0"
	geo[message.FieldLongitude] = "-8.0"
	geo[message.FieldRadius] = "50"
	res, _ = h.c.ProcessMessage(ctx, geo)
	if res.Route != message.RouteRejected || res.Reason != message.ReasonGeoDisabled {
		t.Fatalf("geo disabled = %+v", res)
	}
	if len(h.tray.Shown()) != 0 {
		t.Fatal("rejected push rendered")
	}
}

func TestGeofencedPushFiresOnDwell(t *testing.T) {
	h := newHarness(t, true)
	h.configure(t, true)
	ctx := context.Background()

	geo := push("3", "abc123")
	geo[message.FieldLatitude] = "38.7223"
	geo[message.FieldLongitude] = "-9.1393"
	geo[message.FieldRadius] = "200"
	res, err := h.c.ProcessMessage(ctx, geo)
	if err != nil || res.Route != message.RouteGeofenced {
		t.Fatalf("res = %+v err=%v", res, err)
	}
	if len(h.tray.Shown()) != 0 || len(h.c.PendingGeofences()) != 1 {
		t.Fatal("geofenced push shown before trigger")
	}

	out := h.c.HandleGeofenceTransition(ctx, h.monitor.At(38.7223, -9.1393, geofence.Dwell))
	if out["abc123"] != geofence.OutcomeFired {
		t.Fatalf("outcomes = %v", out)
	}
	if len(h.tray.Shown()) != 1 || len(h.c.PendingGeofences()) != 0 {
		t.Fatalf("tray=%d pending=%d", len(h.tray.Shown()), len(h.c.PendingGeofences()))
	}

	// A second transition for the same region is stale.
	out = h.c.HandleGeofenceTransition(ctx, geofence.Transition{Kind: geofence.Dwell, IDs: []string{"abc123"}})
	if out["abc123"] != geofence.OutcomeStale {
		t.Fatalf("second outcomes = %v", out)
	}
}

func TestFineLocationAloneAllowsGeofencing(t *testing.T) {
	h := newHarness(t, false)
	h.perms.Grant(permission.FineLocation)
	h.configure(t, true)

	geo := push("4", "fine")
	geo[message.FieldLatitude] = "41.1"
	geo[message.FieldLongitude] = "-8.6"
	geo[message.FieldRadius] = "50"
	res, err := h.c.ProcessMessage(context.Background(), geo)
	if err != nil || res.Route != message.RouteGeofenced {
		t.Fatalf("res = %+v err=%v", res, err)
	}
	if p := h.c.PendingGeofences(); len(p) != 1 || p[0].ID != "fine" {
		t.Fatalf("pending = %+v", p)
	}
}

func TestNilPlatformNeverPanics(t *testing.T) {
	api := newAPI(t)
	c := New(storage.NewMemory(), Platform{},
		WithAPIConfig(report.ClientConfig{BaseURL: api.srv.URL + "/push/apps/"}),
	)
	ctx := context.Background()
	if err := c.Configure(ctx, ConfigureOptions{AppID: "app", APIKey: "key", GeoEnabled: true}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	res, err := c.ProcessMessage(ctx, push("8", "plain"))
	if res.Route != message.RouteImmediate || !errors.Is(err, notify.ErrNoTray) {
		t.Fatalf("res = %+v err=%v", res, err)
	}
	c.HandleInteraction(ctx, notify.Interaction{Kind: notify.InteractionOpen, View: message.View{MessageID: 8, MessageHash: "plain"}})
	if err := c.RequestNotificationAccess(ctx); !errors.Is(err, permission.ErrNoPlatform) {
		t.Fatalf("RequestNotificationAccess err = %v", err)
	}
}

func TestTapIsReportedThroughInteractionLoop(t *testing.T) {
	h := newHarness(t, false)
	h.configure(t, true)
	_, _ = h.c.ProcessMessage(context.Background(), push("4", "tap"))

	// The loop subscribes asynchronously; retry the tap until it lands.
	waitFor(t, "open event", func() bool {
		if len(h.tray.Shown()) == 1 {
			_ = h.tray.Tap(4, notify.InteractionOpen)
		}
		for _, ev := range h.api.events() {
			if ev == string(report.EventOpen) {
				return true
			}
		}
		return false
	})
	if len(h.tray.Shown()) != 0 {
		t.Fatal("tap did not clear the tray")
	}
}

func TestTokens(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	if _, err := h.c.RegisterToken(ctx, "t1", "", ""); !errors.Is(err, report.ErrNotConfigured) {
		t.Fatalf("unconfigured err = %v", err)
	}
	h.configure(t, true)

	if _, err := h.c.RegisterToken(ctx, "t1", "email", "a@b.c"); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}
	waitFor(t, "registration", func() bool { return h.c.Session().Registered })

	if ok, err := h.c.UpdateToken(ctx, "t1"); ok || err != nil {
		t.Fatalf("same token ok=%v err=%v", ok, err)
	}
	if ok, err := h.c.UpdateToken(ctx, "t2"); !ok || err != nil {
		t.Fatalf("new token ok=%v err=%v", ok, err)
	}
	waitFor(t, "second token post", func() bool { return h.api.count("/token") == 2 })
	if s := h.c.Session(); s.Field != "email" || s.Token != "t2" {
		t.Fatalf("session = %+v", s)
	}
}

func TestRegisterEventAndLocationUpdates(t *testing.T) {
	h := newHarness(t, false)
	h.configure(t, true)
	ctx := context.Background()

	if _, err := h.c.RegisterEvent(ctx, "clicked", message.View{}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("err = %v", err)
	}

	changed, err := h.c.SetLocationUpdates(ctx, true)
	if err != nil || !changed {
		t.Fatalf("first set changed=%v err=%v", changed, err)
	}
	if changed, _ = h.c.SetLocationUpdates(ctx, true); changed {
		t.Fatal("unchanged value reported as changed")
	}
}
