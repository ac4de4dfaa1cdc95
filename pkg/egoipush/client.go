// Package egoipush is the SDK surface a host app talks to. A Client wires
// the preferences, classifier, geofence registry, dispatcher and the two
// reporting paths over one durable outbox.
package egoipush

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"egoipush/internal/eventbus"
	"egoipush/internal/geofence"
	"egoipush/internal/message"
	"egoipush/internal/metrics"
	"egoipush/internal/notify"
	"egoipush/internal/outbox"
	"egoipush/internal/permission"
	"egoipush/internal/prefs"
	"egoipush/internal/report"
	rtsup "egoipush/internal/runtime/supervisor"
	"egoipush/internal/storage"
	logx "egoipush/pkg/logx"
)

var (
	ErrInvalidOptions = errors.New("invalid configure options")
	ErrInvalidEvent   = report.ErrInvalidEvent
)

// Lifecycle event types emitted on the bus given with WithBus.
const (
	EventPushReceived   = "push.received"
	EventPushRejected   = "push.rejected"
	EventGeofenceFired  = "geofence.fired"
	EventConfigured     = "sdk.configured"
	EventTokenRequested = "token.requested"
)

// Result describes what ProcessMessage did with a push.
type Result struct {
	Route  message.Route
	Reason message.Reason
	Hash   string
}

type Client struct {
	log    logx.Logger
	m      *metrics.Metrics
	bus    *eventbus.Bus[eventbus.Event]
	gate   *permission.Gate
	prefs  *prefs.Manager
	outbox *outbox.Service
	events *report.Reporter
	tokens *report.Registrar
	geo    *geofence.Registry
	notify *notify.Dispatcher

	validate *validator.Validate

	mu  sync.Mutex
	sup *rtsup.Supervisor
}

// New builds a client over store. Start must be called before queued
// reports are delivered.
func New(store storage.Store, p Platform, opts ...Option) *Client {
	var s settings
	for _, o := range opts {
		o(&s)
	}
	if store == nil {
		store = storage.NewMemory()
	}
	log := s.log.With(logx.String("comp", "egoipush"))

	pm := prefs.NewManager(store,
		prefs.WithMaxProcessed(s.maxProcessed),
		prefs.WithLogger(s.log.With(logx.String("comp", "prefs"))),
	)
	ob := outbox.New(s.outbox, store,
		outbox.WithLogger(s.log.With(logx.String("comp", "outbox"))),
		outbox.WithBus(s.bus),
		outbox.WithMetrics(s.metrics),
	)
	clientOpts := []report.ClientOption{
		report.WithClientLogger(s.log.With(logx.String("comp", "api"))),
		report.WithClientMetrics(s.metrics),
	}
	if s.httpClient != nil {
		clientOpts = append(clientOpts, report.WithHTTPClient(s.httpClient))
	}
	api := report.NewClient(s.api, clientOpts...)
	gate := permission.NewGate(p.Permissions)

	c := &Client{
		log:      log,
		m:        s.metrics,
		bus:      s.bus,
		gate:     gate,
		prefs:    pm,
		outbox:   ob,
		events:   report.NewReporter(api, ob, s.log.With(logx.String("comp", "events"))),
		tokens:   report.NewRegistrar(api, ob, pm, s.log.With(logx.String("comp", "tokens"))),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	notifyOpts := []notify.Option{
		notify.WithLogger(s.log),
		notify.WithMetrics(s.metrics),
		notify.WithInteractions(s.interactions),
	}
	if p.Browser != nil {
		notifyOpts = append(notifyOpts, notify.WithBrowser(p.Browser))
	}
	c.notify = notify.NewDispatcher(p.Tray, c.events, pm, notifyOpts...)

	geoCfg := s.geofence
	if geoCfg.LoiteringDelay <= 0 {
		geoCfg.LoiteringDelay = geofence.DefaultLoiteringDelay
	}
	c.geo = geofence.NewRegistry(p.Monitor, geofence.DispatcherFunc(c.dispatchFired),
		geofence.WithLogger(s.log),
		geofence.WithMetrics(s.metrics),
		geofence.WithConfig(geoCfg),
		geofence.WithLocationChecker(gate),
	)
	return c
}

// Start launches the outbox and the interaction loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return nil
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(c.log), rtsup.WithCancelOnError(false))
	if err := c.outbox.Start(sup.Context()); err != nil {
		sup.Cancel()
		return fmt.Errorf("start outbox: %w", err)
	}
	sup.GoRestart("notify.interactions", c.notify.Run)
	c.sup = sup
	c.log.Info("sdk started")
	return nil
}

// Stop halts background work. Undelivered reports stay persisted.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	c.outbox.Stop(ctx)
	sup.Cancel()
	err := sup.Wait(ctx)
	c.log.Info("sdk stopped")
	return err
}

// Configure stores the app credentials and options, installs the host
// callbacks and re-registers the self-test geofence.
func (c *Client) Configure(ctx context.Context, o ConfigureOptions) error {
	if err := c.validate.Struct(o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if _, err := c.prefs.Update(ctx, func(p *prefs.Preferences) bool {
		if p.AppID == o.AppID && p.APIKey == o.APIKey && p.OpenAppAction == o.OpenAppAction &&
			p.ActivityTarget == o.ActivityTarget && p.GeoEnabled == o.GeoEnabled {
			return false
		}
		p.AppID = o.AppID
		p.APIKey = o.APIKey
		p.OpenAppAction = o.OpenAppAction
		p.ActivityTarget = o.ActivityTarget
		p.GeoEnabled = o.GeoEnabled
		return true
	}); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	c.notify.SetCallbacks(o.Dialog, o.DeepLink)
	c.addTestGeofence(ctx)

	eventbus.Emit(c.bus, EventConfigured, map[string]any{"app_id": o.AppID, "geo_enabled": o.GeoEnabled})
	c.log.Info("sdk configured", logx.String("app_id", o.AppID), logx.Bool("geo_enabled", o.GeoEnabled))
	return nil
}

func (c *Client) addTestGeofence(ctx context.Context) {
	if err := c.geo.AddTest(ctx); err != nil {
		switch {
		case errors.Is(err, geofence.ErrPermissionDenied), errors.Is(err, geofence.ErrNoMonitor):
			c.log.Debug("self-test geofence not registered", logx.Err(err))
		default:
			c.log.Warn("self-test geofence not registered", logx.Err(err))
		}
	}
}

func (c *Client) RequestForegroundLocationAccess(ctx context.Context) error {
	return c.gate.RequestForegroundLocation(ctx)
}

func (c *Client) RequestBackgroundLocationAccess(ctx context.Context) error {
	return c.gate.RequestBackgroundLocation(ctx)
}

func (c *Client) RequestNotificationAccess(ctx context.Context) error {
	return c.gate.RequestNotifications(ctx)
}

// HandlePermissionResult reports whether every permission of an SDK
// request was granted. On full grant the self-test geofence is registered
// again.
func (c *Client) HandlePermissionResult(ctx context.Context, requestCode int, grants []bool) bool {
	if !permission.AllGranted(requestCode, grants) {
		c.log.Debug("permission result not fully granted", logx.Int("code", requestCode))
		return false
	}
	c.addTestGeofence(ctx)
	return true
}

// RegisterToken queues the token registration. field and value, when both
// set, are remembered as two-step data for later re-registrations.
func (c *Client) RegisterToken(ctx context.Context, token, field, value string) (string, error) {
	id, err := c.tokens.RegisterToken(ctx, token, field, value)
	if err == nil {
		eventbus.Emit(c.bus, EventTokenRequested, map[string]any{"job": id})
	}
	return id, err
}

// UpdateToken re-registers only when a registration already succeeded
// and token differs from the current one.
func (c *Client) UpdateToken(ctx context.Context, token string) (bool, error) {
	return c.tokens.UpdateToken(ctx, token)
}

// ProcessMessage handles one inbound push. Rejections are not errors.
func (c *Client) ProcessMessage(ctx context.Context, extras map[string]string) (Result, error) {
	p, err := c.prefs.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load preferences: %w", err)
	}
	m, route, reason := message.Process(extras, message.Policy{
		GeoEnabled:      p.GeoEnabled,
		LocationGranted: c.gate.FineLocationGranted(),
	})
	res := Result{Route: route, Reason: reason, Hash: m.Data.MessageHash}
	c.m.Push(route.String(), string(reason))

	switch route {
	case message.RouteRejected:
		c.log.Debug("push dropped", logx.String("reason", string(reason)), logx.String("hash", m.Data.MessageHash))
		eventbus.Emit(c.bus, EventPushRejected, map[string]any{"reason": string(reason)})
		return res, nil
	case message.RouteGeofenced:
		eventbus.Emit(c.bus, EventPushReceived, map[string]any{"hash": m.Data.MessageHash, "route": route.String()})
		if err := c.geo.Add(ctx, m); err != nil {
			if errors.Is(err, geofence.ErrPermissionDenied) {
				return res, nil
			}
			return res, err
		}
		return res, nil
	default:
		eventbus.Emit(c.bus, EventPushReceived, map[string]any{"hash": m.Data.MessageHash, "route": route.String()})
		return res, c.notify.Dispatch(ctx, m)
	}
}

func (c *Client) dispatchFired(ctx context.Context, m message.Message) error {
	eventbus.Emit(c.bus, EventGeofenceFired, map[string]any{"hash": m.Data.MessageHash})
	return c.notify.Dispatch(ctx, m)
}

// HandleGeofenceTransition feeds an OS transition to the registry.
func (c *Client) HandleGeofenceTransition(ctx context.Context, t geofence.Transition) map[string]geofence.Outcome {
	return c.geo.HandleTransition(ctx, t)
}

// HandleInteraction processes a tap synchronously. Taps published on the
// interaction bus are handled by the loop started in Start.
func (c *Client) HandleInteraction(ctx context.Context, in notify.Interaction) {
	c.notify.HandleInteraction(ctx, in)
}

// RegisterEvent queues an analytics event of the given kind for v.
func (c *Client) RegisterEvent(ctx context.Context, kind string, v message.View) (string, error) {
	k, err := report.ParseEventKind(kind)
	if err != nil {
		return "", err
	}
	return c.events.Report(ctx, k, v)
}

// SetLocationUpdates persists the flag. It reports whether it changed.
func (c *Client) SetLocationUpdates(ctx context.Context, enabled bool) (bool, error) {
	changed := false
	_, err := c.prefs.Update(ctx, func(p *prefs.Preferences) bool {
		if p.LocationUpdatesEnabled == enabled {
			return false
		}
		p.LocationUpdatesEnabled = enabled
		changed = true
		return true
	})
	return changed, err
}

// Apply swaps reloadable settings.
func (c *Client) Apply(outboxCfg outbox.Config, geoCfg geofence.Config) {
	c.outbox.Apply(outboxCfg)
	if geoCfg.LoiteringDelay <= 0 {
		geoCfg.LoiteringDelay = geofence.DefaultLoiteringDelay
	}
	c.geo.SetConfig(geoCfg)
}

func (c *Client) Preferences(ctx context.Context) (prefs.Preferences, error) { return c.prefs.Load(ctx) }

func (c *Client) PendingGeofences() []geofence.Entry { return c.geo.Pending() }

func (c *Client) Outbox() outbox.Snapshot { return c.outbox.Snapshot() }

func (c *Client) Session() report.Session { return c.tokens.Session() }

func (c *Client) Interactions() *eventbus.Bus[notify.Interaction] { return c.notify.Interactions() }
