package geofence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"egoipush/internal/message"
	"egoipush/internal/metrics"
	logx "egoipush/pkg/logx"
)

type Config struct {
	LoiteringDelay time.Duration
	// TriggerOnEnter also fires on ENTER transitions. By default only DWELL
	// fires so pass-through entries are ignored.
	TriggerOnEnter bool
}

type entry struct {
	state   State
	msg     message.Message
	region  Region
	addedAt time.Time
}

// Registry maps region ids to pending messages.
type Registry struct {
	monitor  Monitor
	location LocationChecker
	dispatch Dispatcher
	cfg      Config
	log      logx.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// regMu orders OS registration against deregistration of the same id.
	regMu sync.Mutex

	mu      sync.Mutex
	entries map[string]*entry
}

type Option func(*Registry)

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }
func WithConfig(cfg Config) Option { return func(r *Registry) { r.cfg = cfg } }
func WithLocationChecker(c LocationChecker) Option { return func(r *Registry) { r.location = c } }

func NewRegistry(monitor Monitor, dispatch Dispatcher, opts ...Option) *Registry {
	r := &Registry{
		monitor:  monitor,
		dispatch: dispatch,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	if r.cfg.LoiteringDelay <= 0 {
		r.cfg.LoiteringDelay = DefaultLoiteringDelay
	}
	r.log = r.log.With(logx.String("comp", "geofence"))
	return r
}

// SetConfig swaps the trigger configuration at runtime.
func (r *Registry) SetConfig(cfg Config) {
	if cfg.LoiteringDelay <= 0 {
		cfg.LoiteringDelay = DefaultLoiteringDelay
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Registry) transitions() TransitionKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cfg.TriggerOnEnter {
		return Enter | Dwell
	}
	return Dwell
}

func (r *Registry) loitering() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.LoiteringDelay
}

func (r *Registry) permitted() bool {
	return r.location == nil || r.location.FineLocationGranted()
}

// RegionFor builds the monitoring request for a geofenced message.
func (r *Registry) RegionFor(m message.Message) Region {
	g := m.Data.Geo
	return Region{
		ID:             m.Data.MessageHash,
		Latitude:       g.Latitude,
		Longitude:      g.Longitude,
		RadiusMeters:   g.RadiusMeters,
		Expiration:     g.Duration,
		Transitions:    r.transitions(),
		LoiteringDelay: r.loitering(),
	}
}

// Add registers m's region. Without fine location it does nothing and
// returns ErrPermissionDenied. A region rejected by the OS is dropped.
// Re-adding a hash replaces the previous pending message.
func (r *Registry) Add(ctx context.Context, m message.Message) error {
	if r.monitor == nil {
		return ErrNoMonitor
	}
	if !r.permitted() {
		r.log.Debug("geofence skipped; location not granted", logx.String("hash", m.Data.MessageHash))
		r.metrics.Geofence("permission_denied")
		return ErrPermissionDenied
	}
	if m.Data.MessageHash == "" || m.IsTest() || !m.Data.Geo.Valid() {
		return ErrInvalidRegion
	}

	region := r.RegionFor(m)
	id := region.ID

	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	prev := r.entries[id]
	r.entries[id] = &entry{state: StatePending, msg: m, region: region, addedAt: r.now()}
	r.mu.Unlock()

	if err := r.monitor.Add(ctx, region); err != nil {
		r.mu.Lock()
		if cur := r.entries[id]; cur != nil && cur.state == StatePending {
			if prev != nil && (prev.state == StateActive || prev.state == StateFired) {
				r.entries[id] = prev
			} else {
				delete(r.entries, id)
			}
		}
		n := len(r.entries)
		r.mu.Unlock()
		r.metrics.SetPendingGeofences(n)
		r.metrics.Geofence("register_failed")
		r.log.Warn("geofence registration failed", logx.String("hash", id), logx.Err(err))
		return fmt.Errorf("register geofence %s: %w", id, err)
	}

	r.mu.Lock()
	if cur := r.entries[id]; cur != nil && cur.state == StatePending {
		cur.state = StateActive
	}
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetPendingGeofences(n)
	r.metrics.Geofence("registered")
	r.log.Debug("geofence registered",
		logx.String("hash", id),
		logx.Float64("lat", region.Latitude),
		logx.Float64("lon", region.Longitude),
		logx.Float64("radius_m", region.RadiusMeters),
		logx.Duration("expires", region.Expiration),
	)
	return nil
}

// TestRegion is the self-test monitoring request.
func (r *Registry) TestRegion() Region {
	return Region{
		ID:             TestID,
		Latitude:       TestLatitude,
		Longitude:      TestLongitude,
		RadiusMeters:   TestRadiusMeters,
		Transitions:    Dwell,
		LoiteringDelay: DefaultLoiteringDelay,
	}
}

// AddTest re-registers the self-test region: any existing one is removed
// first. The self-test region never enters the pending map.
func (r *Registry) AddTest(ctx context.Context) error {
	if r.monitor == nil {
		return ErrNoMonitor
	}
	if err := r.monitor.Remove(ctx, []string{TestID}); err != nil {
		r.log.Warn("failed to remove self-test geofence", logx.Err(err))
		return fmt.Errorf("remove self-test geofence: %w", err)
	}
	if !r.permitted() {
		r.log.Debug("self-test geofence skipped; location not granted")
		return ErrPermissionDenied
	}
	if err := r.monitor.Add(ctx, r.TestRegion()); err != nil {
		r.log.Warn("failed to create self-test geofence", logx.Err(err))
		return fmt.Errorf("add self-test geofence: %w", err)
	}
	r.log.Debug("self-test geofence created")
	return nil
}

// HandleTransition processes an OS transition event. Errored events are
// dropped. Only configured transition kinds fire.
func (r *Registry) HandleTransition(ctx context.Context, t Transition) map[string]Outcome {
	if t.Err != nil {
		r.log.Warn("geofence transition error", logx.Err(t.Err))
		return nil
	}
	out := make(map[string]Outcome, len(t.IDs))
	if t.Kind&r.transitions() == 0 {
		for _, id := range t.IDs {
			out[id] = OutcomeIgnored
		}
		r.log.Debug("geofence transition ignored", logx.String("kind", t.Kind.String()), logx.Int("ids", len(t.IDs)))
		return out
	}
	for _, id := range t.IDs {
		out[id] = r.Trigger(ctx, id)
	}
	return out
}

// Trigger fires the pending message registered under id.
//
// An unknown id is stale and ignored. A message whose daily window does not
// contain the current time is dropped for good: the entry is removed and
// the region deregistered without dispatching.
func (r *Registry) Trigger(ctx context.Context, id string) Outcome {
	if id == TestID {
		return r.triggerTest(ctx)
	}

	r.mu.Lock()
	e := r.entries[id]
	if e == nil || e.state != StateActive {
		r.mu.Unlock()
		r.metrics.Geofence(string(OutcomeStale))
		r.log.Debug("stale geofence trigger", logx.String("hash", id))
		return OutcomeStale
	}
	e.state = StateFired
	msg := e.msg
	r.mu.Unlock()

	outcome := OutcomeFired
	if w := msg.Data.Geo.Window; !w.Contains(r.now()) {
		outcome = OutcomeOutsideWindow
		r.log.Debug("geofence fired outside window; dropping",
			logx.String("hash", id),
			logx.String("window", w.String()),
		)
	} else if err := r.dispatch.Dispatch(ctx, msg); err != nil {
		r.log.Warn("geofence dispatch failed", logx.String("hash", id), logx.Err(err))
	}

	r.remove(ctx, id, e)
	r.metrics.Geofence(string(outcome))
	return outcome
}

func (r *Registry) triggerTest(ctx context.Context) Outcome {
	msg := TestMessage()
	if !msg.Data.Geo.Window.Contains(r.now()) {
		r.metrics.Geofence(string(OutcomeOutsideWindow))
		r.log.Debug("self-test geofence fired outside window")
		return OutcomeOutsideWindow
	}
	if err := r.dispatch.Dispatch(ctx, msg); err != nil {
		r.log.Warn("self-test dispatch failed", logx.Err(err))
	}
	r.metrics.Geofence(string(OutcomeFired))
	return OutcomeFired
}

// remove deregisters id if fired is still the entry mapped under it. An
// entry re-added while fired was dispatching keeps its OS region.
func (r *Registry) remove(ctx context.Context, id string, fired *entry) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	current := r.entries[id] == fired
	r.mu.Unlock()
	if !current {
		r.log.Debug("geofence re-added while firing; keeping region", logx.String("hash", id))
		return
	}

	if err := r.monitor.Remove(ctx, []string{id}); err != nil {
		r.log.Warn("geofence deregistration failed", logx.String("hash", id), logx.Err(err))
	}
	r.mu.Lock()
	if r.entries[id] == fired {
		delete(r.entries, id)
	}
	n := len(r.entries)
	r.mu.Unlock()
	r.metrics.SetPendingGeofences(n)
}

// Lookup returns the entry registered under id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil {
		return Entry{}, false
	}
	return Entry{ID: id, State: e.state, Message: e.msg, Region: e.region, AddedAt: e.addedAt}, true
}

// Pending lists registered entries ordered by id.
func (r *Registry) Pending() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Entry{ID: id, State: e.state, Message: e.msg, Region: e.region, AddedAt: e.addedAt})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TestMessage is the canned message delivered by the self-test region.
func TestMessage() message.Message {
	return message.Message{
		Notification: message.Notification{
			Title: "Geofence triggered!",
			Body:  "Geofence " + TestID + " was triggered.",
		},
		Data: message.Data{
			OS:            "android",
			MessageHash:   TestID,
			ApplicationID: "egoipushlibrary",
			Action: message.Action{
				Type:       message.ActionHTTP,
				Text:       "View",
				URL:        "https://www.e-goi.com",
				TextCancel: "Close",
			},
			Geo: message.Geo{
				Window: &message.DailyWindow{Start: 9 * 60, End: 18 * 60},
			},
		},
	}
}
