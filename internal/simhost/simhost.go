// Package simhost provides in-process stand-ins for the mobile platform:
// a geofence monitor, a notification tray, a browser and a permission
// prompt. The simulator binary drives them over HTTP.
package simhost

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"egoipush/internal/eventbus"
	"egoipush/internal/geofence"
	"egoipush/internal/notify"
	logx "egoipush/pkg/logx"
)

var ErrUnknownNotification = errors.New("notification not in tray")

// Monitor keeps registered regions in memory.
type Monitor struct {
	mu      sync.Mutex
	regions map[string]geofence.Region
	reject  map[string]error
	log     logx.Logger
}

func NewMonitor(log logx.Logger) *Monitor {
	return &Monitor{
		regions: map[string]geofence.Region{},
		reject:  map[string]error{},
		log:     log.With(logx.String("comp", "sim.monitor")),
	}
}

// FailNext makes the next Add for id return err.
func (m *Monitor) FailNext(id string, err error) {
	m.mu.Lock()
	m.reject[id] = err
	m.mu.Unlock()
}

func (m *Monitor) Add(_ context.Context, r geofence.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.reject[r.ID]; ok {
		delete(m.reject, r.ID)
		return err
	}
	m.regions[r.ID] = r
	m.log.Debug("region added",
		logx.String("id", r.ID),
		logx.Float64("radius_m", r.RadiusMeters),
		logx.Duration("expires", r.Expiration),
	)
	return nil
}

func (m *Monitor) Remove(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.regions, id)
	}
	return nil
}

// Regions returns the registered regions ordered by id.
func (m *Monitor) Regions() []geofence.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]geofence.Region, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// At builds the transition the OS would report for a device resting at the
// given point: every region containing it, as kind.
func (m *Monitor) At(lat, lon float64, kind geofence.TransitionKind) geofence.Transition {
	t := geofence.Transition{Kind: kind}
	for _, r := range m.Regions() {
		if distanceMeters(lat, lon, r.Latitude, r.Longitude) <= r.RadiusMeters {
			t.IDs = append(t.IDs, r.ID)
		}
	}
	return t
}

const earthRadiusMeters = 6371000

func distanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	rad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}

// Tray records shown notifications. Tapping one publishes its intent on the
// interaction bus, the way a platform broadcast would.
type Tray struct {
	mu    sync.Mutex
	shown map[int64]notify.TrayNotification
	order []int64
	bus   *eventbus.Bus[notify.Interaction]
	log   logx.Logger
}

func NewTray(bus *eventbus.Bus[notify.Interaction], log logx.Logger) *Tray {
	return &Tray{
		shown: map[int64]notify.TrayNotification{},
		bus:   bus,
		log:   log.With(logx.String("comp", "sim.tray")),
	}
}

func (t *Tray) Show(_ context.Context, n notify.TrayNotification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.shown[n.ID]; !ok {
		t.order = append(t.order, n.ID)
	}
	t.shown[n.ID] = n
	t.log.Info("notification shown",
		logx.Int64("id", n.ID),
		logx.String("title", n.Title),
		logx.Bool("action", n.Action != nil),
	)
	return nil
}

func (t *Tray) Cancel(_ context.Context, id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.shown[id]; !ok {
		return nil
	}
	delete(t.shown, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// Shown returns the notifications currently in the tray, oldest first.
func (t *Tray) Shown() []notify.TrayNotification {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]notify.TrayNotification, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.shown[id])
	}
	return out
}

// Tap fires the intent behind kind on notification id.
func (t *Tray) Tap(id int64, kind notify.InteractionKind) error {
	t.mu.Lock()
	n, ok := t.shown[id]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownNotification
	}
	var in notify.Interaction
	switch kind {
	case notify.InteractionOpen:
		in = n.Content.Interaction
	case notify.InteractionClose:
		in = n.Dismiss.Interaction
	case notify.InteractionView:
		if n.Action == nil {
			return ErrUnknownNotification
		}
		in = n.Action.Interaction
	default:
		return ErrUnknownNotification
	}
	t.bus.Publish(in)
	return nil
}

// Browser logs and records opened URLs.
type Browser struct {
	mu   sync.Mutex
	urls []string
	log  logx.Logger
}

func NewBrowser(log logx.Logger) *Browser {
	return &Browser{log: log.With(logx.String("comp", "sim.browser"))}
}

func (b *Browser) OpenURL(_ context.Context, url string) error {
	b.mu.Lock()
	b.urls = append(b.urls, url)
	b.mu.Unlock()
	b.log.Info("open url", logx.String("url", url))
	return nil
}

func (b *Browser) Opened() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.urls...)
}

// Platform is a permission prompt. With auto grant every request is
// accepted and the result is delivered to the result callback.
type Platform struct {
	mu       sync.Mutex
	granted  map[string]bool
	auto     bool
	onResult func(code int, grants []bool)
	log      logx.Logger
}

func NewPlatform(autoGrant bool, log logx.Logger) *Platform {
	return &Platform{
		granted: map[string]bool{},
		auto:    autoGrant,
		log:     log.With(logx.String("comp", "sim.permissions")),
	}
}

// OnResult installs the callback that receives prompt results.
func (p *Platform) OnResult(fn func(code int, grants []bool)) {
	p.mu.Lock()
	p.onResult = fn
	p.mu.Unlock()
}

func (p *Platform) Grant(perms ...string) {
	p.mu.Lock()
	for _, s := range perms {
		p.granted[s] = true
	}
	p.mu.Unlock()
}

func (p *Platform) Revoke(perms ...string) {
	p.mu.Lock()
	for _, s := range perms {
		delete(p.granted, s)
	}
	p.mu.Unlock()
}

func (p *Platform) Granted(permission string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted[permission]
}

func (p *Platform) Request(_ context.Context, code int, perms []string) error {
	p.mu.Lock()
	auto, cb := p.auto, p.onResult
	grants := make([]bool, len(perms))
	for i, s := range perms {
		if auto {
			p.granted[s] = true
		}
		grants[i] = p.granted[s]
	}
	p.mu.Unlock()

	p.log.Info("permission prompt", logx.Int("code", code), logx.Any("permissions", perms), logx.Bool("auto", auto))
	if auto && cb != nil {
		cb(code, grants)
	}
	return nil
}
