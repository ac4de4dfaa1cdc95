package egoipush

import (
	"net/http"

	"egoipush/internal/eventbus"
	"egoipush/internal/geofence"
	"egoipush/internal/metrics"
	"egoipush/internal/notify"
	"egoipush/internal/outbox"
	"egoipush/internal/permission"
	"egoipush/internal/report"
	logx "egoipush/pkg/logx"
)

// Platform bundles the host collaborators. Any of them may be nil; the
// matching feature then degrades to a logged no-op.
type Platform struct {
	Monitor     geofence.Monitor
	Tray        notify.Tray
	Browser     notify.Browser
	Permissions permission.Platform
}

// ConfigureOptions are the host app's library settings.
type ConfigureOptions struct {
	AppID          string `validate:"required"`
	APIKey         string `validate:"required"`
	OpenAppAction  string
	ActivityTarget string
	GeoEnabled     bool

	// Dialog replaces the tray when set.
	Dialog   notify.DialogHandler
	DeepLink notify.DeepLinkHandler
}

type settings struct {
	log          logx.Logger
	metrics      *metrics.Metrics
	bus          *eventbus.Bus[eventbus.Event]
	interactions *eventbus.Bus[notify.Interaction]
	httpClient   *http.Client
	outbox       outbox.Config
	api          report.ClientConfig
	geofence     geofence.Config
	maxProcessed int
}

type Option func(*settings)

func WithLogger(log logx.Logger) Option { return func(s *settings) { s.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *settings) { s.metrics = m } }

// WithBus receives lifecycle events (push, geofence, outbox).
func WithBus(b *eventbus.Bus[eventbus.Event]) Option { return func(s *settings) { s.bus = b } }

// WithInteractions sets the bus the tray publishes taps on.
func WithInteractions(b *eventbus.Bus[notify.Interaction]) Option {
	return func(s *settings) { s.interactions = b }
}

func WithHTTPClient(hc *http.Client) Option { return func(s *settings) { s.httpClient = hc } }

func WithOutboxConfig(cfg outbox.Config) Option { return func(s *settings) { s.outbox = cfg } }

func WithAPIConfig(cfg report.ClientConfig) Option { return func(s *settings) { s.api = cfg } }

func WithGeofenceConfig(cfg geofence.Config) Option { return func(s *settings) { s.geofence = cfg } }

// WithMaxProcessed bounds the processed-notification set.
func WithMaxProcessed(n int) Option { return func(s *settings) { s.maxProcessed = n } }
