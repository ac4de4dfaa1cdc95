// Package inbox is the simulator's HTTP surface. It turns requests into the
// platform callbacks a real device would deliver: pushes, geofence
// transitions, notification taps and permission results.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"egoipush/internal/geofence"
	"egoipush/internal/message"
	"egoipush/internal/metrics"
	"egoipush/internal/notify"
	"egoipush/internal/outbox"
	"egoipush/internal/report"
	"egoipush/internal/simhost"
	"egoipush/pkg/egoipush"
	logx "egoipush/pkg/logx"
)

const maxBody = 1 << 20

// SDK is the client surface the inbox drives.
type SDK interface {
	ProcessMessage(ctx context.Context, extras map[string]string) (egoipush.Result, error)
	HandleGeofenceTransition(ctx context.Context, t geofence.Transition) map[string]geofence.Outcome
	HandleInteraction(ctx context.Context, in notify.Interaction)
	HandlePermissionResult(ctx context.Context, requestCode int, grants []bool) bool
	RequestForegroundLocationAccess(ctx context.Context) error
	RequestBackgroundLocationAccess(ctx context.Context) error
	RequestNotificationAccess(ctx context.Context) error
	RegisterToken(ctx context.Context, token, field, value string) (string, error)
	UpdateToken(ctx context.Context, token string) (bool, error)
	RegisterEvent(ctx context.Context, kind string, v message.View) (string, error)
	PendingGeofences() []geofence.Entry
	Outbox() outbox.Snapshot
}

// Server routes simulator requests to the SDK and the simulated platform.
type Server struct {
	sdk     SDK
	monitor *simhost.Monitor
	tray    *simhost.Tray
	log     logx.Logger
	m       *metrics.Metrics
	ready   func() bool
	pprof   bool
}

type Option func(*Server)

func WithLogger(log logx.Logger) Option { return func(s *Server) { s.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.m = m } }

// WithProfiler mounts the runtime profiler under /debug.
func WithProfiler(enabled bool) Option { return func(s *Server) { s.pprof = enabled } }

// WithReady overrides the /healthz readiness probe.
func WithReady(fn func() bool) Option { return func(s *Server) { s.ready = fn } }

func New(sdk SDK, monitor *simhost.Monitor, tray *simhost.Tray, opts ...Option) *Server {
	s := &Server{sdk: sdk, monitor: monitor, tray: tray}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "inbox"))
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", s.m.Handler())
	if s.pprof {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/push", s.push)
		r.Post("/geofence/transition", s.transition)
		r.Get("/geofences", s.geofences)
		r.Post("/interactions", s.interaction)
		r.Get("/tray", s.trayList)
		r.Post("/token", s.token)
		r.Post("/events", s.event)
		r.Post("/permissions/request", s.permissionRequest)
		r.Post("/permissions/result", s.permissionResult)
		r.Get("/outbox", s.outbox)
	})
	return r
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		s.m.InboxRequest(path, r.Method, strconv.Itoa(ww.Status()))
		s.log.Debug("inbox request",
			logx.String("path", path),
			logx.String("method", r.Method),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// push accepts a flat JSON object of extras. Non-string values are
// stringified the way a data bundle would carry them.
func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	extras := make(map[string]string, len(raw))
	for k, v := range raw {
		switch x := v.(type) {
		case string:
			extras[k] = x
		case json.Number:
			extras[k] = x.String()
		case nil:
		case map[string]any, []any:
			b, _ := json.Marshal(x)
			extras[k] = string(b)
		default:
			extras[k] = fmt.Sprint(x)
		}
	}

	res, err := s.sdk.ProcessMessage(r.Context(), extras)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"route":  res.Route.String(),
		"reason": string(res.Reason),
		"hash":   res.Hash,
	})
}

type transitionRequest struct {
	Kind      string   `json:"kind"`
	IDs       []string `json:"ids,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// transition delivers an OS geofence event, either for explicit ids or for
// every monitored region containing the given point.
func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if !decode(w, r, &req) {
		return
	}
	kind, ok := geofence.ParseTransitionKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown transition kind %q", req.Kind))
		return
	}
	t := geofence.Transition{Kind: kind, IDs: req.IDs}
	if req.Latitude != nil && req.Longitude != nil {
		t = s.monitor.At(*req.Latitude, *req.Longitude, kind)
	}
	if req.Error != "" {
		t.Err = errors.New(req.Error)
	}
	out := s.sdk.HandleGeofenceTransition(r.Context(), t)
	writeJSON(w, http.StatusOK, map[string]any{"ids": t.IDs, "outcomes": out})
}

func (s *Server) geofences(w http.ResponseWriter, _ *http.Request) {
	type pending struct {
		ID      string    `json:"id"`
		State   string    `json:"state"`
		AddedAt time.Time `json:"added_at"`
	}
	entries := s.sdk.PendingGeofences()
	out := make([]pending, 0, len(entries))
	for _, e := range entries {
		out = append(out, pending{ID: e.ID, State: e.State.String(), AddedAt: e.AddedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": out, "regions": s.monitor.Regions()})
}

type interactionRequest struct {
	MessageID int64  `json:"message_id"`
	Kind      string `json:"kind"`
}

// interaction taps a tray notification. The tap travels over the
// interaction bus like a platform broadcast.
func (s *Server) interaction(w http.ResponseWriter, r *http.Request) {
	var req interactionRequest
	if !decode(w, r, &req) {
		return
	}
	kind, ok := notify.ParseInteractionKind(req.Kind)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown interaction %q", req.Kind))
		return
	}
	if err := s.tray.Tap(req.MessageID, kind); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) trayList(w http.ResponseWriter, _ *http.Request) {
	type item struct {
		ID        int64  `json:"id"`
		Title     string `json:"title"`
		Body      string `json:"body"`
		Image     string `json:"image,omitempty"`
		HasAction bool   `json:"has_action"`
	}
	shown := s.tray.Shown()
	out := make([]item, 0, len(shown))
	for _, n := range shown {
		out = append(out, item{ID: n.ID, Title: n.Title, Body: n.Body, Image: n.ImageURL, HasAction: n.Action != nil})
	}
	writeJSON(w, http.StatusOK, out)
}

type tokenRequest struct {
	Token  string `json:"token"`
	Field  string `json:"field,omitempty"`
	Value  string `json:"value,omitempty"`
	Update bool   `json:"update,omitempty"`
}

func (s *Server) token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return
	}
	if req.Update {
		queued, err := s.sdk.UpdateToken(r.Context(), req.Token)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
		return
	}
	id, err := s.sdk.RegisterToken(r.Context(), req.Token, req.Field, req.Value)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "job": id})
}

type eventRequest struct {
	Event string       `json:"event"`
	View  message.View `json:"view"`

	// APIKey travels separately since views never carry it on the wire.
	APIKey string `json:"api_key,omitempty"`
}

func (s *Server) event(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !decode(w, r, &req) {
		return
	}
	v := req.View
	v.APIKey = req.APIKey
	id, err := s.sdk.RegisterEvent(r.Context(), req.Event, v)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": id != "", "job": id})
}

type permissionRequest struct {
	Scope string `json:"scope"`
}

func (s *Server) permissionRequest(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !decode(w, r, &req) {
		return
	}
	var err error
	switch strings.ToLower(req.Scope) {
	case "foreground", "location", "":
		err = s.sdk.RequestForegroundLocationAccess(r.Context())
	case "background":
		err = s.sdk.RequestBackgroundLocationAccess(r.Context())
	case "notifications":
		err = s.sdk.RequestNotificationAccess(r.Context())
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown scope %q", req.Scope))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"requested": true})
}

type permissionResult struct {
	RequestCode int    `json:"request_code"`
	Grants      []bool `json:"grants"`
}

func (s *Server) permissionResult(w http.ResponseWriter, r *http.Request) {
	var req permissionResult
	if !decode(w, r, &req) {
		return
	}
	ok := s.sdk.HandlePermissionResult(r.Context(), req.RequestCode, req.Grants)
	writeJSON(w, http.StatusOK, map[string]any{"granted": ok})
}

func (s *Server) outbox(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sdk.Outbox())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, report.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, report.ErrNotConfigured):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
