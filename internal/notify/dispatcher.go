package notify

import (
	"context"
	"sync"

	"egoipush/internal/eventbus"
	"egoipush/internal/message"
	"egoipush/internal/metrics"
	"egoipush/internal/report"
	logx "egoipush/pkg/logx"
)

// Dispatcher shows notifications through the host dialog callback or the
// tray, and turns interactions into events and callbacks.
type Dispatcher struct {
	tray    Tray
	browser Browser
	events  EventSink
	prefs   Preferences
	bus     *eventbus.Bus[Interaction]
	log     logx.Logger
	m       *metrics.Metrics

	mu       sync.RWMutex
	dialog   DialogHandler
	deepLink DeepLinkHandler
}

type Option func(*Dispatcher)

func WithBrowser(b Browser) Option { return func(d *Dispatcher) { d.browser = b } }

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.m = m } }

// WithInteractions sets the bus Run consumes. Tray implementations publish
// taps on the same bus.
func WithInteractions(b *eventbus.Bus[Interaction]) Option {
	return func(d *Dispatcher) { d.bus = b }
}

func NewDispatcher(tray Tray, events EventSink, p Preferences, opts ...Option) *Dispatcher {
	d := &Dispatcher{tray: tray, events: events, prefs: p}
	for _, o := range opts {
		o(d)
	}
	if d.bus == nil {
		d.bus = eventbus.New[Interaction]()
	}
	d.log = d.log.With(logx.String("comp", "notify"))
	return d
}

// SetCallbacks installs the optional host callbacks. nil clears one.
func (d *Dispatcher) SetCallbacks(dialog DialogHandler, deepLink DeepLinkHandler) {
	d.mu.Lock()
	d.dialog = dialog
	d.deepLink = deepLink
	d.mu.Unlock()
}

func (d *Dispatcher) callbacks() (DialogHandler, DeepLinkHandler) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dialog, d.deepLink
}

// Interactions is the bus taps are delivered on.
func (d *Dispatcher) Interactions() *eventbus.Bus[Interaction] { return d.bus }

// Dispatch shows m. A message id already in the dedup set is not shown
// again. With a dialog callback the tray is bypassed. When nothing is
// shown the id is released so a redelivery can still be rendered.
func (d *Dispatcher) Dispatch(ctx context.Context, m message.Message) error {
	if m.Notification.Title == "" || m.Notification.Body == "" {
		d.m.Dispatch("empty")
		return ErrEmptyNotification
	}
	id := m.Data.MessageID
	added, err := d.prefs.MarkProcessed(ctx, id)
	if err != nil {
		return err
	}
	if !added {
		d.m.Dispatch("duplicate")
		d.log.Debug("notification already processed", logx.Int64("message_id", id))
		return nil
	}
	if err := d.show(ctx, m); err != nil {
		if uerr := d.prefs.Unmark(ctx, id); uerr != nil {
			d.log.Warn("dedup release failed", logx.Int64("message_id", id), logx.Err(uerr))
		}
		return err
	}
	return nil
}

func (d *Dispatcher) show(ctx context.Context, m message.Message) error {
	p, err := d.prefs.Load(ctx)
	if err != nil {
		return err
	}
	v := message.NewView(m, p)

	dialog, _ := d.callbacks()
	if dialog != nil {
		dialog.ShowDialog(ctx, v)
		d.m.Dispatch("dialog")
		d.report(ctx, report.EventReceived, v)
		return nil
	}

	if d.tray == nil {
		d.m.Dispatch("no_tray")
		d.log.Debug("no tray; notification not shown", logx.String("hash", v.MessageHash))
		return ErrNoTray
	}
	if err := d.tray.Show(ctx, BuildTray(v)); err != nil {
		d.m.Dispatch("failed")
		d.log.Warn("tray notification failed", logx.String("hash", v.MessageHash), logx.Err(err))
		return err
	}
	d.m.Dispatch("tray")
	d.report(ctx, report.EventReceived, v)
	return nil
}

// BuildTray builds the tray entry for v: content opens, the optional action
// button views, and dismissing closes.
func BuildTray(v message.View) TrayNotification {
	n := TrayNotification{
		ID:         v.MessageID,
		Channel:    Channel,
		Title:      v.Title,
		Body:       v.Body,
		ImageURL:   v.ImageURL,
		AutoCancel: true,
		Content:    Intent{Interaction: Interaction{Kind: InteractionOpen, View: v}},
		Dismiss:    Intent{Label: v.Action.TextCancel, Interaction: Interaction{Kind: InteractionClose, View: v}},
	}
	if v.HasAction {
		n.Action = &Intent{Label: v.Action.Text, Interaction: Interaction{Kind: InteractionView, View: v}}
	}
	return n
}

// Run handles interactions from the bus until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ch, unsub := d.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-ch:
			if !ok {
				return nil
			}
			d.HandleInteraction(ctx, in)
		}
	}
}

// HandleInteraction reacts to a tap.
//
//   - open: a complete action prefers the dialog callback, a deeplink goes
//     to the deeplink callback, anything else opens the URL. Reports open.
//   - view: the action button. Deeplinks go to the callback, other types
//     open the URL. Reports open.
//   - close: reports canceled.
//
// Every interaction removes the tray entry.
func (d *Dispatcher) HandleInteraction(ctx context.Context, in Interaction) {
	v := in.View
	d.m.Interaction(string(in.Kind))
	dialog, deepLink := d.callbacks()

	switch in.Kind {
	case InteractionOpen:
		switch {
		case v.HasAction && dialog != nil:
			dialog.ShowDialog(ctx, v)
		case v.Action.Type == message.ActionDeepLink && deepLink != nil:
			deepLink.OpenDeepLink(ctx, v)
		default:
			d.openURL(ctx, v)
		}
		d.report(ctx, report.EventOpen, v)
	case InteractionView:
		if v.Action.Type == message.ActionDeepLink {
			if deepLink != nil {
				deepLink.OpenDeepLink(ctx, v)
			}
		} else {
			d.openURL(ctx, v)
		}
		d.report(ctx, report.EventOpen, v)
	case InteractionClose:
		d.report(ctx, report.EventCanceled, v)
	default:
		d.log.Debug("unknown interaction", logx.String("kind", string(in.Kind)))
		return
	}

	if d.tray == nil {
		return
	}
	if err := d.tray.Cancel(ctx, v.MessageID); err != nil {
		d.log.Debug("tray cancel failed", logx.Int64("message_id", v.MessageID), logx.Err(err))
	}
}

func (d *Dispatcher) openURL(ctx context.Context, v message.View) {
	if d.browser == nil || v.Action.URL == "" {
		return
	}
	if err := d.browser.OpenURL(ctx, v.Action.URL); err != nil {
		d.log.Warn("open url failed", logx.String("url", v.Action.URL), logx.Err(err))
	}
}

// report queues kind for v unless v is the self-test notification.
func (d *Dispatcher) report(ctx context.Context, kind report.EventKind, v message.View) {
	if v.IsTest() || d.events == nil {
		return
	}
	if _, err := d.events.Report(ctx, kind, v); err != nil {
		d.log.Warn("event not queued", logx.String("event", string(kind)), logx.Err(err))
	}
}
