// Package notify renders notifications and handles the user's interactions
// with them.
package notify

import (
	"context"
	"errors"

	"egoipush/internal/message"
	"egoipush/internal/prefs"
	"egoipush/internal/report"
)

// Channel is the tray channel used for every SDK notification.
const Channel = "egoi_channel"

var (
	ErrEmptyNotification = errors.New("notification title and body are required")
	ErrNoTray            = errors.New("no notification tray")
)

// InteractionKind identifies what the user tapped.
type InteractionKind string

const (
	InteractionOpen  InteractionKind = "open"
	InteractionView  InteractionKind = "view"
	InteractionClose InteractionKind = "close"
)

// ParseInteractionKind validates an interaction name.
func ParseInteractionKind(s string) (InteractionKind, bool) {
	switch k := InteractionKind(s); k {
	case InteractionOpen, InteractionView, InteractionClose:
		return k, true
	}
	return "", false
}

// Interaction is a tap delivered back into the pipeline. View carries the
// whole event context so handling needs no lookup.
type Interaction struct {
	Kind InteractionKind `json:"kind"`
	View message.View    `json:"view"`
}

// Intent is what the tray fires when a notification element is tapped.
type Intent struct {
	Label       string
	Interaction Interaction
}

// TrayNotification is a fully built tray entry.
type TrayNotification struct {
	ID         int64
	Channel    string
	Title      string
	Body       string
	ImageURL   string
	AutoCancel bool

	Content Intent
	// Action is nil unless the message has a complete action block.
	Action  *Intent
	Dismiss Intent
}

// Tray is the platform notification renderer.
type Tray interface {
	Show(ctx context.Context, n TrayNotification) error
	Cancel(ctx context.Context, id int64) error
}

// Browser opens URLs outside the app.
type Browser interface {
	OpenURL(ctx context.Context, url string) error
}

// DialogHandler is the host app's replacement for the tray.
type DialogHandler interface {
	ShowDialog(ctx context.Context, v message.View)
}

type DialogFunc func(ctx context.Context, v message.View)

func (f DialogFunc) ShowDialog(ctx context.Context, v message.View) { f(ctx, v) }

// DeepLinkHandler receives deeplink actions.
type DeepLinkHandler interface {
	OpenDeepLink(ctx context.Context, v message.View)
}

type DeepLinkFunc func(ctx context.Context, v message.View)

func (f DeepLinkFunc) OpenDeepLink(ctx context.Context, v message.View) { f(ctx, v) }

// EventSink queues analytics events.
type EventSink interface {
	Report(ctx context.Context, kind report.EventKind, v message.View) (string, error)
}

// Preferences is the dispatcher's view of the preferences manager.
type Preferences interface {
	Load(ctx context.Context) (prefs.Preferences, error)
	MarkProcessed(ctx context.Context, id int64) (bool, error)
	Unmark(ctx context.Context, id int64) error
}
