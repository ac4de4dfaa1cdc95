// Package permission exposes the location and notification permission gate.
package permission

import (
	"context"
	"errors"
)

// RequestCode identifies permission requests issued by this SDK.
const RequestCode = 654

// Permission names understood by the platform collaborator.
const (
	CoarseLocation     = "ACCESS_COARSE_LOCATION"
	FineLocation       = "ACCESS_FINE_LOCATION"
	BackgroundLocation = "ACCESS_BACKGROUND_LOCATION"
	PostNotifications  = "POST_NOTIFICATIONS"
)

var ErrNoPlatform = errors.New("permission platform not configured")

// Platform is the OS permission primitive.
type Platform interface {
	Granted(permission string) bool
	// Request starts the asynchronous prompt; results arrive later through
	// the host, which hands them to AllGranted with the same request code.
	Request(ctx context.Context, requestCode int, permissions []string) error
}

// Gate answers permission predicates and issues permission requests.
type Gate struct {
	p Platform
}

func NewGate(p Platform) *Gate { return &Gate{p: p} }

// FineLocationGranted reports whether precise location is available.
func (g *Gate) FineLocationGranted() bool {
	if g == nil || g.p == nil {
		return false
	}
	return g.p.Granted(FineLocation)
}

// LocationGranted reports whether both coarse and fine location are granted.
func (g *Gate) LocationGranted() bool {
	if g == nil || g.p == nil {
		return false
	}
	return g.p.Granted(CoarseLocation) && g.p.Granted(FineLocation)
}

func (g *Gate) RequestForegroundLocation(ctx context.Context) error {
	return g.request(ctx, CoarseLocation, FineLocation)
}

func (g *Gate) RequestBackgroundLocation(ctx context.Context) error {
	return g.request(ctx, BackgroundLocation)
}

func (g *Gate) RequestNotifications(ctx context.Context) error {
	return g.request(ctx, PostNotifications)
}

func (g *Gate) request(ctx context.Context, perms ...string) error {
	if g == nil || g.p == nil {
		return ErrNoPlatform
	}
	return g.p.Request(ctx, RequestCode, perms)
}

// AllGranted reports whether a permission result belongs to this SDK and
// every permission in it was granted. An empty grant list counts as denied.
func AllGranted(requestCode int, grants []bool) bool {
	if requestCode != RequestCode || len(grants) == 0 {
		return false
	}
	for _, ok := range grants {
		if !ok {
			return false
		}
	}
	return true
}
