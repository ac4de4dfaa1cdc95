// Package geofence owns geofence-triggered notifications: it registers
// circular regions with the OS monitor, remembers the pending message per
// region, and hands it to the dispatcher when the region fires.
package geofence

import (
	"context"
	"errors"
	"time"

	"egoipush/internal/message"
)

// TestID is the reserved self-test region.
const TestID = message.TestHash

// Self-test region parameters.
const (
	TestLatitude     = 41.178880
	TestLongitude    = -8.682427
	TestRadiusMeters = 100
)

const DefaultLoiteringDelay = 10 * time.Second

var (
	ErrPermissionDenied = errors.New("fine location permission not granted")
	ErrInvalidRegion    = errors.New("message has no usable region")
	ErrNoMonitor        = errors.New("geofence monitor not configured")
)

// TransitionKind is a bitmask of OS geofence transitions.
type TransitionKind uint8

const (
	Enter TransitionKind = 1 << iota
	Dwell
	Exit
)

func (k TransitionKind) String() string {
	switch k {
	case Enter:
		return "enter"
	case Dwell:
		return "dwell"
	case Exit:
		return "exit"
	case 0:
		return "none"
	default:
		return "mixed"
	}
}

// ParseTransitionKind maps a transition name to its kind.
func ParseTransitionKind(s string) (TransitionKind, bool) {
	switch s {
	case "enter":
		return Enter, true
	case "dwell":
		return Dwell, true
	case "exit":
		return Exit, true
	}
	return 0, false
}

// Region is a circular monitoring request.
type Region struct {
	ID           string
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
	// Expiration of 0 means the region never expires.
	Expiration     time.Duration
	Transitions    TransitionKind
	LoiteringDelay time.Duration
}

// Transition is an OS-reported geofence event.
type Transition struct {
	Kind TransitionKind
	IDs  []string
	Err  error
}

// Monitor is the OS geofence primitive. Add returns once the OS acknowledged
// or rejected the registration.
type Monitor interface {
	Add(ctx context.Context, r Region) error
	Remove(ctx context.Context, ids []string) error
}

// LocationChecker reports whether fine location is granted.
type LocationChecker interface {
	FineLocationGranted() bool
}

// Dispatcher receives messages whose region fired.
type Dispatcher interface {
	Dispatch(ctx context.Context, m message.Message) error
}

type DispatcherFunc func(ctx context.Context, m message.Message) error

func (f DispatcherFunc) Dispatch(ctx context.Context, m message.Message) error { return f(ctx, m) }

// State of a registry entry.
type State int

const (
	StateUnregistered State = iota
	StatePending
	StateActive
	StateFired
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateFired:
		return "fired"
	case StateRemoved:
		return "removed"
	default:
		return "unregistered"
	}
}

// Outcome of a trigger.
type Outcome string

const (
	OutcomeFired         Outcome = "fired"
	OutcomeStale         Outcome = "stale"
	OutcomeOutsideWindow Outcome = "outside_window"
	OutcomeIgnored       Outcome = "ignored"
)

// Entry is a read-only view of a pending registration.
type Entry struct {
	ID      string
	State   State
	Message message.Message
	Region  Region
	AddedAt time.Time
}
