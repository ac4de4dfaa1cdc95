// Package message parses inbound push payloads and decides how they are routed.
package message

import (
	"math"
	"time"
)

// Marker identifies payloads owned by this SDK.
const (
	MarkerKey   = "key"
	MarkerValue = "E-GOI_PUSH"
)

// TestHash is the message hash of the self-test notification. Messages with
// this hash never produce analytics events.
const TestHash = "TEST"

// Payload field names.
const (
	FieldTitle         = "title"
	FieldBody          = "body"
	FieldImage         = "image"
	FieldOS            = "os"
	FieldMessageHash   = "message-hash"
	FieldMailingID     = "mailing-id"
	FieldListID        = "list-id"
	FieldContactID     = "contact-id"
	FieldAccountID     = "account-id"
	FieldApplicationID = "application-id"
	FieldMessageID     = "message-id"
	FieldDeviceID      = "device-id"
	FieldActions       = "actions"
	FieldLatitude      = "latitude"
	FieldLongitude     = "longitude"
	FieldRadius        = "radius"
	FieldDuration      = "duration"
	FieldTimeStart     = "time-start"
	FieldTimeEnd       = "time-end"
)

type Message struct {
	Notification Notification
	Data         Data
}

type Notification struct {
	Title    string
	Body     string
	ImageURL string
}

type Data struct {
	OS            string
	MessageHash   string
	MailingID     int64
	ListID        int64
	ContactID     string
	AccountID     int64
	ApplicationID string
	MessageID     int64
	DeviceID      int64
	Action        Action
	Geo           Geo
}

// IsTest reports whether m is the self-test notification.
func (m Message) IsTest() bool { return m.Data.MessageHash == TestHash }

// Action is the optional call-to-action. It is either fully populated or zero.
type Action struct {
	Type       string
	Text       string
	URL        string
	TextCancel string
}

func (a Action) Present() bool { return a != Action{} }

// Action types with special handling.
const (
	ActionDeepLink = "deeplink"
	ActionHTTP     = "http"
)

// Geo describes a location-triggered delivery.
type Geo struct {
	// Declared is true when the payload carried a non-empty latitude.
	Declared     bool
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
	// Duration is how long the region stays armed. Zero means no expiry.
	Duration time.Duration
	Window   *DailyWindow
}

// Valid reports whether the geo block describes a usable circular region.
func (g Geo) Valid() bool {
	if !g.Declared {
		return false
	}
	if math.IsNaN(g.Latitude) || math.IsNaN(g.Longitude) {
		return false
	}
	if g.Latitude < -90 || g.Latitude > 90 || g.Longitude < -180 || g.Longitude > 180 {
		return false
	}
	return g.RadiusMeters > 0 && !math.IsInf(g.RadiusMeters, 0)
}
