package message

// Route is the classifier's decision for a parsed message.
type Route int

const (
	RouteRejected Route = iota
	RouteImmediate
	RouteGeofenced
)

func (r Route) String() string {
	switch r {
	case RouteImmediate:
		return "immediate"
	case RouteGeofenced:
		return "geofenced"
	default:
		return "rejected"
	}
}

// Policy is the runtime state classification depends on.
type Policy struct {
	GeoEnabled      bool
	LocationGranted bool
}

// Reason explains a rejection.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonForeign         Reason = "foreign_payload"
	ReasonGeoDisabled     Reason = "geo_disabled"
	ReasonGeoNotPermitted Reason = "geo_permission_missing"
)

// Classify routes m. A payload declaring geo fields is dropped when
// geofencing is disabled or location is not granted. A declared but
// unusable region falls back to immediate delivery.
func Classify(m Message, p Policy) (Route, Reason) {
	if !m.Data.Geo.Declared {
		return RouteImmediate, ReasonNone
	}
	if !p.GeoEnabled {
		return RouteRejected, ReasonGeoDisabled
	}
	if !p.LocationGranted {
		return RouteRejected, ReasonGeoNotPermitted
	}
	if m.Data.Geo.Valid() {
		return RouteGeofenced, ReasonNone
	}
	return RouteImmediate, ReasonNone
}

// Process parses extras and classifies the result in one step.
func Process(extras map[string]string, p Policy) (Message, Route, Reason) {
	m, err := Parse(extras)
	if err != nil {
		return Message{}, RouteRejected, ReasonForeign
	}
	route, reason := Classify(m, p)
	return m, route, reason
}
