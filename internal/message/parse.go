package message

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrForeign = errors.New("payload is not an E-goi push")

// Parse builds a Message from a flat extras bundle.
//
// Only a missing marker is an error. Every other field degrades to its
// default when missing or unparsable: 0 for integers, NaN for coordinates,
// "" for strings. A partial action block is discarded entirely.
func Parse(extras map[string]string) (Message, error) {
	if extras[MarkerKey] != MarkerValue {
		return Message{}, ErrForeign
	}

	osName := extras[FieldOS]
	if osName == "" {
		osName = "android"
	}
	m := Message{
		Notification: Notification{
			Title:    extras[FieldTitle],
			Body:     extras[FieldBody],
			ImageURL: extras[FieldImage],
		},
		Data: Data{
			OS:            osName,
			MessageHash:   extras[FieldMessageHash],
			MailingID:     parseInt(extras[FieldMailingID]),
			ListID:        parseInt(extras[FieldListID]),
			ContactID:     extras[FieldContactID],
			AccountID:     parseInt(extras[FieldAccountID]),
			ApplicationID: extras[FieldApplicationID],
			MessageID:     parseInt(extras[FieldMessageID]),
			DeviceID:      parseInt(extras[FieldDeviceID]),
			Action:        parseAction(extras[FieldActions]),
			Geo:           parseGeo(extras),
		},
	}
	return m, nil
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(s string, def float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return f
}

func parseAction(raw string) Action {
	if strings.TrimSpace(raw) == "" {
		return Action{}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return Action{}
	}
	get := func(k string) (string, bool) {
		v, ok := fields[k]
		if !ok {
			return "", false
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			// Non-string JSON values still count as present.
			return strings.Trim(string(v), `"`), true
		}
		return s, true
	}
	typ, ok1 := get("type")
	text, ok2 := get("text")
	url, ok3 := get("url")
	cancel, ok4 := get("text-cancel")
	if !(ok1 && ok2 && ok3 && ok4) {
		return Action{}
	}
	return Action{Type: typ, Text: text, URL: url, TextCancel: cancel}
}

func parseGeo(extras map[string]string) Geo {
	lat := strings.TrimSpace(extras[FieldLatitude])
	if lat == "" {
		return Geo{Latitude: math.NaN(), Longitude: math.NaN()}
	}
	g := Geo{
		Declared:     true,
		Latitude:     parseFloat(lat, math.NaN()),
		Longitude:    parseFloat(extras[FieldLongitude], math.NaN()),
		RadiusMeters: parseFloat(extras[FieldRadius], 0),
	}
	if ms := parseInt(extras[FieldDuration]); ms > 0 {
		g.Duration = time.Duration(ms) * time.Millisecond
	}
	start, end := extras[FieldTimeStart], extras[FieldTimeEnd]
	if start != "" && end != "" {
		if w, err := ParseWindow(start, end); err == nil {
			g.Window = w
		}
	}
	return g
}
