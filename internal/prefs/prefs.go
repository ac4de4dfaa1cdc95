// Package prefs holds the durable SDK preferences and the single-writer
// manager that serializes every read-modify-write against the settings store.
package prefs

import (
	"encoding/json"
	"errors"
)

// StoreKey is the settings-store key holding the encoded Preferences blob.
const StoreKey = "preferences"

var ErrEmptyBlob = errors.New("preferences blob is empty")

// Preferences is the singleton durable configuration of an SDK instance.
type Preferences struct {
	AppID                  string
	APIKey                 string
	GeoEnabled             bool
	OpenAppAction          string
	ActivityTarget         string
	LocationUpdatesEnabled bool
	ProcessedNotifications IDSet
}

// Defaults returns the preferences used when nothing was stored yet.
func Defaults() Preferences {
	return Preferences{GeoEnabled: true}
}

// CanReport reports whether credentials required for outbound calls are set.
func (p Preferences) CanReport() bool {
	return p.AppID != "" && p.APIKey != ""
}

// Clone returns a copy that shares no mutable state with p.
func (p Preferences) Clone() Preferences {
	p.ProcessedNotifications = p.ProcessedNotifications.Clone()
	return p
}

type wire struct {
	AppID                  string  `json:"app-id"`
	APIKey                 string  `json:"api-key"`
	GeoEnabled             *bool   `json:"geo-enabled"`
	OpenAppAction          string  `json:"open-app-action"`
	ActivityTarget         string  `json:"activity-target"`
	LocationUpdatesEnabled bool    `json:"location-updates"`
	ProcessedNotifications []int64 `json:"processed-notifications"`
}

// Encode serializes p into the flat string-keyed blob stored under StoreKey.
func Encode(p Preferences) (string, error) {
	geo := p.GeoEnabled
	w := wire{
		AppID:                  p.AppID,
		APIKey:                 p.APIKey,
		GeoEnabled:             &geo,
		OpenAppAction:          p.OpenAppAction,
		ActivityTarget:         p.ActivityTarget,
		LocationUpdatesEnabled: p.LocationUpdatesEnabled,
		ProcessedNotifications: p.ProcessedNotifications.Values(),
	}
	if w.ProcessedNotifications == nil {
		w.ProcessedNotifications = []int64{}
	}
	b, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a blob produced by Encode. Missing keys take their defaults.
func Decode(blob string) (Preferences, error) {
	if blob == "" {
		return Defaults(), ErrEmptyBlob
	}
	var w wire
	if err := json.Unmarshal([]byte(blob), &w); err != nil {
		return Defaults(), err
	}
	p := Preferences{
		AppID:                  w.AppID,
		APIKey:                 w.APIKey,
		GeoEnabled:             true,
		OpenAppAction:          w.OpenAppAction,
		ActivityTarget:         w.ActivityTarget,
		LocationUpdatesEnabled: w.LocationUpdatesEnabled,
		ProcessedNotifications: NewIDSet(w.ProcessedNotifications...),
	}
	if w.GeoEnabled != nil {
		p.GeoEnabled = *w.GeoEnabled
	}
	return p, nil
}
