package config

import (
	"hash/fnv"
	"reflect"
	"strings"

	logx "egoipush/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes the api key or the
// redis password).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	// App (never log api key)
	if oldCfg.App.AppID != newCfg.App.AppID ||
		oldCfg.App.APIKey != newCfg.App.APIKey ||
		oldCfg.App.OpenAppAction != newCfg.App.OpenAppAction ||
		oldCfg.App.ActivityTarget != newCfg.App.ActivityTarget ||
		oldCfg.GeoEnabled() != newCfg.GeoEnabled() ||
		oldCfg.App.GrantAll != newCfg.App.GrantAll {
		changed = append(changed, "app")
		attrs = append(attrs,
			logx.String("app.app_id", newCfg.App.AppID),
			logx.Bool("app.api_key_set", strings.TrimSpace(newCfg.App.APIKey) != ""),
			logx.Bool("app.api_key_changed", oldCfg.App.APIKey != newCfg.App.APIKey),
			logx.Bool("app.geo_enabled", newCfg.GeoEnabled()),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage is opened once; a change only takes effect on restart.
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Outbox, newCfg.Outbox) {
		changed = append(changed, "outbox")
		attrs = append(attrs,
			logx.Int("outbox.workers", newCfg.Outbox.Workers),
			logx.Int("outbox.max_attempts", newCfg.Outbox.MaxAttempts),
			logx.String("outbox.sweep", strings.TrimSpace(newCfg.Outbox.Sweep)),
		)
	}

	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.base_url", newCfg.API.BaseURL),
			logx.Int("api.rate_per_sec", newCfg.API.RatePerSec),
		)
	}

	if oldCfg.Geofence != newCfg.Geofence {
		changed = append(changed, "geofence")
		attrs = append(attrs,
			logx.String("geofence.loitering_delay", strings.TrimSpace(newCfg.Geofence.LoiteringDelay)),
			logx.Bool("geofence.trigger_on_enter", newCfg.Geofence.TriggerOnEnter),
		)
	}

	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs = append(attrs, logx.Int("dedup.max_entries", newCfg.Dedup.MaxEntries))
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTPAddr()),
			logx.Bool("http.restart_required", true),
		)
	}

	return changed, attrs
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
