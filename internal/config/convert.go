package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"egoipush/internal/geofence"
	"egoipush/internal/outbox"
	"egoipush/internal/report"
	"egoipush/internal/storage"
	logx "egoipush/pkg/logx"
)

const DefaultHTTPAddr = "127.0.0.1:8089"

// Validate checks every field a component conversion would reject, so a bad
// reload is refused before it is published.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory", "mem", "file", "sqlite", "sqlite3", "redis":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); (d == "file" || strings.HasPrefix(d, "sqlite")) && strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.path: required for driver %q", d))
	}
	if _, err := c.StorageOptions(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.OutboxOptions(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ClientOptions(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.GeofenceOptions(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.HTTPTimeouts(); err != nil {
		errs = append(errs, err)
	}
	if c.Outbox.RetryJitter < 0 || c.Outbox.RetryJitter > 1 {
		errs = append(errs, fmt.Errorf("outbox.retry_jitter: must be within [0,1]"))
	}
	if c.Dedup.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("dedup.max_entries: must be >= 0"))
	}
	return errors.Join(errs...)
}

func (c *Config) LogOptions() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File:    logx.FileConfig{Enabled: c.Logging.File.Enabled, Path: c.Logging.File.Path},
	}
}

func (c *Config) StorageOptions() (storage.Config, error) {
	bt, err := duration("storage.busy_timeout", c.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: bt,
		Addr:        c.Storage.Addr,
		Password:    c.Storage.Password,
		DB:          c.Storage.DB,
		Prefix:      c.Storage.Prefix,
	}, nil
}

func (c *Config) OutboxOptions() (outbox.Config, error) {
	o := c.Outbox
	base, err := duration("outbox.retry_base", o.RetryBase, outbox.DefaultRetryBase)
	if err != nil {
		return outbox.Config{}, err
	}
	maxDelay, err := duration("outbox.retry_max_delay", o.RetryMaxDelay, 0)
	if err != nil {
		return outbox.Config{}, err
	}
	timeout, err := duration("outbox.timeout", o.Timeout, 0)
	if err != nil {
		return outbox.Config{}, err
	}
	sweep := strings.TrimSpace(o.Sweep)
	switch strings.ToLower(sweep) {
	case "":
		sweep = outbox.DefaultSweep
	case "off", "none", "disabled":
		sweep = ""
	}
	return outbox.Config{
		Workers:       o.Workers,
		QueueSize:     o.QueueSize,
		MaxAttempts:   o.MaxAttempts,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		RetryJitter:   o.RetryJitter,
		Timeout:       timeout,
		Sweep:         sweep,
		HistorySize:   o.HistorySize,
	}, nil
}

func (c *Config) ClientOptions() (report.ClientConfig, error) {
	timeout, err := duration("api.timeout", c.API.Timeout, 15*time.Second)
	if err != nil {
		return report.ClientConfig{}, err
	}
	if c.API.RatePerSec < 0 {
		return report.ClientConfig{}, fmt.Errorf("api.rate_per_sec: must be >= 0")
	}
	return report.ClientConfig{
		BaseURL:    c.API.BaseURL,
		UserAgent:  c.API.UserAgent,
		Timeout:    timeout,
		RatePerSec: c.API.RatePerSec,
	}, nil
}

func (c *Config) GeofenceOptions() (geofence.Config, error) {
	d, err := duration("geofence.loitering_delay", c.Geofence.LoiteringDelay, geofence.DefaultLoiteringDelay)
	if err != nil {
		return geofence.Config{}, err
	}
	return geofence.Config{LoiteringDelay: d, TriggerOnEnter: c.Geofence.TriggerOnEnter}, nil
}

// HTTPTimeouts holds the parsed simulator server timeouts.
type HTTPTimeouts struct {
	Read     time.Duration
	Write    time.Duration
	Shutdown time.Duration
}

func (c *Config) HTTPTimeouts() (HTTPTimeouts, error) {
	var (
		t   HTTPTimeouts
		err error
	)
	if t.Read, err = duration("http.read_timeout", c.HTTP.ReadTimeout, 10*time.Second); err != nil {
		return HTTPTimeouts{}, err
	}
	if t.Write, err = duration("http.write_timeout", c.HTTP.WriteTimeout, 10*time.Second); err != nil {
		return HTTPTimeouts{}, err
	}
	if t.Shutdown, err = duration("http.shutdown_timeout", c.HTTP.ShutdownTimeout, 5*time.Second); err != nil {
		return HTTPTimeouts{}, err
	}
	return t, nil
}

func (c *Config) HTTPAddr() string {
	if s := strings.TrimSpace(c.HTTP.Addr); s != "" {
		return s
	}
	return DefaultHTTPAddr
}

// GeoEnabled reports app.geo_enabled, defaulting to true.
func (c *Config) GeoEnabled() bool {
	if c.App.GeoEnabled == nil {
		return true
	}
	return *c.App.GeoEnabled
}

// duration parses a Go duration field. Empty or zero yields def; negative
// values are errors.
func duration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
