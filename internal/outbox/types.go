// Package outbox is the durable work queue behind event and token reporting.
//
// Jobs are persisted before they are queued and their attempt count is
// persisted before each attempt, so the retry budget survives restarts. A
// record is deleted once it succeeds, fails permanently, or exhausts its
// attempts. A cron sweep re-queues records left behind by a full queue or a
// previous process.
package outbox

import (
	"context"
	"time"
)

// Handler runs one attempt of a job.
type Handler func(ctx context.Context, payload []byte) error

type Config struct {
	Workers   int
	QueueSize int

	// MaxAttempts is the total attempt budget per job.
	MaxAttempts   int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// Timeout bounds a single attempt. 0 disables it.
	Timeout time.Duration

	// Sweep is a cron expression for re-queueing persisted jobs. "" disables it.
	Sweep string

	HistorySize int
}

const (
	DefaultMaxAttempts = 2
	DefaultRetryBase   = 2 * time.Second
	DefaultSweep       = "@every 1m"
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 30 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Job outcomes.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeExhausted = "exhausted"
	OutcomeDropped   = "dropped"
)

// Event types published on the bus.
const (
	EventQueued   = "outbox.queued"
	EventStarted  = "outbox.started"
	EventFinished = "outbox.finished"
	EventFailed   = "outbox.failed"
)

// JobEvent is the payload of outbox bus events.
type JobEvent struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type HistoryItem struct {
	ID       string        `json:"id"`
	Kind     string        `json:"kind"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Outcome  string        `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running     bool          `json:"running"`
	Workers     int           `json:"workers"`
	QueueLen    int           `json:"queue_len"`
	QueueCap    int           `json:"queue_cap"`
	Tracked     int           `json:"tracked"`
	Dropped     uint64        `json:"dropped"`
	MaxAttempts int           `json:"max_attempts"`
	History     []HistoryItem `json:"history"`
}
