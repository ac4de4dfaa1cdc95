package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed      = errors.New("storage closed")
	ErrInvalidKey  = errors.New("storage key is required")
	ErrInvalidJob  = errors.New("job id and kind are required")
	ErrUnknownKind = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "" or "memory": process-local maps (lost at exit)
//   - "file": JSON snapshot + append-only journal under Path
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis server at Addr
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string // redis only
	Password string // redis only
	DB       int    // redis only
	Prefix   string // redis key prefix; default "egoipush:"
}

// JobRecord is a persisted unit of outbox work.
type JobRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Payload   []byte    `json:"payload"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

func (r JobRecord) validate() error {
	if r.ID == "" || r.Kind == "" {
		return ErrInvalidJob
	}
	return nil
}

// JobStore persists outbox jobs.
type JobStore interface {
	PutJob(ctx context.Context, rec JobRecord) error
	DeleteJob(ctx context.Context, id string) error
	// ListJobs returns all records ordered by CreatedAt (oldest first).
	ListJobs(ctx context.Context) ([]JobRecord, error)
}

// Store is the durable key/value settings store plus job persistence.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	JobStore
	Close() error
}
