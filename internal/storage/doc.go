// Package storage is the durable settings store used by the SDK.
//
// It holds two kinds of state:
//   - Opaque string blobs under fixed keys (the encoded preferences)
//   - Persisted outbox job records, so queued reports survive process death
//
// Drivers: "memory" (default, tests), "file" (snapshot + journal),
// "sqlite" and "redis".
package storage
