package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("ledger closed")

// Ledger is the append-only delivered-event store.
//
// RecordDelivered is idempotent: the first record for an event id wins and
// later calls are no-ops.
type Ledger interface {
	IsDelivered(ctx context.Context, eventID string) (bool, error)
	RecordDelivered(ctx context.Context, eventID string, at time.Time) error
	Close() error
}

// Config configures the ledger driver.
type Config struct {
	Driver string
	Path   string

	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisURL  string // redis only; "redis://..." or host:port
	KeyPrefix string // redis only; default "notifybot:ledger:"
	// Retention expires redis keys after this long. 0 keeps them forever.
	Retention time.Duration

	// CompactEvery compacts the file journal after this many writes. 0 means 1000.
	CompactEvery int
}

// Record is one ledger entry.
type Record struct {
	EventID     string `json:"event_id"`
	DeliveredAt int64  `json:"delivered_at"` // unix milli
}
