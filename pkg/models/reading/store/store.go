package store

import (
	"context"
	"time"

	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
)

// DB is the append only reading store. Inserts are idempotent on the
// device ID and reading ID pair.
type DB interface {
	// InsertReadings stores the batch and returns the IDs the submitting device
	// had already stored and therefore skipped.
	InsertReadings(ctx context.Context, readings []reading.Reading) (duplicates []string, err error)
	// SelectReadings returns matches newest first, at most filter.Limit.
	SelectReadings(ctx context.Context, filter reading.Filter) ([]reading.Reading, error)
	// CountReadings counts readings received at or after since, or all of
	// them when since is nil.
	CountReadings(ctx context.Context, since *time.Time) (int64, error)
	Ping(ctx context.Context) error
}
