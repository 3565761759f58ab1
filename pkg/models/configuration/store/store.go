package store

import (
	"context"
	"time"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
)

// DB holds one sparse document per scope: the default scope plus at most
// one override per device identity.
type DB interface {
	// SelectDocument returns a ResourceNotFoundError when the scope has no row.
	SelectDocument(ctx context.Context, scope string) (configuration.Document, error)
	// UpsertFields merges the present fields into the scope's row, creating
	// it when missing, and bumps its version.
	UpsertFields(ctx context.Context, scope string, fields configuration.Fields, at time.Time) (configuration.Document, error)
	Ping(ctx context.Context) error
}
