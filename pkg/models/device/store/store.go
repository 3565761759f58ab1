package store

import (
	"context"
	"time"

	"github.com/lamassuiot/rfid-sync/pkg/models/device"
)

// DB is the credential store: devices, their issued tokens and the
// heartbeat snapshots they report.
type DB interface {
	InsertDevice(ctx context.Context, d device.Device) error
	SelectDeviceByID(ctx context.Context, id string) (device.Device, error)
	SelectAllDevices(ctx context.Context) ([]device.Device, error)
	UpdateDeviceStatus(ctx context.Context, id string, status device.Status) error
	// MarkSeen moves a non revoked device to online, stamps last_seen and
	// adds readings to its running total.
	MarkSeen(ctx context.Context, id string, seen time.Time, readings int) error
	// MarkStaleOffline moves online devices last seen before the cutoff to
	// offline and returns how many changed.
	MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error)
	CountByStatus(ctx context.Context) (device.Stats, error)

	InsertToken(ctx context.Context, t device.Token) error
	SelectTokenByHash(ctx context.Context, hash string) (device.Token, error)
	RevokeTokens(ctx context.Context, deviceID string, at time.Time) (int, error)

	InsertHeartbeat(ctx context.Context, hb device.Heartbeat) error

	Ping(ctx context.Context) error
}
