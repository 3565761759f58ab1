package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	"github.com/lamassuiot/rfid-sync/pkg/models/device/store"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
)

// DB keeps devices, tokens and heartbeats in process memory. It backs
// single node deployments without PostgreSQL and the service tests.
type DB struct {
	mtx        sync.RWMutex
	devices    map[string]device.Device
	macs       map[string]string
	tokens     map[string]device.Token
	heartbeats []device.Heartbeat
}

func NewDB() store.DB {
	return &DB{
		devices: make(map[string]device.Device),
		macs:    make(map[string]string),
		tokens:  make(map[string]device.Token),
	}
}

func (db *DB) InsertDevice(ctx context.Context, d device.Device) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.devices[d.ID]; ok {
		return &rfiderrors.DuplicateResourceError{ResourceType: "Device", ResourceId: d.ID}
	}
	if id, ok := db.macs[d.MacAddress]; ok {
		return &rfiderrors.DuplicateResourceError{ResourceType: "Device", ResourceId: id}
	}
	db.devices[d.ID] = d
	db.macs[d.MacAddress] = d.ID
	return nil
}

func (db *DB) SelectDeviceByID(ctx context.Context, id string) (device.Device, error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	d, ok := db.devices[id]
	if !ok {
		return device.Device{}, &rfiderrors.ResourceNotFoundError{ResourceType: "Device", ResourceId: id}
	}
	return d, nil
}

func (db *DB) SelectAllDevices(ctx context.Context) ([]device.Device, error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	devices := make([]device.Device, 0, len(db.devices))
	for _, d := range db.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RegisteredAt.Equal(devices[j].RegisteredAt) {
			return devices[i].ID < devices[j].ID
		}
		return devices[i].RegisteredAt.Before(devices[j].RegisteredAt)
	})
	return devices, nil
}

func (db *DB) UpdateDeviceStatus(ctx context.Context, id string, status device.Status) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	d, ok := db.devices[id]
	if !ok {
		return &rfiderrors.ResourceNotFoundError{ResourceType: "Device", ResourceId: id}
	}
	d.Status = status
	db.devices[id] = d
	return nil
}

func (db *DB) MarkSeen(ctx context.Context, id string, seen time.Time, readings int) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	d, ok := db.devices[id]
	if !ok {
		return &rfiderrors.ResourceNotFoundError{ResourceType: "Device", ResourceId: id}
	}
	if d.Status != device.StatusRevoked {
		d.Status = device.StatusOnline
	}
	d.LastSeen = &seen
	d.TotalReadings += int64(readings)
	db.devices[id] = d
	return nil
}

func (db *DB) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	n := 0
	for id, d := range db.devices {
		if d.Status != device.StatusOnline {
			continue
		}
		if d.LastSeen == nil || d.LastSeen.Before(cutoff) {
			d.Status = device.StatusOffline
			db.devices[id] = d
			n++
		}
	}
	return n, nil
}

func (db *DB) CountByStatus(ctx context.Context) (device.Stats, error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	var stats device.Stats
	for _, d := range db.devices {
		stats.Total++
		switch d.Status {
		case device.StatusRegistered:
			stats.Registered++
		case device.StatusOnline:
			stats.Online++
		case device.StatusOffline:
			stats.Offline++
		case device.StatusRevoked:
			stats.Revoked++
		}
	}
	return stats, nil
}

func (db *DB) InsertToken(ctx context.Context, t device.Token) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.devices[t.DeviceID]; !ok {
		return &rfiderrors.ResourceNotFoundError{ResourceType: "Device", ResourceId: t.DeviceID}
	}
	db.tokens[t.Hash] = t
	return nil
}

func (db *DB) SelectTokenByHash(ctx context.Context, hash string) (device.Token, error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	t, ok := db.tokens[hash]
	if !ok {
		return device.Token{}, &rfiderrors.ResourceNotFoundError{ResourceType: "Token"}
	}
	return t, nil
}

func (db *DB) RevokeTokens(ctx context.Context, deviceID string, at time.Time) (int, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	n := 0
	for hash, t := range db.tokens {
		if t.DeviceID != deviceID || t.RevokedAt != nil {
			continue
		}
		revokedAt := at
		t.RevokedAt = &revokedAt
		db.tokens[hash] = t
		n++
	}
	return n, nil
}

func (db *DB) InsertHeartbeat(ctx context.Context, hb device.Heartbeat) error {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	if _, ok := db.devices[hb.DeviceID]; !ok {
		return &rfiderrors.ResourceNotFoundError{ResourceType: "Device", ResourceId: hb.DeviceID}
	}
	db.heartbeats = append(db.heartbeats, hb)
	return nil
}

// Heartbeats returns the snapshots stored for a device, oldest first.
func (db *DB) Heartbeats(deviceID string) []device.Heartbeat {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	var out []device.Heartbeat
	for _, hb := range db.heartbeats {
		if hb.DeviceID == deviceID {
			out = append(out, hb)
		}
	}
	return out
}

func (db *DB) Ping(ctx context.Context) error {
	return nil
}
