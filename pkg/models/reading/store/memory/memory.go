package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading/store"
)

type key struct {
	deviceID string
	id       string
}

type DB struct {
	mtx      sync.RWMutex
	ids      map[key]struct{}
	readings []reading.Reading
}

func NewDB() store.DB {
	return &DB{ids: make(map[key]struct{})}
}

func (db *DB) InsertReadings(ctx context.Context, readings []reading.Reading) ([]string, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	duplicates := make([]string, 0)
	for _, r := range readings {
		k := key{deviceID: r.DeviceID, id: r.ID}
		if _, ok := db.ids[k]; ok {
			duplicates = append(duplicates, r.ID)
			continue
		}
		db.ids[k] = struct{}{}
		db.readings = append(db.readings, r)
	}
	return duplicates, nil
}

func (db *DB) SelectReadings(ctx context.Context, filter reading.Filter) ([]reading.Reading, error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	filter = filter.Normalize()
	out := make([]reading.Reading, 0)
	for _, r := range db.readings {
		if filter.Match(r) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// All returns every stored reading in insertion order.
func (db *DB) All() []reading.Reading {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	out := make([]reading.Reading, len(db.readings))
	copy(out, db.readings)
	return out
}

func (db *DB) CountReadings(ctx context.Context, since *time.Time) (int64, error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	if since == nil {
		return int64(len(db.readings)), nil
	}
	var n int64
	for _, r := range db.readings {
		if r.ReceivedAt != nil && !r.ReceivedAt.Before(*since) {
			n++
		}
	}
	return n, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return nil
}
