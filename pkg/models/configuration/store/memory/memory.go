package memory

import (
	"context"
	"sync"
	"time"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	"github.com/lamassuiot/rfid-sync/pkg/models/configuration/store"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
)

type DB struct {
	mtx  sync.RWMutex
	docs map[string]configuration.Document
}

func NewDB() store.DB {
	return &DB{docs: make(map[string]configuration.Document)}
}

func (db *DB) SelectDocument(ctx context.Context, scope string) (configuration.Document, error) {
	db.mtx.RLock()
	defer db.mtx.RUnlock()
	doc, ok := db.docs[scope]
	if !ok {
		return configuration.Document{}, &rfiderrors.ResourceNotFoundError{ResourceType: "Configuration", ResourceId: scope}
	}
	return doc, nil
}

func (db *DB) UpsertFields(ctx context.Context, scope string, fields configuration.Fields, at time.Time) (configuration.Document, error) {
	db.mtx.Lock()
	defer db.mtx.Unlock()
	doc, ok := db.docs[scope]
	if !ok {
		doc = configuration.Document{Fields: fields, Version: 1, UpdatedAt: at}
	} else {
		doc.Fields = doc.Fields.Overlay(fields)
		doc.Version++
		doc.UpdatedAt = at
	}
	db.docs[scope] = doc
	return doc, nil
}

func (db *DB) Ping(ctx context.Context) error {
	return nil
}
