package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	"github.com/lamassuiot/rfid-sync/pkg/models/configuration/store"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
	"github.com/lamassuiot/rfid-sync/pkg/server/utils"
	"github.com/opentracing/opentracing-go"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_configs (
	scope TEXT PRIMARY KEY,
	document JSONB NOT NULL DEFAULT '{}'::jsonb,
	version INTEGER NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
)`

func NewDB(driverName string, dataSourceName string, logger log.Logger) (store.DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	err = checkDBAlive(db)
	for err != nil {
		level.Warn(logger).Log("msg", "Trying to connect to Configurations DB")
		time.Sleep(5 * time.Second)
		err = checkDBAlive(db)
	}

	if _, err := db.Exec(schema); err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create configurations schema")
		return nil, err
	}
	return New(db, logger), nil
}

func New(db *sql.DB, logger log.Logger) *DB {
	return &DB{db, logger}
}

type DB struct {
	*sql.DB
	logger log.Logger
}

func checkDBAlive(db *sql.DB) error {
	sqlStatement := `
	SELECT WHERE 1=0`
	_, err := db.Query(sqlStatement)
	return err
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) SelectDocument(ctx context.Context, scope string) (configuration.Document, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	SELECT document, version, updated_at
	FROM device_configs
	WHERE scope = $1;
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: obtain configuration "+scope+" from database")
	row := db.QueryRowContext(ctx, sqlStatement, scope)
	span.Finish()

	var raw []byte
	var doc configuration.Document
	if err := row.Scan(&raw, &doc.Version, &doc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return configuration.Document{}, &rfiderrors.ResourceNotFoundError{
				ResourceType: "Configuration",
				ResourceId:   scope,
			}
		}
		level.Error(logger).Log("err", err, "msg", "Could not obtain configuration "+scope+" from database")
		return configuration.Document{}, err
	}
	fields, err := configuration.UnmarshalFields(raw)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Stored configuration "+scope+" is not valid JSON")
		return configuration.Document{}, err
	}
	doc.Fields = fields
	return doc, nil
}

func (db *DB) UpsertFields(ctx context.Context, scope string, fields configuration.Fields, at time.Time) (configuration.Document, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	raw, err := fields.MarshalFields()
	if err != nil {
		return configuration.Document{}, err
	}
	// jsonb || keeps the stored keys that the partial document does not name.
	sqlStatement := `
	INSERT INTO device_configs(scope, document, version, updated_at)
	VALUES($1, $2, 1, $3)
	ON CONFLICT (scope) DO UPDATE
	SET document = device_configs.document || EXCLUDED.document,
		version = device_configs.version + 1,
		updated_at = EXCLUDED.updated_at
	RETURNING document, version, updated_at;
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: upsert configuration "+scope+" in database")
	row := db.QueryRowContext(ctx, sqlStatement, scope, string(raw), at)
	span.Finish()

	var stored []byte
	var doc configuration.Document
	if err := row.Scan(&stored, &doc.Version, &doc.UpdatedAt); err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not upsert configuration "+scope+" in database")
		return configuration.Document{}, err
	}
	doc.Fields, err = configuration.UnmarshalFields(stored)
	if err != nil {
		return configuration.Document{}, err
	}
	level.Info(logger).Log("msg", "Configuration "+scope+" updated in database", "version", doc.Version)
	return doc, nil
}
