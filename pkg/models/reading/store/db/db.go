package db

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading/store"
	"github.com/lamassuiot/rfid-sync/pkg/server/utils"
	"github.com/opentracing/opentracing-go"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	_ "github.com/lib/pq"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rfid_readings (
		id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		mac_address TEXT NOT NULL,
		epc TEXT NOT NULL,
		antenna INTEGER NOT NULL,
		rssi DOUBLE PRECISION NOT NULL,
		read_at TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (device_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS rfid_readings_device_idx ON rfid_readings(device_id, read_at DESC)`,
	`CREATE INDEX IF NOT EXISTS rfid_readings_epc_idx ON rfid_readings(epc)`,
}

func NewDB(driverName string, dataSourceName string, logger log.Logger) (store.DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	err = checkDBAlive(db)
	for err != nil {
		level.Warn(logger).Log("msg", "Trying to connect to Readings DB")
		time.Sleep(5 * time.Second)
		err = checkDBAlive(db)
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not create readings schema")
			return nil, err
		}
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

func (db *DB) InsertReadings(ctx context.Context, readings []reading.Reading) ([]string, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	INSERT INTO rfid_readings(id, device_id, mac_address, epc, antenna, rssi, read_at, received_at)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (device_id, id) DO NOTHING;
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: insert "+strconv.Itoa(len(readings))+" readings in database")
	defer span.Finish()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not start readings transaction")
		return nil, err
	}
	duplicates := make([]string, 0)
	for _, r := range readings {
		var receivedAt time.Time
		if r.ReceivedAt != nil {
			receivedAt = *r.ReceivedAt
		}
		res, err := tx.ExecContext(ctx, sqlStatement, r.ID, r.DeviceID, r.MacAddress, r.EPC, r.Antenna, r.RSSI, r.Timestamp, receivedAt)
		if err != nil {
			tx.Rollback()
			level.Error(logger).Log("err", err, "msg", "Could not insert reading "+r.ID+" in database")
			return nil, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			duplicates = append(duplicates, r.ID)
		}
	}
	if err := tx.Commit(); err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not commit readings transaction")
		return nil, err
	}
	level.Debug(logger).Log("msg", strconv.Itoa(len(readings)-len(duplicates))+" readings inserted in database", "duplicates", len(duplicates))
	return duplicates, nil
}

func (db *DB) SelectReadings(ctx context.Context, filter reading.Filter) ([]reading.Reading, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	filter = filter.Normalize()

	var where []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, clause+" $"+strconv.Itoa(len(args)))
	}
	if filter.DeviceID != "" {
		add("device_id =", filter.DeviceID)
	}
	if filter.EPC != "" {
		add("epc =", filter.EPC)
	}
	if filter.From != nil {
		add("read_at >=", *filter.From)
	}
	if filter.To != nil {
		add("read_at <=", *filter.To)
	}

	sqlStatement := `
	SELECT id, device_id, mac_address, epc, antenna, rssi, read_at, received_at
	FROM rfid_readings`
	if len(where) > 0 {
		sqlStatement += "\n\tWHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit)
	sqlStatement += "\n\tORDER BY read_at DESC, id\n\tLIMIT $" + strconv.Itoa(len(args)) + ";"

	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: query readings from database")
	rows, err := db.QueryContext(ctx, sqlStatement, args...)
	span.Finish()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not obtain readings from database")
		return nil, err
	}
	defer rows.Close()

	readings := make([]reading.Reading, 0)
	for rows.Next() {
		var r reading.Reading
		var receivedAt time.Time
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.MacAddress, &r.EPC, &r.Antenna, &r.RSSI, &r.Timestamp, &receivedAt); err != nil {
			level.Error(logger).Log("err", err, "msg", "Unable to read database reading row")
			return nil, err
		}
		r.ReceivedAt = &receivedAt
		readings = append(readings, r)
	}
	if err = rows.Err(); err != nil {
		level.Error(logger).Log("err", err)
		return nil, err
	}
	return readings, nil
}

func (db *DB) CountReadings(ctx context.Context, since *time.Time) (int64, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: count readings")
	defer span.Finish()

	var count int64
	var err error
	if since == nil {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rfid_readings;`).Scan(&count)
	} else {
		err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rfid_readings WHERE received_at >= $1;`, *since).Scan(&count)
	}
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not count readings")
		return 0, err
	}
	return count, nil
}
