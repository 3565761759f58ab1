package db

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	"github.com/lamassuiot/rfid-sync/pkg/models/device/store"
	"github.com/lamassuiot/rfid-sync/pkg/server/utils"
	"github.com/opentracing/opentracing-go"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		mac_address TEXT NOT NULL UNIQUE,
		device_name TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		last_seen TIMESTAMPTZ,
		total_readings BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS device_tokens (
		token_hash TEXT PRIMARY KEY,
		device_id TEXT NOT NULL REFERENCES devices(id),
		token_type TEXT NOT NULL,
		issued_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS device_tokens_device_idx ON device_tokens(device_id)`,
	`CREATE TABLE IF NOT EXISTS device_heartbeats (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL REFERENCES devices(id),
		status TEXT NOT NULL DEFAULT '',
		agent_state TEXT NOT NULL DEFAULT '',
		cpu_temp DOUBLE PRECISION,
		memory_usage DOUBLE PRECISION,
		disk_usage DOUBLE PRECISION,
		uptime DOUBLE PRECISION,
		buffered_readings INTEGER NOT NULL DEFAULT 0,
		received_at TIMESTAMPTZ NOT NULL
	)`,
}

func NewDB(driverName string, dataSourceName string, logger log.Logger) (store.DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	err = checkDBAlive(db)
	for err != nil {
		level.Warn(logger).Log("msg", "Trying to connect to Devices DB")
		time.Sleep(5 * time.Second)
		err = checkDBAlive(db)
	}

	d := New(db, logger)
	if err := d.Migrate(context.Background()); err != nil {
		return nil, err
	}
	return d, nil
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

func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			level.Error(db.logger).Log("err", err, "msg", "Could not create devices schema")
			return err
		}
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	return db.PingContext(ctx)
}

func (db *DB) InsertDevice(ctx context.Context, d device.Device) error {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	INSERT INTO devices(id, mac_address, device_name, location, status, registered_at)
	VALUES($1, $2, $3, $4, $5, $6);
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: insert device "+d.ID+" in database")
	_, err := db.ExecContext(ctx, sqlStatement, d.ID, d.MacAddress, d.Name, d.Location, d.Status, d.RegisteredAt)
	span.Finish()
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			level.Warn(logger).Log("msg", "Device with ID "+d.ID+" already registered")
			return &rfiderrors.DuplicateResourceError{
				ResourceType: "Device",
				ResourceId:   d.ID,
			}
		}
		level.Error(logger).Log("err", err, "msg", "Could not insert device with ID "+d.ID+" in database")
		return err
	}
	level.Info(logger).Log("msg", "Device with ID "+d.ID+" inserted in database")
	return nil
}

func (db *DB) SelectDeviceByID(ctx context.Context, id string) (device.Device, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	SELECT id, mac_address, device_name, location, status, registered_at, last_seen, total_readings
	FROM devices
	WHERE id = $1;
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: obtain device "+id+" from database")
	row := db.QueryRowContext(ctx, sqlStatement, id)
	span.Finish()
	var d device.Device
	err := row.Scan(&d.ID, &d.MacAddress, &d.Name, &d.Location, &d.Status, &d.RegisteredAt, &d.LastSeen, &d.TotalReadings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return device.Device{}, &rfiderrors.ResourceNotFoundError{
				ResourceType: "Device",
				ResourceId:   id,
			}
		}
		level.Error(logger).Log("err", err, "msg", "Could not obtain device "+id+" from database")
		return device.Device{}, err
	}
	return d, nil
}

func (db *DB) SelectAllDevices(ctx context.Context) ([]device.Device, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	SELECT id, mac_address, device_name, location, status, registered_at, last_seen, total_readings
	FROM devices
	ORDER BY registered_at;
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: obtain devices from database")
	rows, err := db.QueryContext(ctx, sqlStatement)
	span.Finish()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not obtain devices from database")
		return nil, err
	}
	defer rows.Close()

	devices := make([]device.Device, 0)
	for rows.Next() {
		var d device.Device
		err := rows.Scan(&d.ID, &d.MacAddress, &d.Name, &d.Location, &d.Status, &d.RegisteredAt, &d.LastSeen, &d.TotalReadings)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Unable to read database device row")
			return nil, err
		}
		devices = append(devices, d)
	}
	if err = rows.Err(); err != nil {
		level.Error(logger).Log("err", err)
		return nil, err
	}
	level.Debug(logger).Log("msg", strconv.Itoa(len(devices))+" devices read from database")
	return devices, nil
}

func (db *DB) UpdateDeviceStatus(ctx context.Context, id string, status device.Status) error {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	UPDATE devices
	SET status = $2
	WHERE id = $1;
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: update device "+id+" status to "+string(status))
	res, err := db.ExecContext(ctx, sqlStatement, id, status)
	span.Finish()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not update device "+id+" status")
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &rfiderrors.ResourceNotFoundError{ResourceType: "Device", ResourceId: id}
	}
	level.Info(logger).Log("msg", "Device "+id+" status updated to "+string(status))
	return nil
}

func (db *DB) MarkSeen(ctx context.Context, id string, seen time.Time, readings int) error {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	UPDATE devices
	SET status = CASE WHEN status = 'revoked' THEN status ELSE 'online' END,
		last_seen = $2,
		total_readings = total_readings + $3
	WHERE id = $1;
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: mark device "+id+" as seen")
	res, err := db.ExecContext(ctx, sqlStatement, id, seen, readings)
	span.Finish()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not update device "+id+" liveness")
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &rfiderrors.ResourceNotFoundError{ResourceType: "Device", ResourceId: id}
	}
	return nil
}

func (db *DB) MarkStaleOffline(ctx context.Context, cutoff time.Time) (int, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	UPDATE devices
	SET status = 'offline'
	WHERE status = 'online' AND (last_seen IS NULL OR last_seen < $1);
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: mark stale devices offline")
	res, err := db.ExecContext(ctx, sqlStatement, cutoff)
	span.Finish()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not mark stale devices offline")
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (db *DB) CountByStatus(ctx context.Context) (device.Stats, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	SELECT status, COUNT(*)
	FROM devices
	GROUP BY status;
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: count devices by status")
	rows, err := db.QueryContext(ctx, sqlStatement)
	span.Finish()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not count devices")
		return device.Stats{}, err
	}
	defer rows.Close()

	var stats device.Stats
	for rows.Next() {
		var status device.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			level.Error(logger).Log("err", err, "msg", "Unable to read device count row")
			return device.Stats{}, err
		}
		stats.Total += count
		switch status {
		case device.StatusRegistered:
			stats.Registered = count
		case device.StatusOnline:
			stats.Online = count
		case device.StatusOffline:
			stats.Offline = count
		case device.StatusRevoked:
			stats.Revoked = count
		}
	}
	return stats, rows.Err()
}

func (db *DB) InsertToken(ctx context.Context, t device.Token) error {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	INSERT INTO device_tokens(token_hash, device_id, token_type, issued_at, expires_at)
	VALUES($1, $2, $3, $4, $5);
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: insert token for device "+t.DeviceID)
	_, err := db.ExecContext(ctx, sqlStatement, t.Hash, t.DeviceID, t.Type, t.IssuedAt, t.ExpiresAt)
	span.Finish()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not insert token for device "+t.DeviceID)
		return err
	}
	return nil
}

func (db *DB) SelectTokenByHash(ctx context.Context, hash string) (device.Token, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	SELECT token_hash, device_id, token_type, issued_at, expires_at, revoked_at
	FROM device_tokens
	WHERE token_hash = $1;
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: obtain token from database")
	row := db.QueryRowContext(ctx, sqlStatement, hash)
	span.Finish()
	var t device.Token
	err := row.Scan(&t.Hash, &t.DeviceID, &t.Type, &t.IssuedAt, &t.ExpiresAt, &t.RevokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return device.Token{}, &rfiderrors.ResourceNotFoundError{ResourceType: "Token"}
		}
		level.Error(logger).Log("err", err, "msg", "Could not obtain token from database")
		return device.Token{}, err
	}
	return t, nil
}

func (db *DB) RevokeTokens(ctx context.Context, deviceID string, at time.Time) (int, error) {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	UPDATE device_tokens
	SET revoked_at = $2
	WHERE device_id = $1 AND revoked_at IS NULL;
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: revoke tokens of device "+deviceID)
	res, err := db.ExecContext(ctx, sqlStatement, deviceID, at)
	span.Finish()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not revoke tokens of device "+deviceID)
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	level.Info(logger).Log("msg", strconv.FormatInt(n, 10)+" tokens of device "+deviceID+" revoked")
	return int(n), nil
}

func (db *DB) InsertHeartbeat(ctx context.Context, hb device.Heartbeat) error {
	logger := utils.LoggerFrom(ctx, db.logger)
	sqlStatement := `
	INSERT INTO device_heartbeats(device_id, status, agent_state, cpu_temp, memory_usage, disk_usage, uptime, buffered_readings, received_at)
	VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	span, ctx := opentracing.StartSpanFromContext(ctx, "rfid-sync: insert heartbeat of device "+hb.DeviceID)
	_, err := db.ExecContext(ctx, sqlStatement, hb.DeviceID, hb.Status, hb.AgentState, hb.CPUTemp, hb.MemoryUsage, hb.DiskUsage, hb.Uptime, hb.BufferedReadings, hb.ReceivedAt)
	span.Finish()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not insert heartbeat of device "+hb.DeviceID)
		return err
	}
	return nil
}
