package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
)

func setup(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return New(conn, log.NewLogfmtLogger(os.Stderr)), mock
}

func TestInsertDevice(t *testing.T) {
	d := device.Device{
		ID:           device.DeriveID("AA:BB:CC:DD:EE:FF"),
		MacAddress:   "AA:BB:CC:DD:EE:FF",
		Name:         "dock-1",
		Status:       device.StatusRegistered,
		RegisteredAt: time.Now(),
	}

	testCases := []struct {
		name      string
		dbErr     error
		duplicate bool
	}{
		{"Inserted", nil, false},
		{"Unique violation", &pq.Error{Code: uniqueViolation}, true},
		{"Other failure", fmt.Errorf("connection reset"), false},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			db, mock := setup(t)
			exp := mock.ExpectExec("INSERT INTO devices").
				WithArgs(d.ID, d.MacAddress, d.Name, d.Location, d.Status, sqlmock.AnyArg())
			if tc.dbErr != nil {
				exp.WillReturnError(tc.dbErr)
			} else {
				exp.WillReturnResult(sqlmock.NewResult(0, 1))
			}

			err := db.InsertDevice(context.Background(), d)
			var dup *rfiderrors.DuplicateResourceError
			assert.Equal(t, tc.duplicate, errors.As(err, &dup))
			if tc.dbErr == nil {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSelectDeviceByIDNotFound(t *testing.T) {
	db, mock := setup(t)
	mock.ExpectQuery("SELECT id, mac_address").
		WithArgs("0000000000000000").
		WillReturnRows(sqlmock.NewRows([]string{"id", "mac_address", "device_name", "location", "status", "registered_at", "last_seen", "total_readings"}))

	_, err := db.SelectDeviceByID(context.Background(), "0000000000000000")
	assert.True(t, rfiderrors.IsNotFound(err), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectDeviceByID(t *testing.T) {
	db, mock := setup(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT id, mac_address").
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows([]string{"id", "mac_address", "device_name", "location", "status", "registered_at", "last_seen", "total_readings"}).
			AddRow("abc", "AA:BB:CC:DD:EE:FF", "dock-1", "bay 3", "online", now, now, int64(42)))

	d, err := db.SelectDeviceByID(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, d.Status)
	assert.Equal(t, int64(42), d.TotalReadings)
	require.NotNil(t, d.LastSeen)
	assert.True(t, d.LastSeen.Equal(now))
}

func TestMarkSeenUnknownDevice(t *testing.T) {
	db, mock := setup(t)
	mock.ExpectExec("UPDATE devices").
		WithArgs("abc", sqlmock.AnyArg(), 3).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.MarkSeen(context.Background(), "abc", time.Now(), 3)
	assert.True(t, rfiderrors.IsNotFound(err), "got %v", err)
}

func TestCountByStatus(t *testing.T) {
	db, mock := setup(t)
	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("online", 2).
			AddRow("revoked", 1).
			AddRow("registered", 4))

	stats, err := db.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, device.Stats{Total: 7, Registered: 4, Online: 2, Revoked: 1}, stats)
}

func TestRevokeTokens(t *testing.T) {
	db, mock := setup(t)
	mock.ExpectExec("UPDATE device_tokens").
		WithArgs("abc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := db.RevokeTokens(context.Background(), "abc", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
