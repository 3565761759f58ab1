package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	configmemory "github.com/lamassuiot/rfid-sync/pkg/models/configuration/store/memory"
	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	devicestore "github.com/lamassuiot/rfid-sync/pkg/models/device/store"
	devicememory "github.com/lamassuiot/rfid-sync/pkg/models/device/store/memory"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
	readingmemory "github.com/lamassuiot/rfid-sync/pkg/models/reading/store/memory"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
	"github.com/lamassuiot/rfid-sync/pkg/server/events"
)

const testMAC = "AA:BB:CC:DD:EE:FF"

type serviceSetUp struct {
	devices       devicestore.DB
	readings      *readingmemory.DB
	recorder      *events.Recorder
	identity      IdentityService
	configuration ConfigurationService
	ingestion     IngestionService
	clock         *fakeClock
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setup(t *testing.T) serviceSetUp {
	t.Helper()
	logger := log.NewNopLogger()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	devices := devicememory.NewDB()
	readings := readingmemory.NewDB().(*readingmemory.DB)
	recorder := &events.Recorder{}

	identity := NewIdentityService(devices, recorder, []byte("test-secret"), 24*time.Hour, logger)
	identity.(*identityService).now = clock.Now
	configs := NewConfigurationService(configmemory.NewDB(), identity, recorder, logger)
	configs.(*configurationService).now = clock.Now
	ingestion := NewIngestionService(readings, devices, identity, recorder, logger)
	ingestion.(*ingestionService).now = clock.Now

	return serviceSetUp{
		devices:       devices,
		readings:      readings,
		recorder:      recorder,
		identity:      identity,
		configuration: configs,
		ingestion:     ingestion,
		clock:         clock,
	}
}

func (stu serviceSetUp) registerAndAuthenticate(t *testing.T) (device.Device, device.Credential) {
	t.Helper()
	ctx := context.Background()
	d, err := stu.identity.RegisterDevice(ctx, testMAC, "dock-door-1", "warehouse")
	require.NoError(t, err)
	cred, err := stu.identity.Authenticate(ctx, d.ID, testMAC)
	require.NoError(t, err)
	return d, cred
}

func TestRegisterDevice(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()

	d, err := stu.identity.RegisterDevice(ctx, "aa:bb:cc:dd:ee:ff", "dock-door-1", "warehouse")
	require.NoError(t, err)
	assert.Equal(t, device.DeriveID(testMAC), d.ID)
	assert.Equal(t, testMAC, d.MacAddress)
	assert.Equal(t, device.StatusRegistered, d.Status)

	_, err = stu.identity.RegisterDevice(ctx, testMAC, "", "")
	var dup *rfiderrors.DuplicateResourceError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, d.ID, dup.ResourceId)
}

func TestAuthenticate(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()
	d, err := stu.identity.RegisterDevice(ctx, testMAC, "", "")
	require.NoError(t, err)

	testCases := []struct {
		name        string
		deviceID    string
		fingerprint string
		reason      string
	}{
		{"Correct credentials", d.ID, testMAC, ""},
		{"Lower case fingerprint", d.ID, "aa:bb:cc:dd:ee:ff", ""},
		{"Unknown device", "0000000000000000", testMAC, rfiderrors.ReasonNotRegistered},
		{"Fingerprint mismatch", d.ID, "AA:BB:CC:DD:EE:00", rfiderrors.ReasonFingerprintMismatch},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			cred, err := stu.identity.Authenticate(ctx, tc.deviceID, tc.fingerprint)
			if tc.reason != "" {
				assert.True(t, rfiderrors.IsReason(err, tc.reason), "got %v; want reason %s", err, tc.reason)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, device.TokenTypeBearer, cred.TokenType)
			assert.Equal(t, int64(86400), cred.ExpiresIn)
			assert.Equal(t, d.ID, cred.DeviceID)
		})
	}

	stored, err := stu.devices.SelectDeviceByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, stored.Status)
	require.NotNil(t, stored.LastSeen)
}

func TestValidateCredential(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()
	d, cred := stu.registerAndAuthenticate(t)

	got, err := stu.identity.ValidateCredential(ctx, cred.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)

	_, err = stu.identity.ValidateCredential(ctx, "not-a-token")
	assert.True(t, rfiderrors.IsReason(err, rfiderrors.ReasonInvalid))

	other := NewIdentityService(stu.devices, nil, []byte("another-secret"), time.Hour, log.NewNopLogger())
	_, err = other.ValidateCredential(ctx, cred.AccessToken)
	assert.True(t, rfiderrors.IsReason(err, rfiderrors.ReasonInvalid))

	stu.clock.Advance(24*time.Hour + time.Second)
	_, err = stu.identity.ValidateCredential(ctx, cred.AccessToken)
	assert.True(t, rfiderrors.IsReason(err, rfiderrors.ReasonExpired))
}

func TestRefresh(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()
	_, cred := stu.registerAndAuthenticate(t)

	stu.clock.Advance(time.Hour)
	refreshed, err := stu.identity.Refresh(ctx, cred.AccessToken)
	require.NoError(t, err)
	assert.NotEqual(t, cred.AccessToken, refreshed.AccessToken)
	assert.True(t, refreshed.ExpiresAt.After(cred.ExpiresAt))

	// both stay valid until they expire
	_, err = stu.identity.ValidateCredential(ctx, cred.AccessToken)
	assert.NoError(t, err)

	stu.clock.Advance(24 * time.Hour)
	_, err = stu.identity.Refresh(ctx, cred.AccessToken)
	assert.True(t, rfiderrors.IsReason(err, rfiderrors.ReasonExpired))
}

func TestRevokeDevice(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()
	d, cred := stu.registerAndAuthenticate(t)
	second, err := stu.identity.Authenticate(ctx, d.ID, testMAC)
	require.NoError(t, err)

	revoked, err := stu.identity.RevokeDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, device.StatusRevoked, revoked.Status)

	for _, token := range []string{cred.AccessToken, second.AccessToken} {
		_, err = stu.identity.ValidateCredential(ctx, token)
		assert.True(t, rfiderrors.IsReason(err, rfiderrors.ReasonRevoked))
	}
	_, err = stu.identity.Authenticate(ctx, d.ID, testMAC)
	assert.True(t, rfiderrors.IsReason(err, rfiderrors.ReasonRevoked))
	_, err = stu.ingestion.SubmitReadings(ctx, cred.AccessToken, []reading.Reading{{EPC: "E2801160", Timestamp: stu.clock.Now()}})
	assert.True(t, rfiderrors.IsReason(err, rfiderrors.ReasonRevoked))

	_, err = stu.identity.RevokeDevice(ctx, "0000000000000000")
	assert.True(t, rfiderrors.IsNotFound(err))

	reinstated, err := stu.identity.ReinstateDevice(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, device.StatusRegistered, reinstated.Status)

	// old credentials stay dead, a new authentication works
	_, err = stu.identity.ValidateCredential(ctx, cred.AccessToken)
	assert.True(t, rfiderrors.IsReason(err, rfiderrors.ReasonRevoked))
	fresh, err := stu.identity.Authenticate(ctx, d.ID, testMAC)
	require.NoError(t, err)
	_, err = stu.identity.ValidateCredential(ctx, fresh.AccessToken)
	assert.NoError(t, err)

	var types []events.EventType
	for _, e := range stu.recorder.Events() {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, events.DeviceRevoked)
	assert.Contains(t, types, events.DeviceReinstated)
}

func TestResolveConfig(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()
	d, _ := stu.registerAndAuthenticate(t)

	_, err := stu.configuration.ResolveConfig(ctx, d.ID)
	assert.Equal(t, 503, rfiderrors.CodeFrom(err))

	_, err = stu.configuration.UpdateConfig(ctx, configuration.DefaultScope, configuration.Fields{
		HeartbeatInterval: configuration.Int(60),
		LogLevel:          configuration.String("INFO"),
		CacheTTL:          configuration.Int(300),
	})
	require.NoError(t, err)

	resolved, err := stu.configuration.ResolveConfig(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, *resolved.HeartbeatInterval)

	stu.clock.Advance(time.Minute)
	_, err = stu.configuration.UpdateConfig(ctx, d.ID, configuration.Fields{HeartbeatInterval: configuration.Int(30)})
	require.NoError(t, err)

	resolved, err = stu.configuration.ResolveConfig(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 30, *resolved.HeartbeatInterval)
	assert.Equal(t, "INFO", *resolved.LogLevel)
	assert.Equal(t, 2, resolved.Version)
	assert.Equal(t, stu.clock.Now(), resolved.UpdatedAt)

	other, err := stu.configuration.ResolveConfig(ctx, "0000000000000000")
	require.NoError(t, err)
	assert.Equal(t, 60, *other.HeartbeatInterval)
}

func TestUpdateConfigValidation(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()

	testCases := []struct {
		name   string
		scope  string
		fields configuration.Fields
		code   int
	}{
		{"Empty partial", configuration.DefaultScope, configuration.Fields{}, 400},
		{"Heartbeat out of range", configuration.DefaultScope, configuration.Fields{HeartbeatInterval: configuration.Int(0)}, 400},
		{"Unknown log level", configuration.DefaultScope, configuration.Fields{LogLevel: configuration.String("TRACE")}, 400},
		{"Unknown device", "0000000000000000", configuration.Fields{HeartbeatInterval: configuration.Int(30)}, 404},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			_, err := stu.configuration.UpdateConfig(ctx, tc.scope, tc.fields)
			require.Error(t, err)
			assert.Equal(t, tc.code, rfiderrors.CodeFrom(err))
		})
	}
}

func TestGetConfigThroughCredential(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()
	_, cred := stu.registerAndAuthenticate(t)

	seeded, err := stu.configuration.SeedDefault(ctx, configuration.Fields{HeartbeatInterval: configuration.Int(45)})
	require.NoError(t, err)
	assert.True(t, seeded)
	seeded, err = stu.configuration.SeedDefault(ctx, configuration.Fields{HeartbeatInterval: configuration.Int(90)})
	require.NoError(t, err)
	assert.False(t, seeded)

	doc, err := stu.configuration.GetConfig(ctx, cred.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, 45, *doc.HeartbeatInterval)

	_, err = stu.configuration.GetConfig(ctx, "garbage")
	assert.Equal(t, 401, rfiderrors.CodeFrom(err))
}

func TestSubmitReadings(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()
	d, cred := stu.registerAndAuthenticate(t)
	now := stu.clock.Now()

	batch := []reading.Reading{
		{ID: "r1", EPC: "E2801160600002", Antenna: 1, RSSI: -51.5, Timestamp: now},
		{ID: "r2", EPC: "E2801160600003", Antenna: 2, RSSI: -60, Timestamp: now},
		{ID: "r3", EPC: "", Antenna: 1, Timestamp: now},
		{ID: "r4", EPC: "E2801160600004", Antenna: 1, Timestamp: now},
		{EPC: "E2801160600005", Antenna: 3, Timestamp: now},
	}
	result, err := stu.ingestion.SubmitReadings(ctx, cred.AccessToken, batch)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Accepted)
	assert.Equal(t, 0, result.Duplicates)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 2, result.Rejected[0].Index)
	assert.Equal(t, "epc is required", result.Rejected[0].Reason)

	stored := stu.readings.All()
	require.Len(t, stored, 4)
	for _, r := range stored {
		assert.Equal(t, d.ID, r.DeviceID)
		assert.Equal(t, testMAC, r.MacAddress)
		assert.NotEmpty(t, r.ID)
		require.NotNil(t, r.ReceivedAt)
	}

	// a retried upload is acknowledged without storing twice
	result, err = stu.ingestion.SubmitReadings(ctx, cred.AccessToken, batch[:2])
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 2, result.Duplicates)
	assert.Len(t, stu.readings.All(), 4)

	foreign := []reading.Reading{{ID: "r9", DeviceID: "ffffffffffffffff", EPC: "E2", Timestamp: now}}
	result, err = stu.ingestion.SubmitReadings(ctx, cred.AccessToken, foreign)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted)
	require.Len(t, result.Rejected, 1)

	updated, err := stu.devices.SelectDeviceByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), updated.TotalReadings)
}

func TestReadingIDsAreScopedPerDevice(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()
	now := stu.clock.Now()

	var ids []string
	for i, mac := range []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"} {
		d, err := stu.identity.RegisterDevice(ctx, mac, fmt.Sprintf("portal-%d", i), "warehouse")
		require.NoError(t, err)
		cred, err := stu.identity.Authenticate(ctx, d.ID, mac)
		require.NoError(t, err)

		result, err := stu.ingestion.SubmitReadings(ctx, cred.AccessToken, []reading.Reading{
			{ID: "shared", EPC: "E2801160600010", Antenna: 1, Timestamp: now},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Accepted)
		assert.Equal(t, 0, result.Duplicates, "another device using the same reading ID is not a duplicate")
		ids = append(ids, d.ID)
	}
	require.NotEqual(t, ids[0], ids[1])

	stored := stu.readings.All()
	require.Len(t, stored, 2)
	assert.Equal(t, ids[0], stored[0].DeviceID)
	assert.Equal(t, ids[1], stored[1].DeviceID)
}

func TestOversizedBatchIsRefused(t *testing.T) {
	stu := setup(t)
	_, cred := stu.registerAndAuthenticate(t)

	batch := make([]reading.Reading, MaxBatchSize+1)
	for i := range batch {
		batch[i] = reading.Reading{ID: fmt.Sprintf("r%d", i), EPC: "E2801160600002", Antenna: 1, Timestamp: stu.clock.Now()}
	}
	_, err := stu.ingestion.SubmitReadings(context.Background(), cred.AccessToken, batch)
	var validation *rfiderrors.ValidationError
	assert.ErrorAs(t, err, &validation)
	assert.Empty(t, stu.readings.All())
}

func TestHeartbeatAndLiveness(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()
	d, cred := stu.registerAndAuthenticate(t)

	_, err := stu.ingestion.Heartbeat(ctx, cred.AccessToken, device.Heartbeat{Status: "online", BufferedReadings: 3})
	require.NoError(t, err)
	heartbeats := stu.devices.(*devicememory.DB).Heartbeats(d.ID)
	require.Len(t, heartbeats, 1)
	assert.Equal(t, 3, heartbeats[0].BufferedReadings)

	n, err := stu.ingestion.SweepOffline(ctx, 3*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stu.clock.Advance(4 * time.Minute)
	n, err = stu.ingestion.SweepOffline(ctx, 3*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stats, err := stu.ingestion.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Devices.Total)
	assert.Equal(t, 1, stats.Devices.Offline)

	_, err = stu.ingestion.Heartbeat(ctx, cred.AccessToken, device.Heartbeat{Status: "online"})
	require.NoError(t, err)
	back, err := stu.devices.SelectDeviceByID(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, back.Status)
}

func TestQueryReadings(t *testing.T) {
	stu := setup(t)
	ctx := context.Background()
	d, cred := stu.registerAndAuthenticate(t)
	base := stu.clock.Now()

	var batch []reading.Reading
	for i := 0; i < 5; i++ {
		batch = append(batch, reading.Reading{ID: fmt.Sprintf("r%d", i), EPC: fmt.Sprintf("E%d", i%2), Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	_, err := stu.ingestion.SubmitReadings(ctx, cred.AccessToken, batch)
	require.NoError(t, err)

	got, err := stu.ingestion.QueryReadings(ctx, cred.AccessToken, false, reading.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r4", got[0].ID)
	assert.Equal(t, "r3", got[1].ID)

	got, err = stu.ingestion.QueryReadings(ctx, cred.AccessToken, false, reading.Filter{EPC: "E1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = stu.ingestion.QueryReadings(ctx, cred.AccessToken, false, reading.Filter{DeviceID: "ffffffffffffffff"})
	assert.Equal(t, 403, rfiderrors.CodeFrom(err))

	got, err = stu.ingestion.QueryReadings(ctx, "", true, reading.Filter{DeviceID: d.ID})
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
