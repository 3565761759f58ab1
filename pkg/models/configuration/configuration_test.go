package configuration

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultDocument() Document {
	return Document{
		Fields: Fields{
			RabbitMQHost:       String("broker.local"),
			RabbitMQPort:       Int(5672),
			LogLevel:           String("INFO"),
			HeartbeatInterval:  Int(60),
			CacheTTL:           Int(300),
			OfflineModeEnabled: Bool(true),
			MaxOfflineReadings: Int(10000),
		},
		Version:   3,
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestMerge(t *testing.T) {
	base := defaultDocument()
	later := base.UpdatedAt.Add(time.Hour)

	testCases := []struct {
		name      string
		override  *Document
		heartbeat time.Duration
		host      string
		version   int
		updatedAt time.Time
	}{
		{"No override", nil, 60 * time.Second, "broker.local", 3, base.UpdatedAt},
		{"Partial override", &Document{Fields: Fields{HeartbeatInterval: Int(30)}, Version: 2, UpdatedAt: later}, 30 * time.Second, "broker.local", 5, later},
		{"Override older than default", &Document{Fields: Fields{RabbitMQHost: String("edge-broker")}, Version: 1, UpdatedAt: base.UpdatedAt.Add(-time.Hour)}, 60 * time.Second, "edge-broker", 4, base.UpdatedAt},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			got := Merge(base, tc.override)
			assert.Equal(t, tc.heartbeat, got.HeartbeatEvery())
			require.NotNil(t, got.RabbitMQHost)
			assert.Equal(t, tc.host, *got.RabbitMQHost)
			assert.Equal(t, tc.version, got.Version)
			assert.True(t, tc.updatedAt.Equal(got.UpdatedAt))
			// untouched default fields survive
			assert.Equal(t, 10000, got.MaxOffline())
		})
	}
}

func TestMergeDoesNotMutateDefault(t *testing.T) {
	base := defaultDocument()
	_ = Merge(base, &Document{Fields: Fields{HeartbeatInterval: Int(30)}})
	assert.Equal(t, 60, *base.HeartbeatInterval)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name  string
		f     Fields
		valid bool
	}{
		{"Empty", Fields{}, true},
		{"Good level", Fields{LogLevel: String("DEBUG")}, true},
		{"Bad level", Fields{LogLevel: String("LOUD")}, false},
		{"Zero heartbeat", Fields{HeartbeatInterval: Int(0)}, false},
		{"Port out of range", Fields{RabbitMQPort: Int(70000)}, false},
		{"Zero capacity", Fields{MaxOfflineReadings: Int(0)}, false},
		{"Offline disabled", Fields{OfflineModeEnabled: Bool(false)}, true},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			err := tc.f.Validate()
			if tc.valid && err != nil {
				t.Errorf("Got error %s; want valid", err)
			}
			if !tc.valid && err == nil {
				t.Error("Got valid; want error")
			}
		})
	}
}

func TestAccessorDefaults(t *testing.T) {
	var f Fields
	assert.Equal(t, 60*time.Second, f.HeartbeatEvery())
	assert.Equal(t, 300*time.Second, f.CacheTTLDuration())
	assert.True(t, f.OfflineMode())
	assert.Equal(t, 10000, f.MaxOffline())
	assert.Equal(t, "INFO", f.Level())
	assert.True(t, f.IsEmpty())
}

func TestFieldsEncodingIsSparse(t *testing.T) {
	data, err := Fields{HeartbeatInterval: Int(30), OfflineModeEnabled: Bool(false)}.MarshalFields()
	require.NoError(t, err)
	assert.JSONEq(t, `{"heartbeat_interval":30,"offline_mode_enabled":false}`, string(data))

	f, err := UnmarshalFields(data)
	require.NoError(t, err)
	assert.False(t, f.OfflineMode())
	assert.Nil(t, f.RabbitMQHost)
}
