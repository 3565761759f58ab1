package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	stdopentracing "github.com/opentracing/opentracing-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	configmemory "github.com/lamassuiot/rfid-sync/pkg/models/configuration/store/memory"
	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	devicememory "github.com/lamassuiot/rfid-sync/pkg/models/device/store/memory"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
	readingmemory "github.com/lamassuiot/rfid-sync/pkg/models/reading/store/memory"
	"github.com/lamassuiot/rfid-sync/pkg/server/api/endpoint"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
	"github.com/lamassuiot/rfid-sync/pkg/server/api/service"
	"github.com/lamassuiot/rfid-sync/pkg/server/auth"
	"github.com/lamassuiot/rfid-sync/pkg/server/events"
)

const (
	adminKey = "admin-key"
	testMAC  = "AA:BB:CC:DD:EE:FF"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := log.NewNopLogger()
	devices := devicememory.NewDB()
	publisher := events.NewNopPublisher()
	identity := service.NewIdentityService(devices, publisher, []byte("secret"), time.Hour, logger)
	configs := service.NewConfigurationService(configmemory.NewDB(), identity, publisher, logger)
	ingestion := service.NewIngestionService(readingmemory.NewDB(), devices, identity, publisher, logger)

	_, err := configs.SeedDefault(context.Background(), configuration.Fields{
		HeartbeatInterval: configuration.Int(60),
		LogLevel:          configuration.String("INFO"),
	})
	require.NoError(t, err)

	handler := MakeHTTPHandler(identity, configs, ingestion, auth.NewAdmin(adminKey), logger, stdopentracing.NoopTracer{})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

type call struct {
	method string
	path   string
	body   interface{}
	bearer string
	admin  bool
}

func do(t *testing.T, srv *httptest.Server, c call, out interface{}) int {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(c.body))
	}
	req, err := http.NewRequest(c.method, srv.URL+c.path, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if c.admin {
		req.Header.Set(auth.AdminKeyHeader, adminKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestDeviceLifecycle(t *testing.T) {
	srv := newTestServer(t)

	var d device.Device
	status := do(t, srv, call{method: "POST", path: "/v1/admin/devices", body: endpoint.RegisterDeviceRequest{MacAddress: testMAC, Name: "dock-door-1"}, admin: true}, &d)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, device.DeriveID(testMAC), d.ID)

	var dup rfiderrors.Response
	status = do(t, srv, call{method: "POST", path: "/v1/admin/devices", body: endpoint.RegisterDeviceRequest{MacAddress: testMAC}, admin: true}, &dup)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, d.ID, dup.ResourceID)

	var cred device.Credential
	status = do(t, srv, call{method: "POST", path: "/v1/devices/authenticate", body: endpoint.AuthenticateRequest{DeviceID: d.ID, MacAddress: testMAC}}, &cred)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "bearer", cred.TokenType)
	assert.Equal(t, int64(3600), cred.ExpiresIn)

	var doc configuration.Document
	status = do(t, srv, call{method: "GET", path: "/v1/config", bearer: cred.AccessToken}, &doc)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 60, *doc.HeartbeatInterval)

	var result reading.BatchResult
	batch := endpoint.SubmitReadingsRequest{Readings: []reading.Reading{
		{ID: "r1", EPC: "E200001", Antenna: 1, RSSI: -40, Timestamp: time.Now().UTC()},
		{ID: "r2", Antenna: 1, Timestamp: time.Now().UTC()},
	}}
	status = do(t, srv, call{method: "POST", path: "/v1/readings", body: batch, bearer: cred.AccessToken}, &result)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, result.Accepted)
	require.Len(t, result.Rejected, 1)
	assert.Equal(t, 1, result.Rejected[0].Index)

	var hb endpoint.HeartbeatResponse
	status = do(t, srv, call{method: "POST", path: "/v1/heartbeat", body: device.Heartbeat{Status: "online"}, bearer: cred.AccessToken}, &hb)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", hb.Status)

	var query endpoint.QueryReadingsResponse
	status = do(t, srv, call{method: "GET", path: "/v1/readings?limit=10", bearer: cred.AccessToken}, &query)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, query.Count)

	status = do(t, srv, call{method: "POST", path: fmt.Sprintf("/v1/admin/devices/%s/revoke", d.ID), admin: true}, nil)
	require.Equal(t, http.StatusOK, status)

	var rejected rfiderrors.Response
	status = do(t, srv, call{method: "POST", path: "/v1/heartbeat", body: device.Heartbeat{Status: "online"}, bearer: cred.AccessToken}, &rejected)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, rfiderrors.ReasonRevoked, rejected.Reason)
}

func TestAuthenticationErrors(t *testing.T) {
	srv := newTestServer(t)

	testCases := []struct {
		name   string
		c      call
		status int
		reason string
	}{
		{"Unknown device", call{method: "POST", path: "/v1/devices/authenticate", body: endpoint.AuthenticateRequest{DeviceID: "0000000000000000", MacAddress: testMAC}}, http.StatusUnauthorized, rfiderrors.ReasonNotRegistered},
		{"Missing fields", call{method: "POST", path: "/v1/devices/authenticate", body: map[string]string{}}, http.StatusBadRequest, ""},
		{"Missing bearer", call{method: "GET", path: "/v1/config"}, http.StatusUnauthorized, rfiderrors.ReasonMissing},
		{"Malformed bearer", call{method: "GET", path: "/v1/config", bearer: "abc"}, http.StatusUnauthorized, rfiderrors.ReasonInvalid},
		{"Admin without key", call{method: "GET", path: "/v1/admin/devices"}, http.StatusForbidden, ""},
		{"Unknown device config", call{method: "PUT", path: "/v1/admin/config/0000000000000000", body: configuration.Fields{HeartbeatInterval: configuration.Int(30)}, admin: true}, http.StatusNotFound, ""},
		{"Unknown config field", call{method: "PUT", path: "/v1/admin/config/default", body: map[string]int{"heartbeat": 30}, admin: true}, http.StatusBadRequest, ""},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			var resp rfiderrors.Response
			status := do(t, srv, tc.c, &resp)
			assert.Equal(t, tc.status, status)
			assert.NotEmpty(t, resp.Error)
			if tc.reason != "" {
				assert.Equal(t, tc.reason, resp.Reason)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	var health endpoint.HealthResponse
	status := do(t, srv, call{method: "GET", path: "/v1/health"}, &health)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Store)
}

func TestAdminSurface(t *testing.T) {
	srv := newTestServer(t)

	var d device.Device
	status := do(t, srv, call{method: "POST", path: "/v1/admin/devices", body: endpoint.RegisterDeviceRequest{MacAddress: testMAC, Location: "warehouse"}, admin: true}, &d)
	require.Equal(t, http.StatusCreated, status)

	var list endpoint.GetDevicesResponse
	status = do(t, srv, call{method: "GET", path: "/v1/admin/devices", admin: true}, &list)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, list.Count)

	var got device.Device
	status = do(t, srv, call{method: "GET", path: "/v1/admin/devices/" + d.ID, admin: true}, &got)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "warehouse", got.Location)

	status = do(t, srv, call{method: "GET", path: "/v1/admin/devices/0000000000000000", admin: true}, nil)
	assert.Equal(t, http.StatusNotFound, status)

	var doc configuration.Document
	status = do(t, srv, call{method: "PUT", path: "/v1/admin/config/" + d.ID, body: configuration.Fields{HeartbeatInterval: configuration.Int(30)}, admin: true}, &doc)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 30, *doc.HeartbeatInterval)

	var override configuration.Document
	status = do(t, srv, call{method: "GET", path: "/v1/admin/config/" + d.ID, admin: true}, &override)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 30, *override.HeartbeatInterval)
	assert.Nil(t, override.LogLevel)

	status = do(t, srv, call{method: "POST", path: fmt.Sprintf("/v1/admin/devices/%s/revoke", d.ID), admin: true}, nil)
	require.Equal(t, http.StatusOK, status)

	var reinstated device.Device
	status = do(t, srv, call{method: "POST", path: fmt.Sprintf("/v1/admin/devices/%s/reinstate", d.ID), admin: true}, &reinstated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, device.StatusRegistered, reinstated.Status)

	var stats service.Statistics
	status = do(t, srv, call{method: "GET", path: "/v1/admin/statistics", admin: true}, &stats)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, stats.Devices.Total)
	assert.Equal(t, 1, stats.Devices.Registered)
}
