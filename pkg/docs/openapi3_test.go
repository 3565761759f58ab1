package docs

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamassuiot/rfid-sync/pkg/server/configs"
)

func TestNewOpenAPI3(t *testing.T) {
	spec := NewOpenAPI3(configs.Config{Protocol: "https", Port: "8443", AdvertiseHost: "cp.local"})

	data, err := json.Marshal(&spec)
	require.NoError(t, err)
	loaded, err := openapi3.NewLoader().LoadFromData(data)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate(context.Background()))

	assert.Equal(t, "https://cp.local:8443/", loaded.Servers[0].URL)

	operations := map[string]bool{}
	for _, item := range loaded.Paths {
		for _, op := range item.Operations() {
			operations[op.OperationID] = true
		}
	}
	for _, id := range []string{
		"Health", "Authenticate", "Refresh", "GetConfig", "SubmitReadings", "QueryReadings", "Heartbeat",
		"RegisterDevice", "GetDevices", "GetDeviceByID", "RevokeDevice", "ReinstateDevice",
		"UpdateConfig", "GetDocument", "GetStatistics",
	} {
		assert.True(t, operations[id], id)
	}
}
