package edge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rfid", "state.yaml")

	_, err := LoadState(path)
	assert.ErrorIs(t, err, ErrNotProvisioned)

	want := State{DeviceID: "0123456789abcdef", ControlPlaneURL: "https://cloud.example.com"}
	require.NoError(t, SaveState(path, want))

	got, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStateWithoutDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("control_plane_url: https://cloud.example.com\n"), 0644))

	_, err := LoadState(path)
	assert.ErrorIs(t, err, ErrNotProvisioned)
}

func writeFile(t *testing.T, root string, name string, content string) {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestHostMetrics(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "sys/class/thermal/thermal_zone0/temp", "48312\n")
	writeFile(t, root, "proc/meminfo", "MemTotal:        1000000 kB\nMemFree:          100000 kB\nMemAvailable:     250000 kB\n")
	writeFile(t, root, "proc/uptime", "3600.75 7000.10\n")

	h := Host{Root: root}
	m := h.Metrics()
	require.NotNil(t, m.CPUTemp)
	assert.InDelta(t, 48.312, *m.CPUTemp, 0.0001)
	require.NotNil(t, m.MemoryUsage)
	assert.Equal(t, 75.0, *m.MemoryUsage)
	require.NotNil(t, m.Uptime)
	assert.Equal(t, 3600.0, *m.Uptime)
}

func TestHostMetricsMissingSources(t *testing.T) {
	h := Host{Root: t.TempDir()}
	assert.Nil(t, h.CPUTemp())
	assert.Nil(t, h.MemoryUsage())
	assert.Nil(t, h.Uptime())
}
