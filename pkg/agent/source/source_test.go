package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
)

func TestParseLine(t *testing.T) {
	testCases := []struct {
		name    string
		line    string
		ok      bool
		epc     string
		antenna int
		rssi    float64
	}{
		{"Reader format", "2024-03-01 12:00:00.123 aa:bb:cc:dd:ee:ff E2801160600002084A4B7C12 1  -61.5", true, "E2801160600002084A4B7C12", 1, -61.5},
		{"Whole seconds", "2024-03-01 12:00:00 AA:BB:CC:DD:EE:FF E200 4 -70.0", true, "E200", 4, -70},
		{"Trailing newline", "2024-03-01 12:00:00.500 AA:BB:CC:DD:EE:FF E200 2 -55.0\n", true, "E200", 2, -55},
		{"Too few fields", "2024-03-01 12:00:00.123 AA:BB:CC:DD:EE:FF E200 1", false, "", 0, 0},
		{"Bad antenna", "2024-03-01 12:00:00.123 AA:BB:CC:DD:EE:FF E200 x -61.5", false, "", 0, 0},
		{"Bad timestamp", "01/03/2024 12:00 AA:BB:CC:DD:EE:FF E200 1 -61.5", false, "", 0, 0},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("Testing %s", tc.name), func(t *testing.T) {
			r, err := ParseLine(tc.line, time.UTC)
			if !tc.ok {
				assert.ErrorIs(t, err, ErrMalformedLine)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.epc, r.EPC)
			assert.Equal(t, tc.antenna, r.Antenna)
			assert.Equal(t, tc.rssi, r.RSSI)
			assert.Equal(t, "AA:BB:CC:DD:EE:FF", r.MacAddress)
			assert.NotEmpty(t, r.ID)
			assert.NoError(t, r.Validate())
		})
	}
}

func TestParseLineKeepsMilliseconds(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	r, err := ParseLine("2024-03-01 12:00:00.123 AA:BB:CC:DD:EE:FF E200 1 -61.5", loc)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 0, 0, 123*int(time.Millisecond), time.UTC), r.Timestamp)
}

func collect(t *testing.T, out <-chan reading.Reading, n int) []reading.Reading {
	t.Helper()
	var got []reading.Reading
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case r := <-out:
			got = append(got, r)
		case <-timeout:
			t.Fatalf("Got %d readings; want %d", len(got), n)
		}
	}
	return got
}

func TestLines(t *testing.T) {
	input := strings.Join([]string{
		"2024-03-01 12:00:00.100 AA:BB:CC:DD:EE:FF E201 1 -60.0",
		"garbage",
		"",
		"2024-03-01 12:00:00.200 AA:BB:CC:DD:EE:FF E202 2 -61.0",
	}, "\n")
	out := make(chan reading.Reading, 10)
	require.NoError(t, NewLines(strings.NewReader(input), time.UTC, log.NewNopLogger()).Run(context.Background(), out))
	close(out)

	var epcs []string
	for r := range out {
		epcs = append(epcs, r.EPC)
	}
	assert.Equal(t, []string{"E201", "E202"}, epcs)
}

func TestTailFollowsAppendsAndRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reader.log")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// lines present before the tail starts are not replayed
	require.NoError(t, os.WriteFile(path, []byte("2024-03-01 12:00:00.000 AA:BB:CC:DD:EE:FF OLD 1 -60.0\n"), 0644))

	out := make(chan reading.Reading, 10)
	done := make(chan error, 1)
	go func() {
		done <- NewTail(path, 10*time.Millisecond, time.UTC, log.NewNopLogger()).Run(ctx, out)
	}()
	time.Sleep(200 * time.Millisecond)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("2024-03-01 12:00:01.000 AA:BB:CC:DD:EE:FF E301 1 -60.0\n2024-03-01 12:00:02.000 AA:BB:CC:DD:EE:FF E3")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	_, err = f.WriteString("02 1 -60.0\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got := collect(t, out, 2)
	assert.Equal(t, "E301", got[0].EPC)
	assert.Equal(t, "E302", got[1].EPC)

	rotated := path + ".1"
	require.NoError(t, os.Rename(path, rotated))
	require.NoError(t, os.WriteFile(path, []byte("2024-03-01 12:00:03.000 AA:BB:CC:DD:EE:FF E303 1 -60.0\n"), 0644))

	got = collect(t, out, 1)
	assert.Equal(t, "E303", got[0].EPC)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
