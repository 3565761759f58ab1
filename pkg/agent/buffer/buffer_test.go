package buffer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
)

func testReading(i int) reading.Reading {
	return reading.Reading{
		ID:        fmt.Sprintf("reading-%d", i),
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, i*int(time.Millisecond), time.UTC),
		EPC:       fmt.Sprintf("E2801160%04d", i),
		Antenna:   1,
		RSSI:      -48.5,
	}
}

func TestAppendPeekAck(t *testing.T) {
	b, err := Open(t.TempDir(), 10, log.NewNopLogger())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		dropped, err := b.Append(testReading(i))
		require.NoError(t, err)
		assert.Equal(t, 0, dropped)
	}
	assert.Equal(t, 5, b.Len())

	entries, err := b.Peek(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, testReading(i).ID, e.Reading.ID)
		assert.True(t, testReading(i).Timestamp.Equal(e.Reading.Timestamp))
		assert.Equal(t, -48.5, e.Reading.RSSI)
	}
	assert.Equal(t, 5, b.Len(), "peek must not remove entries")

	require.NoError(t, b.Ack(entries[len(entries)-1].Seq))
	assert.Equal(t, 2, b.Len())

	entries, err = b.Peek(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "reading-3", entries[0].Reading.ID)
	assert.Equal(t, "reading-4", entries[1].Reading.ID)
}

func TestDropOldestWhenFull(t *testing.T) {
	b, err := Open(t.TempDir(), 3, log.NewNopLogger())
	require.NoError(t, err)

	dropped := 0
	for i := 0; i < 5; i++ {
		n, err := b.Append(testReading(i))
		require.NoError(t, err)
		dropped += n
	}
	assert.Equal(t, 2, dropped)
	assert.Equal(t, uint64(2), b.Evicted())
	assert.Equal(t, 3, b.Len())

	entries, err := b.Peek(3)
	require.NoError(t, err)
	var ids []string
	for _, e := range entries {
		ids = append(ids, e.Reading.ID)
	}
	assert.Equal(t, []string{"reading-2", "reading-3", "reading-4"}, ids)
}

func TestFailedAppendKeepsOldest(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "buffer")
	b, err := Open(dir, 2, log.NewNopLogger())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := b.Append(testReading(i))
		require.NoError(t, err)
	}

	// With the directory gone the new entry cannot be written.
	require.NoError(t, os.RemoveAll(dir))
	dropped, err := b.Append(testReading(2))
	require.Error(t, err)
	assert.Equal(t, 0, dropped)
	assert.Equal(t, 2, b.Len(), "a failed write must not evict anything")
	assert.Equal(t, uint64(0), b.Evicted())

	require.NoError(t, os.MkdirAll(dir, 0o700))
	dropped, err = b.Append(testReading(3))
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, uint64(1), b.Evicted())
}

func TestSetCapacity(t *testing.T) {
	b, err := Open(t.TempDir(), 10, log.NewNopLogger())
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := b.Append(testReading(i))
		require.NoError(t, err)
	}

	dropped, err := b.SetCapacity(4)
	require.NoError(t, err)
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 4, b.Capacity())

	entries, err := b.Peek(1)
	require.NoError(t, err)
	assert.Equal(t, "reading-2", entries[0].Reading.ID)

	_, err = b.SetCapacity(0)
	assert.Error(t, err)
}

func TestReopenKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, 10, log.NewNopLogger())
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := b.Append(testReading(i))
		require.NoError(t, err)
	}
	require.NoError(t, b.Ack(1))

	// an append interrupted before the rename leaves only a temporary file
	require.NoError(t, os.WriteFile(filepath.Join(dir, "entry-123.tmp"), []byte("partial"), 0600))

	reopened, err := Open(dir, 10, log.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, 3, reopened.Len())

	_, err = reopened.Append(testReading(4))
	require.NoError(t, err)
	entries, err := reopened.Peek(10)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.Equal(t, testReading(i+1).ID, e.Reading.ID)
		if i > 0 {
			assert.Greater(t, e.Seq, entries[i-1].Seq)
		}
	}
	_, err = os.Stat(filepath.Join(dir, "entry-123.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestCorruptEntryDiscarded(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir, 10, log.NewNopLogger())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := b.Append(testReading(i))
		require.NoError(t, err)
	}

	path := b.path(2)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0600))

	entries, err := b.Peek(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "reading-0", entries[0].Reading.ID)
	assert.Equal(t, "reading-2", entries[1].Reading.ID)
	assert.Equal(t, 2, b.Len())
}
