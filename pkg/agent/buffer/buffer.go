// Package buffer is the agent's offline queue. Each reading waiting for
// upload lives in its own file under the buffer directory, named by a
// monotonic sequence number, so that appends and acknowledgements are
// single atomic file system operations and the queue survives restarts.
package buffer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/zeebo/blake3"

	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
)

const (
	entrySuffix = ".entry"
	tempPattern = "entry-*.tmp"
	checksumLen = 32
)

var ErrCorrupt = errors.New("buffer entry corrupt")

// Entry is one queued reading.
type Entry struct {
	Seq        uint64          `cbor:"1,keyasint"`
	EnqueuedAt time.Time       `cbor:"2,keyasint"`
	Reading    reading.Reading `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	// capture timestamps keep sub-second precision
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("buffer: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("buffer: CBOR decoder initialization failed: " + err.Error())
	}
}

// Buffer is a bounded FIFO of readings. When full, the oldest entry is
// dropped to make room for the new one.
type Buffer struct {
	mtx      sync.Mutex
	dir      string
	capacity int
	seqs     []uint64
	next     uint64
	evicted  uint64
	now      func() time.Time
	logger   log.Logger
}

// Open loads the queue stored in dir, creating the directory when needed.
// Temporary files left by an interrupted append are discarded.
func Open(dir string, capacity int, logger log.Logger) (*Buffer, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating buffer directory: %w", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing buffer directory: %w", err)
	}

	b := &Buffer{
		dir:      dir,
		capacity: capacity,
		next:     1,
		now:      time.Now,
		logger:   logger,
	}
	for _, f := range files {
		name := f.Name()
		if strings.HasSuffix(name, ".tmp") {
			os.Remove(filepath.Join(dir, name))
			continue
		}
		if !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, entrySuffix), 10, 64)
		if err != nil {
			level.Warn(logger).Log("msg", "Ignoring unexpected file in buffer directory", "file", name)
			continue
		}
		b.seqs = append(b.seqs, seq)
	}
	sort.Slice(b.seqs, func(i, j int) bool { return b.seqs[i] < b.seqs[j] })
	if n := len(b.seqs); n > 0 {
		b.next = b.seqs[n-1] + 1
	}
	if _, err := b.evictLocked(); err != nil {
		return nil, err
	}
	level.Info(logger).Log("msg", "Offline buffer opened", "dir", dir, "entries", len(b.seqs), "capacity", capacity)
	return b, nil
}

// Append stores r at the tail of the queue and reports how many old
// entries were dropped to stay within capacity.
func (b *Buffer) Append(r reading.Reading) (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	entry := Entry{Seq: b.next, EnqueuedAt: b.now().UTC(), Reading: r}
	if err := b.write(entry); err != nil {
		return 0, err
	}
	b.seqs = append(b.seqs, entry.Seq)
	b.next++

	dropped, err := b.evictLocked()
	if err != nil {
		// The new entry is durable; a leftover file is retried on the next append.
		level.Warn(b.logger).Log("err", err, "msg", "Could not evict oldest buffer entry")
	}
	return dropped, nil
}

// Peek returns up to n entries from the head of the queue without removing
// them. Entries that fail their checksum are discarded.
func (b *Buffer) Peek(n int) ([]Entry, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	entries := make([]Entry, 0, n)
	for i := 0; i < len(b.seqs) && len(entries) < n; {
		seq := b.seqs[i]
		entry, err := b.read(seq)
		if errors.Is(err, ErrCorrupt) {
			level.Error(b.logger).Log("err", err, "msg", "Discarding corrupt buffer entry", "seq", seq)
			if err := b.removeLocked(seq); err != nil {
				return nil, err
			}
			b.seqs = append(b.seqs[:i], b.seqs[i+1:]...)
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
		i++
	}
	return entries, nil
}

// Ack removes every entry with a sequence number up to and including upto.
func (b *Buffer) Ack(upto uint64) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()

	removed := 0
	for _, seq := range b.seqs {
		if seq > upto {
			break
		}
		if err := b.removeLocked(seq); err != nil {
			b.seqs = b.seqs[removed:]
			return err
		}
		removed++
	}
	b.seqs = b.seqs[removed:]
	if removed > 0 {
		syncDir(b.dir)
	}
	return nil
}

func (b *Buffer) Len() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return len(b.seqs)
}

func (b *Buffer) Capacity() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.capacity
}

// Evicted is the number of entries dropped since Open because the queue
// was full.
func (b *Buffer) Evicted() uint64 {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.evicted
}

// SetCapacity changes the bound, dropping the oldest entries when the queue
// holds more than the new capacity.
func (b *Buffer) SetCapacity(capacity int) (int, error) {
	if capacity < 1 {
		return 0, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.capacity = capacity
	return b.evictLocked()
}

func (b *Buffer) evictLocked() (int, error) {
	dropped := 0
	for len(b.seqs) > b.capacity {
		if err := b.removeLocked(b.seqs[0]); err != nil {
			return dropped, err
		}
		b.seqs = b.seqs[1:]
		b.evicted++
		dropped++
	}
	return dropped, nil
}

func (b *Buffer) path(seq uint64) string {
	return filepath.Join(b.dir, fmt.Sprintf("%020d%s", seq, entrySuffix))
}

func (b *Buffer) write(entry Entry) error {
	payload, err := encMode.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding buffer entry: %w", err)
	}
	sum := blake3.Sum256(payload)

	file, err := os.CreateTemp(b.dir, tempPattern)
	if err != nil {
		return fmt.Errorf("creating buffer entry: %w", err)
	}
	temporaryPath := file.Name()
	if _, err := file.Write(append(sum[:], payload...)); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing buffer entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing buffer entry: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing buffer entry: %w", err)
	}
	if err := os.Rename(temporaryPath, b.path(entry.Seq)); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming buffer entry into place: %w", err)
	}
	syncDir(b.dir)
	return nil
}

func (b *Buffer) read(seq uint64) (Entry, error) {
	data, err := os.ReadFile(b.path(seq))
	if err != nil {
		return Entry{}, fmt.Errorf("reading buffer entry %d: %w", seq, err)
	}
	if len(data) < checksumLen {
		return Entry{}, fmt.Errorf("%w: entry %d truncated", ErrCorrupt, seq)
	}
	sum := blake3.Sum256(data[checksumLen:])
	if !bytes.Equal(sum[:], data[:checksumLen]) {
		return Entry{}, fmt.Errorf("%w: entry %d checksum mismatch", ErrCorrupt, seq)
	}
	var entry Entry
	if err := decMode.Unmarshal(data[checksumLen:], &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: entry %d: %v", ErrCorrupt, seq, err)
	}
	return entry, nil
}

func (b *Buffer) removeLocked(seq uint64) error {
	if err := os.Remove(b.path(seq)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing buffer entry %d: %w", seq, err)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
