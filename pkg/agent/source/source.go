// Package source feeds tag readings to the agent. The reader driver writes
// one line per tag observation:
//
//	2024-03-01 12:00:00.123 AA:BB:CC:DD:EE:FF E2801160600002084A4B7C12 1  -61.5
//
// with the local capture time, the reader MAC, the EPC, the antenna port
// and the RSSI.
package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
)

const timestampLayout = "2006-01-02 15:04:05"

var ErrMalformedLine = errors.New("malformed reader line")

// Source delivers readings on out until ctx is done or the input ends.
type Source interface {
	Run(ctx context.Context, out chan<- reading.Reading) error
}

// ParseLine decodes one reader log line. Timestamps are interpreted in loc.
func ParseLine(line string, loc *time.Location) (reading.Reading, error) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return reading.Reading{}, fmt.Errorf("%w: want 6 fields, got %d", ErrMalformedLine, len(fields))
	}
	ts, err := time.ParseInLocation(timestampLayout, fields[0]+" "+fields[1], loc)
	if err != nil {
		return reading.Reading{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedLine, err)
	}
	antenna, err := strconv.Atoi(fields[4])
	if err != nil {
		return reading.Reading{}, fmt.Errorf("%w: antenna: %v", ErrMalformedLine, err)
	}
	rssi, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return reading.Reading{}, fmt.Errorf("%w: rssi: %v", ErrMalformedLine, err)
	}
	return reading.Reading{
		ID:         uuid.NewString(),
		Timestamp:  ts.UTC(),
		MacAddress: strings.ToUpper(fields[2]),
		EPC:        fields[3],
		Antenna:    antenna,
		RSSI:       rssi,
	}, nil
}

// Lines reads reader lines from r until EOF, for example a pipe from the
// reader driver on standard input.
type Lines struct {
	r        io.Reader
	location *time.Location
	logger   log.Logger
}

func NewLines(r io.Reader, loc *time.Location, logger log.Logger) *Lines {
	return &Lines{r: r, location: loc, logger: logger}
}

func (l *Lines) Run(ctx context.Context, out chan<- reading.Reading) error {
	scanner := bufio.NewScanner(l.r)
	for scanner.Scan() {
		if !emit(ctx, scanner.Text(), l.location, l.logger, out) {
			return ctx.Err()
		}
	}
	return scanner.Err()
}

// Tail follows a reader log file the way tail -F does: it waits for the
// file to appear, starts at its end and reopens it when it is truncated or
// replaced by log rotation.
type Tail struct {
	path     string
	poll     time.Duration
	location *time.Location
	logger   log.Logger
}

func NewTail(path string, poll time.Duration, loc *time.Location, logger log.Logger) *Tail {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Tail{path: path, poll: poll, location: loc, logger: logger}
}

func (t *Tail) Run(ctx context.Context, out chan<- reading.Reading) error {
	f, err := t.waitOpen(ctx)
	if err != nil {
		return err
	}
	defer func() { f.Close() }()
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("seeking reader log: %w", err)
	}
	level.Info(t.logger).Log("msg", "Following reader log", "path", t.path)

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()
	reader := bufio.NewReader(f)
	var partial string
	for {
		line, err := reader.ReadString('\n')
		offset += int64(len(line))
		if err == nil {
			if !emit(ctx, partial+line, t.location, t.logger, out) {
				return ctx.Err()
			}
			partial = ""
			continue
		}
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading reader log: %w", err)
		}
		partial += line

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if t.rotated(f, offset) {
			level.Info(t.logger).Log("msg", "Reader log rotated, reopening", "path", t.path)
			f.Close()
			if f, err = t.waitOpen(ctx); err != nil {
				return err
			}
			reader.Reset(f)
			offset = 0
			partial = ""
		}
	}
}

func (t *Tail) rotated(f *os.File, offset int64) bool {
	current, err := f.Stat()
	if err != nil {
		return true
	}
	onDisk, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	return !os.SameFile(current, onDisk) || onDisk.Size() < offset
}

func (t *Tail) waitOpen(ctx context.Context) (*os.File, error) {
	announced := false
	for {
		f, err := os.Open(t.path)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("opening reader log: %w", err)
		}
		if !announced {
			level.Info(t.logger).Log("msg", "Waiting for reader log", "path", t.path)
			announced = true
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * t.poll):
		}
	}
}

// Chan adapts a channel of readings, used to plug in an in-process driver.
type Chan <-chan reading.Reading

func (c Chan) Run(ctx context.Context, out chan<- reading.Reading) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-c:
			if !ok {
				return nil
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func emit(ctx context.Context, line string, loc *time.Location, logger log.Logger, out chan<- reading.Reading) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	r, err := ParseLine(line, loc)
	if err != nil {
		level.Debug(logger).Log("err", err, "msg", "Skipping reader line", "line", strings.TrimSpace(line))
		return true
	}
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
