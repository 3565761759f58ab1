// Package agent runs on the edge device. It keeps a bearer credential and
// the resolved configuration document current, forwards tag readings to the
// control plane while it is reachable and parks them in the offline buffer
// while it is not.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"

	"github.com/lamassuiot/rfid-sync/pkg/agent/buffer"
	"github.com/lamassuiot/rfid-sync/pkg/agent/cache"
	"github.com/lamassuiot/rfid-sync/pkg/agent/client"
	"github.com/lamassuiot/rfid-sync/pkg/agent/source"
	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
)

type State int32

const (
	Unauthenticated State = iota
	Active
	Degraded
	Halted
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Active:
		return "active"
	case Degraded:
		return "degraded"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrRevoked is returned by Run when the control plane revoked the device.
var ErrRevoked = errors.New("device revoked by the control plane")

var errNoCredential = errors.New("no credential")

// ControlPlane is the device surface of the control plane.
type ControlPlane interface {
	Authenticate(ctx context.Context, deviceID string, fingerprint string) (device.Credential, error)
	Refresh(ctx context.Context, token string) (device.Credential, error)
	GetConfig(ctx context.Context, token string) (configuration.Document, error)
	SubmitReadings(ctx context.Context, token string, readings []reading.Reading) (reading.BatchResult, error)
	Heartbeat(ctx context.Context, token string, hb device.Heartbeat) (time.Time, error)
}

// Host reports the metrics sent along with each heartbeat.
type Host interface {
	Metrics() device.Heartbeat
}

type Config struct {
	DeviceID          string
	Fingerprint       string
	ReconnectInterval time.Duration
	RefreshMargin     time.Duration
	BatchSize         int
}

// session is replaced as a whole, never modified in place.
type session struct {
	credential *device.Credential
	// repair is set when the control plane rejected the credential.
	repair    bool
	config    configuration.Document
	fetchedAt time.Time
	hasConfig bool
}

type Agent struct {
	cfg     Config
	cp      ControlPlane
	buf     *buffer.Buffer
	cache   *cache.Cache
	host    Host
	logger  *Logger
	metrics Metrics

	state     atomic.Int32
	session   atomic.Pointer[session]
	sessionMu sync.Mutex

	// flow orders forwarding and enqueueing against the transition to
	// Active, so that no reading overtakes one still in the buffer.
	flow sync.Mutex

	kick          chan struct{}
	credChanged   chan struct{}
	configChanged chan struct{}
	halted        chan struct{}
	haltOnce      sync.Once

	dropped atomic.Uint64
	now     func() time.Time
}

func New(cfg Config, cp ControlPlane, buf *buffer.Buffer, c *cache.Cache, host Host, logger *Logger, m Metrics) *Agent {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 60 * time.Second
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchSize > reading.MaxBatchSize {
		cfg.BatchSize = reading.MaxBatchSize
	}
	a := &Agent{
		cfg:           cfg,
		cp:            cp,
		buf:           buf,
		cache:         c,
		host:          host,
		logger:        logger,
		metrics:       m,
		kick:          make(chan struct{}, 1),
		credChanged:   make(chan struct{}, 1),
		configChanged: make(chan struct{}, 1),
		halted:        make(chan struct{}),
		now:           time.Now,
	}
	a.session.Store(&session{})
	a.metrics.State.Set(float64(Unauthenticated))
	a.metrics.BufferDepth.Set(float64(buf.Len()))
	return a
}

func (a *Agent) State() State {
	return State(a.state.Load())
}

// Status is a point in time view of the agent.
type Status struct {
	State         State
	Buffered      int
	Evicted       uint64
	Dropped       uint64
	ConfigVersion int
	ConfigAge     time.Duration
}

func (a *Agent) Status() Status {
	s := a.session.Load()
	st := Status{
		State:    a.State(),
		Buffered: a.buf.Len(),
		Evicted:  a.buf.Evicted(),
		Dropped:  a.dropped.Load(),
	}
	if s.hasConfig {
		st.ConfigVersion = s.config.Version
		st.ConfigAge = a.now().Sub(s.fetchedAt)
	}
	return st
}

// Run consumes readings from src until ctx is done, src ends or the device
// is revoked, in which case ErrRevoked is returned.
func (a *Agent) Run(ctx context.Context, src source.Source) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.loadCachedConfig()

	readings := make(chan reading.Reading, 256)
	sourceDone := make(chan error, 1)
	go func() {
		err := src.Run(ctx, readings)
		close(readings)
		sourceDone <- err
	}()

	var wg sync.WaitGroup
	for _, task := range []func(context.Context){a.reconnectLoop, a.refreshLoop, a.heartbeatLoop} {
		wg.Add(1)
		go func(task func(context.Context)) {
			defer wg.Done()
			task(ctx)
		}(task)
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	a.kickReconnect()
	level.Info(a.logger).Log("msg", "Agent started", "device_id", a.cfg.DeviceID, "buffered", a.buf.Len())

	for {
		select {
		case <-ctx.Done():
			level.Info(a.logger).Log("msg", "Agent stopping", "buffered", a.buf.Len())
			return nil
		case <-a.halted:
			return ErrRevoked
		case r, ok := <-readings:
			if !ok {
				err := <-sourceDone
				if errors.Is(err, context.Canceled) {
					err = nil
				}
				level.Info(a.logger).Log("msg", "Reading source ended", "err", err, "buffered", a.buf.Len())
				return err
			}
			a.handle(ctx, r)
		}
	}
}

// handle forwards r when Active with nothing buffered, and buffers it
// otherwise.
func (a *Agent) handle(ctx context.Context, r reading.Reading) {
	r.DeviceID = a.cfg.DeviceID
	if r.MacAddress == "" {
		r.MacAddress = a.cfg.Fingerprint
	}

	a.flow.Lock()
	defer a.flow.Unlock()

	if a.State() == Halted {
		return
	}
	if a.State() == Active && a.buf.Len() == 0 {
		err := a.upload(ctx, []reading.Reading{r})
		if err == nil {
			a.metrics.Readings.With("outcome", "forwarded").Add(1)
			return
		}
		if client.IsBatchRejected(err) {
			a.metrics.Readings.With("outcome", "rejected").Add(1)
			level.Error(a.logger).Log("err", err, "msg", "Reading refused by control plane, discarded", "id", r.ID, "epc", r.EPC)
			return
		}
		a.fail(err, "SubmitReadings")
		if a.State() == Halted {
			return
		}
	}
	a.enqueue(r)
}

func (a *Agent) enqueue(r reading.Reading) {
	s := a.session.Load()
	if s.hasConfig && !s.config.OfflineMode() {
		n := a.dropped.Add(1)
		a.metrics.Readings.With("outcome", "dropped").Add(1)
		level.Warn(a.logger).Log("msg", "Offline mode disabled, dropping reading", "epc", r.EPC, "dropped", n)
		return
	}
	evicted, err := a.buf.Append(r)
	if err != nil {
		a.dropped.Add(1)
		a.metrics.Readings.With("outcome", "dropped").Add(1)
		level.Error(a.logger).Log("err", err, "msg", "Could not buffer reading", "epc", r.EPC)
		return
	}
	a.metrics.Readings.With("outcome", "buffered").Add(1)
	a.metrics.BufferDepth.Set(float64(a.buf.Len()))
	if evicted > 0 {
		a.metrics.Readings.With("outcome", "evicted").Add(float64(evicted))
		level.Warn(a.logger).Log("msg", "Offline buffer full, oldest readings evicted", "evicted", evicted, "evicted_total", a.buf.Evicted())
	}
}

func (a *Agent) upload(ctx context.Context, readings []reading.Reading) error {
	s := a.session.Load()
	if s.credential == nil {
		return errNoCredential
	}
	result, err := a.cp.SubmitReadings(ctx, s.credential.AccessToken, readings)
	if err != nil {
		a.metrics.Uploads.With("result", "failed").Add(1)
		return err
	}
	a.metrics.Uploads.With("result", "ok").Add(1)
	for _, rejection := range result.Rejected {
		a.metrics.Readings.With("outcome", "rejected").Add(1)
		level.Warn(a.logger).Log("msg", "Reading rejected by control plane", "id", rejection.ID, "reason", rejection.Reason)
	}
	if result.Duplicates > 0 {
		level.Debug(a.logger).Log("msg", "Readings already stored", "duplicates", result.Duplicates)
	}
	return nil
}

// fail applies the reaction to a failed control plane call.
func (a *Agent) fail(err error, operation string) {
	switch {
	case client.IsRevoked(err):
		a.halt(err)
	case client.IsCredentialRejected(err), errors.Is(err, errNoCredential):
		level.Warn(a.logger).Log("err", err, "msg", "Credential rejected", "operation", operation)
		a.updateSession(func(s session) session {
			s.repair = true
			return s
		})
		a.setState(Unauthenticated)
		a.kickReconnect()
	case client.IsAuthRejected(err):
		level.Error(a.logger).Log("err", err, "msg", "Authentication refused", "operation", operation)
		a.updateSession(func(s session) session {
			s.credential = nil
			return s
		})
		a.setState(Unauthenticated)
	case client.IsNetwork(err):
		level.Warn(a.logger).Log("err", err, "msg", "Control plane unreachable", "operation", operation)
		a.setState(Degraded)
	case errors.Is(err, context.Canceled):
	default:
		level.Error(a.logger).Log("err", err, "msg", "Control plane call failed", "operation", operation)
		a.setState(Degraded)
	}
}

func (a *Agent) halt(err error) {
	a.setState(Halted)
	a.haltOnce.Do(func() {
		level.Error(a.logger).Log("err", err, "msg", "Device revoked, collection halted", "buffered", a.buf.Len())
		close(a.halted)
	})
}

func (a *Agent) setState(next State) {
	for {
		prev := State(a.state.Load())
		if prev == Halted || prev == next {
			return
		}
		if a.state.CompareAndSwap(int32(prev), int32(next)) {
			a.metrics.State.Set(float64(next))
			level.Info(a.logger).Log("msg", "State changed", "from", prev, "to", next)
			return
		}
	}
}

func (a *Agent) updateSession(f func(s session) session) *session {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	next := f(*a.session.Load())
	a.session.Store(&next)
	return &next
}

func (a *Agent) kickReconnect() {
	notify(a.kick)
}

func notify(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (a *Agent) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.halted:
			return
		case <-a.kick:
		case <-ticker.C:
		}
		if a.State() == Active {
			continue
		}
		a.reconnect(ctx)
	}
}

// reconnect repairs the credential, fetches the configuration and drains
// the buffer. The agent becomes Active only once the buffer is empty.
func (a *Agent) reconnect(ctx context.Context) {
	if err := a.ensureCredential(ctx); err != nil {
		a.fail(err, "Authenticate")
		a.warnIfStale()
		return
	}
	s := a.session.Load()
	doc, err := a.cp.GetConfig(ctx, s.credential.AccessToken)
	if err != nil {
		a.fail(err, "GetConfig")
		a.warnIfStale()
		return
	}
	a.applyConfig(doc, a.now(), true)

	if err := a.drain(ctx); err != nil {
		a.fail(err, "SubmitReadings")
	}
}

// ensureCredential obtains a credential when there is none, when the
// current one expired or when the control plane rejected it. Refresh is
// tried before a full authentication.
func (a *Agent) ensureCredential(ctx context.Context) error {
	s := a.session.Load()
	if s.credential != nil && !s.repair && a.now().Before(s.credential.ExpiresAt) {
		return nil
	}
	if s.credential != nil {
		cred, err := a.cp.Refresh(ctx, s.credential.AccessToken)
		if err == nil {
			a.installCredential(cred)
			return nil
		}
		if !client.IsCredentialRejected(err) {
			return err
		}
		level.Debug(a.logger).Log("err", err, "msg", "Refresh refused, authenticating")
	}
	cred, err := a.cp.Authenticate(ctx, a.cfg.DeviceID, a.cfg.Fingerprint)
	if err != nil {
		return err
	}
	level.Info(a.logger).Log("msg", "Authenticated", "expires_at", cred.ExpiresAt)
	a.installCredential(cred)
	return nil
}

func (a *Agent) installCredential(cred device.Credential) {
	a.updateSession(func(s session) session {
		s.credential = &cred
		s.repair = false
		return s
	})
	notify(a.credChanged)
}

// drain uploads the buffer head first in batches and acknowledges each
// batch only after the control plane accepted it. A batch refused as a whole
// is split in halves until the single reading at fault is found and
// discarded.
func (a *Agent) drain(ctx context.Context) error {
	uploaded := 0
	size := a.cfg.BatchSize
	for {
		entries, err := a.buf.Peek(size)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			a.flow.Lock()
			if a.buf.Len() == 0 {
				a.setState(Active)
				a.flow.Unlock()
				if uploaded > 0 {
					level.Info(a.logger).Log("msg", "Offline buffer drained", "uploaded", uploaded)
				}
				return nil
			}
			a.flow.Unlock()
			continue
		}

		batch := make([]reading.Reading, len(entries))
		for i, e := range entries {
			batch[i] = e.Reading
		}
		err = a.upload(ctx, batch)
		if client.IsBatchRejected(err) {
			if len(entries) > 1 {
				size = len(entries) / 2
				level.Warn(a.logger).Log("err", err, "msg", "Batch refused by control plane, retrying smaller batches", "batch_size", size)
				continue
			}
			level.Error(a.logger).Log("err", err, "msg", "Buffered reading refused by control plane, discarded", "id", batch[0].ID, "epc", batch[0].EPC)
			a.metrics.Readings.With("outcome", "rejected").Add(1)
			if err := a.buf.Ack(entries[0].Seq); err != nil {
				return err
			}
			a.metrics.BufferDepth.Set(float64(a.buf.Len()))
			size = a.cfg.BatchSize
			continue
		}
		if err != nil {
			return err
		}
		if err := a.buf.Ack(entries[len(entries)-1].Seq); err != nil {
			return err
		}
		uploaded += len(entries)
		a.metrics.BufferDepth.Set(float64(a.buf.Len()))
		level.Debug(a.logger).Log("msg", "Buffered batch uploaded", "count", len(entries), "remaining", a.buf.Len())
	}
}

func (a *Agent) refreshLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	// retry holds off the next attempt after one that could not run
	var retry time.Duration
	for {
		wait := time.Hour
		if s := a.session.Load(); s.credential != nil {
			wait = a.refreshAt(*s.credential).Sub(a.now())
		}
		if wait < retry {
			wait = retry
		}
		if wait < 0 {
			wait = 0
		}
		retry = 0
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-a.halted:
			return
		case <-a.credChanged:
			continue
		case <-timer.C:
		}

		s := a.session.Load()
		if s.credential == nil || a.State() != Active {
			// the reconnect task repairs the session first
			retry = a.cfg.ReconnectInterval
			continue
		}
		cred, err := a.cp.Refresh(ctx, s.credential.AccessToken)
		if err != nil {
			retry = a.cfg.ReconnectInterval
			if client.IsCredentialRejected(err) {
				level.Warn(a.logger).Log("err", err, "msg", "Refresh refused, re-authenticating")
				a.updateSession(func(s session) session {
					s.credential = nil
					return s
				})
				a.setState(Unauthenticated)
				a.kickReconnect()
				continue
			}
			a.fail(err, "Refresh")
			continue
		}
		level.Debug(a.logger).Log("msg", "Credential refreshed", "expires_at", cred.ExpiresAt)
		a.installCredential(cred)
	}
}

// refreshAt is RefreshMargin before expiry, or half way through the
// credential lifetime when the margin is longer than that.
func (a *Agent) refreshAt(cred device.Credential) time.Time {
	lifetime := cred.ExpiresAt.Sub(cred.IssuedAt)
	margin := a.cfg.RefreshMargin
	if margin >= lifetime {
		margin = lifetime / 2
	}
	return cred.ExpiresAt.Add(-margin)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := a.heartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.halted:
			return
		case <-a.configChanged:
			if next := a.heartbeatInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				level.Debug(a.logger).Log("msg", "Heartbeat interval changed", "interval", interval)
			}
		case <-ticker.C:
			a.sendHeartbeat(ctx)
		}
	}
}

func (a *Agent) heartbeatInterval() time.Duration {
	return a.session.Load().config.HeartbeatEvery()
}

func (a *Agent) sendHeartbeat(ctx context.Context) {
	if a.State() != Active {
		return
	}
	s := a.session.Load()
	if s.credential == nil {
		return
	}
	hb := device.Heartbeat{}
	if a.host != nil {
		hb = a.host.Metrics()
	}
	hb.DeviceID = a.cfg.DeviceID
	hb.Status = string(device.StatusOnline)
	hb.AgentState = a.State().String()
	hb.BufferedReadings = a.buf.Len()
	if _, err := a.cp.Heartbeat(ctx, s.credential.AccessToken, hb); err != nil {
		a.fail(err, "Heartbeat")
		return
	}
	level.Debug(a.logger).Log("msg", "Heartbeat sent", "buffered", hb.BufferedReadings)
}

func (a *Agent) loadCachedConfig() {
	if a.cache == nil {
		return
	}
	snapshot, err := a.cache.Load()
	if errors.Is(err, cache.ErrNoCache) {
		level.Info(a.logger).Log("msg", "No cached configuration")
		return
	}
	if err != nil {
		level.Warn(a.logger).Log("err", err, "msg", "Could not load cached configuration")
		return
	}
	a.applyConfig(snapshot.Document, snapshot.FetchedAt, false)
	level.Info(a.logger).Log("msg", "Using cached configuration", "version", snapshot.Document.Version, "age", snapshot.Age(a.now()).Round(time.Second))
	a.warnIfStale()
}

func (a *Agent) warnIfStale() {
	s := a.session.Load()
	if !s.hasConfig {
		return
	}
	snapshot := cache.Snapshot{Document: s.config, FetchedAt: s.fetchedAt}
	if snapshot.Stale(a.now()) {
		level.Warn(a.logger).Log("msg", "Configuration is stale", "version", s.config.Version, "age", snapshot.Age(a.now()).Round(time.Second), "cache_ttl", s.config.CacheTTLDuration())
	}
}

// applyConfig installs doc and adjusts the log level, the buffer capacity
// and the heartbeat interval.
func (a *Agent) applyConfig(doc configuration.Document, fetchedAt time.Time, persist bool) {
	a.updateSession(func(s session) session {
		s.config = doc
		s.fetchedAt = fetchedAt
		s.hasConfig = true
		return s
	})

	if a.logger.Level() != doc.Level() {
		a.logger.SetLevel(doc.Level())
	}
	if capacity := doc.MaxOffline(); capacity != a.buf.Capacity() {
		evicted, err := a.buf.SetCapacity(capacity)
		if err != nil {
			level.Error(a.logger).Log("err", err, "msg", "Could not resize offline buffer")
		} else if evicted > 0 {
			a.metrics.Readings.With("outcome", "evicted").Add(float64(evicted))
			level.Warn(a.logger).Log("msg", "Offline buffer shrunk, oldest readings evicted", "evicted", evicted)
		}
		a.metrics.BufferDepth.Set(float64(a.buf.Len()))
	}
	notify(a.configChanged)

	if persist && a.cache != nil {
		if err := a.cache.Save(cache.Snapshot{Document: doc, FetchedAt: fetchedAt}); err != nil {
			level.Warn(a.logger).Log("err", err, "msg", "Could not persist configuration snapshot")
		}
	}
	level.Debug(a.logger).Log("msg", "Configuration applied", "version", doc.Version, "persisted", persist)
}
