package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
)

type instrumenting struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
}

func (i instrumenting) observe(method string, err error, begin time.Time) {
	lvs := []string{"method", method, "error", fmt.Sprint(err != nil)}
	i.requestCount.With(lvs...).Add(1)
	i.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
}

type identityInstrumentingMiddleware struct {
	instrumenting
	next IdentityService
}

func NewIdentityInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) IdentityMiddleware {
	return func(next IdentityService) IdentityService {
		return &identityInstrumentingMiddleware{
			instrumenting: instrumenting{requestCount: counter, requestLatency: latency},
			next:          next,
		}
	}
}

func (mw *identityInstrumentingMiddleware) Health(ctx context.Context) bool {
	defer mw.observe("Health", nil, time.Now())
	return mw.next.Health(ctx)
}

func (mw *identityInstrumentingMiddleware) RegisterDevice(ctx context.Context, fingerprint string, name string, location string) (d device.Device, err error) {
	defer func(begin time.Time) { mw.observe("RegisterDevice", err, begin) }(time.Now())
	return mw.next.RegisterDevice(ctx, fingerprint, name, location)
}

func (mw *identityInstrumentingMiddleware) Authenticate(ctx context.Context, deviceID string, fingerprint string) (cred device.Credential, err error) {
	defer func(begin time.Time) { mw.observe("Authenticate", err, begin) }(time.Now())
	return mw.next.Authenticate(ctx, deviceID, fingerprint)
}

func (mw *identityInstrumentingMiddleware) Refresh(ctx context.Context, token string) (cred device.Credential, err error) {
	defer func(begin time.Time) { mw.observe("Refresh", err, begin) }(time.Now())
	return mw.next.Refresh(ctx, token)
}

func (mw *identityInstrumentingMiddleware) ValidateCredential(ctx context.Context, token string) (d device.Device, err error) {
	defer func(begin time.Time) { mw.observe("ValidateCredential", err, begin) }(time.Now())
	return mw.next.ValidateCredential(ctx, token)
}

func (mw *identityInstrumentingMiddleware) RevokeDevice(ctx context.Context, id string) (d device.Device, err error) {
	defer func(begin time.Time) { mw.observe("RevokeDevice", err, begin) }(time.Now())
	return mw.next.RevokeDevice(ctx, id)
}

func (mw *identityInstrumentingMiddleware) ReinstateDevice(ctx context.Context, id string) (d device.Device, err error) {
	defer func(begin time.Time) { mw.observe("ReinstateDevice", err, begin) }(time.Now())
	return mw.next.ReinstateDevice(ctx, id)
}

func (mw *identityInstrumentingMiddleware) GetDevices(ctx context.Context) (d []device.Device, err error) {
	defer func(begin time.Time) { mw.observe("GetDevices", err, begin) }(time.Now())
	return mw.next.GetDevices(ctx)
}

func (mw *identityInstrumentingMiddleware) GetDeviceByID(ctx context.Context, id string) (d device.Device, err error) {
	defer func(begin time.Time) { mw.observe("GetDeviceByID", err, begin) }(time.Now())
	return mw.next.GetDeviceByID(ctx, id)
}

type configurationInstrumentingMiddleware struct {
	instrumenting
	next ConfigurationService
}

func NewConfigurationInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) ConfigurationMiddleware {
	return func(next ConfigurationService) ConfigurationService {
		return &configurationInstrumentingMiddleware{
			instrumenting: instrumenting{requestCount: counter, requestLatency: latency},
			next:          next,
		}
	}
}

func (mw *configurationInstrumentingMiddleware) Health(ctx context.Context) bool {
	defer mw.observe("Health", nil, time.Now())
	return mw.next.Health(ctx)
}

func (mw *configurationInstrumentingMiddleware) ResolveConfig(ctx context.Context, deviceID string) (doc configuration.Document, err error) {
	defer func(begin time.Time) { mw.observe("ResolveConfig", err, begin) }(time.Now())
	return mw.next.ResolveConfig(ctx, deviceID)
}

func (mw *configurationInstrumentingMiddleware) UpdateConfig(ctx context.Context, scope string, fields configuration.Fields) (doc configuration.Document, err error) {
	defer func(begin time.Time) { mw.observe("UpdateConfig", err, begin) }(time.Now())
	return mw.next.UpdateConfig(ctx, scope, fields)
}

func (mw *configurationInstrumentingMiddleware) GetConfig(ctx context.Context, token string) (doc configuration.Document, err error) {
	defer func(begin time.Time) { mw.observe("GetConfig", err, begin) }(time.Now())
	return mw.next.GetConfig(ctx, token)
}

func (mw *configurationInstrumentingMiddleware) GetDocument(ctx context.Context, scope string) (doc configuration.Document, err error) {
	defer func(begin time.Time) { mw.observe("GetDocument", err, begin) }(time.Now())
	return mw.next.GetDocument(ctx, scope)
}

func (mw *configurationInstrumentingMiddleware) SeedDefault(ctx context.Context, fields configuration.Fields) (seeded bool, err error) {
	defer func(begin time.Time) { mw.observe("SeedDefault", err, begin) }(time.Now())
	return mw.next.SeedDefault(ctx, fields)
}

type ingestionInstrumentingMiddleware struct {
	instrumenting
	next IngestionService
}

func NewIngestionInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) IngestionMiddleware {
	return func(next IngestionService) IngestionService {
		return &ingestionInstrumentingMiddleware{
			instrumenting: instrumenting{requestCount: counter, requestLatency: latency},
			next:          next,
		}
	}
}

func (mw *ingestionInstrumentingMiddleware) Health(ctx context.Context) bool {
	defer mw.observe("Health", nil, time.Now())
	return mw.next.Health(ctx)
}

func (mw *ingestionInstrumentingMiddleware) SubmitReadings(ctx context.Context, token string, readings []reading.Reading) (result reading.BatchResult, err error) {
	defer func(begin time.Time) { mw.observe("SubmitReadings", err, begin) }(time.Now())
	return mw.next.SubmitReadings(ctx, token, readings)
}

func (mw *ingestionInstrumentingMiddleware) Heartbeat(ctx context.Context, token string, hb device.Heartbeat) (at time.Time, err error) {
	defer func(begin time.Time) { mw.observe("Heartbeat", err, begin) }(time.Now())
	return mw.next.Heartbeat(ctx, token, hb)
}

func (mw *ingestionInstrumentingMiddleware) QueryReadings(ctx context.Context, token string, admin bool, filter reading.Filter) (readings []reading.Reading, err error) {
	defer func(begin time.Time) { mw.observe("QueryReadings", err, begin) }(time.Now())
	return mw.next.QueryReadings(ctx, token, admin, filter)
}

func (mw *ingestionInstrumentingMiddleware) GetStatistics(ctx context.Context) (stats Statistics, err error) {
	defer func(begin time.Time) { mw.observe("GetStatistics", err, begin) }(time.Now())
	return mw.next.GetStatistics(ctx)
}

func (mw *ingestionInstrumentingMiddleware) SweepOffline(ctx context.Context, window time.Duration) (n int, err error) {
	defer func(begin time.Time) { mw.observe("SweepOffline", err, begin) }(time.Now())
	return mw.next.SweepOffline(ctx, window)
}
