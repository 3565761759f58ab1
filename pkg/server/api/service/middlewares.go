package service

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/opentracing/opentracing-go"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
)

type IdentityMiddleware func(IdentityService) IdentityService
type ConfigurationMiddleware func(ConfigurationService) ConfigurationService
type IngestionMiddleware func(IngestionService) IngestionService

// Bearer values are never logged.

func IdentityLoggingMiddleware(logger log.Logger) IdentityMiddleware {
	return func(next IdentityService) IdentityService {
		return &identityLoggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type identityLoggingMiddleware struct {
	next   IdentityService
	logger log.Logger
}

func (mw identityLoggingMiddleware) Health(ctx context.Context) (healthy bool) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Health",
			"took", time.Since(begin),
			"healthy", healthy,
			"trace_id", opentracing.SpanFromContext(ctx),
		)
	}(time.Now())
	return mw.next.Health(ctx)
}

func (mw identityLoggingMiddleware) RegisterDevice(ctx context.Context, fingerprint string, name string, location string) (d device.Device, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "RegisterDevice",
			"mac_address", fingerprint,
			"device_name", name,
			"device_id", d.ID,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.RegisterDevice(ctx, fingerprint, name, location)
}

func (mw identityLoggingMiddleware) Authenticate(ctx context.Context, deviceID string, fingerprint string) (cred device.Credential, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Authenticate",
			"device_id", deviceID,
			"mac_address", fingerprint,
			"expires_at", cred.ExpiresAt,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.Authenticate(ctx, deviceID, fingerprint)
}

func (mw identityLoggingMiddleware) Refresh(ctx context.Context, token string) (cred device.Credential, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Refresh",
			"device_id", cred.DeviceID,
			"expires_at", cred.ExpiresAt,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.Refresh(ctx, token)
}

func (mw identityLoggingMiddleware) ValidateCredential(ctx context.Context, token string) (d device.Device, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ValidateCredential",
			"device_id", d.ID,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.ValidateCredential(ctx, token)
}

func (mw identityLoggingMiddleware) RevokeDevice(ctx context.Context, id string) (d device.Device, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "RevokeDevice",
			"device_id", id,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.RevokeDevice(ctx, id)
}

func (mw identityLoggingMiddleware) ReinstateDevice(ctx context.Context, id string) (d device.Device, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ReinstateDevice",
			"device_id", id,
			"status", d.Status,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.ReinstateDevice(ctx, id)
}

func (mw identityLoggingMiddleware) GetDevices(ctx context.Context) (d []device.Device, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetDevices",
			"number_devices", len(d),
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.GetDevices(ctx)
}

func (mw identityLoggingMiddleware) GetDeviceByID(ctx context.Context, id string) (d device.Device, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetDeviceByID",
			"device_id", id,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.GetDeviceByID(ctx, id)
}

func ConfigurationLoggingMiddleware(logger log.Logger) ConfigurationMiddleware {
	return func(next ConfigurationService) ConfigurationService {
		return &configurationLoggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type configurationLoggingMiddleware struct {
	next   ConfigurationService
	logger log.Logger
}

func (mw configurationLoggingMiddleware) Health(ctx context.Context) (healthy bool) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Health",
			"took", time.Since(begin),
			"healthy", healthy,
			"trace_id", opentracing.SpanFromContext(ctx),
		)
	}(time.Now())
	return mw.next.Health(ctx)
}

func (mw configurationLoggingMiddleware) ResolveConfig(ctx context.Context, deviceID string) (doc configuration.Document, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "ResolveConfig",
			"device_id", deviceID,
			"version", doc.Version,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.ResolveConfig(ctx, deviceID)
}

func (mw configurationLoggingMiddleware) UpdateConfig(ctx context.Context, scope string, fields configuration.Fields) (doc configuration.Document, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "UpdateConfig",
			"scope", scope,
			"version", doc.Version,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.UpdateConfig(ctx, scope, fields)
}

func (mw configurationLoggingMiddleware) GetConfig(ctx context.Context, token string) (doc configuration.Document, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetConfig",
			"version", doc.Version,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.GetConfig(ctx, token)
}

func (mw configurationLoggingMiddleware) GetDocument(ctx context.Context, scope string) (doc configuration.Document, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetDocument",
			"scope", scope,
			"version", doc.Version,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.GetDocument(ctx, scope)
}

func (mw configurationLoggingMiddleware) SeedDefault(ctx context.Context, fields configuration.Fields) (seeded bool, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "SeedDefault",
			"seeded", seeded,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.SeedDefault(ctx, fields)
}

func IngestionLoggingMiddleware(logger log.Logger) IngestionMiddleware {
	return func(next IngestionService) IngestionService {
		return &ingestionLoggingMiddleware{
			next:   next,
			logger: logger,
		}
	}
}

type ingestionLoggingMiddleware struct {
	next   IngestionService
	logger log.Logger
}

func (mw ingestionLoggingMiddleware) Health(ctx context.Context) (healthy bool) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Health",
			"took", time.Since(begin),
			"healthy", healthy,
			"trace_id", opentracing.SpanFromContext(ctx),
		)
	}(time.Now())
	return mw.next.Health(ctx)
}

func (mw ingestionLoggingMiddleware) SubmitReadings(ctx context.Context, token string, readings []reading.Reading) (result reading.BatchResult, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "SubmitReadings",
			"submitted", len(readings),
			"accepted", result.Accepted,
			"duplicates", result.Duplicates,
			"rejected", len(result.Rejected),
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.SubmitReadings(ctx, token, readings)
}

func (mw ingestionLoggingMiddleware) Heartbeat(ctx context.Context, token string, hb device.Heartbeat) (at time.Time, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "Heartbeat",
			"agent_state", hb.AgentState,
			"buffered_readings", hb.BufferedReadings,
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.Heartbeat(ctx, token, hb)
}

func (mw ingestionLoggingMiddleware) QueryReadings(ctx context.Context, token string, admin bool, filter reading.Filter) (readings []reading.Reading, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "QueryReadings",
			"admin", admin,
			"device_id", filter.DeviceID,
			"epc", filter.EPC,
			"number_readings", len(readings),
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.QueryReadings(ctx, token, admin, filter)
}

func (mw ingestionLoggingMiddleware) GetStatistics(ctx context.Context) (stats Statistics, err error) {
	defer func(begin time.Time) {
		mw.logger.Log(
			"method", "GetStatistics",
			"took", time.Since(begin),
			"trace_id", opentracing.SpanFromContext(ctx),
			"err", err,
		)
	}(time.Now())
	return mw.next.GetStatistics(ctx)
}

func (mw ingestionLoggingMiddleware) SweepOffline(ctx context.Context, window time.Duration) (n int, err error) {
	defer func(begin time.Time) {
		if n == 0 && err == nil {
			return
		}
		mw.logger.Log(
			"method", "SweepOffline",
			"window", window,
			"marked_offline", n,
			"took", time.Since(begin),
			"err", err,
		)
	}(time.Now())
	return mw.next.SweepOffline(ctx, window)
}
