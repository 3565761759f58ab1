package service

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	devicestore "github.com/lamassuiot/rfid-sync/pkg/models/device/store"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
	readingstore "github.com/lamassuiot/rfid-sync/pkg/models/reading/store"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
	"github.com/lamassuiot/rfid-sync/pkg/server/events"
	"github.com/lamassuiot/rfid-sync/pkg/server/utils"
)

const MaxBatchSize = reading.MaxBatchSize

type Statistics struct {
	Devices   device.Stats  `json:"devices"`
	Readings  reading.Stats `json:"readings"`
	Timestamp time.Time     `json:"timestamp"`
}

type IngestionService interface {
	Health(ctx context.Context) bool
	SubmitReadings(ctx context.Context, token string, readings []reading.Reading) (reading.BatchResult, error)
	Heartbeat(ctx context.Context, token string, hb device.Heartbeat) (time.Time, error)
	QueryReadings(ctx context.Context, token string, admin bool, filter reading.Filter) ([]reading.Reading, error)
	GetStatistics(ctx context.Context) (Statistics, error)
	SweepOffline(ctx context.Context, window time.Duration) (int, error)
}

type ingestionService struct {
	readings  readingstore.DB
	devices   devicestore.DB
	identity  IdentityService
	publisher events.Publisher
	now       func() time.Time
	logger    log.Logger
}

func NewIngestionService(readings readingstore.DB, devices devicestore.DB, identity IdentityService, publisher events.Publisher, logger log.Logger) IngestionService {
	return &ingestionService{
		readings:  readings,
		devices:   devices,
		identity:  identity,
		publisher: publisher,
		now:       time.Now,
		logger:    logger,
	}
}

func (s *ingestionService) Health(ctx context.Context) bool {
	return s.readings.Ping(ctx) == nil && s.devices.Ping(ctx) == nil
}

// SubmitReadings stores the valid part of a batch. Invalid readings are
// reported one by one and never fail the whole batch.
func (s *ingestionService) SubmitReadings(ctx context.Context, token string, readings []reading.Reading) (reading.BatchResult, error) {
	d, err := s.identity.ValidateCredential(ctx, token)
	if err != nil {
		return reading.BatchResult{}, err
	}
	if len(readings) > MaxBatchSize {
		return reading.BatchResult{}, &rfiderrors.ValidationError{Msg: "batch exceeds the maximum size"}
	}

	result := reading.BatchResult{Rejected: []reading.Rejection{}}
	receivedAt := s.now().UTC()
	valid := make([]reading.Reading, 0, len(readings))
	for i, r := range readings {
		if r.DeviceID == "" {
			r.DeviceID = d.ID
		} else if r.DeviceID != d.ID {
			result.Rejected = append(result.Rejected, reading.Rejection{Index: i, ID: r.ID, Reason: "device_id does not match credential"})
			continue
		}
		if r.MacAddress == "" {
			r.MacAddress = d.MacAddress
		}
		if err := r.Validate(); err != nil {
			result.Rejected = append(result.Rejected, reading.Rejection{Index: i, ID: r.ID, Reason: err.Error()})
			continue
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		received := receivedAt
		r.ReceivedAt = &received
		valid = append(valid, r)
	}

	if len(valid) > 0 {
		duplicates, err := s.readings.InsertReadings(ctx, valid)
		if err != nil {
			return reading.BatchResult{}, err
		}
		result.Accepted = len(valid)
		result.Duplicates = len(duplicates)
		if err := s.devices.MarkSeen(ctx, d.ID, receivedAt, len(valid)-len(duplicates)); err != nil {
			return reading.BatchResult{}, err
		}
		if fresh := withoutIDs(valid, duplicates); len(fresh) > 0 {
			publish(ctx, s.publisher, s.logger, events.Event{Type: events.ReadingsIngested, DeviceID: d.ID, Timestamp: receivedAt, Payload: fresh})
		}
	}
	if len(result.Rejected) > 0 {
		level.Debug(utils.LoggerFrom(ctx, s.logger)).Log("msg", "Readings rejected", "device_id", d.ID, "rejected", len(result.Rejected))
	}
	return result, nil
}

func (s *ingestionService) Heartbeat(ctx context.Context, token string, hb device.Heartbeat) (time.Time, error) {
	d, err := s.identity.ValidateCredential(ctx, token)
	if err != nil {
		return time.Time{}, err
	}
	now := s.now().UTC()
	hb.DeviceID = d.ID
	hb.ReceivedAt = now
	if err := s.devices.InsertHeartbeat(ctx, hb); err != nil {
		return time.Time{}, err
	}
	if err := s.devices.MarkSeen(ctx, d.ID, now, 0); err != nil {
		return time.Time{}, err
	}
	publish(ctx, s.publisher, s.logger, events.Event{Type: events.DeviceHeartbeat, DeviceID: d.ID, Timestamp: now, Payload: hb})
	return now, nil
}

// QueryReadings returns stored readings newest first. Devices only see
// their own readings; administrators may query any device.
func (s *ingestionService) QueryReadings(ctx context.Context, token string, admin bool, filter reading.Filter) ([]reading.Reading, error) {
	if !admin {
		d, err := s.identity.ValidateCredential(ctx, token)
		if err != nil {
			return nil, err
		}
		if filter.DeviceID != "" && filter.DeviceID != d.ID {
			return nil, &rfiderrors.GenericError{
				Message:    "devices may only query their own readings",
				StatusCode: http.StatusForbidden,
			}
		}
		filter.DeviceID = d.ID
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return nil, &rfiderrors.ValidationError{Msg: "start is after end"}
	}
	return s.readings.SelectReadings(ctx, filter.Normalize())
}

func (s *ingestionService) GetStatistics(ctx context.Context) (Statistics, error) {
	now := s.now().UTC()
	devices, err := s.devices.CountByStatus(ctx)
	if err != nil {
		return Statistics{}, err
	}
	total, err := s.readings.CountReadings(ctx, nil)
	if err != nil {
		return Statistics{}, err
	}
	since := now.Add(-24 * time.Hour)
	last24h, err := s.readings.CountReadings(ctx, &since)
	if err != nil {
		return Statistics{}, err
	}
	return Statistics{
		Devices:   devices,
		Readings:  reading.Stats{Total: total, Last24h: last24h},
		Timestamp: now,
	}, nil
}

// SweepOffline marks online devices that were not seen within window as
// offline.
func (s *ingestionService) SweepOffline(ctx context.Context, window time.Duration) (int, error) {
	return s.devices.MarkStaleOffline(ctx, s.now().UTC().Add(-window))
}

func withoutIDs(readings []reading.Reading, ids []string) []reading.Reading {
	if len(ids) == 0 {
		return readings
	}
	skip := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		skip[id] = struct{}{}
	}
	out := make([]reading.Reading, 0, len(readings))
	for _, r := range readings {
		if _, ok := skip[r.ID]; !ok {
			out = append(out, r)
		}
	}
	return out
}
