package service

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	configstore "github.com/lamassuiot/rfid-sync/pkg/models/configuration/store"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
	"github.com/lamassuiot/rfid-sync/pkg/server/events"
)

type ConfigurationService interface {
	Health(ctx context.Context) bool
	ResolveConfig(ctx context.Context, deviceID string) (configuration.Document, error)
	UpdateConfig(ctx context.Context, scope string, fields configuration.Fields) (configuration.Document, error)
	GetConfig(ctx context.Context, token string) (configuration.Document, error)
	GetDocument(ctx context.Context, scope string) (configuration.Document, error)
	SeedDefault(ctx context.Context, fields configuration.Fields) (bool, error)
}

type configurationService struct {
	configs   configstore.DB
	identity  IdentityService
	publisher events.Publisher
	now       func() time.Time
	logger    log.Logger
}

func NewConfigurationService(configs configstore.DB, identity IdentityService, publisher events.Publisher, logger log.Logger) ConfigurationService {
	return &configurationService{
		configs:   configs,
		identity:  identity,
		publisher: publisher,
		now:       time.Now,
		logger:    logger,
	}
}

func (s *configurationService) Health(ctx context.Context) bool {
	return s.configs.Ping(ctx) == nil
}

// ResolveConfig merges the device override, if any, over the default
// document.
func (s *configurationService) ResolveConfig(ctx context.Context, deviceID string) (configuration.Document, error) {
	base, err := s.configs.SelectDocument(ctx, configuration.DefaultScope)
	if err != nil {
		if rfiderrors.IsNotFound(err) {
			return configuration.Document{}, rfiderrors.ErrNoDefaultConfigured()
		}
		return configuration.Document{}, err
	}
	if deviceID == "" || deviceID == configuration.DefaultScope {
		return base, nil
	}

	override, err := s.configs.SelectDocument(ctx, deviceID)
	if err != nil {
		if rfiderrors.IsNotFound(err) {
			return base, nil
		}
		return configuration.Document{}, err
	}
	return configuration.Merge(base, &override), nil
}

func (s *configurationService) UpdateConfig(ctx context.Context, scope string, fields configuration.Fields) (configuration.Document, error) {
	if fields.IsEmpty() {
		return configuration.Document{}, &rfiderrors.ValidationError{Msg: "no configuration fields given"}
	}
	if err := fields.Validate(); err != nil {
		return configuration.Document{}, &rfiderrors.ValidationError{Msg: err.Error()}
	}
	if scope != configuration.DefaultScope {
		// overrides only exist for registered devices
		if _, err := s.identity.GetDeviceByID(ctx, scope); err != nil {
			return configuration.Document{}, err
		}
	}

	doc, err := s.configs.UpsertFields(ctx, scope, fields, s.now().UTC())
	if err != nil {
		return configuration.Document{}, err
	}
	event := events.Event{Type: events.ConfigUpdated, Timestamp: doc.UpdatedAt, Payload: map[string]interface{}{"scope": scope, "version": doc.Version}}
	if scope != configuration.DefaultScope {
		event.DeviceID = scope
	}
	publish(ctx, s.publisher, s.logger, event)
	return doc, nil
}

func (s *configurationService) GetConfig(ctx context.Context, token string) (configuration.Document, error) {
	d, err := s.identity.ValidateCredential(ctx, token)
	if err != nil {
		return configuration.Document{}, err
	}
	return s.ResolveConfig(ctx, d.ID)
}

func (s *configurationService) GetDocument(ctx context.Context, scope string) (configuration.Document, error) {
	return s.configs.SelectDocument(ctx, scope)
}

// SeedDefault creates the default document from fields when none exists.
// It reports whether a document was written.
func (s *configurationService) SeedDefault(ctx context.Context, fields configuration.Fields) (bool, error) {
	_, err := s.configs.SelectDocument(ctx, configuration.DefaultScope)
	if err == nil {
		return false, nil
	}
	if !rfiderrors.IsNotFound(err) {
		return false, err
	}
	if err := fields.Validate(); err != nil {
		return false, &rfiderrors.ValidationError{Msg: err.Error()}
	}
	if _, err := s.configs.UpsertFields(ctx, configuration.DefaultScope, fields, s.now().UTC()); err != nil {
		return false, err
	}
	level.Info(s.logger).Log("msg", "Default configuration seeded")
	return true, nil
}
