package service

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	devicestore "github.com/lamassuiot/rfid-sync/pkg/models/device/store"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
	"github.com/lamassuiot/rfid-sync/pkg/server/events"
	"github.com/lamassuiot/rfid-sync/pkg/server/utils"
)

type IdentityService interface {
	Health(ctx context.Context) bool
	RegisterDevice(ctx context.Context, fingerprint string, name string, location string) (device.Device, error)
	Authenticate(ctx context.Context, deviceID string, fingerprint string) (device.Credential, error)
	Refresh(ctx context.Context, token string) (device.Credential, error)
	ValidateCredential(ctx context.Context, token string) (device.Device, error)
	RevokeDevice(ctx context.Context, id string) (device.Device, error)
	ReinstateDevice(ctx context.Context, id string) (device.Device, error)
	GetDevices(ctx context.Context) ([]device.Device, error)
	GetDeviceByID(ctx context.Context, id string) (device.Device, error)
}

// Claims carried by a device bearer credential.
type Claims struct {
	DeviceID   string `json:"device_id"`
	MacAddress string `json:"mac_address"`
	Type       string `json:"type"`
	jwt.RegisteredClaims
}

type identityService struct {
	devices   devicestore.DB
	publisher events.Publisher
	secret    []byte
	tokenTTL  time.Duration
	parser    *jwt.Parser
	now       func() time.Time
	logger    log.Logger
}

func NewIdentityService(devices devicestore.DB, publisher events.Publisher, secret []byte, tokenTTL time.Duration, logger log.Logger) IdentityService {
	return &identityService{
		devices:   devices,
		publisher: publisher,
		secret:    secret,
		tokenTTL:  tokenTTL,
		// expiry is checked against the service clock in ValidateCredential
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
		now:    time.Now,
		logger: logger,
	}
}

func (s *identityService) Health(ctx context.Context) bool {
	return s.devices.Ping(ctx) == nil
}

func (s *identityService) RegisterDevice(ctx context.Context, fingerprint string, name string, location string) (device.Device, error) {
	mac := device.NormalizeFingerprint(fingerprint)
	d := device.Device{
		ID:           device.DeriveID(mac),
		MacAddress:   mac,
		Name:         name,
		Location:     location,
		Status:       device.StatusRegistered,
		RegisteredAt: s.now().UTC(),
	}
	if err := s.devices.InsertDevice(ctx, d); err != nil {
		return device.Device{}, err
	}
	publish(ctx, s.publisher, s.logger, events.Event{Type: events.DeviceRegistered, DeviceID: d.ID, Timestamp: d.RegisteredAt, Payload: d})
	return d, nil
}

func (s *identityService) Authenticate(ctx context.Context, deviceID string, fingerprint string) (device.Credential, error) {
	d, err := s.devices.SelectDeviceByID(ctx, deviceID)
	if err != nil {
		if rfiderrors.IsNotFound(err) {
			return device.Credential{}, rfiderrors.NewAuthError(rfiderrors.ReasonNotRegistered, "device "+deviceID+" is not registered")
		}
		return device.Credential{}, err
	}
	if d.MacAddress != device.NormalizeFingerprint(fingerprint) {
		return device.Credential{}, rfiderrors.NewAuthError(rfiderrors.ReasonFingerprintMismatch, "fingerprint does not match device "+deviceID)
	}
	if d.Status == device.StatusRevoked {
		return device.Credential{}, rfiderrors.NewAuthError(rfiderrors.ReasonRevoked, "device "+deviceID+" is revoked")
	}

	cred, err := s.issue(ctx, d)
	if err != nil {
		return device.Credential{}, err
	}
	if err := s.devices.MarkSeen(ctx, d.ID, cred.IssuedAt, 0); err != nil {
		return device.Credential{}, err
	}
	return cred, nil
}

func (s *identityService) Refresh(ctx context.Context, token string) (device.Credential, error) {
	d, err := s.ValidateCredential(ctx, token)
	if err != nil {
		return device.Credential{}, err
	}
	return s.issue(ctx, d)
}

// ValidateCredential checks signature, type and expiry of the bearer value,
// then the stored token record and the device status. Revocation is seen on
// every use, not only at issuance.
func (s *identityService) ValidateCredential(ctx context.Context, token string) (device.Device, error) {
	claims := &Claims{}
	_, err := s.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return device.Device{}, rfiderrors.NewAuthError(rfiderrors.ReasonInvalid, "credential could not be verified")
	}
	if claims.Type != device.TokenTypeDeviceAccess || claims.DeviceID == "" {
		return device.Device{}, rfiderrors.NewAuthError(rfiderrors.ReasonInvalid, "credential has the wrong type")
	}
	if claims.ExpiresAt == nil || !s.now().Before(claims.ExpiresAt.Time) {
		return device.Device{}, rfiderrors.NewAuthError(rfiderrors.ReasonExpired, "credential expired")
	}

	record, err := s.devices.SelectTokenByHash(ctx, device.HashToken(token))
	if err != nil {
		if rfiderrors.IsNotFound(err) {
			return device.Device{}, rfiderrors.NewAuthError(rfiderrors.ReasonInvalid, "credential was not issued by this service")
		}
		return device.Device{}, err
	}
	if record.DeviceID != claims.DeviceID {
		return device.Device{}, rfiderrors.NewAuthError(rfiderrors.ReasonInvalid, "credential does not belong to device")
	}
	if record.RevokedAt != nil {
		return device.Device{}, rfiderrors.NewAuthError(rfiderrors.ReasonRevoked, "credential revoked")
	}

	d, err := s.devices.SelectDeviceByID(ctx, claims.DeviceID)
	if err != nil {
		if rfiderrors.IsNotFound(err) {
			return device.Device{}, rfiderrors.NewAuthError(rfiderrors.ReasonInvalid, "credential subject unknown")
		}
		return device.Device{}, err
	}
	if d.Status == device.StatusRevoked {
		return device.Device{}, rfiderrors.NewAuthError(rfiderrors.ReasonRevoked, "device "+d.ID+" is revoked")
	}
	return d, nil
}

func (s *identityService) RevokeDevice(ctx context.Context, id string) (device.Device, error) {
	logger := utils.LoggerFrom(ctx, s.logger)
	if err := s.devices.UpdateDeviceStatus(ctx, id, device.StatusRevoked); err != nil {
		return device.Device{}, err
	}
	now := s.now().UTC()
	n, err := s.devices.RevokeTokens(ctx, id, now)
	if err != nil {
		return device.Device{}, err
	}
	level.Info(logger).Log("msg", "Device revoked", "device_id", id, "tokens", n)
	d, err := s.devices.SelectDeviceByID(ctx, id)
	if err != nil {
		return device.Device{}, err
	}
	publish(ctx, s.publisher, s.logger, events.Event{Type: events.DeviceRevoked, DeviceID: id, Timestamp: now})
	return d, nil
}

// ReinstateDevice returns a revoked device to registered. Tokens revoked
// earlier stay revoked; the device has to authenticate again.
func (s *identityService) ReinstateDevice(ctx context.Context, id string) (device.Device, error) {
	d, err := s.devices.SelectDeviceByID(ctx, id)
	if err != nil {
		return device.Device{}, err
	}
	if d.Status != device.StatusRevoked {
		return d, nil
	}
	if err := s.devices.UpdateDeviceStatus(ctx, id, device.StatusRegistered); err != nil {
		return device.Device{}, err
	}
	d.Status = device.StatusRegistered
	publish(ctx, s.publisher, s.logger, events.Event{Type: events.DeviceReinstated, DeviceID: id, Timestamp: s.now().UTC()})
	return d, nil
}

func (s *identityService) GetDevices(ctx context.Context) ([]device.Device, error) {
	return s.devices.SelectAllDevices(ctx)
}

func (s *identityService) GetDeviceByID(ctx context.Context, id string) (device.Device, error) {
	return s.devices.SelectDeviceByID(ctx, id)
}

func (s *identityService) issue(ctx context.Context, d device.Device) (device.Credential, error) {
	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(s.tokenTTL)
	claims := Claims{
		DeviceID:   d.ID,
		MacAddress: d.MacAddress,
		Type:       device.TokenTypeDeviceAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   d.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return device.Credential{}, err
	}
	err = s.devices.InsertToken(ctx, device.Token{
		Hash:      device.HashToken(signed),
		DeviceID:  d.ID,
		Type:      device.TokenTypeDeviceAccess,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return device.Credential{}, err
	}
	return device.Credential{
		AccessToken: signed,
		TokenType:   device.TokenTypeBearer,
		ExpiresIn:   int64(s.tokenTTL / time.Second),
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		DeviceID:    d.ID,
	}, nil
}

func publish(ctx context.Context, publisher events.Publisher, logger log.Logger, event events.Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		level.Warn(utils.LoggerFrom(ctx, logger)).Log("err", err, "msg", "Could not publish event", "type", event.Type)
	}
}
