package endpoint

import (
	"context"
	"time"

	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/tracing/opentracing"
	"github.com/go-playground/validator/v10"
	stdopentracing "github.com/opentracing/opentracing-go"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
	"github.com/lamassuiot/rfid-sync/pkg/server/api/service"
	"github.com/lamassuiot/rfid-sync/pkg/server/auth"
)

type Endpoints struct {
	HealthEndpoint         endpoint.Endpoint
	AuthenticateEndpoint   endpoint.Endpoint
	RefreshEndpoint        endpoint.Endpoint
	GetConfigEndpoint      endpoint.Endpoint
	SubmitReadingsEndpoint endpoint.Endpoint
	HeartbeatEndpoint      endpoint.Endpoint
	QueryReadingsEndpoint  endpoint.Endpoint

	RegisterDeviceEndpoint  endpoint.Endpoint
	GetDevicesEndpoint      endpoint.Endpoint
	GetDeviceByIDEndpoint   endpoint.Endpoint
	RevokeDeviceEndpoint    endpoint.Endpoint
	ReinstateDeviceEndpoint endpoint.Endpoint
	UpdateConfigEndpoint    endpoint.Endpoint
	GetDocumentEndpoint     endpoint.Endpoint
	GetStatisticsEndpoint   endpoint.Endpoint
}

func MakeServerEndpoints(identity service.IdentityService, configs service.ConfigurationService, ingestion service.IngestionService, admin *auth.Admin, otTracer stdopentracing.Tracer) Endpoints {
	var healthEndpoint endpoint.Endpoint
	{
		healthEndpoint = MakeHealthEndpoint(identity, configs, ingestion)
		healthEndpoint = opentracing.TraceServer(otTracer, "Health")(healthEndpoint)
	}
	var authenticateEndpoint endpoint.Endpoint
	{
		authenticateEndpoint = MakeAuthenticateEndpoint(identity)
		authenticateEndpoint = opentracing.TraceServer(otTracer, "Authenticate")(authenticateEndpoint)
	}
	var refreshEndpoint endpoint.Endpoint
	{
		refreshEndpoint = MakeRefreshEndpoint(identity)
		refreshEndpoint = opentracing.TraceServer(otTracer, "Refresh")(refreshEndpoint)
	}
	var getConfigEndpoint endpoint.Endpoint
	{
		getConfigEndpoint = MakeGetConfigEndpoint(configs)
		getConfigEndpoint = opentracing.TraceServer(otTracer, "GetConfig")(getConfigEndpoint)
	}
	var submitReadingsEndpoint endpoint.Endpoint
	{
		submitReadingsEndpoint = MakeSubmitReadingsEndpoint(ingestion)
		submitReadingsEndpoint = opentracing.TraceServer(otTracer, "SubmitReadings")(submitReadingsEndpoint)
	}
	var heartbeatEndpoint endpoint.Endpoint
	{
		heartbeatEndpoint = MakeHeartbeatEndpoint(ingestion)
		heartbeatEndpoint = opentracing.TraceServer(otTracer, "Heartbeat")(heartbeatEndpoint)
	}
	var queryReadingsEndpoint endpoint.Endpoint
	{
		queryReadingsEndpoint = MakeQueryReadingsEndpoint(ingestion, admin)
		queryReadingsEndpoint = opentracing.TraceServer(otTracer, "QueryReadings")(queryReadingsEndpoint)
	}

	var registerDeviceEndpoint endpoint.Endpoint
	{
		registerDeviceEndpoint = MakeRegisterDeviceEndpoint(identity)
		registerDeviceEndpoint = admin.Middleware()(registerDeviceEndpoint)
		registerDeviceEndpoint = opentracing.TraceServer(otTracer, "RegisterDevice")(registerDeviceEndpoint)
	}
	var getDevicesEndpoint endpoint.Endpoint
	{
		getDevicesEndpoint = MakeGetDevicesEndpoint(identity)
		getDevicesEndpoint = admin.Middleware()(getDevicesEndpoint)
		getDevicesEndpoint = opentracing.TraceServer(otTracer, "GetDevices")(getDevicesEndpoint)
	}
	var getDeviceByIDEndpoint endpoint.Endpoint
	{
		getDeviceByIDEndpoint = MakeGetDeviceByIDEndpoint(identity)
		getDeviceByIDEndpoint = admin.Middleware()(getDeviceByIDEndpoint)
		getDeviceByIDEndpoint = opentracing.TraceServer(otTracer, "GetDeviceByID")(getDeviceByIDEndpoint)
	}
	var revokeDeviceEndpoint endpoint.Endpoint
	{
		revokeDeviceEndpoint = MakeRevokeDeviceEndpoint(identity)
		revokeDeviceEndpoint = admin.Middleware()(revokeDeviceEndpoint)
		revokeDeviceEndpoint = opentracing.TraceServer(otTracer, "RevokeDevice")(revokeDeviceEndpoint)
	}
	var reinstateDeviceEndpoint endpoint.Endpoint
	{
		reinstateDeviceEndpoint = MakeReinstateDeviceEndpoint(identity)
		reinstateDeviceEndpoint = admin.Middleware()(reinstateDeviceEndpoint)
		reinstateDeviceEndpoint = opentracing.TraceServer(otTracer, "ReinstateDevice")(reinstateDeviceEndpoint)
	}
	var updateConfigEndpoint endpoint.Endpoint
	{
		updateConfigEndpoint = MakeUpdateConfigEndpoint(configs)
		updateConfigEndpoint = admin.Middleware()(updateConfigEndpoint)
		updateConfigEndpoint = opentracing.TraceServer(otTracer, "UpdateConfig")(updateConfigEndpoint)
	}
	var getDocumentEndpoint endpoint.Endpoint
	{
		getDocumentEndpoint = MakeGetDocumentEndpoint(configs)
		getDocumentEndpoint = admin.Middleware()(getDocumentEndpoint)
		getDocumentEndpoint = opentracing.TraceServer(otTracer, "GetDocument")(getDocumentEndpoint)
	}
	var getStatisticsEndpoint endpoint.Endpoint
	{
		getStatisticsEndpoint = MakeGetStatisticsEndpoint(ingestion)
		getStatisticsEndpoint = admin.Middleware()(getStatisticsEndpoint)
		getStatisticsEndpoint = opentracing.TraceServer(otTracer, "GetStatistics")(getStatisticsEndpoint)
	}

	return Endpoints{
		HealthEndpoint:          healthEndpoint,
		AuthenticateEndpoint:    authenticateEndpoint,
		RefreshEndpoint:         refreshEndpoint,
		GetConfigEndpoint:       getConfigEndpoint,
		SubmitReadingsEndpoint:  submitReadingsEndpoint,
		HeartbeatEndpoint:       heartbeatEndpoint,
		QueryReadingsEndpoint:   queryReadingsEndpoint,
		RegisterDeviceEndpoint:  registerDeviceEndpoint,
		GetDevicesEndpoint:      getDevicesEndpoint,
		GetDeviceByIDEndpoint:   getDeviceByIDEndpoint,
		RevokeDeviceEndpoint:    revokeDeviceEndpoint,
		ReinstateDeviceEndpoint: reinstateDeviceEndpoint,
		UpdateConfigEndpoint:    updateConfigEndpoint,
		GetDocumentEndpoint:     getDocumentEndpoint,
		GetStatisticsEndpoint:   getStatisticsEndpoint,
	}
}

func MakeHealthEndpoint(identity service.IdentityService, configs service.ConfigurationService, ingestion service.IngestionService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		resp := HealthResponse{Status: "healthy", Store: "connected", Timestamp: time.Now().UTC()}
		if !identity.Health(ctx) || !configs.Health(ctx) || !ingestion.Health(ctx) {
			resp.Status = "degraded"
			resp.Store = "disconnected"
		}
		return resp, nil
	}
}

func MakeAuthenticateEndpoint(s service.IdentityService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(AuthenticateRequest)
		if err := validate(req); err != nil {
			return nil, err
		}
		return s.Authenticate(ctx, req.DeviceID, req.MacAddress)
	}
}

func MakeRefreshEndpoint(s service.IdentityService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		token, err := auth.BearerFrom(ctx)
		if err != nil {
			return nil, err
		}
		return s.Refresh(ctx, token)
	}
}

func MakeGetConfigEndpoint(s service.ConfigurationService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		token, err := auth.BearerFrom(ctx)
		if err != nil {
			return nil, err
		}
		return s.GetConfig(ctx, token)
	}
}

func MakeSubmitReadingsEndpoint(s service.IngestionService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(SubmitReadingsRequest)
		token, err := auth.BearerFrom(ctx)
		if err != nil {
			return nil, err
		}
		if err := validate(req); err != nil {
			return nil, err
		}
		return s.SubmitReadings(ctx, token, req.Readings)
	}
}

func MakeHeartbeatEndpoint(s service.IngestionService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(HeartbeatRequest)
		token, err := auth.BearerFrom(ctx)
		if err != nil {
			return nil, err
		}
		at, err := s.Heartbeat(ctx, token, req.Heartbeat)
		if err != nil {
			return nil, err
		}
		return HeartbeatResponse{Status: "ok", Timestamp: at}, nil
	}
}

// MakeQueryReadingsEndpoint serves both surfaces: a request carrying the
// administrative key may read any device, otherwise a bearer is required.
func MakeQueryReadingsEndpoint(s service.IngestionService, admin *auth.Admin) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(QueryReadingsRequest)
		isAdmin := admin.IsAdmin(ctx)
		var token string
		if !isAdmin {
			token, err = auth.BearerFrom(ctx)
			if err != nil {
				return nil, err
			}
		}
		readings, err := s.QueryReadings(ctx, token, isAdmin, req.Filter)
		if err != nil {
			return nil, err
		}
		return QueryReadingsResponse{Readings: readings, Count: len(readings)}, nil
	}
}

func MakeRegisterDeviceEndpoint(s service.IdentityService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(RegisterDeviceRequest)
		if err := validate(req); err != nil {
			return nil, err
		}
		return s.RegisterDevice(ctx, req.MacAddress, req.Name, req.Location)
	}
}

func MakeGetDevicesEndpoint(s service.IdentityService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		devices, err := s.GetDevices(ctx)
		if err != nil {
			return nil, err
		}
		return GetDevicesResponse{Devices: devices, Count: len(devices)}, nil
	}
}

func MakeGetDeviceByIDEndpoint(s service.IdentityService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(DeviceIDRequest)
		return s.GetDeviceByID(ctx, req.ID)
	}
}

func MakeRevokeDeviceEndpoint(s service.IdentityService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(DeviceIDRequest)
		return s.RevokeDevice(ctx, req.ID)
	}
}

func MakeReinstateDeviceEndpoint(s service.IdentityService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(DeviceIDRequest)
		return s.ReinstateDevice(ctx, req.ID)
	}
}

func MakeUpdateConfigEndpoint(s service.ConfigurationService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(UpdateConfigRequest)
		if err := validate(req); err != nil {
			return nil, err
		}
		return s.UpdateConfig(ctx, req.Scope, req.Fields)
	}
}

func MakeGetDocumentEndpoint(s service.ConfigurationService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		req := request.(ScopeRequest)
		return s.GetDocument(ctx, req.Scope)
	}
}

func MakeGetStatisticsEndpoint(s service.IngestionService) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (response interface{}, err error) {
		return s.GetStatistics(ctx)
	}
}

var validate = func(request interface{}) error {
	if err := validator.New().Struct(request); err != nil {
		return &rfiderrors.ValidationError{Msg: err.Error()}
	}
	return nil
}

type HealthRequest struct{}

type HealthResponse struct {
	Status    string    `json:"status"`
	Store     string    `json:"store"`
	Timestamp time.Time `json:"timestamp"`
}

type AuthenticateRequest struct {
	DeviceID   string `json:"device_id" validate:"required"`
	MacAddress string `json:"mac_address" validate:"required"`
}

type EmptyRequest struct{}

type SubmitReadingsRequest struct {
	Readings []reading.Reading `json:"readings" validate:"required,min=1"`
}

type HeartbeatRequest struct {
	device.Heartbeat
}

type HeartbeatResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type QueryReadingsRequest struct {
	Filter reading.Filter
}

type QueryReadingsResponse struct {
	Readings []reading.Reading `json:"readings"`
	Count    int               `json:"count"`
}

type RegisterDeviceRequest struct {
	MacAddress string `json:"mac_address" validate:"required,mac"`
	Name       string `json:"device_name,omitempty"`
	Location   string `json:"location,omitempty"`
}

type GetDevicesResponse struct {
	Devices []device.Device `json:"devices"`
	Count   int             `json:"count"`
}

type DeviceIDRequest struct {
	ID string
}

type UpdateConfigRequest struct {
	Scope  string `validate:"required"`
	Fields configuration.Fields
}

type ScopeRequest struct {
	Scope string
}
