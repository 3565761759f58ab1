package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/kit/auth/jwt"
	kitendpoint "github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/tracing/opentracing"
	"github.com/go-kit/kit/transport"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	stdopentracing "github.com/opentracing/opentracing-go"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
	"github.com/lamassuiot/rfid-sync/pkg/server/api/endpoint"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
	"github.com/lamassuiot/rfid-sync/pkg/server/api/service"
	"github.com/lamassuiot/rfid-sync/pkg/server/auth"
	"github.com/lamassuiot/rfid-sync/pkg/server/utils"
)

type errorer interface {
	error() error
}

func ErrMissingDeviceID() error {
	return &rfiderrors.ValidationError{Msg: "device ID not specified"}
}

func ErrMissingScope() error {
	return &rfiderrors.ValidationError{Msg: "configuration scope not specified"}
}

func ErrMalformedBody(err error) error {
	return &rfiderrors.ValidationError{Msg: "cannot decode JSON request: " + err.Error()}
}

func HTTPToContext(logger log.Logger) httptransport.RequestFunc {
	return func(ctx context.Context, req *http.Request) context.Context {
		// Try to join to a trace propagated in `req`.
		uberTraceId := req.Header.Values("Uber-Trace-Id")
		var l log.Logger
		if uberTraceId != nil {
			l = log.With(logger, "span_id", uberTraceId)
		} else {
			span := stdopentracing.SpanFromContext(ctx)
			l = log.With(logger, "span_id", span)
		}
		return context.WithValue(ctx, utils.LoggerContextKey, l)
	}
}

func MakeHTTPHandler(identity service.IdentityService, configs service.ConfigurationService, ingestion service.IngestionService, admin *auth.Admin, logger log.Logger, otTracer stdopentracing.Tracer) http.Handler {
	r := mux.NewRouter()
	e := endpoint.MakeServerEndpoints(identity, configs, ingestion, admin, otTracer)
	options := []httptransport.ServerOption{
		httptransport.ServerErrorHandler(transport.NewLogErrorHandler(logger)),
		httptransport.ServerErrorEncoder(encodeError),
		httptransport.ServerBefore(jwt.HTTPToContext()),
		httptransport.ServerBefore(auth.AdminKeyToContext()),
	}

	handle := func(method string, path string, operation string, ep kitendpoint.Endpoint, dec httptransport.DecodeRequestFunc, enc httptransport.EncodeResponseFunc) {
		r.Methods(method).Path(path).Handler(httptransport.NewServer(
			ep,
			dec,
			enc,
			append(
				options,
				httptransport.ServerBefore(opentracing.HTTPToContext(otTracer, operation, logger)),
				httptransport.ServerBefore(HTTPToContext(logger)),
			)...,
		))
	}

	handle("GET", "/v1/health", "Health", e.HealthEndpoint, decodeEmptyRequest, encodeResponse)

	// device surface
	handle("POST", "/v1/devices/authenticate", "Authenticate", e.AuthenticateEndpoint, decodeAuthenticateRequest, encodeResponse)
	handle("POST", "/v1/devices/refresh", "Refresh", e.RefreshEndpoint, decodeEmptyRequest, encodeResponse)
	handle("GET", "/v1/config", "GetConfig", e.GetConfigEndpoint, decodeEmptyRequest, encodeResponse)
	handle("POST", "/v1/readings", "SubmitReadings", e.SubmitReadingsEndpoint, decodeSubmitReadingsRequest, encodeResponse)
	handle("GET", "/v1/readings", "QueryReadings", e.QueryReadingsEndpoint, decodeQueryReadingsRequest, encodeResponse)
	handle("POST", "/v1/heartbeat", "Heartbeat", e.HeartbeatEndpoint, decodeHeartbeatRequest, encodeResponse)

	// admin surface
	handle("POST", "/v1/admin/devices", "RegisterDevice", e.RegisterDeviceEndpoint, decodeRegisterDeviceRequest, encodeCreatedResponse)
	handle("GET", "/v1/admin/devices", "GetDevices", e.GetDevicesEndpoint, decodeEmptyRequest, encodeResponse)
	handle("GET", "/v1/admin/devices/{id}", "GetDeviceByID", e.GetDeviceByIDEndpoint, decodeDeviceIDRequest, encodeResponse)
	handle("POST", "/v1/admin/devices/{id}/revoke", "RevokeDevice", e.RevokeDeviceEndpoint, decodeDeviceIDRequest, encodeResponse)
	handle("POST", "/v1/admin/devices/{id}/reinstate", "ReinstateDevice", e.ReinstateDeviceEndpoint, decodeDeviceIDRequest, encodeResponse)
	handle("PUT", "/v1/admin/config/{scope}", "UpdateConfig", e.UpdateConfigEndpoint, decodeUpdateConfigRequest, encodeResponse)
	handle("GET", "/v1/admin/config/{scope}", "GetDocument", e.GetDocumentEndpoint, decodeScopeRequest, encodeResponse)
	handle("GET", "/v1/admin/statistics", "GetStatistics", e.GetStatisticsEndpoint, decodeEmptyRequest, encodeResponse)

	return r
}

func decodeEmptyRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	var req endpoint.EmptyRequest
	return req, nil
}

func decodeAuthenticateRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	var req endpoint.AuthenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, ErrMalformedBody(err)
	}
	return req, nil
}

func decodeSubmitReadingsRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	var req endpoint.SubmitReadingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, ErrMalformedBody(err)
	}
	return req, nil
}

func decodeHeartbeatRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	var req endpoint.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, ErrMalformedBody(err)
	}
	return req, nil
}

func decodeQueryReadingsRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	q := r.URL.Query()
	filter := reading.Filter{
		DeviceID: q.Get("device_id"),
		EPC:      q.Get("epc"),
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, &rfiderrors.ValidationError{Msg: "start must be an RFC 3339 timestamp"}
		}
		filter.From = &t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, &rfiderrors.ValidationError{Msg: "end must be an RFC 3339 timestamp"}
		}
		filter.To = &t
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			return nil, &rfiderrors.ValidationError{Msg: "limit must be a positive integer"}
		}
		filter.Limit = limit
	}
	return endpoint.QueryReadingsRequest{Filter: filter}, nil
}

func decodeRegisterDeviceRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	var req endpoint.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, ErrMalformedBody(err)
	}
	return req, nil
}

func decodeDeviceIDRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	vars := mux.Vars(r)
	id, ok := vars["id"]
	if !ok || id == "" {
		return nil, ErrMissingDeviceID()
	}
	return endpoint.DeviceIDRequest{ID: id}, nil
}

func decodeScopeRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	vars := mux.Vars(r)
	scope, ok := vars["scope"]
	if !ok || scope == "" {
		return nil, ErrMissingScope()
	}
	return endpoint.ScopeRequest{Scope: scope}, nil
}

func decodeUpdateConfigRequest(ctx context.Context, r *http.Request) (request interface{}, err error) {
	vars := mux.Vars(r)
	scope, ok := vars["scope"]
	if !ok || scope == "" {
		return nil, ErrMissingScope()
	}
	var fields configuration.Fields
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fields); err != nil {
		return nil, ErrMalformedBody(err)
	}
	return endpoint.UpdateConfigRequest{Scope: scope, Fields: fields}, nil
}

func encodeResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	if e, ok := response.(errorer); ok && e.error() != nil {
		// Not a Go kit transport error, but a business-logic error.
		// Provide those as HTTP errors.
		encodeError(ctx, e.error(), w)
		return nil
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	return json.NewEncoder(w).Encode(response)
}

func encodeCreatedResponse(ctx context.Context, w http.ResponseWriter, response interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	return json.NewEncoder(w).Encode(response)
}

func encodeError(_ context.Context, err error, w http.ResponseWriter) {
	if err == nil {
		panic("encodeError with nil error")
	}
	code := rfiderrors.CodeFrom(err)
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="rfid-sync"`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(rfiderrors.ToResponse(err))
}
