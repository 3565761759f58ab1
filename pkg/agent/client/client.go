// Package client is the edge agent's view of the control plane. Each device
// operation is a go-kit client endpoint with a per attempt timeout and a
// bounded number of retries. Only network failures are retried: a typed
// rejection from the control plane is returned as is.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/kit/auth/jwt"
	"github.com/go-kit/kit/endpoint"
	"github.com/go-kit/kit/sd"
	"github.com/go-kit/kit/sd/lb"
	"github.com/go-kit/kit/tracing/opentracing"
	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	stdopentracing "github.com/opentracing/opentracing-go"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	"github.com/lamassuiot/rfid-sync/pkg/models/reading"
	serverendpoint "github.com/lamassuiot/rfid-sync/pkg/server/api/endpoint"
	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
)

// NetworkError marks a failure to reach the control plane or a server side
// failure the agent should treat as unavailability.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return "control plane unavailable: " + e.Err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsRevoked reports whether the control plane revoked this device.
func IsRevoked(err error) bool {
	return rfiderrors.IsReason(err, rfiderrors.ReasonRevoked)
}

// IsCredentialRejected reports whether the bearer credential itself is no
// longer usable and a new one has to be obtained.
func IsCredentialRejected(err error) bool {
	return rfiderrors.IsReason(err, rfiderrors.ReasonExpired) ||
		rfiderrors.IsReason(err, rfiderrors.ReasonInvalid) ||
		rfiderrors.IsReason(err, rfiderrors.ReasonMissing)
}

// IsAuthRejected reports whether authentication with the device identity
// and fingerprint was refused.
func IsAuthRejected(err error) bool {
	return rfiderrors.IsReason(err, rfiderrors.ReasonNotRegistered) ||
		rfiderrors.IsReason(err, rfiderrors.ReasonFingerprintMismatch)
}

// IsBatchRejected reports whether the control plane refused a submission as
// a whole. Sending the same request again cannot succeed.
func IsBatchRejected(err error) bool {
	var validation *rfiderrors.ValidationError
	return errors.As(err, &validation)
}

type Config struct {
	URL        string
	Timeout    time.Duration
	MaxRetries int
	// Backoff is the pause before retry n, multiplied by n.
	Backoff    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	authenticate   endpoint.Endpoint
	refresh        endpoint.Endpoint
	getConfig      endpoint.Endpoint
	submitReadings endpoint.Endpoint
	heartbeat      endpoint.Endpoint
}

func New(cfg Config, logger log.Logger, otTracer stdopentracing.Tracer) (*Client, error) {
	if !strings.HasPrefix(cfg.URL, "http") {
		cfg.URL = "http://" + cfg.URL
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing control plane URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	httpClient := &http.Client{}
	if cfg.HTTPClient != nil {
		shared := *cfg.HTTPClient
		httpClient = &shared
	}
	httpClient.Timeout = cfg.Timeout

	options := []httptransport.ClientOption{
		httptransport.SetClient(httpClient),
		httptransport.ClientBefore(jwt.ContextToHTTP()),
		httptransport.ClientBefore(opentracing.ContextToHTTP(otTracer, logger)),
	}

	newEndpoint := func(method string, path string, operation string, enc httptransport.EncodeRequestFunc, dec httptransport.DecodeResponseFunc) endpoint.Endpoint {
		target := *base
		target.Path = base.Path + path
		var e endpoint.Endpoint
		e = httptransport.NewClient(method, &target, enc, dec, options...).Endpoint()
		e = classifyTransport(e)
		e = opentracing.TraceClient(otTracer, operation)(e)
		return retry(e, cfg)
	}

	return &Client{
		authenticate:   newEndpoint("POST", "/v1/devices/authenticate", "Authenticate", httptransport.EncodeJSONRequest, decodeCredential),
		refresh:        newEndpoint("POST", "/v1/devices/refresh", "Refresh", encodeEmptyRequest, decodeCredential),
		getConfig:      newEndpoint("GET", "/v1/config", "GetConfig", encodeEmptyRequest, decodeDocument),
		submitReadings: newEndpoint("POST", "/v1/readings", "SubmitReadings", httptransport.EncodeJSONRequest, decodeBatchResult),
		heartbeat:      newEndpoint("POST", "/v1/heartbeat", "Heartbeat", httptransport.EncodeJSONRequest, decodeHeartbeatResponse),
	}, nil
}

func (c *Client) Authenticate(ctx context.Context, deviceID string, fingerprint string) (device.Credential, error) {
	response, err := c.authenticate(ctx, serverendpoint.AuthenticateRequest{DeviceID: deviceID, MacAddress: fingerprint})
	if err != nil {
		return device.Credential{}, err
	}
	return response.(device.Credential), nil
}

func (c *Client) Refresh(ctx context.Context, token string) (device.Credential, error) {
	response, err := c.refresh(withBearer(ctx, token), nil)
	if err != nil {
		return device.Credential{}, err
	}
	return response.(device.Credential), nil
}

func (c *Client) GetConfig(ctx context.Context, token string) (configuration.Document, error) {
	response, err := c.getConfig(withBearer(ctx, token), nil)
	if err != nil {
		return configuration.Document{}, err
	}
	return response.(configuration.Document), nil
}

func (c *Client) SubmitReadings(ctx context.Context, token string, readings []reading.Reading) (reading.BatchResult, error) {
	response, err := c.submitReadings(withBearer(ctx, token), serverendpoint.SubmitReadingsRequest{Readings: readings})
	if err != nil {
		return reading.BatchResult{}, err
	}
	return response.(reading.BatchResult), nil
}

func (c *Client) Heartbeat(ctx context.Context, token string, hb device.Heartbeat) (time.Time, error) {
	response, err := c.heartbeat(withBearer(ctx, token), hb)
	if err != nil {
		return time.Time{}, err
	}
	return response.(serverendpoint.HeartbeatResponse).Timestamp, nil
}

func withBearer(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, jwt.JWTContextKey, token)
}

// retry balances over the single control plane instance and retries
// network failures up to cfg.MaxRetries times.
func retry(e endpoint.Endpoint, cfg Config) endpoint.Endpoint {
	balancer := lb.NewRoundRobin(sd.FixedEndpointer{e})
	budget := cfg.Timeout * time.Duration(cfg.MaxRetries+1)
	for n := 1; n <= cfg.MaxRetries; n++ {
		budget += cfg.Backoff * time.Duration(n)
	}
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		retrying := lb.RetryWithCallback(budget, balancer, func(n int, err error) (bool, error) {
			if n > cfg.MaxRetries || !IsNetwork(err) {
				return false, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(cfg.Backoff * time.Duration(n)):
				return true, nil
			}
		})
		response, err := retrying(ctx, request)
		if err == nil {
			return response, nil
		}
		var retryErr lb.RetryError
		if errors.As(err, &retryErr) && retryErr.Final != nil {
			return nil, retryErr.Final
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &NetworkError{Err: err}
		}
		return nil, err
	}
}

// classifyTransport wraps errors coming from the HTTP round trip itself.
func classifyTransport(next endpoint.Endpoint) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		response, err := next(ctx, request)
		if err == nil {
			return response, nil
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && ctx.Err() == nil {
			return nil, &NetworkError{Err: err}
		}
		return nil, err
	}
}

func encodeEmptyRequest(_ context.Context, _ *http.Request, _ interface{}) error {
	return nil
}

// responseError turns a failed response into the typed error the control
// plane encoded. 5xx answers count as unavailability.
func responseError(r *http.Response) error {
	if r.StatusCode < 400 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return &NetworkError{Err: err}
	}
	var resp rfiderrors.Response
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == "" {
		resp.Error = strings.TrimSpace(string(bytes.ToValidUTF8(body, nil)))
		if resp.Error == "" {
			resp.Error = http.StatusText(r.StatusCode)
		}
	}
	typed := rfiderrors.FromResponse(r.StatusCode, resp)
	if r.StatusCode >= 500 {
		return &NetworkError{Err: typed}
	}
	return typed
}

func decodeJSON(r *http.Response, into interface{}) error {
	if err := responseError(r); err != nil {
		return err
	}
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return &NetworkError{Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func decodeCredential(_ context.Context, r *http.Response) (interface{}, error) {
	var cred device.Credential
	if err := decodeJSON(r, &cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func decodeDocument(_ context.Context, r *http.Response) (interface{}, error) {
	var doc configuration.Document
	if err := decodeJSON(r, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeBatchResult(_ context.Context, r *http.Response) (interface{}, error) {
	var result reading.BatchResult
	if err := decodeJSON(r, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeHeartbeatResponse(_ context.Context, r *http.Response) (interface{}, error) {
	var resp serverendpoint.HeartbeatResponse
	if err := decodeJSON(r, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
