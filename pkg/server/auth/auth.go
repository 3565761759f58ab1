package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-kit/kit/auth/jwt"
	"github.com/go-kit/kit/endpoint"
	httptransport "github.com/go-kit/kit/transport/http"

	rfiderrors "github.com/lamassuiot/rfid-sync/pkg/server/api/errors"
)

const AdminKeyHeader = "X-Admin-API-Key"

type contextKey string

const adminKeyContextKey contextKey = "AdminAPIKey"

// AdminKeyToContext moves the administrative key from the request header to
// the context.
func AdminKeyToContext() httptransport.RequestFunc {
	return func(ctx context.Context, r *http.Request) context.Context {
		key := r.Header.Get(AdminKeyHeader)
		if key == "" {
			return ctx
		}
		return context.WithValue(ctx, adminKeyContextKey, key)
	}
}

// AdminKeyToHTTP is the client side counterpart of AdminKeyToContext.
func AdminKeyToHTTP(key string) httptransport.RequestFunc {
	return func(ctx context.Context, r *http.Request) context.Context {
		r.Header.Set(AdminKeyHeader, key)
		return ctx
	}
}

type Admin struct {
	key []byte
}

func NewAdmin(key string) *Admin {
	return &Admin{key: []byte(key)}
}

func (a *Admin) IsAdmin(ctx context.Context) bool {
	presented, ok := ctx.Value(adminKeyContextKey).(string)
	if !ok || len(a.key) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), a.key) == 1
}

// Middleware rejects calls that do not carry the administrative key.
func (a *Admin) Middleware() endpoint.Middleware {
	return func(next endpoint.Endpoint) endpoint.Endpoint {
		return func(ctx context.Context, request interface{}) (interface{}, error) {
			if !a.IsAdmin(ctx) {
				return nil, &rfiderrors.AdminUnauthorizedError{}
			}
			return next(ctx, request)
		}
	}
}

// BearerFrom returns the bearer credential placed in ctx by jwt.HTTPToContext.
func BearerFrom(ctx context.Context) (string, error) {
	token, ok := ctx.Value(jwt.JWTContextKey).(string)
	if !ok || token == "" {
		return "", rfiderrors.NewAuthError(rfiderrors.ReasonMissing, "bearer credential required")
	}
	return token, nil
}
