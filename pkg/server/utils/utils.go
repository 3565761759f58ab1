package utils

import (
	"context"
	"crypto/x509"
	"os"

	"github.com/go-kit/log"
)

type contextKey string

const LoggerContextKey contextKey = "RFIDSyncLogger"

// LoggerFrom returns the request scoped logger placed in ctx by the HTTP
// transport, or fallback when the call did not come through it.
func LoggerFrom(ctx context.Context, fallback log.Logger) log.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(LoggerContextKey).(log.Logger); ok {
			return logger
		}
	}
	return fallback
}

func CreateCAPool(CAPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(CAPath)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	caCertPool.AppendCertsFromPEM(caCert)
	return caCertPool, nil
}
