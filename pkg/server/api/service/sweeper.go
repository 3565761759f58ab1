package service

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// RunLivenessSweep marks devices offline when they stay silent for longer
// than window. It checks every interval until ctx is done.
func RunLivenessSweep(ctx context.Context, s IngestionService, window time.Duration, interval time.Duration, logger log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepOffline(ctx, window)
			if err != nil {
				level.Error(logger).Log("err", err, "msg", "Could not sweep stale devices")
				continue
			}
			if n > 0 {
				level.Info(logger).Log("msg", "Devices marked offline", "count", n)
			}
		}
	}
}
