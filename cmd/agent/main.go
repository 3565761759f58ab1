package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	jaegercfg "github.com/uber/jaeger-client-go/config"

	"github.com/lamassuiot/rfid-sync/pkg/agent"
	"github.com/lamassuiot/rfid-sync/pkg/agent/buffer"
	"github.com/lamassuiot/rfid-sync/pkg/agent/cache"
	"github.com/lamassuiot/rfid-sync/pkg/agent/client"
	"github.com/lamassuiot/rfid-sync/pkg/agent/configs"
	"github.com/lamassuiot/rfid-sync/pkg/agent/edge"
	"github.com/lamassuiot/rfid-sync/pkg/agent/source"
	"github.com/lamassuiot/rfid-sync/pkg/models/device"
	"github.com/lamassuiot/rfid-sync/pkg/server/utils"
)

const tailPoll = 250 * time.Millisecond

func main() {
	var base log.Logger
	{
		base = log.NewJSONLogger(os.Stdout)
		base = log.With(base, "ts", log.DefaultTimestampUTC)
		base = log.With(base, "caller", log.DefaultCaller)
	}
	bootLogger := level.NewFilter(base, level.AllowInfo())

	err, cfg := configs.NewConfig("rfidagent")
	if err != nil {
		level.Error(bootLogger).Log("err", err, "msg", "Could not read environment configuration values")
		os.Exit(1)
	}
	fs := pflag.NewFlagSet("rfid-agent", pflag.ExitOnError)
	configs.BindFlags(fs, &cfg)
	fs.Parse(os.Args[1:])
	if err := cfg.Validate(); err != nil {
		level.Error(bootLogger).Log("err", err, "msg", "Invalid configuration")
		os.Exit(1)
	}
	level.Info(bootLogger).Log("msg", "Configuration values loaded")

	state, err := edge.LoadState(cfg.StateFile)
	if err != nil && !errors.Is(err, edge.ErrNotProvisioned) {
		level.Error(bootLogger).Log("err", err, "msg", "Could not read provisioning state")
		os.Exit(1)
	}
	if cfg.ControlPlaneURL == "" {
		cfg.ControlPlaneURL = state.ControlPlaneURL
	}
	if cfg.ControlPlaneURL == "" {
		level.Error(bootLogger).Log("msg", "No control plane URL configured")
		os.Exit(1)
	}

	fingerprint := cfg.Fingerprint
	if fingerprint == "" {
		fingerprint = state.Fingerprint
	}
	if fingerprint == "" {
		fingerprint, err = edge.Fingerprint(cfg.Interface)
		if err != nil {
			level.Error(bootLogger).Log("err", err, "msg", "Could not determine device fingerprint")
			os.Exit(1)
		}
	}
	fingerprint = device.NormalizeFingerprint(fingerprint)

	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = state.DeviceID
	}
	if deviceID == "" {
		deviceID = device.DeriveID(fingerprint)
		level.Warn(bootLogger).Log("msg", "Device not provisioned, using identity derived from fingerprint", "state_file", cfg.StateFile)
	}
	logger := agent.NewLogger(log.With(base, "device_id", deviceID), cfg.LogLevel)
	level.Info(logger).Log("msg", "Device identity loaded", "fingerprint", fingerprint)

	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not load Jaeger configuration values fron environment")
		os.Exit(1)
	}
	if jcfg.ServiceName == "" {
		jcfg.ServiceName = "rfid-agent"
	}
	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not start Jaeger tracer")
		os.Exit(1)
	}
	defer closer.Close()

	httpClient := &http.Client{}
	if cfg.CAFile != "" {
		caPool, err := utils.CreateCAPool(cfg.CAFile)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not create CA pool")
			os.Exit(1)
		}
		httpClient.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{RootCAs: caPool},
		}
	}

	cp, err := client.New(client.Config{
		URL:        cfg.ControlPlaneURL,
		Timeout:    cfg.RequestTimeout,
		MaxRetries: cfg.MaxRetries,
		Backoff:    cfg.RetryBackoff,
		HTTPClient: httpClient,
	}, log.With(logger, "component", "client"), tracer)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create control plane client")
		os.Exit(1)
	}

	buf, err := buffer.Open(filepath.Join(cfg.DataDir, "buffer"), cfg.BufferCapacity, log.With(logger, "component", "buffer"))
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not open offline buffer")
		os.Exit(1)
	}
	configCache := cache.New(filepath.Join(cfg.DataDir, "config.age"), deviceID, fingerprint, cfg.CacheSecret, cfg.CacheWorkFactor)

	metrics := agent.NopMetrics()
	if cfg.MetricsAddr != "" {
		metrics = agent.NewMetrics()
	}

	a := agent.New(agent.Config{
		DeviceID:          deviceID,
		Fingerprint:       fingerprint,
		ReconnectInterval: cfg.ReconnectInterval,
		RefreshMargin:     cfg.RefreshMargin,
		BatchSize:         cfg.BatchSize,
	}, cp, buf, configCache, edge.NewHost(), logger, metrics)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			st := a.Status()
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"state":          st.State.String(),
				"buffered":       st.Buffered,
				"evicted":        st.Evicted,
				"dropped":        st.Dropped,
				"config_version": st.ConfigVersion,
				"config_age":     st.ConfigAge.Seconds(),
			})
		})
		go func() {
			level.Info(logger).Log("transport", "HTTP", "address", cfg.MetricsAddr, "msg", "listening")
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				level.Error(logger).Log("err", err, "msg", "Metrics listener stopped")
			}
		}()
	}

	var src source.Source
	if cfg.ReaderLog == "-" {
		src = source.NewLines(os.Stdin, time.Local, log.With(logger, "component", "source"))
	} else {
		src = source.NewTail(cfg.ReaderLog, tailPoll, time.Local, log.With(logger, "component", "source"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		level.Info(logger).Log("exit", fmt.Sprintf("%s", <-c))
		cancel()
	}()

	err = a.Run(ctx, src)
	cancel()
	switch {
	case errors.Is(err, agent.ErrRevoked):
		level.Error(logger).Log("err", err, "msg", "Device revoked, stopping")
		closer.Close()
		os.Exit(2)
	case err != nil:
		level.Error(logger).Log("err", err, "msg", "Agent stopped")
		closer.Close()
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Agent stopped", "buffered", a.Status().Buffered)
}
