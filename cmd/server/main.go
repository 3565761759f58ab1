package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-openapi/runtime/middleware"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"gopkg.in/yaml.v2"

	"github.com/lamassuiot/rfid-sync/pkg/docs"
	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	configstore "github.com/lamassuiot/rfid-sync/pkg/models/configuration/store"
	configdb "github.com/lamassuiot/rfid-sync/pkg/models/configuration/store/db"
	configmemory "github.com/lamassuiot/rfid-sync/pkg/models/configuration/store/memory"
	devicestore "github.com/lamassuiot/rfid-sync/pkg/models/device/store"
	devicedb "github.com/lamassuiot/rfid-sync/pkg/models/device/store/db"
	devicememory "github.com/lamassuiot/rfid-sync/pkg/models/device/store/memory"
	readingstore "github.com/lamassuiot/rfid-sync/pkg/models/reading/store"
	readingdb "github.com/lamassuiot/rfid-sync/pkg/models/reading/store/db"
	readingmemory "github.com/lamassuiot/rfid-sync/pkg/models/reading/store/memory"
	"github.com/lamassuiot/rfid-sync/pkg/server/api/service"
	"github.com/lamassuiot/rfid-sync/pkg/server/api/transport"
	"github.com/lamassuiot/rfid-sync/pkg/server/auth"
	"github.com/lamassuiot/rfid-sync/pkg/server/configs"
	"github.com/lamassuiot/rfid-sync/pkg/server/discovery/consul"
	"github.com/lamassuiot/rfid-sync/pkg/server/events"
	"github.com/lamassuiot/rfid-sync/pkg/server/events/amqp"
	"github.com/lamassuiot/rfid-sync/pkg/server/utils"
)

func main() {
	var logger log.Logger
	{
		logger = log.NewJSONLogger(os.Stdout)
		logger = log.With(logger, "ts", log.DefaultTimestampUTC)
		logger = level.NewFilter(logger, level.AllowInfo())
		logger = log.With(logger, "caller", log.DefaultCaller)
	}

	err, cfg := configs.NewConfig("rfidsync")
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not read environment configuration values")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Environment configuration values loaded")

	var (
		deviceDB  devicestore.DB
		configDB  configstore.DB
		readingDB readingstore.DB
	)
	switch strings.ToLower(cfg.Storage) {
	case "postgres":
		connStr := "dbname=" + cfg.PostgresDB + " user=" + cfg.PostgresUser + " password=" + cfg.PostgresPassword + " host=" + cfg.PostgresHostname + " port=" + cfg.PostgresPort + " sslmode=disable"
		deviceDB, err = devicedb.NewDB("postgres", connStr, logger)
		if err == nil {
			configDB, err = configdb.NewDB("postgres", connStr, logger)
		}
		if err == nil {
			readingDB, err = readingdb.NewDB("postgres", connStr, logger)
		}
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not start connection with RFID Sync database. Will sleep for 5 seconds and exit the program")
			time.Sleep(5 * time.Second)
			os.Exit(1)
		}
		level.Info(logger).Log("msg", "Connection established with RFID Sync database")
	case "memory":
		deviceDB = devicememory.NewDB()
		configDB = configmemory.NewDB()
		readingDB = readingmemory.NewDB()
		level.Warn(logger).Log("msg", "Using in-memory storage, state is lost on restart")
	default:
		level.Error(logger).Log("err", cfg.Storage, "msg", "Unknown storage backend")
		os.Exit(1)
	}

	var publisher events.Publisher
	if cfg.AMQPURL != "" {
		publisher, err = amqp.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.QueuePrefix, log.With(logger, "component", "AMQP"))
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not connect to event broker")
			os.Exit(1)
		}
		level.Info(logger).Log("msg", "Connection established with event broker", "exchange", cfg.AMQPExchange)
	} else {
		publisher = events.NewNopPublisher()
	}
	defer publisher.Close()

	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not load Jaeger configuration values fron environment")
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "Jaeger configuration values loaded")
	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not start Jaeger tracer")
		os.Exit(1)
	}
	defer closer.Close()
	level.Info(logger).Log("msg", "Jaeger tracer started")

	fieldKeys := []string{"method", "error"}
	counter := func(subsystem string) *kitprometheus.Counter {
		return kitprometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: "rfid_sync",
			Subsystem: subsystem,
			Name:      "request_count",
			Help:      "Number of requests received.",
		}, fieldKeys)
	}
	latency := func(subsystem string) *kitprometheus.Summary {
		return kitprometheus.NewSummaryFrom(stdprometheus.SummaryOpts{
			Namespace: "rfid_sync",
			Subsystem: subsystem,
			Name:      "request_latency_microseconds",
			Help:      "Total duration of requests in microseconds.",
		}, fieldKeys)
	}

	var identity service.IdentityService
	{
		identity = service.NewIdentityService(deviceDB, publisher, []byte(cfg.JWTSecret), cfg.TokenTTL, logger)
		identity = service.IdentityLoggingMiddleware(logger)(identity)
		identity = service.NewIdentityInstrumentingMiddleware(counter("identity_service"), latency("identity_service"))(identity)
	}
	var configurations service.ConfigurationService
	{
		configurations = service.NewConfigurationService(configDB, identity, publisher, logger)
		configurations = service.ConfigurationLoggingMiddleware(logger)(configurations)
		configurations = service.NewConfigurationInstrumentingMiddleware(counter("configuration_service"), latency("configuration_service"))(configurations)
	}
	var ingestion service.IngestionService
	{
		ingestion = service.NewIngestionService(readingDB, deviceDB, identity, publisher, logger)
		ingestion = service.IngestionLoggingMiddleware(logger)(ingestion)
		ingestion = service.NewIngestionInstrumentingMiddleware(counter("ingestion_service"), latency("ingestion_service"))(ingestion)
	}

	seeded, err := configurations.SeedDefault(context.Background(), configuration.Fields{
		RabbitMQHost:       configuration.String(cfg.RabbitMQHost),
		RabbitMQPort:       configuration.Int(cfg.RabbitMQPort),
		RabbitMQUser:       configuration.String(cfg.RabbitMQUser),
		RabbitMQPassword:   configuration.String(cfg.RabbitMQPassword),
		RabbitMQVHost:      configuration.String(cfg.RabbitMQVHost),
		QueuePrefix:        configuration.String(cfg.QueuePrefix),
		LogLevel:           configuration.String(strings.ToUpper(cfg.LogLevel)),
		HeartbeatInterval:  configuration.Int(cfg.HeartbeatInterval),
		CacheTTL:           configuration.Int(cfg.CacheTTL),
		OfflineModeEnabled: configuration.Bool(cfg.OfflineModeEnabled),
		MaxOfflineReadings: configuration.Int(cfg.MaxOfflineReadings),
	})
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not seed default configuration")
		os.Exit(1)
	}
	if seeded {
		level.Info(logger).Log("msg", "Default configuration seeded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go service.RunLivenessSweep(ctx, ingestion, cfg.LivenessWindow, cfg.SweepInterval, log.With(logger, "component", "sweeper"))

	openapiSpec := docs.NewOpenAPI3(cfg)

	openapiSpecJsonData, _ := json.Marshal(&openapiSpec)
	openapiSpecYamlData, _ := yaml.Marshal(&openapiSpec)

	err = os.MkdirAll("docs", 0744)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create openapiv3 docs dir")
		os.Exit(1)
	}

	err = os.WriteFile(path.Join("docs", "openapiv3.json"), openapiSpecJsonData, 0644)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create openapiv3 JSON spec file")
		os.Exit(1)
	}

	err = os.WriteFile(path.Join("docs", "openapiv3.yaml"), openapiSpecYamlData, 0644)
	if err != nil {
		level.Error(logger).Log("err", err, "msg", "Could not create openapiv3 YAML spec file")
		os.Exit(1)
	}

	mux := http.NewServeMux()

	http.Handle("/", accessControl(mux))
	mux.Handle("/", http.FileServer(http.Dir("./docs")))
	mux.Handle("/v1/", transport.MakeHTTPHandler(identity, configurations, ingestion, auth.NewAdmin(cfg.AdminAPIKey), log.With(logger, "component", "HTTPS"), tracer))
	mux.Handle("/v1/docs", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		BasePath: "/v1",
		SpecURL:  path.Join("/openapiv3.json"),
		Path:     "docs",
	}, mux))

	http.Handle("/metrics", promhttp.Handler())

	if cfg.ConsulEnabled {
		sd, err := consul.NewServiceDiscovery(cfg.ConsulProtocol, cfg.ConsulHost, cfg.ConsulPort, logger)
		if err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not start connection with Consul Service Discovery")
			os.Exit(1)
		}
		if err := sd.Register(strings.ToLower(cfg.Protocol), cfg.AdvertiseHost, cfg.Port); err != nil {
			level.Error(logger).Log("err", err, "msg", "Could not register service in Consul")
			os.Exit(1)
		}
		defer sd.Deregister()
		level.Info(logger).Log("msg", "Service registered in Consul")
	}

	errs := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errs <- fmt.Errorf("%s", <-c)
	}()

	go func() {
		if strings.ToLower(cfg.Protocol) == "https" {
			if cfg.MutualTLSEnabled {
				mTlsCertPool, err := utils.CreateCAPool(cfg.MutualTLSClientCA)
				if err != nil {
					level.Error(logger).Log("err", err, "msg", "Could not create mTls Cert Pool")
					os.Exit(1)
				}
				tlsConfig := &tls.Config{
					ClientCAs:  mTlsCertPool,
					ClientAuth: tls.RequireAndVerifyClientCert,
				}

				http := &http.Server{
					Addr:      ":" + cfg.Port,
					TLSConfig: tlsConfig,
				}

				level.Info(logger).Log("transport", "Mutual TLS", "address", ":"+cfg.Port, "msg", "listening")
				errs <- http.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)

			} else {
				level.Info(logger).Log("transport", "HTTPS", "address", ":"+cfg.Port, "msg", "listening")
				errs <- http.ListenAndServeTLS(":"+cfg.Port, cfg.CertFile, cfg.KeyFile, nil)

			}
		} else if strings.ToLower(cfg.Protocol) == "http" {
			level.Info(logger).Log("transport", "HTTP", "address", ":"+cfg.Port, "msg", "listening")
			errs <- http.ListenAndServe(":"+cfg.Port, nil)

		} else {
			level.Error(logger).Log("err", cfg.Protocol, "msg", "Unknown protocol")
			os.Exit(1)

		}
	}()
	level.Info(logger).Log("exit", <-errs)
}

func accessControl(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, "+auth.AdminKeyHeader)

		if r.Method == "OPTIONS" {
			return
		}

		h.ServeHTTP(w, r)
	})
}
