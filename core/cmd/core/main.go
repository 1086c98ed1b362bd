package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"train-tracking-sim/core/internal/commandbus"
	"train-tracking-sim/core/internal/engine"
	"train-tracking-sim/core/internal/middleware"
	"train-tracking-sim/core/internal/roster"
	"train-tracking-sim/core/internal/sinks"
	"train-tracking-sim/core/internal/transport"
	"train-tracking-sim/shared/authx"
	"train-tracking-sim/shared/cachex"
	"train-tracking-sim/shared/config"
	"train-tracking-sim/shared/httpx"
	"train-tracking-sim/shared/influxx"
	"train-tracking-sim/shared/jobs"
	"train-tracking-sim/shared/logx"
	"train-tracking-sim/shared/metricsx"
	"train-tracking-sim/shared/mqx"
	"train-tracking-sim/shared/observability"
	"train-tracking-sim/shared/workflow"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("train-sim", 8081)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	shutdownTracer, err := observability.InitTracer(context.Background(), observability.FromConfig(cfg))
	if err != nil {
		logger.Warn(context.Background(), "otel_init_failed", "tracing disabled",
			slog.String("error", err.Error()),
		)
	} else {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}
	metricsx.Register()

	secret := cfg.SessionSecret
	if secret == "" {
		secret = randomSecret()
		logger.Warn(context.Background(), "session_secret_generated", "SESSION_SECRET not set, sessions will not survive a restart")
	}
	signer, err := authx.NewSessionSigner(secret, time.Duration(cfg.SessionTTLSeconds)*time.Second)
	if err != nil {
		fatal(logger, "session_init_failed", err)
	}
	users, err := roster.New(roster.DefaultUsers(), signer)
	if err != nil {
		fatal(logger, "roster_init_failed", err)
	}

	sim, err := engine.NewSimulation(engine.Options{
		FleetSize:           cfg.FleetSize,
		RouteDuration:       time.Duration(cfg.RouteDurationSec) * time.Second,
		DefaultDelayMinutes: cfg.DefaultDelayMinutes,
		Catalog:             engine.DefaultCatalog(),
	}, time.Now())
	if err != nil {
		fatal(logger, "simulation_init_failed", err)
	}
	sched, err := engine.NewScheduler(sim, engine.SchedulerOptions{
		Interval: cfg.TickInterval,
		Presence: users,
		Logger:   logger,
	})
	if err != nil {
		fatal(logger, "scheduler_init_failed", err)
	}

	cors := middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSOrigins,
		MaxAge:         10 * time.Minute,
	}
	hub := transport.NewHub(logger, cfg.BroadcastBuffer, cors.CheckOrigin)
	sched.Subscribe(hub)

	var (
		sinkList    []sinks.Sink
		cache       *cachex.Client
		influx      *influxx.Client
		producer    *mqx.Producer
		asynqClient *asynq.Client
	)
	if cfg.RedisAddr != "" {
		cache, err = cachex.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "failed to initialize redis client"})
		} else {
			sinkList = append(sinkList, sinks.RedisMirror{
				Store:   cache,
				Key:     cfg.RedisSnapshotKey,
				Channel: cfg.RedisSnapshotKey + ":updates",
				TTL:     time.Duration(cfg.RedisSnapshotTTLSec) * time.Second,
			})
		}
	}
	if cfg.InfluxURL != "" {
		influx, err = influxx.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "INFLUX_URL", Message: err.Error()})
		} else {
			sinkList = append(sinkList, sinks.Telemetry{Writer: influx, EveryTicks: uint64(cfg.TelemetryEveryTicks)})
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: "failed to initialize kafka producer"})
		} else {
			sinkList = append(sinkList, sinks.IncidentStream{Producer: producer, Topic: cfg.KafkaIncidentTopic})
		}
	}
	if cfg.AsynqEnabled {
		asynqClient = asynq.NewClient(jobs.RedisOpt(cfg))
		sinkList = append(sinkList, sinks.Archiver{Queue: asynqClient, QueueName: cfg.AsynqQueue, MaxRetry: cfg.ArchiveMaxRetry})
	}
	dispatcher := sinks.NewDispatcher(logger, cfg.BroadcastBuffer, time.Duration(cfg.SinkTimeoutMS)*time.Millisecond, sinkList...)
	if dispatcher.Len() > 0 {
		sched.Subscribe(dispatcher)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	if dispatcher.Len() > 0 {
		go dispatcher.Run(ctx)
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		if err := sched.Run(ctx); err != nil {
			logger.Error(ctx, "scheduler_failed", "scheduler failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
		}
	}()

	if cfg.CommandIntakeEnabled && len(cfg.KafkaBrokers) > 0 {
		group := cfg.KafkaGroupID
		if group == "" {
			group = cfg.ServiceName + "-commands"
		}
		reader, err := mqx.NewConsumer(cfg, cfg.KafkaCommandTopic, group)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "KAFKA_BROKERS", Message: "failed to initialize kafka consumer"})
		} else {
			defer reader.Close()
			consumer := commandbus.Consumer{Reader: reader, Sim: sched, Topic: cfg.KafkaCommandTopic, GroupID: group, Logger: logger}
			go func() {
				if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error(ctx, "consumer_failed", "command consumer failed",
						slog.String("error_code", "INTERNAL_ERROR"),
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		select {
		case <-schedDone:
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION", "service not ready: simulation stopped", nil)
			return
		default:
		}
		if cache != nil {
			if err := cache.Ping(r.Context()); err != nil {
				httpx.WriteError(
					w,
					r,
					http.StatusServiceUnavailable,
					"FAILED_PRECONDITION",
					"service not ready: redis unavailable",
					map[string]any{"problem": "redis_ping_failed"},
				)
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	transport.Handlers{Sim: sched, Roster: users, Hub: hub, Logger: logger}.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	isProbe := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.AuditMiddleware{
		Enabled:   cfg.AuditEnabled,
		Queue:     asynqQueue(asynqClient),
		QueueName: cfg.AsynqQueue,
		MaxRetry:  cfg.ArchiveMaxRetry,
		Logger:    logger,
		Skip:      isProbe,
	}.Wrap(handler)
	handler = middleware.AuthMiddleware{
		Verifier: users,
		Required: func(r *http.Request) bool { return r.URL.Path == "/api/session" },
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 5*time.Minute),
		Skip: func(r *http.Request) bool {
			return r.Method != http.MethodPost
		},
	}.Wrap(handler)
	handler = cors.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, func(r *http.Request) bool { return r.URL.Path == "/ws" }, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = metricsx.Instrument(handler)
	handler = otelhttp.NewHandler(handler, cfg.ServiceName)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Int("tick_interval_ms", cfg.TickIntervalMS),
			slog.Int("fleet_size", cfg.FleetSize),
			slog.Int("sinks", dispatcher.Len()),
			slog.Int("workflow_states", len(workflow.AllTrainStatuses())),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	cancel()
	<-schedDone

	if producer != nil {
		_ = producer.Close()
	}
	if asynqClient != nil {
		_ = asynqClient.Close()
	}
	if influx != nil {
		influx.Close()
	}
	if cache != nil {
		_ = cache.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}

// asynqQueue avoids handing the middleware a typed nil.
func asynqQueue(c *asynq.Client) jobs.Enqueuer {
	if c == nil {
		return nil
	}
	return c
}

func randomSecret() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10) + "-train-sim-session"
	}
	return hex.EncodeToString(b[:])
}

func fatal(logger logx.Logger, event string, err error) {
	logger.Error(context.Background(), event, "startup failed",
		slog.String("error_code", "FAILED_PRECONDITION"),
		slog.String("error", err.Error()),
	)
	os.Exit(1)
}
