package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rtcore/internal/core/domain"
	"rtcore/internal/core/services"
	httphandlers "rtcore/internal/handlers/http"
	"rtcore/internal/infrastructure/distributed"
	"rtcore/internal/infrastructure/middleware"
	"rtcore/internal/infrastructure/monitoring"
	signalinfra "rtcore/internal/infrastructure/signal"
	webrtcinfra "rtcore/internal/infrastructure/webrtc"
	"rtcore/pkg/config"
	"rtcore/pkg/logger"
	"rtcore/pkg/tracing"
	"rtcore/pkg/utils"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the yaml configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	if err != nil {
		log.Warnw("could not load config, using defaults", "path", *configPath, "error", err)
	}

	if err := run(cfg, log); err != nil {
		log.Fatalw("agent failed", "error", err)
	}
	log.Info("agent stopped")
}

func run(cfg *config.Config, log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	health := monitoring.NewHealthChecker()

	var taps []services.EventTap
	if cfg.Monitoring.PrometheusEnabled {
		taps = append(taps, monitoring.NewPrometheusCollector(registry).Observe)
	}

	if cfg.Redis.Enabled {
		client, err := distributed.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, log)
		if err != nil {
			return err
		}
		defer client.Close()

		mirrorCfg := distributed.DefaultMirrorConfig(utils.GenerateID("agent"))
		mirrorCfg.Channel = cfg.Redis.Channel
		mirror := distributed.NewEventMirror(client, mirrorCfg, clock.New(), log)
		defer mirror.Close()

		taps = append(taps, mirror.Tap())
		health.AddRedisCheck(client, 2*time.Second)
	}

	factory := signalinfra.NewFactory(signalConfig(cfg), clock.New(), log.With("component", "signal"))
	if cfg.Signal.NegotiateMedia {
		pcConfig := webrtcinfra.BuildConfiguration(iceServers(cfg))
		mediaLog := log.With("component", "media")
		factory.NewMedia = func() (signalinfra.MediaNegotiator, error) {
			return webrtcinfra.NewMediaSession(pcConfig, clock.New(), mediaLog)
		}
	}

	engine, err := services.NewEngine(services.NewEngineConfig(cfg), factory, factory.NewProbe(), log,
		services.WithEventTaps(taps...))
	if err != nil {
		return err
	}
	defer engine.Close()

	if cfg.Engine.ProbeBeforeJoin {
		probeBeforeJoin(ctx, engine, cfg, log)
	}
	go logEvents(engine.Events(), log.With("source", "engine"))

	session, err := engine.CreateSession()
	if err != nil {
		return err
	}
	go logEvents(session.Events(), log.With("session_id", session.ID()))

	health.AddCheck("session", time.Second, func(ctx context.Context) error {
		if session.State() == domain.ConnectionStateFailed {
			return errors.New("session failed")
		}
		return nil
	})

	if cfg.Engine.Channel != "" {
		opts := domain.DefaultJoinOptions()
		if err := session.Join(ctx, cfg.Engine.Channel, cfg.Engine.Token, domain.UID(cfg.Engine.UID), opts); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.Monitoring.Address,
		Handler:           newRouter(cfg, engine, health, registry, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infow("starting admin server", "address", cfg.Monitoring.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		leaveCtx, cancel := context.WithTimeout(context.Background(), cfg.Connection.LeaveTimeout)
		defer cancel()
		if err := session.Leave(leaveCtx); err != nil && !errors.Is(err, domain.ErrNotInChannel) {
			log.Warnw("leave failed", "error", err)
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(cfg *config.Config, engine *services.Engine, health *monitoring.HealthChecker, gatherer prometheus.Gatherer, log *zap.SugaredLogger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.NewHTTPRateLimitMiddleware(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.Monitoring.RequestsPerSecond,
		Burst:             cfg.Monitoring.Burst,
		MaxConcurrent:     cfg.Monitoring.MaxConcurrent,
	}))

	api := router.Group("/api/v1")
	api.Use(middleware.AdminAuthMiddleware(cfg.Monitoring.AdminToken))
	httphandlers.NewAdminHandler(engine, health, gatherer).SetupRoutes(router, api)
	return router
}

// probeBeforeJoin runs one lastmile probe and waits for its outcome so the
// join can use the measured uplink as its start bitrate.
func probeBeforeJoin(ctx context.Context, engine *services.Engine, cfg *config.Config, log *zap.SugaredLogger) {
	bps := cfg.Connection.MaxInitialBitrateKbps * 1000
	if bps < domain.MinProbeBitrateBps {
		bps = domain.MinProbeBitrateBps
	}
	if bps > domain.MaxProbeBitrateBps {
		bps = domain.MaxProbeBitrateBps
	}
	err := engine.StartLastmileProbeTest(domain.ProbeConfig{
		ProbeUplink:                true,
		ProbeDownlink:              true,
		ExpectedUplinkBitrateBps:   bps,
		ExpectedDownlinkBitrateBps: bps,
	})
	if err != nil {
		log.Warnw("lastmile probe not started", "error", err)
		return
	}

	timeout := time.NewTimer(cfg.Probe.Timeout + time.Second)
	defer timeout.Stop()
	for {
		select {
		case ev := <-engine.Events():
			switch e := ev.(type) {
			case domain.LastmileProbeResult:
				log.Infow("lastmile probe finished",
					"state", e.Result.State.String(),
					"rtt_ms", e.Result.RTTMs,
					"uplink_kbps", e.Result.Uplink.AvailableBandwidthKbps,
				)
				return
			case domain.LastmileProbeFailed:
				log.Warnw("lastmile probe failed", "error", e.Err)
				return
			}
		case <-timeout.C:
			engine.StopLastmileProbeTest()
			return
		case <-ctx.Done():
			engine.StopLastmileProbeTest()
			return
		}
	}
}

func logEvents(events <-chan domain.Event, log *zap.SugaredLogger) {
	for ev := range events {
		switch e := ev.(type) {
		case domain.ConnectionStateChanged:
			log.Infow("connection state changed", "state", e.State.String(), "reason", e.Reason.String())
		case domain.JoinChannelSuccess, domain.RejoinChannelSuccess:
			log.Infow("joined channel", "kind", ev.Kind(), "elapsed", utils.FormatDuration(joinElapsed(ev)))
		case domain.ChannelMediaRelayStateChanged:
			log.Infow("relay state changed", "state", e.State.String(), "error", e.Err.String())
		default:
			log.Debugw("event", "kind", ev.Kind())
		}
	}
}

func joinElapsed(ev domain.Event) time.Duration {
	switch e := ev.(type) {
	case domain.JoinChannelSuccess:
		return e.Elapsed
	case domain.RejoinChannelSuccess:
		return e.Elapsed
	}
	return 0
}

func signalConfig(cfg *config.Config) signalinfra.Config {
	out := signalinfra.DefaultConfig(cfg.Signal.URL)
	out.AppID = cfg.Engine.AppID
	out.DialTimeout = cfg.Signal.DialTimeout
	out.RequestTimeout = cfg.Signal.RequestTimeout
	out.PingInterval = cfg.Signal.PingInterval
	out.PongTimeout = cfg.Signal.PongTimeout
	out.WriteTimeout = cfg.Signal.WriteTimeout
	out.MessagesPerSecond = cfg.Signal.MessagesPerSecond
	out.Burst = cfg.Signal.Burst
	return out
}

func iceServers(cfg *config.Config) []webrtcinfra.ICEServer {
	servers := make([]webrtcinfra.ICEServer, 0, len(cfg.Signal.ICEServers))
	for _, s := range cfg.Signal.ICEServers {
		servers = append(servers, webrtcinfra.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}
