package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"tts-gateway/internal/app/services"
	"tts-gateway/internal/core/audio"
	"tts-gateway/internal/core/breaker"
	"tts-gateway/internal/core/providers/tts"
	_ "tts-gateway/internal/core/providers/tts/edge" // register edge factory
	"tts-gateway/internal/core/ratelimit"
	"tts-gateway/internal/core/session"
	"tts-gateway/internal/domain/eventbus"
	"tts-gateway/internal/platform/config"
	platformerrors "tts-gateway/internal/platform/errors"
	"tts-gateway/internal/platform/logging"
	"tts-gateway/internal/platform/observability"
	transporthttp "tts-gateway/internal/transport/http"
)

// App owns every long-lived component and their start/stop ordering.
type App struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *observability.Metrics

	store    *session.Store
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	registry *tts.Registry
	service  *services.TTSService
	queue    *services.StreamQueue
	pool     *services.WorkerPool
	server   *transporthttp.Server
}

// New wires the dependency graph. Components receive their collaborators
// explicitly; nothing here is package-level state.
func New() (*App, error) {
	cfg, err := config.NewLoader().Load()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(logging.Config{
		Level:    cfg.Log.Level,
		Dir:      cfg.Log.Dir,
		Filename: cfg.Log.File,
	})
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindConfig, "bootstrap",
			"initialize logging", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	metrics := observability.New(promRegistry)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		MaxRequestsPerWindow: cfg.RateLimit.MaxRequestsPerWindow,
		Window:               cfg.RateLimit.Window(),
	})
	metrics.RegisterRateLimitObservables(limiter.MaxBucketUsage, limiter.MinWindowRemaining)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		ResetTimeout:      cfg.Breaker.ResetTimeout(),
		HalfOpenMaxTrials: cfg.Breaker.HalfOpenMaxTrials,
		OnStateChange: func(providerID string, from, to breaker.State) {
			logger.WarnTag("Breaker", "provider %s: %s -> %s", providerID, from, to)
			eventbus.Publish(eventbus.EventBreakerState, eventbus.BreakerEventData{
				ProviderID: providerID,
				From:       from.String(),
				To:         to.String(),
			})
		},
	})

	registry, err := buildProviderRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	store := session.NewStore(cfg.Session.RetentionMax)
	transcoder := audio.NewTranscoder(cfg.Audio.FfmpegPath, logger)

	service := services.NewTTSService(registry, store, breakers, transcoder, metrics, logger,
		services.PipelineConfig{
			ChunkPullTimeout: cfg.Pipeline.ChunkPullTimeout(),
			MaxAttempts:      cfg.Pipeline.MaxAttempts,
			RetryBackoffBase: cfg.Pipeline.RetryBackoffBase(),
		}, cfg.Providers.StrictVoiceOwnership)

	queue := services.NewStreamQueue(cfg.Queue.MaxSize, metrics)
	pool := services.NewWorkerPool(cfg.Queue.WorkerCount, queue, service, store, metrics, logger)

	server := transporthttp.NewServer(transporthttp.ServerConfig{
		IP:                  cfg.Server.IP,
		Port:                cfg.Server.Port,
		FileEndpointEnabled: cfg.Session.FileEndpointEnabled,
	}, service, limiter, queue, metrics, logger)

	app := &App{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		store:    store,
		limiter:  limiter,
		breakers: breakers,
		registry: registry,
		service:  service,
		queue:    queue,
		pool:     pool,
		server:   server,
	}
	app.subscribeEvents()
	return app, nil
}

// buildProviderRegistry instantiates every enabled provider through the
// factory registry.
func buildProviderRegistry(cfg *config.Config, logger *logging.Logger) (*tts.Registry, error) {
	registry := tts.NewRegistry()

	if cfg.Providers.MockTone.Enabled {
		p, err := tts.Create("mock_tone", map[string]interface{}{
			"sample_rate": cfg.Providers.MockTone.SampleRate,
		})
		if err != nil {
			return nil, err
		}
		registry.Add(p)
		logger.InfoTag("BOOT", "provider mock_tone enabled")
	}

	if cfg.Providers.Edge.Enabled {
		p, err := tts.Create("edge", map[string]interface{}{
			"voice":       cfg.Providers.Edge.Voice,
			"language":    cfg.Providers.Edge.Language,
			"sample_rate": cfg.Providers.Edge.SampleRate,
			"logger":      logger,
		})
		if err != nil {
			return nil, err
		}
		registry.Add(p)
		logger.InfoTag("BOOT", "provider edge enabled (voice=%s)", cfg.Providers.Edge.Voice)
	}

	if len(registry.List()) == 0 {
		return nil, platformerrors.New(platformerrors.KindConfig, "bootstrap",
			"no TTS provider enabled")
	}
	return registry, nil
}

// subscribeEvents attaches the logging subscribers.
func (a *App) subscribeEvents() {
	_ = eventbus.SubscribeAsync(eventbus.EventSessionCompleted, func(data eventbus.SessionEventData) {
		a.logger.DebugTag("TTS", "event: session %s completed", data.SessionID)
	})
	_ = eventbus.SubscribeAsync(eventbus.EventSessionFailed, func(data eventbus.SessionEventData) {
		a.logger.DebugTag("TTS", "event: session %s failed (%s)", data.SessionID, data.Reason)
	})
	_ = eventbus.SubscribeAsync(eventbus.EventTTSError, func(data eventbus.TTSErrorEventData) {
		a.logger.DebugTag("TTS", "event: provider %s error at %s: %s",
			data.ProviderID, data.Stage, data.Error)
	})
}

// Run starts every component and blocks until a shutdown signal arrives or a
// component fails.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.logger.InfoTag("BOOT", "starting tts-gateway on %s:%d (workers=%d, queue=%d)",
		a.cfg.Server.IP, a.cfg.Server.Port, a.cfg.Queue.WorkerCount, a.cfg.Queue.MaxSize)

	a.pool.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.server.Start(groupCtx)
	})

	<-groupCtx.Done()
	a.logger.InfoTag("BOOT", "shutdown signal received")

	a.shutdown()
	return group.Wait()
}

// shutdown stops components in reverse dependency order.
func (a *App) shutdown() {
	shutdownStart := time.Now()

	_ = a.server.Stop()
	a.pool.Stop()
	eventbus.Shutdown()

	a.logger.InfoTag("BOOT", "shutdown complete in %v", time.Since(shutdownStart))
	_ = a.logger.Close()
}
