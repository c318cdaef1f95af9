package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tts-gateway/internal/app/services"
	"tts-gateway/internal/core/ratelimit"
	"tts-gateway/internal/platform/logging"
	"tts-gateway/internal/platform/observability"
)

const defaultCloseTimeout = 5 * time.Second

// ServerConfig stores the settings required to expose the HTTP transport.
type ServerConfig struct {
	IP   string
	Port int

	// FileEndpointEnabled gates the completed-session WAV route.
	FileEndpointEnabled bool
}

// Server exposes the REST admission API and the websocket streaming
// endpoint.
type Server struct {
	cfg      ServerConfig
	logger   *logging.Logger
	service  *services.TTSService
	limiter  *ratelimit.Limiter
	queue    *services.StreamQueue
	metrics  *observability.Metrics
	upgrader *websocket.Upgrader
	httpSrv  *http.Server
}

func NewServer(
	cfg ServerConfig,
	service *services.TTSService,
	limiter *ratelimit.Limiter,
	queue *services.StreamQueue,
	metrics *observability.Metrics,
	logger *logging.Logger,
) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		service: service,
		limiter: limiter,
		queue:   queue,
		metrics: metrics,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Engine assembles the gin router with middleware and routes.
func (s *Server) Engine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())
	engine.Use(s.requestLogger())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", s.metricsHandler())

	v1 := engine.Group("/v1")
	{
		v1.GET("/voices", s.handleListVoices)
		v1.POST("/tts/sessions", s.handleCreateSession)
		v1.GET("/tts/stream/:session_id", s.handleStream)
		if s.cfg.FileEndpointEnabled {
			v1.GET("/tts/sessions/:session_id/file", s.handleSessionFile)
		}
	}
	return engine
}

// requestLogger logs every HTTP request with its latency once its handler
// returns. Websocket upgrades are logged once, after the job is handed to the
// queue.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.logger != nil {
			s.logger.InfoTag("HTTP", "%s %s from %s -> %d in %v",
				c.Request.Method, c.Request.URL.Path, c.ClientIP(),
				c.Writer.Status(), time.Since(start))
		}
	}
}

// Start boots the HTTP server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	if s.httpSrv != nil {
		return nil
	}

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.IP, s.cfg.Port),
		Handler: s.Engine(),
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
			defer cancel()
			_ = s.httpSrv.Shutdown(shutdownCtx)
		}()
	}

	if s.logger != nil {
		s.logger.InfoTag("HTTP", "listening on %s", s.httpSrv.Addr)
	}

	err := s.httpSrv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		return err
	}
	s.httpSrv = nil
	return nil
}
