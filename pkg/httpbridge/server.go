// Package httpbridge exposes the location log and upload queue to the host
// application over HTTP, with websocket and SSE event streams.
package httpbridge

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/soypete/locationcapture/pkg/config"
	"github.com/soypete/locationcapture/pkg/database"
	"github.com/soypete/locationcapture/pkg/locationlog"
	"github.com/soypete/locationcapture/pkg/syncer"
	"github.com/soypete/locationcapture/pkg/uploadqueue"
)

// AppContext holds the shared dependencies for the HTTP server.
type AppContext struct {
	DB    *database.DB
	Log   *locationlog.Log
	Queue *uploadqueue.Queue

	// Syncer is nil when uploading is disabled.
	Syncer *syncer.Syncer
}

// Server is the host bridge HTTP server.
type Server struct {
	app      *AppContext
	cfg      config.BridgeConfig
	events   *Broadcaster
	upgrader websocket.Upgrader
	engine   *gin.Engine
	logger   *log.Entry
}

// NewServer creates the bridge server and its routes.
func NewServer(cfg config.BridgeConfig, app *AppContext) *Server {
	s := &Server{
		app:    app,
		cfg:    cfg,
		events: NewBroadcaster(),
		logger: log.WithField("component", "httpbridge"),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsMiddleware())

	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	v1.POST("/locations", s.handleAddLocations)
	v1.GET("/locations", s.handleRetrieve)
	v1.GET("/anchor/latest", s.handleLatestAnchor)
	v1.GET("/retention", s.handleGetRetention)
	v1.PUT("/retention", s.handleSetRetention)
	v1.POST("/prune", s.handlePrune)
	v1.GET("/status", s.handleStatus)
	v1.POST("/sync", s.handleSync)
	v1.GET("/events", s.handleEvents)
	v1.GET("/stream", s.handleStream)

	s.engine = engine
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Events returns the server's event broadcaster.
func (s *Server) Events() *Broadcaster {
	return s.events
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", srv.Addr).Info("starting HTTP bridge")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, "*") || slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("request")
	}
}
