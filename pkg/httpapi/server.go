// Package httpapi binds the unit's addressed operations to HTTP.
//
// Mode routes forward to the bus addresses, so HTTP callers get the same
// ordering and normalisation as in-process callers.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/hyphae/apis-main/pkg/bus"
	"github.com/hyphae/apis-main/pkg/hwconfig"
	"github.com/hyphae/apis-main/pkg/opmode"
	"github.com/hyphae/apis-main/pkg/telemetry"
)

// ModeReader derives the effective mode.
type ModeReader interface {
	OperationModes(ctx context.Context) (opmode.Modes, error)
}

// HwConfigReader exposes the cached hardware document.
type HwConfigReader interface {
	Cached() *hwconfig.Document
	Refresh()
}

// Lifecycle reports whether the unit is in operation.
type Lifecycle interface {
	IsRunning() bool
}

// Options configures a Server.
type Options struct {
	ListenAddress string
	UnitID        string
	Bus           *bus.Bus
	Modes         ModeReader
	HwConfig      HwConfigReader
	Lifecycle     Lifecycle
	Telemetry     *telemetry.Telemetry
}

// Server is the HTTP binding.
type Server struct {
	opts    Options
	engine  *gin.Engine
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	done     chan struct{}
}

// ModeRequest is the body of a mode PUT. A missing or null mode clears it.
type ModeRequest struct {
	Mode *string `json:"mode"`
}

// ModeResponse answers a mode GET. Mode is null when unset.
type ModeResponse struct {
	Mode *string `json:"mode"`
}

// SetResponse answers a mode PUT with the handling unit's identity.
type SetResponse struct {
	UnitID string `json:"unitId"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(opts Options) *Server {
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewTestTelemetry()
	}
	s := &Server{
		opts:    opts,
		logger:  opts.Telemetry.Logger.NewComponentLogger("httpapi").WithUnitID(opts.UnitID),
		metrics: opts.Telemetry.Metrics,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware(opts.Telemetry.Config.ServiceName))
	engine.Use(s.requestLogger())
	s.engine = engine
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := s.engine.Group("/api/v1")
	{
		modes := v1.Group("/operation-mode")
		{
			modes.GET("/global", s.getMode(bus.GlobalOperationModeAddress))
			modes.PUT("/global", s.setMode(bus.GlobalOperationModeAddress))
			modes.GET("/local", s.getMode(bus.LocalOperationModeAddress(s.opts.UnitID)))
			modes.PUT("/local", s.setMode(bus.LocalOperationModeAddress(s.opts.UnitID)))
		}
		v1.GET("/operation-modes", s.operationModes)
		v1.GET("/hwconfig", s.hwConfig)
		v1.POST("/hwconfig/refresh", s.refreshHwConfig)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves in the background. A
// listen failure is returned so that startup fails.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.ListenAddress, err)
	}

	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.srv, s.listener, s.done = srv, ln, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("http server stopped")
		}
	}()

	s.logger.Event(zerolog.InfoLevel).Str("address", ln.Addr().String()).Msg("http api listening")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv, s.listener, s.done = nil, nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http api: %w", err)
	}
	<-done
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := telemetry.NewTimer()
		c.Next()
		s.logger.Event(zerolog.DebugLevel).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", timer.Duration()).
			Msg("http request")
	}
}
