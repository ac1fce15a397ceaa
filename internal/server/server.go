// Package server exposes the controller's HTTP API, the provisioning
// websocket and a gRPC health service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tOgg1/scanfleet/internal/config"
	"github.com/tOgg1/scanfleet/internal/dispatch"
	"github.com/tOgg1/scanfleet/internal/logging"
	"github.com/tOgg1/scanfleet/internal/models"
	"github.com/tOgg1/scanfleet/internal/provision"
	"github.com/tOgg1/scanfleet/internal/registry"
)

// HealthService is the gRPC health service name reported by the controller.
const HealthService = "scanfleet.Controller"

// Registry is the node state the API reads and writes.
type Registry interface {
	Register(ctx context.Context, name string, isLocal bool, ipAddress string) (*models.Node, bool, error)
	Add(ctx context.Context, node *models.Node) error
	Get(ctx context.Context, id int64) (*models.Node, error)
	List(ctx context.Context) ([]*models.Node, error)
	Remove(ctx context.Context, id int64) (*models.Node, error)
	RecordHeartbeat(ctx context.Context, id int64, hb registry.Heartbeat) (*registry.HeartbeatResult, error)
}

// Dispatcher launches jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *models.Job) (*dispatch.Result, error)
	DispatchAll(ctx context.Context, job *models.Job) ([]dispatch.Result, error)
}

// Provisioner serves terminal channels and headless uninstalls.
type Provisioner interface {
	Serve(ctx context.Context, channel provision.Channel, nodeID int64, rows, cols int) error
	Uninstall(ctx context.Context, node *models.Node) error
}

// EventLog lists persisted events for a node.
type EventLog interface {
	ListByNode(ctx context.Context, nodeID int64, limit int) ([]*models.Event, error)
}

// Deps are the services behind the API. Provisioner and Events may be nil.
type Deps struct {
	Registry    Registry
	Dispatcher  Dispatcher
	Provisioner Provisioner
	Events      EventLog
}

// Options configure listeners and middleware.
type Options struct {
	ListenAddr     string
	GRPCAddr       string
	JWTSecret      string
	TokenTTL       time.Duration
	AgentRateLimit float64
	AgentRateBurst int

	// UninstallTimeout bounds background uninstalls after DELETE.
	UninstallTimeout time.Duration
}

// OptionsFrom builds Options from the controller configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		ListenAddr:     cfg.Server.ListenAddr,
		GRPCAddr:       cfg.Server.GRPCAddr,
		JWTSecret:      cfg.Server.JWTSecret,
		TokenTTL:       cfg.Server.TokenTTL,
		AgentRateLimit: cfg.Server.AgentRateLimit,
		AgentRateBurst: cfg.Server.AgentRateBurst,
	}
}

// Server is the controller API.
type Server struct {
	deps     Deps
	opts     Options
	auth     *Authenticator
	limiter  *RateLimiter
	validate *validator.Validate
	upgrader websocket.Upgrader
	engine   *gin.Engine
	health   *health.Server
	logger   zerolog.Logger

	// base outlives requests; background dispatch and uninstall use it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the server and its routes.
func New(deps Deps, opts Options) *Server {
	if opts.UninstallTimeout <= 0 {
		opts.UninstallTimeout = 5 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())

	s := &Server{
		deps:     deps,
		opts:     opts,
		auth:     NewAuthenticator(opts.JWTSecret, opts.TokenTTL),
		limiter:  NewRateLimiter(opts.AgentRateLimit, opts.AgentRateBurst),
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		health: health.NewServer(),
		logger: logging.Component("server"),
		base:   base,
		cancel: cancel,
	}
	s.engine = s.routes()
	return s
}

// Authenticator returns the token issuer, or nil when auth is disabled.
func (s *Server) Authenticator() *Authenticator {
	return s.auth
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealth)

	agents := r.Group("/api/workers", s.limiter.Middleware())
	agents.POST("/register", s.handleRegister)
	agents.POST("/:id/heartbeat", s.handleHeartbeat)

	api := r.Group("/api", s.auth.Middleware())
	api.GET("/workers", s.handleListNodes)
	api.POST("/workers", s.handleAddNode)
	api.GET("/workers/:id", s.handleGetNode)
	api.DELETE("/workers/:id", s.handleRemoveNode)
	api.GET("/workers/:id/events", s.handleNodeEvents)
	api.POST("/jobs", s.handleSubmitJob)
	api.POST("/jobs/broadcast", s.handleBroadcastJob)

	r.GET("/ws/workers/:id/terminal", s.auth.Middleware(), s.handleTerminal)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		event := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("request")
	}
}

// Run serves HTTP, and gRPC health when configured, until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpListener, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.ListenAddr, err)
	}
	return s.Serve(ctx, httpListener)
}

// Serve is Run with a caller-provided HTTP listener.
func (s *Server) Serve(ctx context.Context, httpListener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info().Str("addr", httpListener.Addr().String()).Msg("http api listening")
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if s.opts.GRPCAddr != "" {
		grpcListener, err := net.Listen("tcp", s.opts.GRPCAddr)
		if err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("listen %s: %w", s.opts.GRPCAddr, err)
		}
		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)
		s.health.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			s.logger.Info().Str("addr", grpcListener.Addr().String()).Msg("grpc health listening")
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	if s.limiter != nil {
		s.background("limiter-prune", func(ctx context.Context) {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.limiter.Prune()
				}
			}
		})
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	s.health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("http shutdown")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	s.Close()
	return runErr
}

// Close cancels background work started by requests and waits for it.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) background(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("task", name).Msg("background task panicked")
			}
		}()
		fn(s.base)
	}()
}
