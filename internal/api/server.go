package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"gaswatch/internal/alert"
	"gaswatch/internal/dispatch"
	"gaswatch/internal/eventbus"
	"gaswatch/internal/recipient"
	"gaswatch/internal/storage"
	"gaswatch/internal/token"
	logx "gaswatch/pkg/logx"
)

// Dispatcher is the outbound side consumed by the API handlers. Satisfied by
// the dispatch gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result
}

// Config configures the HTTP API server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Secret returns the current channel secret for webhook signature
	// verification. A func so config reloads take effect without restart.
	Secret func() string

	// AutoReply returns whether inbound text messages get an automatic
	// reply, and the reply prefix.
	AutoReply func() (enabled bool, prefix string)

	// Checks supplies per-component health booleans for /healthz. Optional.
	Checks func() map[string]bool
}

// Server is the HTTP surface of the gateway: the four outbound messaging
// endpoints, the inbound webhook, and read-only state/history endpoints.
type Server struct {
	cfg        Config
	dispatcher Dispatcher
	tokens     *token.Store
	states     *alert.Store
	store      *storage.Store
	recipients recipient.Registry
	bus        eventbus.Bus
	log        logx.Logger

	engine *gin.Engine
	srv    *http.Server
}

func New(cfg Config, d Dispatcher, tokens *token.Store, states *alert.Store, store *storage.Store, recipients recipient.Registry, bus eventbus.Bus, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if cfg.Secret == nil {
		cfg.Secret = func() string { return "" }
	}
	if cfg.AutoReply == nil {
		cfg.AutoReply = func() (bool, string) { return false, "" }
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		tokens:     tokens,
		states:     states,
		store:      store,
		recipients: recipients,
		bus:        bus,
		log:        log,
	}
	s.engine = s.buildEngine()
	return s
}

func (s *Server) buildEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery())
	e.Use(s.requestLog())

	e.POST("/send", s.handleSend)
	e.POST("/broadcast", s.handleBroadcast)
	e.POST("/multicast", s.handleMulticast)
	e.POST("/reply", s.handleReply)
	e.POST("/webhook", s.handleWebhook)

	e.GET("/healthz", s.handleHealthz)
	e.GET("/status", s.handleStatus)
	e.GET("/history/gas", s.handleHistoryReadings)
	e.GET("/history/temp", s.handleHistoryReadings)
	e.GET("/history/alarms", s.handleHistoryAlarms)
	e.GET("/stats", s.handleStats)
	return e
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	// give the listener a moment to fail fast on bad addrs
	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	s.log.Info("http api started", logx.String("addr", s.cfg.Addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }
