// Package ops serves the operator HTTP API: health, trade inspection,
// audit events, recent logs, Prometheus metrics and manual open and close.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"fundarb/config"
	"fundarb/internal/apperr"
	"fundarb/internal/audit"
	"fundarb/internal/execution"
	"fundarb/internal/exit"
	"fundarb/internal/metrics"
	"fundarb/internal/model"
	"fundarb/logger"
)

// Executor is the part of the coordinator the API drives.
type Executor interface {
	Open(ctx context.Context, req execution.OpenRequest) (model.TradeState, error)
	Close(ctx context.Context, id, reason string, shutdown bool) (model.TradeState, error)
	Registry() *execution.Registry
	ShuttingDown() bool
}

type Server struct {
	cfg           config.OpsConfig
	app           config.AppConfig
	exec          Executor
	recorder      *audit.Recorder
	log           *logger.Log
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	sampler       *resourceSampler
	httpServer    *http.Server
	started       time.Time
}

// NewServer returns nil when the ops API is disabled.
func NewServer(cfg config.OpsConfig, app config.AppConfig, exec Executor, recorder *audit.Recorder, log *logger.Log) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if exec == nil {
		return nil, errors.New("ops: executor is required")
	}
	cfg.ListenAddr = normalizeAddress(cfg.ListenAddr)
	if cfg.LogBuffer <= 0 {
		cfg.LogBuffer = 200
	}

	ms := newMetricStore(cfg.LogBuffer)
	ls := newLogStore(cfg.LogBuffer)
	log.AddHook(ls)

	return &Server{
		cfg:           cfg,
		app:           app,
		exec:          exec,
		recorder:      recorder,
		log:           log,
		metricStore:   ms,
		logStore:      ls,
		metricHandler: metrics.RegisterMetricHandler(ms.handle),
		sampler:       newResourceSampler(cfg.LogBuffer, cfg.SampleInterval, log),
		started:       time.Now(),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}
	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithComponent("ops").WithFields(logger.Fields{"addr": s.cfg.ListenAddr}).Info("ops server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
	s.sampler.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.ListenAddr
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}
	if len(s.cfg.AllowOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.AllowOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/metrics/recent", s.recentMetrics)
	router.GET("/logs", s.logs)
	router.GET("/events", s.events)
	router.GET("/resources", s.resources)
	router.GET("/trades", s.listTrades)
	router.GET("/trades/:id", s.getTrade)
	router.POST("/trades", s.openTrade)
	router.POST("/trades/:id/close", s.closeTrade)
	return router, nil
}

func (s *Server) health(c *gin.Context) {
	reg := s.exec.Registry()
	status, code := "ok", http.StatusOK
	if s.exec.ShuttingDown() {
		status, code = "shutting_down", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":        status,
		"app":           s.app.Name,
		"version":       s.app.Version,
		"dry_run":       s.app.DryRun,
		"uptime":        time.Since(s.started).Round(time.Second).String(),
		"open_trades":   reg.Len(),
		"failed_trades": len(reg.InStatus(model.StateFailed)),
	})
}

func (s *Server) recentMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"metrics": s.metricStore.snapshot(queryLimit(c))})
}

func (s *Server) logs(c *gin.Context) {
	records := s.logStore.snapshot(0)
	component := c.Query("component")
	tradeID := c.Query("trade_id")
	out := make([]logRecord, 0, len(records))
	for _, r := range records {
		if component != "" && r.Component != component {
			continue
		}
		if tradeID != "" && r.TradeID != tradeID {
			continue
		}
		out = append(out, r)
	}
	if n := queryLimit(c); n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	c.JSON(http.StatusOK, gin.H{"logs": out})
}

func (s *Server) events(c *gin.Context) {
	var evs []audit.Event
	switch {
	case c.Query("trade_id") != "":
		evs = s.recorder.ForTrade(c.Query("trade_id"))
	case c.Query("type") != "":
		evs = s.recorder.OfType(audit.Type(c.Query("type")))
	default:
		evs = s.recorder.Recent(queryLimit(c))
	}
	if evs == nil {
		evs = []audit.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) resources(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"resources": s.sampler.samples.snapshot(queryLimit(c))})
}

func (s *Server) listTrades(c *gin.Context) {
	reg := s.exec.Registry()
	trades := reg.List()
	if st := c.Query("status"); st != "" {
		trades = reg.InStatus(model.ExecState(strings.ToUpper(st)))
	}
	out := make([]model.TradeState, 0, len(trades))
	for _, t := range trades {
		out = append(out, t.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"trades": out})
}

func (s *Server) getTrade(c *gin.Context) {
	t, ok := s.exec.Registry().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t.Snapshot()})
}

func (s *Server) openTrade(c *gin.Context) {
	var req execution.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := s.exec.Open(c.Request.Context(), req)
	if err != nil {
		s.log.WithComponent("ops").WithFields(logger.Fields{"symbol": req.Symbol}).WithError(err).Warn("manual open failed")
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "trade": tradeOrNil(state)})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": state})
}

type closeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) closeTrade(c *gin.Context) {
	var req closeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = string(exit.ReasonManual)
	}
	state, err := s.exec.Close(c.Request.Context(), c.Param("id"), req.Reason, false)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "trade": tradeOrNil(state)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": state})
}

// statusFor maps coordinator errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, execution.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrSymbolBusy), errors.Is(err, execution.ErrTradeTerminal):
		return http.StatusConflict
	case errors.Is(err, execution.ErrMakerNotFilled), errors.Is(err, execution.ErrSpreadTooWide):
		return http.StatusUnprocessableEntity
	case errors.Is(err, execution.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch apperr.KindOf(err) {
	case apperr.OrderRejected:
		return http.StatusBadRequest
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}

func tradeOrNil(s model.TradeState) any {
	if s.ID == "" {
		return nil
	}
	return s
}

func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || n < 0 {
		return 100
	}
	return n
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "127.0.0.1:8089"
	}
	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil && parsed.Host != "" {
			addr = parsed.Host
		}
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8089"
		}
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(addr, "8089")
}
