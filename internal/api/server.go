package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetwarden/internal/alert"
	"github.com/fleetwarden/internal/auth"
	"github.com/fleetwarden/internal/clock"
	"github.com/fleetwarden/internal/cooldown"
	"github.com/fleetwarden/internal/database"
	"github.com/fleetwarden/internal/logging"
	"github.com/fleetwarden/internal/models"
	"github.com/fleetwarden/internal/monitor"
	"github.com/fleetwarden/internal/registry"
	"github.com/fleetwarden/internal/remediation"
	"github.com/fleetwarden/internal/report"
)

const shutdownTimeout = 10 * time.Second

// Monitor exposes the reconciliation loop's state.
type Monitor interface {
	State() monitor.State
	Stats() monitor.Stats
	LastReport() (monitor.CycleReport, bool)
}

// Cooldowns lists and clears alert cooldowns.
type Cooldowns interface {
	Cooldowns(ctx context.Context) ([]alert.Cooldown, error)
	Reset(ctx context.Context, key string) error
}

type Remediator interface {
	Execute(ctx context.Context, req remediation.Request) (remediation.Action, error)
}

// History serves persisted samples, alerts and remediations.
type History interface {
	Samples(ctx context.Context, targetID string, limit int) ([]models.SampleRecord, error)
	Alerts(ctx context.Context, q database.AlertQuery) ([]models.Alert, error)
	Remediations(ctx context.Context, targetID string, limit int) ([]models.RemediationRecord, error)
	Trend(ctx context.Context, targetID string, since time.Time) (database.Trend, error)
}

type Server struct {
	registry   *registry.Registry
	monitor    Monitor
	cooldowns  Cooldowns
	remediator Remediator
	history    History
	secret     []byte
	clock      clock.Clock
	logger     *slog.Logger
	router     *gin.Engine
}

type Option func(*Server)

func WithMonitor(m Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

func WithCooldowns(c Cooldowns) Option {
	return func(s *Server) { s.cooldowns = c }
}

func WithRemediator(r Remediator) Option {
	return func(s *Server) { s.remediator = r }
}

func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// WithSecret sets the HS256 key used to verify bearer tokens on mutating
// routes. Without it those routes always answer 401.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = []byte(secret) }
}

func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(reg *registry.Registry, opts ...Option) (*Server, error) {
	if reg == nil {
		return nil, errors.New("api: nil registry")
	}
	s := &Server{
		registry: reg,
		clock:    clock.System{},
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.UseRawPath = true
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.healthz)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	api.GET("/status", s.status)
	api.GET("/targets", s.listTargets)
	api.GET("/targets/:id/samples", s.targetSamples)
	api.GET("/targets/:id/trend", s.targetTrend)
	api.GET("/alerts", s.listAlerts)
	api.GET("/remediations", s.listRemediations)
	api.GET("/cooldowns", s.listCooldowns)

	admin := api.Group("")
	admin.Use(auth.Middleware(s.secret), auth.RequireRole(auth.RoleAdmin))
	admin.DELETE("/cooldowns/:key", s.resetCooldown)
	admin.POST("/remediations", s.createRemediation)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("api request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.monitor != nil {
		body["state"] = s.monitor.State()
	}
	c.JSON(http.StatusOK, body)
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Report    report.Report        `json:"report"`
	Stats     *monitor.Stats       `json:"stats,omitempty"`
	LastCycle *monitor.CycleReport `json:"last_cycle,omitempty"`
}

func (s *Server) status(c *gin.Context) {
	body := StatusResponse{Report: report.Build(s.registry, s.clock.Now())}
	if s.monitor != nil {
		stats := s.monitor.Stats()
		body.Stats = &stats
		if last, ok := s.monitor.LastReport(); ok {
			body.LastCycle = &last
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listTargets(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) targetSamples(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.registry.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	// Without a database the in-memory ring is the only history.
	if s.history == nil {
		c.JSON(http.StatusOK, s.registry.History(id))
		return
	}

	samples, err := s.history.Samples(c.Request.Context(), id, queryInt(c, "limit"))
	if err != nil {
		s.internalError(c, "fetch samples", err)
		return
	}
	c.JSON(http.StatusOK, samples)
}

func (s *Server) targetTrend(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.registry.Get(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if !s.requireHistory(c) {
		return
	}

	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window"})
			return
		}
		window = d
	}

	trend, err := s.history.Trend(c.Request.Context(), id, s.clock.Now().Add(-window))
	if err != nil {
		s.internalError(c, "fetch trend", err)
		return
	}
	c.JSON(http.StatusOK, trend)
}

func (s *Server) listAlerts(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}

	q := database.AlertQuery{
		TargetID: c.Query("target"),
		Key:      c.Query("key"),
		Result:   models.DispatchResult(c.Query("result")),
		Limit:    queryInt(c, "limit"),
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		q.Since = t
	}

	alerts, err := s.history.Alerts(c.Request.Context(), q)
	if err != nil {
		s.internalError(c, "fetch alerts", err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) listRemediations(c *gin.Context) {
	if !s.requireHistory(c) {
		return
	}
	records, err := s.history.Remediations(c.Request.Context(), c.Query("target"), queryInt(c, "limit"))
	if err != nil {
		s.internalError(c, "fetch remediations", err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) listCooldowns(c *gin.Context) {
	if s.cooldowns == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alerting is not configured"})
		return
	}
	list, err := s.cooldowns.Cooldowns(c.Request.Context())
	if err != nil {
		s.internalError(c, "list cooldowns", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) resetCooldown(c *gin.Context) {
	if s.cooldowns == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "alerting is not configured"})
		return
	}
	key := c.Param("key")
	err := s.cooldowns.Reset(c.Request.Context(), key)
	switch {
	case errors.Is(err, cooldown.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		s.internalError(c, "reset cooldown", err)
		return
	}
	s.logger.Info("cooldown reset", "key", key, "by", auth.Subject(c))
	c.Status(http.StatusNoContent)
}

// RemediationRequest is the body of POST /api/v1/remediations. An empty
// strategy is a restart, see remediation.RestartStrategy.
type RemediationRequest struct {
	Strategy models.Strategy `json:"strategy,omitempty"`
	Targets  []string        `json:"targets,omitempty"`
	Service  string          `json:"service,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

func (s *Server) createRemediation(c *gin.Context) {
	if s.remediator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "remediation is not configured"})
		return
	}

	var body RemediationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	targets, err := s.registry.Resolve(body.Targets)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	req := remediation.Request{
		Strategy: body.Strategy,
		Targets:  targets,
		Reason:   body.Reason,
	}
	if req.Strategy == "" {
		req.Strategy = remediation.RestartStrategy(targets)
	}
	if req.Reason == "" {
		req.Reason = "requested by " + auth.Subject(c)
	}
	if body.Service != "" {
		spec := models.RemediationSpec{Service: body.Service}
		if len(targets) > 0 && targets[0].Remediation != nil {
			spec = *targets[0].Remediation
			spec.Service = body.Service
		}
		req.Spec = &spec
	}

	action, err := s.remediator.Execute(c.Request.Context(), req)
	switch {
	case errors.Is(err, remediation.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, remediation.ErrNoTargets):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, action)
}

func (s *Server) requireHistory(c *gin.Context) bool {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history database is not configured"})
		return false
	}
	return true
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.logger.Error("api "+op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to " + op})
}

func queryInt(c *gin.Context, name string) int {
	n, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return n
}
