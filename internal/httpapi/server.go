// Package httpapi is the HTTP surface of a wolfpack backend: mutations,
// collection reads, device registration, the change log and a websocket
// change feed.
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
	"github.com/roach88/wolfpack/internal/push"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Server serves the persistence API over HTTP.
type Server struct {
	api     persist.API
	source  push.Source
	devices persist.DeviceRegistry
	changes persist.ChangeLog
	logger  *slog.Logger
	origins []string

	writeTimeout time.Duration
	router       *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithDevices enables the device registration routes.
func WithDevices(r persist.DeviceRegistry) Option {
	return func(s *Server) {
		s.devices = r
	}
}

// WithChangeLog enables the change log route.
func WithChangeLog(l persist.ChangeLog) Option {
	return func(s *Server) {
		s.changes = l
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithOriginPatterns allows cross-origin websocket clients from hosts
// matching the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.origins = append(s.origins, patterns...)
	}
}

// WithWriteTimeout bounds each websocket frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// New builds the server. source feeds the websocket endpoint; when nil
// the endpoint is not mounted.
func New(api persist.API, source push.Source, opts ...Option) *Server {
	s := &Server{
		api:          api,
		source:       source,
		logger:       slog.Default(),
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())

	r.GET("/healthz", s.Health)
	v1 := r.Group("/v1")
	v1.POST("/mutations", s.CreateMutation)
	v1.GET("/collections/:kind", s.FetchCollection)
	if s.devices != nil {
		v1.POST("/devices", s.RegisterDevice)
		v1.DELETE("/devices/:token", s.UnregisterDevice)
	}
	if s.changes != nil {
		v1.GET("/changes", s.Changes)
	}
	if s.source != nil {
		v1.GET("/feed", s.Feed)
	}
	return r
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Health reports liveness.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateMutation applies one mutation request.
func (s *Server) CreateMutation(c *gin.Context) {
	var req persist.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, persist.Wrap(persist.CodeValidation, "invalid request body", err))
		return
	}
	e, err := s.api.CreateMutation(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": e})
}

// FetchCollection returns one page of a collection.
func (s *Server) FetchCollection(c *gin.Context) {
	kind, err := entity.ParseKind(c.Param("kind"))
	if err != nil {
		abortWithError(c, persist.Wrap(persist.CodeValidation, "invalid kind", err))
		return
	}
	filter, err := entity.ParseFilter(c.Query("filter"))
	if err != nil {
		abortWithError(c, persist.Wrap(persist.CodeValidation, "invalid filter", err))
		return
	}
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	page, err := s.api.FetchCollection(c.Request.Context(), kind, filter, c.Query("cursor"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": page})
}

type registerDeviceRequest struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

// RegisterDevice stores a notification token.
func (s *Server) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, persist.Wrap(persist.CodeValidation, "invalid request body", err))
		return
	}
	d := persist.Device{
		UserID:   strings.TrimSpace(req.UserID),
		Token:    strings.TrimSpace(req.Token),
		Platform: strings.TrimSpace(req.Platform),
	}
	if err := s.devices.RegisterDevice(c.Request.Context(), d); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UnregisterDevice removes a notification token.
func (s *Server) UnregisterDevice(c *gin.Context) {
	if err := s.devices.UnregisterDevice(c.Request.Context(), c.Param("token")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Changes returns change-log entries after a sequence number.
func (s *Server) Changes(c *gin.Context) {
	after, err := queryInt(c, "after", 0)
	if err != nil {
		abortWithError(c, err)
		return
	}
	limit, err := queryInt(c, "limit", defaultPageSize)
	if err != nil {
		abortWithError(c, err)
		return
	}
	changes, err := s.changes.Changes(c.Request.Context(), int64(after), min(limit, maxPageSize))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if changes == nil {
		changes = []persist.Change{}
	}
	c.JSON(http.StatusOK, gin.H{"data": changes})
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, persist.Errorf(persist.CodeValidation, "invalid %s %q", name, raw)
	}
	return n, nil
}

type errorBody struct {
	Code    persist.ErrorCode `json:"code"`
	Message string            `json:"message"`
}

// abortWithError writes err as {"error": {...}} with the status of its
// persistence code. Unclassified errors are internal.
func abortWithError(c *gin.Context, err error) {
	var pe *persist.Error
	if !errors.As(err, &pe) {
		pe = persist.Wrap(persist.CodeInternal, "internal error", err)
	}
	if pe.Code == persist.CodeRateLimited && pe.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int((pe.RetryAfter+time.Second-1)/time.Second)))
	}
	msg := pe.Message
	if pe.Err != nil {
		msg = fmt.Sprintf("%s: %v", pe.Message, pe.Err)
	}
	c.AbortWithStatusJSON(pe.StatusCode(), gin.H{"error": errorBody{Code: pe.Code, Message: msg}})
}
