// Package admin serves the bridge's HTTP surface: health, Prometheus
// metrics, port counters, the last decoded values and command submission.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/embarktrucks/applanix-driver/internal/bridge"
	"github.com/embarktrucks/applanix-driver/internal/observability"
	"github.com/embarktrucks/applanix-driver/internal/protocol/catalog"
	"github.com/embarktrucks/applanix-driver/internal/protocol/field"
	"github.com/embarktrucks/applanix-driver/internal/protocol/message"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	Version         = "0.1.0"
	shutdownTimeout = 5 * time.Second
)

// Backend is the bridge as seen by the HTTP handlers.
type Backend interface {
	Health() bridge.Health
	Stats() []bridge.PortStats
	Messages() map[string]bridge.LatestValue
	Catalog() *catalog.Catalog
	Command(ctx context.Context, id uint16, values message.Record) (bridge.Ack, error)
}

var _ Backend = (*bridge.Bridge)(nil)

type Server struct {
	Addr    string
	app     string
	backend Backend
	router  *gin.Engine
}

// New builds the router; routes are registered immediately.
func New(app, addr string, backend Backend, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(app))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{Addr: addr, app: app, backend: backend, router: r}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		h := s.backend.Health()
		status, code := "ok", http.StatusOK
		if !h.Running {
			status, code = "stopped", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":  status,
			"app":     s.app,
			"uptime":  h.Uptime.String(),
			"streams": h.Streams,
			"control": h.Control,
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ports": s.backend.Stats()})
	})

	s.router.GET("/messages", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"messages": s.backend.Messages()})
	})

	s.router.GET("/catalog", func(c *gin.Context) {
		type entry struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Width int    `json:"width"`
		}
		entries := s.backend.Catalog().Entries()
		out := make([]entry, 0, len(entries))
		for _, e := range entries {
			out = append(out, entry{ID: e.ID.String(), Name: e.Schema.Name, Width: e.Schema.Width()})
		}
		c.JSON(http.StatusOK, gin.H{"entries": out})
	})

	s.router.POST("/commands/:id", s.postCommand)
}

func (s *Server) postCommand(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 16)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message id must be a 16-bit unsigned integer"})
		return
	}
	values := message.Record{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&values); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ack, err := s.backend.Command(c.Request.Context(), uint16(id), values)
	if err != nil {
		code := commandStatus(err)
		body := gin.H{"error": err.Error()}
		if errors.Is(err, bridge.ErrRejected) {
			body["ack"] = ack
		}
		c.JSON(code, body)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ack": ack})
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, bridge.ErrControlDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, message.ErrUnknownSchema):
		return http.StatusNotFound
	case errors.Is(err, bridge.ErrNotCommand),
		errors.Is(err, bridge.ErrBadValue),
		errors.Is(err, field.ErrTypeMismatch),
		errors.Is(err, field.ErrCountMismatch):
		return http.StatusBadRequest
	case errors.Is(err, bridge.ErrRejected):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrAckTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.Addr).Msg("admin listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		log.Info().Str("addr", s.Addr).Msg("admin stopped")
		return nil
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
