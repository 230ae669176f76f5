// Package admin serves the node's HTTP status and metrics endpoints.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"alnp/internal/metrics"
	"alnp/internal/node"
	"alnp/internal/store"
)

const DefaultMetricsPath = "/metrics"

// SessionLister reports live sessions.
type SessionLister interface {
	SessionInfos() []node.SessionInfo
}

type Options struct {
	Addr        string
	MetricsPath string
	Metrics     *metrics.Metrics
	Sessions    SessionLister
	// Store, when set, backs /sessions/history.
	Store   *store.Store
	Logger  zerolog.Logger
	Version string
}

type Server struct {
	opts     Options
	router   *gin.Engine
	log      zerolog.Logger
	appeared time.Time
}

func New(opts Options) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = DefaultMetricsPath
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		opts:     opts,
		router:   gin.New(),
		log:      opts.Logger.With().Str("component", "admin").Logger(),
		appeared: time.Now(),
	}
	s.router.Use(gin.Recovery(), requestLogger(s.log))
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		event := logger.Debug()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http_request")
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"version": s.opts.Version,
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.opts.Metrics.Snapshot())
	})

	s.router.GET("/sessions", func(c *gin.Context) {
		infos := []node.SessionInfo{}
		if s.opts.Sessions != nil {
			infos = s.opts.Sessions.SessionInfos()
		}
		c.JSON(http.StatusOK, gin.H{"sessions": infos})
	})

	s.router.GET("/sessions/history", func(c *gin.Context) {
		if s.opts.Store == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no session store configured"})
			return
		}
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		recs, err := s.opts.Store.RecentSessions(limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": recs})
	})

	reg := s.opts.Metrics.Registry()
	s.router.GET(s.opts.MetricsPath, gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin listening")
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
