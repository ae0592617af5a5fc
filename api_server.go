package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const apiMaxBodyBytes = 1 << 20

// APIServer serves the node's JSON API. Reads are public; anything that
// changes node state needs the cookie token.
type APIServer struct {
	daemon  *Daemon
	dataDir string
	token   string

	router *gin.Engine
	srv    *http.Server
}

// NewAPIServer builds the router. Nothing listens until Start.
func NewAPIServer(daemon *Daemon, cfg APIConfig) (*APIServer, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(), maxBodySize(apiMaxBodyBytes))
	if len(cfg.CorsOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  cfg.CorsOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost},
			AllowHeaders:  []string{"Authorization", "Content-Type"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}

	s := &APIServer{
		daemon:  daemon,
		dataDir: daemon.DataDir(),
		token:   token,
		router:  router,
		srv: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
	s.registerRoutes()
	return s, nil
}

// Handler exposes the router for in-process use.
func (s *APIServer) Handler() http.Handler {
	return s.router
}

// Token is the bearer token mutating routes expect.
func (s *APIServer) Token() string {
	return s.token
}

// Start writes the cookie and serves in the background.
func (s *APIServer) Start() error {
	if err := writeCookie(s.dataDir, s.token); err != nil {
		deleteCookie(s.dataDir)
		return fmt.Errorf("failed to write cookie: %w", err)
	}

	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		deleteCookie(s.dataDir)
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	zap.S().Infof("[api] listening on %s", ln.Addr())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Errorf("[api] server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server and removes the cookie file.
func (s *APIServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		zap.S().Warnf("[api] shutdown: %v", err)
	}
	deleteCookie(s.dataDir)
}

// maxBodySize limits request body size to prevent OOM from large payloads.
func maxBodySize(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.S().Debugf("[api] %s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
