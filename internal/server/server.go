// Package server exposes a read-only HTTP API over stored sessions, nodes
// and emitted documents, plus health and metrics endpoints.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atomize-dev/atomize/config"
	"github.com/atomize-dev/atomize/internal/prd"
	"github.com/atomize-dev/atomize/internal/store"
)

// Server wires the store and the document index behind the HTTP API.
type Server struct {
	cfg    config.ServerConfig
	store  *store.Store
	index  *prd.Index
	logger *log.Logger
}

// New builds a server. index may be nil when search is not configured.
func New(cfg config.ServerConfig, st *store.Store, index *prd.Index, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	}
	return &Server{cfg: cfg, store: st, index: index, logger: logger}
}

// Run blocks serving the API on the configured address.
func (s *Server) Run() error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	auth, err := newAuth(s.cfg)
	if err != nil {
		return err
	}

	api := e.Group("/api")
	api.POST("/auth/token", auth.issueToken)

	protected := api.Group("", authMiddleware(auth.secret))
	protected.GET("/sessions", s.listSessions)
	protected.GET("/sessions/:name", s.getSession)
	protected.GET("/sessions/:name/nodes", s.listNodes)
	protected.GET("/sessions/:name/prds", s.listPRDs)
	protected.GET("/sessions/:name/report", s.sessionReport)
	protected.GET("/search", s.search)

	s.logger.Printf("listening on %s", s.cfg.Address)
	return e.Start(s.cfg.Address)
}
