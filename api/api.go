// Package api serves the task board over HTTP. It exposes the task CRUD
// surface, the board view with its change stream, the hub endpoint and the
// rendered README.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"taskboard/storage"
)

// Deps are the collaborators the routes are served from.
type Deps struct {
	Sessions *Sessions
	Hub      echo.HandlerFunc
	Health   storage.Pinger
	Readme   *Readme
	Logger   *log.Logger
}

// ServerOptions toggles the operational endpoints.
type ServerOptions struct {
	// Metrics enables request metrics on /metrics when set.
	Metrics *prometheus.Registry
	Pprof   bool
}

// NewServer builds the echo instance with the shared middleware stack.
func NewServer(logger *log.Logger, opts ServerOptions) *echo.Echo {
	if logger == nil {
		logger = log.StandardLogger()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = sonicSerializer{}
	e.Validator = NewValidator()
	e.HTTPErrorHandler = ErrorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, SessionHeader},
	}))
	e.Use(GzipRequestMiddleware())
	e.Use(RequestMetrics(logger))

	if opts.Metrics != nil {
		e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
			Subsystem:  "taskboard",
			Registerer: opts.Metrics,
		}))
		e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: opts.Metrics}))
	}
	if opts.Pprof {
		pprof.Register(e)
	}
	return e
}

// Register mounts the board routes on e.
func Register(e *echo.Echo, d Deps) {
	logger := d.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	g := e.Group("/api")
	g.GET("/tasks", listTasks(d.Sessions))
	g.POST("/tasks", createTask(d.Sessions))
	g.GET("/tasks/:id", getTask(d.Sessions))
	g.PUT("/tasks/:id", updateTask(d.Sessions))
	g.DELETE("/tasks/:id", deleteTask(d.Sessions))
	g.GET("/board", getBoard(d.Sessions))
	g.GET("/board/stream", streamBoard(d.Sessions, logger))

	if d.Hub != nil {
		e.GET("/taskhub", d.Hub)
	}
	if d.Readme != nil {
		e.GET("/readme", d.Readme.handle)
	}
	e.GET("/healthz", health(d.Health))
}

func health(p storage.Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if p != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ErrorHandler renders client errors with their message and every other
// failure as a generic 500, logging the detail.
func ErrorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code < http.StatusInternalServerError {
			if c.Request().Method == http.MethodHead {
				_ = c.NoContent(he.Code)
				return
			}
			_ = c.JSON(he.Code, map[string]any{"message": he.Message})
			return
		}
		status := http.StatusInternalServerError
		if he != nil {
			status = he.Code
		}
		logger.WithError(err).WithFields(log.Fields{
			"method": c.Request().Method,
			"path":   c.Request().URL.Path,
		}).Error("request failed")
		_ = c.String(status, "an error occurred")
	}
}
