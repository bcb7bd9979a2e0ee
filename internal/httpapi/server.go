// Package httpapi provides the REST admin surface: health checking,
// online-session inspection, user lookup, and traffic metrics. It runs
// on a separate TCP port from the chat listeners.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/johnwfy/flamingo/internal/chat"
	"github.com/johnwfy/flamingo/internal/store"
)

// Server wires the echo router over the chat core and the user store.
type Server struct {
	core  *chat.Server
	store *store.Store
	echo  *echo.Echo
}

// New constructs the admin API server and registers all routes.
func New(core *chat.Server, st *store.Store) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			// Flag slow admin calls; they usually mean the store is
			// contended with the chat path.
			if v.Latency > slowRequestThreshold {
				log.Printf("[api] slow %s %s -> %d (%s)", v.Method, v.URI, v.Status, v.Latency)
				return nil
			}
			log.Printf("[api] %s %s -> %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = protocolErrorHandler

	s := &Server{core: core, store: st, echo: e}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/online", s.handleOnline)
	s.echo.GET("/api/users/:id", s.handleGetUser)
	s.echo.GET("/api/metrics", s.handleMetrics)
}

// Run starts the HTTP server on addr and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) {
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
	Users    int    `json:"users"`
}

func (s *Server) handleHealth(c echo.Context) error {
	users, err := s.store.UserCount()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Sessions: s.core.Registry().Count(),
		Users:    users,
	})
}

// OnlineResponse is the payload for GET /api/online.
type OnlineResponse struct {
	Count int               `json:"count"`
	Users []chat.OnlineUser `json:"users"`
}

func (s *Server) handleOnline(c echo.Context) error {
	users := s.core.Registry().OnlineUsers()
	sort.Slice(users, func(i, j int) bool {
		if users[i].UserID != users[j].UserID {
			return users[i].UserID < users[j].UserID
		}
		return users[i].ClientType < users[j].ClientType
	})
	return c.JSON(http.StatusOK, OnlineResponse{Count: len(users), Users: users})
}

// UserResponse is the payload for GET /api/users/:id. Password and
// team layout stay server-side.
type UserResponse struct {
	UserID   int32  `json:"userid"`
	Username string `json:"username"`
	Nickname string `json:"nickname"`
	Gender   int32  `json:"gender"`
	Mail     string `json:"mail"`
	Online   bool   `json:"online"`
	Status   int32  `json:"status"`
}

func (s *Server) handleGetUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	u, ok, err := s.store.GetUserByID(int32(id))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no such user")
	}

	online := len(s.core.Registry().SessionsByUser(u.UserID)) > 0
	return c.JSON(http.StatusOK, UserResponse{
		UserID:   u.UserID,
		Username: u.Username,
		Nickname: u.Nickname,
		Gender:   u.Gender,
		Mail:     u.Mail,
		Online:   online,
		Status:   s.core.Registry().StatusOf(u.UserID),
	})
}

func (s *Server) handleMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.core.Metrics().Snapshot())
}

// slowRequestThreshold is the latency above which an admin request is
// logged as slow.
const slowRequestThreshold = 500 * time.Millisecond

// ErrorBody is the JSON error payload of the admin API. It mirrors the
// {code, msg} convention of the chat wire protocol so operators read
// one error shape everywhere; code carries the HTTP status here.
type ErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// protocolErrorHandler replaces Echo's default error handler, which
// mixes text and JSON bodies depending on the error type.
func protocolErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	body := ErrorBody{Code: http.StatusInternalServerError, Msg: err.Error()}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		body.Code = he.Code
		if m, ok := he.Message.(string); ok {
			body.Msg = m
		}
	}

	if c.Request().Method == http.MethodHead {
		c.NoContent(body.Code) //nolint:errcheck
		return
	}
	c.JSON(body.Code, body) //nolint:errcheck
}
