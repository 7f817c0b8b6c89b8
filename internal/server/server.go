// Package server exposes the logged-in user's session over HTTP and a
// WebSocket notification stream.
package server

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nfrund/chatsync/internal/handlers"
	appmw "github.com/nfrund/chatsync/internal/middleware"
	"github.com/nfrund/chatsync/internal/websocket"
)

// Server holds the dependencies for the HTTP server.
type Server struct {
	E        *echo.Echo
	sessions appmw.SessionSource
	bridge   *websocket.Bridge
	logger   *slog.Logger
}

// New creates the server and registers its routes. The bridge must be
// started by the caller.
func New(sessions appmw.SessionSource, bridge *websocket.Bridge) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = handlers.NewValidator()
	setupErrorHandling(e)

	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(appmw.Logger)

	s := &Server{
		E:        e,
		sessions: sessions,
		bridge:   bridge,
		logger:   slog.Default().With("component", "server"),
	}
	s.RegisterRoutes()
	return s
}
