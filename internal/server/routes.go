package server

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/chatsync/internal/handlers"
	"github.com/nfrund/chatsync/internal/middleware"
)

// RegisterRoutes sets up all the application routes.
func (s *Server) RegisterRoutes() {
	sessionHandler := handlers.NewSessionHandler()
	roomHandler := handlers.NewRoomHandler()
	messageHandler := handlers.NewMessageHandler()
	presenceHandler := handlers.NewPresenceHandler(nil)
	rateLimiter := middleware.RateLimiter()

	s.E.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	if s.bridge != nil {
		s.E.GET("/ws", echo.WrapHandler(s.bridge))
	}

	api := s.E.Group("/api", middleware.RequireSession(s.sessions))
	api.GET("/session", sessionHandler.Get)
	api.GET("/users", sessionHandler.Users)

	api.GET("/rooms", roomHandler.List)
	api.POST("/rooms", roomHandler.Create, rateLimiter)
	api.POST("/rooms/:id/join", roomHandler.Join)
	api.GET("/rooms/:id/presence", presenceHandler.RoomPresence)

	api.GET("/messages", messageHandler.List)
	api.POST("/messages", messageHandler.Send, rateLimiter)

	api.GET("/presence", presenceHandler.List)
	api.POST("/presence", presenceHandler.Update)
	api.GET("/presence/:userID", presenceHandler.GetUserPresence)
	api.POST("/typing", presenceHandler.Typing)
	api.POST("/visibility", presenceHandler.Visibility)
}
