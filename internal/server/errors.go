package server

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/handlers"
	"github.com/nfrund/chatsync/internal/middleware"
)

// setupErrorHandling maps domain errors onto HTTP statuses. Anything it does
// not recognize is a 500 and is logged with a stack trace.
func setupErrorHandling(e *echo.Echo) {
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		logger := middleware.FromContext(c.Request().Context())

		status, resp := classify(err)
		switch {
		case status == http.StatusInternalServerError:
			logger.Error("Internal Server Error (Unhandled)",
				"error", err,
				"path", c.Request().URL.Path,
				"stack_trace", string(debug.Stack()),
			)
		case status >= http.StatusInternalServerError:
			logger.Error("Request failed", "status", status, "error", err)
		default:
			logger.Debug("Request rejected", "status", status, "error", err)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, resp)
		}
		if err != nil {
			logger.Error("Failed to write error response", "error", err)
		}
	}
}

func classify(err error) (int, handlers.ErrorResponse) {
	var he *echo.HTTPError
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, handlers.ErrorResponse{Code: "validation", Message: err.Error()}
	case errors.Is(err, domain.ErrDuplicateName):
		return http.StatusConflict, handlers.ErrorResponse{Code: "duplicate_name", Message: err.Error()}
	case errors.Is(err, domain.ErrNoSession):
		return http.StatusUnauthorized, handlers.ErrorResponse{Code: "no_session", Message: domain.ErrNoSession.Error()}
	case errors.Is(err, domain.ErrSubscription):
		return http.StatusServiceUnavailable, handlers.ErrorResponse{Code: "subscription", Message: err.Error()}
	case errors.Is(err, domain.ErrBackend):
		return http.StatusBadGateway, handlers.ErrorResponse{Code: "backend", Message: err.Error()}
	case errors.As(err, &he):
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		return he.Code, handlers.ErrorResponse{Code: "http", Message: msg}
	default:
		return http.StatusInternalServerError, handlers.ErrorResponse{Code: "internal", Message: http.StatusText(http.StatusInternalServerError)}
	}
}
