package middleware

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
)

type contextKey string

const loggerKey = contextKey("logger")

// Logger injects a request-scoped logger carrying the request id. It must run
// after the RequestID middleware.
func Logger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		reqID := c.Response().Header().Get(echo.HeaderXRequestID)
		requestLogger := slog.Default().With("component", "http", "request_id", reqID)
		setLogger(c, requestLogger)

		err := next(c)
		requestLogger.DebugContext(c.Request().Context(), "Request handled",
			"method", c.Request().Method,
			"path", c.Path(),
			"status", c.Response().Status,
		)
		return err
	}
}

// FromContext returns the request logger, or the default logger outside a request.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

func setLogger(c echo.Context, logger *slog.Logger) {
	ctx := context.WithValue(c.Request().Context(), loggerKey, logger)
	c.SetRequest(c.Request().WithContext(ctx))
}
