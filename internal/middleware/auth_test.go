package middleware

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/nfrund/chatsync/internal/backend/backendtest"
	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSource struct {
	s *session.Session
}

func (f fixedSource) Current() (*session.Session, error) {
	if f.s == nil {
		return nil, domain.ErrNoSession
	}
	return f.s, nil
}

func TestRequireSession_NoSession(t *testing.T) {
	e := echo.New()
	called := false
	h := RequireSession(fixedSource{})(func(c echo.Context) error {
		called = true
		return nil
	})

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	err := h(c)
	assert.ErrorIs(t, err, domain.ErrNoSession)
	assert.False(t, called)
}

func TestRequireSession_StoresSession(t *testing.T) {
	ctx := context.Background()
	s, err := session.Start(ctx, domain.User{ID: "ada", Username: "ada"}, session.Options{Backend: backendtest.New()})
	require.NoError(t, err)
	defer s.Close(ctx)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(orig)

	e := echo.New()
	e.Use(echomw.RequestID(), Logger)
	e.GET("/me", func(c echo.Context) error {
		got, ok := CurrentSession(c)
		require.True(t, ok)
		FromContext(c.Request().Context()).Info("handled")
		return c.String(http.StatusOK, got.User.ID)
	}, RequireSession(fixedSource{s: s}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada", rec.Body.String())
	assert.Contains(t, buf.String(), "userID=ada")
	assert.Contains(t, buf.String(), "request_id=")
}

func TestFromContext_DefaultsOutsideRequest(t *testing.T) {
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}
