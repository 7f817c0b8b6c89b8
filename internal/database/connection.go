package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nfrund/chatsync/internal/config"
	"github.com/surrealdb/surrealdb.go"
)

// ExponentialBackoffRetryer retries an operation with exponential backoff and jitter.
type ExponentialBackoffRetryer struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	multiplier float64
	jitter     bool
}

// NewExponentialBackoffRetryer returns a retryer making up to six attempts,
// starting at 100ms and capped at 30s between attempts.
func NewExponentialBackoffRetryer() *ExponentialBackoffRetryer {
	return &ExponentialBackoffRetryer{
		maxRetries: 5,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   30 * time.Second,
		multiplier: 2.0,
		jitter:     true,
	}
}

// Retry runs fn until it succeeds, the attempts run out, or ctx ends.
func (r *ExponentialBackoffRetryer) Retry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == r.maxRetries {
			break
		}

		delay := r.calculateDelay(attempt)
		slog.DebugContext(ctx, "Retry attempt failed",
			"event", "retry_attempt",
			"attempt", attempt+1, "max_attempts", r.maxRetries+1,
			"delay_ms", delay.Milliseconds(), "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", r.maxRetries+1, lastErr)
}

func (r *ExponentialBackoffRetryer) calculateDelay(attempt int) time.Duration {
	delay := math.Min(float64(r.baseDelay)*math.Pow(r.multiplier, float64(attempt)), float64(r.maxDelay))
	if r.jitter {
		// up to 25% extra
		delay += rand.Float64() * delay * 0.25
	}
	return time.Duration(delay)
}

// DBConnection is the managed connection used by the backend and the live
// query service.
type DBConnection interface {
	WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error
	OnReconnect(fn func())
	IsHealthy() bool
	GetDBQueryTimeout() time.Duration
	GetDBExecuteTimeout() time.Duration
}

// Connection owns the SurrealDB socket. Operations that fail on a dead
// socket trigger a reconnect with backoff, and a background monitor probes
// the server periodically.
type Connection struct {
	cfg     config.Provider
	retryer *ExponentialBackoffRetryer
	logger  *slog.Logger

	mu          sync.RWMutex
	conn        *surrealdb.DB
	healthy     bool
	generation  int
	reconnected []func()

	monitorEvery time.Duration
	done         chan struct{}
	closeOnce    sync.Once
}

var _ DBConnection = (*Connection)(nil)

// NewConnection creates a managed connection. Call Connect before use.
func NewConnection(cfg config.Provider) *Connection {
	return &Connection{
		cfg:          cfg,
		retryer:      NewExponentialBackoffRetryer(),
		logger:       slog.Default().With("component", "surrealdb"),
		monitorEvery: 30 * time.Second,
		done:         make(chan struct{}),
	}
}

// Connect dials the server if no connection is open yet.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	return c.replaceLocked(ctx)
}

// OnReconnect registers fn to run after the socket has been replaced. Live
// queries do not survive a new socket, so their owners need to know.
func (c *Connection) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnected = append(c.reconnected, fn)
}

// WithConnection runs fn against the current socket. When fn fails with a
// connection error the socket is replaced and fn retried with backoff.
func (c *Connection) WithConnection(ctx context.Context, fn func(*surrealdb.DB) error) error {
	conn, seen := c.current()
	if conn == nil {
		return NewDBError(ErrNotConnected, "no open connection")
	}

	err := fn(conn)
	if err == nil || !isConnectionError(err) {
		return err
	}

	c.logger.WarnContext(ctx, "Database operation failed on a dead connection, reconnecting",
		"event", "db_reconnect_triggered", "error", err, "db_url", redactDBURL(c.cfg.GetDBURL()))

	return c.retryer.Retry(ctx, func() error {
		conn, rerr := c.reconnect(ctx, seen)
		if rerr != nil {
			return fmt.Errorf("reconnection failed: %w (original error: %v)", rerr, err)
		}
		return fn(conn)
	})
}

// StartMonitoring starts the background health probe.
func (c *Connection) StartMonitoring() {
	go c.monitor()
}

// Close stops monitoring and closes the socket.
func (c *Connection) Close(ctx context.Context) error {
	c.closeOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthy = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close(ctx)
	c.conn = nil
	return err
}

// IsHealthy reports the result of the last dial or probe.
func (c *Connection) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Connection) current() (*surrealdb.DB, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn, c.generation
}

// reconnect replaces the socket unless another caller already did so since
// generation seen failed.
func (c *Connection) reconnect(ctx context.Context, seen int) (*surrealdb.DB, error) {
	c.mu.Lock()
	if c.generation != seen && c.conn != nil && c.healthy {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	err := c.replaceLocked(ctx)
	conn := c.conn
	hooks := append([]func(){}, c.reconnected...)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, fn := range hooks {
		fn()
	}
	return conn, nil
}

// replaceLocked closes any existing socket and dials a new one. c.mu must be held.
func (c *Connection) replaceLocked(ctx context.Context) error {
	if c.conn != nil {
		_ = c.conn.Close(ctx)
		c.conn = nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		c.healthy = false
		return err
	}
	c.conn = conn
	c.healthy = true
	c.generation++
	c.logger.DebugContext(ctx, "Database connection established", "event", "db_connect_success",
		"db_url", redactDBURL(c.cfg.GetDBURL()),
		"namespace", c.cfg.GetDBNs(),
		"database", c.cfg.GetDBDb(),
		"generation", c.generation,
	)
	return nil
}

func (c *Connection) dial(ctx context.Context) (*surrealdb.DB, error) {
	dbURL := c.cfg.GetDBURL()
	c.logger.DebugContext(ctx, "Connecting to database", "event", "db_connect_attempt", "db_url", redactDBURL(dbURL))

	conn, err := surrealdb.FromEndpointURLString(ctx, dbURL)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to create database connection", "event", "db_connect_failure",
			"db_url", redactDBURL(dbURL), "error", err)
		return nil, fmt.Errorf("failed to connect to database at %s: %w", redactDBURL(dbURL), err)
	}

	if c.cfg.GetDBUser() != "" {
		auth := &surrealdb.Auth{Username: c.cfg.GetDBUser(), Password: c.cfg.GetDBPass()}
		if _, err := conn.SignIn(ctx, auth); err != nil {
			_ = conn.Close(ctx)
			c.logger.ErrorContext(ctx, "Failed to sign in to database", "event", "db_auth_failure",
				"db_url", redactDBURL(dbURL), "user", c.cfg.GetDBUser(), "error", err)
			return nil, fmt.Errorf("failed to sign in: %w", err)
		}
	}

	if err := conn.Use(ctx, c.cfg.GetDBNs(), c.cfg.GetDBDb()); err != nil {
		_ = conn.Close(ctx)
		c.logger.ErrorContext(ctx, "Failed to select namespace/database", "event", "db_namespace_failure",
			"namespace", c.cfg.GetDBNs(), "database", c.cfg.GetDBDb(), "error", err)
		return nil, fmt.Errorf("failed to use namespace/db: %w", err)
	}
	return conn, nil
}

func (c *Connection) monitor() {
	ticker := time.NewTicker(c.monitorEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, seen := c.current()
			if err := c.probe(ctx); err != nil {
				c.logger.WarnContext(ctx, "Database health check failed, reconnecting", "event", "db_health_check_failure", "error", err)
				if rerr := c.retryer.Retry(ctx, func() error {
					_, err := c.reconnect(ctx, seen)
					return err
				}); rerr != nil {
					c.logger.ErrorContext(ctx, "Failed to reconnect after health check failure", "event", "db_reconnect_failure", "error", rerr)
				}
			}
			cancel()
		case <-c.done:
			return
		}
	}
}

func (c *Connection) probe(ctx context.Context) error {
	conn, _ := c.current()
	if conn == nil {
		c.setHealthy(false)
		return errors.New("no active database connection")
	}
	if _, err := conn.Version(ctx); err != nil {
		c.setHealthy(false)
		return fmt.Errorf("version probe: %w", err)
	}
	c.setHealthy(true)
	return nil
}

func (c *Connection) setHealthy(v bool) {
	c.mu.Lock()
	c.healthy = v
	c.mu.Unlock()
}

// isConnectionError reports whether err looks like a lost socket rather than
// a rejected statement.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected eof") ||
		strings.Contains(msg, "use of closed network connection")
}

// redactDBURL returns dbURL with any password replaced, for logging.
func redactDBURL(dbURL string) string {
	parsed, err := url.Parse(dbURL)
	if err != nil {
		return "invalid-url"
	}
	return parsed.Redacted()
}

func (c *Connection) GetDBQueryTimeout() time.Duration {
	return c.cfg.GetDBQueryTimeout()
}

func (c *Connection) GetDBExecuteTimeout() time.Duration {
	return c.cfg.GetDBExecuteTimeout()
}
