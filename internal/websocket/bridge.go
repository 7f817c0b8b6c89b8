// Package websocket streams local state-changed notifications to connected
// clients and accepts their keystroke and visibility signals.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/nfrund/chatsync/internal/pubsub"
	"github.com/nfrund/chatsync/internal/session"
)

// Command types a client may send.
const (
	CommandKeystroke  = "keystroke"
	CommandVisibility = "visibility"
)

// Sessions yields the logged-in user's session.
type Sessions interface {
	Current() (*session.Session, error)
}

// Envelope is one notification frame.
type Envelope struct {
	Topic  string             `json:"topic"`
	Change pubsub.StateChange `json:"change"`
}

// Command is one inbound frame.
type Command struct {
	Type   string `json:"type"`
	Hidden bool   `json:"hidden,omitempty"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithOriginPatterns restricts which origins may connect. Without patterns
// the origin check is skipped.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) { b.origins = patterns }
}

// Bridge fans bus notifications out to every connected client.
type Bridge struct {
	sessions Sessions
	origins  []string
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewBridge creates a bridge. Commands are applied to the session current at
// the time they arrive.
func NewBridge(sessions Sessions, opts ...Option) *Bridge {
	b := &Bridge{
		sessions: sessions,
		logger:   slog.Default().With("component", "websocket_bridge"),
		clients:  make(map[*Client]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start subscribes to every state-change topic. When ctx ends all clients are
// disconnected.
func (b *Bridge) Start(ctx context.Context, sub pubsub.Subscriber) error {
	for _, event := range pubsub.AllTopics {
		topic := event.Name()
		err := pubsub.Subscribe(ctx, sub, event, func(_ context.Context, _ string, change pubsub.StateChange) error {
			b.Broadcast(Envelope{Topic: topic, Change: change})
			return nil
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	go func() {
		<-ctx.Done()
		b.closeAll()
	}()
	b.logger.Info("Websocket bridge started", "topics", len(pubsub.AllTopics))
	return nil
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     b.origins,
		InsecureSkipVerify: len(b.origins) == 0,
	})
	if err != nil {
		b.logger.Error("Failed to upgrade connection to WebSocket", "error", err)
		return
	}

	client := &Client{ID: uuid.NewString(), conn: conn, send: make(chan []byte, sendBuffer)}
	b.register(client)
	go b.writePump(client)
	b.readPump(client)
}

// Clients reports how many clients are connected.
func (b *Bridge) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast queues env for every client. A client whose queue is full is
// disconnected.
func (b *Bridge) Broadcast(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		b.logger.Error("Failed to encode notification", "topic", env.Topic, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		select {
		case client.send <- data:
		default:
			delete(b.clients, client)
			close(client.send)
			b.logger.Warn("Client send channel full, connection dropped", "clientID", client.ID)
		}
	}
}

func (b *Bridge) register(client *Client) {
	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()
	b.logger.Info("Client registered", "clientID", client.ID)
}

func (b *Bridge) unregister(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client.send)
		b.logger.Info("Client unregistered", "clientID", client.ID)
	}
}

func (b *Bridge) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		delete(b.clients, client)
		close(client.send)
	}
}

func (b *Bridge) readPump(client *Client) {
	defer func() {
		b.unregister(client)
		client.conn.Close(websocket.StatusNormalClosure, "Client disconnected")
	}()

	ctx := context.Background()
	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				b.logger.Info("WebSocket closed normally by client", "clientID", client.ID)
			} else if !errors.Is(err, context.Canceled) {
				b.logger.Debug("WebSocket read ended", "clientID", client.ID, "error", err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			b.logger.Warn("Ignoring malformed client frame", "clientID", client.ID, "error", err)
			continue
		}
		b.handleCommand(ctx, client, cmd)
	}
}

func (b *Bridge) handleCommand(ctx context.Context, client *Client, cmd Command) {
	s, err := b.sessions.Current()
	if err != nil {
		b.logger.Warn("Dropping client command without a session", "clientID", client.ID, "type", cmd.Type)
		return
	}
	switch cmd.Type {
	case CommandKeystroke:
		s.Keystroke(ctx)
	case CommandVisibility:
		s.VisibilityChanged(ctx, cmd.Hidden)
	default:
		b.logger.Warn("Unknown client command", "clientID", client.ID, "type", cmd.Type)
	}
}
