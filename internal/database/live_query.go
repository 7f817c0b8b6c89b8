package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// LiveQueryAction represents the type of change in a live query update.
type LiveQueryAction string

const (
	ActionCreate LiveQueryAction = "CREATE"
	ActionUpdate LiveQueryAction = "UPDATE"
	ActionDelete LiveQueryAction = "DELETE"
	// ActionClose is delivered once when the server side of the live query
	// disappears without the subscriber asking for it.
	ActionClose LiveQueryAction = "CLOSE"
)

// LiveQueryHandler receives live query notifications for one subscription.
// Calls for a subscription are sequential and in server order.
type LiveQueryHandler func(ctx context.Context, action LiveQueryAction, data any)

// LiveQueryFilter restricts a live query with a WHERE clause.
type LiveQueryFilter struct {
	Where  string
	Params map[string]any
}

// LiveSubscription identifies an active live query.
type LiveSubscription struct {
	ID    string
	Table string
}

type liveState struct {
	id          string
	table       string
	handler     LiveQueryHandler
	cancel      context.CancelFunc
	liveQueryID string
	closing     sync.Once
}

// LiveQueryService runs SurrealDB LIVE SELECT queries and dispatches their
// notifications to handlers.
type LiveQueryService struct {
	db     DBConnection
	logger *slog.Logger

	subscriptions sync.Map // id -> *liveState
}

// NewLiveQueryService creates a live query service on db. Live queries do
// not survive a reconnect, so every active subscription is closed with
// ActionClose when the connection is replaced.
func NewLiveQueryService(db DBConnection) *LiveQueryService {
	s := &LiveQueryService{db: db, logger: slog.Default().With("component", "live_query")}
	db.OnReconnect(s.closeAll)
	return s
}

// Subscribe starts a live query on table.
func (s *LiveQueryService) Subscribe(ctx context.Context, table string, filter *LiveQueryFilter, handler LiveQueryHandler) (*LiveSubscription, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if err := validIdentifier(table); err != nil {
		return nil, err
	}

	query := "LIVE SELECT * FROM " + table
	params := map[string]any{}
	if filter != nil {
		if filter.Where != "" {
			query += " WHERE " + filter.Where
		}
		for k, v := range filter.Params {
			params[k] = v
		}
	}

	id := uuid.NewString()
	subCtx, cancel := context.WithCancel(context.Background())
	state := &liveState{id: id, table: table, handler: handler, cancel: cancel}

	var notifications <-chan connection.Notification
	var conn *surrealdb.DB
	err := s.db.WithConnection(ctx, func(db *surrealdb.DB) error {
		results, err := surrealdb.Query[any](ctx, db, query, params)
		if err != nil {
			return err
		}
		if results == nil || len(*results) == 0 {
			return errors.New("live query returned no results")
		}
		result := (*results)[0]
		if result.Status != "OK" {
			return fmt.Errorf("live query failed with status: %s", result.Status)
		}
		liveID, err := liveQueryID(result.Result)
		if err != nil {
			return err
		}
		ch, err := db.LiveNotifications(liveID)
		if err != nil {
			return fmt.Errorf("failed to get notification channel: %w", err)
		}
		state.liveQueryID = liveID
		notifications, conn = ch, db
		return nil
	})
	if err != nil {
		cancel()
		return nil, NewDBError(err, "failed to start live query").WithQuery(query)
	}

	s.subscriptions.Store(id, state)
	s.logger.Info("Live query established", "subID", id, "table", table, "liveQueryID", state.liveQueryID)

	go s.listen(subCtx, state, notifications)
	go func() {
		<-subCtx.Done()
		s.kill(conn, state.liveQueryID)
	}()

	return &LiveSubscription{ID: id, Table: table}, nil
}

// Unsubscribe stops a live query. Unknown ids are ignored.
func (s *LiveQueryService) Unsubscribe(subID string) error {
	if v, ok := s.subscriptions.LoadAndDelete(subID); ok {
		v.(*liveState).cancel()
		s.logger.Debug("Live query subscription removed", "subID", subID)
	}
	return nil
}

func (s *LiveQueryService) closeAll() {
	s.subscriptions.Range(func(key, value any) bool {
		state := value.(*liveState)
		s.subscriptions.Delete(key)
		state.cancel()
		s.closed(state)
		return true
	})
}

func (s *LiveQueryService) closed(state *liveState) {
	state.closing.Do(func() {
		state.handler(context.Background(), ActionClose, nil)
	})
}

func (s *LiveQueryService) kill(conn *surrealdb.DB, liveQueryID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.CloseLiveNotifications(liveQueryID); err != nil {
		s.logger.Debug("Failed to close live notifications", "error", err, "liveQueryID", liveQueryID)
	}
	if _, err := surrealdb.Query[any](ctx, conn, "KILL $liveQueryID", map[string]any{"liveQueryID": liveQueryID}); err != nil {
		s.logger.Debug("Failed to kill live query", "error", err, "liveQueryID", liveQueryID)
	}
}

func (s *LiveQueryService) listen(ctx context.Context, state *liveState, notifications <-chan connection.Notification) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in live query handler", "subID", state.id, "panic", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				if ctx.Err() == nil {
					s.logger.Warn("Live query notification channel closed", "subID", state.id, "table", state.table)
					s.subscriptions.Delete(state.id)
					s.closed(state)
				}
				return
			}

			var action LiveQueryAction
			switch n.Action {
			case connection.CreateAction:
				action = ActionCreate
			case connection.UpdateAction:
				action = ActionUpdate
			case connection.DeleteAction:
				action = ActionDelete
			default:
				s.logger.Warn("Unknown notification action", "subID", state.id, "action", n.Action)
				continue
			}
			state.handler(ctx, action, n.Result)
		}
	}
}

func liveQueryID(result any) (string, error) {
	var id string
	switch v := result.(type) {
	case string:
		id = v
	case models.UUID:
		id = v.String()
	case *models.UUID:
		if v != nil {
			id = v.String()
		}
	case map[string]any:
		if raw, ok := v["id"]; ok {
			return liveQueryID(raw)
		}
	default:
		return "", fmt.Errorf("unexpected live query result type: %T", result)
	}
	if id == "" {
		return "", errors.New("live query returned empty UUID")
	}
	return id, nil
}

// validIdentifier guards names interpolated into SurrealQL.
func validIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifier)
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
		}
	}
	if strings.HasPrefix(strings.ToLower(name), "__") {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}
