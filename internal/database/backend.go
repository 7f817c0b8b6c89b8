package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nfrund/chatsync/internal/backend"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// Backend implements backend.Backend on SurrealDB. Record ids are exposed
// without their table prefix and datetimes as time.Time.
type Backend struct {
	conn   DBConnection
	live   *LiveQueryService
	logger *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// NewBackend returns a backend using conn for statements and live for feeds.
func NewBackend(conn DBConnection, live *LiveQueryService) *Backend {
	return &Backend{conn: conn, live: live, logger: slog.Default().With("component", "surreal_backend")}
}

// EnsureUniqueIndex defines a unique index on table.field if none exists.
func (b *Backend) EnsureUniqueIndex(ctx context.Context, table, field string) error {
	if err := validIdentifier(table); err != nil {
		return err
	}
	if err := validIdentifier(field); err != nil {
		return err
	}
	query := fmt.Sprintf("DEFINE INDEX IF NOT EXISTS %s_%s_unique ON TABLE %s FIELDS %s UNIQUE", table, field, table, field)
	ctx, cancel := getTimeoutFromContext(ctx, b.conn.GetDBExecuteTimeout(), ContextKeyExecuteTimeout)
	defer cancel()
	return b.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		return Execute(ctx, db, query, nil)
	})
}

func (b *Backend) Read(ctx context.Context, table string, q backend.Query) ([]backend.Row, error) {
	query, params, err := buildSelect(table, q)
	if err != nil {
		return nil, err
	}
	ctx, cancel := getTimeoutFromContext(ctx, b.conn.GetDBQueryTimeout(), ContextKeyQueryTimeout)
	defer cancel()

	var raw []map[string]any
	err = b.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qerr error
		raw, qerr = Query[map[string]any](ctx, db, query, params)
		return qerr
	})
	if err != nil {
		return nil, WrapError(err, "read "+table)
	}
	rows := make([]backend.Row, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, normalizeRow(r))
	}
	return rows, nil
}

func (b *Backend) Insert(ctx context.Context, table string, row backend.Row) (backend.Row, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}
	data := denormalizeRow(row)
	id, _ := data["id"].(string)
	delete(data, "id")
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := data["created_at"]; !ok {
		data["created_at"] = models.CustomDateTime{Time: time.Now().UTC()}
	}

	query := "CREATE type::thing($table, $id) CONTENT $data"
	return b.writeOne(ctx, table, query, map[string]any{"table": table, "id": id, "data": data})
}

// Upsert supports conflictKey "id" only, which is how presence rows are keyed.
func (b *Backend) Upsert(ctx context.Context, table string, row backend.Row, conflictKey string) (backend.Row, error) {
	if err := validIdentifier(table); err != nil {
		return nil, err
	}
	if conflictKey != "id" {
		return nil, fmt.Errorf("upsert %s: unsupported conflict key %q", table, conflictKey)
	}
	key := row.String("id")
	if key == "" {
		return nil, fmt.Errorf("upsert %s: missing id", table)
	}
	data := denormalizeRow(row)
	delete(data, "id")

	query := "UPSERT type::thing($table, $id) MERGE $data"
	return b.writeOne(ctx, table, query, map[string]any{"table": table, "id": key, "data": data})
}

func (b *Backend) writeOne(ctx context.Context, table, query string, params map[string]any) (backend.Row, error) {
	ctx, cancel := getTimeoutFromContext(ctx, b.conn.GetDBExecuteTimeout(), ContextKeyExecuteTimeout)
	defer cancel()

	var created *map[string]any
	err := b.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var qerr error
		created, qerr = QueryOne[map[string]any](ctx, db, query, params)
		return qerr
	})
	if err != nil {
		return nil, WrapError(err, "write "+table)
	}
	if created == nil {
		return nil, NewDBError(ErrQueryFailed, "write "+table+" returned no record").WithQuery(query)
	}
	return normalizeRow(*created), nil
}

func (b *Backend) SubscribeChanges(ctx context.Context, table string, events []backend.EventType, filter backend.Filter) (backend.Subscription, error) {
	where, params, err := buildWhere(filter)
	if err != nil {
		return nil, err
	}

	var sub *LiveSubscription
	stream := backend.NewStream(table, func() {
		if sub != nil {
			_ = b.live.Unsubscribe(sub.ID)
		}
	})

	handler := func(_ context.Context, action LiveQueryAction, data any) {
		var t backend.EventType
		switch action {
		case ActionCreate:
			t = backend.EventInsert
		case ActionUpdate:
			t = backend.EventUpdate
		case ActionDelete:
			t = backend.EventDelete
		case ActionClose:
			stream.End(ErrLiveQueryClosed)
			return
		}
		if !backend.Wants(events, t) {
			return
		}
		m, ok := data.(map[string]any)
		if !ok {
			b.logger.Warn("Dropping live notification with unexpected payload", "table", table, "type", fmt.Sprintf("%T", data))
			return
		}
		stream.Offer(backend.ChangeEvent{Type: t, Table: table, Row: normalizeRow(m)})
	}

	sub, err = b.live.Subscribe(ctx, table, &LiveQueryFilter{Where: where, Params: params}, handler)
	if err != nil {
		stream.End(err)
		return nil, err
	}
	return stream, nil
}

func buildWhere(filter backend.Filter) (string, map[string]any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	fields := make([]string, 0, len(filter))
	for f := range filter {
		if err := validIdentifier(f); err != nil {
			return "", nil, err
		}
		fields = append(fields, f)
	}
	sort.Strings(fields)

	clauses := make([]string, 0, len(fields))
	params := make(map[string]any, len(fields))
	for i, f := range fields {
		p := fmt.Sprintf("w%d", i)
		clauses = append(clauses, fmt.Sprintf("%s = $%s", f, p))
		params[p] = denormalizeValue(filter[f])
	}
	return strings.Join(clauses, " AND "), params, nil
}

func buildSelect(table string, q backend.Query) (string, map[string]any, error) {
	if err := validIdentifier(table); err != nil {
		return "", nil, err
	}
	where, params, err := buildWhere(q.Filter)
	if err != nil {
		return "", nil, err
	}
	if params == nil {
		params = map[string]any{}
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM type::table($table)")
	params["table"] = table
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	if q.OrderBy != "" {
		if err := validIdentifier(q.OrderBy); err != nil {
			return "", nil, err
		}
		dir := "ASC"
		if q.Descending {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", q.OrderBy, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), params, nil
}

// normalizeRow converts driver values into the plain forms the sync core
// decodes: record ids to their id part, datetimes to time.Time.
func normalizeRow(m map[string]any) backend.Row {
	row := make(backend.Row, len(m))
	for k, v := range m {
		row[k] = normalizeValue(v)
	}
	return row
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case models.RecordID:
		return fmt.Sprint(t.ID)
	case *models.RecordID:
		if t == nil {
			return nil
		}
		return fmt.Sprint(t.ID)
	case models.CustomDateTime:
		return t.Time
	case *models.CustomDateTime:
		if t == nil {
			return nil
		}
		return t.Time
	case models.UUID:
		return t.String()
	case map[string]any:
		return map[string]any(normalizeRow(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

func denormalizeRow(row backend.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = denormalizeValue(v)
	}
	return out
}

func denormalizeValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return models.CustomDateTime{Time: t.UTC()}
	case *time.Time:
		if t == nil {
			return nil
		}
		return models.CustomDateTime{Time: t.UTC()}
	default:
		return v
	}
}

// IsConflict reports whether err is a unique index violation.
func IsConflict(err error) bool {
	return errors.Is(err, backend.ErrConflict)
}
