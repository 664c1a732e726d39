package docdb

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"pixpick/api/internal/util"
)

const changesChannel = "docdb_changes"

// Postgres keeps documents as JSONB rows. A trigger publishes the path of
// every changed row on changesChannel; one LISTEN connection fans those out
// to the local watchers.
type Postgres struct {
	db        *sql.DB
	listenURL string
	hub       *hub
	log       zerolog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewPostgres(db *sql.DB, listenURL string, logger zerolog.Logger) *Postgres {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Postgres{
		db:        db,
		listenURL: listenURL,
		hub:       newHub(),
		log:       logger,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.listen(ctx)
	return p
}

func (p *Postgres) Get(ctx context.Context, path string) (Document, error) {
	collection, id, err := splitDoc(path)
	if err != nil {
		return Document{}, err
	}
	var raw []byte
	err = p.db.QueryRowContext(ctx, `SELECT data FROM documents WHERE collection=$1 AND id=$2`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("get %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	data, err := decodeJSON(raw)
	if err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return Document{ID: id, Path: Join(collection, id), Data: data}, nil
}

func (p *Postgres) Set(ctx context.Context, path string, data Data) error {
	collection, id, err := splitDoc(path)
	if err != nil {
		return err
	}
	raw, err := encodeJSON(data, time.Now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, group_name, data)
		VALUES ($1, $2, $3, ($4::text)::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, collection, id, lastSegment(collection), raw)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

func (p *Postgres) Add(ctx context.Context, collection string, data Data) (string, error) {
	clean, _, err := splitCollection(collection)
	if err != nil {
		return "", err
	}
	id := util.NewID("")
	if err := p.Set(ctx, Join(clean, id), data); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) Update(ctx context.Context, path string, data Data) error {
	collection, id, err := splitDoc(path)
	if err != nil {
		return err
	}
	raw, err := encodeJSON(data, time.Now())
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE documents SET data = data || ($3::text)::jsonb, updated_at = NOW()
		WHERE collection=$1 AND id=$2
	`, collection, id, raw)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update %s: %w", path, ErrNotFound)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, path string) error {
	collection, id, err := splitDoc(path)
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM documents WHERE collection=$1 AND id=$2`, collection, id); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (p *Postgres) Query(ctx context.Context, q Query) ([]Document, error) {
	stmt, args, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var collection, id string
		var raw []byte
		if err := rows.Scan(&collection, &id, &raw); err != nil {
			return nil, fmt.Errorf("scan %s: %w", q.Collection, err)
		}
		data, err := decodeJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		docs = append(docs, Document{ID: id, Path: Join(collection, id), Data: data})
	}
	return docs, rows.Err()
}

func (p *Postgres) WatchDoc(ctx context.Context, path string, fn func(DocSnapshot)) (Subscription, error) {
	return watchDoc(ctx, p.hub, path, p.Get, fn)
}

func (p *Postgres) Watch(ctx context.Context, q Query, fn func(QuerySnapshot)) (Subscription, error) {
	return watchQuery(ctx, p.hub, q, p.Query, fn)
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close stops the listener and every watch. The *sql.DB belongs to the
// caller.
func (p *Postgres) Close() error {
	p.cancel()
	<-p.done
	p.hub.stopAll()
	return nil
}

func (p *Postgres) listen(ctx context.Context) {
	defer close(p.done)
	for {
		err := p.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		p.log.Warn().Err(err).Msg("change listener dropped, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (p *Postgres) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.listenURL)
	if err != nil {
		return fmt.Errorf("connect listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+changesChannel); err != nil {
		return fmt.Errorf("listen %s: %w", changesChannel, err)
	}
	// Changes made while disconnected were never announced.
	p.hub.publish("")

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		p.hub.publish(n.Payload)
	}
}

func buildSelect(q Query) (string, []any, error) {
	if err := q.validate(); err != nil {
		return "", nil, err
	}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	var b strings.Builder
	b.WriteString("SELECT collection, id, data FROM documents WHERE ")
	if q.Group {
		b.WriteString("group_name = " + arg(q.Collection))
	} else {
		b.WriteString("collection = " + arg(strings.Trim(q.Collection, "/")))
	}

	now := time.Now()
	for _, f := range q.Filters {
		field := arg(f.Field) + "::text"
		switch f.Op {
		case OpEqual:
			raw, err := encodeJSONValue(f.Value, now)
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&b, " AND data -> %s = (%s::text)::jsonb", field, arg(raw))
		case OpArrayContains:
			raw, err := encodeJSONValue([]any{f.Value}, now)
			if err != nil {
				return "", nil, err
			}
			fmt.Fprintf(&b, " AND data -> %s @> (%s::text)::jsonb", field, arg(raw))
		case OpIn:
			values := f.Value.([]any)
			if len(values) == 0 {
				b.WriteString(" AND FALSE")
				continue
			}
			placeholders := make([]string, 0, len(values))
			for _, v := range values {
				raw, err := encodeJSONValue(v, now)
				if err != nil {
					return "", nil, err
				}
				placeholders = append(placeholders, "("+arg(raw)+"::text)::jsonb")
			}
			fmt.Fprintf(&b, " AND data -> %s IN (%s)", field, strings.Join(placeholders, ", "))
		}
	}

	var orders []string
	for _, o := range q.Orders {
		field := arg(o.Field) + "::text"
		fmt.Fprintf(&b, " AND data ? %s", field)
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		orders = append(orders, "data -> "+field+" "+dir)
	}
	orders = append(orders, "collection", "id")
	b.WriteString(" ORDER BY " + strings.Join(orders, ", "))
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(q.Limit))
	}
	return b.String(), args, nil
}

func encodeJSON(data Data, now time.Time) (string, error) {
	return encodeJSONValue(data, now)
}

func encodeJSONValue(v any, now time.Time) (string, error) {
	raw, err := json.Marshal(toJSONValue(v, now))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// toJSONValue rewrites times to TimeLayout strings so they compare in
// order inside jsonb.
func toJSONValue(v any, now time.Time) any {
	switch t := v.(type) {
	case serverTimestamp:
		return now.UTC().Format(TimeLayout)
	case time.Time:
		return t.UTC().Format(TimeLayout)
	case Data:
		return toJSONValue(map[string]any(t), now)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = toJSONValue(item, now)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = toJSONValue(item, now)
		}
		return out
	default:
		return v
	}
}

func decodeJSON(raw []byte) (Data, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var data map[string]any
	if err := decoder.Decode(&data); err != nil {
		return nil, err
	}
	return Data(data), nil
}
