package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/seanchatmangpt/aps/internal/db"
	"github.com/seanchatmangpt/aps/internal/domain"
)

const (
	TypeAgentInitialized = "agent.initialized"
	TypeProcessCreated   = "process.created"
	TypeProcessHandoff   = "process.handoff"
	TypeStatusReported   = "status.reported"
	TypeWorkCompleted    = "work.completed"
	TypeHTTPRequest      = "http.request"
)

type Payload map[string]any

// Writer appends operation records and metric samples. The registry only
// writes through it; readers are the CLI, the API and webhooks.
type Writer struct {
	Conn *db.Conn
	Now  func() time.Time
}

func (w Writer) ts() string {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (w Writer) Append(ctx context.Context, evtType, entityID, actor string, payload Payload) error {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.Conn.ExecContext(ctx, w.Conn.Rebind(`INSERT INTO operations(ts,type,entity_id,actor,payload_json) VALUES (?,?,?,?,?)`),
		w.ts(), evtType, nullable(entityID), nullable(actor), string(data))
	return err
}

func (w Writer) RecordMetric(ctx context.Context, name string, value float64) error {
	_, err := w.Conn.ExecContext(ctx, w.Conn.Rebind(`INSERT INTO metrics(name,value,ts) VALUES (?,?,?)`), name, value, w.ts())
	return err
}

// Latest returns up to n most recent events, newest first. A positive
// before limits the result to ids below it.
func (w Writer) Latest(ctx context.Context, n int, before int64, evtType, entityID string) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	var (
		clauses []string
		args    []any
	)
	if before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, before)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, n)
	return w.query(ctx, `SELECT id,ts,type,COALESCE(entity_id,''),COALESCE(actor,''),payload_json FROM operations `+where+` ORDER BY id DESC LIMIT ?`, args...)
}

// After returns up to limit events with id greater than cursor, oldest first.
func (w Writer) After(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return w.query(ctx, `SELECT id,ts,type,COALESCE(entity_id,''),COALESCE(actor,''),payload_json FROM operations WHERE id > ? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (w Writer) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := w.Conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM operations`).Scan(&id)
	return id, err
}

func (w Writer) Count(ctx context.Context) (int64, error) {
	var n int64
	err := w.Conn.QueryRowContext(ctx, `SELECT count(*) FROM operations`).Scan(&n)
	return n, err
}

func (w Writer) Metrics(ctx context.Context, name string, n int) ([]domain.Metric, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := w.Conn.QueryContext(ctx, w.Conn.Rebind(`SELECT id,name,value,ts FROM metrics WHERE name=? ORDER BY id DESC LIMIT ?`), name, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Metric
	for rows.Next() {
		var m domain.Metric
		if err := rows.Scan(&m.ID, &m.Name, &m.Value, &m.TS); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (w Writer) query(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := w.Conn.QueryContext(ctx, w.Conn.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityID, &e.Actor, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Nop discards everything. It stands in for the writer when no SQL
// connection is configured.
type Nop struct{}

func (Nop) Append(context.Context, string, string, string, Payload) error { return nil }

func (Nop) RecordMetric(context.Context, string, float64) error { return nil }
