package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seanchatmangpt/aps/internal/db"
)

const defaultTemplateName = "default"

// SQLStore keeps registry state in the tables created by the migrate
// package. It works against SQLite and Postgres connections.
type SQLStore struct {
	Conn         *db.Conn
	TemplateName string
	Now          func() time.Time
	layout       Layout
}

func NewSQLStore(conn *db.Conn, layout Layout) *SQLStore {
	return &SQLStore{Conn: conn, TemplateName: defaultTemplateName, Now: time.Now, layout: layout}
}

func (s *SQLStore) Layout() Layout { return s.layout }

func (s *SQLStore) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (s *SQLStore) ReadLedger(ctx context.Context) ([]string, error) {
	rows, err := s.Conn.QueryContext(ctx, `SELECT line FROM role_assignments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	defer rows.Close()
	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// the table always exists; an empty one means no agent ever started
	if len(lines) == 0 {
		return nil, ErrLedgerUnavailable
	}
	return lines, nil
}

func (s *SQLStore) AppendLedger(ctx context.Context, line string) error {
	_, err := s.Conn.ExecContext(ctx, s.Conn.Rebind(`INSERT INTO role_assignments(line) VALUES (?)`), line)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadTemplate(ctx context.Context) ([]byte, error) {
	var doc string
	err := s.Conn.QueryRowContext(ctx, s.Conn.Rebind(`SELECT document FROM templates WHERE name=?`), s.TemplateName).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTemplateMissing, s.TemplateName)
	}
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	return []byte(doc), nil
}

func (s *SQLStore) SaveTemplate(ctx context.Context, data []byte) error {
	_, err := s.Conn.ExecContext(ctx, s.Conn.Rebind(`INSERT INTO templates(name,document,updated_at) VALUES (?,?,?)
ON CONFLICT(name) DO UPDATE SET document=excluded.document, updated_at=excluded.updated_at`), s.TemplateName, string(data), s.now())
	return err
}

func (s *SQLStore) ListProcesses(ctx context.Context) ([]RawRecord, error) {
	rows, err := s.Conn.QueryContext(ctx, `SELECT process_id,seq,storage_key,document FROM processes ORDER BY storage_key`)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()
	var out []RawRecord
	for rows.Next() {
		var rec RawRecord
		var doc string
		if err := rows.Scan(&rec.ProcessID, &rec.Seq, &rec.Key, &doc); err != nil {
			return nil, err
		}
		rec.Data = []byte(doc)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetProcess(ctx context.Context, processID string) (RawRecord, error) {
	var rec RawRecord
	var doc string
	err := s.Conn.QueryRowContext(ctx, s.Conn.Rebind(`SELECT process_id,seq,storage_key,document FROM processes WHERE process_id=?`), processID).
		Scan(&rec.ProcessID, &rec.Seq, &rec.Key, &doc)
	if errors.Is(err, sql.ErrNoRows) {
		return RawRecord{}, fmt.Errorf("%w: %s", ErrProcessNotFound, processID)
	}
	if err != nil {
		return RawRecord{}, fmt.Errorf("read process %s: %w", processID, err)
	}
	rec.Data = []byte(doc)
	return rec, nil
}

func (s *SQLStore) PutProcess(ctx context.Context, rec RawRecord) error {
	if rec.Key == "" {
		rec.Key = s.layout.Key(rec.ProcessID)
	}
	if rec.Seq == 0 {
		_, rec.Seq, _ = s.layout.ParseKey(rec.Key)
	}
	_, err := s.Conn.ExecContext(ctx, s.Conn.Rebind(`INSERT INTO processes(process_id,seq,storage_key,document,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(process_id) DO UPDATE SET storage_key=excluded.storage_key, document=excluded.document, updated_at=excluded.updated_at`),
		rec.ProcessID, rec.Seq, rec.Key, string(rec.Data), s.now())
	if err != nil {
		return fmt.Errorf("write process %s: %w", rec.ProcessID, err)
	}
	return nil
}

func (s *SQLStore) NextSequence(ctx context.Context) (int, error) {
	var max int
	if err := s.Conn.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM processes`).Scan(&max); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return max + 1, nil
}
