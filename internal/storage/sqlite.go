package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"autoposter/internal/domain"
	logx "autoposter/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; Update* relies on it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrationsSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("sqlite storage opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertAutomation(ctx context.Context, a domain.Automation) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if ok, err := exists(ctx, tx, "automations", a.ID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("automation %s: %w", a.ID, ErrExists)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO automations(id, status, created_at, data) VALUES(?,?,?,?)`,
			a.ID, string(a.Status), a.CreatedAt.UTC().Format(time.RFC3339Nano), string(data))
		return err
	})
}

func (s *sqliteStore) GetAutomation(ctx context.Context, id string) (domain.Automation, error) {
	var a domain.Automation
	err := getDoc(ctx, s.db, "automations", id, &a)
	if errors.Is(err, domain.ErrNotFound) {
		return a, fmt.Errorf("automation %s: %w", id, err)
	}
	return a, err
}

func (s *sqliteStore) ListAutomations(ctx context.Context) ([]domain.Automation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM automations ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Automation
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var a domain.Automation
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateAutomation(ctx context.Context, id string, fn func(*domain.Automation) error) (domain.Automation, error) {
	var out domain.Automation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var a domain.Automation
		if err := getDoc(ctx, tx, "automations", id, &a); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("automation %s: %w", id, err)
			}
			return err
		}
		if err := fn(&a); err != nil {
			return err
		}
		a.ID = id
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE automations SET status = ?, data = ? WHERE id = ?`,
			string(a.Status), string(data), id); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

func (s *sqliteStore) DeleteAutomation(ctx context.Context, id string) (bool, error) {
	return deleteRow(ctx, s.db, "automations", id)
}

func (s *sqliteStore) InsertPost(ctx context.Context, p domain.ScheduledPost) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if ok, err := exists(ctx, tx, "posts", p.ID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("post %s: %w", p.ID, ErrExists)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO posts(id, status, fire_at, data) VALUES(?,?,?,?)`,
			p.ID, string(p.Status), p.FireAt.UTC().Format(time.RFC3339Nano), string(data))
		return err
	})
}

func (s *sqliteStore) GetPost(ctx context.Context, id string) (domain.ScheduledPost, error) {
	var p domain.ScheduledPost
	err := getDoc(ctx, s.db, "posts", id, &p)
	if errors.Is(err, domain.ErrNotFound) {
		return p, fmt.Errorf("post %s: %w", id, err)
	}
	return p, err
}

func (s *sqliteStore) ListPosts(ctx context.Context) ([]domain.ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM posts ORDER BY fire_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ScheduledPost
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var p domain.ScheduledPost
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdatePost(ctx context.Context, id string, fn func(*domain.ScheduledPost) error) (domain.ScheduledPost, error) {
	var out domain.ScheduledPost
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var p domain.ScheduledPost
		if err := getDoc(ctx, tx, "posts", id, &p); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("post %s: %w", id, err)
			}
			return err
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.ID = id
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE posts SET status = ?, fire_at = ?, data = ? WHERE id = ?`,
			string(p.Status), p.FireAt.UTC().Format(time.RFC3339Nano), string(data), id); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (s *sqliteStore) DeletePost(ctx context.Context, id string) (bool, error) {
	return deleteRow(ctx, s.db, "posts", id)
}

func (s *sqliteStore) AppendRunLog(ctx context.Context, r domain.RunLog) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(at, automation_id, manual, extracted, attempted, sent, failed, aborted, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.AutomationID, boolInt(r.Manual), r.Extracted,
		r.Attempted, r.Sent, r.Failed, boolInt(r.Aborted), nullStr(r.Error), r.TookMS,
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, automationID string, limit int) ([]domain.RunLog, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT at, automation_id, manual, extracted, attempted, sent, failed, aborted, err, took_ms FROM runs`
	args := []any{}
	if automationID != "" {
		q += ` WHERE automation_id = ?`
		args = append(args, automationID)
	}
	q += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.RunLog
	for rows.Next() {
		var (
			r               domain.RunLog
			at              string
			manual, aborted int
			errText         sql.NullString
		)
		if err := rows.Scan(&at, &r.AutomationID, &manual, &r.Extracted, &r.Attempted,
			&r.Sent, &r.Failed, &aborted, &errText, &r.TookMS); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.Manual = manual != 0
		r.Aborted = aborted != 0
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// table names are package constants, never user input.
func getDoc(ctx context.Context, q queryer, table, id string, dst any) error {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT data FROM `+table+` WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dst)
}

func exists(ctx context.Context, q queryer, table, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func deleteRow(ctx context.Context, e execer, table, id string) (bool, error) {
	res, err := e.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
