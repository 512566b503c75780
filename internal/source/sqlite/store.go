// Package sqlite stores events and population memberships in a SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"funnelscope/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial schema
// 1 - index on events(project, name, ts_ms) for event-name pushdown
const currentSchemaVersion = 1

// Store is a SQLite-backed event source.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies pragmas and
// migrations. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_events_project_name_ts
		ON events(project, name, ts_ms)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// WriteEvents inserts events in one transaction. Arrival order is kept in
// the seq column and breaks timestamp ties on read.
func (s *Store) WriteEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (project, entity_id, name, ts_ms, properties)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		props := []byte("{}")
		if len(ev.Properties) > 0 {
			props, err = json.Marshal(ev.Properties)
			if err != nil {
				return fmt.Errorf("write events: marshal properties for %s: %w", ev.EntityID, err)
			}
		}
		if _, err := stmt.ExecContext(ctx, ev.Project, ev.EntityID, ev.Name, ev.Millis(), string(props)); err != nil {
			return fmt.Errorf("write events: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write events: commit: %w", err)
	}
	return nil
}

// WriteMemberships upserts population memberships. A second write for the
// same join instant replaces the leave time.
func (s *Store) WriteMemberships(ctx context.Context, members []models.Membership) error {
	if len(members) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write memberships: %w", err)
	}
	defer tx.Rollback()

	for _, m := range members {
		var left sql.NullInt64
		if !m.Left.IsZero() {
			left = sql.NullInt64{Int64: m.Left.UnixMilli(), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO population_members (population_id, entity_id, joined_ms, left_ms)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(population_id, entity_id, joined_ms) DO UPDATE SET left_ms = excluded.left_ms
		`, m.PopulationID, m.EntityID, m.Joined.UnixMilli(), left)
		if err != nil {
			return fmt.Errorf("write memberships: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write memberships: commit: %w", err)
	}
	return nil
}

// Timelines returns the events matching q grouped per entity, each timeline
// ordered by timestamp then arrival.
func (s *Store) Timelines(ctx context.Context, q models.TimelineQuery) ([]models.Timeline, error) {
	query, args := timelineQuery(q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query timelines: %w", err)
	}
	defer rows.Close()

	out := make([]models.Timeline, 0, 64)
	for rows.Next() {
		var (
			ev    models.Event
			tsMs  int64
			props string
		)
		if err := rows.Scan(&ev.Seq, &ev.Project, &ev.EntityID, &ev.Name, &tsMs, &props); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Timestamp = time.UnixMilli(tsMs).UTC()
		if props != "" && props != "{}" {
			if err := json.Unmarshal([]byte(props), &ev.Properties); err != nil {
				return nil, fmt.Errorf("decode properties of event %d: %w", ev.Seq, err)
			}
		}

		if n := len(out); n == 0 || out[n-1].EntityID != ev.EntityID {
			out = append(out, models.Timeline{EntityID: ev.EntityID})
		}
		last := &out[len(out)-1]
		last.Events = append(last.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

func timelineQuery(q models.TimelineQuery) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString(`SELECT seq, project, entity_id, name, ts_ms, properties FROM events WHERE ts_ms >= ? AND ts_ms <= ?`)
	args := []interface{}{lowerBoundMs(q.Range.From), upperBoundMs(q.Range.To)}

	if q.Project != "" {
		sb.WriteString(` AND project = ?`)
		args = append(args, q.Project)
	}
	if len(q.EventNames) > 0 {
		sb.WriteString(` AND name IN (?`)
		sb.WriteString(strings.Repeat(`, ?`, len(q.EventNames)-1))
		sb.WriteString(`)`)
		for _, n := range q.EventNames {
			args = append(args, n)
		}
	}
	sb.WriteString(` ORDER BY entity_id, ts_ms, seq`)
	return sb.String(), args
}

func lowerBoundMs(t time.Time) int64 {
	if t.IsZero() {
		return math.MinInt64
	}
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}

func upperBoundMs(t time.Time) int64 {
	if t.IsZero() {
		return math.MaxInt64
	}
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) < 0 {
		ms--
	}
	return ms
}

// IsMember reports whether the entity belonged to the population at asOf.
func (s *Store) IsMember(ctx context.Context, populationID, entityID string, asOf time.Time) (bool, error) {
	at := asOf.UnixMilli()
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM population_members
		WHERE population_id = ? AND entity_id = ? AND joined_ms <= ?
		  AND (left_ms IS NULL OR left_ms > ?)
		LIMIT 1
	`, populationID, entityID, at, at).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership %s/%s: %w", populationID, entityID, err)
	}
	return true, nil
}
