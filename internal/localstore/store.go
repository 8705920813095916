// Package localstore is an embedded SQLite backend with the same contract
// as the hosted service: whole-collection fetches, inserts that return the
// stored row, deletes by id, and change subscriptions. Several processes
// may share one database file; each tails the changes table that SQL
// triggers fill on every mutation, so cascaded deletes are seen too.
package localstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"slices"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tonimelisma/researchroom/internal/record"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timestampLayout is fixed-width so that text order equals time order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// changelogRetention is how many change rows survive a prune at open.
const changelogRetention = 10000

// Store is a SQLite-backed record store.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	nowFunc func() time.Time
	newID   func() string

	tail *tailer

	closeOnce stdsync.Once
}

// Open opens (creating if needed) the database at path, migrates it, and
// starts the change tailer.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	return open(ctx, path, logger, nil)
}

func open(ctx context.Context, path string, logger *slog.Logger, tweak func(*tailer)) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// DSN parameters ensure pragmas apply to every connection from the pool.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("localstore: opening database %s: %w", path, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	version, err := migrate(ctx, db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		path:    path,
		logger:  logger,
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}

	if err := s.pruneChangelog(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.tail = newTailer(s, logger)
	if tweak != nil {
		tweak(s.tail)
	}

	if err := s.tail.start(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("local store opened",
		slog.String("path", path),
		slog.Int64("schema_version", version),
	)

	return s, nil
}

// migrate applies pending migrations with the goose Provider API and
// returns the resulting schema version.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) (int64, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("localstore: migration filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, sub)
	if err != nil {
		return 0, fmt.Errorf("localstore: migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("localstore: migrating: %w", err)
	}

	for _, r := range results {
		logger.Debug("applied migration",
			slog.String("source", r.Source.Path),
			slog.Duration("took", r.Duration),
		)
	}

	version, err := provider.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("localstore: reading schema version: %w", err)
	}

	return version, nil
}

func (s *Store) pruneChangelog(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM changes WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM changes) - ?`,
		changelogRetention)
	if err != nil {
		return fmt.Errorf("localstore: pruning changelog: %w", err)
	}

	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("pruned changelog", slog.Int64("rows", n))
	}

	return nil
}

// Close stops the tailer and closes the database. Idempotent.
func (s *Store) Close() error {
	var err error

	s.closeOnce.Do(func() {
		s.tail.stop()
		err = s.db.Close()
	})

	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// FetchCollection reads every row of collection matching filter, sorted by
// order, as JSON objects.
func (s *Store) FetchCollection(
	ctx context.Context, collection record.Collection, filter record.Filter, order record.Order,
) ([]json.RawMessage, error) {
	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}

	query, args, err := t.selectQuery(filter, order)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Sprintf("fetching %s", collection), err)
	}
	defer rows.Close()

	out := []json.RawMessage{}

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, classify(fmt.Sprintf("scanning %s", collection), err)
		}

		out = append(out, json.RawMessage(raw))
	}

	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Sprintf("iterating %s", collection), err)
	}

	return out, nil
}

// Insert stores row and returns it as stored. The id and created_at are
// assigned when absent; unknown fields are ignored.
func (s *Store) Insert(ctx context.Context, collection record.Collection, row any) (json.RawMessage, error) {
	t, err := lookupTable(collection)
	if err != nil {
		return nil, err
	}

	values, err := s.rowValues(t, row)
	if err != nil {
		return nil, err
	}

	cols := slices.Sorted(maps.Keys(values))
	args := make([]any, len(cols))

	for i, c := range cols {
		args[i] = values[c]
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(cols, ", "), placeholders)

	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, classify(fmt.Sprintf("inserting into %s", collection), err)
	}

	var raw string

	q := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", t.jsonSelect(), t.name)
	if err := s.db.QueryRowContext(ctx, q, values["id"]).Scan(&raw); err != nil {
		return nil, classify(fmt.Sprintf("reading back %s", collection), err)
	}

	s.logger.Info("inserted row",
		slog.String("collection", string(collection)),
		slog.Any("id", values["id"]),
	)

	s.tail.poke()

	return json.RawMessage(raw), nil
}

// rowValues turns row into whitelisted column values, filling defaults.
func (s *Store) rowValues(t table, row any) (map[string]any, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("localstore: encoding %s row: %w", t.name, err)
	}

	var in map[string]any
	if err := json.Unmarshal(b, &in); err != nil {
		return nil, fmt.Errorf("localstore: %s row is not an object: %w", t.name, record.ErrInvalidInput)
	}

	values := make(map[string]any, len(t.columns))

	for _, c := range t.columns {
		v, ok := in[c]
		if !ok || v == nil {
			continue
		}

		switch tv := v.(type) {
		case string:
			values[c] = tv
		default:
			values[c] = fmt.Sprint(tv)
		}
	}

	for c, v := range t.defaults {
		if _, ok := values[c]; !ok {
			values[c] = v
		}
	}

	for _, c := range t.required {
		if v, ok := values[c].(string); !ok || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("localstore: %s.%s is required: %w", t.name, c, record.ErrInvalidInput)
		}
	}

	if id, _ := values["id"].(string); id == "" {
		values["id"] = s.newID()
	}

	created := s.nowFunc()
	if v, ok := values["created_at"].(string); ok && v != "" {
		parsed, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("localstore: created_at %q: %w", v, record.ErrInvalidInput)
		}

		if !parsed.IsZero() {
			created = parsed
		}
	}

	values["created_at"] = created.UTC().Format(timestampLayout)

	return values, nil
}

// Delete removes the row with the given id; children cascade. Deleting a
// row that is already gone succeeds.
func (s *Store) Delete(ctx context.Context, collection record.Collection, id string) error {
	t, err := lookupTable(collection)
	if err != nil {
		return err
	}

	if id == "" {
		return fmt.Errorf("localstore: delete from %s without id: %w", collection, record.ErrInvalidInput)
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM "+t.name+" WHERE id = ?", id)
	if err != nil {
		return classify(fmt.Sprintf("deleting from %s", collection), err)
	}

	n, _ := res.RowsAffected()

	s.logger.Info("deleted row",
		slog.String("collection", string(collection)),
		slog.String("id", id),
		slog.Int64("rows", n),
	)

	s.tail.poke()

	return nil
}

// classify maps driver errors into the record taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("localstore: %s: %w", op, record.ErrNotFound)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("localstore: %s: %w", op, err)
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("localstore: %s: parent missing: %w", op, record.ErrNotFound)
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_CONSTRAINT_NOTNULL, sqlite3.SQLITE_CONSTRAINT_CHECK,
			sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return fmt.Errorf("localstore: %s: %w: %w", op, record.ErrInvalidInput, err)
		case sqlite3.SQLITE_READONLY, sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH:
			return fmt.Errorf("localstore: %s: %w: %w", op, record.ErrPermission, err)
		}
	}

	return fmt.Errorf("localstore: %s: %w: %w", op, record.ErrRemoteUnavailable, err)
}
