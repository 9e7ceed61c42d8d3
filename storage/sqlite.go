package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	_ "modernc.org/sqlite"

	"taskboard/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id       TEXT PRIMARY KEY,
	username TEXT NOT NULL DEFAULT '',
	email    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS projects (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	owner        TEXT NOT NULL,
	members_json TEXT NOT NULL DEFAULT '[]',
	columns_json TEXT NOT NULL DEFAULT '[]',
	color        TEXT NOT NULL DEFAULT '',
	archived     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	column_id    TEXT NOT NULL,
	ord          INTEGER NOT NULL,
	title        TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	assignee     TEXT NOT NULL DEFAULT '',
	creator      TEXT NOT NULL DEFAULT '',
	priority     TEXT NOT NULL DEFAULT 'medium',
	status       TEXT NOT NULL DEFAULT 'active',
	tags_json    TEXT NOT NULL DEFAULT '',
	due_at       INTEGER,
	completed_at INTEGER,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	version      INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_tasks_column ON tasks(project_id, column_id, ord);
`

const taskColumns = `id, project_id, column_id, ord, title, description, assignee, creator,
	priority, status, tags_json, due_at, completed_at, created_at, updated_at, version`

type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is a single-node store for local development and tests.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func fromNullableUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                    domain.Task
		assignee, creator    string
		tags                 string
		due, completed       sql.NullInt64
		createdAt, updatedAt int64
		version              int64
	)
	err := row.Scan(&t.ID, &t.ProjectID, &t.Column, &t.Order, &t.Title, &t.Description, &assignee, &creator,
		&t.Priority, &t.Status, &tags, &due, &completed, &createdAt, &updatedAt, &version)
	if err != nil {
		return domain.Task{}, err
	}
	if assignee != "" {
		t.Assignee = &domain.UserRef{ID: assignee}
	}
	if creator != "" {
		t.Creator = &domain.UserRef{ID: creator}
	}
	if tags != "" {
		if err := sonic.UnmarshalString(tags, &t.Tags); err != nil {
			return domain.Task{}, fmt.Errorf("decode tags of %s: %w", t.ID, err)
		}
	}
	t.DueDate = fromNullableUnix(due)
	t.CompletedAt = fromNullableUnix(completed)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	t.Version = strconv.FormatInt(version, 10)
	return t, nil
}

func queryTasks(ctx context.Context, ex executor, query string, args ...any) ([]domain.Task, error) {
	rows, err := ex.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func encodeTags(tags []string) (string, error) {
	if len(tags) == 0 {
		return "", nil
	}
	return sonic.MarshalString(tags)
}

// GetTask implements domain.TaskStore.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListColumn implements domain.TaskStore.
func (s *SQLiteStore) ListColumn(ctx context.Context, projectID, column string) ([]domain.Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks
		WHERE project_id = ? AND column_id = ? ORDER BY ord, id`, projectID, column)
}

// ListProjectTasks implements domain.TaskStore.
func (s *SQLiteStore) ListProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	return queryTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks
		WHERE project_id = ? ORDER BY column_id, ord, id`, projectID)
}

// InsertTask implements domain.TaskStore.
func (s *SQLiteStore) InsertTask(ctx context.Context, t domain.Task) error {
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		t.ID, t.ProjectID, t.Column, t.Order, t.Title, t.Description, t.AssigneeID(), t.CreatorID(),
		t.Priority, t.Status, tags, nullableUnix(t.DueDate), nullableUnix(t.CompletedAt),
		t.CreatedAt.UTC().UnixNano(), t.UpdatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

func parseVersion(v string) (int64, error) {
	if v == "" {
		return 0, fmt.Errorf("%w: task has no version", domain.ErrConcurrencyConflict)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed version %q", domain.ErrConcurrencyConflict, v)
	}
	return n, nil
}

// UpdateTask writes descriptive fields when t.Version is current. Column and
// order are left alone.
func (s *SQLiteStore) UpdateTask(ctx context.Context, t domain.Task) error {
	version, err := parseVersion(t.Version)
	if err != nil {
		return err
	}
	tags, err := encodeTags(t.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET
		title = ?, description = ?, assignee = ?, priority = ?, status = ?, tags_json = ?,
		due_at = ?, completed_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		t.Title, t.Description, t.AssigneeID(), t.Priority, t.Status, tags,
		nullableUnix(t.DueDate), nullableUnix(t.CompletedAt), t.UpdatedAt.UTC().UnixNano(),
		t.ID, version)
	if err != nil {
		return err
	}
	return s.checkAffected(ctx, s.db, res, t.ID)
}

// checkAffected turns a guarded write that matched nothing into a conflict,
// or ErrTaskNotFound when the row is gone.
func (s *SQLiteStore) checkAffected(ctx context.Context, ex executor, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists int
	err = ex.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: task %s vanished", domain.ErrConcurrencyConflict, id)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s changed", domain.ErrConcurrencyConflict, id)
}

// CommitBatch applies every write in one transaction, each guarded by version.
func (s *SQLiteStore) CommitBatch(ctx context.Context, b domain.Batch) error {
	if b.Empty() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, t := range b.Updates {
		version, err := parseVersion(t.Version)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET column_id = ?, ord = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND project_id = ? AND version = ?`,
			t.Column, t.Order, t.UpdatedAt.UTC().UnixNano(), t.ID, b.ProjectID, version)
		if err != nil {
			return fmt.Errorf("failed to update task %s: %w", t.ID, err)
		}
		if err := s.checkAffected(ctx, tx, res, t.ID); err != nil {
			return err
		}
	}
	for _, t := range b.Deletes {
		version, err := parseVersion(t.Version)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ? AND project_id = ? AND version = ?`,
			t.ID, b.ProjectID, version)
		if err != nil {
			return fmt.Errorf("failed to delete task %s: %w", t.ID, err)
		}
		if err := s.checkAffected(ctx, tx, res, t.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetProject implements domain.ProjectStore.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var (
		p                domain.Project
		members, columns string
		archived         int
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, title, description, owner, members_json, columns_json, color, archived
		FROM projects WHERE id = ?`, id).Scan(&p.ID, &p.Title, &p.Description, &p.Owner, &members, &columns, &p.Color, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := sonic.UnmarshalString(members, &p.Members); err != nil {
		return nil, fmt.Errorf("decode members of %s: %w", id, err)
	}
	if err := sonic.UnmarshalString(columns, &p.Columns); err != nil {
		return nil, fmt.Errorf("decode columns of %s: %w", id, err)
	}
	if len(p.Columns) == 0 {
		p.Columns = domain.DefaultColumns()
	}
	p.Archived = archived != 0
	return &p, nil
}

// UpsertProject creates or replaces a project.
func (s *SQLiteStore) UpsertProject(ctx context.Context, p domain.Project) error {
	if p.Members == nil {
		p.Members = []domain.Member{}
	}
	if len(p.Columns) == 0 {
		p.Columns = domain.DefaultColumns()
	}
	members, err := sonic.MarshalString(p.Members)
	if err != nil {
		return err
	}
	columns, err := sonic.MarshalString(p.Columns)
	if err != nil {
		return err
	}
	archived := 0
	if p.Archived {
		archived = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO projects (id, title, description, owner, members_json, columns_json, color, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, description = excluded.description,
			owner = excluded.owner, members_json = excluded.members_json, columns_json = excluded.columns_json,
			color = excluded.color, archived = excluded.archived`,
		p.ID, p.Title, p.Description, p.Owner, members, columns, p.Color, archived)
	return err
}

// UpsertUser creates or replaces a user.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u domain.UserRef) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, username, email) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, email = excluded.email`,
		u.ID, u.Username, u.Email)
	return err
}

// LookupUsers implements domain.UserDirectory.
func (s *SQLiteStore) LookupUsers(ctx context.Context, ids []string) (map[string]domain.UserRef, error) {
	out := make(map[string]domain.UserRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, email FROM users WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var u domain.UserRef
		if err := rows.Scan(&u.ID, &u.Username, &u.Email); err != nil {
			return nil, err
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}
