// Package taskstore is the device-local task database the agent executes
// commands against.
package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/todo-1m/taskbridge/internal/contracts"
	_ "modernc.org/sqlite"
)

const DefaultListTitle = "Reminders"

var (
	ErrAccessDenied = errors.New("task store permission denied")
	ErrTaskNotFound = errors.New("task not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS lists (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	is_default INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	list_id TEXT NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	completed INTEGER NOT NULL DEFAULT 0,
	due_at INTEGER,
	completed_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_list_idx ON tasks(list_id, created_at);
`

type Store struct {
	db    *sql.DB
	Now   func() time.Time
	NewID func() string
}

// Open opens (creating if needed) the SQLite database at path and makes sure
// a default list exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := sql.Open("sqlite", cleanPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{
		db:    db,
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
	if err := s.ensureDefaultList(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureAccess fails when the database cannot be reached for writing.
func (s *Store) EnsureAccess(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrAccessDenied
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	return nil
}

// CreateList adds a list and returns it.
func (s *Store) CreateList(ctx context.Context, title string) (contracts.TaskList, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return contracts.TaskList{}, fmt.Errorf("list title is required")
	}
	list := contracts.TaskList{ID: s.NewID(), Title: title}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lists (id, title, is_default, created_at) VALUES (?, ?, 0, ?)`,
		list.ID, list.Title, s.Now().UnixMilli())
	if err != nil {
		return contracts.TaskList{}, err
	}
	return list, nil
}

// Execute runs one decoded command.
func (s *Store) Execute(ctx context.Context, cmd contracts.Command) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch c := cmd.(type) {
	case *contracts.ListLists:
		return s.listLists(ctx)
	case *contracts.ListTasks:
		return s.listTasks(ctx, c)
	case *contracts.CreateTask:
		return s.createTask(ctx, c)
	case *contracts.UpdateTask:
		return s.updateTask(ctx, c)
	case *contracts.CompleteTask:
		return s.completeTask(ctx, c)
	case *contracts.DeleteTask:
		return s.deleteTask(ctx, c)
	default:
		return nil, fmt.Errorf("%w: %T", contracts.ErrUnknownKind, cmd)
	}
}

func (s *Store) ensureDefaultList(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists WHERE is_default = 1`).Scan(&n); err != nil {
		return fmt.Errorf("check default list: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lists (id, title, is_default, created_at) VALUES (?, ?, 1, ?)`,
		s.NewID(), DefaultListTitle, s.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("create default list: %w", err)
	}
	return nil
}

func (s *Store) listLists(ctx context.Context) ([]contracts.TaskList, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title FROM lists ORDER BY is_default DESC, created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []contracts.TaskList{}
	for rows.Next() {
		var l contracts.TaskList
		if err := rows.Scan(&l.ID, &l.Title); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// resolveList returns listID when it exists, otherwise the default list.
func (s *Store) resolveList(ctx context.Context, listID string) (string, bool, error) {
	if listID = strings.TrimSpace(listID); listID != "" {
		var id string
		err := s.db.QueryRowContext(ctx, `SELECT id FROM lists WHERE id = ?`, listID).Scan(&id)
		if err == nil {
			return id, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", false, err
		}
	}
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM lists WHERE is_default = 1 LIMIT 1`).Scan(&id); err != nil {
		return "", false, err
	}
	return id, false, nil
}

const taskColumns = `id, list_id, title, notes, completed, due_at, completed_at`

func (s *Store) listTasks(ctx context.Context, c *contracts.ListTasks) ([]contracts.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if c.ListID != "" {
		// Unknown lists widen to every list.
		if id, found, err := s.resolveList(ctx, c.ListID); err != nil {
			return nil, err
		} else if found {
			query += ` AND list_id = ?`
			args = append(args, id)
		}
	}
	switch c.Status {
	case contracts.StatusCompleted:
		query += ` AND completed = 1`
	case contracts.StatusNeedsAction:
		query += ` AND completed = 0`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []contracts.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) createTask(ctx context.Context, c *contracts.CreateTask) (contracts.Task, error) {
	listID, _, err := s.resolveList(ctx, c.ListID)
	if err != nil {
		return contracts.Task{}, err
	}
	id := s.NewID()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, list_id, title, notes, completed, due_at, created_at) VALUES (?, ?, ?, ?, 0, ?, ?)`,
		id, listID, c.Title, c.Notes, parseDue(c.DueISO), s.Now().UnixMilli())
	if err != nil {
		return contracts.Task{}, err
	}
	return s.getTask(ctx, id)
}

func (s *Store) updateTask(ctx context.Context, c *contracts.UpdateTask) (contracts.Task, error) {
	if _, err := s.getTask(ctx, c.TaskID); err != nil {
		return contracts.Task{}, err
	}
	sets := []string{}
	args := []any{}
	if c.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, strings.TrimSpace(*c.Title))
	}
	if c.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *c.Notes)
	}
	if c.DueISO != nil {
		// Empty or unparseable clears the due date.
		sets = append(sets, "due_at = ?")
		args = append(args, parseDue(*c.DueISO))
	}
	if len(sets) > 0 {
		args = append(args, c.TaskID)
		if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
			return contracts.Task{}, err
		}
	}
	return s.getTask(ctx, c.TaskID)
}

func (s *Store) completeTask(ctx context.Context, c *contracts.CompleteTask) (contracts.Task, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET completed = 1, completed_at = ? WHERE id = ?`,
		s.Now().UnixMilli(), c.TaskID)
	if err != nil {
		return contracts.Task{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return contracts.Task{}, err
	} else if n == 0 {
		return contracts.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, c.TaskID)
	}
	return s.getTask(ctx, c.TaskID)
}

// deleteTask treats a missing task as already deleted.
func (s *Store) deleteTask(ctx context.Context, c *contracts.DeleteTask) (contracts.EmptyResult, error) {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, c.TaskID); err != nil {
		return contracts.EmptyResult{}, err
	}
	return contracts.EmptyResult{OK: true}, nil
}

func (s *Store) getTask(ctx context.Context, id string) (contracts.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return contracts.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (contracts.Task, error) {
	var (
		t           contracts.Task
		completed   bool
		due, doneAt sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.ListID, &t.Title, &t.Notes, &completed, &due, &doneAt); err != nil {
		return contracts.Task{}, err
	}
	t.Status = contracts.StatusNeedsAction
	if completed {
		t.Status = contracts.StatusCompleted
	}
	if due.Valid {
		t.DueISO = time.UnixMilli(due.Int64).UTC().Format(time.RFC3339)
	}
	if doneAt.Valid {
		t.CompletedISO = time.UnixMilli(doneAt.Int64).UTC().Format(time.RFC3339)
	}
	t.URL = "taskbridge://task/" + t.ID
	return t, nil
}

func parseDue(iso string) sql.NullInt64 {
	if strings.TrimSpace(iso) == "" {
		return sql.NullInt64{}
	}
	ts, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.UnixMilli(), Valid: true}
}
