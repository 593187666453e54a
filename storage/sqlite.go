package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"taskboard/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlListTasks = `SELECT id, title, description, column_id, sort_order, owner, created_at
FROM tasks WHERE owner = ? ORDER BY sort_order ASC, created_at ASC, id ASC`
	sqlFindTask = `SELECT id, title, description, column_id, sort_order, owner, created_at
FROM tasks WHERE id = ?`
	sqlInsertTask = `INSERT INTO tasks (id, title, description, column_id, sort_order, owner, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateTask = `UPDATE tasks SET title = ?, description = ?, column_id = ?, sort_order = ? WHERE id = ?`
	sqlDeleteTask = `DELETE FROM tasks WHERE id = ?`
)

// SQLite stores tasks in a local SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens the database at path and applies pending migrations.
func OpenSQLite(ctx context.Context, path string, logger *log.Logger) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: opening database %s: %w", path, err)
	}
	// Single writer; SQLite serializes row writes for us.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *log.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: creating migration sub-filesystem: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("storage: creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("storage: running migrations: %w", err)
	}
	for _, r := range results {
		logger.WithFields(log.Fields{
			"source":      r.Source.Path,
			"duration_ms": r.Duration.Milliseconds(),
		}).Info("applied migration")
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t         domain.Task
		column    string
		createdAt int64
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &column, &t.Order, &t.Owner, &createdAt); err != nil {
		return domain.Task{}, err
	}
	t.ColumnID = domain.ColumnID(column)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	return t, nil
}

func (s *SQLite) List(ctx context.Context, owner string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, sqlListTasks, owner)
	if err != nil {
		return nil, domain.NewStoreError("list", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, domain.NewStoreError("list", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStoreError("list", err)
	}
	return tasks, nil
}

func (s *SQLite) FindByID(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, sqlFindTask, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, domain.NewStoreError("find", err)
	}
	return t, nil
}

func (s *SQLite) Create(ctx context.Context, task domain.Task) (domain.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, sqlInsertTask,
		task.ID, task.Title, task.Description, string(task.ColumnID), task.Order, task.Owner, task.CreatedAt.UnixNano())
	if err != nil {
		return domain.Task{}, domain.NewStoreError("create", err)
	}
	return task, nil
}

func (s *SQLite) UpdateByID(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, domain.NewStoreError("update", err)
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := scanTask(tx.QueryRowContext(ctx, sqlFindTask, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, domain.NewStoreError("update", err)
	}
	patch.Apply(&t)
	if _, err := tx.ExecContext(ctx, sqlUpdateTask, t.Title, t.Description, string(t.ColumnID), t.Order, id); err != nil {
		return domain.Task{}, domain.NewStoreError("update", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, domain.NewStoreError("update", err)
	}
	return t, nil
}

func (s *SQLite) DeleteByID(ctx context.Context, id string) (domain.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, domain.NewStoreError("delete", err)
	}
	defer tx.Rollback() //nolint:errcheck

	t, err := scanTask(tx.QueryRowContext(ctx, sqlFindTask, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrTaskNotFound
	}
	if err != nil {
		return domain.Task{}, domain.NewStoreError("delete", err)
	}
	if _, err := tx.ExecContext(ctx, sqlDeleteTask, id); err != nil {
		return domain.Task{}, domain.NewStoreError("delete", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, domain.NewStoreError("delete", err)
	}
	return t, nil
}
