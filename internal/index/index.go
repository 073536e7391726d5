// Package index maintains an optional SQLite cache of decoded issues so
// list queries do not have to enumerate and decode every object. The ref
// store stays authoritative: the cache is rebuilt from it on open and
// kept fresh by mutation events, and a stale or missing cache is never an
// error, just a slower list.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/odi-tracker/odi/internal/core"
)

// DB wraps the SQLite connection holding the issue cache.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the cache database at path. The caller must
// Close it; closing checkpoints the WAL.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping index database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	// WAL keeps readers unblocked while the daemon writes.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string { return db.path }

// Close checkpoints and closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint index WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close index database: %w", err)
	}
	db.conn = nil
	return nil
}

func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS issues (
		id TEXT PRIMARY KEY,
		hash TEXT NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		priority_rank INTEGER NOT NULL,
		author TEXT NOT NULL,
		assignees TEXT NOT NULL,  -- comma-joined, comma-padded for LIKE
		labels TEXT NOT NULL,
		project TEXT,
		created_at INTEGER NOT NULL, -- epoch millis
		updated_at INTEGER NOT NULL,
		closed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_issues_status ON issues(status);
	CREATE INDEX IF NOT EXISTS idx_issues_project ON issues(project);
	CREATE INDEX IF NOT EXISTS idx_issues_author ON issues(author);
	CREATE INDEX IF NOT EXISTS idx_issues_rank ON issues(priority_rank, created_at);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return nil
}

// setText joins a set field so membership tests can use LIKE with
// delimiters: ["a","b"] becomes ",a,b,".
func setText(set []string) string {
	if len(set) == 0 {
		return ","
	}
	return "," + strings.Join(set, ",") + ","
}

func parseSetText(s string) []string {
	trimmed := strings.Trim(s, ",")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, ",")
}

// Upsert inserts or replaces one issue row.
func (db *DB) Upsert(ctx context.Context, issue *core.Issue, hash core.Hash) error {
	if err := issue.Validate(); err != nil {
		return fmt.Errorf("invalid issue for index: %w", err)
	}

	var project sql.NullString
	if issue.Project != nil {
		project = sql.NullString{String: *issue.Project, Valid: true}
	}
	var closedAt sql.NullInt64
	if issue.ClosedAt != nil {
		closedAt = sql.NullInt64{Int64: issue.ClosedAt.UnixMilli(), Valid: true}
	}

	query := `
	INSERT INTO issues (
		id, hash, title, status, priority, priority_rank, author,
		assignees, labels, project, created_at, updated_at, closed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		hash = excluded.hash,
		title = excluded.title,
		status = excluded.status,
		priority = excluded.priority,
		priority_rank = excluded.priority_rank,
		author = excluded.author,
		assignees = excluded.assignees,
		labels = excluded.labels,
		project = excluded.project,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		closed_at = excluded.closed_at
	`
	_, err := db.conn.ExecContext(ctx, query,
		issue.ID.String(),
		hash.String(),
		issue.Title,
		string(issue.Status),
		string(issue.Priority),
		issue.Priority.Rank(),
		issue.Author,
		setText(issue.Assignees),
		setText(issue.Labels),
		project,
		issue.CreatedAt.UnixMilli(),
		issue.UpdatedAt.UnixMilli(),
		closedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert issue %s: %w", issue.ID, err)
	}
	return nil
}

// Delete removes one issue row. Deleting an absent row is a no-op.
func (db *DB) Delete(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM issues WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete issue %s from index: %w", id, err)
	}
	return nil
}

// Rebuild replaces the whole cache with the given issues in one
// transaction. Called on open and by the daemon's full resync.
func (db *DB) Rebuild(ctx context.Context, issues map[core.Hash]*core.Issue) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rebuild transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM issues"); err != nil {
		return fmt.Errorf("failed to clear index: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO issues (
		id, hash, title, status, priority, priority_rank, author,
		assignees, labels, project, created_at, updated_at, closed_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare rebuild insert: %w", err)
	}
	defer stmt.Close()

	for hash, issue := range issues {
		var project sql.NullString
		if issue.Project != nil {
			project = sql.NullString{String: *issue.Project, Valid: true}
		}
		var closedAt sql.NullInt64
		if issue.ClosedAt != nil {
			closedAt = sql.NullInt64{Int64: issue.ClosedAt.UnixMilli(), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			issue.ID.String(),
			hash.String(),
			issue.Title,
			string(issue.Status),
			string(issue.Priority),
			issue.Priority.Rank(),
			issue.Author,
			setText(issue.Assignees),
			setText(issue.Labels),
			project,
			issue.CreatedAt.UnixMilli(),
			issue.UpdatedAt.UnixMilli(),
			closedAt,
		); err != nil {
			return fmt.Errorf("failed to insert issue %s during rebuild: %w", issue.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return nil
}

// Count returns the number of cached issues.
func (db *DB) Count(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM issues").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count indexed issues: %w", err)
	}
	return count, nil
}

// Row is one cached issue: enough for list output without decoding the
// object. Full entity reads still go through the object store.
type Row struct {
	ID        uuid.UUID
	Hash      core.Hash
	Title     string
	Status    core.Status
	Priority  core.Priority
	Author    string
	Assignees []string
	Labels    []string
	Project   string
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

// List applies the filter with SQL predicates, ordered by priority
// (critical first) then creation time.
func (db *DB) List(ctx context.Context, filter core.IssueFilter) ([]Row, error) {
	conditions := []string{"1=1"}
	var args []any

	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		conditions = append(conditions, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.Author != "" {
		conditions = append(conditions, "author = ?")
		args = append(args, filter.Author)
	}
	if filter.Assignee != "" {
		conditions = append(conditions, "assignees LIKE ?")
		args = append(args, "%,"+filter.Assignee+",%")
	}
	if filter.Label != "" {
		conditions = append(conditions, "labels LIKE ?")
		args = append(args, "%,"+filter.Label+",%")
	}
	if filter.Project != "" {
		conditions = append(conditions, "project = ?")
		args = append(args, filter.Project)
	}

	query := `
		SELECT id, hash, title, status, priority, author,
		       assignees, labels, project, created_at, updated_at, closed_at
		FROM issues
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY priority_rank DESC, created_at ASC, id ASC
	`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issue index: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]Row, error) {
	var out []Row
	for rows.Next() {
		var (
			row       Row
			id        string
			hash      string
			status    string
			priority  string
			assignees string
			labels    string
			project   sql.NullString
			createdAt int64
			updatedAt int64
			closedAt  sql.NullInt64
		)
		if err := rows.Scan(
			&id, &hash, &row.Title, &status, &priority, &row.Author,
			&assignees, &labels, &project, &createdAt, &updatedAt, &closedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan issue row: %w", err)
		}

		parsed, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("index holds malformed issue ID %q: %w", id, err)
		}
		row.ID = parsed
		h, err := core.ParseHash(hash)
		if err != nil {
			return nil, fmt.Errorf("index holds malformed hash for %s: %w", id, err)
		}
		row.Hash = h
		row.Status = core.Status(status)
		row.Priority = core.Priority(priority)
		row.Assignees = parseSetText(assignees)
		row.Labels = parseSetText(labels)
		if project.Valid {
			row.Project = project.String
		}
		row.CreatedAt = core.MillisToTime(createdAt)
		row.UpdatedAt = core.MillisToTime(updatedAt)
		if closedAt.Valid {
			t := core.MillisToTime(closedAt.Int64)
			row.ClosedAt = &t
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating issue rows: %w", err)
	}
	return out, nil
}
