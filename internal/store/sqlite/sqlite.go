package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/vovakirdan/wirechat-relay/internal/store"
)

// Driver names accepted by New. They match the names the drivers register
// with database/sql.
const (
	DriverCGO    = "sqlite3"
	DriverPureGo = "sqlite"
)

const schema = `
	CREATE TABLE IF NOT EXISTS messages (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		content   TEXT NOT NULL,
		author    TEXT NOT NULL DEFAULT 'Anonymous',
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
`

// SQLiteStore implements store.MessageStore for SQLite.
// The AUTOINCREMENT row id is the message position.
type SQLiteStore struct {
	db *sql.DB
}

// New opens a SQLite log at dbPath with the given driver.
func New(driver, dbPath string) (*SQLiteStore, error) {
	dsn, err := buildDSN(driver, dbPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithSetup opens a SQLite log and runs a setup function before use.
// Useful for tests that need a legacy or pre-seeded schema.
func NewWithSetup(driver, dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	s, err := New(driver, dbPath)
	if err != nil {
		return nil, err
	}
	if setup != nil {
		if err := setup(s.db); err != nil {
			s.db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	return s, nil
}

func buildDSN(driver, dbPath string) (string, error) {
	switch driver {
	case DriverCGO:
		return dbPath + "?_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverPureGo:
		if dbPath == ":memory:" {
			return dbPath, nil
		}
		return "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q", driver)
	}
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Bootstrap creates the messages table and upgrades logs written before
// messages carried an author.
func (s *SQLiteStore) Bootstrap(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: create messages table: %w", store.ErrStorage, err)
	}

	hasAuthor, err := s.hasColumn(ctx, "messages", "author")
	if err != nil {
		return err
	}
	if !hasAuthor {
		query := `ALTER TABLE messages ADD COLUMN author TEXT NOT NULL DEFAULT 'Anonymous'`
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("%w: add author column: %w", store.ErrStorage, err)
		}
	}
	return nil
}

func (s *SQLiteStore) hasColumn(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, fmt.Errorf("%w: table info: %w", store.ErrStorage, err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, fmt.Errorf("%w: scan table info: %w", store.ErrStorage, err)
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("%w: table info: %w", store.ErrStorage, err)
	}
	return found, nil
}

// Append inserts a message inside a transaction. A rolled back insert does
// not advance sqlite_sequence, so a failure leaves no gap.
func (s *SQLiteStore) Append(ctx context.Context, content, author string) (*store.Message, error) {
	content, author, err := store.Normalize(content, author)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", store.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `INSERT INTO messages (content, author) VALUES (?, ?)`, content, author)
	if err != nil {
		return nil, fmt.Errorf("%w: insert message: %w", store.ErrStorage, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: get last insert id: %w", store.ErrStorage, err)
	}

	var unix int64
	query := `SELECT CAST(strftime('%s', timestamp) AS INTEGER) FROM messages WHERE id = ?`
	if err := tx.QueryRowContext(ctx, query, id).Scan(&unix); err != nil {
		return nil, fmt.Errorf("%w: read timestamp: %w", store.ErrStorage, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", store.ErrStorage, err)
	}

	return &store.Message{
		Position:  id,
		Content:   content,
		Author:    author,
		CreatedAt: time.Unix(unix, 0).UTC(),
	}, nil
}

// ReadAfter returns messages with id > after. A single SELECT reads from one
// snapshot in SQLite, so rows committed later are never part of the result.
func (s *SQLiteStore) ReadAfter(ctx context.Context, after int64) ([]*store.Message, error) {
	return s.readAfter(ctx, after, -1)
}

// ReadPage returns up to limit messages with id > after.
func (s *SQLiteStore) ReadPage(ctx context.Context, after int64, limit int) ([]*store.Message, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", store.ErrValidation)
	}
	return s.readAfter(ctx, after, limit)
}

// readAfter reads with a SQL LIMIT; a negative limit means no limit in SQLite.
func (s *SQLiteStore) readAfter(ctx context.Context, after int64, limit int) ([]*store.Message, error) {
	query := `
		SELECT id, content, author, CAST(strftime('%s', COALESCE(timestamp, CURRENT_TIMESTAMP)) AS INTEGER)
		FROM messages
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, max(after, 0), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query messages: %w", store.ErrStorage, err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		var (
			msg  store.Message
			unix int64
		)
		if err := rows.Scan(&msg.Position, &msg.Content, &msg.Author, &unix); err != nil {
			return nil, fmt.Errorf("%w: scan message: %w", store.ErrStorage, err)
		}
		msg.CreatedAt = time.Unix(unix, 0).UTC()
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate messages: %w", store.ErrStorage, err)
	}

	return messages, nil
}

// Last returns the highest position in the log.
func (s *SQLiteStore) Last(ctx context.Context) (int64, error) {
	var last int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages`).Scan(&last); err != nil {
		return 0, fmt.Errorf("%w: query last position: %w", store.ErrStorage, err)
	}
	return last, nil
}
