package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fieldbook/internal/models"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteStore persists documents as versioned rows; conditional writes are a
// version-guarded UPDATE.
type SQLiteStore struct {
	db     *sql.DB
	logger *zerolog.Logger
}

func NewSQLiteStore(path string, logger *zerolog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	// Создаем директорию для БД, если её нет
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("sqlite document store initialized")
	return &SQLiteStore{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS documents (
            collection TEXT NOT NULL,
            doc_key TEXT NOT NULL,
            version INTEGER NOT NULL,
            data BLOB NOT NULL,
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (collection, doc_key)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents(updated_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, collection, key string) (*models.Document, error) {
	query := `SELECT version, data, updated_at FROM documents WHERE collection = ? AND doc_key = ?`

	doc := models.Document{Collection: collection, Key: key}
	err := s.db.QueryRowContext(ctx, query, collection, key).Scan(&doc.Version, &doc.Data, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.classify("get document", err)
	}
	return &doc, nil
}

func (s *SQLiteStore) Put(ctx context.Context, collection, key string, data []byte, cond models.WriteCondition) (int64, error) {
	now := time.Now().UTC()

	if !cond.Check {
		query := `INSERT INTO documents (collection, doc_key, version, data, updated_at)
                  VALUES (?, ?, 1, ?, ?)
                  ON CONFLICT(collection, doc_key) DO UPDATE SET
                      data = excluded.data,
                      version = documents.version + 1,
                      updated_at = excluded.updated_at
                  RETURNING version`
		var version int64
		if err := s.db.QueryRowContext(ctx, query, collection, key, data, now).Scan(&version); err != nil {
			return 0, s.classify("upsert document", err)
		}
		return version, nil
	}

	if cond.Version == 0 {
		query := `INSERT INTO documents (collection, doc_key, version, data, updated_at)
                  VALUES (?, ?, 1, ?, ?)
                  ON CONFLICT(collection, doc_key) DO NOTHING`
		result, err := s.db.ExecContext(ctx, query, collection, key, data, now)
		if err != nil {
			return 0, s.classify("insert document", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return 0, ErrVersionConflict
		}
		return 1, nil
	}

	query := `UPDATE documents SET data = ?, version = version + 1, updated_at = ?
              WHERE collection = ? AND doc_key = ? AND version = ?`
	result, err := s.db.ExecContext(ctx, query, data, now, collection, key, cond.Version)
	if err != nil {
		return 0, s.classify("update document", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return 0, ErrVersionConflict
	}
	return cond.Version + 1, nil
}

// classify maps lock contention and I/O failures onto ErrUnavailable.
func (s *SQLiteStore) classify(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen:
			s.logger.Warn().Err(err).Str("op", op).Msg("sqlite store unavailable")
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func (s *SQLiteStore) ConditionalWrites() bool {
	return true
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
