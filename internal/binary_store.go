package internal

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5"

	nodes "github.com/ist-dresden/composum-nodes-sub000"
)

func binaryNotFound(key string) error {
	return nodes.NewNodesError(nodes.ErrorTypeNotFound, nodes.ErrCodePropertyNotFound, "binary content not found").
		WithDetail("key", key).
		WithCause(nodes.ErrNotFound)
}

// PostgresBinaryStore keeps binary content in a BYTEA table.
type PostgresBinaryStore struct {
	q     pgQuerier
	table string
}

var _ nodes.BinaryStore = (*PostgresBinaryStore)(nil)

func NewPostgresBinaryStore(q pgQuerier, table string) *PostgresBinaryStore {
	return &PostgresBinaryStore{q: q, table: table}
}

func (b *PostgresBinaryStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read binary content: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (key, content) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET content = EXCLUDED.content`, sanitizeIdentifier(b.table))
	if _, err := b.q.Exec(ctx, query, key, data); err != nil {
		return 0, fmt.Errorf("store binary %s: %w", key, err)
	}
	return int64(len(data)), nil
}

func (b *PostgresBinaryStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	query := fmt.Sprintf(`SELECT content FROM %s WHERE key = $1`, sanitizeIdentifier(b.table))
	err := b.q.QueryRow(ctx, query, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, binaryNotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("read binary %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *PostgresBinaryStore) DeletePrefix(ctx context.Context, prefix string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE starts_with(key, $1)`, sanitizeIdentifier(b.table))
	if _, err := b.q.Exec(ctx, query, prefix); err != nil {
		return fmt.Errorf("delete binaries %s: %w", prefix, err)
	}
	return nil
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteBinaryStore keeps binary content in a BLOB table.
type SQLiteBinaryStore struct {
	q     sqlQuerier
	table string
}

var _ nodes.BinaryStore = (*SQLiteBinaryStore)(nil)

func NewSQLiteBinaryStore(q sqlQuerier, table string) *SQLiteBinaryStore {
	return &SQLiteBinaryStore{q: q, table: table}
}

func (b *SQLiteBinaryStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("read binary content: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (key, content) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET content = excluded.content`, sanitizeIdentifier(b.table))
	if _, err := b.q.ExecContext(ctx, query, key, data); err != nil {
		return 0, fmt.Errorf("store binary %s: %w", key, err)
	}
	return int64(len(data)), nil
}

func (b *SQLiteBinaryStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	var data []byte
	query := fmt.Sprintf(`SELECT content FROM %s WHERE key = ?`, sanitizeIdentifier(b.table))
	err := b.q.QueryRowContext(ctx, query, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, binaryNotFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("read binary %s: %w", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *SQLiteBinaryStore) DeletePrefix(ctx context.Context, prefix string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE substr(key, 1, ?) = ?`, sanitizeIdentifier(b.table))
	if _, err := b.q.ExecContext(ctx, query, len(prefix), prefix); err != nil {
		return fmt.Errorf("delete binaries %s: %w", prefix, err)
	}
	return nil
}
