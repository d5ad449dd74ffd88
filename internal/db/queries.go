package db

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/hpungsan/scribe/internal/errors"
)

// ErrNoEntry is returned by Get when the key does not exist.
var ErrNoEntry = stderrors.New("entry not found")

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Entry is one stored key/value pair.
type Entry struct {
	Key       string
	Value     string
	UpdatedAt int64
}

// Get returns the value stored at key, or ErrNoEntry.
func Get(ctx context.Context, q DBTX, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return "", ErrNoEntry
		}
		return "", errors.NewStorage("get", err)
	}
	return value, nil
}

// Put upserts value at key.
func Put(ctx context.Context, q DBTX, key, value string, updatedAt int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO entries (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, updatedAt)
	if err != nil {
		return errors.NewStorage("put", err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func Delete(ctx context.Context, q DBTX, key string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return errors.NewStorage("delete", err)
	}
	return nil
}

// ListPrefix returns every entry whose key starts with prefix, ordered by key.
func ListPrefix(ctx context.Context, q DBTX, prefix string) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT key, value, updated_at FROM entries
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key
	`, prefix, prefix)
	if err != nil {
		return nil, errors.NewStorage("list", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, errors.NewStorage("list", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewStorage("list", err)
	}
	return entries, nil
}

// DeletePrefix removes every entry whose key starts with prefix and returns the count.
func DeletePrefix(ctx context.Context, q DBTX, prefix string) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM entries WHERE substr(key, 1, length(?)) = ?`, prefix, prefix)
	if err != nil {
		return 0, errors.NewStorage("delete prefix", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewStorage("delete prefix", err)
	}
	return n, nil
}
