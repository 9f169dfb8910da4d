package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kittclouds/memspace/pkg/refhash"
)

// contentStore is the deduplication layer: it has no understanding of fact
// or branch semantics, only hash-keyed value and blob rows. All writes are
// idempotent by primary key; concurrent duplicate inserts are successes,
// not conflicts.
type contentStore struct {
	db *sql.DB
}

// Put computes value's content hash, stores value under it, and returns the
// reference. A duplicate insert of
// the same hash is a no-op success — the value is immutable once written,
// so there is nothing to reconcile.
func (c *contentStore) Put(ctx context.Context, exec execer, value any) (refhash.Ref, error) {
	ref, err := refhash.Of(value)
	if err != nil {
		return "", fmt.Errorf("content: hash value: %w", err)
	}
	if err := c.putAt(ctx, exec, ref, value); err != nil {
		return "", err
	}
	return ref, nil
}

// putAt stores value under a caller-supplied hash without recomputing it;
// Put calls it with the hash it has just computed.
func (c *contentStore) putAt(ctx context.Context, exec execer, ref refhash.Ref, value any) error {
	if ref == EmptyRef {
		return nil // the empty sentinel is seeded once at open and never rewritten
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("content: marshal value for %s: %w", ref, err)
	}
	_, err = exec.ExecContext(ctx, `INSERT OR IGNORE INTO value (hash, data) VALUES (?, ?)`, string(ref), string(data))
	if err != nil {
		return fmt.Errorf("content: insert value %s: %w", ref, err)
	}
	return nil
}

// Get loads the value stored under ref. Returns (nil, nil) for EmptyRef —
// callers that need to distinguish "deleted" from "absent" check the fact
// type, not this return value.
func (c *contentStore) Get(ctx context.Context, exec queryer, ref refhash.Ref) (any, error) {
	if ref == EmptyRef || ref == "" {
		return nil, nil
	}
	var data sql.NullString
	err := exec.QueryRowContext(ctx, `SELECT data FROM value WHERE hash = ?`, string(ref)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Kind: "value", Key: string(ref)}
	}
	if err != nil {
		return nil, &StorageError{Op: "content.get", Err: err}
	}
	if !data.Valid {
		return nil, nil
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(data.String))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, &StorageError{Op: "content.decode", Err: err}
	}
	return normalizeNumbers(v), nil
}

// PutBlob stores a binary blob under its content hash.
func (c *contentStore) PutBlob(ctx context.Context, exec execer, contentType string, data []byte) (refhash.Ref, error) {
	sum, err := refhash.Of(map[string]any{"__blob__": string(data)})
	if err != nil {
		return "", err
	}
	_, err = exec.ExecContext(ctx, `
		INSERT OR IGNORE INTO blob_store (hash, data, content_type, size) VALUES (?, ?, ?, ?)
	`, string(sum), data, contentType, len(data))
	if err != nil {
		return "", fmt.Errorf("content: insert blob %s: %w", sum, err)
	}
	return sum, nil
}

// GetBlob loads a binary blob by hash.
func (c *contentStore) GetBlob(ctx context.Context, exec queryer, ref refhash.Ref) ([]byte, string, error) {
	var data []byte
	var contentType sql.NullString
	err := exec.QueryRowContext(ctx, `SELECT data, content_type FROM blob_store WHERE hash = ?`, string(ref)).Scan(&data, &contentType)
	if err == sql.ErrNoRows {
		return nil, "", &NotFoundError{Kind: "blob", Key: string(ref)}
	}
	if err != nil {
		return nil, "", &StorageError{Op: "content.getblob", Err: err}
	}
	return data, contentType.String, nil
}

// execer/queryer narrow *sql.DB and *sql.Tx to the subset this package
// needs, so content/fact-log/head operations can run either standalone or
// inside the Commit Engine's single transaction without two code paths.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// normalizeNumbers converts json.Number leaves (produced by the decoder's
// UseNumber mode, which we need so refhash.Of sees the same float64 shape
// on decode as on the original encode) into float64, matching the shape
// every other in-memory value in this package already uses.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, vv := range t {
			t[k] = normalizeNumbers(vv)
		}
		return t
	case []any:
		for i, vv := range t {
			t[i] = normalizeNumbers(vv)
		}
		return t
	default:
		return v
	}
}
