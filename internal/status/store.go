package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// DefaultPrefix is the key prefix of status documents.
const DefaultPrefix = "harvest-status"

// Store persists one Record per stream in a bucket. Writes overwrite the
// whole document; there is no locking, so at most one runner may harvest a
// given stream at a time.
type Store struct {
	bucket *blob.Bucket
	prefix string
}

// NewStore returns a Store keeping documents under prefix. An empty prefix
// selects DefaultPrefix.
func NewStore(bucket *blob.Bucket, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of a stream's status document.
func (s *Store) Key(table string) string {
	return path.Join(s.prefix, table)
}

// Read returns the status of a stream, or a fresh unknown record when none
// has been written yet.
func (s *Store) Read(ctx context.Context, table string) (*Record, error) {
	data, err := s.bucket.ReadAll(ctx, s.Key(table))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return New(), nil
		}
		return nil, fmt.Errorf("status: read %s: %w", table, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("status: %s: %w", table, err)
	}
	return &r, nil
}

// Write replaces the status document of a stream.
func (s *Store) Write(ctx context.Context, table string, r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("status: marshal %s: %w", table, err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := s.bucket.WriteAll(ctx, s.Key(table), data, opts); err != nil {
		return fmt.Errorf("status: write %s: %w", table, err)
	}
	return nil
}

// List returns the table names that have a status document.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var tables []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.prefix + "/"})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("status: list: %w", err)
		}
		if obj.IsDir {
			continue
		}
		tables = append(tables, strings.TrimPrefix(obj.Key, s.prefix+"/"))
	}
	return tables, nil
}

// Delete removes the status document of a stream. A missing document is
// not an error.
func (s *Store) Delete(ctx context.Context, table string) error {
	err := s.bucket.Delete(ctx, s.Key(table))
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return fmt.Errorf("status: delete %s: %w", table, err)
	}
	return nil
}
