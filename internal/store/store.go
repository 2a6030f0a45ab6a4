// ABOUTME: Bucketed key/value Store interface used by execution contexts
// ABOUTME: Defines the fixed bucket set, entry type and storage errors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested key does not exist
var ErrNotFound = errors.New("not found")

// ErrUnknownBucket is returned for a bucket outside the fixed set
var ErrUnknownBucket = errors.New("unknown bucket")

// Bucket names a fixed key space.
type Bucket string

// Buckets available to request handlers.
const (
	BucketJSONServers Bucket = "jsonservers" // directory entries as JSON
	BucketHTMLServers Bucket = "htmlservers" // rendered directory entries
	BucketMeta        Bucket = "meta"        // bookkeeping such as seeded_at
	BucketPanel       Bucket = "panel"       // persisted panel state
)

// Buckets lists every valid bucket.
var Buckets = []Bucket{BucketJSONServers, BucketHTMLServers, BucketMeta, BucketPanel}

// ParseBucket validates a bucket name.
func ParseBucket(name string) (Bucket, error) {
	for _, b := range Buckets {
		if string(b) == name {
			return b, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBucket, name)
}

// Entry is one stored value.
type Entry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store is the key/value persistence used inside an execution context.
// Values are JSON documents.
type Store interface {
	Get(ctx context.Context, bucket Bucket, key string) (json.RawMessage, error)
	Set(ctx context.Context, bucket Bucket, key string, value json.RawMessage) error
	Delete(ctx context.Context, bucket Bucket, key string) error
	// List returns every entry in the bucket ordered by key.
	List(ctx context.Context, bucket Bucket) ([]Entry, error)
	Close() error
}

func checkBucket(b Bucket) error {
	_, err := ParseBucket(string(b))
	return err
}

func checkValue(value json.RawMessage) error {
	if !json.Valid(value) {
		return errors.New("value is not valid JSON")
	}
	return nil
}
