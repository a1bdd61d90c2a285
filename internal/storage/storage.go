// Package storage keeps raw gateway payloads in object storage.
//
// Implementations:
// - LocalStorage: filesystem, for development and tests
// - R2Storage: Cloudflare R2 through the S3 API, for production
//
// Objects are written once. Archive keys are derived from the webhook's
// provider, arrival date, and event id, so a redelivered event maps to the
// key that already holds it.
package storage

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"
)

// Storage is a write-once object store.
type Storage interface {
	// Put stores data at key. It returns ErrKeyExists if the key is taken
	// and opts.Overwrite is false.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get returns the object at key. The caller closes the reader. Returns
	// ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// PutOptions configures how an object is stored.
type PutOptions struct {
	ContentType string
	// MaxSize rejects objects larger than this many bytes. Zero disables
	// the check.
	MaxSize   int64
	Overwrite bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory, e.g. "./storage".
	BasePath string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// Region is required by the SDK. R2 accepts "auto".
	Region string

	// Endpoint overrides the account endpoint. Used for S3-compatible
	// servers in development.
	Endpoint string
}

const (
	ProviderLocal = "local"
	ProviderR2    = "r2"
)

// ContentTypeJSON is the content type of archived payloads.
const ContentTypeJSON = "application/json"

// MaxWebhookPayload bounds archived payloads.
const MaxWebhookPayload = 1 << 20

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// WebhookKey builds the archive key for a webhook payload.
// Format: webhooks/{provider}/{yyyy}/{mm}/{eventID}.json
func WebhookKey(provider string, receivedAt time.Time, eventID string) string {
	at := receivedAt.UTC()
	return fmt.Sprintf("webhooks/%s/%04d/%02d/%s.json",
		unsafeKeyChars.ReplaceAllString(provider, "_"),
		at.Year(), int(at.Month()),
		unsafeKeyChars.ReplaceAllString(eventID, "_"),
	)
}
