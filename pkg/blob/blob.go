// Package blob defines the object storage interface used for story audio,
// generated narration and illustrations.
//
// Blobs are addressed by container and name. Names may contain slashes
// (for example "12/34/20260101120000.aac"); implementations treat them as
// opaque keys.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Download when the blob does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store uploads and retrieves blobs.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Upload writes data to container/name, replacing any existing blob, and
	// returns the public URL of the blob.
	Upload(ctx context.Context, container, name string, data []byte, contentType string) (string, error)

	// Download reads the full contents of container/name.
	Download(ctx context.Context, container, name string) ([]byte, error)

	// URL returns the public URL of container/name without contacting the
	// storage service.
	URL(container, name string) string

	// Ping verifies the storage account is reachable.
	Ping(ctx context.Context) error
}
