// Package azure implements blob.Store on Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	azb "github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/MrWong99/storyline/internal/observe"
	"github.com/MrWong99/storyline/pkg/blob"
)

// Store is an Azure Blob Storage backed blob.Store.
type Store struct {
	client  *azblob.Client
	metrics *observe.Metrics
}

var _ blob.Store = (*Store)(nil)

// Option is a functional option for Store.
type Option func(*Store)

// WithMetrics records blob operation counts on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// New connects with an account connection string. No request is made until
// the first operation.
func New(connectionString string, opts ...Option) (*Store, error) {
	if connectionString == "" {
		return nil, errors.New("azure: connection string is required")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	s := &Store{client: client}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) record(ctx context.Context, container, op string, err error) {
	if s.metrics != nil {
		s.metrics.RecordBlobOp(ctx, container, op, observe.Status(err))
	}
}

// Upload implements blob.Store.
func (s *Store) Upload(ctx context.Context, container, name string, data []byte, contentType string) (blobURL string, err error) {
	start := time.Now()
	defer func() {
		s.record(ctx, container, "upload", err)
		observe.Logger(ctx).Debug("blob upload",
			"container", container, "blob", name, "bytes", len(data), "duration", time.Since(start), "err", err)
	}()

	_, err = s.client.UploadBuffer(ctx, container, name, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &azb.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return "", fmt.Errorf("azure: upload %s/%s: %w", container, name, err)
	}
	return s.URL(container, name), nil
}

// Download implements blob.Store.
func (s *Store) Download(ctx context.Context, container, name string) (data []byte, err error) {
	defer func() { s.record(ctx, container, "download", err) }()

	resp, err := s.client.DownloadStream(ctx, container, name, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, fmt.Errorf("azure: download %s/%s: %w", container, name, blob.ErrNotFound)
		}
		return nil, fmt.Errorf("azure: download %s/%s: %w", container, name, err)
	}
	defer resp.Body.Close()
	data, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("azure: read %s/%s: %w", container, name, err)
	}
	return data, nil
}

// URL implements blob.Store. Each path segment of name is escaped
// separately so that virtual directories stay readable.
func (s *Store) URL(container, name string) string {
	segs := strings.Split(name, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.TrimSuffix(s.client.URL(), "/") + "/" + url.PathEscape(container) + "/" + strings.Join(segs, "/")
}

// Ping implements blob.Store by reading the account properties.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.ServiceClient().GetProperties(ctx, nil); err != nil {
		return fmt.Errorf("azure: ping: %w", err)
	}
	return nil
}
