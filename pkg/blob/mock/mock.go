// Package mock provides an in-memory blob.Store for tests.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/storyline/pkg/blob"
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// UploadCall records a single invocation of Upload.
type UploadCall struct {
	Container, Name, ContentType string
	Size                         int
}

// Store is an in-memory blob.Store.
type Store struct {
	mu      sync.Mutex
	objects map[string]Object

	// BaseURL prefixes generated URLs. Defaults to "https://blob.test".
	BaseURL string

	// UploadErr, DownloadErr and PingErr are returned by the matching method
	// when non-nil.
	UploadErr   error
	DownloadErr error
	PingErr     error

	// UploadCalls records every Upload in order.
	UploadCalls []UploadCall
}

var _ blob.Store = (*Store)(nil)

func key(container, name string) string { return container + "/" + name }

// Put seeds a blob.
func (s *Store) Put(container, name string, data []byte, contentType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = make(map[string]Object)
	}
	s.objects[key(container, name)] = Object{Data: slices.Clone(data), ContentType: contentType}
}

// Get returns a stored blob.
func (s *Store) Get(container, name string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[key(container, name)]
	return o, ok
}

// Keys returns the sorted container/name keys of all stored blobs.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Upload implements blob.Store.
func (s *Store) Upload(_ context.Context, container, name string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	s.UploadCalls = append(s.UploadCalls, UploadCall{Container: container, Name: name, ContentType: contentType, Size: len(data)})
	err := s.UploadErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.Put(container, name, data, contentType)
	return s.URL(container, name), nil
}

// Download implements blob.Store.
func (s *Store) Download(_ context.Context, container, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.DownloadErr != nil {
		return nil, s.DownloadErr
	}
	o, ok := s.objects[key(container, name)]
	if !ok {
		return nil, fmt.Errorf("mock: %s: %w", key(container, name), blob.ErrNotFound)
	}
	return slices.Clone(o.Data), nil
}

// URL implements blob.Store.
func (s *Store) URL(container, name string) string {
	base := s.BaseURL
	if base == "" {
		base = "https://blob.test"
	}
	return base + "/" + key(container, name)
}

// Ping implements blob.Store.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PingErr
}

// Uploads returns a copy of the recorded uploads.
func (s *Store) Uploads() []UploadCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.UploadCalls)
}
