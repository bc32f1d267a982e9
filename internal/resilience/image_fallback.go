package resilience

import (
	"context"

	"github.com/MrWong99/storyline/pkg/provider/imagegen"
	"github.com/MrWong99/storyline/pkg/types"
)

// ImageFallback implements [imagegen.Provider] with failover across image
// backends.
type ImageFallback struct {
	group *FallbackGroup[imagegen.Provider]
}

var _ imagegen.Provider = (*ImageFallback)(nil)

// NewImageFallback creates an [ImageFallback] with primary as the preferred
// backend.
func NewImageFallback(primary imagegen.Provider, primaryName string, cfg FallbackConfig) *ImageFallback {
	return &ImageFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional image provider.
func (f *ImageFallback) AddFallback(name string, p imagegen.Provider) { f.group.AddFallback(name, p) }

// Generate implements imagegen.Provider.
func (f *ImageFallback) Generate(ctx context.Context, prompt string) (types.Image, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p imagegen.Provider) (types.Image, error) {
		return p.Generate(ctx, prompt)
	})
}
