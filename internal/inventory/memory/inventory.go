// Package memory provides a static in-memory image inventory for
// development/testing.
package memory

import (
	"context"
	"sync"

	"github.com/imageguard/scanhub/internal/scan"
)

// Inventory implements scan.Inventory over a fixed image list.
type Inventory struct {
	mu     sync.RWMutex
	images []scan.Image
}

// New constructs an Inventory seeded with images.
func New(images ...scan.Image) *Inventory {
	return &Inventory{images: append([]scan.Image(nil), images...)}
}

// Add appends images to the inventory.
func (i *Inventory) Add(images ...scan.Image) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.images = append(i.images, images...)
}

// Resolve returns images whose name:tag matches at least one include
// pattern. No patterns means everything.
func (i *Inventory) Resolve(_ context.Context, patterns []string) ([]scan.Image, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if len(patterns) == 0 {
		return append([]scan.Image(nil), i.images...), nil
	}
	includes, err := scan.CompileGlobs(patterns)
	if err != nil {
		return nil, err
	}
	out := make([]scan.Image, 0, len(i.images))
	for _, img := range i.images {
		if scan.MatchesAny(img.Ref(), includes) {
			out = append(out, img)
		}
	}
	return out, nil
}
