package pipeline

import (
	"slices"

	"litshorts/internal/models"
)

// orderedImages is the playback order of one run. It is built once and is the
// only place image order is decided.
type orderedImages struct {
	refs    []models.ImageRef
	skipped int // refs dropped for having no image location
}

func newOrderedImages(images []models.ImageRef) orderedImages {
	var o orderedImages
	for _, img := range images {
		if img.ImageURL == "" {
			o.skipped++
			continue
		}
		o.refs = append(o.refs, img)
	}
	slices.SortStableFunc(o.refs, func(a, b models.ImageRef) int {
		return a.Index - b.Index
	})
	return o
}

func (o orderedImages) Len() int { return len(o.refs) }
