package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"litshorts/internal/models"
)

func TestNewOrderedImages(t *testing.T) {
	o := newOrderedImages([]models.ImageRef{
		{Index: 2, ImageURL: "/images/c.png"},
		{Index: 0, ImageURL: "/images/a.png"},
		{Index: 1},
		{Index: 1, ImageURL: "/images/b.png"},
		{Index: 0, ImageURL: "/images/a2.png"},
	})

	assert.Equal(t, 1, o.skipped)
	assert.Equal(t, 4, o.Len())
	var urls []string
	for _, r := range o.refs {
		urls = append(urls, r.ImageURL)
	}
	assert.Equal(t, []string{"/images/a.png", "/images/a2.png", "/images/b.png", "/images/c.png"}, urls)
}

func TestNewOrderedImages_Empty(t *testing.T) {
	o := newOrderedImages(nil)
	assert.Zero(t, o.Len())
	assert.Zero(t, o.skipped)
}
