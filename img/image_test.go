package img

import (
	"fmt"
	"image"
	"image/color"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func printPlane(in []float32, w, h int) string {
	s := make([]string, h)
	for y := 0; y < h; y++ {
		s[y] = fmt.Sprintf("%5.2f", in[y*w:(y+1)*w])
	}
	return strings.Join(s, "\n")
}

func diagonal(size int) *Image {
	m := NewImage(size, size, 1)
	for i := 1; i < size-1; i++ {
		m.SetPixel(0, size-1-i, i, 1)
	}
	return m
}

func TestTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	src := diagonal(8)
	t.Logf("source\n%s", printPlane(src.Pixels(0), 8, 8))

	for _, aug := range []Augment{
		{Rotate: 15},
		{Zoom: 0.2},
		{Shear: 0.2},
		{Shift: 0.1},
		{HorizFlip: true},
	} {
		trans := NewTransformer(8, 8, aug, rng)
		dst := trans.Transform(src, 0)
		t.Logf("%+v\n%s", aug, printPlane(dst.Pixels(0), 8, 8))
		assert.Equal(t, src.Shape(), dst.Shape())
		for _, v := range dst.Pix {
			assert.True(t, v >= 0 && v <= 1, "pixel out of range: %v", v)
		}
	}
}

func TestTransformIdentity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	src := diagonal(8)
	trans := NewTransformer(8, 8, Augment{}, rng)
	dst := trans.Transform(src, 0)
	assert.InDeltaSlice(t, src.Pix, dst.Pix, 1e-5)
}

func TestTransformBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	images := make([]*Image, 10)
	for i := range images {
		images[i] = diagonal(8)
	}
	trans := NewTransformer(8, 8, Augment{Rotate: 15, HorizFlip: true}, rng)
	dst := trans.TransformBatch(images, []int{0, 3, 5})
	assert.Len(t, dst, 3)
	for _, m := range dst {
		assert.NotNil(t, m)
		assert.Equal(t, []int{1, 8, 8}, m.Shape())
	}
}

func TestFromImage(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 4, 4))
	src.Set(1, 2, color.Gray{Y: 255})
	m := FromImage(src, 3)
	assert.Equal(t, []int{3, 4, 4}, m.Shape())
	for ch := 0; ch < 3; ch++ {
		assert.InDelta(t, 1.0, m.Pixel(ch, 1, 2), 1e-3)
		assert.Equal(t, float32(0), m.Pixel(ch, 0, 0))
	}
}

func TestResize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 48))
	m := Resize(src, 16, 16, 3)
	assert.Equal(t, []int{3, 16, 16}, m.Shape())
	assert.Equal(t, 3*16*16, len(m.Pix))
}
