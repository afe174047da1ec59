package img

import (
	"math"
	"math/rand"
	"runtime"
	"sync"
)

// Augment holds the randomised transform ranges applied to training images.
// Ranges follow the usual convention: Rotate is in degrees, the others are
// fractions of the image size, each sampled uniformly in +/- the range.
type Augment struct {
	Rotate    float64
	Shift     float64
	Shear     float64
	Zoom      float64
	HorizFlip bool
}

// Enabled reports whether any transform is configured.
func (a Augment) Enabled() bool {
	return a.Rotate != 0 || a.Shift != 0 || a.Shear != 0 || a.Zoom != 0 || a.HorizFlip
}

// Transformer applies randomised affine transforms to images. Each image is
// resampled with bilinear interpolation, filling edges with the nearest
// source pixel.
type Transformer struct {
	Aug  Augment
	w, h int
	rng  []*rand.Rand
}

// NewTransformer creates a transformer for images of the given size with one
// random stream per worker thread.
func NewTransformer(width, height int, aug Augment, rng *rand.Rand) *Transformer {
	t := &Transformer{Aug: aug, w: width, h: height}
	for i := 0; i < runtime.GOMAXPROCS(0); i++ {
		t.rng = append(t.rng, rand.New(rand.NewSource(rng.Int63())))
	}
	return t
}

// TransformBatch transforms the selected images in parallel.
func (t *Transformer) TransformBatch(src []*Image, index []int) []*Image {
	dst := make([]*Image, len(index))
	var wg sync.WaitGroup
	queue := make(chan int, len(index))
	for thread := range t.rng {
		wg.Add(1)
		go func(thread int) {
			for i := range queue {
				dst[i] = t.Transform(src[index[i]], thread)
			}
			wg.Done()
		}(thread)
	}
	for i := range index {
		queue <- i
	}
	close(queue)
	wg.Wait()
	return dst
}

// Transform applies one random affine transform using the rng for the given
// thread.
func (t *Transformer) Transform(src *Image, thread int) *Image {
	rng := t.rng[thread]
	a := t.Aug

	// affine coefficients mapping destination to source coordinates,
	// relative to the image centre
	var sina, cosa float64 = 0, 1
	if a.Rotate != 0 {
		angle := a.Rotate * (math.Pi / 180) * (2*rng.Float64() - 1)
		sina, cosa = math.Sincos(angle)
	}
	zx, zy := 1.0, 1.0
	if a.Zoom != 0 {
		zx = 1 + a.Zoom*(2*rng.Float64()-1)
		zy = 1 + a.Zoom*(2*rng.Float64()-1)
	}
	var shear float64
	if a.Shear != 0 {
		shear = a.Shear * (2*rng.Float64() - 1)
	}
	ox, oy := 0.0, 0.0
	if a.Shift != 0 {
		ox = a.Shift * float64(t.w) * (2*rng.Float64() - 1)
		oy = a.Shift * float64(t.h) * (2*rng.Float64() - 1)
	}
	flip := a.HorizFlip && rng.Float64() > 0.5

	m00 := zx * cosa
	m01 := zx * (shear*cosa - sina)
	m10 := zy * sina
	m11 := zy * (shear*sina + cosa)

	cx, cy := float64(t.w-1)/2, float64(t.h-1)/2
	dst := NewImageLike(src)
	for y := 0; y < t.h; y++ {
		yr := float64(y) - cy
		for x := 0; x < t.w; x++ {
			xr := float64(x) - cx
			if flip {
				xr = -xr
			}
			sx := m00*xr + m01*yr + cx - ox
			sy := m10*xr + m11*yr + cy - oy
			for ch := 0; ch < src.Channels; ch++ {
				dst.SetPixel(ch, x, y, sample(src, ch, sx, sy))
			}
		}
	}
	return dst
}

// bilinear interpolation at a fractional source position
func sample(src *Image, ch int, x, y float64) float32 {
	ix, iy := int(math.Floor(x)), int(math.Floor(y))
	xf, yf := float32(x-float64(ix)), float32(y-float64(iy))
	v00 := src.Pixel(ch, ix, iy)
	v10 := src.Pixel(ch, ix+1, iy)
	v01 := src.Pixel(ch, ix, iy+1)
	v11 := src.Pixel(ch, ix+1, iy+1)
	return (v00*(1-xf)+v10*xf)*(1-yf) + (v01*(1-xf)+v11*xf)*yf
}
