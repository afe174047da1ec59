package num

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Gemm computes c = alpha*op(a)*op(b) + beta*c where op is the identity or
// the transpose. All three arrays must be 2 dimensional.
func Gemm(alpha float32, a, b *Array, beta float32, c *Array, transA, transB bool) {
	tA, tB := blas.NoTrans, blas.NoTrans
	if transA {
		tA = blas.Trans
	}
	if transB {
		tB = blas.Trans
	}
	blas32.Gemm(tA, tB, alpha, general(a), general(b), beta, general(c))
}

// Axpy computes y += alpha*x over the raw elements.
func Axpy(alpha float32, x, y *Array) {
	if len(x.Data) != len(y.Data) {
		panic(fmt.Sprintf("num: axpy size mismatch %v %v", x.Dims(), y.Dims()))
	}
	blas32.Axpy(alpha, vector(x.Data), vector(y.Data))
}

// Scal computes x *= alpha over the raw elements.
func Scal(alpha float32, x *Array) {
	blas32.Scal(alpha, vector(x.Data))
}

func general(a *Array) blas32.General {
	dims := a.Dims()
	if len(dims) != 2 {
		panic(fmt.Sprintf("num: gemm needs 2d array, have %v", dims))
	}
	return blas32.General{Rows: dims[0], Cols: dims[1], Stride: dims[1], Data: a.Data}
}

func vector(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

// Im2col expands an image with the given geometry into a column matrix with
// one row per kernel element and one column per output position, so that a
// convolution becomes a single matrix multiply. src holds channels*h*w
// values, dst holds channels*kh*kw rows by outh*outw columns. Padding is
// zero filled.
func Im2col(src []float32, channels, h, w, kh, kw, stride, pad int, dst []float32) {
	outh, outw := ConvSize(h, kh, stride, pad), ConvSize(w, kw, stride, pad)
	i := 0
	for c := 0; c < channels; c++ {
		plane := src[c*h*w : (c+1)*h*w]
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				for oy := 0; oy < outh; oy++ {
					y := oy*stride + ky - pad
					for ox := 0; ox < outw; ox++ {
						x := ox*stride + kx - pad
						if y >= 0 && y < h && x >= 0 && x < w {
							dst[i] = plane[y*w+x]
						} else {
							dst[i] = 0
						}
						i++
					}
				}
			}
		}
	}
}

// Col2im is the adjoint of Im2col: column matrix entries are summed back
// into the image positions they were drawn from. dst must be zeroed first.
func Col2im(src []float32, channels, h, w, kh, kw, stride, pad int, dst []float32) {
	outh, outw := ConvSize(h, kh, stride, pad), ConvSize(w, kw, stride, pad)
	i := 0
	for c := 0; c < channels; c++ {
		plane := dst[c*h*w : (c+1)*h*w]
		for ky := 0; ky < kh; ky++ {
			for kx := 0; kx < kw; kx++ {
				for oy := 0; oy < outh; oy++ {
					y := oy*stride + ky - pad
					for ox := 0; ox < outw; ox++ {
						x := ox*stride + kx - pad
						if y >= 0 && y < h && x >= 0 && x < w {
							plane[y*w+x] += src[i]
						}
						i++
					}
				}
			}
		}
	}
}

// ConvSize returns the output size for a convolution or pooling window.
func ConvSize(in, kernel, stride, pad int) int {
	return (in+2*pad-kernel)/stride + 1
}
