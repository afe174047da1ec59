// Package num provides float32 tensor arrays and the BLAS backed primitives
// used by the network layers.
package num

import (
	"fmt"
	"strings"
)

// Parameters for array printing
var (
	PrintThreshold = 12
	PrintEdgeitems = 4
)

// Array is an n dimensional tensor of float32 values stored in row major
// order with the batch dimension outermost.
type Array struct {
	Data []float32
	dims []int
}

// NewArray allocates a zeroed array with the given shape.
func NewArray(dims ...int) *Array {
	return &Array{Data: make([]float32, Prod(dims)), dims: append([]int{}, dims...)}
}

// NewArrayData wraps an existing slice, which must match the shape.
func NewArrayData(data []float32, dims ...int) *Array {
	if len(data) != Prod(dims) {
		panic(fmt.Sprintf("num: data length %d does not match shape %v", len(data), dims))
	}
	return &Array{Data: data, dims: append([]int{}, dims...)}
}

// Dims returns the shape of the array.
func (a *Array) Dims() []int { return a.dims }

// Size is the total number of elements.
func (a *Array) Size() int { return len(a.Data) }

// Reshape returns a view on the same data with a different shape. One
// dimension may be -1 in which case it is inferred from the size.
func (a *Array) Reshape(dims ...int) *Array {
	shape := append([]int{}, dims...)
	for i, d := range shape {
		if d == -1 {
			other := 1
			for j, d2 := range shape {
				if j != i {
					other *= d2
				}
			}
			shape[i] = len(a.Data) / other
		}
	}
	if Prod(shape) != len(a.Data) {
		panic(fmt.Sprintf("num: cannot reshape %v to %v", a.dims, dims))
	}
	return &Array{Data: a.Data, dims: shape}
}

// Row returns a view on entry i of the outermost dimension.
func (a *Array) Row(i int) *Array {
	n := Prod(a.dims[1:])
	return &Array{Data: a.Data[i*n : (i+1)*n], dims: append([]int{}, a.dims[1:]...)}
}

// SliceRows returns a view on the first n entries of the outermost dimension.
func (a *Array) SliceRows(n int) *Array {
	size := Prod(a.dims[1:])
	dims := append([]int{n}, a.dims[1:]...)
	return &Array{Data: a.Data[:n*size], dims: dims}
}

// Zero resets all elements.
func (a *Array) Zero() {
	for i := range a.Data {
		a.Data[i] = 0
	}
}

// Fill sets all elements to val.
func (a *Array) Fill(val float32) {
	for i := range a.Data {
		a.Data[i] = val
	}
}

// Copy copies the data from src, which must have the same size.
func (a *Array) Copy(src *Array) {
	if len(src.Data) != len(a.Data) {
		panic(fmt.Sprintf("num: copy size mismatch %v %v", src.dims, a.dims))
	}
	copy(a.Data, src.Data)
}

// Clone allocates a new array with a copy of the data.
func (a *Array) Clone() *Array {
	b := NewArray(a.dims...)
	copy(b.Data, a.Data)
	return b
}

// String formats the array for debug output, eliding the middle of large rows.
func (a *Array) String() string {
	if len(a.dims) != 2 {
		return fmt.Sprintf("shape%v%v", a.dims, format(a.Data))
	}
	rows := make([]string, a.dims[0])
	for i := range rows {
		rows[i] = format(a.Row(i).Data)
	}
	return strings.Join(rows, "\n")
}

func format(vals []float32) string {
	if len(vals) <= PrintThreshold {
		return fmt.Sprintf("%7.4f", vals)
	}
	return fmt.Sprintf("%7.4f ...%7.4f", vals[:PrintEdgeitems], vals[len(vals)-PrintEdgeitems:])
}

// Prod returns the product of the dims, 1 if empty.
func Prod(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// SameShape reports whether the two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
