package nnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceData is an in memory Data implementation for testing.
type sliceData struct {
	n     int
	shape []int
	fill  func(ix int, buf []float32)
	label func(ix int) float32
}

func (d sliceData) Len() int { return d.n }

func (d sliceData) Classes() []string { return []string{"NORMAL", "PNEUMONIA"} }

func (d sliceData) Shape() []int { return d.shape }

func (d sliceData) Label(index []int, out []float32) {
	for k, ix := range index {
		out[k] = d.label(ix)
	}
}

func (d sliceData) Input(index []int, buf []float32) {
	size := 1
	for _, d := range d.shape {
		size *= d
	}
	for k, ix := range index {
		d.fill(ix, buf[k*size:(k+1)*size])
	}
}

// indexData fills each sample with its own index so batch contents can be
// checked exactly.
func indexData(n int) sliceData {
	return sliceData{
		n:     n,
		shape: []int{2},
		fill: func(ix int, buf []float32) {
			for i := range buf {
				buf[i] = float32(ix)
			}
		},
		label: func(ix int) float32 { return float32(ix % 2) },
	}
}

func TestDatasetBatches(t *testing.T) {
	d := NewDataset(indexData(10), 4, 0, NewRng(1))
	defer d.Release()
	assert.Equal(t, 10, d.Samples)
	assert.Equal(t, 4, d.BatchSize)
	assert.Equal(t, 3, d.Batches)

	d.NextEpoch()
	sizes := []int{}
	var got []float32
	for batch := 0; batch < d.Batches; batch++ {
		x, y := d.NextBatch()
		n := x.Dims()[0]
		sizes = append(sizes, n)
		require.Equal(t, []int{n, 1}, y.Dims())
		for s := 0; s < n; s++ {
			ix := x.Row(s).Data[0]
			got = append(got, ix)
			assert.Equal(t, float32(int(ix)%2), y.Row(s).Data[0])
		}
	}
	assert.Equal(t, []int{4, 4, 2}, sizes)
	// every sample appears exactly once per pass, in order
	assert.Equal(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestDatasetFullBatch(t *testing.T) {
	d := NewDataset(indexData(10), 0, 0, NewRng(1))
	defer d.Release()
	assert.Equal(t, 10, d.BatchSize)
	assert.Equal(t, 1, d.Batches)
	d.NextEpoch()
	x, _ := d.NextBatch()
	assert.Equal(t, []int{10, 2}, x.Dims())
}

func TestDatasetMaxSamples(t *testing.T) {
	d := NewDataset(indexData(10), 4, 6, NewRng(1))
	defer d.Release()
	assert.Equal(t, 6, d.Samples)
	assert.Equal(t, 2, d.Batches)
	d.NextEpoch()
	x, _ := d.NextBatch()
	assert.Equal(t, 4, x.Dims()[0])
	x, _ = d.NextBatch()
	assert.Equal(t, 2, x.Dims()[0])
}

func TestDatasetShuffle(t *testing.T) {
	d := NewDataset(indexData(10), 4, 0, NewRng(42))
	defer d.Release()
	d.Shuffle()
	d.NextEpoch()
	var got []float32
	for batch := 0; batch < d.Batches; batch++ {
		x, _ := d.NextBatch()
		for s := 0; s < x.Dims()[0]; s++ {
			got = append(got, x.Row(s).Data[0])
		}
	}
	// still exactly one of each sample, but in permuted order
	require.Len(t, got, 10)
	seen := map[float32]int{}
	for _, v := range got {
		seen[v]++
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, 1, seen[float32(i)], "sample %d", i)
	}
	assert.NotEqual(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}
