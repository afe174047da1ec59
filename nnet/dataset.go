package nnet

import (
	"math/rand"
	"sync"

	"github.com/ilknurspr/chest-xray-classification/num"
)

// Data interface type represents the raw labelled samples for one split.
type Data interface {
	Len() int
	Classes() []string
	Shape() []int
	Label(index []int, out []float32)
	Input(index []int, buf []float32)
}

// Dataset type wraps a Data with batching. The next batch is loaded in the
// background into a double buffer while the current one is consumed, so image
// decode and augmentation overlap with the numeric work.
type Dataset struct {
	Data
	Samples   int
	BatchSize int
	Batches   int
	x, y      [2]*num.Array
	sizes     [2]int
	indexes   []int
	buf       int
	batch     int
	rng       *rand.Rand
	sync.WaitGroup
}

// Create a new Dataset and allocate the batch buffers. maxSamples of 0 means
// use every sample.
func NewDataset(data Data, batchSize, maxSamples int, rng *rand.Rand) *Dataset {
	d := &Dataset{Data: data, Samples: data.Len(), rng: rng}
	if maxSamples > 0 && d.Samples > maxSamples {
		d.Samples = maxSamples
	}
	if batchSize == 0 || batchSize > d.Samples {
		d.BatchSize = d.Samples
	} else {
		d.BatchSize = batchSize
	}
	d.Batches = d.Samples / d.BatchSize
	if d.Samples%d.BatchSize != 0 {
		d.Batches++
	}
	for i := range d.x {
		d.x[i] = num.NewArray(append([]int{d.BatchSize}, data.Shape()...)...)
		d.y[i] = num.NewArray(d.BatchSize, 1)
	}
	d.indexes = make([]int, d.Samples)
	for i := range d.indexes {
		d.indexes[i] = i
	}
	return d
}

// kick off load of next batch of data in background
func (d *Dataset) loadBatch() {
	d.Add(1)
	go func() {
		start := d.batch * d.BatchSize
		end := start + d.BatchSize
		if end > d.Samples {
			end = d.Samples
		}
		index := d.indexes[start:end]
		d.Input(index, d.x[d.buf].Data)
		d.Label(index, d.y[d.buf].Data)
		d.sizes[d.buf] = end - start
		d.Done()
	}()
}

// Get next batch of data. The last batch of a pass may be short.
func (d *Dataset) NextBatch() (x, y *num.Array) {
	d.Wait()
	n := d.sizes[d.buf]
	x, y = d.x[d.buf].SliceRows(n), d.y[d.buf].SliceRows(n)
	d.batch = (d.batch + 1) % d.Batches
	d.buf = (d.buf + 1) % 2
	d.loadBatch()
	return x, y
}

// Rewind to start of data
func (d *Dataset) Rewind() {
	d.Wait()
	d.batch = 0
	d.loadBatch()
}

// Called at start of each epoch
func (d *Dataset) NextEpoch() {
	d.Rewind()
}

// Shuffle the sample order
func (d *Dataset) Shuffle() {
	d.Wait()
	d.indexes = d.rng.Perm(d.Samples)
}

// Release waits for any outstanding batch load.
func (d *Dataset) Release() {
	d.Wait()
}
