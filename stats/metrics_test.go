package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccuracy(t *testing.T) {
	scores := []float64{0.9, 0.8, 0.3, 0.1}
	labels := []bool{true, false, true, false}
	assert.Equal(t, 0.5, Accuracy(scores, labels, 0.5))
	assert.Equal(t, 1.0, Accuracy([]float64{0.7, 0.2}, []bool{true, false}, 0.5))
	assert.Equal(t, 0.0, Accuracy(nil, nil, 0.5))
}

func TestAUCPerfect(t *testing.T) {
	scores := []float64{0.1, 0.2, 0.8, 0.9}
	labels := []bool{false, false, true, true}
	assert.InDelta(t, 1.0, AUC(scores, labels), 1e-9)
}

func TestAUCInverted(t *testing.T) {
	scores := []float64{0.9, 0.8, 0.2, 0.1}
	labels := []bool{false, false, true, true}
	assert.InDelta(t, 0.0, AUC(scores, labels), 1e-9)
}

func TestAUCTies(t *testing.T) {
	scores := []float64{0.5, 0.5, 0.5, 0.5}
	labels := []bool{true, false, true, false}
	assert.InDelta(t, 0.5, AUC(scores, labels), 1e-9)
}

func TestAUCUnsorted(t *testing.T) {
	scores := []float64{0.9, 0.1, 0.8, 0.2}
	labels := []bool{true, false, true, false}
	assert.InDelta(t, 1.0, AUC(scores, labels), 1e-9)
}

func TestAverage(t *testing.T) {
	var avg Average
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		avg.Add(x)
	}
	assert.InDelta(t, 5.0, avg.Mean, 1e-9)
	assert.InDelta(t, 2.138, avg.StdDev, 1e-3)
}

func TestEMA(t *testing.T) {
	var e EMA
	v := e.Add(1, 10)
	assert.Equal(t, 1.0, v)
	e = EMA(v)
	v = e.Add(2, 10)
	assert.InDelta(t, 13.0/11, v, 1e-9)
}
