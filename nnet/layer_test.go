package nnet

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilknurspr/chest-xray-classification/num"
)

func newLayer(t *testing.T, cfg ConfigLayer, inShape []int, batchSize int) Layer {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	layer := cfg.Marshal().Unmarshal()
	layer.Init(rng, inShape, batchSize)
	return layer
}

func TestConvFprop(t *testing.T) {
	layer := newLayer(t, Conv{Nfeats: 1, Size: 2}, []int{1, 3, 3}, 1).(*conv)
	copy(layer.w.Data, []float32{1, 0, 0, 1})
	x := num.NewArrayData([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	out := layer.Fprop(x, true)
	assert.Equal(t, []int{1, 1, 2, 2}, out.Dims())
	assert.Equal(t, []float32{6, 8, 12, 14}, out.Data)
}

func TestConvBprop(t *testing.T) {
	layer := newLayer(t, Conv{Nfeats: 1, Size: 2}, []int{1, 3, 3}, 1).(*conv)
	copy(layer.w.Data, []float32{1, 0, 0, 1})
	x := num.NewArrayData([]float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 1, 1, 3, 3)
	layer.Fprop(x, true)
	grad := num.NewArray(1, 1, 2, 2)
	grad.Fill(1)
	dsrc := layer.Bprop(grad)
	assert.Equal(t, []float32{12, 16, 24, 28}, layer.dw.Data)
	assert.Equal(t, []float32{4}, layer.db.Data)
	assert.Equal(t, []float32{1, 1, 0, 1, 2, 1, 0, 1, 1}, dsrc.Data)
}

func TestConvShapes(t *testing.T) {
	layer := newLayer(t, Conv{Nfeats: 32, Size: 3}, []int{3, 150, 150}, 4)
	assert.Equal(t, []int{32, 148, 148}, layer.OutShape([]int{3, 150, 150}))
	x := num.NewArray(2, 3, 150, 150)
	out := layer.Fprop(x, true)
	assert.Equal(t, []int{2, 32, 148, 148}, out.Dims())
}

func TestBatchNormTrain(t *testing.T) {
	layer := newLayer(t, BatchNorm{}, []int{2, 1, 1}, 4).(*batchNorm)
	layer.InitParams(nil)
	x := num.NewArrayData([]float32{
		1, 10,
		2, 20,
		3, 30,
		4, 40,
	}, 4, 2, 1, 1)
	out := layer.Fprop(x, true)
	// each channel is normalised to zero mean, unit variance
	for c := 0; c < 2; c++ {
		var mean, vari float64
		for s := 0; s < 4; s++ {
			mean += float64(out.Row(s).Data[c])
		}
		mean /= 4
		for s := 0; s < 4; s++ {
			d := float64(out.Row(s).Data[c]) - mean
			vari += d * d
		}
		vari /= 4
		assert.InDelta(t, 0, mean, 1e-5)
		assert.InDelta(t, 1, vari, 1e-2)
	}
	// running stats move towards the batch stats
	assert.InDelta(t, 0.025, layer.runMean.Data[0], 1e-5)
	assert.InDelta(t, 0.25, layer.runMean.Data[1], 1e-4)
}

func TestBatchNormEval(t *testing.T) {
	layer := newLayer(t, BatchNorm{}, []int{1, 1, 1}, 2).(*batchNorm)
	layer.InitParams(nil)
	// eval mode uses the running stats: initially mean 0 variance 1
	x := num.NewArrayData([]float32{2, -2}, 2, 1, 1, 1)
	out := layer.Fprop(x, false)
	assert.InDelta(t, 2, out.Data[0], 1e-2)
	assert.InDelta(t, -2, out.Data[1], 1e-2)
}

func TestBatchNormBprop(t *testing.T) {
	layer := newLayer(t, BatchNorm{}, []int{1, 2, 2}, 2).(*batchNorm)
	layer.InitParams(nil)
	rng := rand.New(rand.NewSource(3))
	x := num.NewArray(2, 1, 2, 2)
	for i := range x.Data {
		x.Data[i] = rng.Float32()
	}
	layer.Fprop(x, true)
	grad := num.NewArray(2, 1, 2, 2)
	for i := range grad.Data {
		grad.Data[i] = rng.Float32() - 0.5
	}
	dsrc := layer.Bprop(grad)
	// the input gradient of a normalisation layer sums to zero per channel
	var sum float32
	for _, v := range dsrc.Data {
		sum += v
	}
	assert.InDelta(t, 0, sum, 1e-4)
}

func TestMaxPool(t *testing.T) {
	layer := newLayer(t, MaxPool{Size: 2}, []int{1, 4, 4}, 1).(*maxPool)
	x := num.NewArrayData([]float32{
		1, 2, 5, 0,
		3, 4, 1, 1,
		0, 0, 2, 8,
		9, 0, 0, 1,
	}, 1, 1, 4, 4)
	out := layer.Fprop(x, true)
	assert.Equal(t, []int{1, 1, 2, 2}, out.Dims())
	assert.Equal(t, []float32{4, 5, 9, 8}, out.Data)

	grad := num.NewArrayData([]float32{10, 20, 30, 40}, 1, 1, 2, 2)
	dsrc := layer.Bprop(grad)
	want := []float32{
		0, 0, 20, 0,
		0, 10, 0, 0,
		0, 0, 0, 40,
		30, 0, 0, 0,
	}
	assert.Equal(t, want, dsrc.Data)
}

func TestActivationRelu(t *testing.T) {
	layer := newLayer(t, Activation{Atype: "relu"}, []int{4}, 1)
	x := num.NewArrayData([]float32{-1, 0, 0.5, 2}, 1, 4)
	out := layer.Fprop(x, true)
	assert.Equal(t, []float32{0, 0, 0.5, 2}, out.Data)
	grad := num.NewArrayData([]float32{1, 1, 1, 1}, 1, 4)
	dsrc := layer.Bprop(grad)
	assert.Equal(t, []float32{0, 0, 1, 1}, dsrc.Data)
}

func TestDropout(t *testing.T) {
	layer := newLayer(t, Dropout{Ratio: 0.5}, []int{100}, 1)
	x := num.NewArray(1, 100)
	x.Fill(1)
	// identity in eval mode
	out := layer.Fprop(x, false)
	assert.Equal(t, x.Data, out.Data)
	// in training roughly half are zeroed, the rest scaled by 2
	out = layer.Fprop(x, true)
	zeros := 0
	for _, v := range out.Data {
		if v == 0 {
			zeros++
		} else {
			assert.Equal(t, float32(2), v)
		}
	}
	assert.Greater(t, zeros, 20)
	assert.Less(t, zeros, 80)
	// gradient is masked the same way
	grad := num.NewArray(1, 100)
	grad.Fill(1)
	dsrc := layer.Bprop(grad)
	for i, v := range out.Data {
		assert.Equal(t, v, dsrc.Data[i])
	}
}

func TestFlatten(t *testing.T) {
	layer := newLayer(t, Flatten{}, []int{2, 3, 3}, 2)
	assert.Equal(t, []int{18}, layer.OutShape([]int{2, 3, 3}))
	x := num.NewArray(2, 2, 3, 3)
	out := layer.Fprop(x, true)
	assert.Equal(t, []int{2, 18}, out.Dims())
	back := layer.Bprop(out)
	assert.Equal(t, []int{2, 2, 3, 3}, back.Dims())
}

func TestLinearGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	layer := newLayer(t, Linear{Nout: 2}, []int{3}, 2).(*linear)
	layer.InitParams(rng)
	x := num.NewArray(2, 3)
	for i := range x.Data {
		x.Data[i] = rng.Float32() - 0.5
	}
	coef := num.NewArray(2, 2)
	for i := range coef.Data {
		coef.Data[i] = rng.Float32() - 0.5
	}
	// loss = sum(coef * out) so dLoss/dOut = coef
	loss := func() float64 {
		out := layer.Fprop(x, true)
		var sum float64
		for i, v := range out.Data {
			sum += float64(coef.Data[i] * v)
		}
		return sum
	}
	loss()
	layer.Bprop(coef)
	const eps = 1e-2
	for _, ix := range []int{0, 2, 5} {
		orig := layer.w.Data[ix]
		layer.w.Data[ix] = orig + eps
		up := loss()
		layer.w.Data[ix] = orig - eps
		down := loss()
		layer.w.Data[ix] = orig
		require.InDelta(t, (up-down)/(2*eps), float64(layer.dw.Data[ix]), 1e-2,
			"weight gradient %d", ix)
	}
}

func TestSigmoidOutput(t *testing.T) {
	layer := newLayer(t, SigmoidOutput{}, []int{1}, 3).(*sigmoidOutput)
	x := num.NewArrayData([]float32{0, -10, 10}, 3, 1)
	out := layer.Fprop(x, true)
	assert.InDelta(t, 0.5, out.Data[0], 1e-6)
	for _, v := range out.Data {
		assert.True(t, v >= 0 && v <= 1)
	}
	y := num.NewArrayData([]float32{1, 0, 1}, 3, 1)
	loss := layer.Loss(y, out)
	assert.InDelta(t, math.Log(2)/3, loss, 1e-3)
	assert.False(t, math.IsNaN(loss))
}

func TestSigmoidOutputLossClamp(t *testing.T) {
	layer := newLayer(t, SigmoidOutput{}, []int{1}, 1).(*sigmoidOutput)
	y := num.NewArrayData([]float32{1}, 1, 1)
	p := num.NewArrayData([]float32{0}, 1, 1)
	loss := layer.Loss(y, p)
	assert.False(t, math.IsInf(loss, 0))
}

func TestLayerConfigRoundTrip(t *testing.T) {
	conf := Config{}.AddLayers(
		Conv{Nfeats: 32, Size: 3},
		Activation{Atype: "relu"},
		BatchNorm{},
		MaxPool{Size: 2},
		Flatten{},
		Dropout{Ratio: 0.5},
		Linear{Nout: 512},
		SigmoidOutput{},
	)
	for _, l := range conf.Layers {
		layer := l.Unmarshal()
		assert.NotEmpty(t, layer.ToString())
	}
	c := conf.Layers[0].Unmarshal().(*conv)
	assert.Equal(t, 32, c.Nfeats)
	assert.Equal(t, 1, c.Stride)
	p := conf.Layers[3].Unmarshal().(*maxPool)
	assert.Equal(t, 2, p.Stride)
}
