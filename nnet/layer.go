package nnet

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"github.com/ilknurspr/chest-xray-classification/num"
)

// batch normalisation constants, matching the usual framework defaults
const (
	bnMomentum = 0.99
	bnEpsilon  = 1e-3
)

// Layer interface type represents one layer of the neural net. Init is
// called once with the per sample input shape and the maximum batch size;
// Fprop and Bprop accept any batch up to that size.
type Layer interface {
	Init(rng *rand.Rand, inShape []int, batchSize int)
	OutShape(inShape []int) []int
	Fprop(in *num.Array, train bool) *num.Array
	Bprop(grad *num.Array) *num.Array
	ToString() string
}

// ParamLayer is a layer with trainable parameters
type ParamLayer interface {
	Layer
	InitParams(rng *rand.Rand)
	Params() []*num.Array
	Grads() []*num.Array
}

// StatefulLayer has non-trainable state which must be persisted with the
// weights, such as batch norm running statistics.
type StatefulLayer interface {
	State() []*num.Array
}

// OutputLayer is the final layer in the stack
type OutputLayer interface {
	Layer
	Loss(y, yPred *num.Array) float64
}

// Layer configuration details
type LayerConfig struct {
	Type string
	Data json.RawMessage `json:",omitempty"`
}

type ConfigLayer interface {
	Marshal() LayerConfig
}

// Unmarshal JSON data and construct new layer
func (l LayerConfig) Unmarshal() Layer {
	switch l.Type {
	case "conv":
		cfg := new(Conv)
		unmarshal(l.Data, cfg)
		if cfg.Stride == 0 {
			cfg.Stride = 1
		}
		return &conv{Conv: *cfg}
	case "batchNorm":
		return &batchNorm{}
	case "maxPool":
		cfg := new(MaxPool)
		unmarshal(l.Data, cfg)
		if cfg.Stride == 0 {
			cfg.Stride = cfg.Size
		}
		return &maxPool{MaxPool: *cfg}
	case "linear":
		cfg := new(Linear)
		unmarshal(l.Data, cfg)
		return &linear{Linear: *cfg}
	case "activation":
		cfg := new(Activation)
		unmarshal(l.Data, cfg)
		layer := &activation{Activation: *cfg}
		switch cfg.Atype {
		case "relu":
			layer.activ, layer.deriv = relu, reluD
		case "sigmoid":
			layer.activ, layer.deriv = sigmoid, sigmoidD
		case "tanh":
			layer.activ, layer.deriv = tanhA, tanhD
		default:
			panic(fmt.Sprintf("activation type %s invalid", cfg.Atype))
		}
		return layer
	case "dropout":
		cfg := new(Dropout)
		unmarshal(l.Data, cfg)
		return &dropout{Dropout: *cfg}
	case "flatten":
		return &flatten{}
	case "sigmoidOutput":
		return &sigmoidOutput{}
	default:
		panic("invalid layer type: " + l.Type)
	}
}

func (l LayerConfig) String() string {
	return l.Unmarshal().ToString()
}

// Convolutional layer descriptor, implements ParamLayer interface.
type Conv struct {
	Nfeats, Size, Stride, Pad int
}

func (c Conv) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}
	return LayerConfig{Type: "conv", Data: marshal(c)}
}

// Batch normalisation layer descriptor.
type BatchNorm struct{}

func (c BatchNorm) Marshal() LayerConfig {
	return LayerConfig{Type: "batchNorm"}
}

// Max pooling layer descriptor, should follow a conv layer.
type MaxPool struct {
	Size, Stride int
}

func (c MaxPool) Marshal() LayerConfig {
	if c.Stride == 0 {
		c.Stride = c.Size
	}
	return LayerConfig{Type: "maxPool", Data: marshal(c)}
}

// Linear fully connected layer descriptor, implements ParamLayer interface.
type Linear struct {
	Nout int
}

func (c Linear) Marshal() LayerConfig {
	return LayerConfig{Type: "linear", Data: marshal(c)}
}

// Sigmoid, tanh or relu activation layer descriptor.
type Activation struct {
	Atype string
}

func (c Activation) Marshal() LayerConfig {
	return LayerConfig{Type: "activation", Data: marshal(c)}
}

// Dropout layer descriptor: zeroes the given ratio of activations during
// training.
type Dropout struct {
	Ratio float64
}

func (c Dropout) Marshal() LayerConfig {
	return LayerConfig{Type: "dropout", Data: marshal(c)}
}

// Flatten layer descriptor: reshapes from 4 to 2 dimensions.
type Flatten struct{}

func (c Flatten) Marshal() LayerConfig {
	return LayerConfig{Type: "flatten"}
}

// SigmoidOutput descriptor: sigmoid output unit with binary cross entropy loss.
type SigmoidOutput struct{}

func (c SigmoidOutput) Marshal() LayerConfig {
	return LayerConfig{Type: "sigmoidOutput"}
}

// convolutional layer implementation: im2col plus matrix multiply
type conv struct {
	Conv
	paramBase
	inShape  []int
	outShape []int
	cols     *num.Array
	dcols    *num.Array
	dst      *num.Array
	dsrc     *num.Array
}

func (l *conv) ToString() string { return fmt.Sprintf("conv %+v", l.Conv) }

func (l *conv) OutShape(inShape []int) []int {
	return []int{
		l.Nfeats,
		num.ConvSize(inShape[1], l.Size, l.Stride, l.Pad),
		num.ConvSize(inShape[2], l.Size, l.Stride, l.Pad),
	}
}

func (l *conv) Init(rng *rand.Rand, inShape []int, batchSize int) {
	if len(inShape) != 3 {
		panic("conv: expect channels, height, width input")
	}
	l.inShape = append([]int{}, inShape...)
	l.outShape = l.OutShape(inShape)
	ckk := inShape[0] * l.Size * l.Size
	patches := l.outShape[1] * l.outShape[2]
	l.paramBase = newParams([]int{l.Nfeats, ckk}, []int{l.Nfeats}, ckk)
	l.cols = num.NewArray(batchSize, ckk, patches)
	l.dcols = num.NewArray(ckk, patches)
	l.dst = num.NewArray(append([]int{batchSize}, l.outShape...)...)
	l.dsrc = num.NewArray(append([]int{batchSize}, inShape...)...)
}

func (l *conv) Fprop(in *num.Array, train bool) *num.Array {
	n := in.Dims()[0]
	c, h, w := l.inShape[0], l.inShape[1], l.inShape[2]
	patches := l.outShape[1] * l.outShape[2]
	for s := 0; s < n; s++ {
		num.Im2col(in.Row(s).Data, c, h, w, l.Size, l.Size, l.Stride, l.Pad, l.cols.Row(s).Data)
		out := l.dst.Row(s).Reshape(l.Nfeats, patches)
		num.Gemm(1, l.w, l.cols.Row(s), 0, out, false, false)
		for f := 0; f < l.Nfeats; f++ {
			bias := l.b.Data[f]
			row := out.Row(f).Data
			for i := range row {
				row[i] += bias
			}
		}
	}
	return l.dst.SliceRows(n)
}

func (l *conv) Bprop(grad *num.Array) *num.Array {
	n := grad.Dims()[0]
	c, h, w := l.inShape[0], l.inShape[1], l.inShape[2]
	patches := l.outShape[1] * l.outShape[2]
	l.dw.Zero()
	l.db.Zero()
	for s := 0; s < n; s++ {
		g := grad.Row(s).Reshape(l.Nfeats, patches)
		num.Gemm(1, g, l.cols.Row(s), 1, l.dw, false, true)
		for f := 0; f < l.Nfeats; f++ {
			var sum float32
			for _, v := range g.Row(f).Data {
				sum += v
			}
			l.db.Data[f] += sum
		}
		num.Gemm(1, l.w, g, 0, l.dcols, true, false)
		dsrc := l.dsrc.Row(s)
		dsrc.Zero()
		num.Col2im(l.dcols.Data, c, h, w, l.Size, l.Size, l.Stride, l.Pad, dsrc.Data)
	}
	return l.dsrc.SliceRows(n)
}

// batch normalisation over the channel axis with running statistics for
// evaluation
type batchNorm struct {
	gamma, beta   *num.Array
	dgamma, dbeta *num.Array
	runMean       *num.Array
	runVar        *num.Array
	xhat          *num.Array
	invStd        []float32
	dst           *num.Array
	dsrc          *num.Array
	channels      int
	spatial       int
}

func (l *batchNorm) ToString() string { return "batchNorm" }

func (l *batchNorm) OutShape(inShape []int) []int { return inShape }

func (l *batchNorm) Init(rng *rand.Rand, inShape []int, batchSize int) {
	l.channels = inShape[0]
	l.spatial = num.Prod(inShape[1:])
	l.gamma = num.NewArray(l.channels)
	l.beta = num.NewArray(l.channels)
	l.dgamma = num.NewArray(l.channels)
	l.dbeta = num.NewArray(l.channels)
	l.runMean = num.NewArray(l.channels)
	l.runVar = num.NewArray(l.channels)
	l.invStd = make([]float32, l.channels)
	size := append([]int{batchSize}, inShape...)
	l.xhat = num.NewArray(size...)
	l.dst = num.NewArray(size...)
	l.dsrc = num.NewArray(size...)
}

func (l *batchNorm) InitParams(rng *rand.Rand) {
	l.gamma.Fill(1)
	l.beta.Fill(0)
	l.runMean.Fill(0)
	l.runVar.Fill(1)
}

func (l *batchNorm) Params() []*num.Array { return []*num.Array{l.gamma, l.beta} }

func (l *batchNorm) Grads() []*num.Array { return []*num.Array{l.dgamma, l.dbeta} }

func (l *batchNorm) State() []*num.Array { return []*num.Array{l.runMean, l.runVar} }

// iterate over the values of channel c for a batch of n samples
func (l *batchNorm) channelData(a *num.Array, n, c int, fn func(s int, vals []float32)) {
	for s := 0; s < n; s++ {
		base := a.Row(s).Data
		fn(s, base[c*l.spatial:(c+1)*l.spatial])
	}
}

func (l *batchNorm) Fprop(in *num.Array, train bool) *num.Array {
	n := in.Dims()[0]
	m := float32(n * l.spatial)
	for c := 0; c < l.channels; c++ {
		var mean, vari float32
		if train {
			l.channelData(in, n, c, func(s int, vals []float32) {
				for _, v := range vals {
					mean += v
				}
			})
			mean /= m
			l.channelData(in, n, c, func(s int, vals []float32) {
				for _, v := range vals {
					d := v - mean
					vari += d * d
				}
			})
			vari /= m
			l.runMean.Data[c] = bnMomentum*l.runMean.Data[c] + (1-bnMomentum)*mean
			l.runVar.Data[c] = bnMomentum*l.runVar.Data[c] + (1-bnMomentum)*vari
		} else {
			mean, vari = l.runMean.Data[c], l.runVar.Data[c]
		}
		invStd := 1 / float32(math.Sqrt(float64(vari)+bnEpsilon))
		l.invStd[c] = invStd
		gam, bet := l.gamma.Data[c], l.beta.Data[c]
		l.channelData(in, n, c, func(s int, vals []float32) {
			xhat := l.xhat.Row(s).Data[c*l.spatial : (c+1)*l.spatial]
			out := l.dst.Row(s).Data[c*l.spatial : (c+1)*l.spatial]
			for i, v := range vals {
				xh := (v - mean) * invStd
				xhat[i] = xh
				out[i] = gam*xh + bet
			}
		})
	}
	return l.dst.SliceRows(n)
}

func (l *batchNorm) Bprop(grad *num.Array) *num.Array {
	n := grad.Dims()[0]
	m := float32(n * l.spatial)
	for c := 0; c < l.channels; c++ {
		var dbeta, dgamma float32
		l.channelData(grad, n, c, func(s int, vals []float32) {
			xhat := l.xhat.Row(s).Data[c*l.spatial : (c+1)*l.spatial]
			for i, dy := range vals {
				dbeta += dy
				dgamma += dy * xhat[i]
			}
		})
		l.dgamma.Data[c] = dgamma
		l.dbeta.Data[c] = dbeta
		k := l.gamma.Data[c] * l.invStd[c]
		l.channelData(grad, n, c, func(s int, vals []float32) {
			xhat := l.xhat.Row(s).Data[c*l.spatial : (c+1)*l.spatial]
			out := l.dsrc.Row(s).Data[c*l.spatial : (c+1)*l.spatial]
			for i, dy := range vals {
				out[i] = k * (dy - dbeta/m - xhat[i]*dgamma/m)
			}
		})
	}
	return l.dsrc.SliceRows(n)
}

// max pooling layer implementation
type maxPool struct {
	MaxPool
	inShape  []int
	outShape []int
	argmax   []int
	dst      *num.Array
	dsrc     *num.Array
}

func (l *maxPool) ToString() string { return fmt.Sprintf("maxPool %+v", l.MaxPool) }

func (l *maxPool) OutShape(inShape []int) []int {
	return []int{
		inShape[0],
		num.ConvSize(inShape[1], l.Size, l.Stride, 0),
		num.ConvSize(inShape[2], l.Size, l.Stride, 0),
	}
}

func (l *maxPool) Init(rng *rand.Rand, inShape []int, batchSize int) {
	if len(inShape) != 3 {
		panic("maxPool: expect channels, height, width input")
	}
	l.inShape = append([]int{}, inShape...)
	l.outShape = l.OutShape(inShape)
	l.argmax = make([]int, batchSize*num.Prod(l.outShape))
	l.dst = num.NewArray(append([]int{batchSize}, l.outShape...)...)
	l.dsrc = num.NewArray(append([]int{batchSize}, inShape...)...)
}

func (l *maxPool) Fprop(in *num.Array, train bool) *num.Array {
	n := in.Dims()[0]
	c, h, w := l.inShape[0], l.inShape[1], l.inShape[2]
	oh, ow := l.outShape[1], l.outShape[2]
	outSize := num.Prod(l.outShape)
	for s := 0; s < n; s++ {
		src := in.Row(s).Data
		dst := l.dst.Row(s).Data
		arg := l.argmax[s*outSize : (s+1)*outSize]
		i := 0
		for ch := 0; ch < c; ch++ {
			plane := src[ch*h*w : (ch+1)*h*w]
			for oy := 0; oy < oh; oy++ {
				for ox := 0; ox < ow; ox++ {
					best := plane[oy*l.Stride*w+ox*l.Stride]
					bestIx := oy*l.Stride*w + ox*l.Stride
					for ky := 0; ky < l.Size; ky++ {
						for kx := 0; kx < l.Size; kx++ {
							ix := (oy*l.Stride+ky)*w + ox*l.Stride + kx
							if plane[ix] > best {
								best, bestIx = plane[ix], ix
							}
						}
					}
					dst[i] = best
					arg[i] = ch*h*w + bestIx
					i++
				}
			}
		}
	}
	return l.dst.SliceRows(n)
}

func (l *maxPool) Bprop(grad *num.Array) *num.Array {
	n := grad.Dims()[0]
	outSize := num.Prod(l.outShape)
	for s := 0; s < n; s++ {
		src := grad.Row(s).Data
		dst := l.dsrc.Row(s)
		dst.Zero()
		arg := l.argmax[s*outSize : (s+1)*outSize]
		for i, ix := range arg {
			dst.Data[ix] += src[i]
		}
	}
	return l.dsrc.SliceRows(n)
}

// activation layers
type activation struct {
	Activation
	activ func(x float32) float32
	deriv func(x float32) float32
	src   *num.Array
	dst   *num.Array
	dsrc  *num.Array
}

func (l *activation) ToString() string { return fmt.Sprintf("activation %+v", l.Activation) }

func (l *activation) OutShape(inShape []int) []int { return inShape }

func (l *activation) Init(rng *rand.Rand, inShape []int, batchSize int) {
	size := append([]int{batchSize}, inShape...)
	l.dst = num.NewArray(size...)
	l.dsrc = num.NewArray(size...)
}

func (l *activation) Fprop(in *num.Array, train bool) *num.Array {
	l.src = in
	n := in.Dims()[0]
	out := l.dst.SliceRows(n)
	for i, v := range in.Data {
		out.Data[i] = l.activ(v)
	}
	return out
}

func (l *activation) Bprop(grad *num.Array) *num.Array {
	n := grad.Dims()[0]
	out := l.dsrc.SliceRows(n)
	for i, g := range grad.Data {
		out.Data[i] = g * l.deriv(l.src.Data[i])
	}
	return out
}

func relu(x float32) float32 {
	if x > 0 {
		return x
	}
	return 0
}

func reluD(x float32) float32 {
	if x > 0 {
		return 1
	}
	return 0
}

func sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

func sigmoidD(x float32) float32 {
	s := sigmoid(x)
	return s * (1 - s)
}

func tanhA(x float32) float32 {
	return float32(math.Tanh(float64(x)))
}

func tanhD(x float32) float32 {
	t := tanhA(x)
	return 1 - t*t
}

// inverted dropout: active only in training mode
type dropout struct {
	Dropout
	rng  *rand.Rand
	mask []float32
	dst  *num.Array
	dsrc *num.Array
}

func (l *dropout) ToString() string { return fmt.Sprintf("dropout %+v", l.Dropout) }

func (l *dropout) OutShape(inShape []int) []int { return inShape }

func (l *dropout) Init(rng *rand.Rand, inShape []int, batchSize int) {
	size := append([]int{batchSize}, inShape...)
	l.rng = rand.New(rand.NewSource(rng.Int63()))
	l.mask = make([]float32, num.Prod(size))
	l.dst = num.NewArray(size...)
	l.dsrc = num.NewArray(size...)
}

func (l *dropout) Fprop(in *num.Array, train bool) *num.Array {
	if !train || l.Ratio <= 0 {
		return in
	}
	n := in.Dims()[0]
	scale := float32(1 / (1 - l.Ratio))
	out := l.dst.SliceRows(n)
	for i, v := range in.Data {
		if l.rng.Float64() < l.Ratio {
			l.mask[i] = 0
		} else {
			l.mask[i] = scale
		}
		out.Data[i] = v * l.mask[i]
	}
	return out
}

func (l *dropout) Bprop(grad *num.Array) *num.Array {
	n := grad.Dims()[0]
	out := l.dsrc.SliceRows(n)
	for i, g := range grad.Data {
		out.Data[i] = g * l.mask[i]
	}
	return out
}

// flatten reshapes between conv blocks and the dense head
type flatten struct {
	inShape []int
}

func (l *flatten) ToString() string { return "flatten" }

func (l *flatten) OutShape(inShape []int) []int {
	return []int{num.Prod(inShape)}
}

func (l *flatten) Init(rng *rand.Rand, inShape []int, batchSize int) {
	l.inShape = append([]int{}, inShape...)
}

func (l *flatten) Fprop(in *num.Array, train bool) *num.Array {
	n := in.Dims()[0]
	return in.Reshape(n, -1)
}

func (l *flatten) Bprop(grad *num.Array) *num.Array {
	n := grad.Dims()[0]
	return grad.Reshape(append([]int{n}, l.inShape...)...)
}

// linear layer implementation
type linear struct {
	Linear
	paramBase
	nin  int
	src  *num.Array
	dst  *num.Array
	dsrc *num.Array
}

func (l *linear) ToString() string { return fmt.Sprintf("linear %+v", l.Linear) }

func (l *linear) OutShape(inShape []int) []int {
	return []int{l.Nout}
}

func (l *linear) Init(rng *rand.Rand, inShape []int, batchSize int) {
	if len(inShape) != 1 {
		panic("linear: expect flat input")
	}
	l.nin = inShape[0]
	l.paramBase = newParams([]int{l.nin, l.Nout}, []int{l.Nout}, l.nin)
	l.dst = num.NewArray(batchSize, l.Nout)
	l.dsrc = num.NewArray(batchSize, l.nin)
}

func (l *linear) Fprop(in *num.Array, train bool) *num.Array {
	l.src = in
	n := in.Dims()[0]
	out := l.dst.SliceRows(n)
	num.Gemm(1, in, l.w, 0, out, false, false)
	for s := 0; s < n; s++ {
		row := out.Row(s).Data
		for i, b := range l.b.Data {
			row[i] += b
		}
	}
	return out
}

func (l *linear) Bprop(grad *num.Array) *num.Array {
	n := grad.Dims()[0]
	num.Gemm(1, l.src, grad, 0, l.dw, true, false)
	l.db.Zero()
	for s := 0; s < n; s++ {
		row := grad.Row(s).Data
		for i := range l.db.Data {
			l.db.Data[i] += row[i]
		}
	}
	out := l.dsrc.SliceRows(n)
	num.Gemm(1, grad, l.w, 0, out, false, true)
	return out
}

// sigmoid output layer with binary cross entropy loss. The gradient at the
// logit is yPred - y, computed by the trainer, so Bprop passes it through.
type sigmoidOutput struct {
	dst  *num.Array
	dsrc *num.Array
}

func (l *sigmoidOutput) ToString() string { return "sigmoidOutput" }

func (l *sigmoidOutput) OutShape(inShape []int) []int { return inShape }

func (l *sigmoidOutput) Init(rng *rand.Rand, inShape []int, batchSize int) {
	if num.Prod(inShape) != 1 {
		panic("sigmoidOutput: expect a single unit")
	}
	l.dst = num.NewArray(batchSize, 1)
	l.dsrc = num.NewArray(batchSize, 1)
}

func (l *sigmoidOutput) Fprop(in *num.Array, train bool) *num.Array {
	n := in.Dims()[0]
	out := l.dst.SliceRows(n)
	for i, v := range in.Data {
		out.Data[i] = sigmoid(v)
	}
	return out
}

func (l *sigmoidOutput) Bprop(grad *num.Array) *num.Array {
	n := grad.Dims()[0]
	out := l.dsrc.SliceRows(n)
	copy(out.Data, grad.Data)
	return out
}

// Loss returns the mean binary cross entropy over the batch.
func (l *sigmoidOutput) Loss(y, yPred *num.Array) float64 {
	const eps = 1e-7
	var sum float64
	for i, p := range yPred.Data {
		pc := math.Min(math.Max(float64(p), eps), 1-eps)
		if y.Data[i] > 0.5 {
			sum -= math.Log(pc)
		} else {
			sum -= math.Log(1 - pc)
		}
	}
	return sum / float64(len(yPred.Data))
}

// weight and bias parameters
type paramBase struct {
	w, b   *num.Array
	dw, db *num.Array
	nin    int
}

func newParams(wShape, bShape []int, nin int) paramBase {
	return paramBase{
		w:   num.NewArray(wShape...),
		b:   num.NewArray(bShape...),
		dw:  num.NewArray(wShape...),
		db:  num.NewArray(bShape...),
		nin: nin,
	}
}

// InitParams draws weights from a normal distribution scaled by 1/sqrt(nin)
// and zeroes the bias.
func (p paramBase) InitParams(rng *rand.Rand) {
	scale := 1 / math.Sqrt(float64(p.nin))
	for i := range p.w.Data {
		p.w.Data[i] = float32(rng.NormFloat64() * scale)
	}
	p.b.Fill(0)
}

func (p paramBase) Params() []*num.Array { return []*num.Array{p.w, p.b} }

func (p paramBase) Grads() []*num.Array { return []*num.Array{p.dw, p.db} }

func marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshal(data json.RawMessage, v interface{}) {
	if data == nil {
		return
	}
	err := json.Unmarshal(data, v)
	if err != nil {
		panic(err)
	}
}
