// Package nnet contains routines for constructing, training and testing the
// pneumonia classification network.
package nnet

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ilknurspr/chest-xray-classification/num"
)

// Network type represents the model: a static stack of layers built from the
// config descriptors.
type Network struct {
	Config
	Layers    []Layer
	Optimizer *Adam
	inShape   []int
	batchSize int
	rng       *rand.Rand
}

// New function creates a new network from the layer descriptors in the
// config. inShape is the per sample shape in channels, height, width order
// and batchSize the largest batch the network will be given.
func New(conf Config, batchSize int, inShape []int) *Network {
	n := &Network{
		Config:    conf,
		Optimizer: NewAdam(conf.Eta),
		inShape:   append([]int{}, inShape...),
		batchSize: batchSize,
		rng:       NewRng(conf.RandSeed),
	}
	shape := inShape
	for _, l := range conf.Layers {
		layer := l.Unmarshal()
		layer.Init(n.rng, shape, batchSize)
		n.Layers = append(n.Layers, layer)
		shape = layer.OutShape(shape)
	}
	return n
}

// Initialise network weights. Weights for each layer are scaled by 1/sqrt(nin).
func (n *Network) InitWeights() {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			l.InitParams(n.rng)
		}
	}
}

// Accessor for the output layer
func (n *Network) OutLayer() OutputLayer {
	return n.Layers[len(n.Layers)-1].(OutputLayer)
}

// Feed forward the input to get the predicted output
func (n *Network) Fprop(input *num.Array, train bool) *num.Array {
	pred := input
	for _, layer := range n.Layers {
		pred = layer.Fprop(pred, train)
	}
	return pred
}

// Predict returns one pneumonia probability in range 0-1 per sample.
func (n *Network) Predict(input *num.Array) (*num.Array, error) {
	dims := input.Dims()
	if !num.SameShape(dims[1:], n.inShape) {
		return nil, &ShapeMismatchError{Want: n.inShape, Got: dims[1:]}
	}
	if dims[0] > n.batchSize {
		return nil, errors.Errorf("predict: batch of %d exceeds network batch size %d", dims[0], n.batchSize)
	}
	return n.Fprop(input, false), nil
}

// Params returns the trainable parameters of all layers.
func (n *Network) Params() (params []*num.Array) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			params = append(params, l.Params()...)
		}
	}
	return params
}

// Grads returns the parameter gradients in the same order as Params.
func (n *Network) Grads() (grads []*num.Array) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			grads = append(grads, l.Grads()...)
		}
	}
	return grads
}

// weights returns parameters plus persisted layer state in layer order.
func (n *Network) weights() (arrays []*num.Array) {
	for _, layer := range n.Layers {
		if l, ok := layer.(ParamLayer); ok {
			arrays = append(arrays, l.Params()...)
		}
		if l, ok := layer.(StatefulLayer); ok {
			arrays = append(arrays, l.State()...)
		}
	}
	return arrays
}

// Snapshot copies all weights and layer state, for later Restore.
func (n *Network) Snapshot() [][]float32 {
	arrays := n.weights()
	snap := make([][]float32, len(arrays))
	for i, a := range arrays {
		snap[i] = append([]float32{}, a.Data...)
	}
	return snap
}

// Restore copies back a snapshot taken from a network with the same config.
func (n *Network) Restore(snap [][]float32) error {
	arrays := n.weights()
	if len(snap) != len(arrays) {
		return errors.Errorf("restore: have %d weight arrays, snapshot has %d", len(arrays), len(snap))
	}
	for i, a := range arrays {
		if len(snap[i]) != len(a.Data) {
			return errors.Errorf("restore: weight array %d size mismatch", i)
		}
		copy(a.Data, snap[i])
	}
	return nil
}

// Print network description
func (n *Network) String() string {
	s := make([]string, len(n.Layers))
	shape := n.inShape
	for i, layer := range n.Layers {
		s[i] = fmt.Sprintf("%2d: %-30s %v", i, layer.ToString(), shape)
		shape = layer.OutShape(shape)
	}
	return fmt.Sprintf("== Network ==\n%s", strings.Join(s, "\n"))
}

// NewRng returns a seeded random source, or a time based one if seed <= 0.
func NewRng(seed int64) *rand.Rand {
	if seed <= 0 {
		seed = time.Now().UTC().UnixNano()
		log.Debug().Int64("seed", seed).Msg("using random seed")
	}
	return rand.New(rand.NewSource(seed))
}

type modelFile struct {
	Conf    Config
	RunID   string
	Weights [][]float32
}

// SaveModel writes the config and weights to path in gob format.
func SaveModel(path string, net *Network, runID string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "save model")
	}
	defer f.Close()
	m := modelFile{Conf: net.Config, RunID: runID, Weights: net.Snapshot()}
	if err := gob.NewEncoder(f).Encode(&m); err != nil {
		return errors.Wrap(err, "save model")
	}
	return nil
}

// LoadModel reads a model saved with SaveModel and rebuilds the network with
// the given batch size.
func LoadModel(path string, batchSize int) (*Network, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", errors.Wrap(err, "load model")
	}
	defer f.Close()
	var m modelFile
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, "", errors.Wrap(err, "load model")
	}
	net := New(m.Conf, batchSize, []int{m.Conf.Channels, m.Conf.ImageSize, m.Conf.ImageSize})
	if err := net.Restore(m.Weights); err != nil {
		return nil, "", errors.Wrap(err, "load model")
	}
	return net, m.RunID, nil
}
