package nnet

import (
	"fmt"
	"math"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ilknurspr/chest-xray-classification/num"
	"github.com/ilknurspr/chest-xray-classification/stats"
)

// Adam optimiser with bias corrected first and second moment estimates.
type Adam struct {
	Eta     float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
	step    int
	m, v    [][]float32
}

func NewAdam(eta float64) *Adam {
	return &Adam{Eta: eta, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Update applies one optimisation step to each parameter array.
func (a *Adam) Update(params, grads []*num.Array) {
	if a.m == nil {
		a.m = make([][]float32, len(params))
		a.v = make([][]float32, len(params))
		for i, p := range params {
			a.m[i] = make([]float32, p.Size())
			a.v[i] = make([]float32, p.Size())
		}
	}
	a.step++
	b1 := float32(a.Beta1)
	b2 := float32(a.Beta2)
	corr1 := 1 - math.Pow(a.Beta1, float64(a.step))
	corr2 := 1 - math.Pow(a.Beta2, float64(a.step))
	lr := float32(a.Eta * math.Sqrt(corr2) / corr1)
	eps := float32(a.Epsilon)
	for i, p := range params {
		g := grads[i].Data
		m, v := a.m[i], a.v[i]
		for j, gj := range g {
			m[j] = b1*m[j] + (1-b1)*gj
			v[j] = b2*v[j] + (1-b2)*gj*gj
			p.Data[j] -= lr * m[j] / (float32(math.Sqrt(float64(v[j]))) + eps)
		}
	}
}

// Per epoch training statistics
type Stats struct {
	Epoch   int
	Loss    float64
	Acc     float64
	ValLoss float64
	ValAcc  float64
	Eta     float64
	Elapsed time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf("epoch %3d:  loss =%7.4f  acc =%6.2f%%  val_loss =%7.4f  val_acc =%6.2f%%",
		s.Epoch, s.Loss, s.Acc*100, s.ValLoss, s.ValAcc*100)
}

// Tester interface to evaluate performance after each epoch, Test returns
// true if training should stop.
type Tester interface {
	Test(net *Network, epoch int, loss, acc float64, start time.Time) (bool, error)
}

// Tester which runs a validation pass each epoch, reduces the learning rate
// when validation loss plateaus and stops early when it no longer improves,
// restoring the best weights.
type TestBase struct {
	Val        *Dataset
	Stats      []Stats
	Checkpoint string
	RunID      string
	bestLoss   float64
	bestAcc    float64
	sinceBest  int
	sinceDrop  int
	best       [][]float32
}

// Create a new base class which implements the Tester interface.
func NewTestBase(val *Dataset) *TestBase {
	return &TestBase{Val: val, bestLoss: math.Inf(1), bestAcc: math.Inf(-1)}
}

// Reset stats prior to a new run
func (t *TestBase) Reset() {
	t.Stats = t.Stats[:0]
	t.bestLoss = math.Inf(1)
	t.bestAcc = math.Inf(-1)
	t.sinceBest = 0
	t.sinceDrop = 0
	t.best = nil
}

// Test the network on the validation split, called on completion of each
// training epoch.
func (t *TestBase) Test(net *Network, epoch int, loss, acc float64, start time.Time) (bool, error) {
	valLoss, valAcc, err := Validate(net, t.Val)
	if err != nil {
		return false, err
	}
	s := Stats{Epoch: epoch, Loss: loss, Acc: acc, ValLoss: valLoss, ValAcc: valAcc,
		Eta: net.Optimizer.Eta, Elapsed: time.Since(start)}
	t.Stats = append(t.Stats, s)

	if valLoss < t.bestLoss {
		t.bestLoss = valLoss
		t.sinceBest = 0
		t.sinceDrop = 0
		t.best = net.Snapshot()
	} else {
		t.sinceBest++
		t.sinceDrop++
	}
	if valAcc > t.bestAcc {
		t.bestAcc = valAcc
		if t.Checkpoint != "" {
			if err := SaveModel(t.Checkpoint, net, t.RunID); err != nil {
				return false, err
			}
			log.Debug().Str("file", t.Checkpoint).Float64("val_acc", valAcc).Msg("saved checkpoint")
		}
	}
	if net.LRPatience > 0 && t.sinceDrop >= net.LRPatience && net.Optimizer.Eta > net.MinEta {
		eta := net.Optimizer.Eta * net.LRFactor
		if eta < net.MinEta {
			eta = net.MinEta
		}
		log.Info().Float64("eta", eta).Int("epoch", epoch).Msg("reducing learning rate")
		net.Optimizer.Eta = eta
		t.sinceDrop = 0
	}
	done := epoch >= net.MaxEpoch || (net.StopAfter > 0 && t.sinceBest >= net.StopAfter)
	if done && t.best != nil {
		if err := net.Restore(t.best); err != nil {
			return true, err
		}
	}
	return done, nil
}

type testLogger struct {
	*TestBase
}

// Create a new tester which also logs the stats for each epoch.
func NewTestLogger(base *TestBase) Tester {
	return testLogger{TestBase: base}
}

func (t testLogger) Test(net *Network, epoch int, loss, acc float64, start time.Time) (bool, error) {
	done, err := t.TestBase.Test(net, epoch, loss, acc, start)
	if err != nil {
		return done, err
	}
	s := t.Stats[len(t.Stats)-1]
	var ema stats.EMA
	for _, st := range t.Stats {
		ema = stats.EMA(ema.Add(st.ValLoss, 5))
	}
	fmt.Printf("%s  avg =%7.4f\n", s, float64(ema))
	if done {
		var epochTime stats.Average
		prev := time.Duration(0)
		for _, st := range t.Stats {
			epochTime.Add((st.Elapsed - prev).Seconds())
			prev = st.Elapsed
		}
		fmt.Printf("run time: %s  epoch time: %ss\n", s.Elapsed.Round(10*time.Millisecond), &epochTime)
	}
	return done, nil
}

// Train the network on the given training set by updating the weights after
// each batch. Any error aborts the run.
func Train(net *Network, dset *Dataset, test Tester) error {
	start := time.Now()
	for epoch := 1; epoch <= net.MaxEpoch; epoch++ {
		loss, acc, err := TrainEpoch(net, dset)
		if err != nil {
			return &TrainingAbortedError{Epoch: epoch, Err: err}
		}
		done, err := test.Test(net, epoch, loss, acc, start)
		if err != nil {
			return &TrainingAbortedError{Epoch: epoch, Err: err}
		}
		if done {
			break
		}
	}
	return nil
}

// Perform one training epoch, returning the mean loss and accuracy over the
// training split.
func TrainEpoch(net *Network, dset *Dataset) (loss, acc float64, err error) {
	if net.Shuffle {
		dset.Shuffle()
	}
	dset.NextEpoch()
	var bar *pb.ProgressBar
	if net.Progress {
		bar = pb.StartNew(dset.Batches)
	}
	var lossSum float64
	correct, samples := 0, 0
	for batch := 0; batch < dset.Batches; batch++ {
		x, y := dset.NextBatch()
		n := x.Dims()[0]
		yPred := net.Fprop(x, true)
		batchLoss := net.OutLayer().Loss(y, yPred)
		if math.IsNaN(batchLoss) || math.IsInf(batchLoss, 0) {
			return 0, 0, errors.Errorf("non-finite loss %v at batch %d", batchLoss, batch)
		}
		lossSum += batchLoss * float64(n)
		for i, p := range yPred.Data {
			if (p > 0.5) == (y.Data[i] > 0.5) {
				correct++
			}
		}
		samples += n

		// gradient at the output logit for sigmoid + cross entropy,
		// averaged over the batch
		grad := num.NewArray(n, 1)
		for i, p := range yPred.Data {
			grad.Data[i] = (p - y.Data[i]) / float32(n)
		}
		for i := len(net.Layers) - 1; i >= 0; i-- {
			grad = net.Layers[i].Bprop(grad)
		}
		net.Optimizer.Update(net.Params(), net.Grads())
		if bar != nil {
			bar.Increment()
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return lossSum / float64(samples), float64(correct) / float64(samples), nil
}

// Validate runs one full pass over the dataset with no parameter updates,
// returning mean loss and accuracy.
func Validate(net *Network, dset *Dataset) (loss, acc float64, err error) {
	scores, labels, loss, err := scorePass(net, dset)
	if err != nil {
		return 0, 0, err
	}
	return loss, stats.Accuracy(scores, labels, 0.5), nil
}

// Result holds the final evaluation metrics for the test split.
type Result struct {
	Loss     float64
	Accuracy float64
	AUC      float64
	Samples  int
}

// Evaluate runs one full pass over the test split and computes the final
// accuracy and area under the ROC curve.
func Evaluate(net *Network, dset *Dataset) (Result, error) {
	scores, labels, loss, err := scorePass(net, dset)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Loss:     loss,
		Accuracy: stats.Accuracy(scores, labels, 0.5),
		AUC:      stats.AUC(scores, labels),
		Samples:  len(scores),
	}, nil
}

func scorePass(net *Network, dset *Dataset) (scores []float64, labels []bool, loss float64, err error) {
	dset.Rewind()
	var lossSum float64
	for batch := 0; batch < dset.Batches; batch++ {
		x, y := dset.NextBatch()
		yPred, err := net.Predict(x)
		if err != nil {
			return nil, nil, 0, err
		}
		batchLoss := net.OutLayer().Loss(y, yPred)
		if math.IsNaN(batchLoss) || math.IsInf(batchLoss, 0) {
			return nil, nil, 0, errors.Errorf("non-finite loss %v at batch %d", batchLoss, batch)
		}
		lossSum += batchLoss * float64(x.Dims()[0])
		for i, p := range yPred.Data {
			scores = append(scores, float64(p))
			labels = append(labels, y.Data[i] > 0.5)
		}
	}
	return scores, labels, lossSum / float64(len(scores)), nil
}
