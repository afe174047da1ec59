// Command train fits the pneumonia classification model on a chest X-ray
// dataset laid out as <root>/{train,test,val}/{NORMAL,PNEUMONIA}/ and prints
// the final test accuracy and AUC.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/alexflint/go-arg"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ilknurspr/chest-xray-classification/img"
	"github.com/ilknurspr/chest-xray-classification/nnet"
)

var args struct {
	Dir        string  `arg:"positional" default:"chest_xray" help:"dataset root directory"`
	Epochs     int     `default:"10" help:"number of training epochs"`
	Batch      int     `default:"32" help:"batch size"`
	Size       int     `default:"150" help:"target image size"`
	Eta        float64 `default:"0.001" help:"initial learning rate"`
	Seed       int64   `default:"42" help:"random seed, <= 0 for a random one"`
	Model      string  `arg:"--model" default:"xray_pneumonia_model.gob" help:"final model file"`
	Checkpoint string  `default:"best_model.gob" help:"best validation accuracy checkpoint"`
	History    string  `default:"training_history.json" help:"per epoch stats file"`
	NoProgress bool    `help:"disable the batch progress bar"`
	Debug      bool    `help:"verbose logging"`
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	arg.MustParse(&args)
	if args.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	runID := uuid.New().String()[:8]
	log.Logger = log.With().Str("run", runID).Logger()

	conf := modelConfig()
	fmt.Println(conf)

	data, err := img.LoadDataDir(args.Dir, conf.ImageSize, conf.Channels)
	if err != nil {
		fail("load", err)
	}
	for _, split := range img.Splits {
		log.Info().Str("split", split).Int("images", data[split].Len()).Msg("loaded")
	}
	rng := nnet.NewRng(conf.RandSeed)
	if conf.Aug.Enabled() {
		data["train"].Trans = img.NewTransformer(conf.ImageSize, conf.ImageSize, conf.Aug, rng)
	}
	trainSet := nnet.NewDataset(data["train"], conf.BatchSize, conf.MaxSamples, rng)
	valSet := nnet.NewDataset(data["val"], conf.BatchSize, 0, rng)
	testSet := nnet.NewDataset(data["test"], conf.BatchSize, 0, rng)

	net := nnet.New(conf, trainSet.BatchSize, data["train"].Shape())
	net.InitWeights()
	fmt.Println(net)

	base := nnet.NewTestBase(valSet)
	base.Checkpoint = args.Checkpoint
	base.RunID = runID
	if err := nnet.Train(net, trainSet, nnet.NewTestLogger(base)); err != nil {
		fail("train", err)
	}

	res, err := nnet.Evaluate(net, testSet)
	if err != nil {
		fail("evaluate", err)
	}
	fmt.Printf("\nTest Accuracy: %.4f\n", res.Accuracy)
	fmt.Printf("Test AUC: %.4f\n", res.AUC)

	if err := nnet.SaveModel(args.Model, net, runID); err != nil {
		fail("save", err)
	}
	log.Info().Str("file", args.Model).Msg("saved model")
	if err := saveHistory(args.History, base.Stats); err != nil {
		fail("save", err)
	}
}

// modelConfig declares the network: four conv blocks followed by a dense
// head with dropout, ending in a single sigmoid unit.
func modelConfig() nnet.Config {
	return nnet.Config{
		DataSet:    "chest_xray",
		Eta:        args.Eta,
		MinEta:     1e-7,
		LRFactor:   0.5,
		LRPatience: 2,
		StopAfter:  3,
		BatchSize:  args.Batch,
		MaxEpoch:   args.Epochs,
		ImageSize:  args.Size,
		Channels:   3,
		Shuffle:    true,
		Progress:   !args.NoProgress,
		RandSeed:   args.Seed,
		Aug: img.Augment{
			Rotate:    15,
			Shift:     0.1,
			Shear:     0.1,
			Zoom:      0.1,
			HorizFlip: true,
		},
	}.AddLayers(
		nnet.Conv{Nfeats: 32, Size: 3},
		nnet.Activation{Atype: "relu"},
		nnet.BatchNorm{},
		nnet.MaxPool{Size: 2},

		nnet.Conv{Nfeats: 64, Size: 3},
		nnet.Activation{Atype: "relu"},
		nnet.BatchNorm{},
		nnet.MaxPool{Size: 2},

		nnet.Conv{Nfeats: 128, Size: 3},
		nnet.Activation{Atype: "relu"},
		nnet.BatchNorm{},
		nnet.MaxPool{Size: 2},

		nnet.Conv{Nfeats: 128, Size: 3},
		nnet.Activation{Atype: "relu"},
		nnet.BatchNorm{},
		nnet.MaxPool{Size: 2},

		nnet.Flatten{},
		nnet.Dropout{Ratio: 0.5},
		nnet.Linear{Nout: 512},
		nnet.Activation{Atype: "relu"},
		nnet.Dropout{Ratio: 0.3},
		nnet.Linear{Nout: 1},
		nnet.SigmoidOutput{},
	)
}

func saveHistory(path string, stats []nnet.Stats) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func fail(stage string, err error) {
	log.Error().Err(err).Str("stage", stage).Msg("run failed")
	os.Exit(1)
}
