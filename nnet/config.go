package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/ilknurspr/chest-xray-classification/img"
)

// Training configuration settings. Seeding and all tunables live here so a
// run is described by one explicit value rather than ambient state.
type Config struct {
	DataSet    string
	Eta        float64
	MinEta     float64
	LRFactor   float64
	LRPatience int
	StopAfter  int
	BatchSize  int
	MaxEpoch   int
	MaxSamples int
	ImageSize  int
	Channels   int
	Shuffle    bool
	Progress   bool
	RandSeed   int64
	Aug        img.Augment
	Layers     []LayerConfig
}

// Append layers to the config struct
func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Load network config from json file
func LoadConfig(path string) (c Config, err error) {
	f, err := os.Open(path)
	if err != nil {
		return c, errors.Wrap(err, "load config")
	}
	defer f.Close()
	if err = json.NewDecoder(f).Decode(&c); err != nil {
		return c, errors.Wrap(err, "load config")
	}
	return c, nil
}

// Save config to JSON file
func (c Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err = enc.Encode(c); err != nil {
		return errors.Wrap(err, "save config")
	}
	return nil
}

func (c Config) String() string {
	str := []string{"== Config =="}
	str = append(str,
		fmt.Sprintf("%-14s: %v", "Eta", c.Eta),
		fmt.Sprintf("%-14s: %v", "BatchSize", c.BatchSize),
		fmt.Sprintf("%-14s: %v", "MaxEpoch", c.MaxEpoch),
		fmt.Sprintf("%-14s: %vx%vx%v", "Input", c.Channels, c.ImageSize, c.ImageSize),
		fmt.Sprintf("%-14s: %+v", "Aug", c.Aug),
		fmt.Sprintf("%-14s: %v", "RandSeed", c.RandSeed),
	)
	if c.Layers != nil {
		str = append(str, "== Layers ==")
		for i, layer := range c.Layers {
			str = append(str, fmt.Sprintf("%2d: %s", i, layer))
		}
	}
	return strings.Join(str, "\n")
}
