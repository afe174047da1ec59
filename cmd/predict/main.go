// Command predict classifies chest X-ray images with a trained model,
// printing a NORMAL or PNEUMONIA diagnosis with confidence for each.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexflint/go-arg"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ilknurspr/chest-xray-classification/img"
	"github.com/ilknurspr/chest-xray-classification/nnet"
	"github.com/ilknurspr/chest-xray-classification/num"
)

var args struct {
	Images []string `arg:"positional,required" help:"image files or directories"`
	Model  string   `arg:"--model" default:"best_model.gob" help:"model file"`
}

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	arg.MustParse(&args)

	paths, err := collect(args.Images)
	if err != nil {
		fail(err)
	}
	if len(paths) == 0 {
		fail(fmt.Errorf("no image files found"))
	}
	net, runID, err := nnet.LoadModel(args.Model, 1)
	if err != nil {
		fail(err)
	}
	log.Info().Str("file", args.Model).Str("run", runID).Int("images", len(paths)).Msg("loaded model")

	normal, pneumonia := 0, 0
	for _, path := range paths {
		diagnosis, confidence, score, err := predict(net, path)
		if err != nil {
			fail(err)
		}
		fmt.Printf("%-40s %-10s confidence=%5.1f%%  score=%.4f\n",
			filepath.Base(path), diagnosis, confidence*100, score)
		if diagnosis == "PNEUMONIA" {
			pneumonia++
		} else {
			normal++
		}
	}
	if len(paths) > 1 {
		fmt.Printf("\nSummary: %d NORMAL, %d PNEUMONIA\n", normal, pneumonia)
	}
}

func predict(net *nnet.Network, path string) (diagnosis string, confidence, score float64, err error) {
	m, err := img.LoadImage(path, net.ImageSize, net.Channels)
	if err != nil {
		return "", 0, 0, err
	}
	x := num.NewArrayData(m.Pix, 1, net.Channels, net.ImageSize, net.ImageSize)
	yPred, err := net.Predict(x)
	if err != nil {
		return "", 0, 0, err
	}
	score = float64(yPred.Data[0])
	if score > 0.5 {
		return "PNEUMONIA", score, score, nil
	}
	return "NORMAL", 1 - score, score, nil
}

func collect(entries []string) ([]string, error) {
	var paths []string
	for _, entry := range entries {
		info, err := os.Stat(entry)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, entry)
			continue
		}
		files, err := os.ReadDir(entry)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if !f.IsDir() && imageExts[strings.ToLower(filepath.Ext(f.Name()))] {
				paths = append(paths, filepath.Join(entry, f.Name()))
			}
		}
	}
	return paths, nil
}

func fail(err error) {
	log.Error().Err(err).Msg("predict failed")
	os.Exit(1)
}
