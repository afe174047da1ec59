package stats

import (
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// Accuracy returns the fraction of scores which match their label after
// thresholding at the given cutoff.
func Accuracy(scores []float64, labels []bool, threshold float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	correct := 0
	for i, s := range scores {
		if (s > threshold) == labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(scores))
}

// AUC returns the area under the ROC curve for the given scores, where
// labels marks the positive class. Scores need not be sorted.
func AUC(scores []float64, labels []bool) float64 {
	y := append([]float64{}, scores...)
	classes := append([]bool{}, labels...)
	idx := make([]int, len(y))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return scores[idx[i]] < scores[idx[j]] })
	for i, ix := range idx {
		y[i] = scores[ix]
		classes[i] = labels[ix]
	}
	// stat.ROC returns both curves ascending from (0,0) to (1,1)
	tpr, fpr, _ := stat.ROC(nil, y, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}
