// Package metrics computes statistics over segmentation masks and compares
// masks against a reference.
package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// Summary describes the regions of a composed segmentation
type Summary struct {
	// LungVoxels is the number of voxels in the closed lung mask
	LungVoxels int

	// ShellVoxels is the number of voxels added by dilation but removed by erosion
	ShellVoxels int

	// AirwayVoxels is the number of voxels reached by the airway fill
	AirwayVoxels int

	// MeanIntensity and StdDevIntensity describe the source intensities
	// inside the lung mask. Both are zero for an empty mask.
	MeanIntensity   float64
	StdDevIntensity float64
}

// MaskedIntensity returns the mean and standard deviation of source values
// where mask is non-zero, and the number of such voxels.
func MaskedIntensity(source, mask []byte) (mean, stddev float64, n int, err error) {
	if len(source) != len(mask) {
		return 0, 0, 0, fmt.Errorf("length mismatch: source %d, mask %d", len(source), len(mask))
	}

	values := make([]float64, 0, len(mask)/4)
	for i, m := range mask {
		if m != 0 {
			values = append(values, float64(source[i]))
		}
	}
	switch len(values) {
	case 0:
		return 0, 0, 0, nil
	case 1:
		return values[0], 0, 1, nil
	}

	mean, stddev = stat.MeanStdDev(values, nil)
	return mean, stddev, len(values), nil
}

// Overlap holds the agreement between a predicted and a reference mask
type Overlap struct {
	// Dice is 2|A∩B| / (|A|+|B|)
	Dice float64

	// Jaccard is |A∩B| / |A∪B|
	Jaccard float64

	// TruePositive, FalsePositive, FalseNegative are voxel counts
	TruePositive  int
	FalsePositive int
	FalseNegative int
}

// Compare computes the overlap of two masks. A voxel belongs to a mask when
// its value is at least level. Two empty masks agree perfectly.
func Compare(predicted, reference []byte, level byte) (Overlap, error) {
	if len(predicted) != len(reference) {
		return Overlap{}, fmt.Errorf("length mismatch: predicted %d, reference %d", len(predicted), len(reference))
	}
	if level == 0 {
		level = 1
	}

	var o Overlap
	for i := range predicted {
		p := predicted[i] >= level
		r := reference[i] >= level
		switch {
		case p && r:
			o.TruePositive++
		case p:
			o.FalsePositive++
		case r:
			o.FalseNegative++
		}
	}

	union := o.TruePositive + o.FalsePositive + o.FalseNegative
	if union == 0 {
		o.Dice, o.Jaccard = 1, 1
		return o, nil
	}
	o.Dice = 2 * float64(o.TruePositive) / float64(2*o.TruePositive+o.FalsePositive+o.FalseNegative)
	o.Jaccard = float64(o.TruePositive) / float64(union)
	return o, nil
}

// Histogram counts voxel values into 256 bins and returns the normalised
// distribution and its Shannon entropy in bits.
func Histogram(data []byte) ([]float64, float64) {
	counts := make([]float64, 256)
	for _, v := range data {
		counts[v]++
	}
	if len(data) == 0 {
		return counts, 0
	}
	for i := range counts {
		counts[i] /= float64(len(data))
	}
	// stat.Entropy uses natural log; convert to bits
	return counts, stat.Entropy(counts) / math.Ln2
}
