// Package seed locates the starting voxels for the lung and airway fills.
// Both scans are read-only heuristics over the source intensities.
package seed

import (
	"errors"
	"fmt"

	"lungseg/internal/models"
)

// ErrNotFound is returned when a scan completes without a qualifying seed
var ErrNotFound = errors.New("seed point not found")

// Tuned constants of the central cavity scan
const (
	// CentralBrightThreshold separates tissue (above) from air (at or below)
	CentralBrightThreshold = 40

	// BracketBrightFraction stops the vertical bracket expansion
	BracketBrightFraction = 1.0 / 3.0

	// BracketTrimTop and BracketTrimBottom discard edge artifacts of the bracket
	BracketTrimTop    = 0.13
	BracketTrimBottom = 0.18

	// histogramShift maps an intensity to one of 8 buckets
	histogramShift = 5

	// TissueDarkFraction is the darkest-bucket share below which a line
	// is considered to have entered tissue
	TissueDarkFraction = 0.70

	// TransitionRun is how many pixels after a bright-to-dark transition
	// must stay dark for the transition to count
	TransitionRun = 8
)

// FindCentralSeed scans the central axial slice for the boundary between body
// tissue and the central cavity, and returns the last tissue voxel before it.
//
// The scan proceeds in four stages:
//  1. From the middle line, expand up and down until a line with at least a
//     third of bright pixels is met in each direction; this brackets the
//     cavity vertically.
//  2. Trim the bracket by 13% at the top and 18% at the bottom.
//  3. Walk the band top to bottom until a line's darkest histogram bucket
//     holds less than 70% of the line.
//  4. On that line, walk from the horizontal midline outward (left, then
//     right) for a bright pixel followed by at least 9 dark pixels.
func FindCentralSeed(vol *models.Volume) (models.Coord, error) {
	d := vol.Dims
	z := d.Z / 2
	slice := vol.Slice(z)
	if slice == nil {
		return models.Coord{}, fmt.Errorf("%w: empty volume", ErrNotFound)
	}
	pixel := func(x, y int) byte {
		return slice[y*d.X+x]
	}

	brightFraction := func(y int) float64 {
		n := 0
		for x := 0; x < d.X; x++ {
			if pixel(x, y) > CentralBrightThreshold {
				n++
			}
		}
		return float64(n) / float64(d.X)
	}

	mid := d.Y / 2
	top := mid
	for top > 0 {
		top--
		if brightFraction(top) >= BracketBrightFraction {
			break
		}
	}
	bottom := mid
	for bottom < d.Y-1 {
		bottom++
		if brightFraction(bottom) >= BracketBrightFraction {
			break
		}
	}

	height := bottom - top + 1
	top += int(float64(height) * BracketTrimTop)
	bottom -= int(float64(height) * BracketTrimBottom)

	line := -1
	for y := top; y <= bottom; y++ {
		var hist [8]int
		for x := 0; x < d.X; x++ {
			hist[pixel(x, y)>>histogramShift]++
		}
		if float64(hist[0]) < TissueDarkFraction*float64(d.X) {
			line = y
			break
		}
	}
	if line < 0 {
		return models.Coord{}, fmt.Errorf("%w: no tissue line in band [%d,%d] of slice %d", ErrNotFound, top, bottom, z)
	}

	for _, step := range []int{-1, 1} {
		if x, ok := scanTransition(slice[line*d.X:(line+1)*d.X], d.X/2, step); ok {
			return models.Coord{X: x, Y: line, Z: z}, nil
		}
	}

	return models.Coord{}, fmt.Errorf("%w: no tissue boundary on line %d of slice %d", ErrNotFound, line, z)
}

// scanTransition walks row from start in direction step. After the first
// bright pixel it looks for a dark pixel followed by TransitionRun more dark
// pixels and returns the position just before that dark run.
func scanTransition(row []byte, start, step int) (int, bool) {
	seenBright := false
	for x := start; x >= 0 && x < len(row); x += step {
		if !seenBright {
			seenBright = row[x] > CentralBrightThreshold
			continue
		}
		if row[x] > CentralBrightThreshold {
			continue
		}
		if darkRun(row, x, step) {
			return x - step, true
		}
	}
	return 0, false
}

// darkRun reports whether the TransitionRun pixels after x are all dark and inside row
func darkRun(row []byte, x, step int) bool {
	for k := 1; k <= TransitionRun; k++ {
		xx := x + k*step
		if xx < 0 || xx >= len(row) || row[xx] > CentralBrightThreshold {
			return false
		}
	}
	return true
}
