package seed

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"lungseg/internal/models"
)

// Tuned constants of the airway lumen scan
const (
	// AirwayScanSlice is the early slice searched for the trachea
	AirwayScanSlice = 10

	// AirwayDarkThreshold is the highest intensity counted as lumen air
	AirwayDarkThreshold = 50

	// airwayRegionLow and airwayRegionHigh bound the searched sub-region in percent
	airwayRegionLow  = 20
	airwayRegionHigh = 80

	// airwayRunNumerator/airwayRunDenominator scale the minimum wall distance
	// with the slice width (7 voxels on a 512 wide slice)
	airwayRunNumerator   = 7
	airwayRunDenominator = 512

	// refineRadius and refineDepth size the 5x5x2 refinement neighbourhood
	refineRadius = 2
	refineDepth  = 2
)

// AirwaySeed is a voxel inside the airway lumen and the intensities around it
type AirwaySeed struct {
	// Coord is the darkest lumen voxel near the detected hole, with z taken
	// as the rounded mean z of the dark neighbourhood
	Coord models.Coord

	// MinIntensity is the darkest intensity in the neighbourhood
	MinIntensity byte

	// MeanIntensity is the mean intensity of the dark neighbourhood voxels
	MeanIntensity float64
}

// MinRun returns the distance each ray must exceed before hitting a wall
// for a slice of the given width
func MinRun(width int) int {
	run := width * airwayRunNumerator / airwayRunDenominator
	if run < 1 {
		run = 1
	}
	return run
}

// FindAirwaySeed looks for an enclosed dark hole on an early slice: a dark
// pixel whose four axis-aligned rays all travel more than MinRun voxels before
// hitting a bright one. Only the central 20-80% of the slice is searched,
// row by row. The first hit is refined over a 5x5x2 neighbourhood.
func FindAirwaySeed(vol *models.Volume) (AirwaySeed, error) {
	d := vol.Dims
	z := AirwayScanSlice
	if z > d.Z-1 {
		z = d.Z - 1
	}
	slice := vol.Slice(z)
	if slice == nil {
		return AirwaySeed{}, fmt.Errorf("%w: empty volume", ErrNotFound)
	}

	minRun := MinRun(d.X)
	enclosed := func(x, y, dx, dy int) bool {
		for n := 1; ; n++ {
			x += dx
			y += dy
			if x < 0 || x >= d.X || y < 0 || y >= d.Y {
				return false
			}
			if slice[y*d.X+x] > AirwayDarkThreshold {
				return n > minRun
			}
		}
	}

	y0, y1 := d.Y*airwayRegionLow/100, d.Y*airwayRegionHigh/100
	x0, x1 := d.X*airwayRegionLow/100, d.X*airwayRegionHigh/100
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if slice[y*d.X+x] > AirwayDarkThreshold {
				continue
			}
			if enclosed(x, y, 0, -1) && enclosed(x, y, 0, 1) &&
				enclosed(x, y, -1, 0) && enclosed(x, y, 1, 0) {
				return refineAirwaySeed(vol, models.Coord{X: x, Y: y, Z: z}), nil
			}
		}
	}

	return AirwaySeed{}, fmt.Errorf("%w: no enclosed lumen on slice %d", ErrNotFound, z)
}

// refineAirwaySeed picks the darkest voxel around hit. The hit itself is dark,
// so the neighbourhood always holds at least one qualifying voxel.
func refineAirwaySeed(vol *models.Volume, hit models.Coord) AirwaySeed {
	var (
		zs     []float64
		values []float64
		best   = hit
		bestV  = vol.At(hit.X, hit.Y, hit.Z)
	)

	for z := hit.Z; z < hit.Z+refineDepth; z++ {
		for y := hit.Y - refineRadius; y <= hit.Y+refineRadius; y++ {
			for x := hit.X - refineRadius; x <= hit.X+refineRadius; x++ {
				if !vol.Dims.Contains(models.Coord{X: x, Y: y, Z: z}) {
					continue
				}
				v := vol.At(x, y, z)
				if v > AirwayDarkThreshold {
					continue
				}
				zs = append(zs, float64(z))
				values = append(values, float64(v))
				if len(values) == 1 || v < bestV {
					best = models.Coord{X: x, Y: y, Z: z}
					bestV = v
				}
			}
		}
	}

	return AirwaySeed{
		Coord: models.Coord{
			X: best.X,
			Y: best.Y,
			Z: int(math.Round(stat.Mean(zs, nil))),
		},
		MinIntensity:  bestV,
		MeanIntensity: stat.Mean(values, nil),
	}
}
