package floodfill

import (
	"errors"
	"fmt"

	"lungseg/internal/models"
)

// Marker is written into every filled voxel. A voxel holding Marker is treated
// as visited and is never eligible, so source data must be rescaled below it
// before filling.
const Marker byte = 255

var (
	// ErrStackOverflow is returned when the frontier outgrows the stack.
	// Voxels filled before the overflow stay marked in the buffer.
	ErrStackOverflow = errors.New("flood fill stack overflow")

	// ErrSeedOutOfBounds is returned when the seed lies outside the volume
	ErrSeedOutOfBounds = errors.New("seed outside volume")
)

// Predicate decides whether a voxel value may join the region.
// Visited voxels (Marker) are excluded before the predicate is consulted.
type Predicate func(value byte) bool

// NonZero accepts any value above zero (binary fill)
func NonZero() Predicate {
	return func(value byte) bool { return value > 0 }
}

// AtLeast accepts values greater than or equal to threshold
func AtLeast(threshold byte) Predicate {
	return func(value byte) bool { return value >= threshold }
}

// Filler grows 6-connected regions over buffers of one fixed size.
// It owns its frontier stack, so a Filler must not be shared between
// concurrent fills.
type Filler struct {
	dims  models.Dims
	stack *Stack
}

// NewFiller creates a filler whose stack holds floor(total * DefaultStackRatio) seeds
func NewFiller(dims models.Dims) *Filler {
	return &Filler{dims: dims, stack: NewStackForDims(dims, DefaultStackRatio)}
}

// NewFillerWithCapacity creates a filler with an explicit stack capacity
func NewFillerWithCapacity(dims models.Dims, capacity int) *Filler {
	return &Filler{dims: dims, stack: NewStack(capacity)}
}

// Dims returns the buffer dimensions the filler was built for
func (f *Filler) Dims() models.Dims {
	return f.dims
}

// StackCap returns the capacity of the frontier stack
func (f *Filler) StackCap() int {
	return f.stack.Cap()
}

// Fill marks every voxel 6-connected to seed through eligible voxels by
// writing Marker into buf, and returns the number of voxels it marked.
//
// Each popped seed is expanded to the maximal run of eligible voxels along x,
// the run is marked in one pass, and each of the four neighbouring lines
// (y-1, y+1, z-1, z+1) is scanned across the run. A new seed is pushed only
// where a neighbour line turns from ineligible to eligible, so one push covers
// a whole eligible stretch.
//
// A seed that is not eligible (including an already filled one) yields 0.
// On ErrStackOverflow the count of voxels filled so far is returned alongside
// the error and those voxels remain marked.
func (f *Filler) Fill(buf []byte, seed models.Coord, pred Predicate) (int, error) {
	d := f.dims
	if len(buf) != d.Total() {
		return 0, fmt.Errorf("%w: have %d bytes, want %d", models.ErrBufferSize, len(buf), d.Total())
	}
	seedIdx, ok := d.Index(seed.X, seed.Y, seed.Z)
	if !ok {
		return 0, fmt.Errorf("%w: %s not in %s", ErrSeedOutOfBounds, seed, d)
	}

	eligible := func(v byte) bool {
		return v != Marker && pred(v)
	}

	if !eligible(buf[seedIdx]) {
		return 0, nil
	}

	s := f.stack
	s.Reset()
	s.Push(seed)

	filled := 0
	for {
		c, ok := s.Pop()
		if !ok {
			break
		}

		row := d.MustIndex(0, c.Y, c.Z)
		// An earlier run may already have covered this seed.
		if !eligible(buf[row+c.X]) {
			continue
		}

		left := c.X
		for left > 0 && eligible(buf[row+left-1]) {
			left--
		}
		right := c.X
		for right < d.X-1 && eligible(buf[row+right+1]) {
			right++
		}

		for x := left; x <= right; x++ {
			buf[row+x] = Marker
		}
		filled += right - left + 1

		neighbours := [4][2]int{
			{c.Y - 1, c.Z},
			{c.Y + 1, c.Z},
			{c.Y, c.Z - 1},
			{c.Y, c.Z + 1},
		}
		for _, n := range neighbours {
			ny, nz := n[0], n[1]
			nrow, ok := d.Index(0, ny, nz)
			if !ok {
				continue
			}
			inRun := false
			for x := left; x <= right; x++ {
				if !eligible(buf[nrow+x]) {
					inRun = false
					continue
				}
				if inRun {
					continue
				}
				if !s.Push(models.Coord{X: x, Y: ny, Z: nz}) {
					return filled, fmt.Errorf("%w: capacity %d exhausted after %d voxels", ErrStackOverflow, s.Cap(), filled)
				}
				inRun = true
			}
		}
	}

	return filled, nil
}

// Fill runs a one-off fill with a stack sized by DefaultStackRatio
func Fill(buf []byte, dims models.Dims, seed models.Coord, pred Predicate) (int, error) {
	return NewFiller(dims).Fill(buf, seed, pred)
}
