package models

import (
	"errors"
	"fmt"
)

// ErrBufferSize is returned when a voxel buffer does not match its dimensions.
var ErrBufferSize = errors.New("buffer length does not match volume dimensions")

// Coord is a voxel coordinate inside a volume
type Coord struct {
	X, Y, Z int
}

func (c Coord) String() string {
	return fmt.Sprintf("(%d,%d,%d)", c.X, c.Y, c.Z)
}

// Dims holds the extent of a volume along each axis.
// Voxels are stored row-major with x fastest, then y, then z.
type Dims struct {
	X, Y, Z int
}

// Total returns the number of voxels in the volume
func (d Dims) Total() int {
	return d.X * d.Y * d.Z
}

// Valid reports whether every dimension is positive
func (d Dims) Valid() bool {
	return d.X > 0 && d.Y > 0 && d.Z > 0
}

// Contains reports whether c lies inside the volume
func (d Dims) Contains(c Coord) bool {
	return c.X >= 0 && c.X < d.X &&
		c.Y >= 0 && c.Y < d.Y &&
		c.Z >= 0 && c.Z < d.Z
}

// Index maps a coordinate to its offset in the flat buffer.
// The second return value is false when the coordinate is outside the volume.
func (d Dims) Index(x, y, z int) (int, bool) {
	if x < 0 || x >= d.X || y < 0 || y >= d.Y || z < 0 || z >= d.Z {
		return 0, false
	}
	return d.MustIndex(x, y, z), true
}

// MustIndex maps a coordinate to its offset without checking bounds.
// Callers must have established that the coordinate is inside the volume.
func (d Dims) MustIndex(x, y, z int) int {
	return x + y*d.X + z*d.X*d.Y
}

// SliceLen returns the number of voxels in one axial (xy) slice
func (d Dims) SliceLen() int {
	return d.X * d.Y
}

func (d Dims) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// BoundingBox is the inclusive xy extent of the non-empty part of a mask.
// It spans every z slice.
type BoundingBox struct {
	XMin, XMax int
	YMin, YMax int
}

// FullBox returns a box covering the whole xy extent of d
func FullBox(d Dims) BoundingBox {
	return BoundingBox{XMin: 0, XMax: d.X - 1, YMin: 0, YMax: d.Y - 1}
}

// Empty reports whether the box contains no columns
func (b BoundingBox) Empty() bool {
	return b.XMax < b.XMin || b.YMax < b.YMin
}

// Expand grows the box by n voxels on each side, clamped to d
func (b BoundingBox) Expand(n int, d Dims) BoundingBox {
	out := BoundingBox{
		XMin: b.XMin - n,
		XMax: b.XMax + n,
		YMin: b.YMin - n,
		YMax: b.YMax + n,
	}
	if out.XMin < 0 {
		out.XMin = 0
	}
	if out.YMin < 0 {
		out.YMin = 0
	}
	if out.XMax > d.X-1 {
		out.XMax = d.X - 1
	}
	if out.YMax > d.Y-1 {
		out.YMax = d.Y - 1
	}
	return out
}

// Volume is a dense byte voxel grid. The buffer is owned by whoever created it;
// Volume never reallocates or resizes it.
type Volume struct {
	// Data is the voxel buffer, one byte per voxel
	Data []byte

	// Dims are the extents of the grid
	Dims Dims
}

// NewVolume allocates a zeroed volume
func NewVolume(dims Dims) (*Volume, error) {
	if !dims.Valid() {
		return nil, fmt.Errorf("invalid volume dimensions %s", dims)
	}
	return &Volume{Data: make([]byte, dims.Total()), Dims: dims}, nil
}

// WrapVolume wraps an existing buffer without copying it
func WrapVolume(data []byte, dims Dims) (*Volume, error) {
	if !dims.Valid() {
		return nil, fmt.Errorf("invalid volume dimensions %s", dims)
	}
	if len(data) != dims.Total() {
		return nil, fmt.Errorf("%w: have %d bytes, want %d for %s", ErrBufferSize, len(data), dims.Total(), dims)
	}
	return &Volume{Data: data, Dims: dims}, nil
}

// At returns the voxel at (x, y, z), or 0 outside the volume
func (v *Volume) At(x, y, z int) byte {
	idx, ok := v.Dims.Index(x, y, z)
	if !ok {
		return 0
	}
	return v.Data[idx]
}

// Set writes the voxel at (x, y, z). Writes outside the volume are ignored.
func (v *Volume) Set(x, y, z int, value byte) {
	if idx, ok := v.Dims.Index(x, y, z); ok {
		v.Data[idx] = value
	}
}

// Slice returns the axial slice at z as a sub-slice of the buffer (no copy)
func (v *Volume) Slice(z int) []byte {
	if z < 0 || z >= v.Dims.Z {
		return nil
	}
	n := v.Dims.SliceLen()
	return v.Data[z*n : (z+1)*n]
}
