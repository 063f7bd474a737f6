package segmentation

import "lungseg/internal/models"

// boundingBox finds the xy extent of the non-zero voxels of mask with four
// independent half-scans, one from each face toward the centre. The result
// always contains every non-zero voxel; it is empty only for an empty mask.
func boundingBox(mask []byte, d models.Dims) models.BoundingBox {
	xPlane := func(x int) bool {
		for z := 0; z < d.Z; z++ {
			for y := 0; y < d.Y; y++ {
				if mask[d.MustIndex(x, y, z)] != 0 {
					return true
				}
			}
		}
		return false
	}
	yPlane := func(y int) bool {
		for z := 0; z < d.Z; z++ {
			row := d.MustIndex(0, y, z)
			for x := 0; x < d.X; x++ {
				if mask[row+x] != 0 {
					return true
				}
			}
		}
		return false
	}

	cx, cy := d.X/2, d.Y/2
	xMin, okXMin := halfScan(0, cx, 1, xPlane)
	xMax, okXMax := halfScan(d.X-1, cx, -1, xPlane)
	yMin, okYMin := halfScan(0, cy, 1, yPlane)
	yMax, okYMax := halfScan(d.Y-1, cy, -1, yPlane)

	if (!okXMin && !okXMax) || (!okYMin && !okYMax) {
		return models.BoundingBox{XMin: 0, XMax: -1, YMin: 0, YMax: -1}
	}
	// A half with no occupied plane leaves that edge at the centre.
	if !okXMin {
		xMin = cx
	}
	if !okXMax {
		xMax = cx
	}
	if !okYMin {
		yMin = cy
	}
	if !okYMax {
		yMax = cy
	}
	return models.BoundingBox{XMin: xMin, XMax: xMax, YMin: yMin, YMax: yMax}
}

// halfScan walks from start to stop (inclusive) and returns the first
// position for which occupied is true
func halfScan(start, stop, step int, occupied func(int) bool) (int, bool) {
	for p := start; ; p += step {
		if occupied(p) {
			return p, true
		}
		if p == stop {
			return 0, false
		}
	}
}

// hasNeighbour reports whether any of the 26 neighbours of (x,y,z) matches.
// Neighbours outside the volume are presented as 0.
func hasNeighbour(buf []byte, d models.Dims, x, y, z int, match func(byte) bool) bool {
	for dz := -1; dz <= 1; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx == 0 && dy == 0 && dz == 0 {
					continue
				}
				var v byte
				if idx, ok := d.Index(x+dx, y+dy, z+dz); ok {
					v = buf[idx]
				}
				if match(v) {
					return true
				}
			}
		}
	}
	return false
}

func isSet(v byte) bool   { return v != 0 }
func isEmpty(v byte) bool { return v == 0 }

// dilate ORs the 26-neighbourhood of src into dst for every voxel of box,
// across all slices. dst must be zero outside box.
func dilate(src, dst []byte, d models.Dims, box models.BoundingBox) {
	for z := 0; z < d.Z; z++ {
		for y := box.YMin; y <= box.YMax; y++ {
			for x := box.XMin; x <= box.XMax; x++ {
				idx := d.MustIndex(x, y, z)
				if src[idx] != 0 || hasNeighbour(src, d, x, y, z, isSet) {
					dst[idx] = 255
				} else {
					dst[idx] = 0
				}
			}
		}
	}
}

// erode copies dilated into dst over box and clears every voxel that
// dilation switched on (set in dilated, clear in mask) if any of its 26
// neighbours is clear in dilated. Voxels of the original mask are never
// re-examined, so dilate followed by erode closes gaps without growing the
// outer contour.
func erode(mask, dilated, dst []byte, d models.Dims, box models.BoundingBox) {
	for z := 0; z < d.Z; z++ {
		for y := box.YMin; y <= box.YMax; y++ {
			for x := box.XMin; x <= box.XMax; x++ {
				idx := d.MustIndex(x, y, z)
				dst[idx] = dilated[idx]
				if dilated[idx] != 0 && mask[idx] == 0 && hasNeighbour(dilated, d, x, y, z, isEmpty) {
					dst[idx] = 0
				}
			}
		}
	}
}
