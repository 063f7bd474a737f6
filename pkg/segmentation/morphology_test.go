package segmentation

import (
	"testing"

	"lungseg/internal/models"
)

func setVoxel(buf []byte, d models.Dims, x, y, z int, v byte) {
	buf[d.MustIndex(x, y, z)] = v
}

func countSet(buf []byte) int {
	n := 0
	for _, v := range buf {
		if v != 0 {
			n++
		}
	}
	return n
}

func TestBoundingBox(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		d := models.Dims{X: 8, Y: 8, Z: 2}
		box := boundingBox(make([]byte, d.Total()), d)
		if !box.Empty() {
			t.Errorf("box of an empty mask = %+v, want empty", box)
		}
	})

	t.Run("BothHalves", func(t *testing.T) {
		d := models.Dims{X: 16, Y: 16, Z: 2}
		mask := make([]byte, d.Total())
		setVoxel(mask, d, 3, 2, 0, 255)
		setVoxel(mask, d, 12, 13, 1, 255)

		box := boundingBox(mask, d)
		want := models.BoundingBox{XMin: 3, XMax: 12, YMin: 2, YMax: 13}
		if box != want {
			t.Errorf("box = %+v, want %+v", box, want)
		}
	})

	t.Run("OneHalfEmpty", func(t *testing.T) {
		// Nothing lies below the centre row, so YMax stops at the centre.
		d := models.Dims{X: 16, Y: 16, Z: 2}
		mask := make([]byte, d.Total())
		setVoxel(mask, d, 3, 5, 0, 255)
		setVoxel(mask, d, 10, 2, 1, 255)

		box := boundingBox(mask, d)
		want := models.BoundingBox{XMin: 3, XMax: 10, YMin: 2, YMax: 8}
		if box != want {
			t.Errorf("box = %+v, want %+v", box, want)
		}
	})

	t.Run("SingleVoxelVolume", func(t *testing.T) {
		d := models.Dims{X: 1, Y: 1, Z: 1}
		box := boundingBox([]byte{255}, d)
		want := models.BoundingBox{XMin: 0, XMax: 0, YMin: 0, YMax: 0}
		if box != want {
			t.Errorf("box = %+v, want %+v", box, want)
		}
	})
}

func TestMorphologyClosesHole(t *testing.T) {
	d := models.Dims{X: 9, Y: 9, Z: 9}
	mask := make([]byte, d.Total())
	for z := 2; z < 7; z++ {
		for y := 2; y < 7; y++ {
			for x := 2; x < 7; x++ {
				setVoxel(mask, d, x, y, z, 255)
			}
		}
	}
	setVoxel(mask, d, 4, 4, 4, 0)

	box := boundingBox(mask, d).Expand(1, d)
	dilated := make([]byte, d.Total())
	eroded := make([]byte, d.Total())
	dilate(mask, dilated, d, box)
	erode(mask, dilated, eroded, d, box)

	if got := countSet(dilated); got != 7*7*7 {
		t.Errorf("dilated voxels = %d, want %d", got, 7*7*7)
	}
	if eroded[d.MustIndex(4, 4, 4)] == 0 {
		t.Error("interior hole was not closed")
	}
	if eroded[d.MustIndex(1, 4, 4)] != 0 {
		t.Error("erosion left the dilated rim in place")
	}
	if got := countSet(eroded); got != 5*5*5 {
		t.Errorf("eroded voxels = %d, want %d", got, 5*5*5)
	}
	for i, v := range mask {
		if v != 0 && eroded[i] == 0 {
			t.Fatalf("erosion removed original mask voxel %d", i)
		}
	}
}

func TestMorphologyVolumeBorder(t *testing.T) {
	// Voxels beyond the volume read as empty, so a mask touching the border
	// still loses its rim but keeps every original voxel.
	d := models.Dims{X: 4, Y: 4, Z: 1}
	mask := make([]byte, d.Total())
	setVoxel(mask, d, 0, 0, 0, 255)

	box := models.FullBox(d)
	dilated := make([]byte, d.Total())
	eroded := make([]byte, d.Total())
	dilate(mask, dilated, d, box)
	erode(mask, dilated, eroded, d, box)

	if got := countSet(dilated); got != 4 {
		t.Errorf("dilated voxels = %d, want 4", got)
	}
	if got := countSet(eroded); got != 1 || eroded[0] == 0 {
		t.Errorf("eroded = %v, want only the original voxel", eroded)
	}
}
