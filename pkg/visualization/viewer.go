// Package visualization extracts 2D slices from byte volumes and writes them
// to image files for inspection of segmentation results.
package visualization

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"

	"lungseg/internal/models"
)

// Format selects the encoder used when saving slices
type Format string

const (
	// FormatTIFF is lossless and the default for masks
	FormatTIFF Format = "tiff"

	// FormatBMP is lossless and uncompressed
	FormatBMP Format = "bmp"

	// FormatJPEG is lossy; mask edges will ring
	FormatJPEG Format = "jpg"
)

// ParseFormat accepts the names and common extensions of the supported formats
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "", "tif", "tiff":
		return FormatTIFF, nil
	case "bmp":
		return FormatBMP, nil
	case "jpg", "jpeg":
		return FormatJPEG, nil
	default:
		return "", fmt.Errorf("unsupported slice format %q (must be tiff, bmp or jpg)", name)
	}
}

// Ext returns the file extension for the format, without the dot
func (f Format) Ext() string {
	if f == "" {
		return string(FormatTIFF)
	}
	return string(f)
}

// Viewer extracts and saves slices of a byte volume
type Viewer struct {
	// vol holds the voxels being viewed; the viewer never modifies it
	vol *models.Volume

	// format is the encoder used by SaveSlice
	format Format
}

// NewViewer creates a viewer over vol writing slices in the given format
func NewViewer(vol *models.Volume, format Format) *Viewer {
	if format == "" {
		format = FormatTIFF
	}
	return &Viewer{vol: vol, format: format}
}

// ExtractSlice extracts a 2D slice perpendicular to axis at position.
// Axis "z" gives the axial (xy) plane, "y" the coronal (xz) plane and
// "x" the sagittal (zy) plane.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	d := v.vol.Dims

	var img *image.Gray
	switch axis {
	case "x", "X":
		if position >= d.X {
			return nil, fmt.Errorf("position %d exceeds width %d", position, d.X)
		}
		img = image.NewGray(image.Rect(0, 0, d.Z, d.Y))
		for y := 0; y < d.Y; y++ {
			for z := 0; z < d.Z; z++ {
				img.Pix[y*img.Stride+z] = v.vol.Data[d.MustIndex(position, y, z)]
			}
		}

	case "y", "Y":
		if position >= d.Y {
			return nil, fmt.Errorf("position %d exceeds height %d", position, d.Y)
		}
		img = image.NewGray(image.Rect(0, 0, d.X, d.Z))
		for z := 0; z < d.Z; z++ {
			row := d.MustIndex(0, position, z)
			copy(img.Pix[z*img.Stride:z*img.Stride+d.X], v.vol.Data[row:row+d.X])
		}

	case "z", "Z":
		if position >= d.Z {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d.Z)
		}
		img = image.NewGray(image.Rect(0, 0, d.X, d.Y))
		copy(img.Pix, v.vol.Slice(position))

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractRegion copies a 3D subregion of the volume into a new buffer
func (v *Viewer) ExtractRegion(start models.Coord, size models.Dims) ([]byte, error) {
	if start.X < 0 || start.Y < 0 || start.Z < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if !size.Valid() {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	d := v.vol.Dims
	if start.X+size.X > d.X || start.Y+size.Y > d.Y || start.Z+size.Z > d.Z {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := make([]byte, size.Total())
	for z := 0; z < size.Z; z++ {
		for y := 0; y < size.Y; y++ {
			src := d.MustIndex(start.X, start.Y+y, start.Z+z)
			dst := size.MustIndex(0, y, z)
			copy(region[dst:dst+size.X], v.vol.Data[src:src+size.X])
		}
	}

	return region, nil
}

// SaveSlice encodes img to filename in the viewer's format
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	return SaveImage(img, filename, v.format)
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Dims.X
	case "y", "Y":
		maxPos = v.vol.Dims.Y
	case "z", "Z":
		maxPos = v.vol.Dims.Z
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.%s", axis, pos, v.format.Ext()))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveImage encodes img to filename using format
func SaveImage(img image.Image, filename string, format Format) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	switch format {
	case FormatBMP:
		err = bmp.Encode(file, img)
	case FormatJPEG:
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
	}
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	return file.Close()
}

// SaveAxialSlice writes the axial slice z of a raw buffer. It is used for
// intermediary snapshots of pipeline buffers that are not wrapped in a Volume.
func SaveAxialSlice(buf []byte, dims models.Dims, z int, filename string, format Format) error {
	vol, err := models.WrapVolume(buf, dims)
	if err != nil {
		return err
	}
	img, err := NewViewer(vol, format).ExtractSlice("z", z)
	if err != nil {
		return err
	}
	return SaveImage(img, filename, format)
}
