// Package visualization renders orthogonal slices of a volume as JPEG images
// for visual quality control.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"path/filepath"
	"sort"

	"boldprep/internal/fsutil"
	"boldprep/internal/models"
)

// Viewer extracts grey-level slices from a volume. Intensities are mapped
// linearly from the 2nd to the 98th percentile of positive voxels onto the
// full 16-bit range.
type Viewer struct {
	vol *models.Volume

	// Intensity window
	low  float64
	high float64
}

// NewViewer creates a viewer for vol
func NewViewer(vol *models.Volume) *Viewer {
	low, high := window(vol.Data)
	return &Viewer{vol: vol, low: low, high: high}
}

func window(data []float64) (float64, float64) {
	var pos []float64
	for _, v := range data {
		if v > 0 {
			pos = append(pos, v)
		}
	}
	if len(pos) == 0 {
		return 0, 1
	}
	sort.Float64s(pos)
	low := pos[int(0.02*float64(len(pos)-1))]
	high := pos[int(0.98*float64(len(pos)-1))]
	if high <= low {
		low, high = 0, pos[len(pos)-1]
	}
	if high <= low {
		high = low + 1
	}
	return low, high
}

func (v *Viewer) gray(val float64) color.Gray16 {
	scaled := (val - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractSlice extracts a 2D slice perpendicular to the given axis. Axis "x"
// is sagittal, "y" coronal and "z" axial. Rows run from the top of the image
// so the last voxel row of the plane is drawn first.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	dims := v.vol.Dims

	switch axis {
	case "x", "X":
		// YZ plane
		if position >= dims[0] {
			return nil, fmt.Errorf("position %d exceeds width %d", position, dims[0])
		}
		img := image.NewGray16(image.Rect(0, 0, dims[1], dims[2]))
		for z := 0; z < dims[2]; z++ {
			for y := 0; y < dims[1]; y++ {
				img.SetGray16(y, dims[2]-1-z, v.gray(v.vol.At(position, y, z)))
			}
		}
		return img, nil

	case "y", "Y":
		// XZ plane
		if position >= dims[1] {
			return nil, fmt.Errorf("position %d exceeds height %d", position, dims[1])
		}
		img := image.NewGray16(image.Rect(0, 0, dims[0], dims[2]))
		for z := 0; z < dims[2]; z++ {
			for x := 0; x < dims[0]; x++ {
				img.SetGray16(x, dims[2]-1-z, v.gray(v.vol.At(x, position, z)))
			}
		}
		return img, nil

	case "z", "Z":
		// XY plane
		if position >= dims[2] {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, dims[2])
		}
		img := image.NewGray16(image.Rect(0, 0, dims[0], dims[1]))
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				img.SetGray16(x, dims[1]-1-y, v.gray(v.vol.At(x, y, position)))
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	return fsutil.WriteWith(filename, func(w io.Writer) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 90})
	})
}

// Snapshot writes the sagittal, coronal and axial mid-slices of vol into dir
// and returns their paths in that order.
func Snapshot(vol *models.Volume, dir, prefix string) ([]string, error) {
	viewer := NewViewer(vol)
	planes := []struct {
		axis, name string
		pos        int
	}{
		{"x", "sagittal", vol.Dims[0] / 2},
		{"y", "coronal", vol.Dims[1] / 2},
		{"z", "axial", vol.Dims[2] / 2},
	}

	paths := make([]string, 0, len(planes))
	for _, p := range planes {
		img, err := viewer.ExtractSlice(p.axis, p.pos)
		if err != nil {
			return nil, err
		}
		filename := filepath.Join(dir, fmt.Sprintf("%s_%s.jpg", prefix, p.name))
		if err := SaveSlice(img, filename); err != nil {
			return nil, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
