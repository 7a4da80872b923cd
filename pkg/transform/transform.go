// Package transform provides rigid and affine spatial transforms, chains of
// transforms with per-step inverse flags, and their YAML file format.
//
// Every transform maps points of the fixed (output) space to points of the
// moving (input) space, which is the direction needed to resample an image by
// pulling values from the moving image onto the fixed grid.
package transform

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"boldprep/internal/fsutil"
	"boldprep/internal/models"
)

const (
	kindAffine = "affine"
	kindSet    = "affine-set"
)

// Rigid builds the rigid-body transform for the parameter vector
// [tx, ty, tz, rx, ry, rz] (mm, radians). Rotations are applied about center
// in x, y, z order, followed by the translation.
func Rigid(params [6]float64, center [3]float64) models.Affine {
	sx, cx := math.Sincos(params[3])
	sy, cy := math.Sincos(params[4])
	sz, cz := math.Sincos(params[5])

	rx := [3][3]float64{{1, 0, 0}, {0, cx, -sx}, {0, sx, cx}}
	ry := [3][3]float64{{cy, 0, sy}, {0, 1, 0}, {-sy, 0, cy}}
	rz := [3][3]float64{{cz, -sz, 0}, {sz, cz, 0}, {0, 0, 1}}
	r := mul3(rz, mul3(ry, rx))

	a := models.Identity()
	for i := 0; i < 3; i++ {
		var rc float64
		for j := 0; j < 3; j++ {
			a[i][j] = r[i][j]
			rc += r[i][j] * center[j]
		}
		a[i][3] = center[i] - rc + params[i]
	}
	return a
}

func mul3(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

// Translation returns a pure translation.
func Translation(t [3]float64) models.Affine {
	a := models.Identity()
	for i := 0; i < 3; i++ {
		a[i][3] = t[i]
	}
	return a
}

// Step is one element of a transform chain.
type Step struct {
	Affine  models.Affine
	Inverse bool
}

// Resolve returns the affine of the step, inverted when the step says so.
func (s Step) Resolve() (models.Affine, error) {
	if !s.Inverse {
		return s.Affine, nil
	}
	return s.Affine.Inverse()
}

// Chain is an ordered list of transforms. A point p is mapped through the
// chain [T1, T2, ..., Tn] as T1(T2(...Tn(p))): the last step applies first.
type Chain []Step

// Compose folds the chain into a single affine. An empty chain is the identity.
func (c Chain) Compose() (models.Affine, error) {
	out := models.Identity()
	for i, step := range c {
		a, err := step.Resolve()
		if err != nil {
			return models.Affine{}, fmt.Errorf("chain step %d: %w", i, err)
		}
		out = out.Mul(a)
	}
	return out, nil
}

// Prepend returns a new chain with step placed first (applied last).
func (c Chain) Prepend(step Step) Chain {
	out := make(Chain, 0, len(c)+1)
	out = append(out, step)
	return append(out, c...)
}

type file struct {
	Kind     string        `yaml:"kind"`
	Matrices [][][]float64 `yaml:"matrices"`
}

// WriteAffine writes a single transform file.
func WriteAffine(path string, a models.Affine) error {
	return writeFile(path, file{Kind: kindAffine, Matrices: [][][]float64{rows(a)}})
}

// WriteSet writes a per-volume transform collection in temporal order.
func WriteSet(path string, set []models.Affine) error {
	f := file{Kind: kindSet, Matrices: make([][][]float64, len(set))}
	for i, a := range set {
		f.Matrices[i] = rows(a)
	}
	return writeFile(path, f)
}

// ReadAffine reads a single transform file.
func ReadAffine(path string) (models.Affine, error) {
	f, err := readFile(path)
	if err != nil {
		return models.Affine{}, err
	}
	if f.Kind != kindAffine || len(f.Matrices) != 1 {
		return models.Affine{}, fmt.Errorf("%s: not a single affine transform", path)
	}
	return fromRows(f.Matrices[0])
}

// ReadSet reads a per-volume transform collection.
func ReadSet(path string) ([]models.Affine, error) {
	f, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if f.Kind != kindSet {
		return nil, fmt.Errorf("%s: not a transform set", path)
	}
	out := make([]models.Affine, len(f.Matrices))
	for i, m := range f.Matrices {
		a, err := fromRows(m)
		if err != nil {
			return nil, fmt.Errorf("%s: matrix %d: %w", path, i, err)
		}
		out[i] = a
	}
	return out, nil
}

// LoadChain reads transform files and pairs them with their inverse flags.
// A nil or empty inverses slice means no step is inverted.
func LoadChain(paths []string, inverses []bool) (Chain, error) {
	if len(inverses) != 0 && len(inverses) != len(paths) {
		return nil, fmt.Errorf("%d transforms but %d inverse flags", len(paths), len(inverses))
	}
	chain := make(Chain, len(paths))
	for i, p := range paths {
		a, err := ReadAffine(p)
		if err != nil {
			return nil, err
		}
		chain[i] = Step{Affine: a, Inverse: len(inverses) > 0 && inverses[i]}
	}
	return chain, nil
}

func rows(a models.Affine) [][]float64 {
	out := make([][]float64, 4)
	for i := range out {
		out[i] = append([]float64(nil), a[i][:]...)
	}
	return out
}

func fromRows(m [][]float64) (models.Affine, error) {
	var a models.Affine
	if len(m) != 4 {
		return a, fmt.Errorf("expected 4 rows, got %d", len(m))
	}
	for i := range m {
		if len(m[i]) != 4 {
			return a, fmt.Errorf("row %d: expected 4 columns, got %d", i, len(m[i]))
		}
		copy(a[i][:], m[i])
	}
	return a, nil
}

func writeFile(path string, f file) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal transform: %w", err)
	}
	return fsutil.WriteFile(path, data)
}

func readFile(path string) (*file, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transform %s: %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse transform %s: %w", path, err)
	}
	return &f, nil
}
