// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sempcyc

import (
	"maps"
	"math"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
)

// SemanticTable maps class names to fixed-length semantic vectors (e.g. word embeddings of the class name).
type SemanticTable struct {
	// Path the table was loaded from.
	Path string

	dim     int
	vectors map[string][]float32
}

// LoadSemanticTable loads a semantic label table from a NumPy .npz archive holding one array per class,
// named after the class.
//
// Entries are validated: each must be a non-empty float vector (shaped `[dim]` or `[1, dim]`) with finite
// values, and all entries must have the same dimension.
func LoadSemanticTable(filePath string) (*SemanticTable, error) {
	arrays, err := numpy.FromNpzFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load semantic labels from %q", filePath)
	}
	if len(arrays) == 0 {
		return nil, errors.Errorf("semantic labels file %q has no entries", filePath)
	}
	table := &SemanticTable{
		Path:    filePath,
		dim:     -1,
		vectors: make(map[string][]float32, len(arrays)),
	}
	for _, name := range slices.Sorted(maps.Keys(arrays)) {
		vec, err := semanticVector(arrays[name])
		if err != nil {
			return nil, errors.WithMessagef(err, "semantic labels file %q, class %q", filePath, name)
		}
		if table.dim == -1 {
			table.dim = len(vec)
		} else if len(vec) != table.dim {
			return nil, errors.Errorf("semantic labels file %q, class %q: dimension %d differs from the previous %d",
				filePath, name, len(vec), table.dim)
		}
		table.vectors[name] = vec
	}
	return table, nil
}

func semanticVector(t *tensors.Tensor) ([]float32, error) {
	shape := t.Shape()
	if !(shape.Rank() == 1 || (shape.Rank() == 2 && shape.Dimensions[0] == 1)) {
		return nil, errors.Errorf("semantic vector must be shaped [dim] or [1, dim], got %s", shape)
	}
	if shape.Size() == 0 {
		return nil, errors.New("semantic vector is empty")
	}
	var vec []float32
	var err error
	switch t.DType() {
	case dtypes.Float32:
		err = tensors.ConstFlatData(t, func(flat []float32) { vec = slices.Clone(flat) })
	case dtypes.Float64:
		err = tensors.ConstFlatData(t, func(flat []float64) {
			vec = make([]float32, len(flat))
			for ii, v := range flat {
				vec[ii] = float32(v)
			}
		})
	default:
		return nil, errors.Errorf("semantic vector must be float32 or float64, got %s", t.DType())
	}
	if err != nil {
		return nil, err
	}
	for ii, v := range vec {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, errors.Errorf("semantic vector has non-finite value %f at position %d", v, ii)
		}
	}
	return vec, nil
}

// Dim is the dimension of the vectors.
func (t *SemanticTable) Dim() int { return t.dim }

// Len is the number of classes in the table.
func (t *SemanticTable) Len() int { return len(t.vectors) }

// Vector returns the semantic vector of the class. The returned slice must not be modified.
func (t *SemanticTable) Vector(className string) (vec []float32, found bool) {
	vec, found = t.vectors[className]
	return
}

// Classes returns the sorted class names of the table.
func (t *SemanticTable) Classes() []string {
	return slices.Sorted(maps.Keys(t.vectors))
}

// concatSemanticVectors returns the flat `[len(classNames), dim]` data, with each class vector being the
// concatenation of its vectors across the tables.
func concatSemanticVectors(tables []*SemanticTable, classNames []string, dim int) ([]float32, error) {
	data := make([]float32, 0, len(classNames)*dim)
	for _, name := range classNames {
		for _, table := range tables {
			vec, found := table.Vector(name)
			if !found {
				return nil, errors.Errorf("class %q not found in semantic labels %q", name, table.Path)
			}
			data = append(data, vec...)
		}
	}
	if len(data) != len(classNames)*dim {
		return nil, errors.Errorf("semantic vectors have total dimension %d, expected %d",
			len(data)/max(len(classNames), 1), dim)
	}
	return data, nil
}
