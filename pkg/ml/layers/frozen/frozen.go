// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package frozen implements fixed (non-trainable) model components.
//
// A Linear is a bias-free projection whose weights are set once, at construction, and are never
// updated: its variable is created non-trainable and its value is read through a StopGradient,
// so no gradient reaches it. There is no method to make it trainable again.
//
// Freeze marks every variable under a scope as non-trainable, for sub-models that are built with
// ordinary (trainable) layers but should be kept fixed.
package frozen

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// WeightsVariableName is the name of the weights variable of a Linear, created in its scope.
const WeightsVariableName = "weights"

// Linear is a fixed, bias-free, linear projection from `inputDim` to `outputDim`.
type Linear struct {
	scope               string
	inputDim, outputDim int
	weights             *context.Variable
}

// NewLinear creates a fixed linear projection in the scope ctx.In(name), with the given weights
// shaped `[inputDim, outputDim]`.
//
// If a variable with the same name already exists in the scope (e.g. restored from a checkpoint)
// it is reused, as long as the shape matches.
func NewLinear(ctx *context.Context, name string, weights *tensors.Tensor) (*Linear, error) {
	if weights.Rank() != 2 {
		return nil, errors.Errorf("frozen.NewLinear(%q): weights must be shaped [input_dim, output_dim], got %s",
			name, weights.Shape())
	}
	return newLinear(ctx, name, func(ctx *context.Context) *context.Variable {
		return ctx.VariableWithValue(WeightsVariableName, weights)
	})
}

// NewLinearWithShape creates a fixed linear projection in the scope ctx.In(name), with weights
// initialized by the context initializer.
func NewLinearWithShape(ctx *context.Context, name string, dtype dtypes.DType, inputDim, outputDim int) (*Linear, error) {
	if inputDim <= 0 || outputDim <= 0 {
		return nil, errors.Errorf("frozen.NewLinearWithShape(%q): invalid dimensions %d x %d", name, inputDim, outputDim)
	}
	return newLinear(ctx, name, func(ctx *context.Context) *context.Variable {
		return ctx.VariableWithShape(WeightsVariableName, shapes.Make(dtype, inputDim, outputDim))
	})
}

func newLinear(ctx *context.Context, name string, createFn func(ctx *context.Context) *context.Variable) (*Linear, error) {
	ctx = ctx.In(name).Checked(false)
	var v *context.Variable
	err := exceptions.TryCatch[error](func() { v = createFn(ctx) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create frozen linear weights in scope %q", ctx.Scope())
	}
	v.SetTrainable(false)
	dims := v.Shape().Dimensions
	return &Linear{
		scope:     ctx.Scope(),
		inputDim:  dims[0],
		outputDim: dims[1],
		weights:   v,
	}, nil
}

// Scope where the weights variable lives.
func (l *Linear) Scope() string { return l.scope }

// InputDim is the expected size of the last axis of the input.
func (l *Linear) InputDim() int { return l.inputDim }

// OutputDim is the size of the output's last axis.
func (l *Linear) OutputDim() int { return l.outputDim }

// Weights returns the current value of the weights, shaped `[inputDim, outputDim]`.
func (l *Linear) Weights() (*tensors.Tensor, error) {
	return l.weights.Value()
}

// Apply projects x, shaped `[batch_size, inputDim]`, to `[batch_size, outputDim]`.
func (l *Linear) Apply(x *Node) *Node {
	if x.Rank() != 2 || x.Shape().Dimensions[1] != l.inputDim {
		exceptions.Panicf("frozen.Linear(%q): expected input shaped [batch_size, %d], got %s",
			l.scope, l.inputDim, x.Shape())
	}
	w := StopGradient(l.weights.ValueGraph(x.Graph()))
	if w.DType() != x.DType() {
		w = ConvertDType(w, x.DType())
	}
	return MatMul(x, w)
}

// Freeze marks every variable under the scope of ctx as non-trainable.
// Variables created in the scope afterward are not affected.
//
// It returns the number of variables frozen.
func Freeze(ctx *context.Context) int {
	var count int
	for v := range ctx.IterVariablesInScope() {
		v.SetTrainable(false)
		count++
	}
	return count
}

// FromTorch converts a PyTorch linear weight, shaped `[outputDim, inputDim]`, to the `[inputDim, outputDim]`
// layout used here.
func FromTorch(weights *tensors.Tensor) (*tensors.Tensor, error) {
	if weights.Rank() != 2 {
		return nil, errors.Errorf("torch linear weights must have rank 2, got %s", weights.Shape())
	}
	if dt := weights.DType(); dt != dtypes.Float32 && dt != dtypes.Float64 {
		return nil, errors.Errorf("torch linear weights must be float32 or float64, got %s", dt)
	}
	dims := weights.Shape().Dimensions
	out := tensors.FromShape(shapes.Make(weights.DType(), dims[1], dims[0]))
	var err error
	convErr := weights.ConstFlatData(func(src any) {
		err = out.MutableFlatData(func(dst any) {
			transpose2D(src, dst, dims[0], dims[1])
		})
	})
	if convErr != nil {
		return nil, errors.WithMessage(convErr, "failed to read torch weights")
	}
	if err != nil {
		return nil, errors.WithMessage(err, "failed to write transposed weights")
	}
	return out, nil
}

func transpose2D(src, dst any, rows, cols int) {
	switch s := src.(type) {
	case []float32:
		transposeSlice(s, dst.([]float32), rows, cols)
	case []float64:
		transposeSlice(s, dst.([]float64), rows, cols)
	}
}

func transposeSlice[T float32 | float64](src, dst []T, rows, cols int) {
	for r := range rows {
		for c := range cols {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
}
