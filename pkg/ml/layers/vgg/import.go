// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vgg

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// torchParam is one expected entry of a PyTorch state dict and where it goes.
type torchParam struct {
	key      string
	scope    []string
	name     string
	isKernel bool
	rank     int
}

// expectedTorchParams lists the state dict entries of a VGG with the given layout, in order.
func expectedTorchParams(layout []int) []torchParam {
	var params []torchParam
	for _, idx := range FeatureIndices(layout) {
		scope := []string{FeaturesScope, fmt.Sprint(idx)}
		params = append(params,
			torchParam{key: fmt.Sprintf("features.%d.weight", idx), scope: scope, name: "weights", isKernel: true, rank: 4},
			torchParam{key: fmt.Sprintf("features.%d.bias", idx), scope: scope, name: "biases", rank: 1})
	}
	for _, idx := range []int{hidden0Index, hidden1Index, projectionIndex} {
		scope := []string{ClassifierScope, fmt.Sprint(idx), "dense"}
		params = append(params,
			torchParam{key: fmt.Sprintf("classifier.%d.weight", idx), scope: scope, name: "weights", rank: 2},
			torchParam{key: fmt.Sprintf("classifier.%d.bias", idx), scope: scope, name: "biases", rank: 1})
	}
	return params
}

// TorchKeys returns the state dict keys ImportTorchStateDict expects for the given layout.
func TorchKeys(layout []int) []string {
	params := expectedTorchParams(layout)
	keys := make([]string, len(params))
	for ii, p := range params {
		keys[ii] = p.key
	}
	return keys
}

// ImportTorchStateDict creates the variables of a VGG feature extractor in ctx (the same context later
// passed to New) from a torchvision-style state dict: keys like "features.0.weight" or "classifier.6.bias".
//
// Convolution kernels are converted from PyTorch's `[out, in, kh, kw]` layout to `[kh, kw, in, out]` and
// linear weights from `[out, in]` to `[in, out]`. A "module." prefix (from nn.DataParallel) is stripped.
//
// The import is strict: every entry expected by the layout configured in ctx (see ParamLayers) must be present,
// and no other entry may be. Variables that already exist in ctx (e.g. restored from a checkpoint) are kept.
//
// It returns the number of variables imported.
func ImportTorchStateDict(backend backends.Backend, ctx *context.Context, stateDict map[string]*tensors.Tensor) (int, error) {
	stateDict = stripModulePrefix(stateDict)
	layout := LayersFromContext(ctx)
	expected := expectedTorchParams(layout)

	var missing, unexpected []string
	known := make(map[string]bool, len(expected))
	for _, p := range expected {
		known[p.key] = true
		if _, found := stateDict[p.key]; !found {
			missing = append(missing, p.key)
		}
	}
	for key := range stateDict {
		if !known[key] {
			unexpected = append(unexpected, key)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		slices.Sort(unexpected)
		return 0, errors.Errorf("vgg state dict mismatch: missing keys %v, unexpected keys %v", missing, unexpected)
	}

	transposeExec, err := NewExec(backend, func(x *Node) *Node {
		if x.Rank() == 4 {
			return TransposeAllAxes(x, 2, 3, 1, 0)
		}
		return Transpose(x, 0, 1)
	})
	if err != nil {
		return 0, errors.WithMessage(err, "failed to create weights conversion executor")
	}
	defer transposeExec.Finalize()

	ctx = ctx.Checked(false)
	var count int
	for _, p := range expected {
		value := stateDict[p.key]
		if value.Rank() != p.rank {
			return count, errors.Errorf("vgg state dict entry %q: expected rank %d, got shape %s", p.key, p.rank, value.Shape())
		}
		varCtx := ctx
		for _, s := range p.scope {
			varCtx = varCtx.In(s)
		}
		if varCtx.GetVariableByScopeAndName(varCtx.Scope(), p.name) != nil {
			klog.V(2).Infof("vgg: keeping existing variable %s/%s, not importing %q", varCtx.Scope(), p.name, p.key)
			continue
		}
		if p.rank > 1 {
			value, err = transposeExec.Exec1(value)
			if err != nil {
				return count, errors.WithMessagef(err, "failed to convert vgg state dict entry %q", p.key)
			}
		}
		err = exceptions.TryCatch[error](func() { varCtx.VariableWithValue(p.name, value) })
		if err != nil {
			return count, errors.WithMessagef(err, "failed to import vgg state dict entry %q", p.key)
		}
		count++
	}
	if err := checkChannels(ctx, layout); err != nil {
		return count, err
	}
	if err := checkClassifier(ctx); err != nil {
		return count, err
	}
	klog.V(1).Infof("vgg: imported %d variables into %q", count, ctx.Scope())
	return count, nil
}

// stripModulePrefix removes the "module." prefix nn.DataParallel adds to every key.
func stripModulePrefix(stateDict map[string]*tensors.Tensor) map[string]*tensors.Tensor {
	const prefix = "module."
	var stripped map[string]*tensors.Tensor
	for key, value := range stateDict {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if stripped == nil {
			stripped = make(map[string]*tensors.Tensor, len(stateDict))
			klog.Warningf("vgg: stripping %q prefix from state dict keys", prefix)
		}
		stripped[strings.TrimPrefix(key, prefix)] = value
	}
	if stripped == nil {
		return stateDict
	}
	for key, value := range stateDict {
		if !strings.HasPrefix(key, prefix) {
			stripped[key] = value
		}
	}
	return stripped
}

// checkChannels verifies the imported convolution kernels match the layout and chain together.
func checkChannels(ctx *context.Context, layout []int) error {
	featuresCtx := ctx.In(FeaturesScope)
	inputChannels := -1
	convIdx := 0
	indices := FeatureIndices(layout)
	for _, filters := range layout {
		if filters == Pool {
			continue
		}
		scopeCtx := featuresCtx.In(fmt.Sprint(indices[convIdx]))
		convIdx++
		v := scopeCtx.GetVariableByScopeAndName(scopeCtx.Scope(), "weights")
		if v == nil {
			return errors.Errorf("vgg: missing kernel in scope %q", scopeCtx.Scope())
		}
		dims := v.Shape().Dimensions
		if dims[0] != 3 || dims[1] != 3 || dims[3] != filters {
			return errors.Errorf("vgg: kernel in scope %q has shape %s, expected [3, 3, *, %d]",
				scopeCtx.Scope(), v.Shape(), filters)
		}
		if inputChannels > 0 && dims[2] != inputChannels {
			return errors.Errorf("vgg: kernel in scope %q has %d input channels, previous layer outputs %d",
				scopeCtx.Scope(), dims[2], inputChannels)
		}
		inputChannels = filters
	}
	return nil
}

// checkClassifier verifies the imported classifier weights match the configured hidden and embedding dimensions.
func checkClassifier(ctx *context.Context) error {
	hiddenDim := context.GetParamOr(ctx, ParamHiddenDim, 4096)
	embeddingDim := context.GetParamOr(ctx, ParamEmbeddingDim, 512)
	classifierCtx := ctx.In(ClassifierScope)
	for _, check := range []struct {
		index   int
		in, out int
	}{
		{hidden0Index, -1, hiddenDim},
		{hidden1Index, hiddenDim, hiddenDim},
		{projectionIndex, hiddenDim, embeddingDim},
	} {
		scopeCtx := classifierCtx.In(fmt.Sprint(check.index)).In("dense")
		v := scopeCtx.GetVariableByScopeAndName(scopeCtx.Scope(), "weights")
		if v == nil {
			return errors.Errorf("vgg: missing weights in scope %q", scopeCtx.Scope())
		}
		dims := v.Shape().Dimensions
		if (check.in > 0 && dims[0] != check.in) || dims[1] != check.out {
			return errors.Errorf("vgg: weights in scope %q have shape %s, expected [%d, %d] (%q=%d, %q=%d)",
				scopeCtx.Scope(), v.Shape(), check.in, check.out, ParamHiddenDim, hiddenDim, ParamEmbeddingDim, embeddingDim)
		}
	}
	return nil
}
