// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sempcyc

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sempcyc/pkg/ml/layers/frozen"
	"github.com/gomlx/sempcyc/pkg/ml/layers/vgg"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// CheckpointFileName is the name of the pretrained feature extractor file in the configured directories.
	CheckpointFileName = "model_best.npz"

	// StateDictSketch and StateDictImage are the prefixes of the entries of the sketch and image state dicts
	// in a checkpoint file: e.g. "state_dict_sketch/features.0.weight".
	StateDictSketch = "state_dict_sketch"
	StateDictImage  = "state_dict_image"
)

// ClassifierKeys lists the entries of the classifiers weights file, in PyTorch `[num_classes, dim]` layout,
// indexed by the scope of the classifier.
var ClassifierKeys = map[string]string{
	ScopeClassifierSketch:   "classifier_sk.weight",
	ScopeClassifierImage:    "classifier_im.weight",
	ScopeClassifierSemantic: "classifier_se.weight",
}

// LoadStateDict reads the entries of one state dict (e.g. StateDictSketch) from a CheckpointFileName in dir.
// Keys are returned without the state dict prefix.
//
// It fails if the file can't be read or if it holds no entry for the state dict.
func LoadStateDict(dir, stateDictName string) (map[string]*tensors.Tensor, error) {
	if dir == "" {
		return nil, errors.Errorf("no directory given for %q", stateDictName)
	}
	filePath := filepath.Join(dir, CheckpointFileName)
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "checkpoint for %q not found", stateDictName)
	}
	entries, err := numpy.FromNpzFile(filePath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read checkpoint %q", filePath)
	}
	prefix := stateDictName + "/"
	stateDict := make(map[string]*tensors.Tensor)
	for key, value := range entries {
		if name, found := strings.CutPrefix(key, prefix); found {
			stateDict[name] = value
		}
	}
	if len(stateDict) == 0 {
		return nil, errors.Errorf("checkpoint %q has no %q entries", filePath, stateDictName)
	}
	klog.V(1).Infof("read %d entries of %q from %q", len(stateDict), stateDictName, filePath)
	return stateDict, nil
}

// loadFeatureExtractor imports the pretrained VGG weights of the given state dict into the scope.
func (m *Model) loadFeatureExtractor(dir, stateDictName, scope string) error {
	stateDict, err := LoadStateDict(dir, stateDictName)
	if err != nil {
		return err
	}
	stateDict, err = toFloat32(stateDict)
	if err != nil {
		return errors.WithMessagef(err, "state dict %q", stateDictName)
	}
	count, err := vgg.ImportTorchStateDict(m.backend, m.ctx.In(scope), stateDict)
	if err != nil {
		return errors.WithMessagef(err, "failed to import %q from %q into %q", stateDictName, dir, scope)
	}
	var numParams int64
	for v := range m.ctx.In(scope).IterVariablesInScope() {
		numParams += int64(v.Shape().Size())
	}
	klog.V(1).Infof("%s: imported %d variables (%s parameters) from %q", scope, count, humanize.Comma(numParams), dir)
	if !context.GetParamOr(m.ctx, vgg.ParamFinetune, false) {
		numFrozen := vgg.FreezeBackbone(m.ctx.In(scope))
		klog.V(1).Infof("%s: froze %d backbone variables", scope, numFrozen)
	}
	return nil
}

// toFloat32 converts float64 entries to float32, the dtype of the model.
func toFloat32(stateDict map[string]*tensors.Tensor) (map[string]*tensors.Tensor, error) {
	converted := make(map[string]*tensors.Tensor, len(stateDict))
	for key, value := range stateDict {
		switch value.DType() {
		case dtypes.Float32:
			converted[key] = value
		case dtypes.Float64:
			var data []float32
			err := tensors.ConstFlatData(value, func(flat []float64) {
				data = make([]float32, len(flat))
				for ii, v := range flat {
					data[ii] = float32(v)
				}
			})
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to convert %q", key)
			}
			converted[key] = tensors.FromFlatDataAndDimensions(data, value.Shape().Dimensions...)
		default:
			return nil, errors.Errorf("entry %q has unsupported dtype %s", key, value.DType())
		}
	}
	return converted, nil
}

// createClassifiers creates the three frozen classifiers, from the configured weights file if given.
func (m *Model) createClassifiers() error {
	dims := map[string]int{
		ScopeClassifierSketch:   m.featureDim,
		ScopeClassifierImage:    m.featureDim,
		ScopeClassifierSemantic: m.cfg.DimOut,
	}
	var weights map[string]*tensors.Tensor
	if m.cfg.PathClassifiers != "" {
		var err error
		weights, err = numpy.FromNpzFile(m.cfg.PathClassifiers)
		if err != nil {
			return errors.WithMessagef(err, "failed to read classifiers weights from %q", m.cfg.PathClassifiers)
		}
		weights, err = toFloat32(weights)
		if err != nil {
			return errors.WithMessagef(err, "classifiers weights %q", m.cfg.PathClassifiers)
		}
	}
	classifiers := make(map[string]*frozen.Linear, len(dims))
	for _, scope := range []string{ScopeClassifierSketch, ScopeClassifierImage, ScopeClassifierSemantic} {
		inputDim := dims[scope]
		var classifier *frozen.Linear
		var err error
		if weights == nil {
			classifier, err = frozen.NewLinearWithShape(m.ctx, scope, dtypes.Float32, inputDim, m.cfg.NumClasses)
		} else {
			key := ClassifierKeys[scope]
			torchWeights, found := weights[key]
			if !found {
				return errors.Errorf("classifiers weights %q have no entry %q", m.cfg.PathClassifiers, key)
			}
			if torchWeights.Rank() != 2 || torchWeights.Shape().Dimensions[0] != m.cfg.NumClasses ||
				torchWeights.Shape().Dimensions[1] != inputDim {
				return errors.Errorf("classifiers weights %q: entry %q has shape %s, expected [%d, %d]",
					m.cfg.PathClassifiers, key, torchWeights.Shape(), m.cfg.NumClasses, inputDim)
			}
			var w *tensors.Tensor
			w, err = frozen.FromTorch(torchWeights)
			if err == nil {
				classifier, err = frozen.NewLinear(m.ctx, scope, w)
			}
		}
		if err != nil {
			return errors.WithMessagef(err, "failed to create classifier %q", scope)
		}
		classifiers[scope] = classifier
	}
	m.classifierSketch = classifiers[ScopeClassifierSketch]
	m.classifierImage = classifiers[ScopeClassifierImage]
	m.classifierSemantic = classifiers[ScopeClassifierSemantic]
	return nil
}
