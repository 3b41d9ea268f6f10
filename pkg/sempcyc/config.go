// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sempcyc

import (
	"encoding/json"
	"os"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sempcyc/pkg/ml/layers/autoencoder"
	"github.com/gomlx/sempcyc/pkg/ml/layers/gan"
	"github.com/gomlx/sempcyc/pkg/ml/layers/noise"
	"github.com/gomlx/sempcyc/pkg/ml/layers/vgg"
	"github.com/pkg/errors"
)

// Config holds the model configuration record: dimensions, the location of the pretrained weights and of the
// semantic label tables, and the class names.
//
// It is usually read from a JSON file with LoadConfig.
type Config struct {
	// DimOut is the dimension of the common semantic embedding space.
	DimOut int `json:"dim_out"`

	// SemDim is the dimension of the raw semantic label vectors: the sum of the widths of all semantic tables.
	SemDim int `json:"sem_dim"`

	// NumClasses is the number of classes, the output dimension of the frozen classifiers.
	NumClasses int `json:"num_clss"`

	// PathSketchModel and PathImageModel are directories holding a CheckpointFileName with the pretrained
	// sketch and image feature extractor weights.
	PathSketchModel string `json:"path_sketch_model"`
	PathImageModel  string `json:"path_image_model"`

	// FilesSemanticLabels lists the semantic label tables. Each class vector is the concatenation of its vectors
	// in each table, in this order.
	FilesSemanticLabels []string `json:"files_semantic_labels"`

	// DictClasses maps class names to class indices.
	DictClasses map[string]int `json:"dict_clss"`

	// PathClassifiers is an optional .npz file with the frozen classifiers weights, see ClassifierKeys.
	// If empty, the classifiers are randomly initialized (and still frozen).
	PathClassifiers string `json:"path_classifiers,omitempty"`

	// PathCheckpoint is an optional directory with a GoMLX checkpoint of the model, restored before anything else.
	PathCheckpoint string `json:"path_checkpoint,omitempty"`

	// Settings overrides the model hyperparameters, in the format "param1=value1;param2=value2".
	// See DefaultHyperParameters for the available parameters.
	Settings string `json:"settings,omitempty"`
}

// LoadConfig reads a JSON configuration file and validates it.
func LoadConfig(filePath string) (*Config, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model configuration from %q", filePath)
	}
	cfg := &Config{}
	if err := json.Unmarshal(contents, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model configuration from %q", filePath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid model configuration in %q", filePath)
	}
	return cfg, nil
}

// Validate checks that all required fields are set.
// It doesn't check that the dimensions are consistent with the weights: mismatches surface when the graph is built.
func (cfg *Config) Validate() error {
	switch {
	case cfg.DimOut <= 0:
		return errors.Errorf("dim_out must be > 0, got %d", cfg.DimOut)
	case cfg.SemDim <= 0:
		return errors.Errorf("sem_dim must be > 0, got %d", cfg.SemDim)
	case cfg.NumClasses <= 0:
		return errors.Errorf("num_clss must be > 0, got %d", cfg.NumClasses)
	case cfg.PathSketchModel == "":
		return errors.New("path_sketch_model is required")
	case cfg.PathImageModel == "":
		return errors.New("path_image_model is required")
	case len(cfg.FilesSemanticLabels) == 0:
		return errors.New("files_semantic_labels requires at least one file")
	case len(cfg.DictClasses) == 0:
		return errors.New("dict_clss is required")
	}
	seen := make(map[int]string, len(cfg.DictClasses))
	for name, idx := range cfg.DictClasses {
		if idx < 0 || idx >= cfg.NumClasses {
			return errors.Errorf("dict_clss: class %q has index %d, out of range [0, %d)", name, idx, cfg.NumClasses)
		}
		if other, found := seen[idx]; found {
			return errors.Errorf("dict_clss: classes %q and %q share the index %d", name, other, idx)
		}
		seen[idx] = name
	}
	return nil
}

// DefaultHyperParameters sets the default values of all hyperparameters used by the model in ctx.
// Only parameters set here can be overridden by Config.Settings.
func DefaultHyperParameters(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		noise.ParamMean:                   0.0,
		noise.ParamStdDev:                 0.2,
		gan.ParamLeakyReluAlpha:           0.2,
		gan.ParamDropoutRate:              0.5,
		gan.ParamGeneratorNoiseStdDev:     0.2,
		gan.ParamDiscriminatorNoiseStdDev: 0.3,
		gan.ParamBatchNormMomentum:        0.9,
		gan.ParamBatchNormEpsilon:         1e-5,
		autoencoder.ParamNumLayers:        1,
		vgg.ParamLayers:                   append([]int(nil), vgg.Layers16...),
		vgg.ParamHiddenDim:                4096,
		vgg.ParamEmbeddingDim:             FeatureDim,
		vgg.ParamDropoutRate:              0.5,
		vgg.ParamFinetune:                 false,
		ParamDiscriminatorSigmoid:         false,
	})
}
