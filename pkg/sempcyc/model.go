// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sempcyc implements the SEM-PCYC model for zero-shot sketch-based image retrieval.
//
// Sketches and images are mapped by two VGG-16 feature extractors to 512-dimensional visual features,
// which are translated to a common semantic embedding space by per-modality generators. Semantic label
// vectors of the classes are compressed to the same space by an autoencoder and translated back to
// the visual spaces, closing the cycles. Discriminators and frozen classifiers are provided for the
// adversarial and classification losses of an external training loop.
//
// Retrieval only uses the embeddings: see Model.SketchEmbeddings and Model.ImageEmbeddings.
//
// Example:
//
//	cfg := must.M1(sempcyc.LoadConfig("config.json"))
//	model := must.M1(sempcyc.New(backends.MustNew(), cfg))
//	embeddings := must.M1(model.SketchEmbeddings(sketches, sempcyc.Inference))
package sempcyc

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/sempcyc/pkg/ml/layers/frozen"
	"github.com/gomlx/sempcyc/pkg/ml/layers/vgg"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FeatureDim is the default dimension of the visual features.
const FeatureDim = 512

// ParamDiscriminatorSigmoid context hyperparameter defines whether the discriminators apply a sigmoid to their
// output. Set it to false (the default) when the adversarial loss takes logits.
const ParamDiscriminatorSigmoid = "sempcyc_discriminator_sigmoid"

// Scopes of the model components, under the root of the model context.
const (
	ScopeSketchModel = "sketch_model"
	ScopeImageModel  = "image_model"

	ScopeGenSketchToSemantic = "gen_sk2se"
	ScopeGenImageToSemantic  = "gen_im2se"
	ScopeGenSemanticToSketch = "gen_se2sk"
	ScopeGenSemanticToImage  = "gen_se2im"

	ScopeDiscSemantic = "disc_se"
	ScopeDiscSketch   = "disc_sk"
	ScopeDiscImage    = "disc_im"

	ScopeAutoEncoder = "aut_enc"

	ScopeClassifierSketch   = "classifier_sk"
	ScopeClassifierImage    = "classifier_im"
	ScopeClassifierSemantic = "classifier_se"
)

// AllScopes lists the scopes of all components, in the order they are reported.
var AllScopes = []string{
	ScopeSketchModel, ScopeImageModel,
	ScopeGenSketchToSemantic, ScopeGenImageToSemantic, ScopeGenSemanticToSketch, ScopeGenSemanticToImage,
	ScopeDiscSemantic, ScopeDiscSketch, ScopeDiscImage,
	ScopeAutoEncoder,
	ScopeClassifierSketch, ScopeClassifierImage, ScopeClassifierSemantic,
}

// Mode selects the behavior of the stochastic layers (noise, dropout) and of batch normalization.
type Mode int

const (
	// Inference disables noise and dropout, and batch normalization uses its running statistics.
	Inference Mode = iota

	// Training enables noise and dropout, and batch normalization uses (and updates) the batch statistics.
	Training
)

// String implements fmt.Stringer.
func (mode Mode) String() string {
	switch mode {
	case Inference:
		return "Inference"
	case Training:
		return "Training"
	default:
		return fmt.Sprintf("Mode(%d)", int(mode))
	}
}

type execKind int

const (
	execForward execKind = iota
	execSketchEmbeddings
	execImageEmbeddings
)

type execKey struct {
	kind execKind
	mode Mode
}

// Model is a SEM-PCYC model: its configuration, the context holding its variables, the frozen classifiers and
// the semantic label tables.
//
// The graph building methods (ModelGraph, SketchEmbeddingsGraph, DiscriminateSketch, ...) can be used to compose
// a training graph, with the context returned by Context. The host methods (Forward, SketchEmbeddings, ...)
// compile and cache one executable per method and Mode, and are safe for concurrent use.
type Model struct {
	cfg     *Config
	backend backends.Backend
	ctx     *context.Context

	featureDim int

	semanticTables []*SemanticTable
	classNames     []string

	classifierSketch, classifierImage, classifierSemantic *frozen.Linear

	mu    sync.Mutex
	execs map[execKey]*context.Exec
}

// New creates the model described by cfg:
//
//   - Hyperparameters are set to DefaultHyperParameters, overridden by cfg.Settings.
//   - If cfg.PathCheckpoint is set, the checkpoint is restored. Parameters given in cfg.Settings take precedence
//     over the ones saved in the checkpoint.
//   - The pretrained sketch and image feature extractors are loaded.
//   - The frozen classifiers are created.
//   - The semantic label tables are loaded and validated against cfg.
//
// The generators, discriminators and autoencoder variables are created (and randomly initialized, unless restored)
// the first time a graph uses them.
func New(backend backends.Backend, cfg *Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid model configuration")
	}
	ctx := context.New()
	DefaultHyperParameters(ctx)
	var paramsSet []string
	if cfg.Settings != "" {
		var err error
		paramsSet, err = commandline.ParseContextSettings(ctx, cfg.Settings)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to parse model settings %q", cfg.Settings)
		}
	}
	if cfg.PathCheckpoint != "" {
		_, err := checkpoints.Load(ctx).Dir(cfg.PathCheckpoint).ExcludeParams(paramsSet...).Immediate().Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to restore model checkpoint from %q", cfg.PathCheckpoint)
		}
		klog.V(1).Infof("restored model checkpoint from %q", cfg.PathCheckpoint)
	}

	m := &Model{
		cfg:        cfg,
		backend:    backend,
		ctx:        ctx,
		featureDim: context.GetParamOr(ctx, vgg.ParamEmbeddingDim, FeatureDim),
		execs:      make(map[execKey]*context.Exec),
	}
	if m.featureDim <= 0 {
		return nil, errors.Errorf("invalid visual feature dimension %d (%q)", m.featureDim, vgg.ParamEmbeddingDim)
	}
	if err := m.loadFeatureExtractor(cfg.PathSketchModel, StateDictSketch, ScopeSketchModel); err != nil {
		return nil, err
	}
	if err := m.loadFeatureExtractor(cfg.PathImageModel, StateDictImage, ScopeImageModel); err != nil {
		return nil, err
	}
	if err := m.createClassifiers(); err != nil {
		return nil, err
	}
	if err := m.loadSemanticTables(); err != nil {
		return nil, err
	}

	var numParams int64
	for v := range ctx.IterVariables() {
		numParams += int64(v.Shape().Size())
	}
	klog.V(1).Infof("sempcyc model created: %d classes, dim_out=%d, sem_dim=%d, %s parameters loaded",
		cfg.NumClasses, cfg.DimOut, cfg.SemDim, humanize.Comma(numParams))
	return m, nil
}

// loadSemanticTables loads the semantic label tables and checks that their dimensions add up to cfg.SemDim and
// that every configured class has a vector in each of them.
func (m *Model) loadSemanticTables() error {
	total := 0
	for _, filePath := range m.cfg.FilesSemanticLabels {
		table, err := LoadSemanticTable(filePath)
		if err != nil {
			return err
		}
		total += table.Dim()
		m.semanticTables = append(m.semanticTables, table)
	}
	if total != m.cfg.SemDim {
		return errors.Errorf("semantic labels %q have a total dimension of %d, but sem_dim=%d",
			m.cfg.FilesSemanticLabels, total, m.cfg.SemDim)
	}
	m.classNames = make([]string, m.cfg.NumClasses)
	for _, name := range slices.Sorted(maps.Keys(m.cfg.DictClasses)) {
		for _, table := range m.semanticTables {
			if _, found := table.Vector(name); !found {
				return errors.Errorf("class %q of dict_clss has no vector in semantic labels %q", name, table.Path)
			}
		}
		m.classNames[m.cfg.DictClasses[name]] = name
	}
	return nil
}

// Config returns the model configuration. It must not be changed.
func (m *Model) Config() *Config { return m.cfg }

// Backend used by the model.
func (m *Model) Backend() backends.Backend { return m.backend }

// Context holding the model variables and hyperparameters.
// Use it to build training graphs with ModelGraph and the discriminators.
func (m *Model) Context() *context.Context { return m.ctx }

// FeatureDim is the dimension of the visual features.
func (m *Model) FeatureDim() int { return m.featureDim }

// SemanticTables returns the loaded semantic label tables, in configuration order.
func (m *Model) SemanticTables() []*SemanticTable { return m.semanticTables }

// ClassName returns the name of the class with the given index, or false if there isn't one.
func (m *Model) ClassName(label int) (string, bool) {
	if label < 0 || label >= len(m.classNames) || m.classNames[label] == "" {
		return "", false
	}
	return m.classNames[label], true
}

// SemanticBatch returns the semantic label vectors of the given classes, shaped `[len(classNames), sem_dim]`:
// each row is the concatenation of the class vectors in all semantic tables.
func (m *Model) SemanticBatch(classNames []string) (*tensors.Tensor, error) {
	if len(classNames) == 0 {
		return nil, errors.New("SemanticBatch requires at least one class")
	}
	data, err := concatSemanticVectors(m.semanticTables, classNames, m.cfg.SemDim)
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(data, len(classNames), m.cfg.SemDim), nil
}

// SemanticBatchForLabels is like SemanticBatch, but takes class indices (as in dict_clss).
func (m *Model) SemanticBatchForLabels(labels []int) (*tensors.Tensor, error) {
	classNames := make([]string, len(labels))
	for ii, label := range labels {
		name, found := m.ClassName(label)
		if !found {
			return nil, errors.Errorf("unknown class index %d at position %d", label, ii)
		}
		classNames[ii] = name
	}
	return m.SemanticBatch(classNames)
}

// exec returns the cached executable for the kind and mode, creating it if needed.
func (m *Model) exec(kind execKind, mode Mode) (*context.Exec, error) {
	if mode != Inference && mode != Training {
		return nil, errors.Errorf("invalid mode %s", mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.execs == nil {
		return nil, errors.New("model already finalized")
	}
	key := execKey{kind, mode}
	if e, found := m.execs[key]; found {
		return e, nil
	}
	training := mode == Training
	var e *context.Exec
	var err error
	switch kind {
	case execForward:
		e, err = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, sketches, images, semantics *Node) []*Node {
			ctx.SetTraining(sketches.Graph(), training)
			return m.ModelGraph(ctx, sketches, images, semantics).nodes()
		})
	case execSketchEmbeddings:
		e, err = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, sketches *Node) *Node {
			ctx.SetTraining(sketches.Graph(), training)
			return m.SketchEmbeddingsGraph(ctx, sketches)
		})
	case execImageEmbeddings:
		e, err = context.NewExec(m.backend, m.ctx, func(ctx *context.Context, images *Node) *Node {
			ctx.SetTraining(images.Graph(), training)
			return m.ImageEmbeddingsGraph(ctx, images)
		})
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create executable for mode %s", mode)
	}
	m.execs[key] = e
	return e, nil
}

// Forward runs the full model on a batch.
//
// sketches and images are shaped `[batch_size, height, width, 3]` and semantics `[batch_size, sem_dim]`
// (see SemanticBatch). The three batches must have the same size.
func (m *Model) Forward(sketches, images, semantics *tensors.Tensor, mode Mode) (*Embeddings, error) {
	if err := checkImages("sketches", sketches); err != nil {
		return nil, err
	}
	if err := checkImages("images", images); err != nil {
		return nil, err
	}
	batchSize := sketches.Shape().Dimensions[0]
	if images.Shape().Dimensions[0] != batchSize {
		return nil, errors.Errorf("images batch size %d differs from sketches batch size %d",
			images.Shape().Dimensions[0], batchSize)
	}
	if semantics.Rank() != 2 || semantics.Shape().Dimensions[0] != batchSize || semantics.Shape().Dimensions[1] != m.cfg.SemDim {
		return nil, errors.Errorf("semantics must be shaped [%d, %d], got %s", batchSize, m.cfg.SemDim, semantics.Shape())
	}
	e, err := m.exec(execForward, mode)
	if err != nil {
		return nil, err
	}
	results, err := e.Exec(sketches, images, semantics)
	if err != nil {
		return nil, errors.WithMessage(err, "forward pass failed")
	}
	return newEmbeddings(results), nil
}

// SketchEmbeddings returns the semantic space embeddings of a batch of sketches, shaped
// `[batch_size, height, width, 3]`. The result is shaped `[batch_size, dim_out]`.
func (m *Model) SketchEmbeddings(sketches *tensors.Tensor, mode Mode) (*tensors.Tensor, error) {
	if err := checkImages("sketches", sketches); err != nil {
		return nil, err
	}
	e, err := m.exec(execSketchEmbeddings, mode)
	if err != nil {
		return nil, err
	}
	embeddings, err := e.Exec1(sketches)
	if err != nil {
		return nil, errors.WithMessage(err, "sketch embeddings failed")
	}
	return embeddings, nil
}

// ImageEmbeddings returns the semantic space embeddings of a batch of images, shaped
// `[batch_size, height, width, 3]`. The result is shaped `[batch_size, dim_out]`.
func (m *Model) ImageEmbeddings(images *tensors.Tensor, mode Mode) (*tensors.Tensor, error) {
	if err := checkImages("images", images); err != nil {
		return nil, err
	}
	e, err := m.exec(execImageEmbeddings, mode)
	if err != nil {
		return nil, err
	}
	embeddings, err := e.Exec1(images)
	if err != nil {
		return nil, errors.WithMessage(err, "image embeddings failed")
	}
	return embeddings, nil
}

func checkImages(name string, t *tensors.Tensor) error {
	if t == nil {
		return errors.Errorf("%s: missing tensor", name)
	}
	if t.Rank() != 4 || t.Shape().Dimensions[3] != 3 || t.Shape().Dimensions[0] == 0 {
		return errors.Errorf("%s must be a non-empty batch shaped [batch_size, height, width, 3], got %s",
			name, t.Shape())
	}
	return nil
}

// TrainableVariables returns the variables an optimizer should update, sorted by scope and name.
// Variables are only listed once created, see New.
func (m *Model) TrainableVariables() []*context.Variable {
	return m.variables(true)
}

// FrozenVariables returns the variables an optimizer must not update, sorted by scope and name:
// the frozen classifiers and feature extractor parts, batch normalization statistics and the random
// number generator state.
func (m *Model) FrozenVariables() []*context.Variable {
	return m.variables(false)
}

func (m *Model) variables(trainable bool) []*context.Variable {
	var vars []*context.Variable
	for v := range m.ctx.IterVariables() {
		if v.Trainable == trainable {
			vars = append(vars, v)
		}
	}
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(a.ScopeAndName(), b.ScopeAndName())
	})
	return vars
}

// Finalize releases the compiled executables. The model can't be used afterward.
func (m *Model) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.execs {
		e.Finalize()
	}
	m.execs = nil
}
