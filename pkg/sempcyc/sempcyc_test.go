// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sempcyc

import (
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// tinySettings configures a VGG small enough for tests: two convolutions on 8x8 images,
// 16 hidden units and 6-dimensional visual features.
const tinySettings = "vgg_layers=4,0,8,0;vgg_hidden_dim=16;vgg_embedding_dim=6"

const (
	tinyFeatureDim = 6
	tinyDimOut     = 4
	tinySemDim     = 5
	tinyImageSize  = 8
)

func randomData(rng *rand.Rand, size int) []float32 {
	data := make([]float32, size)
	for ii := range data {
		data[ii] = float32(rng.NormFloat64() * 0.1)
	}
	return data
}

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	size := 1
	for _, d := range dims {
		size *= d
	}
	return tensors.FromFlatDataAndDimensions(randomData(rng, size), dims...)
}

// tinyStateDict returns a torch-layout VGG state dict, for tinySettings, prefixed with the state dict name.
func tinyStateDict(rng *rand.Rand, stateDictName string, asFloat64 bool) map[string]*tensors.Tensor {
	shapes := map[string][]int{
		"features.0.weight":   {4, 3, 3, 3},
		"features.0.bias":     {4},
		"features.3.weight":   {8, 4, 3, 3},
		"features.3.bias":     {8},
		"classifier.0.weight": {16, 32},
		"classifier.0.bias":   {16},
		"classifier.3.weight": {16, 16},
		"classifier.3.bias":   {16},
		"classifier.6.weight": {tinyFeatureDim, 16},
		"classifier.6.bias":   {tinyFeatureDim},
	}
	stateDict := make(map[string]*tensors.Tensor, len(shapes))
	for key, dims := range shapes {
		t := randomTensor(rng, dims...)
		if asFloat64 {
			data := make([]float64, t.Shape().Size())
			for ii, v := range tensors.MustCopyFlatData[float32](t) {
				data[ii] = float64(v)
			}
			t = tensors.FromFlatDataAndDimensions(data, dims...)
		}
		stateDict[stateDictName+"/"+key] = t
	}
	return stateDict
}

func writeNpz(t *testing.T, filePath string, entries map[string]*tensors.Tensor) {
	require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
	require.NoError(t, numpy.ToNpzFile(entries, filePath))
}

var tinyClasses = map[string]int{"airplane": 0, "cat": 1, "dog": 2}

// tinyConfig writes the pretrained weights and semantic tables of a tiny model to a temporary directory.
func tinyConfig(t *testing.T) *Config {
	rng := rand.New(rand.NewPCG(42, 0))
	dir := t.TempDir()
	sketchDir := filepath.Join(dir, "sketch")
	imageDir := filepath.Join(dir, "image")
	writeNpz(t, filepath.Join(sketchDir, CheckpointFileName), tinyStateDict(rng, StateDictSketch, false))
	writeNpz(t, filepath.Join(imageDir, CheckpointFileName), tinyStateDict(rng, StateDictImage, true))

	word2vec := filepath.Join(dir, "semantic", "word2vec.npz")
	writeNpz(t, word2vec, map[string]*tensors.Tensor{
		"airplane": tensors.FromValue([]float32{1, 2, 3}),
		"cat":      tensors.FromValue([]float32{4, 5, 6}),
		"dog":      tensors.FromValue([]float32{7, 8, 9}),
		"zebra":    tensors.FromValue([]float32{0, 0, 0}),
	})
	hieremb := filepath.Join(dir, "semantic", "hieremb.npz")
	writeNpz(t, hieremb, map[string]*tensors.Tensor{
		"airplane": tensors.FromValue([][]float64{{0.5, -0.5}}),
		"cat":      tensors.FromValue([][]float64{{0.25, 0.75}}),
		"dog":      tensors.FromValue([][]float64{{-1, 1}}),
	})

	return &Config{
		DimOut:              tinyDimOut,
		SemDim:              tinySemDim,
		NumClasses:          len(tinyClasses),
		PathSketchModel:     sketchDir,
		PathImageModel:      imageDir,
		FilesSemanticLabels: []string{word2vec, hieremb},
		DictClasses:         tinyClasses,
		Settings:            tinySettings,
	}
}

func newTinyModel(t *testing.T, backend backends.Backend, cfg *Config) *Model {
	m, err := New(backend, cfg)
	require.NoError(t, err)
	m.Context().RngStateFromSeed(42)
	return m
}

func tinyBatch(t *testing.T, m *Model, seed uint64, classNames ...string) (sketches, images, semantics *tensors.Tensor) {
	rng := rand.New(rand.NewPCG(seed, 1))
	n := len(classNames)
	sketches = randomTensor(rng, n, tinyImageSize, tinyImageSize, 3)
	images = randomTensor(rng, n, tinyImageSize, tinyImageSize, 3)
	semantics = must.M1(m.SemanticBatch(classNames))
	return
}

func TestNew(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTinyModel(t, backend, tinyConfig(t))
	assert.Equal(t, tinyFeatureDim, m.FeatureDim())
	assert.Len(t, m.SemanticTables(), 2)
	name, found := m.ClassName(1)
	assert.True(t, found)
	assert.Equal(t, "cat", name)
	_, found = m.ClassName(3)
	assert.False(t, found)

	// Feature extractors imported in the channels-last layout.
	kernel := m.Context().GetVariableByScopeAndName("/sketch_model/features/3", "weights")
	require.NotNil(t, kernel)
	assert.NoError(t, kernel.Shape().CheckDims(3, 3, 4, 8))
	require.NotNil(t, m.Context().GetVariableByScopeAndName("/image_model/classifier/6/dense", "weights"))

	// Randomly initialized classifiers, already frozen.
	for _, scope := range []string{ScopeClassifierSketch, ScopeClassifierImage, ScopeClassifierSemantic} {
		v := m.Context().GetVariableByScopeAndName("/"+scope, "weights")
		require.NotNil(t, v, "classifier %q", scope)
		assert.False(t, v.Trainable, "classifier %q", scope)
	}
}

func TestFrozenFeatureExtractors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTinyModel(t, backend, tinyConfig(t))

	// Only the output projections of the feature extractors are trainable, before any graph is built.
	var trainable []string
	for _, v := range m.TrainableVariables() {
		trainable = append(trainable, v.ScopeAndName())
		for _, scope := range []string{ScopeSketchModel, ScopeImageModel} {
			for _, frozenScope := range []string{"/features/", "/classifier/0/", "/classifier/3/"} {
				assert.NotContains(t, v.Scope()+"/", "/"+scope+frozenScope, "variable %s", v.ScopeAndName())
			}
		}
	}
	for _, scope := range []string{ScopeSketchModel, ScopeImageModel} {
		assert.Contains(t, trainable, "/"+scope+"/classifier/6/dense/weights")
		assert.Contains(t, trainable, "/"+scope+"/classifier/6/dense/biases")
		kernel := m.Context().GetVariableByScopeAndName("/"+scope+"/features/0", "weights")
		require.NotNil(t, kernel)
		assert.False(t, kernel.Trainable, "scope %q", scope)
	}

	// Fine-tuning keeps the whole backbone trainable.
	cfg := tinyConfig(t)
	cfg.Settings = tinySettings + ";vgg_finetune=true"
	m = newTinyModel(t, backend, cfg)
	for _, scope := range []string{ScopeSketchModel, ScopeImageModel} {
		for _, sub := range []string{"/features/0", "/features/3", "/classifier/0/dense", "/classifier/3/dense"} {
			v := m.Context().GetVariableByScopeAndName("/"+scope+sub, "weights")
			require.NotNil(t, v, "scope %q", scope+sub)
			assert.True(t, v.Trainable, "scope %q", scope+sub)
		}
	}
}

func TestNewErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	cfg := tinyConfig(t)
	cfg.DimOut = 0
	_, err := New(backend, cfg)
	require.ErrorContains(t, err, "dim_out")

	cfg = tinyConfig(t)
	cfg.PathSketchModel = filepath.Join(t.TempDir(), "missing")
	_, err = New(backend, cfg)
	require.ErrorContains(t, err, StateDictSketch)

	// Sketch weights under the image state dict name.
	cfg = tinyConfig(t)
	cfg.PathImageModel = cfg.PathSketchModel
	_, err = New(backend, cfg)
	require.ErrorContains(t, err, StateDictImage)

	cfg = tinyConfig(t)
	cfg.SemDim = 6
	_, err = New(backend, cfg)
	require.ErrorContains(t, err, "sem_dim")

	cfg = tinyConfig(t)
	cfg.DictClasses = map[string]int{"airplane": 0, "cat": 1, "zebra": 2}
	_, err = New(backend, cfg)
	require.ErrorContains(t, err, "zebra")

	cfg = tinyConfig(t)
	cfg.Settings = "unknown_param=3"
	_, err = New(backend, cfg)
	require.ErrorContains(t, err, "unknown_param")

	// Pretrained weights don't match the configured architecture.
	cfg = tinyConfig(t)
	cfg.Settings = "vgg_layers=4,0,8,0;vgg_hidden_dim=32;vgg_embedding_dim=6"
	_, err = New(backend, cfg)
	require.Error(t, err)
}

func TestSemanticBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTinyModel(t, backend, tinyConfig(t))
	batch, err := m.SemanticBatch([]string{"cat", "airplane"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{4, 5, 6, 0.25, 0.75}, {1, 2, 3, 0.5, -0.5}}, batch.Value())

	batch, err = m.SemanticBatchForLabels([]int{2})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{7, 8, 9, -1, 1}}, batch.Value())

	_, err = m.SemanticBatch([]string{"zebra"})
	require.ErrorContains(t, err, "hieremb")
	_, err = m.SemanticBatchForLabels([]int{0, 7})
	require.ErrorContains(t, err, "7")
	_, err = m.SemanticBatch(nil)
	require.Error(t, err)
}

func TestForward(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTinyModel(t, backend, tinyConfig(t))
	sketches, images, semantics := tinyBatch(t, m, 1, "cat", "dog")
	outputs, err := m.Forward(sketches, images, semantics, Inference)
	require.NoError(t, err)

	wantDims := map[string][]int{
		"sk_fe":      {2, tinyFeatureDim},
		"sk_em":      {2, tinyDimOut},
		"im_fe":      {2, tinyFeatureDim},
		"im_em":      {2, tinyDimOut},
		"se_em_enc":  {2, tinyDimOut},
		"se_em_rec":  {2, tinySemDim},
		"im2se_em":   {2, tinyDimOut},
		"sk2se_em":   {2, tinyDimOut},
		"se2im_em":   {2, tinyFeatureDim},
		"se2sk_em":   {2, tinyFeatureDim},
		"im_em_hat":  {2, tinyFeatureDim},
		"sk_em_hat":  {2, tinyFeatureDim},
		"se_em_hat1": {2, tinyDimOut},
		"se_em_hat2": {2, tinyDimOut},
	}
	require.Len(t, OutputNames, len(wantDims))
	for _, name := range OutputNames {
		value, err := outputs.ByName(name)
		require.NoError(t, err, name)
		require.NotNil(t, value, name)
		assert.NoError(t, value.Shape().CheckDims(wantDims[name]...), name)
		for _, v := range tensors.MustCopyFlatData[float32](value) {
			require.False(t, math.IsNaN(float64(v)) || math.IsInf(float64(v), 0), "%s has non-finite values", name)
		}
	}
	assert.Same(t, outputs.SketchToSemantic, outputs.SketchEmbeddings)
	assert.Same(t, outputs.ImageToSemantic, outputs.ImageEmbeddings)
	_, err = outputs.ByName("sk_em_hat2")
	require.Error(t, err)

	// Inference is deterministic.
	again, err := m.Forward(sketches, images, semantics, Inference)
	require.NoError(t, err)
	for _, name := range OutputNames {
		want := tensors.MustCopyFlatData[float32](must.M1(outputs.ByName(name)))
		got := tensors.MustCopyFlatData[float32](must.M1(again.ByName(name)))
		assert.InDeltaSlice(t, want, got, 1e-6, name)
	}

	// Retrieval embeddings are the same as the forward translations.
	sketchEmbeddings, err := m.SketchEmbeddings(sketches, Inference)
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](outputs.SketchToSemantic),
		tensors.MustCopyFlatData[float32](sketchEmbeddings), 1e-5)
	imageEmbeddings, err := m.ImageEmbeddings(images, Inference)
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](outputs.ImageToSemantic),
		tensors.MustCopyFlatData[float32](imageEmbeddings), 1e-5)

	// Training mode: dropout and batch statistics change the results.
	training, err := m.Forward(sketches, images, semantics, Training)
	require.NoError(t, err)
	require.NoError(t, training.SketchToSemantic.Shape().CheckDims(2, tinyDimOut))
	assert.NotEqual(t, tensors.MustCopyFlatData[float32](outputs.SketchToSemantic),
		tensors.MustCopyFlatData[float32](training.SketchToSemantic))
}

func TestForwardErrors(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTinyModel(t, backend, tinyConfig(t))
	sketches, images, semantics := tinyBatch(t, m, 1, "cat", "dog")

	_, err := m.Forward(sketches, images, semantics, Mode(7))
	require.ErrorContains(t, err, "Mode(7)")

	_, other, _ := tinyBatch(t, m, 2, "cat")
	_, err = m.Forward(sketches, other, semantics, Inference)
	require.ErrorContains(t, err, "batch size")

	_, err = m.Forward(sketches, images, must.M1(m.SemanticBatch([]string{"cat"})), Inference)
	require.ErrorContains(t, err, "semantics")

	_, err = m.SketchEmbeddings(semantics, Inference)
	require.ErrorContains(t, err, "sketches")
	_, err = m.ImageEmbeddings(nil, Inference)
	require.ErrorContains(t, err, "images")

	m.Finalize()
	_, err = m.SketchEmbeddings(sketches, Inference)
	require.ErrorContains(t, err, "finalized")
}

func TestSemanticEncodingDetached(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTinyModel(t, backend, tinyConfig(t))
	sketches, images, semantics := tinyBatch(t, m, 1, "airplane", "dog")
	grads := context.MustExecOnceN(backend, m.Context(), func(ctx *context.Context, sketches, images, semantics *Node) []*Node {
		g := sketches.Graph()
		o := m.ModelGraph(ctx, sketches, images, semantics)
		encoderWeights := ctx.GetVariableByScopeAndName("/aut_enc/encoder/layer_0/dense", "weights").ValueGraph(g)
		translationLoss := Add(ReduceAllSum(o.SemanticToImage), ReduceAllSum(o.SemanticToSketch))
		reconstructionLoss := ReduceAllSum(o.SemanticReconstructed)
		return []*Node{
			Gradient(translationLoss, encoderWeights)[0],
			Gradient(reconstructionLoss, encoderWeights)[0],
		}
	}, sketches, images, semantics)
	for _, v := range tensors.MustCopyFlatData[float32](grads[0]) {
		require.Equal(t, float32(0), v, "translations to the visual spaces must not train the autoencoder")
	}
	var sumAbs float64
	for _, v := range tensors.MustCopyFlatData[float32](grads[1]) {
		sumAbs += math.Abs(float64(v))
	}
	assert.Greater(t, sumAbs, 0.0, "reconstruction must train the autoencoder")
}

func TestClassifiers(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := tinyConfig(t)
	semanticWeights := [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 1}}
	rng := rand.New(rand.NewPCG(7, 0))
	cfg.PathClassifiers = filepath.Join(t.TempDir(), "classifiers.npz")
	writeNpz(t, cfg.PathClassifiers, map[string]*tensors.Tensor{
		"classifier_sk.weight": randomTensor(rng, len(tinyClasses), tinyFeatureDim),
		"classifier_im.weight": randomTensor(rng, len(tinyClasses), tinyFeatureDim),
		"classifier_se.weight": tensors.FromValue(semanticWeights),
	})
	m := newTinyModel(t, backend, cfg)

	outputs := context.MustExecOnceN(backend, m.Context(), func(ctx *context.Context, x, features *Node) []*Node {
		g := x.Graph()
		logits := m.ClassifySemantic(x)
		weights := ctx.GetVariableByScopeAndName("/"+ScopeClassifierSemantic, "weights").ValueGraph(g)
		sketchLogits := m.ClassifySketch(features)
		imageLogits := m.ClassifyImage(features)
		return []*Node{logits, Gradient(ReduceAllSum(logits), weights)[0], sketchLogits, imageLogits}
	}, [][]float32{{1, 2, 3, 4}}, randomTensor(rng, 2, tinyFeatureDim))
	assert.Equal(t, [][]float32{{1, 2, 7}}, outputs[0].Value())
	for _, v := range tensors.MustCopyFlatData[float32](outputs[1]) {
		require.Equal(t, float32(0), v)
	}
	assert.NoError(t, outputs[2].Shape().CheckDims(2, len(tinyClasses)))
	assert.NoError(t, outputs[3].Shape().CheckDims(2, len(tinyClasses)))

	frozenNames := make(map[string]bool)
	for _, v := range m.FrozenVariables() {
		frozenNames[v.ScopeAndName()] = true
	}
	for _, scope := range []string{ScopeClassifierSketch, ScopeClassifierImage, ScopeClassifierSemantic} {
		v := m.Context().GetVariableByScopeAndName("/"+scope, "weights")
		assert.True(t, frozenNames[v.ScopeAndName()], "classifier %q", scope)
	}
	for _, v := range m.TrainableVariables() {
		assert.NotContains(t, v.Scope(), "classifier_", "variable %s", v.ScopeAndName())
	}

	// Wrong shape in the weights file.
	cfg = tinyConfig(t)
	cfg.PathClassifiers = filepath.Join(t.TempDir(), "classifiers.npz")
	writeNpz(t, cfg.PathClassifiers, map[string]*tensors.Tensor{
		"classifier_sk.weight": randomTensor(rng, len(tinyClasses), tinyFeatureDim),
		"classifier_im.weight": randomTensor(rng, len(tinyClasses), tinyFeatureDim),
		"classifier_se.weight": randomTensor(rng, tinyDimOut, len(tinyClasses)),
	})
	_, err := New(backend, cfg)
	require.ErrorContains(t, err, "classifier_se.weight")
}

func TestDiscriminators(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTinyModel(t, backend, tinyConfig(t))
	rng := rand.New(rand.NewPCG(3, 0))
	outputs := context.MustExecOnceN(backend, m.Context(), func(ctx *context.Context, semantic, visual *Node) []*Node {
		return []*Node{
			m.DiscriminateSemantic(ctx, semantic),
			m.DiscriminateSketch(ctx, visual),
			m.DiscriminateImage(ctx, visual),
		}
	}, randomTensor(rng, 3, tinyDimOut), randomTensor(rng, 3, tinyFeatureDim))
	for _, output := range outputs {
		assert.NoError(t, output.Shape().CheckDims(3, 1))
	}
	assert.NotNil(t, m.Context().GetVariableByScopeAndName("/disc_sk/output/dense", "weights"))
	assert.NotNil(t, m.Context().GetVariableByScopeAndName("/disc_im/output/dense", "weights"))
}

func TestCheckpointRestore(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := tinyConfig(t)
	m := newTinyModel(t, backend, cfg)
	sketches, images, semantics := tinyBatch(t, m, 5, "dog")
	outputs, err := m.Forward(sketches, images, semantics, Inference)
	require.NoError(t, err)

	checkpointDir := filepath.Join(t.TempDir(), "checkpoint")
	handler, err := checkpoints.Build(m.Context()).Dir(checkpointDir).Done()
	require.NoError(t, err)
	require.NoError(t, handler.Save())

	cfg.PathCheckpoint = checkpointDir
	restored := newTinyModel(t, backend, cfg)
	restoredOutputs, err := restored.Forward(sketches, images, semantics, Inference)
	require.NoError(t, err)
	for _, name := range OutputNames {
		want := tensors.MustCopyFlatData[float32](must.M1(outputs.ByName(name)))
		got := tensors.MustCopyFlatData[float32](must.M1(restoredOutputs.ByName(name)))
		assert.InDeltaSlice(t, want, got, 1e-5, name)
	}

	cfg.PathCheckpoint = filepath.Join(t.TempDir(), "empty")
	_, err = New(backend, cfg)
	require.Error(t, err)
}

func TestSummary(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	m := newTinyModel(t, backend, tinyConfig(t))
	summaries := m.ScopeSummaries()
	require.Len(t, summaries, len(AllScopes))
	assert.Equal(t, ScopeSketchModel, summaries[0].Scope)
	assert.Equal(t, 10, summaries[0].NumVariables)
	assert.Equal(t, 2, summaries[0].Trainable, "only the output projection of the backbone is trainable")
	assert.Equal(t, int64(4*27+4+8*36+8+32*16+16+16*16+16+16*6+6), summaries[0].NumParameters)
	for _, s := range summaries {
		if s.Scope == ScopeGenSketchToSemantic {
			assert.Zero(t, s.NumVariables, "generators are only created with the graph")
		}
		if s.Scope == ScopeClassifierSemantic {
			assert.Equal(t, 1, s.NumVariables)
			assert.Zero(t, s.Trainable)
			assert.Equal(t, int64(tinyDimOut*len(tinyClasses)), s.NumParameters)
		}
	}

	summary := m.Summary()
	assert.Contains(t, summary, ScopeImageModel)
	assert.Contains(t, summary, "frozen")
	assert.Contains(t, summary, "Total")
}
