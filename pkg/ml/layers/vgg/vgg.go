// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vgg implements a VGG feature extractor: the VGG-16 convolutional backbone and classifier
// stack, with the final classification layer replaced by a projection to an embedding.
//
// Variables are named after the torchvision module indices (e.g. "features/0", "classifier/3"), so
// pretrained PyTorch weights can be imported with ImportTorchStateDict.
//
// Example:
//
//	// Optional: load pretrained weights before building the graph.
//	_, err := vgg.ImportTorchStateDict(backend, ctx.In("sketch_model"), stateDict)
//	...
//	func ModelGraph(ctx *context.Context, images *Node) *Node {
//		// images shaped [batch_size, 224, 224, 3].
//		return vgg.New(ctx.In("sketch_model"), images).Finetune(false).Done()
//	}
//
// Input images should be normalized the way the pretrained weights expect, see NormalizeImageNet.
package vgg

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/sempcyc/pkg/ml/layers/frozen"
)

const (
	// ParamLayers is the hyperparameter with the layout of the convolutional backbone: a list of the
	// number of filters of each 3x3 convolution, with Pool marking a 2x2 max-pooling.
	// The default is Layers16 ([]int).
	ParamLayers = "vgg_layers"

	// ParamHiddenDim is the hyperparameter with the width of the two hidden classifier layers.
	// The default is 4096 (int).
	ParamHiddenDim = "vgg_hidden_dim"

	// ParamEmbeddingDim is the hyperparameter with the width of the output embedding.
	// The default is 512 (int).
	ParamEmbeddingDim = "vgg_embedding_dim"

	// ParamDropoutRate is the hyperparameter with the dropout rate of the classifier hidden layers.
	// The default is 0.5 (float64).
	ParamDropoutRate = "vgg_dropout_rate"

	// ParamFinetune is the hyperparameter that defines whether the backbone is trainable.
	// The default is false (bool): only the output projection is trained.
	ParamFinetune = "vgg_finetune"
)

// Pool marks a max-pooling layer in a layers layout.
const Pool = 0

// Layers16 is the layout of the VGG-16 ("D") backbone.
var Layers16 = []int{64, 64, Pool, 128, 128, Pool, 256, 256, 256, Pool, 512, 512, 512, Pool, 512, 512, 512, Pool}

// Scope names of the sub-modules, following torchvision's module indices.
const (
	FeaturesScope   = "features"
	ClassifierScope = "classifier"

	hidden0Index    = 0
	hidden1Index    = 3
	projectionIndex = 6
)

// Config for a VGG feature extractor, created with New.
type Config struct {
	ctx          *context.Context
	images       *Node
	layout       []int
	hiddenDim    int
	embeddingDim int
	dropoutRate  float64
	finetune     bool
}

// New creates the configuration of a VGG feature extractor for images shaped `[batch_size, height, width, channels]`.
// Call Done to build it.
func New(ctx *context.Context, images *Node) *Config {
	return &Config{
		ctx:          ctx,
		images:       images,
		layout:       LayersFromContext(ctx),
		hiddenDim:    context.GetParamOr(ctx, ParamHiddenDim, 4096),
		embeddingDim: context.GetParamOr(ctx, ParamEmbeddingDim, 512),
		dropoutRate:  context.GetParamOr(ctx, ParamDropoutRate, 0.5),
		finetune:     context.GetParamOr(ctx, ParamFinetune, false),
	}
}

// LayersFromContext returns the backbone layout configured in ctx, or Layers16.
func LayersFromContext(ctx *context.Context) []int {
	return context.GetParamOr(ctx, ParamLayers, Layers16)
}

// Layers sets the backbone layout. See ParamLayers.
func (c *Config) Layers(layout []int) *Config {
	c.layout = layout
	return c
}

// HiddenDim sets the width of the two hidden classifier layers.
func (c *Config) HiddenDim(dim int) *Config {
	c.hiddenDim = dim
	return c
}

// EmbeddingDim sets the width of the output embedding.
func (c *Config) EmbeddingDim(dim int) *Config {
	c.embeddingDim = dim
	return c
}

// DropoutRate sets the dropout rate of the classifier hidden layers. Only active during training.
func (c *Config) DropoutRate(rate float64) *Config {
	c.dropoutRate = rate
	return c
}

// Finetune defines whether the backbone (the convolutions and the two hidden classifier layers) is trainable.
// If false, its variables are marked as non-trainable and no gradient flows back into it.
// The output projection is always trainable.
func (c *Config) Finetune(finetune bool) *Config {
	c.finetune = finetune
	return c
}

// FeatureIndices returns the torchvision indices of the convolutions in the layout.
// Each convolution is followed by a ReLU, and each pooling is a single module.
func FeatureIndices(layout []int) []int {
	var indices []int
	idx := 0
	for _, filters := range layout {
		if filters == Pool {
			idx++
			continue
		}
		indices = append(indices, idx)
		idx += 2
	}
	return indices
}

// Done builds the feature extractor and returns the embeddings shaped `[batch_size, embeddingDim]`.
func (c *Config) Done() *Node {
	x := c.images
	if x.Rank() != 4 {
		exceptions.Panicf("vgg: images must be shaped [batch_size, height, width, channels], got %s", x.Shape())
	}
	batchSize := x.Shape().Dimensions[0]
	featuresCtx := c.ctx.In(FeaturesScope)
	idx := 0
	for _, filters := range c.layout {
		if filters == Pool {
			x = MaxPool(x).Window(2).Done()
			idx++
			continue
		}
		x = layers.Convolution(featuresCtx.Inf("%d", idx), x).
			Filters(filters).
			KernelSize(3).
			PadSame().
			UseBias(true).
			CurrentScope().
			Done()
		x = activations.Relu(x)
		idx += 2
	}

	// Flatten in channels-first order, the layout the classifier weights were trained with.
	x = TransposeAllAxes(x, 0, 3, 1, 2)
	x = Reshape(x, batchSize, -1)

	classifierCtx := c.ctx.In(ClassifierScope)
	for _, index := range []int{hidden0Index, hidden1Index} {
		x = layers.Dense(classifierCtx.In(fmt.Sprint(index)), x, true, c.hiddenDim)
		x = activations.Relu(x)
		x = layers.DropoutStatic(classifierCtx.In(fmt.Sprint(index+2)), x, c.dropoutRate)
	}
	if !c.finetune {
		FreezeBackbone(c.ctx)
		x = StopGradient(x)
	}
	return layers.Dense(classifierCtx.In(fmt.Sprint(projectionIndex)), x, true, c.embeddingDim)
}

// FreezeBackbone marks the existing backbone variables in ctx (the convolutions and the two hidden classifier
// layers) as non-trainable, leaving the output projection trainable.
// Use it right after ImportTorchStateDict, so the backbone is frozen before any graph is built.
//
// It returns the number of variables frozen.
func FreezeBackbone(ctx *context.Context) int {
	classifierCtx := ctx.In(ClassifierScope)
	return frozen.Freeze(ctx.In(FeaturesScope)) +
		frozen.Freeze(classifierCtx.In(fmt.Sprint(hidden0Index))) +
		frozen.Freeze(classifierCtx.In(fmt.Sprint(hidden1Index)))
}

// ImageNet per-channel statistics, for RGB values in [0, 1].
var (
	ImageNetMean   = [3]float64{0.485, 0.456, 0.406}
	ImageNetStdDev = [3]float64{0.229, 0.224, 0.225}
)

// NormalizeImageNet normalizes RGB images (shaped `[batch_size, height, width, 3]`, values in [0, 1]) with
// the ImageNet statistics, as expected by pretrained VGG weights.
func NormalizeImageNet(images *Node) *Node {
	if images.Rank() != 4 || images.Shape().Dimensions[3] != 3 {
		exceptions.Panicf("vgg.NormalizeImageNet: images must be shaped [batch_size, height, width, 3], got %s",
			images.Shape())
	}
	g := images.Graph()
	dtype := images.DType()
	mean := Reshape(Const(g, ImageNetMean[:]), 1, 1, 1, 3)
	stddev := Reshape(Const(g, ImageNetStdDev[:]), 1, 1, 1, 3)
	return Div(Sub(images, ConvertDType(mean, dtype)), ConvertDType(stddev, dtype))
}
