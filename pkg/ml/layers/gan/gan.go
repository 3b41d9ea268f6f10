// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gan implements the fully-connected generator and discriminator networks used to translate
// embeddings between modalities and to critique the translations.
//
// Both are small feedforward networks with two hidden layers, each made of a dense layer,
// optional batch normalization, a leaky ReLU, optional Gaussian noise and optional dropout.
//
// Example: a generator from a 512-d visual space to a 300-d semantic space and a discriminator on the
// semantic space.
//
//	func ModelGraph(ctx *context.Context, visual, semantic *Node) (fake, score *Node) {
//		fake = gan.Generator(ctx.In("gen_v2s"), visual, 300).Noise(false).Dropout(true).Done()
//		score = gan.Discriminator(ctx.In("disc_s"), semantic).Done()
//		return
//	}
package gan

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/sempcyc/pkg/ml/layers/noise"
)

const (
	// ParamLeakyReluAlpha is the hyperparameter with the negative slope of the leaky ReLU activations.
	// The default is 0.2 (float64).
	ParamLeakyReluAlpha = "gan_leaky_relu_alpha"

	// ParamDropoutRate is the hyperparameter with the dropout rate used when dropout is enabled.
	// The default is 0.5 (float64).
	ParamDropoutRate = "gan_dropout_rate"

	// ParamGeneratorNoiseStdDev is the standard deviation of the noise injected after each generator hidden
	// activation, when noise is enabled.
	// The default is 0.2 (float64).
	ParamGeneratorNoiseStdDev = "gan_generator_noise_stddev"

	// ParamDiscriminatorNoiseStdDev is the standard deviation of the noise injected on the discriminator input,
	// when noise is enabled.
	// The default is 0.3 (float64).
	ParamDiscriminatorNoiseStdDev = "gan_discriminator_noise_stddev"

	// ParamBatchNormMomentum is the momentum of the batch normalization moving averages.
	// The default is 0.9 (float64), the equivalent of PyTorch's default.
	ParamBatchNormMomentum = "gan_batchnorm_momentum"

	// ParamBatchNormEpsilon is the epsilon added to the variance in the batch normalization.
	// The default is 1e-5 (float64), the same as PyTorch's default.
	ParamBatchNormEpsilon = "gan_batchnorm_epsilon"
)

// NumHiddenLayers is the fixed number of hidden layers of generators and discriminators.
const NumHiddenLayers = 2

// hiddenConfig holds the options shared by Generator and Discriminator.
type hiddenConfig struct {
	ctx                         *context.Context
	x                           *Node
	useNoise, useBatchNorm      bool
	useDropout                  bool
	alpha, dropoutRate, noiseSD float64
	momentum, epsilon           float64
}

func newHiddenConfig(ctx *context.Context, x *Node) hiddenConfig {
	return hiddenConfig{
		ctx:          ctx,
		x:            x,
		useNoise:     true,
		useBatchNorm: true,
		alpha:        context.GetParamOr(ctx, ParamLeakyReluAlpha, 0.2),
		dropoutRate:  context.GetParamOr(ctx, ParamDropoutRate, 0.5),
		momentum:     context.GetParamOr(ctx, ParamBatchNormMomentum, 0.9),
		epsilon:      context.GetParamOr(ctx, ParamBatchNormEpsilon, 1e-5),
	}
}

// hiddenLayer adds one hidden layer: dense, batch normalization, leaky ReLU, noise and dropout.
// noiseSD <= 0 disables the noise.
func (c *hiddenConfig) hiddenLayer(ctx *context.Context, x *Node, dim int, noiseSD float64) *Node {
	x = layers.Dense(ctx, x, true, dim)
	if c.useBatchNorm {
		x = batchnorm.New(ctx, x, -1).Momentum(c.momentum).Epsilon(c.epsilon).Done()
	}
	x = activations.LeakyReluWithAlpha(x, c.alpha)
	if noiseSD > 0 {
		x = noise.Gaussian(ctx, x).Mean(0).StdDev(noiseSD).Done()
	}
	if c.useDropout && c.dropoutRate > 0 {
		x = layers.DropoutStatic(ctx, x, c.dropoutRate)
	}
	return x
}

func checkInput(name string, x *Node) int {
	if x.Rank() != 2 {
		exceptions.Panicf("%s: input must be shaped [batch_size, features], got %s", name, x.Shape())
	}
	return x.Shape().Dimensions[1]
}

// GeneratorConfig is created with Generator and configured with its methods.
type GeneratorConfig struct {
	hiddenConfig
	outputDim int
}

// Generator creates the configuration of a generator mapping x (shaped `[batch_size, in_dim]`) to
// `[batch_size, outputDim]`.
//
// Its two hidden layers have `(in_dim+outputDim)/2` units. The output layer has no activation.
//
// Defaults: noise enabled, batch normalization enabled and dropout disabled.
func Generator(ctx *context.Context, x *Node, outputDim int) *GeneratorConfig {
	c := &GeneratorConfig{
		hiddenConfig: newHiddenConfig(ctx, x),
		outputDim:    outputDim,
	}
	c.noiseSD = context.GetParamOr(ctx, ParamGeneratorNoiseStdDev, 0.2)
	return c
}

// Noise enables Gaussian noise after each hidden activation. Only active during training.
func (c *GeneratorConfig) Noise(useNoise bool) *GeneratorConfig {
	c.useNoise = useNoise
	return c
}

// BatchNorm enables batch normalization after each hidden dense layer.
func (c *GeneratorConfig) BatchNorm(useBatchNorm bool) *GeneratorConfig {
	c.useBatchNorm = useBatchNorm
	return c
}

// Dropout enables dropout at the end of each hidden layer. Only active during training.
func (c *GeneratorConfig) Dropout(useDropout bool) *GeneratorConfig {
	c.useDropout = useDropout
	return c
}

// Done builds the generator and returns its output.
func (c *GeneratorConfig) Done() *Node {
	inDim := checkInput("gan.Generator", c.x)
	if c.outputDim <= 0 {
		exceptions.Panicf("gan.Generator: output dimension must be > 0, got %d", c.outputDim)
	}
	hiddenDim := (inDim + c.outputDim) / 2
	noiseSD := 0.0
	if c.useNoise {
		noiseSD = c.noiseSD
	}
	x := c.x
	for ii := range NumHiddenLayers {
		x = c.hiddenLayer(c.ctx.Inf("hidden_%d", ii), x, hiddenDim, noiseSD)
	}
	return layers.Dense(c.ctx.In("output"), x, true, c.outputDim)
}

// DiscriminatorConfig is created with Discriminator and configured with its methods.
type DiscriminatorConfig struct {
	hiddenConfig
	outputDim  int
	useSigmoid bool
}

// Discriminator creates the configuration of a discriminator scoring x (shaped `[batch_size, in_dim]`).
//
// Noise, if enabled, is added to the raw input only. Its two hidden layers have `in_dim/2` units,
// followed by an output layer with OutputDim units (1 by default), optionally squashed by a sigmoid.
//
// Defaults: noise enabled, batch normalization enabled, dropout and sigmoid disabled.
func Discriminator(ctx *context.Context, x *Node) *DiscriminatorConfig {
	c := &DiscriminatorConfig{
		hiddenConfig: newHiddenConfig(ctx, x),
		outputDim:    1,
	}
	c.noiseSD = context.GetParamOr(ctx, ParamDiscriminatorNoiseStdDev, 0.3)
	return c
}

// OutputDim sets the number of scores per example. Default is 1.
func (c *DiscriminatorConfig) OutputDim(outputDim int) *DiscriminatorConfig {
	c.outputDim = outputDim
	return c
}

// Noise enables Gaussian noise on the input. Only active during training.
func (c *DiscriminatorConfig) Noise(useNoise bool) *DiscriminatorConfig {
	c.useNoise = useNoise
	return c
}

// BatchNorm enables batch normalization after each hidden dense layer.
func (c *DiscriminatorConfig) BatchNorm(useBatchNorm bool) *DiscriminatorConfig {
	c.useBatchNorm = useBatchNorm
	return c
}

// Dropout enables dropout at the end of each hidden layer. Only active during training.
func (c *DiscriminatorConfig) Dropout(useDropout bool) *DiscriminatorConfig {
	c.useDropout = useDropout
	return c
}

// Sigmoid squashes the output scores to (0, 1), as required by probability based adversarial losses.
// Leave it disabled for least-squares losses.
func (c *DiscriminatorConfig) Sigmoid(useSigmoid bool) *DiscriminatorConfig {
	c.useSigmoid = useSigmoid
	return c
}

// Done builds the discriminator and returns its scores, shaped `[batch_size, outputDim]`.
func (c *DiscriminatorConfig) Done() *Node {
	inDim := checkInput("gan.Discriminator", c.x)
	if c.outputDim <= 0 {
		exceptions.Panicf("gan.Discriminator: output dimension must be > 0, got %d", c.outputDim)
	}
	hiddenDim := inDim / 2
	if hiddenDim == 0 {
		exceptions.Panicf("gan.Discriminator: input dimension %d too small for hidden layers", inDim)
	}
	x := c.x
	if c.useNoise {
		x = noise.Gaussian(c.ctx.In("input_noise"), x).Mean(0).StdDev(c.noiseSD).Done()
	}
	for ii := range NumHiddenLayers {
		x = c.hiddenLayer(c.ctx.Inf("hidden_%d", ii), x, hiddenDim, 0)
	}
	x = layers.Dense(c.ctx.In("output"), x, true, c.outputDim)
	if c.useSigmoid {
		x = Sigmoid(x)
	}
	return x
}
