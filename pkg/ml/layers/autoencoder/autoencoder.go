// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autoencoder implements a fully-connected autoencoder whose layer widths are linearly
// interpolated between the input and the bottleneck dimensions.
//
// Example: compress a 300-d semantic vector to 64-d with two layers each way.
//
//	encoded, reconstructed := autoencoder.New(ctx.In("aut_enc"), x, 64).NumLayers(2).Done()
package autoencoder

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// ParamNumLayers is the hyperparameter with the default number of layers of the encoder (and of the decoder).
// The default is 1 (int).
const ParamNumLayers = "autoencoder_num_layers"

// Config is created with New and can be configured with its methods.
type Config struct {
	ctx       *context.Context
	x         *Node
	hiddenDim int
	numLayers int
}

// New creates the configuration for an autoencoder of x, shaped `[batch_size, dim]`, with a bottleneck
// of hiddenDim units. Call Done to build it.
func New(ctx *context.Context, x *Node, hiddenDim int) *Config {
	return &Config{
		ctx:       ctx,
		x:         x,
		hiddenDim: hiddenDim,
		numLayers: context.GetParamOr(ctx, ParamNumLayers, 1),
	}
}

// NumLayers sets the number of dense+ReLU layers of the encoder. The decoder is symmetric.
// It must be >= 1.
func (c *Config) NumLayers(n int) *Config {
	c.numLayers = n
	return c
}

// Steps returns the n+1 layer widths going from `from` to `to` in n linearly spaced steps.
// Both endpoints are included exactly, and interior widths are truncated towards zero.
func Steps(from, to, n int) []int {
	if n < 1 {
		exceptions.Panicf("autoencoder.Steps: number of steps must be >= 1, got %d", n)
	}
	steps := make([]int, n+1)
	delta := float64(to-from) / float64(n)
	for ii := range n {
		steps[ii] = int(float64(from) + float64(ii)*delta)
	}
	steps[n] = to
	return steps
}

// Done builds the encoder and decoder and returns the bottleneck encoding (`[batch_size, hiddenDim]`)
// and the reconstruction (`[batch_size, dim]`).
func (c *Config) Done() (encoded, reconstructed *Node) {
	if c.x.Rank() != 2 {
		exceptions.Panicf("autoencoder: input must be shaped [batch_size, features], got %s", c.x.Shape())
	}
	if c.hiddenDim <= 0 {
		exceptions.Panicf("autoencoder: hidden dimension must be > 0, got %d", c.hiddenDim)
	}
	dim := c.x.Shape().Dimensions[1]
	encoded = stack(c.ctx.In("encoder"), c.x, Steps(dim, c.hiddenDim, c.numLayers))
	reconstructed = stack(c.ctx.In("decoder"), encoded, Steps(c.hiddenDim, dim, c.numLayers))
	return
}

// stack applies a dense+ReLU layer for each width after the first.
func stack(ctx *context.Context, x *Node, widths []int) *Node {
	for ii, width := range widths[1:] {
		x = layers.Dense(ctx.Inf("layer_%d", ii), x, true, width)
		x = activations.Relu(x)
	}
	return x
}
