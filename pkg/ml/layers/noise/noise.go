// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package noise implements additive Gaussian noise injection, a regularizer that is
// only active while training.
//
// Example:
//
//	x = noise.Gaussian(ctx, x).StdDev(0.3).Done()
//
// When the context is not in training mode for the graph (see context.Context.IsTraining),
// the input node is returned unchanged.
package noise

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

const (
	// ParamMean is the hyperparameter that defines the default mean of the noise.
	// The default is 0.0 (float64).
	ParamMean = "noise_mean"

	// ParamStdDev is the hyperparameter that defines the default standard deviation of the noise.
	// The default is 0.2 (float64).
	ParamStdDev = "noise_stddev"
)

// Config is created with Gaussian and can be configured with its methods, or simply by setting the
// corresponding hyperparameters in the context.
type Config struct {
	ctx          *context.Context
	x            *Node
	mean, stddev float64
}

// Gaussian creates a configuration for additive Gaussian noise on x.
// Call Done to add the noise to the graph and get the result.
func Gaussian(ctx *context.Context, x *Node) *Config {
	return &Config{
		ctx:    ctx,
		x:      x,
		mean:   context.GetParamOr(ctx, ParamMean, 0.0),
		stddev: context.GetParamOr(ctx, ParamStdDev, 0.2),
	}
}

// Mean of the noise distribution.
func (c *Config) Mean(mean float64) *Config {
	c.mean = mean
	return c
}

// StdDev of the noise distribution. It must be >= 0.
func (c *Config) StdDev(stddev float64) *Config {
	c.stddev = stddev
	return c
}

// Done adds the noise to the graph. It is the identity if the context is not training.
func (c *Config) Done() *Node {
	x := c.x
	g := x.Graph()
	if c.stddev < 0 {
		exceptions.Panicf("noise.Gaussian: standard deviation must be >= 0, got %g", c.stddev)
	}
	if !x.DType().IsFloat() {
		exceptions.Panicf("noise.Gaussian: input must be a float, got %s", x.DType())
	}
	if !c.ctx.IsTraining(g) {
		return x
	}
	if c.stddev == 0 {
		if c.mean == 0 {
			return x
		}
		return AddScalar(x, c.mean)
	}
	n := c.ctx.RandomNormal(g, x.Shape())
	n = MulScalar(n, c.stddev)
	if c.mean != 0 {
		n = AddScalar(n, c.mean)
	}
	return Add(x, n)
}
