// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sempcyc

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/sempcyc/pkg/retrieval"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SketchEmbedder returns SketchEmbeddings with a fixed mode, to be used with retrieval.EmbedDataset.
func (m *Model) SketchEmbedder(mode Mode) retrieval.Embedder {
	return func(batch *tensors.Tensor) (*tensors.Tensor, error) {
		return m.SketchEmbeddings(batch, mode)
	}
}

// ImageEmbedder returns ImageEmbeddings with a fixed mode, to be used with retrieval.EmbedDataset.
func (m *Model) ImageEmbedder(mode Mode) retrieval.Embedder {
	return func(batch *tensors.Tensor) (*tensors.Tensor, error) {
		return m.ImageEmbeddings(batch, mode)
	}
}

// EvaluateRetrieval embeds the sketches (queries) and the images (gallery) in inference mode, and evaluates
// the sketch-based image retrieval with the given metric and precision cut-off k.
//
// Both datasets must yield batches of images with their labels, e.g. datasets.Batch over a tuberlin.ImageDataset.
// They are reset before use.
func (m *Model) EvaluateRetrieval(sketches, images train.Dataset, metric retrieval.Metric, k int) (*retrieval.Report, error) {
	sketches.Reset()
	sketchEmbeddings, sketchLabels, err := retrieval.EmbedDataset(sketches, m.SketchEmbedder(Inference), nil)
	if err != nil {
		return nil, errors.WithMessage(err, "sempcyc: failed to embed sketches")
	}
	defer func() { _ = sketchEmbeddings.FinalizeAll() }()

	images.Reset()
	imageEmbeddings, imageLabels, err := retrieval.EmbedDataset(images, m.ImageEmbedder(Inference), nil)
	if err != nil {
		return nil, errors.WithMessage(err, "sempcyc: failed to embed images")
	}
	defer func() { _ = imageEmbeddings.FinalizeAll() }()

	report, err := retrieval.EvaluateEmbeddings(m.backend, sketchEmbeddings, imageEmbeddings, sketchLabels, imageLabels,
		metric, k)
	if err != nil {
		return nil, errors.WithMessage(err, "sempcyc: retrieval evaluation")
	}
	klog.Infof("sempcyc: %s retrieval of %d images from %d sketches: %s", metric, len(imageLabels), len(sketchLabels),
		report)
	return report, nil
}
