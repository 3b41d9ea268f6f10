// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"io"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Embedder maps a batch of inputs to their embeddings, shaped `[batch_size, dim]`.
// Model.SketchEmbeddings and Model.ImageEmbeddings (with a fixed mode) are Embedders.
type Embedder func(batch *tensors.Tensor) (*tensors.Tensor, error)

// NewProgressBar for EmbedDataset, counting numExamples. Extra options are applied after the defaults.
func NewProgressBar(description string, numExamples int, options ...progressbar.Option) *progressbar.ProgressBar {
	options = append([]progressbar.Option{
		progressbar.OptionSetDescription(description),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	}, options...)
	return progressbar.NewOptions(numExamples, options...)
}

// EmbedDataset embeds every batch yielded by ds until io.EOF, and returns all the embeddings concatenated, shaped
// `[num_examples, dim]` in float32, and the corresponding labels.
//
// ds must yield the batch as its first input and the labels (int32 or int64, one per example) as its first label,
// as datasets.Batch over a tuberlin.ImageDataset does. ds is not reset, neither before nor after.
// pBar is optional.
func EmbedDataset(ds train.Dataset, embed Embedder, pBar *progressbar.ProgressBar) (*tensors.Tensor, []int, error) {
	finalizeYields := true
	if ownership, ok := ds.(train.DatasetCustomOwnership); ok {
		finalizeYields = ownership.IsOwnershipTransferred()
	}

	var (
		flat   []float32
		labels []int
		dim    int
	)
	for {
		_, inputs, batchLabels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "retrieval.EmbedDataset: failed reading dataset %q", ds.Name())
		}
		if len(inputs) == 0 || len(batchLabels) == 0 {
			return nil, nil, errors.Errorf("retrieval.EmbedDataset: dataset %q yielded %d inputs and %d labels, "+
				"wanted at least one of each", ds.Name(), len(inputs), len(batchLabels))
		}

		newLabels, err := labelsOf(batchLabels[0])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "retrieval.EmbedDataset(%q)", ds.Name())
		}
		embeddings, err := embed(inputs[0])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "retrieval.EmbedDataset: failed to embed batch of %q", ds.Name())
		}
		if embeddings.Rank() != 2 || embeddings.DType() != dtypes.Float32 ||
			embeddings.Shape().Dimensions[0] != len(newLabels) {
			return nil, nil, errors.Errorf("retrieval.EmbedDataset: embeddings for %d examples must be float32 shaped "+
				"[%d, dim], got %s", len(newLabels), len(newLabels), embeddings.Shape())
		}
		batchDim := embeddings.Shape().Dimensions[1]
		if dim == 0 {
			dim = batchDim
		} else if batchDim != dim {
			return nil, nil, errors.Errorf("retrieval.EmbedDataset: embedding dimension changed from %d to %d",
				dim, batchDim)
		}
		flat = append(flat, tensors.MustCopyFlatData[float32](embeddings)...)
		labels = append(labels, newLabels...)
		finalizeAll([]*tensors.Tensor{embeddings})
		if finalizeYields {
			finalizeAll(inputs, batchLabels)
		}
		if pBar != nil {
			_ = pBar.Add(len(newLabels))
		}
	}
	if pBar != nil {
		_ = pBar.Finish()
	}
	if len(labels) == 0 {
		return nil, nil, errors.Errorf("retrieval.EmbedDataset: dataset %q is empty", ds.Name())
	}
	klog.V(1).Infof("retrieval: embedded %d examples of %q into dimension %d", len(labels), ds.Name(), dim)
	return tensors.FromFlatDataAndDimensions(flat, len(labels), dim), labels, nil
}

// labelsOf converts a labels tensor, a scalar or shaped [batch_size], to ints.
func labelsOf(t *tensors.Tensor) ([]int, error) {
	switch v := t.Value().(type) {
	case int32:
		return []int{int(v)}, nil
	case int64:
		return []int{int(v)}, nil
	case []int32:
		labels := make([]int, len(v))
		for ii, l := range v {
			labels[ii] = int(l)
		}
		return labels, nil
	case []int64:
		labels := make([]int, len(v))
		for ii, l := range v {
			labels[ii] = int(l)
		}
		return labels, nil
	default:
		return nil, errors.Errorf("labels must be int32 or int64 shaped [batch_size], got %s", t.Shape())
	}
}

func finalizeAll(groups ...[]*tensors.Tensor) {
	for _, group := range groups {
		for _, t := range group {
			if err := t.FinalizeAll(); err != nil {
				klog.Warningf("retrieval: failed to free tensor: %+v", err)
			}
		}
	}
}
