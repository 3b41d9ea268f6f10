// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tuberlin

import (
	"fmt"
	"image"
	"io"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// ImageNet channel statistics, for images with values in [0, 1].
var (
	ImageNetMean   = [3]float32{0.485, 0.456, 0.406}
	ImageNetStdDev = [3]float32{0.229, 0.224, 0.225}
)

// ImageDataset loads the images of a list of files, with their labels.
//
// It can be indexed directly (Len, Item, Tensor) or iterated as a train.Dataset that yields one example at a time:
// inputs are the image tensor, shaped `[height, width, 3]`, and labels the class index as an int32 scalar.
// Use datasets.Batch to batch it: all images must then have the same size, see Transform.
//
// Iteration is safe for concurrent use, so it can be wrapped with datasets.Parallel (which doesn't keep the order).
type ImageDataset struct {
	name      string
	dir       string
	files     []string
	labels    []int
	transform Transform
	normalize bool
	toTensor  *timage.ToTensorConfig

	mu   sync.Mutex
	next int
}

var _ train.Dataset = (*ImageDataset)(nil)

// NewImageDataset creates a dataset for the files, relative to dir (see PhotoDir and LoadFilesZeroShot), with the
// given labels. transform is optional.
//
// files and labels must have the same length.
func NewImageDataset(dir string, files []string, labels []int, transform Transform) (*ImageDataset, error) {
	if len(files) != len(labels) {
		return nil, errors.Errorf("tuberlin: %d files but %d labels", len(files), len(labels))
	}
	return &ImageDataset{
		name:      fmt.Sprintf("tuberlin:%s", filepath.Base(dir)),
		dir:       dir,
		files:     files,
		labels:    labels,
		transform: transform,
		toTensor:  timage.ToTensor(dtypes.Float32),
	}, nil
}

// WithName sets the name of the dataset, returned by Name.
func (ds *ImageDataset) WithName(name string) *ImageDataset {
	ds.name = name
	return ds
}

// WithImageNetNormalization configures Tensor (and Yield) to normalize the images with the ImageNet channel
// mean and standard deviation, as expected by the pretrained VGG feature extractors.
func (ds *ImageDataset) WithImageNetNormalization(normalize bool) *ImageDataset {
	ds.normalize = normalize
	return ds
}

// Len returns the number of examples.
func (ds *ImageDataset) Len() int { return len(ds.files) }

// File returns the path of the i-th example, relative to the dataset directory.
func (ds *ImageDataset) File(i int) string { return ds.files[i] }

// Item loads the i-th image, converted to RGB and transformed, and returns it with its label.
func (ds *ImageDataset) Item(i int) (image.Image, int, error) {
	if i < 0 || i >= len(ds.files) {
		return nil, 0, errors.Errorf("tuberlin: index %d out of range [0, %d)", i, len(ds.files))
	}
	var img image.Image
	img, err := DecodeFile(filepath.Join(ds.dir, filepath.FromSlash(ds.files[i])))
	if err != nil {
		return nil, 0, err
	}
	if ds.transform != nil {
		img = ds.transform(img)
	}
	return img, ds.labels[i], nil
}

// Tensor loads the i-th image as a float32 tensor shaped `[height, width, 3]`, with values in [0, 1] (or normalized,
// see WithImageNetNormalization), and returns it with its label.
func (ds *ImageDataset) Tensor(i int) (*tensors.Tensor, int, error) {
	img, label, err := ds.Item(i)
	if err != nil {
		return nil, 0, err
	}
	var t *tensors.Tensor
	err = exceptions.TryCatch[error](func() { t = ds.toTensor.Single(img) })
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "tuberlin: failed to convert image %q", ds.files[i])
	}
	if ds.normalize {
		err = t.MutableFlatData(func(flatAny any) {
			normalizeImageNet(flatAny.([]float32))
		})
		if err != nil {
			return nil, 0, errors.WithMessagef(err, "tuberlin: failed to normalize image %q", ds.files[i])
		}
	}
	return t, label, nil
}

func normalizeImageNet(flat []float32) {
	for ii := range flat {
		channel := ii % 3
		flat[ii] = (flat[ii] - ImageNetMean[channel]) / ImageNetStdDev[channel]
	}
}

// Name implements train.Dataset.
func (ds *ImageDataset) Name() string { return ds.name }

// Reset implements train.Dataset: iteration restarts from the first example.
func (ds *ImageDataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
}

// Yield implements train.Dataset. It returns the next example, in order, or io.EOF at the end.
// A file that fails to load is returned as an error, not skipped.
func (ds *ImageDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	i := ds.next
	if i < len(ds.files) {
		ds.next++
	}
	ds.mu.Unlock()
	if i >= len(ds.files) {
		err = io.EOF
		return
	}

	t, label, err := ds.Tensor(i)
	if err != nil {
		return
	}
	inputs = []*tensors.Tensor{t}
	labels = []*tensors.Tensor{tensors.FromScalar(int32(label))}
	return
}
