// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tuberlin enumerates and loads the images of the TU-Berlin zero-shot sketch retrieval benchmark.
//
// The expected layout is `<root>/<photoDir>/<photoSD>/<class>/<file>.base64`, where each file holds one
// base64-encoded image (JPEG or PNG). Files are listed with LoadFilesZeroShot and loaded per example by
// an ImageDataset, which is also a train.Dataset.
//
// Example:
//
//	dir := tuberlin.PhotoDir(root, "images", "")
//	files := must.M1(tuberlin.LoadFilesZeroShot(root, "images", ""))
//	labels := must.M1(tuberlin.LabelsFromFiles(files, cfg.DictClasses))
//	ds := must.M1(tuberlin.NewImageDataset(dir, files, labels, tuberlin.Compose(tuberlin.Resize(256, 256), tuberlin.CenterCrop(224, 224))))
//	batched := datasets.Batch(backend, ds, 32, true, false)
package tuberlin

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FileExtension of the image files.
const FileExtension = ".base64"

// PhotoDir returns the directory holding the class sub-directories.
func PhotoDir(root, photoDir, photoSD string) string {
	return filepath.Join(root, photoDir, photoSD)
}

// LoadFilesZeroShot lists the image files under PhotoDir(root, photoDir, photoSD), matching `*/*.base64`.
//
// It returns the sorted paths relative to the photo directory, in the form `<class>/<file>.base64`.
// An empty (or missing) directory yields no files and no error.
func LoadFilesZeroShot(root, photoDir, photoSD string) ([]string, error) {
	dir := PhotoDir(root, photoDir, photoSD)
	matches, err := filepath.Glob(filepath.Join(dir, "*", "*"+FileExtension))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list images in %q", dir)
	}
	files := make([]string, 0, len(matches))
	for _, match := range matches {
		rel, err := filepath.Rel(dir, match)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to make %q relative to %q", match, dir)
		}
		files = append(files, filepath.ToSlash(rel))
	}
	slices.Sort(files)
	klog.V(1).Infof("tuberlin: found %d images in %q", len(files), dir)
	return files, nil
}

// ClassOf returns the class of a file listed by LoadFilesZeroShot: its directory name.
func ClassOf(file string) string {
	class, _, found := strings.Cut(filepath.ToSlash(file), "/")
	if !found {
		return ""
	}
	return class
}

// LabelsFromFiles returns the class index of each file, using a class name to index mapping (e.g. the
// model's dict_clss). It fails on the first file whose class is not in the mapping.
func LabelsFromFiles(files []string, classes map[string]int) ([]int, error) {
	labels := make([]int, len(files))
	for ii, file := range files {
		label, found := classes[ClassOf(file)]
		if !found {
			return nil, errors.Errorf("file %q: unknown class %q", file, ClassOf(file))
		}
		labels[ii] = label
	}
	return labels, nil
}
