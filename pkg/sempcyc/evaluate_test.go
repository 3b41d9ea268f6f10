// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sempcyc

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/sempcyc/pkg/retrieval"
	"github.com/gomlx/sempcyc/pkg/tuberlin"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePhotos writes perClass random tinyImageSize x tinyImageSize images for each class, base64-encoded,
// under root/photoDir/photoSD.
func writePhotos(t *testing.T, rng *rand.Rand, root, photoDir, photoSD string, perClass int) {
	for class := range tinyClasses {
		dir := filepath.Join(tuberlin.PhotoDir(root, photoDir, photoSD), class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for ii := range perClass {
			img := image.NewNRGBA(image.Rect(0, 0, tinyImageSize, tinyImageSize))
			for y := range tinyImageSize {
				for x := range tinyImageSize {
					img.Set(x, y, color.NRGBA{R: uint8(rng.IntN(256)), G: uint8(rng.IntN(256)), B: uint8(rng.IntN(256)), A: 255})
				}
			}
			var buf bytes.Buffer
			require.NoError(t, png.Encode(&buf, img))
			encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
			require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d%s", ii, tuberlin.FileExtension)),
				[]byte(encoded), 0o644))
		}
	}
}

func TestEvaluateRetrieval(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cfg := tinyConfig(t)
	m := newTinyModel(t, backend, cfg)
	defer m.Finalize()

	rng := rand.New(rand.NewPCG(7, 0))
	root := t.TempDir()
	writePhotos(t, rng, root, "sketches", "tx_000000000000", 2)
	writePhotos(t, rng, root, "images", "", 3)

	newDataset := func(photoDir, photoSD string) *tuberlin.ImageDataset {
		files := must.M1(tuberlin.LoadFilesZeroShot(root, photoDir, photoSD))
		labels := must.M1(tuberlin.LabelsFromFiles(files, cfg.DictClasses))
		ds := must.M1(tuberlin.NewImageDataset(tuberlin.PhotoDir(root, photoDir, photoSD), files, labels, nil))
		return ds.WithImageNetNormalization(true)
	}
	sketches := newDataset("sketches", "tx_000000000000")
	images := newDataset("images", "")
	require.Equal(t, 6, sketches.Len())
	require.Equal(t, 9, images.Len())

	// Embeddings of a whole dataset, in the semantic space.
	embeddings, labels, err := retrieval.EmbedDataset(datasets.Batch(backend, images, 4, true, false),
		m.ImageEmbedder(Inference), nil)
	require.NoError(t, err)
	require.NoError(t, embeddings.Shape().CheckDims(9, tinyDimOut))
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1, 2, 2, 2}, labels)

	for _, metric := range []retrieval.Metric{retrieval.Euclidean, retrieval.Cosine} {
		report, err := m.EvaluateRetrieval(
			datasets.Batch(backend, sketches, 4, true, false),
			datasets.Batch(backend, images, 4, true, false),
			metric, 5)
		require.NoError(t, err, "metric=%s", metric)
		assert.Equal(t, 6, report.NumQueries)
		assert.Equal(t, 0, report.NumWithoutRelevant)
		// Every class has 3 of the 9 images, so the average precision is at least that of the worst ranking.
		assert.GreaterOrEqual(t, report.MAP, (1.0/7+2.0/8+3.0/9)/3-1e-9)
		assert.LessOrEqual(t, report.MAP, 1.0)
		assert.Len(t, report.AveragePrecisions, 6)
	}
}
