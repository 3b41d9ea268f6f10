// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sempcyc

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Embeddings holds the results of Model.Forward, with the same fields as Outputs.
//
// SketchEmbeddings and ImageEmbeddings are the same tensors as SketchToSemantic and ImageToSemantic.
type Embeddings struct {
	SketchFeatures, ImageFeatures           *tensors.Tensor
	SketchEmbeddings, ImageEmbeddings       *tensors.Tensor
	SemanticEncoded, SemanticReconstructed  *tensors.Tensor
	ImageToSemantic, SketchToSemantic       *tensors.Tensor
	SemanticToImage, SemanticToSketch       *tensors.Tensor
	ImageCycle, SketchCycle                 *tensors.Tensor
	SemanticCycleSketch, SemanticCycleImage *tensors.Tensor
}

// newEmbeddings takes the results in the order of Outputs.nodes.
func newEmbeddings(results []*tensors.Tensor) *Embeddings {
	e := &Embeddings{
		SketchFeatures:        results[0],
		ImageFeatures:         results[1],
		SemanticEncoded:       results[2],
		SemanticReconstructed: results[3],
		ImageToSemantic:       results[4],
		SketchToSemantic:      results[5],
		SemanticToImage:       results[6],
		SemanticToSketch:      results[7],
		ImageCycle:            results[8],
		SketchCycle:           results[9],
		SemanticCycleSketch:   results[10],
		SemanticCycleImage:    results[11],
	}
	e.SketchEmbeddings = e.SketchToSemantic
	e.ImageEmbeddings = e.ImageToSemantic
	return e
}

// ByName returns the tensor with the given name, one of OutputNames.
func (e *Embeddings) ByName(name string) (*tensors.Tensor, error) {
	var t *tensors.Tensor
	switch name {
	case "sk_fe":
		t = e.SketchFeatures
	case "sk_em":
		t = e.SketchEmbeddings
	case "im_fe":
		t = e.ImageFeatures
	case "im_em":
		t = e.ImageEmbeddings
	case "se_em_enc":
		t = e.SemanticEncoded
	case "se_em_rec":
		t = e.SemanticReconstructed
	case "im2se_em":
		t = e.ImageToSemantic
	case "sk2se_em":
		t = e.SketchToSemantic
	case "se2im_em":
		t = e.SemanticToImage
	case "se2sk_em":
		t = e.SemanticToSketch
	case "im_em_hat":
		t = e.ImageCycle
	case "sk_em_hat":
		t = e.SketchCycle
	case "se_em_hat1":
		t = e.SemanticCycleSketch
	case "se_em_hat2":
		t = e.SemanticCycleImage
	default:
		return nil, errors.Errorf("unknown output %q, valid names are %q", name, OutputNames)
	}
	return t, nil
}

// FinalizeAll immediately frees the memory of all tensors.
func (e *Embeddings) FinalizeAll() {
	for _, t := range []*tensors.Tensor{
		e.SketchFeatures, e.ImageFeatures, e.SemanticEncoded, e.SemanticReconstructed,
		e.ImageToSemantic, e.SketchToSemantic, e.SemanticToImage, e.SemanticToSketch,
		e.ImageCycle, e.SketchCycle, e.SemanticCycleSketch, e.SemanticCycleImage,
	} {
		if t != nil {
			t.FinalizeAll()
		}
	}
}
