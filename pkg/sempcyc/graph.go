// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sempcyc

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sempcyc/pkg/ml/layers/autoencoder"
	"github.com/gomlx/sempcyc/pkg/ml/layers/gan"
	"github.com/gomlx/sempcyc/pkg/ml/layers/vgg"
)

// Outputs holds the intermediate tensors of one forward pass of the model, as graph nodes.
//
// The names in the comments are the ones used by OutputNames and Embeddings.ByName.
type Outputs struct {
	// SketchFeatures (sk_fe) and ImageFeatures (im_fe) are the visual features, shaped `[batch_size, 512]`.
	SketchFeatures, ImageFeatures *Node

	// SketchEmbeddings (sk_em) and ImageEmbeddings (im_em) are the retrieval embeddings in the semantic space.
	// They are the same nodes as SketchToSemantic and ImageToSemantic.
	SketchEmbeddings, ImageEmbeddings *Node

	// SemanticEncoded (se_em_enc) is the autoencoder bottleneck, shaped `[batch_size, dim_out]`, and
	// SemanticReconstructed (se_em_rec) its reconstruction of the semantic input, shaped `[batch_size, sem_dim]`.
	SemanticEncoded, SemanticReconstructed *Node

	// ImageToSemantic (im2se_em) and SketchToSemantic (sk2se_em) are the visual features translated to the
	// semantic space.
	ImageToSemantic, SketchToSemantic *Node

	// SemanticToImage (se2im_em) and SemanticToSketch (se2sk_em) are generated from the semantic encoding,
	// with the gradient stopped: they don't train the autoencoder.
	SemanticToImage, SemanticToSketch *Node

	// ImageCycle (im_em_hat) and SketchCycle (sk_em_hat) are the visual features translated to the semantic
	// space and back.
	ImageCycle, SketchCycle *Node

	// SemanticCycleSketch (se_em_hat1) and SemanticCycleImage (se_em_hat2) are the semantic encoding translated
	// to the sketch (resp. image) space and back.
	SemanticCycleSketch, SemanticCycleImage *Node
}

// OutputNames lists the names of the forward pass tensors.
var OutputNames = []string{
	"sk_fe", "sk_em", "im_fe", "im_em", "se_em_enc", "se_em_rec", "im2se_em", "sk2se_em",
	"se2im_em", "se2sk_em", "im_em_hat", "sk_em_hat", "se_em_hat1", "se_em_hat2",
}

// nodes returns the distinct nodes of the outputs, in a fixed order. See newEmbeddings.
func (o *Outputs) nodes() []*Node {
	return []*Node{
		o.SketchFeatures, o.ImageFeatures, o.SemanticEncoded, o.SemanticReconstructed,
		o.ImageToSemantic, o.SketchToSemantic, o.SemanticToImage, o.SemanticToSketch,
		o.ImageCycle, o.SketchCycle, o.SemanticCycleSketch, o.SemanticCycleImage,
	}
}

// ModelGraph builds the forward pass of the model:
//
//  1. Sketch and image features from the two feature extractors.
//  2. Semantic encoding and reconstruction from the autoencoder.
//  3. The four cross-modal translations. The semantic encoding goes through a StopGradient before being
//     translated to the visual spaces.
//  4. The four cycles, each translation fed back through the generator of the inverse direction.
//
// sketches and images are shaped `[batch_size, height, width, 3]`, semantics `[batch_size, sem_dim]`.
// The training mode is taken from ctx, see context.Context.SetTraining.
func (m *Model) ModelGraph(ctx *context.Context, sketches, images, semantics *Node) *Outputs {
	ctx = ctx.Checked(false)
	o := &Outputs{}
	o.SketchFeatures = m.SketchFeaturesGraph(ctx, sketches)
	o.ImageFeatures = m.ImageFeaturesGraph(ctx, images)
	o.SemanticEncoded, o.SemanticReconstructed = autoencoder.New(ctx.In(ScopeAutoEncoder), semantics, m.cfg.DimOut).Done()

	o.ImageToSemantic = m.toSemantic(ctx.In(ScopeGenImageToSemantic), o.ImageFeatures)
	o.SketchToSemantic = m.toSemantic(ctx.In(ScopeGenSketchToSemantic), o.SketchFeatures)
	encoded := StopGradient(o.SemanticEncoded)
	o.SemanticToImage = m.toVisual(ctx.In(ScopeGenSemanticToImage), encoded)
	o.SemanticToSketch = m.toVisual(ctx.In(ScopeGenSemanticToSketch), encoded)

	o.ImageCycle = m.toVisual(ctx.In(ScopeGenSemanticToImage), o.ImageToSemantic)
	o.SketchCycle = m.toVisual(ctx.In(ScopeGenSemanticToSketch), o.SketchToSemantic)
	o.SemanticCycleSketch = m.toSemantic(ctx.In(ScopeGenSketchToSemantic), o.SemanticToSketch)
	o.SemanticCycleImage = m.toSemantic(ctx.In(ScopeGenImageToSemantic), o.SemanticToImage)

	o.SketchEmbeddings = o.SketchToSemantic
	o.ImageEmbeddings = o.ImageToSemantic
	return o
}

// SketchFeaturesGraph returns the sketch features.
func (m *Model) SketchFeaturesGraph(ctx *context.Context, sketches *Node) *Node {
	return vgg.New(ctx.Checked(false).In(ScopeSketchModel), sketches).Done()
}

// ImageFeaturesGraph returns the image features.
func (m *Model) ImageFeaturesGraph(ctx *context.Context, images *Node) *Node {
	return vgg.New(ctx.Checked(false).In(ScopeImageModel), images).Done()
}

// SketchEmbeddingsGraph returns the semantic space embeddings of sketches, used for retrieval:
// the sketch feature extractor followed by the sketch to semantic generator.
func (m *Model) SketchEmbeddingsGraph(ctx *context.Context, sketches *Node) *Node {
	ctx = ctx.Checked(false)
	return m.toSemantic(ctx.In(ScopeGenSketchToSemantic), m.SketchFeaturesGraph(ctx, sketches))
}

// ImageEmbeddingsGraph returns the semantic space embeddings of images, used for retrieval:
// the image feature extractor followed by the image to semantic generator.
func (m *Model) ImageEmbeddingsGraph(ctx *context.Context, images *Node) *Node {
	ctx = ctx.Checked(false)
	return m.toSemantic(ctx.In(ScopeGenImageToSemantic), m.ImageFeaturesGraph(ctx, images))
}

func (m *Model) toSemantic(ctx *context.Context, x *Node) *Node {
	return gan.Generator(ctx, x, m.cfg.DimOut).Noise(false).Dropout(true).Done()
}

func (m *Model) toVisual(ctx *context.Context, x *Node) *Node {
	return gan.Generator(ctx, x, m.featureDim).Noise(false).Dropout(true).Done()
}

// DiscriminateSemantic scores embeddings of the semantic space, shaped `[batch_size, dim_out]`.
func (m *Model) DiscriminateSemantic(ctx *context.Context, x *Node) *Node {
	return m.discriminator(ctx.Checked(false).In(ScopeDiscSemantic), x)
}

// DiscriminateSketch scores sketch features, shaped `[batch_size, 512]`.
func (m *Model) DiscriminateSketch(ctx *context.Context, x *Node) *Node {
	return m.discriminator(ctx.Checked(false).In(ScopeDiscSketch), x)
}

// DiscriminateImage scores image features, shaped `[batch_size, 512]`.
func (m *Model) DiscriminateImage(ctx *context.Context, x *Node) *Node {
	return m.discriminator(ctx.Checked(false).In(ScopeDiscImage), x)
}

func (m *Model) discriminator(ctx *context.Context, x *Node) *Node {
	return gan.Discriminator(ctx, x).
		Noise(true).
		BatchNorm(true).
		Sigmoid(context.GetParamOr(ctx, ParamDiscriminatorSigmoid, false)).
		Done()
}

// ClassifySketch returns the class logits of sketch features, using the frozen sketch classifier.
func (m *Model) ClassifySketch(x *Node) *Node { return m.classifierSketch.Apply(x) }

// ClassifyImage returns the class logits of image features, using the frozen image classifier.
func (m *Model) ClassifyImage(x *Node) *Node { return m.classifierImage.Apply(x) }

// ClassifySemantic returns the class logits of semantic space embeddings, using the frozen semantic classifier.
func (m *Model) ClassifySemantic(x *Node) *Node { return m.classifierSemantic.Apply(x) }
