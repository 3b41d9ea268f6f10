// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package retrieval evaluates cross-modal retrieval: sketch embeddings are used as queries against a gallery of
// image embeddings, both in the shared semantic space.
//
// Distances computes the query/gallery distance matrix in a computation graph, Evaluate ranks the gallery for each
// query and reports the mean average precision (mAP) and precision@K, and EmbedDataset runs an embedding function
// over a whole dataset, collecting the embeddings and labels.
package retrieval

import (
	"fmt"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/pkg/errors"
)

// Metric used to compare embeddings. Smaller is closer for all metrics.
type Metric int

const (
	// Euclidean (L2) distance.
	Euclidean Metric = iota

	// Cosine distance: 1 - cosine similarity, in the range [0, 2].
	Cosine
)

func (m Metric) String() string {
	switch m {
	case Euclidean:
		return "euclidean"
	case Cosine:
		return "cosine"
	default:
		return fmt.Sprintf("Metric(%d)", int(m))
	}
}

// ParseMetric converts the name of a metric, as returned by Metric.String, back to the Metric.
func ParseMetric(name string) (Metric, error) {
	for _, m := range []Metric{Euclidean, Cosine} {
		if m.String() == name {
			return m, nil
		}
	}
	return 0, errors.Errorf("unknown distance metric %q, valid values are %q or %q", name, Euclidean, Cosine)
}

// normEpsilon avoids a division by zero when normalizing zero vectors for the Cosine metric.
const normEpsilon = 1e-12

// DistancesGraph returns the distances from each query to each gallery element, shaped
// `[num_queries, num_gallery]`.
//
// queries and gallery must be shaped `[num_queries, dim]` and `[num_gallery, dim]`, with the same dtype.
func DistancesGraph(queries, gallery *Node, metric Metric) *Node {
	if queries.Rank() != 2 || gallery.Rank() != 2 {
		exceptions.Panicf("retrieval.DistancesGraph: queries and gallery must be shaped [batch, dim], got %s and %s",
			queries.Shape(), gallery.Shape())
	}
	if queries.Shape().Dimensions[1] != gallery.Shape().Dimensions[1] || queries.DType() != gallery.DType() {
		exceptions.Panicf("retrieval.DistancesGraph: queries (%s) and gallery (%s) must have the same dim and dtype",
			queries.Shape(), gallery.Shape())
	}

	switch metric {
	case Euclidean:
		// |q-g|^2 = |q|^2 + |g|^2 - 2 q.g
		dots := MatMul(queries, Transpose(gallery, 0, 1))
		queriesSq := ReduceAndKeep(Square(queries), ReduceSum, 1) // [num_queries, 1]
		gallerySq := InsertAxes(ReduceSum(Square(gallery), 1), 0) // [1, num_gallery]
		squared := Sub(Add(queriesSq, gallerySq), MulScalar(dots, 2))
		return Sqrt(MaxScalar(squared, 0))

	case Cosine:
		queries = normalize(queries)
		gallery = normalize(gallery)
		return OneMinus(MatMul(queries, Transpose(gallery, 0, 1)))

	default:
		exceptions.Panicf("retrieval.DistancesGraph: unknown metric %s", metric)
		return nil
	}
}

func normalize(x *Node) *Node {
	norm := Sqrt(ReduceAndKeep(Square(x), ReduceSum, 1))
	return Div(x, MaxScalar(norm, normEpsilon))
}

// Distances computes DistancesGraph on the backend, for host tensors.
func Distances(backend backends.Backend, queries, gallery *tensors.Tensor, metric Metric) (*tensors.Tensor, error) {
	if queries == nil || gallery == nil {
		return nil, errors.New("retrieval.Distances: missing queries or gallery")
	}
	if queries.Rank() != 2 || gallery.Rank() != 2 || queries.Shape().Dimensions[1] != gallery.Shape().Dimensions[1] {
		return nil, errors.Errorf("retrieval.Distances: queries (%s) and gallery (%s) must be shaped [batch, dim], "+
			"with the same dim", queries.Shape(), gallery.Shape())
	}
	if queries.Shape().Size() == 0 || gallery.Shape().Size() == 0 {
		return nil, errors.Errorf("retrieval.Distances: empty queries (%s) or gallery (%s)",
			queries.Shape(), gallery.Shape())
	}
	e, err := NewExec(backend, func(queries, gallery *Node) *Node {
		return DistancesGraph(queries, gallery, metric)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "retrieval.Distances")
	}
	defer e.Finalize()
	distances, err := e.Exec1(queries, gallery)
	if err != nil {
		return nil, errors.WithMessagef(err, "retrieval.Distances(metric=%s)", metric)
	}
	return distances, nil
}
