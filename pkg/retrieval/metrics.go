// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retrieval

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DefaultK is the cut-off used for precision@K on TU-Berlin zero-shot retrieval.
const DefaultK = 100

// Rank returns the gallery indices sorted from closest to farthest.
// Ties keep the gallery order.
func Rank[T cmp.Ordered](distances []T) []int {
	order := make([]int, len(distances))
	for ii := range order {
		order[ii] = ii
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(distances[a], distances[b])
	})
	return order
}

// PrecisionAtK returns the fraction of relevant items in the first k ranked ones.
// If there are fewer than k items, all of them are considered.
func PrecisionAtK(relevant []bool, k int) float64 {
	k = min(k, len(relevant))
	if k <= 0 {
		return 0
	}
	hits := 0
	for _, r := range relevant[:k] {
		if r {
			hits++
		}
	}
	return float64(hits) / float64(k)
}

// AveragePrecision of a ranking, given the relevance of each ranked item: the mean of the precision at the position
// of each relevant item.
//
// ok is false if there are no relevant items, in which case the average precision is undefined.
func AveragePrecision(relevant []bool) (ap float64, ok bool) {
	hits := 0
	for ii, r := range relevant {
		if r {
			hits++
			ap += float64(hits) / float64(ii+1)
		}
	}
	if hits == 0 {
		return 0, false
	}
	return ap / float64(hits), true
}

// Report of a retrieval evaluation.
type Report struct {
	// MAP is the mean average precision over the queries that have at least one relevant gallery item.
	MAP float64

	// PrecisionAtK is the mean precision@K over the same queries as MAP.
	PrecisionAtK float64
	K            int

	// NumQueries evaluated, and NumWithoutRelevant of those that were skipped because no gallery item
	// shares their label.
	NumQueries, NumWithoutRelevant int

	// AveragePrecisions per query, NaN for the skipped ones.
	AveragePrecisions []float64
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	s := fmt.Sprintf("mAP@all=%.4f, prec@%d=%.4f (%d queries)", r.MAP, r.K, r.PrecisionAtK, r.NumQueries)
	if r.NumWithoutRelevant > 0 {
		s += fmt.Sprintf(", %d queries without relevant items skipped", r.NumWithoutRelevant)
	}
	return s
}

// Evaluate ranks the gallery for each query and computes the mean average precision and precision@k.
//
// distances must be shaped `[num_queries, num_gallery]` (see Distances), and a gallery item is relevant to a query
// if they share the same label.
func Evaluate(distances *tensors.Tensor, queryLabels, galleryLabels []int, k int) (*Report, error) {
	if distances == nil || distances.Rank() != 2 {
		return nil, errors.New("retrieval.Evaluate: distances must be shaped [num_queries, num_gallery]")
	}
	numQueries, numGallery := distances.Shape().Dimensions[0], distances.Shape().Dimensions[1]
	if numQueries != len(queryLabels) || numGallery != len(galleryLabels) {
		return nil, errors.Errorf("retrieval.Evaluate: distances shaped %s, but got %d query labels and %d gallery labels",
			distances.Shape(), len(queryLabels), len(galleryLabels))
	}
	if k <= 0 {
		return nil, errors.Errorf("retrieval.Evaluate: k must be > 0, got %d", k)
	}
	flat, err := flatFloat64(distances)
	if err != nil {
		return nil, err
	}

	report := &Report{
		K:                 k,
		NumQueries:        numQueries,
		AveragePrecisions: make([]float64, numQueries),
	}
	relevant := make([]bool, numGallery)
	var sumAP, sumPrecision float64
	for q := range numQueries {
		for ii, idx := range Rank(flat[q*numGallery : (q+1)*numGallery]) {
			relevant[ii] = galleryLabels[idx] == queryLabels[q]
		}
		ap, ok := AveragePrecision(relevant)
		if !ok {
			report.AveragePrecisions[q] = math.NaN()
			report.NumWithoutRelevant++
			continue
		}
		report.AveragePrecisions[q] = ap
		sumAP += ap
		sumPrecision += PrecisionAtK(relevant, k)
	}
	if evaluated := numQueries - report.NumWithoutRelevant; evaluated > 0 {
		report.MAP = sumAP / float64(evaluated)
		report.PrecisionAtK = sumPrecision / float64(evaluated)
	}
	return report, nil
}

func flatFloat64(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float32:
		flat := tensors.MustCopyFlatData[float32](t)
		converted := make([]float64, len(flat))
		for ii, v := range flat {
			converted[ii] = float64(v)
		}
		return converted, nil
	case dtypes.Float64:
		return tensors.MustCopyFlatData[float64](t), nil
	default:
		return nil, errors.Errorf("retrieval: distances must be float32 or float64, got %s", t.DType())
	}
}

// EvaluateEmbeddings computes the distances from the queries to the gallery with the given metric (see Distances)
// and evaluates the ranking (see Evaluate).
func EvaluateEmbeddings(backend backends.Backend, queries, gallery *tensors.Tensor, queryLabels, galleryLabels []int,
	metric Metric, k int) (*Report, error) {
	distances, err := Distances(backend, queries, gallery, metric)
	if err != nil {
		return nil, err
	}
	defer finalizeAll([]*tensors.Tensor{distances})
	return Evaluate(distances, queryLabels, galleryLabels, k)
}
