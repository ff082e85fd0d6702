// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package contrastive

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
)

// MaskValue replaces the self-similarity logits, so a view is never its own positive or negative.
const MaskValue = -9e15

// PositiveIndices returns, for a batch of numPairs pairs laid out as [view_1 of each pair..., view_2 of each pair...],
// the index of the positive partner of each of the 2*numPairs rows: i+numPairs for the first half, i-numPairs
// for the second.
func PositiveIndices(numPairs int) []int32 {
	indices := make([]int32, 2*numPairs)
	for ii := range numPairs {
		indices[ii] = int32(ii + numPairs)
		indices[ii+numPairs] = int32(ii)
	}
	return indices
}

// PositiveIndicesTensor returns PositiveIndices as a tensor shaped [2*numPairs].
func PositiveIndicesTensor(numPairs int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(PositiveIndices(numPairs), 2*numPairs)
}

// NTXent returns the normalized temperature-scaled cross-entropy loss (a scalar) of embeddings shaped [2N, dim],
// where row i and row (i+N) mod 2N are views of the same example.
func NTXent(embeddings *Node, temperature float64) *Node {
	if embeddings.Rank() != 2 || embeddings.Shape().Dimensions[0]%2 != 0 {
		exceptions.Panicf("NTXent requires embeddings shaped [2N, dim], got %s", embeddings.Shape())
	}
	numPairs := embeddings.Shape().Dimensions[0] / 2
	return NTXentWithTargets(embeddings, Const(embeddings.Graph(), PositiveIndices(numPairs)), temperature)
}

// NTXentWithTargets is like NTXent, but the index of the positive partner of each row is given by targets, shaped [2N].
func NTXentWithTargets(embeddings, targets *Node, temperature float64) *Node {
	if temperature <= 0 {
		exceptions.Panicf("NTXent temperature must be > 0, got %g", temperature)
	}
	g := embeddings.Graph()
	dtype := embeddings.DType()
	n := embeddings.Shape().Dimensions[0]
	if targets.Rank() == 2 {
		targets = Reshape(targets, n)
	}
	if targets.Rank() != 1 || targets.Shape().Dimensions[0] != n {
		exceptions.Panicf("NTXent targets must be shaped [%d], got %s", n, targets.Shape())
	}

	z := L2NormalizeWithEpsilon(embeddings, 1e-12, -1)
	similarities := DivScalar(MatMul(z, Transpose(z, 0, 1)), temperature)
	similarities = Where(Diagonal(g, n), BroadcastToDims(Scalar(g, dtype, MaskValue), n, n), similarities)

	logProbs := LogSoftmax(similarities, -1)
	positives := OneHot(ConvertDType(targets, dtypes.Int32), n, dtype)
	return Neg(ReduceAllMean(ReduceSum(Mul(positives, logProbs), -1)))
}

// LossFn returns a train loss function computing NTXent of predictions[0], with labels[0] holding the
// positive indices.
func LossFn(temperature float64) func(labels, predictions []*Node) *Node {
	return func(labels, predictions []*Node) *Node {
		return NTXentWithTargets(predictions[0], labels[0], temperature)
	}
}
