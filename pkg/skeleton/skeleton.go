// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package skeleton defines the fixed 25-joint body graph and its normalized adjacency matrix,
// used by the spatial graph convolutions of the encoder.
//
// The joint indexing follows the NTU RGB+D convention:
//
//	0: base of spine, 1: middle of spine, 2: neck, 3: head,
//	4-7: left shoulder, elbow, wrist, hand,
//	8-11: right shoulder, elbow, wrist, hand,
//	12-15: left hip, knee, ankle, foot,
//	16-19: right hip, knee, ankle, foot,
//	20: spine at the shoulders, 21-22: left hand tip and thumb, 23-24: right hand tip and thumb.
package skeleton

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// NumJoints is the number of nodes in the skeleton graph.
const NumJoints = 25

// Edge connects two joints. The graph is undirected, so the order of the joints is irrelevant.
type Edge [2]int

// Edges lists the anatomical connections between joints. Self-loops are not listed:
// they are added as the identity during normalization.
var Edges = []Edge{
	{0, 1}, {1, 20}, {20, 2}, {2, 3},
	{20, 4}, {4, 5}, {5, 6}, {6, 7}, {7, 21}, {6, 22},
	{20, 8}, {8, 9}, {9, 10}, {10, 11}, {11, 23}, {10, 24},
	{0, 12}, {12, 13}, {13, 14}, {14, 15},
	{0, 16}, {16, 17}, {17, 18}, {18, 19},
}

// Strategy selects how the adjacency matrix is partitioned and normalized.
type Strategy int

const (
	// Spatial is the symmetric spectral normalization D^-1/2 (A+I) D^-1/2. It is the only implemented strategy.
	Spatial Strategy = iota

	// Uniform partitioning is recognized but not supported.
	Uniform

	// Distance partitioning is recognized but not supported.
	Distance
)

var strategyNames = map[Strategy]string{
	Spatial:  "spatial",
	Uniform:  "uniform",
	Distance: "distance",
}

// String implements fmt.Stringer.
func (s Strategy) String() string {
	if name, found := strategyNames[s]; found {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ErrUnsupportedStrategy is returned when requesting a strategy that has no implementation.
var ErrUnsupportedStrategy = errors.New("unsupported skeleton graph strategy")

// ParseStrategy converts a strategy name ("spatial", "uniform", "distance") to a Strategy.
// It doesn't check whether the strategy is supported, see Strategy.Validate for that.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return Spatial, errors.Wrapf(ErrUnsupportedStrategy, "unknown strategy %q", name)
}

// Validate returns an error if the strategy is not implemented.
func (s Strategy) Validate() error {
	if s != Spatial {
		return errors.Wrapf(ErrUnsupportedStrategy, "strategy %q is not implemented, only %q is available", s, Spatial)
	}
	return nil
}

// Graph holds the normalized adjacency matrix of the skeleton. It is immutable once built and
// can be shared by any number of encoders.
type Graph struct {
	strategy Strategy
	norm     *mat.Dense
	flat     []float32
}

// Build returns the skeleton Graph for the given strategy. Unsupported strategies fail immediately.
func Build(strategy Strategy) (*Graph, error) {
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	aHat := mat.NewDense(NumJoints, NumJoints, nil)
	for _, e := range Edges {
		aHat.Set(e[0], e[1], 1)
		aHat.Set(e[1], e[0], 1)
	}
	for ii := range NumJoints {
		aHat.Set(ii, ii, 1)
	}

	// D^-1/2, with zero-degree nodes mapped to 0.
	invSqrtDegree := make([]float64, NumJoints)
	for ii := range NumJoints {
		degree := mat.Sum(aHat.RowView(ii))
		if degree > 0 {
			invSqrtDegree[ii] = 1 / math.Sqrt(degree)
		}
	}
	dInvSqrt := mat.NewDiagDense(NumJoints, invSqrtDegree)
	norm := mat.NewDense(NumJoints, NumJoints, nil)
	norm.Product(dInvSqrt, aHat, dInvSqrt)

	g := &Graph{strategy: strategy, norm: norm, flat: make([]float32, NumJoints*NumJoints)}
	for ii := range NumJoints {
		for jj := range NumJoints {
			g.flat[ii*NumJoints+jj] = float32(norm.At(ii, jj))
		}
	}
	return g, nil
}

var defaultGraph *Graph

func init() {
	var err error
	defaultGraph, err = Build(Spatial)
	if err != nil {
		panic(err)
	}
}

// Default returns the shared Spatial skeleton graph.
func Default() *Graph {
	return defaultGraph
}

// Strategy used to build the graph.
func (g *Graph) Strategy() Strategy { return g.strategy }

// At returns the normalized adjacency between joints i and j.
func (g *Graph) At(i, j int) float64 { return g.norm.At(i, j) }

// Matrix returns a copy of the normalized adjacency as a gonum matrix.
func (g *Graph) Matrix() *mat.Dense {
	return mat.DenseCopyOf(g.norm)
}

// Flat returns a copy of the normalized adjacency in row-major order, as float32.
func (g *Graph) Flat() []float32 {
	flat := make([]float32, len(g.flat))
	copy(flat, g.flat)
	return flat
}

// Tensor returns the normalized adjacency shaped [1, NumJoints, NumJoints], the leading axis
// being the (single) partition of the Spatial strategy.
func (g *Graph) Tensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(g.Flat(), 1, NumJoints, NumJoints)
}

// Degree returns the number of neighbors of joint i, including itself.
func (g *Graph) Degree(i int) int {
	degree := 1
	for _, e := range Edges {
		if e[0] == i || e[1] == i {
			degree++
		}
	}
	return degree
}
