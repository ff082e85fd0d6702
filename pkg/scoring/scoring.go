// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scoring

import (
	"math"

	"github.com/gomlx/motionsim/internal/metrics"
	"github.com/viterin/vek/vek32"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultAlpha is the decay rate of the score with the normalized alignment distance.
	DefaultAlpha = 3.0

	// MaxScore is the score of identical sequences.
	MaxScore = 100.0

	// MaxCosineDistance is the distance between diametrically opposite vectors. It is also used for
	// pairs whose distance is not a number.
	MaxCosineDistance = 2.0

	// distanceEpsilon rounds float32 noise in the cosine distance of identical vectors down to 0.
	distanceEpsilon = 1e-6
)

// Options for Score. The zero value is not valid, use DefaultOptions.
type Options struct {
	// Alpha is the exponential decay rate: score = 100·exp(-Alpha·distance).
	Alpha float64

	// Window is the maximum deviation |i - j| allowed for the alignment (a Sakoe-Chiba band), widened
	// to the length difference of the sequences. If <= 0 the alignment is unconstrained.
	Window int

	// ReturnPath requests the optimal alignment path in Result.Path.
	ReturnPath bool
}

// DefaultOptions returns the unconstrained alignment with α = 3.
func DefaultOptions() Options {
	return Options{Alpha: DefaultAlpha}
}

// Result of an alignment.
type Result struct {
	// Score in [0, 100].
	Score float64

	// Distance is the normalized alignment distance: the accumulated cost divided by max(N, M).
	Distance float64

	// UserLen and RefLen are the number of present embeddings compared.
	UserLen, RefLen int

	// Path is the optimal alignment as (user index, reference index) pairs into the compacted
	// sequences, from (0, 0) to (UserLen-1, RefLen-1). Only set if Options.ReturnPath.
	Path [][2]int
}

// Score returns the similarity of the user and reference embedding sequences, in [0, 100].
// Absent (nil) entries are ignored. It returns 0 if either sequence has no embeddings.
func Score(user, ref [][]float32) float64 {
	return Align(user, ref, DefaultOptions()).Score
}

// Align compares the user and reference embedding sequences with the given options.
func Align(user, ref [][]float32, opts Options) Result {
	user, ref = Compact(user), Compact(ref)
	result := Result{UserLen: len(user), RefLen: len(ref)}
	if len(user) == 0 || len(ref) == 0 {
		return result
	}
	costs := CosineDistances(user, ref)
	accumulated := Accumulate(costs, opts.Window)
	total := accumulated.At(len(user)-1, len(ref)-1)
	result.Distance = sanitizeDistance(total / float64(max(len(user), len(ref))))
	result.Score = FromDistance(result.Distance, opts.Alpha)
	if opts.ReturnPath {
		result.Path = Backtrack(accumulated)
	}
	metrics.ScoresComputed.Inc()
	metrics.ScoreValues.Observe(result.Score)
	return result
}

// FromDistance converts a normalized alignment distance to a score in [0, 100].
// NaN distances count as MaxCosineDistance and negative ones as 0; any other distance maps to a
// strictly lower score than every smaller distance, up to float64 resolution.
func FromDistance(distance, alpha float64) float64 {
	distance = sanitizeDistance(distance)
	score := MaxScore * math.Exp(-alpha*distance)
	if math.IsNaN(score) {
		return 0
	}
	return min(MaxScore, max(0, score))
}

func sanitizeDistance(distance float64) float64 {
	switch {
	case math.IsNaN(distance):
		return MaxCosineDistance
	case distance < 0:
		return 0
	}
	return distance
}

// Compact returns the present (non-nil) embeddings of seq, in their original order.
func Compact(seq [][]float32) [][]float32 {
	compacted := make([][]float32, 0, len(seq))
	for _, e := range seq {
		if e != nil {
			compacted = append(compacted, e)
		}
	}
	return compacted
}

// CosineDistance returns 1 - cos(a, b), in [0, 2].
//
// If exactly one of the vectors has zero norm the distance is 1 (no similarity), and two zero vectors
// are at distance 0. Vectors of different dimensions are at distance 1, and non-finite values yield
// MaxCosineDistance.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 1
	}
	normA, normB := float64(vek32.Norm(a)), float64(vek32.Norm(b))
	if normA == 0 || normB == 0 {
		if normA == normB {
			return 0
		}
		return 1
	}
	similarity := float64(vek32.Dot(a, b)) / (normA * normB)
	if math.IsNaN(similarity) || math.IsInf(similarity, 0) {
		return MaxCosineDistance
	}
	similarity = min(1, max(-1, similarity))
	distance := 1 - similarity
	if distance < distanceEpsilon {
		return 0
	}
	return distance
}

// CosineDistances returns the len(a)×len(b) matrix of pairwise cosine distances.
func CosineDistances(a, b [][]float32) *mat.Dense {
	costs := mat.NewDense(len(a), len(b), nil)
	for ii, x := range a {
		for jj, y := range b {
			costs.Set(ii, jj, CosineDistance(x, y))
		}
	}
	return costs
}

// Accumulate returns the dynamic time warping accumulated-cost matrix of costs.
// If window > 0, cells with |i-j| > window are +Inf; the window is widened to |n-m| so that the
// last cell is always reachable.
func Accumulate(costs *mat.Dense, window int) *mat.Dense {
	n, m := costs.Dims()
	acc := mat.NewDense(n, m, nil)
	inf := math.Inf(1)
	if window > 0 {
		window = max(window, abs(n-m))
	}
	inBand := func(i, j int) bool {
		return window <= 0 || abs(i-j) <= window
	}
	for i := range n {
		for j := range m {
			if !inBand(i, j) {
				acc.Set(i, j, inf)
				continue
			}
			cost := costs.At(i, j)
			switch {
			case i == 0 && j == 0:
				acc.Set(i, j, cost)
			case i == 0:
				acc.Set(i, j, cost+acc.At(i, j-1))
			case j == 0:
				acc.Set(i, j, cost+acc.At(i-1, j))
			default:
				acc.Set(i, j, cost+min3(acc.At(i-1, j), acc.At(i, j-1), acc.At(i-1, j-1)))
			}
		}
	}
	return acc
}

// Backtrack recovers the optimal alignment path from an accumulated-cost matrix, from (0, 0) to the last cell.
func Backtrack(acc *mat.Dense) [][2]int {
	n, m := acc.Dims()
	i, j := n-1, m-1
	path := [][2]int{{i, j}}
	for i > 0 || j > 0 {
		switch {
		case i == 0:
			j--
		case j == 0:
			i--
		default:
			match, ins, del := acc.At(i-1, j-1), acc.At(i-1, j), acc.At(i, j-1)
			switch {
			case match <= ins && match <= del:
				i, j = i-1, j-1
			case ins <= del:
				i--
			default:
				j--
			}
		}
		path = append(path, [2]int{i, j})
	}
	for left, right := 0, len(path)-1; left < right; left, right = left+1, right-1 {
		path[left], path[right] = path[right], path[left]
	}
	return path
}

func min3(a, b, c float64) float64 {
	return min(a, min(b, c))
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
