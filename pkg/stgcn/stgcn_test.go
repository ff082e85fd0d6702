// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stgcn

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/motionsim/pkg/motion"
	"github.com/gomlx/motionsim/pkg/skeleton"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testBackend = sync.OnceValue(func() backends.Backend {
	backend, err := simplego.New("")
	if err != nil {
		panic(err)
	}
	return backend
})

// smallContext returns a context with a narrow encoder, to keep tests fast.
func smallContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamBaseChannels: 4,
		ParamEmbeddingDim: 8,
	})
	return ctx
}

func randomInput(batchSize, numFrames int, seed uint64) *tensors.Tensor {
	rng := rand.New(rand.NewPCG(seed, 0))
	flat := make([]float32, batchSize*motion.NumChannels*numFrames*skeleton.NumJoints)
	for ii := range flat {
		flat[ii] = float32(rng.NormFloat64())
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, motion.NumChannels, numFrames, skeleton.NumJoints)
}

func encodeFn(ctx *context.Context, x *Node) *Node {
	return New(ctx, x).Done()
}

func TestEncoderShape(t *testing.T) {
	backend := testBackend()

	t.Run("default-strides", func(t *testing.T) {
		ctx := smallContext()
		output, err := context.ExecOnce(backend, ctx, encodeFn, randomInput(3, 16, 1))
		require.NoError(t, err)
		assert.Equal(t, []int{3, 8}, output.Shape().Dimensions)

		// Widths base, base, 2*base, 4*base.
		for ii, width := range []int{4, 4, 8, 16} {
			v := ctx.GetVariableByScopeAndName("/"+fmt.Sprintf(BlockScopeFmt, ii)+"/gcn/conv", "weights")
			require.NotNil(t, v, "block %d", ii)
			// Kernel shaped [outputChannels, inputChannels, 1, 1].
			dims := v.Shape().Dimensions
			assert.Equal(t, width, dims[0], "block %d", ii)
		}
		// First block changes channels (3->4) so it has a residual projection, the second doesn't.
		assert.NotNil(t, ctx.GetVariableByScopeAndName("/block_0/residual/conv", "weights"))
		assert.Nil(t, ctx.GetVariableByScopeAndName("/block_1/residual/conv", "weights"))
		assert.NotNil(t, ctx.GetVariableByScopeAndName("/projection_head/output/dense", "weights"))
	})

	t.Run("strided", func(t *testing.T) {
		ctx := smallContext()
		ctx.SetParam(ParamTemporalStride, 2)
		output, err := context.ExecOnce(backend, ctx, encodeFn, randomInput(2, 32, 2))
		require.NoError(t, err)
		assert.Equal(t, []int{2, 8}, output.Shape().Dimensions)
		// With stride 2 every block needs a residual projection.
		assert.NotNil(t, ctx.GetVariableByScopeAndName("/block_1/residual/conv", "weights"))
	})

	t.Run("custom-widths", func(t *testing.T) {
		ctx := smallContext()
		output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
			return New(ctx, x).Widths(5, 6).Strides(1, 2).EmbeddingDim(3).Done()
		}, randomInput(2, 9, 3))
		require.NoError(t, err)
		assert.Equal(t, []int{2, 3}, output.Shape().Dimensions)
	})
}

func TestEncoderIsDeterministicInInference(t *testing.T) {
	backend := testBackend()
	ctx := smallContext()
	ctx.SetParam(ParamDropout, 0.5)
	exec, err := context.NewExec(backend, ctx, encodeFn)
	require.NoError(t, err)
	input := randomInput(4, 32, 4)
	first, err := exec.Exec1(input)
	require.NoError(t, err)
	second, err := exec.Exec1(input)
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](first), tensors.MustCopyFlatData[float32](second))

	// Each example is encoded independently of the others in the batch during inference.
	single, err := exec.Exec1(randomInput(1, 32, 5))
	require.NoError(t, err)
	batchOf2, err := exec.Exec1(randomInput(2, 32, 5))
	require.NoError(t, err)
	assert.InDeltaSlice(t, tensors.MustCopyFlatData[float32](single),
		tensors.MustCopyFlatData[float32](batchOf2)[:8], 1e-3)
}

func TestNormalizeInput(t *testing.T) {
	backend := testBackend()
	ctx := context.New()
	output, err := context.ExecOnce(backend, ctx, func(ctx *context.Context, x *Node) *Node {
		ctx.SetTraining(x.Graph(), true)
		return NormalizeInput(ctx, x)
	}, randomInput(3, 10, 6))
	require.NoError(t, err)
	assert.Equal(t, []int{3, motion.NumChannels, 10, skeleton.NumJoints}, output.Shape().Dimensions)

	// In training mode each (channel, joint) pair is standardized over batch and time.
	flat := tensors.MustCopyFlatData[float32](output)
	exampleSize := motion.NumChannels * 10 * skeleton.NumJoints
	for _, cv := range [][2]int{{0, 0}, {1, 12}, {2, 24}} {
		var sum, sumSq float64
		for b := range 3 {
			for tt := range 10 {
				x := float64(flat[b*exampleSize+motion.FlatIndex(cv[0], tt, cv[1], 10)])
				sum += x
				sumSq += x * x
			}
		}
		mean := sum / 30
		assert.InDelta(t, 0, mean, 1e-4)
		assert.InDelta(t, 1, sumSq/30-mean*mean, 1e-2)
	}
}

func TestValidateParams(t *testing.T) {
	assert.NoError(t, ValidateParams(context.New()))

	ctx := context.New()
	ctx.SetParam(ParamStrategy, "uniform")
	err := ValidateParams(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, skeleton.ErrUnsupportedStrategy))

	ctx = context.New()
	ctx.SetParam(ParamKernelSize, 4)
	assert.Error(t, ValidateParams(ctx))

	ctx = context.New()
	ctx.SetParam(ParamDropout, 1.0)
	assert.Error(t, ValidateParams(ctx))

	// Building the graph with invalid parameters fails immediately.
	ctx = smallContext()
	ctx.SetParam(ParamStrategy, "distance")
	panicErr := exceptions.TryCatch[error](func() {
		_, err = context.ExecOnce(testBackend(), ctx, encodeFn, randomInput(1, 4, 7))
	})
	assert.True(t, err != nil || panicErr != nil)
}

func TestCopyContext(t *testing.T) {
	backend := testBackend()

	// Hyperparameters only: the copy initializes its own variables.
	ctx := smallContext()
	ctx.In("other").SetParam("scoped_param", 3)
	fresh, err := CopyContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, context.GetParamOr(fresh, ParamEmbeddingDim, 0))
	assert.Equal(t, 3, context.GetParamOr(fresh.In("other"), "scoped_param", 0))
	output, err := context.ExecOnce(backend, fresh, encodeFn, randomInput(2, 8, 8))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8}, output.Shape().Dimensions)
	assert.Nil(t, ctx.GetVariableByScopeAndName("/block_0/gcn/conv", "weights"))

	// Trained variables are copied by value.
	trained := smallContext()
	require.NoError(t, trained.SetRNGStateFromSeed(1))
	input := randomInput(2, 8, 9)
	want, err := context.ExecOnce(backend, trained, encodeFn, input)
	require.NoError(t, err)
	copied, err := CopyContext(trained)
	require.NoError(t, err)
	got, err := context.ExecOnce(backend, copied.Reuse(), encodeFn, input)
	require.NoError(t, err)
	assert.Equal(t, tensors.MustCopyFlatData[float32](want), tensors.MustCopyFlatData[float32](got))
}
