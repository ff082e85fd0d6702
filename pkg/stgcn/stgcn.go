// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stgcn implements a spatial-temporal graph convolutional network (ST-GCN) encoder that maps
// skeleton motion windows shaped [batch, 3, time, 25] to fixed-size embeddings.
//
// Based on "Spatial Temporal Graph Convolutional Networks for Skeleton-Based Action Recognition"
// (Sijie Yan, Yuanjun Xiong, Dahua Lin), https://arxiv.org/abs/1801.07455, using the plain
// normalized adjacency D^-1/2 (A+I) D^-1/2 as the single graph partition.
//
// Example:
//
//	modelFn := func(ctx *context.Context, _ any, inputs []*Node) []*Node {
//		return []*Node{stgcn.New(ctx, inputs[0]).Done()}
//	}
package stgcn

import (
	"fmt"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/support/exceptions"
	"github.com/gomlx/motionsim/pkg/motion"
	"github.com/gomlx/motionsim/pkg/skeleton"
	"github.com/pkg/errors"
)

const (
	// ParamBaseChannels is the width of the first two blocks: the four blocks have widths
	// base, base, 2*base and 4*base. Default is 64.
	ParamBaseChannels = "stgcn_base_channels"

	// ParamEmbeddingDim is the dimension of the output embedding, and of the hidden layer of the
	// projection head. Default is 128.
	ParamEmbeddingDim = "stgcn_embedding_dim"

	// ParamKernelSize is the size of the temporal convolution kernel. It must be odd. Default is 9.
	ParamKernelSize = "stgcn_kernel_size"

	// ParamDropout is the dropout rate at the end of each temporal branch. Default is 0.
	ParamDropout = "stgcn_dropout"

	// ParamTemporalStride is the temporal stride used by every block. Default is 1.
	ParamTemporalStride = "stgcn_temporal_stride"

	// ParamStrategy is the skeleton graph strategy name. Only "spatial" is supported.
	ParamStrategy = "stgcn_strategy"
)

// ModelScope is the conventional scope under which the encoder variables are created, both for
// training and for inference.
const ModelScope = "model"

// CopyContext returns a new context with the hyperparameters of ctx and copies of its variables that hold a value.
//
// Unlike ctx.Clone, variables created later in the copy are initialized with the copy's own initializer and
// random state.
func CopyContext(ctx *context.Context) (*context.Context, error) {
	newCtx := context.New()
	ctx.EnumerateParams(func(scope, key string, value any) {
		newCtx.InAbsPath(scope).SetParam(key, value)
	})
	for v := range ctx.IterVariables() {
		if !v.HasValue() {
			continue
		}
		if _, err := v.CloneToContext(newCtx); err != nil {
			return nil, errors.WithMessagef(err, "failed to copy variable %q", v.ScopeAndName())
		}
	}
	return newCtx, nil
}

// Scope names of the sub-layers.
const (
	InputNormScope = "input_normalization"
	BlockScopeFmt  = "block_%d"
	HeadScope      = "projection_head"
)

// Config for the encoder graph. Create it with New, optionally configure it and call Done.
type Config struct {
	ctx          *context.Context
	x            *Node
	graph        *skeleton.Graph
	widths       []int
	strides      []int
	kernelSize   int
	dropout      float64
	embeddingDim int
}

// ValidateParams checks the encoder hyperparameters in ctx, without building any graph.
func ValidateParams(ctx *context.Context) error {
	strategy, err := skeleton.ParseStrategy(context.GetParamOr(ctx, ParamStrategy, skeleton.Spatial.String()))
	if err != nil {
		return err
	}
	if err = strategy.Validate(); err != nil {
		return err
	}
	if base := context.GetParamOr(ctx, ParamBaseChannels, 64); base <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamBaseChannels, base)
	}
	if dim := context.GetParamOr(ctx, ParamEmbeddingDim, 128); dim <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamEmbeddingDim, dim)
	}
	if k := context.GetParamOr(ctx, ParamKernelSize, 9); k <= 0 || k%2 == 0 {
		return errors.Errorf("%s must be a positive odd number, got %d", ParamKernelSize, k)
	}
	if stride := context.GetParamOr(ctx, ParamTemporalStride, 1); stride <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamTemporalStride, stride)
	}
	if rate := context.GetParamOr(ctx, ParamDropout, 0.0); rate < 0 || rate >= 1 {
		return errors.Errorf("%s must be in [0, 1), got %g", ParamDropout, rate)
	}
	return nil
}

// New creates the configuration of an encoder for x, shaped [batch, 3, time, 25], with defaults
// read from the hyperparameters in ctx.
//
// It panics (with exceptions.Panicf) if the hyperparameters are invalid: use ValidateParams beforehand
// to get an error instead.
func New(ctx *context.Context, x *Node) *Config {
	if err := ValidateParams(ctx); err != nil {
		exceptions.Panicf("stgcn: %+v", err)
	}
	strategy, _ := skeleton.ParseStrategy(context.GetParamOr(ctx, ParamStrategy, skeleton.Spatial.String()))
	graph := skeleton.Default()
	if strategy != graph.Strategy() {
		var err error
		graph, err = skeleton.Build(strategy)
		if err != nil {
			exceptions.Panicf("stgcn: %+v", err)
		}
	}
	base := context.GetParamOr(ctx, ParamBaseChannels, 64)
	stride := context.GetParamOr(ctx, ParamTemporalStride, 1)
	return &Config{
		ctx:          ctx,
		x:            x,
		graph:        graph,
		widths:       []int{base, base, 2 * base, 4 * base},
		strides:      []int{stride, stride, stride, stride},
		kernelSize:   context.GetParamOr(ctx, ParamKernelSize, 9),
		dropout:      context.GetParamOr(ctx, ParamDropout, 0.0),
		embeddingDim: context.GetParamOr(ctx, ParamEmbeddingDim, 128),
	}
}

// Graph sets the skeleton graph used for the spatial mixing. Default is skeleton.Default().
func (c *Config) Graph(graph *skeleton.Graph) *Config {
	c.graph = graph
	return c
}

// Widths sets the output channels of each block. The number of blocks is the number of widths given.
// If the strides were set to a different number of blocks, they are reset to 1.
func (c *Config) Widths(widths ...int) *Config {
	c.widths = widths
	if len(c.strides) != len(widths) {
		c.strides = make([]int, len(widths))
		for ii := range c.strides {
			c.strides[ii] = 1
		}
	}
	return c
}

// Strides sets the temporal stride of each block. It must match the number of blocks.
func (c *Config) Strides(strides ...int) *Config {
	c.strides = strides
	return c
}

// Dropout sets the dropout rate at the end of each temporal branch.
func (c *Config) Dropout(rate float64) *Config {
	c.dropout = rate
	return c
}

// EmbeddingDim sets the output dimension.
func (c *Config) EmbeddingDim(dim int) *Config {
	c.embeddingDim = dim
	return c
}

// Done builds the encoder and returns the embeddings shaped [batch, embeddingDim].
// The embeddings are not normalized.
func (c *Config) Done() *Node {
	x := c.x
	if x.Rank() != 4 || x.Shape().Dimensions[1] != motion.NumChannels || x.Shape().Dimensions[3] != skeleton.NumJoints {
		exceptions.Panicf("stgcn: input must be shaped [batch, %d, time, %d], got %s",
			motion.NumChannels, skeleton.NumJoints, x.Shape())
	}
	if len(c.strides) != len(c.widths) {
		exceptions.Panicf("stgcn: %d strides given for %d blocks", len(c.strides), len(c.widths))
	}

	x = NormalizeInput(c.ctx.In(InputNormScope), x)
	adjacency := c.adjacencyConst(x)
	for ii, width := range c.widths {
		x = c.block(c.ctx.In(fmt.Sprintf(BlockScopeFmt, ii)), x, adjacency, width, c.strides[ii])
	}

	// Global average pooling over time and joints.
	x = ReduceMean(x, 2, 3)
	return ProjectionHead(c.ctx.In(HeadScope), x, c.embeddingDim)
}

// NormalizeInput applies batch normalization independently to each (joint, channel) combination.
// x is shaped [batch, channels, time, joints], and so is the output.
func NormalizeInput(ctx *context.Context, x *Node) *Node {
	dims := x.Shape().Dimensions
	batchSize, numChannels, numFrames, numJoints := dims[0], dims[1], dims[2], dims[3]
	x = TransposeAllDims(x, 0, 3, 1, 2) // [batch, joints, channels, time]
	x = Reshape(x, batchSize, numJoints*numChannels, numFrames)
	x = batchNorm(ctx, x)
	x = Reshape(x, batchSize, numJoints, numChannels, numFrames)
	return TransposeAllDims(x, 0, 2, 3, 1) // [batch, channels, time, joints]
}

// batchNorm normalizes x over its channel axis 1 without the fused backend ops, which simplego doesn't implement.
func batchNorm(ctx *context.Context, x *Node) *Node {
	return batchnorm.New(ctx, x, 1).UseBackendInference(false).Done()
}

// adjacencyConst returns the normalized adjacency as a [joints, joints] constant in the dtype of x.
func (c *Config) adjacencyConst(x *Node) *Node {
	flat := c.graph.Flat()
	rows := make([][]float32, skeleton.NumJoints)
	for ii := range rows {
		rows[ii] = flat[ii*skeleton.NumJoints : (ii+1)*skeleton.NumJoints]
	}
	return ConvertDType(Const(x.Graph(), rows), x.DType())
}

// block is one graph-temporal block: feature transform, graph mixing, temporal convolution and residual.
func (c *Config) block(ctx *context.Context, x, adjacency *Node, outputChannels, stride int) *Node {
	inputChannels := x.Shape().Dimensions[1]

	// Spatial: H' = A·H·W. The 1x1 convolution is W, the einsum mixes the joints.
	spatial := layers.Convolution(ctx.In("gcn"), x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(outputChannels).
		KernelSize(1).
		UseBias(true).
		Done()
	spatial = Einsum("nctv,vw->nctw", spatial, adjacency)

	// Temporal.
	temporal := batchNorm(ctx.In("tcn_norm_in"), spatial)
	temporal = activations.Relu(temporal)
	temporal = layers.Convolution(ctx.In("tcn"), temporal).
		ChannelsAxis(images.ChannelsFirst).
		Channels(outputChannels).
		KernelSizePerAxis(c.kernelSize, 1).
		StridePerAxis(stride, 1).
		PadSame().
		UseBias(true).
		Done()
	temporal = batchNorm(ctx.In("tcn_norm_out"), temporal)
	if c.dropout > 0 {
		temporal = layers.DropoutStatic(ctx, temporal, c.dropout)
	}

	// Residual.
	residual := x
	if inputChannels != outputChannels || stride != 1 {
		residual = layers.Convolution(ctx.In("residual"), x).
			ChannelsAxis(images.ChannelsFirst).
			Channels(outputChannels).
			KernelSize(1).
			StridePerAxis(stride, 1).
			UseBias(true).
			Done()
		residual = batchNorm(ctx.In("residual_norm"), residual)
	}
	return activations.Relu(Add(temporal, residual))
}

// ProjectionHead maps the pooled features to the embedding space with a 2-layer MLP.
func ProjectionHead(ctx *context.Context, x *Node, embeddingDim int) *Node {
	x = layers.Dense(ctx.In("hidden"), x, true, embeddingDim)
	x = activations.Relu(x)
	return layers.Dense(ctx.In("output"), x, true, embeddingDim)
}

// ModelGraph is a train.ModelFn that encodes inputs[0] and returns the embeddings.
func ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	return []*Node{New(ctx, inputs[0]).Done()}
}
