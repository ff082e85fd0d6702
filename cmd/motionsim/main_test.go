// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/backends/simplego"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/motionsim/internal/config"
	"github.com/gomlx/motionsim/pkg/artifact"
	"github.com/gomlx/motionsim/pkg/contrastive"
	"github.com/gomlx/motionsim/pkg/inference"
	"github.com/gomlx/motionsim/pkg/motion"
	"github.com/gomlx/motionsim/pkg/scoring"
	"github.com/gomlx/motionsim/pkg/stgcn"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateDefaultContext(t *testing.T) {
	ctx := createDefaultContext()
	assert.Equal(t, 64, context.GetParamOr(ctx, stgcn.ParamBaseChannels, 0))
	assert.Equal(t, 128, context.GetParamOr(ctx, stgcn.ParamEmbeddingDim, 0))
	assert.Equal(t, 32, context.GetParamOr(ctx, contrastive.ParamBatchSize, 0))
	assert.Equal(t, 0.5, context.GetParamOr(ctx, contrastive.ParamTemperature, 0.0))
	require.NoError(t, stgcn.ValidateParams(ctx))
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	applyFlags(cfg)
	assert.Equal(t, config.Default(), cfg, "unset flags leave the configuration untouched")

	*flagModelsDir, *flagWorkers = "/tmp/models", 3
	defer func() { *flagModelsDir, *flagWorkers = "", 0 }()
	applyFlags(cfg)
	assert.Equal(t, "/tmp/models", cfg.ModelsDir)
	assert.Equal(t, 3, cfg.Inference.Workers)
	assert.Equal(t, config.Default().DataDir, cfg.DataDir)
}

func TestScoreEmbeddings(t *testing.T) {
	user := []inference.Embedding{{1, 0}, nil, {0, 1}}
	result := scoreEmbeddings("squat_ref.json", user, user, scoring.DefaultOptions())
	assert.Equal(t, "squat_ref.json", result.Reference)
	assert.Equal(t, scoring.MaxScore, result.Score)
	assert.Equal(t, 2, result.UserLen)
	assert.Equal(t, 2, result.RefLen)

	result = scoreEmbeddings("empty.json", user, nil, scoring.DefaultOptions())
	assert.Equal(t, 0.0, result.Score)
}

func TestRenderScores(t *testing.T) {
	var buf bytes.Buffer
	renderScores(&buf, []scoreResult{
		{Reference: "/data/squat/good.json", Score: 92.5, Distance: 0.026, UserLen: 10, RefLen: 12},
		{Reference: "/data/squat/bad.json", Score: 12.25, Distance: 0.7, UserLen: 10, RefLen: 8},
	})
	out := buf.String()
	assert.Contains(t, out, "Scores")
	assert.Contains(t, out, "good.json")
	assert.Contains(t, out, "92.50")
	assert.Contains(t, out, "12.25")
	assert.NotContains(t, out, "/data/squat")
	assert.Contains(t, out, "best 92.50")

	buf.Reset()
	renderScores(&buf, []scoreResult{{Reference: "one.json", Score: 50}})
	assert.NotContains(t, buf.String(), "best")
}

func TestTableColumns(t *testing.T) {
	assert.Equal(t, lipgloss.Left, columnAlignment(nil, 3))
	alignments := []lipgloss.Position{lipgloss.Left, lipgloss.Right}
	assert.Equal(t, lipgloss.Left, columnAlignment(alignments, 0))
	assert.Equal(t, lipgloss.Right, columnAlignment(alignments, 1))
	assert.Equal(t, lipgloss.Right, columnAlignment(alignments, 4))

	table := newTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Reference", "Score")
	table.Row("a.json", "90.00").Low(true, "b.json", "10.00").Low(false, "c.json", "50.00")
	assert.Equal(t, 3, table.numRows)
	assert.Equal(t, map[int]bool{1: true}, table.low)
	out := table.Render()
	for _, cell := range []string{"Reference", "a.json", "b.json", "c.json", "10.00"} {
		assert.Contains(t, out, cell)
	}
}

func TestInspect(t *testing.T) {
	assert.Error(t, runInspect(&bytes.Buffer{}, "", false))
	assert.Error(t, runInspect(&bytes.Buffer{}, filepath.Join(t.TempDir(), "missing"), false))

	backend := must.M1(simplego.New(""))
	ctx := context.New()
	ctx.SetParams(map[string]any{
		stgcn.ParamBaseChannels: 2,
		stgcn.ParamEmbeddingDim: 4,
	})
	batch := must.M1(motion.BatchTensor([]motion.Sequence{make(motion.Sequence, inference.WindowSize)}))
	_, err := context.ExecOnce(backend, ctx.In(stgcn.ModelScope), func(ctx *context.Context, x *Node) *Node {
		return stgcn.New(ctx, x).Done()
	}, batch)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "model_lunge_1700000000")
	_, err = artifact.Save(ctx, path, artifact.Metadata{ExerciseID: "lunge", EpochsTrained: 7, FinalLoss: 1.25})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, runInspect(&buf, path, false))
	out := buf.String()
	assert.Contains(t, out, "model_lunge_1700000000")
	assert.Contains(t, out, "lunge")
	assert.Contains(t, out, "1.2500")
	assert.Contains(t, out, stgcn.ParamEmbeddingDim)
	assert.NotContains(t, out, "Variables in scope")

	buf.Reset()
	require.NoError(t, runInspect(&buf, path, true))
	out = buf.String()
	assert.Contains(t, out, "Variables in scope")
	assert.Contains(t, out, "/"+stgcn.ModelScope+"/block_0/gcn/conv")
	assert.Contains(t, out, "weights")
}
