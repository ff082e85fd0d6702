// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func modelContext(values ...float32) *context.Context {
	ctx := context.New()
	ctx.SetParam("stgcn_base_channels", 4)
	ctx.In("layer").VariableWithValue("weights", values)
	return ctx
}

func loadedWeights(t *testing.T, ctx *context.Context) []float32 {
	v := ctx.GetVariableByScopeAndName("/layer", "weights")
	require.NotNil(t, v)
	value, err := v.Value()
	require.NoError(t, err)
	return tensors.MustCopyFlatData[float32](value)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models", "model_squat_1700000000")

	meta, err := Save(modelContext(1, 2, 3), path, Metadata{ExerciseID: "squat", FinalLoss: 0.5, EpochsTrained: 3})
	require.NoError(t, err)
	assert.Equal(t, "model_squat_1700000000", meta.Name)
	assert.Equal(t, ModelType, meta.ModelType)
	assert.Equal(t, path, meta.Path)
	assert.False(t, meta.CreatedAt.IsZero())

	ctx, loadedMeta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, loadedWeights(t, ctx))
	assert.Equal(t, 4.0, context.GetParamOr(ctx, "stgcn_base_channels", 0.0))
	assert.Equal(t, "squat", loadedMeta.ExerciseID)
	assert.Equal(t, 0.5, loadedMeta.FinalLoss)
	assert.Equal(t, 3, loadedMeta.EpochsTrained)
	assert.True(t, meta.CreatedAt.Equal(loadedMeta.CreatedAt))
}

func TestSaveReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model")
	_, err := Save(modelContext(1, 1), path, Metadata{FinalLoss: 1})
	require.NoError(t, err)
	_, err = Save(modelContext(7, 8), path, Metadata{FinalLoss: 0.25})
	require.NoError(t, err)

	ctx, meta, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []float32{7, 8}, loadedWeights(t, ctx))
	assert.Equal(t, 0.25, meta.FinalLoss)

	// No staging or backup directories are left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "model", entries[0].Name())
}

func TestSaveLeavesContextUntouched(t *testing.T) {
	ctx := modelContext(5)
	_, err := Save(ctx, filepath.Join(t.TempDir(), "model"), Metadata{})
	require.NoError(t, err)
	assert.Nil(t, ctx.Loader())
	assert.Equal(t, []float32{5}, loadedWeights(t, ctx))
}

func TestLoadMissing(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "does_not_exist"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	// A directory without metadata is not an artifact.
	dir := t.TempDir()
	_, _, err = Load(dir)
	assert.True(t, errors.Is(err, ErrNotFound))
}
