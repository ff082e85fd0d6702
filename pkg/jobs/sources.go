// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package jobs

import (
	gocontext "context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gomlx/motionsim/pkg/motion"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EmbeddingsDirName is the sub-directory of an exercise where reference embeddings are written.
const EmbeddingsDirName = "embeddings"

// DirSource reads the clips of an exercise from <Dir>/<exercise>/*.json.
type DirSource struct {
	Dir string
}

// ExerciseDir returns the directory with the clips of exercise.
func (s DirSource) ExerciseDir(exercise string) string {
	return filepath.Join(s.Dir, exercise)
}

// TrainingSequences implements DataSource. A missing exercise directory yields no sequences.
func (s DirSource) TrainingSequences(_ gocontext.Context, exercise string) ([]motion.Sequence, error) {
	clips, err := s.Clips(exercise)
	if err != nil {
		return nil, err
	}
	sequences := make([]motion.Sequence, 0, len(clips))
	for _, name := range sortedNames(clips) {
		sequences = append(sequences, clips[name])
	}
	return sequences, nil
}

// Clips returns the non-empty clips of exercise by file name, without the ".json" suffix.
func (s DirSource) Clips(exercise string) (map[string]motion.Sequence, error) {
	dir := s.ExerciseDir(exercise)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to list clips of exercise %q", exercise)
	}
	clips := make(map[string]motion.Sequence)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		seq, err := motion.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if len(seq) == 0 {
			continue
		}
		clips[strings.TrimSuffix(entry.Name(), ".json")] = seq
	}
	return clips, nil
}

// Embedder embeds named sequences with one model. inference.Service implements it.
type Embedder interface {
	EmbedAll(ctx gocontext.Context, sequences map[string]motion.Sequence) (map[string][][]float32, error)
}

// EmbeddingsRefresher re-embeds the clips of an exercise and writes them to
// <Dir>/<exercise>/embeddings/<clip>.json, one entry per frame (null for frames without embedding).
type EmbeddingsRefresher struct {
	Source   DirSource
	Embedder Embedder
}

// RefreshReferences implements ReferenceRefresher.
func (r EmbeddingsRefresher) RefreshReferences(goCtx gocontext.Context, exercise string) error {
	clips, err := r.Source.Clips(exercise)
	if err != nil {
		return err
	}
	if len(clips) == 0 {
		klog.Warningf("jobs: no reference clips to refresh for exercise %q", exercise)
		return nil
	}
	embeddings, err := r.Embedder.EmbedAll(goCtx, clips)
	if err != nil {
		return err
	}
	outputDir := filepath.Join(r.Source.ExerciseDir(exercise), EmbeddingsDirName)
	if err = os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %q", outputDir)
	}
	for _, name := range sortedNames(embeddings) {
		if err = WriteEmbeddings(filepath.Join(outputDir, name+".json"), embeddings[name]); err != nil {
			return err
		}
	}
	klog.Infof("jobs: refreshed embeddings of %d reference clip(s) for exercise %q", len(embeddings), exercise)
	return nil
}

// WriteEmbeddings writes an embedding sequence as JSON.
func WriteEmbeddings(path string, embeddings [][]float32) error {
	contents, err := json.Marshal(embeddings)
	if err != nil {
		return errors.Wrapf(err, "failed to encode embeddings for %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, contents, 0o644), "failed to write embeddings")
}

// ReadEmbeddings reads an embedding sequence written by WriteEmbeddings.
func ReadEmbeddings(path string) ([][]float32, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read embeddings")
	}
	var embeddings [][]float32
	if err = json.Unmarshal(contents, &embeddings); err != nil {
		return nil, errors.Wrapf(err, "failed to parse embeddings in %q", path)
	}
	return embeddings, nil
}

func sortedNames[T any](m map[string]T) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
