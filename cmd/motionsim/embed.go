// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	gocontext "context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/motionsim/internal/config"
	"github.com/gomlx/motionsim/pkg/inference"
	"github.com/gomlx/motionsim/pkg/jobs"
	"github.com/gomlx/motionsim/pkg/motion"
	"github.com/gomlx/motionsim/pkg/scoring"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// runEmbed embeds the clip -in with the model -model and writes the embeddings to -out (or stdout).
func runEmbed(goCtx gocontext.Context, cfg *config.Config, backend backends.Backend, ctx *context.Context) error {
	if *flagIn == "" {
		return errors.New("embed requires -in")
	}
	seq, err := motion.ReadFile(*flagIn)
	if err != nil {
		return err
	}
	service, err := newService(cfg, backend, ctx)
	if err != nil {
		return err
	}
	embeddings, err := service.Embed(goCtx, seq, *flagModel)
	if err != nil {
		return err
	}
	if *flagOut != "" {
		return jobs.WriteEmbeddings(*flagOut, embeddings)
	}
	return json.NewEncoder(os.Stdout).Encode(embeddings)
}

// scoreResult is the comparison of the user clip with one reference.
type scoreResult struct {
	Reference string  `json:"reference"`
	Score     float64 `json:"score"`
	Distance  float64 `json:"distance"`
	UserLen   int     `json:"user_embeddings"`
	RefLen    int     `json:"reference_embeddings"`
}

// runScore scores the user clip against each of the reference clips.
func runScore(goCtx gocontext.Context, cfg *config.Config, ctx *context.Context) error {
	if *flagUser == "" || *flagRef == "" {
		return errors.New("score requires -user and -ref")
	}
	var refPaths []string
	for _, path := range strings.Split(*flagRef, ",") {
		if path = strings.TrimSpace(path); path != "" {
			refPaths = append(refPaths, path)
		}
	}

	var load func(path string) ([][]float32, error)
	if *flagEmbeddings {
		load = jobs.ReadEmbeddings
	} else {
		backend, err := cfg.NewBackend()
		if err != nil {
			return err
		}
		service, err := newService(cfg, backend, ctx)
		if err != nil {
			return err
		}
		_ = service.Reload(*flagModel)
		load = func(path string) ([][]float32, error) {
			seq, err := motion.ReadFile(path)
			if err != nil {
				return nil, err
			}
			return service.EmbedSequence(goCtx, seq)
		}
	}

	user, err := load(*flagUser)
	if err != nil {
		return err
	}
	opts := scoring.DefaultOptions()
	opts.Window = *flagWindow
	results := make([]scoreResult, 0, len(refPaths))
	for _, path := range refPaths {
		ref, err := load(path)
		if err != nil {
			return err
		}
		results = append(results, scoreEmbeddings(path, user, ref, opts))
	}

	if *flagJSON {
		return json.NewEncoder(os.Stdout).Encode(results)
	}
	renderScores(os.Stdout, results)
	return nil
}

func scoreEmbeddings(name string, user, ref []inference.Embedding, opts scoring.Options) scoreResult {
	alignment := scoring.Align(user, ref, opts)
	return scoreResult{
		Reference: name,
		Score:     alignment.Score,
		Distance:  alignment.Distance,
		UserLen:   alignment.UserLen,
		RefLen:    alignment.RefLen,
	}
}

// lowScore marks results in red.
const lowScore = 50.0

func renderScores(w io.Writer, results []scoreResult) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Scores"))
	table := newTable(lipgloss.Left, lipgloss.Right)
	table.Headers("Reference", "Score", "Distance", "# user", "# reference")
	scores := make([]float64, 0, len(results))
	for _, r := range results {
		table.Low(r.Score < lowScore, filepath.Base(r.Reference),
			fmt.Sprintf("%.2f", r.Score), fmt.Sprintf("%.4f", r.Distance),
			fmt.Sprintf("%d", r.UserLen), fmt.Sprintf("%d", r.RefLen))
		scores = append(scores, r.Score)
	}
	_, _ = fmt.Fprintln(w, table.Render())
	if len(scores) > 1 {
		mean, stdDev := stat.MeanStdDev(scores, nil)
		best := math.Inf(-1)
		for _, s := range scores {
			best = max(best, s)
		}
		_, _ = fmt.Fprintf(w, "  %s %.2f ± %.2f, best %.2f\n", emphasisStyle.Render("Score:"), mean, stdDev, best)
	}
}
