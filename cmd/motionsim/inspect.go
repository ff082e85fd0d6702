// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/motionsim/pkg/artifact"
	"github.com/gomlx/motionsim/pkg/stgcn"
	"github.com/pkg/errors"
)

// runInspect prints the metadata, size and hyperparameters of the model artifact at path, and optionally
// its variables.
func runInspect(w io.Writer, path string, listVars bool) error {
	if path == "" {
		return errors.New("inspect requires -model")
	}
	ctx, meta, err := artifact.Load(path)
	if err != nil {
		return err
	}
	modelCtx := ctx.In(stgcn.ModelScope)
	Summary(w, meta, modelCtx)
	Params(w, ctx)
	if listVars {
		ListVariables(w, modelCtx)
	}
	return nil
}

// Summary prints the artifact metadata and the size of the model under the scope of ctx.
func Summary(w io.Writer, meta *artifact.Metadata, ctx *context.Context) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Row("name", meta.Name)
	table.Row("model type", meta.ModelType)
	table.Row("path", meta.Path)
	if meta.ExerciseID != "" {
		table.Row("exercise", meta.ExerciseID)
	}
	table.Row("final loss", fmt.Sprintf("%.4f", meta.FinalLoss))
	table.Row("epochs trained", humanize.Comma(int64(meta.EpochsTrained)))
	if !meta.CreatedAt.IsZero() {
		table.Row("created", fmt.Sprintf("%s (%s)", meta.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(meta.CreatedAt)))
	}

	var numVars, totalSize int
	var totalMemory uintptr
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		totalSize += v.Shape().Size()
		totalMemory += v.Shape().Memory()
	})
	table.Row("scope", ctx.Scope())
	table.Row("# variables", humanize.Comma(int64(numVars)))
	table.Row("# parameters", humanize.Comma(int64(totalSize)))
	table.Row("# bytes", humanize.Bytes(uint64(totalMemory)))
	_, _ = fmt.Fprintln(w, table.Render())
}

// Params prints the hyperparameters stored with the model.
func Params(w io.Writer, ctx *context.Context) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	table := newTable()
	table.Headers("Scope", "Name", "Type", "Value")
	var rows [][]string
	ctx.EnumerateParams(func(scope, key string, value any) {
		rows = append(rows, []string{scope, key, fmt.Sprintf("%T", value), fmt.Sprintf("%v", value)})
	})
	sortRows(rows)
	for _, row := range rows {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// ListVariables prints the variables under the scope of ctx, with their shapes and sizes.
func ListVariables(w io.Writer, ctx *context.Context) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())))
	table := newTable()
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes")
	var rows [][]string
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		shape := v.Shape()
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
		})
	})
	sortRows(rows)
	for _, row := range rows {
		table.Row(row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// sortRows by their first two columns.
func sortRows(rows [][]string) {
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
}
