// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package artifact saves and loads trained encoder snapshots.
//
// An artifact is a directory holding a GoMLX checkpoint of the encoder variables and hyperparameters,
// plus a small metadata.json record. Artifacts are written to a staging directory and then renamed
// into place, so readers never observe a partially written artifact.
package artifact

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ModelType identifies the kind of model stored in an artifact.
const ModelType = "STGCN_SimCLR"

// MetadataFileName is the name of the metadata record inside an artifact directory.
const MetadataFileName = "metadata.json"

// Metadata describes a trained artifact.
type Metadata struct {
	Name          string    `json:"name"`
	ModelType     string    `json:"model_type"`
	Path          string    `json:"path"`
	ExerciseID    string    `json:"exercise_id,omitempty"`
	FinalLoss     float64   `json:"final_loss"`
	EpochsTrained int       `json:"epochs_trained"`
	CreatedAt     time.Time `json:"created_at"`
}

// ErrNotFound is returned by Load when there is no artifact at the given path.
var ErrNotFound = errors.New("model artifact not found")

// Save writes a snapshot of the variables and hyperparameters of ctx to path, along with meta.
// Name, ModelType, Path and CreatedAt are filled in if empty.
//
// Any previous artifact at path is replaced only after the new one is completely written.
func Save(ctx *context.Context, path string, meta Metadata) (*Metadata, error) {
	path = filepath.Clean(path)
	if meta.Name == "" {
		meta.Name = filepath.Base(path)
	}
	if meta.ModelType == "" {
		meta.ModelType = ModelType
	}
	meta.Path = path
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	// The checkpoint handler attaches itself to the context it saves: use a snapshot so the
	// caller's context is left untouched.
	snapshot, err := ctx.Clone()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to snapshot model for %q", path)
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create parent directory of %q", path)
	}
	staging := path + ".tmp-" + uuid.NewString()
	defer func() { _ = os.RemoveAll(staging) }()

	handler, err := checkpoints.Build(snapshot).Dir(staging).Keep(1).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create checkpoint in %q", staging)
	}
	if err = handler.Save(); err != nil {
		return nil, errors.WithMessagef(err, "failed to save checkpoint in %q", staging)
	}
	if err = writeMetadata(staging, &meta); err != nil {
		return nil, err
	}
	if err = publish(staging, path); err != nil {
		return nil, err
	}
	klog.V(1).Infof("saved model artifact %q (%s, loss=%.4f)", path, humanize.Bytes(uint64(dirSize(path))), meta.FinalLoss)
	return &meta, nil
}

// publish replaces path with the staging directory, keeping the old artifact until the rename succeeds.
func publish(staging, path string) error {
	var old string
	if _, err := os.Stat(path); err == nil {
		old = path + ".old-" + uuid.NewString()
		if err = os.Rename(path, old); err != nil {
			return errors.Wrapf(err, "failed to move previous artifact %q aside", path)
		}
	}
	if err := os.Rename(staging, path); err != nil {
		if old != "" {
			_ = os.Rename(old, path)
		}
		return errors.Wrapf(err, "failed to publish artifact %q", path)
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			klog.Warningf("failed to remove previous artifact %q: %v", old, err)
		}
	}
	return nil
}

// Load reads the artifact at path into a new context. It returns ErrNotFound (wrapped) if there is no
// artifact there.
func Load(path string) (*context.Context, *Metadata, error) {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return nil, nil, errors.Wrapf(ErrNotFound, "no artifact directory at %q", path)
	}
	meta, err := ReadMetadata(path)
	if err != nil {
		return nil, nil, err
	}
	ctx := context.New()
	if _, err = checkpoints.Load(ctx).Dir(path).Immediate().Done(); err != nil {
		return nil, nil, errors.WithMessagef(err, "failed to load model artifact %q", path)
	}
	return ctx, meta, nil
}

// ReadMetadata reads only the metadata record of the artifact at path.
func ReadMetadata(path string) (*Metadata, error) {
	contents, err := os.ReadFile(filepath.Join(path, MetadataFileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(ErrNotFound, "no %s in %q", MetadataFileName, path)
		}
		return nil, errors.Wrapf(err, "failed to read metadata of %q", path)
	}
	meta := &Metadata{}
	if err = json.Unmarshal(contents, meta); err != nil {
		return nil, errors.Wrapf(err, "failed to parse metadata of %q", path)
	}
	return meta, nil
}

func writeMetadata(dir string, meta *Metadata) error {
	contents, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode artifact metadata")
	}
	return errors.Wrapf(os.WriteFile(filepath.Join(dir, MetadataFileName), contents, 0o644),
		"failed to write metadata in %q", dir)
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
