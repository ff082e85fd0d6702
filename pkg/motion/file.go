// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package motion

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gomlx/motionsim/pkg/skeleton"
	"github.com/pkg/errors"
)

// clipFile is the on-disk JSON representation of a clip. Exactly one of Frames or Landmarks is expected.
type clipFile struct {
	Frames    []Frame      `json:"frames,omitempty"`
	Landmarks [][]Landmark `json:"landmarks,omitempty"`
}

// rawClipFile is clipFile with unsized frames, so their shape can be checked.
type rawClipFile struct {
	Frames    [][][]float32 `json:"frames,omitempty"`
	Landmarks [][]Landmark  `json:"landmarks,omitempty"`
}

// Decode reads one clip in JSON format from r.
//
// Two forms are accepted: {"frames": [[[x,y,z], ...25 joints], ...]} or the landmark form
// {"landmarks": [[{"joint_index": 0, "x": ..., "y": ..., "z": ..., "confidence": ...}, ...], ...]}.
// In the "frames" form every frame must have exactly 25 joints of 3 coordinates.
func Decode(r io.Reader) (Sequence, error) {
	var clip rawClipFile
	if err := json.NewDecoder(r).Decode(&clip); err != nil {
		return nil, errors.Wrap(err, "failed to decode motion clip")
	}
	if len(clip.Frames) > 0 && len(clip.Landmarks) > 0 {
		return nil, errors.New("motion clip has both \"frames\" and \"landmarks\"")
	}
	if len(clip.Landmarks) > 0 {
		return SequenceFromLandmarks(clip.Landmarks), nil
	}
	return framesToSequence(clip.Frames)
}

func framesToSequence(frames [][][]float32) (Sequence, error) {
	seq := make(Sequence, len(frames))
	for t, frame := range frames {
		if len(frame) != skeleton.NumJoints {
			return nil, errors.Errorf("motion clip frame %d has %d joints, expected %d", t, len(frame), skeleton.NumJoints)
		}
		for v, joint := range frame {
			if len(joint) != NumChannels {
				return nil, errors.Errorf("motion clip frame %d, joint %d has %d coordinates, expected %d",
					t, v, len(joint), NumChannels)
			}
			copy(seq[t][v][:], joint)
		}
	}
	return seq, nil
}

// Encode writes the sequence to w in the "frames" JSON form.
func Encode(w io.Writer, seq Sequence) error {
	return errors.Wrap(json.NewEncoder(w).Encode(clipFile{Frames: seq}), "failed to encode motion clip")
}

// ReadFile reads a clip from a JSON file.
func ReadFile(path string) (Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open motion clip")
	}
	defer func() { _ = f.Close() }()
	seq, err := Decode(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	return seq, nil
}

// WriteFile writes a clip to a JSON file.
func WriteFile(path string, seq Sequence) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create motion clip file")
	}
	if err = Encode(f, seq); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}

// ReadDir reads every "*.json" clip in dir, sorted by file name. Empty clips are skipped.
func ReadDir(dir string) ([]Sequence, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list motion clips")
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	slices.Sort(names)
	seqs := make([]Sequence, 0, len(names))
	for _, name := range names {
		seq, err := ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if len(seq) == 0 {
			continue
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}
