// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package motion defines pose frames and motion sequences, and converts them to the
// channels-first tensor layout [channels, time, joints] consumed by the encoder.
package motion

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/motionsim/pkg/skeleton"
	"github.com/pkg/errors"
)

// NumChannels is the number of coordinates per joint: x, y and z, in this order.
const NumChannels = 3

// Channel indices.
const (
	ChannelX = iota
	ChannelY
	ChannelZ
)

// Frame holds the (x, y, z) coordinates of every joint at one instant.
type Frame [skeleton.NumJoints][NumChannels]float32

// Sequence is an ordered list of frames of one clip. Its order is meaningful and must be preserved.
type Sequence []Frame

// Landmark is one per-joint record as produced by the pose-extraction collaborator.
type Landmark struct {
	JointIndex int     `json:"joint_index"`
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Z          float32 `json:"z"`
	Confidence float32 `json:"confidence"`
}

// FrameFromLandmarks fills a frame with the first skeleton.NumJoints landmarks, in the order given.
// Joint indices and confidences of the records are ignored; missing joints stay at the origin.
func FrameFromLandmarks(landmarks []Landmark) Frame {
	var f Frame
	for ii, lm := range landmarks {
		if ii >= skeleton.NumJoints {
			break
		}
		f[ii] = [NumChannels]float32{lm.X, lm.Y, lm.Z}
	}
	return f
}

// SequenceFromLandmarks converts per-frame landmark lists to a Sequence.
func SequenceFromLandmarks(frames [][]Landmark) Sequence {
	seq := make(Sequence, len(frames))
	for ii, lms := range frames {
		seq[ii] = FrameFromLandmarks(lms)
	}
	return seq
}

// Len returns the number of frames.
func (s Sequence) Len() int { return len(s) }

// Clone returns a deep copy of the sequence.
func (s Sequence) Clone() Sequence {
	if s == nil {
		return nil
	}
	c := make(Sequence, len(s))
	copy(c, s)
	return c
}

// Window returns a copy of the frames [start, start+length).
func (s Sequence) Window(start, length int) (Sequence, error) {
	if start < 0 || length < 0 || start+length > len(s) {
		return nil, errors.Errorf("window [%d, %d) out of range for sequence of %d frames", start, start+length, len(s))
	}
	return s[start : start+length].Clone(), nil
}

// PadRepeatLast returns a copy of the sequence extended to length frames by repeating its last frame.
// Sequences already at least length long are copied unchanged. An empty sequence is padded with
// frames at the origin.
func (s Sequence) PadRepeatLast(length int) Sequence {
	out := make(Sequence, max(len(s), length))
	copy(out, s)
	var last Frame
	if len(s) > 0 {
		last = s[len(s)-1]
	}
	for ii := len(s); ii < len(out); ii++ {
		out[ii] = last
	}
	return out
}

// PadZeros returns a copy of the sequence extended to length frames by appending frames at the origin.
func (s Sequence) PadZeros(length int) Sequence {
	out := make(Sequence, max(len(s), length))
	copy(out, s)
	return out
}

// FlatIndex returns the position of (channel, frame, joint) in the flat [channels, time, joints] layout.
func FlatIndex(channel, frame, joint, numFrames int) int {
	return (channel*numFrames+frame)*skeleton.NumJoints + joint
}

// AppendFlat appends the sequence in [channels, time, joints] order to buf and returns the extended buffer.
func (s Sequence) AppendFlat(buf []float32) []float32 {
	numFrames := len(s)
	base := len(buf)
	buf = append(buf, make([]float32, NumChannels*numFrames*skeleton.NumJoints)...)
	for t, frame := range s {
		for v := range skeleton.NumJoints {
			for c := range NumChannels {
				buf[base+FlatIndex(c, t, v, numFrames)] = frame[v][c]
			}
		}
	}
	return buf
}

// BatchTensor stacks equal-length sequences into a float32 tensor shaped [batch, channels, time, joints].
func BatchTensor(seqs []Sequence) (*tensors.Tensor, error) {
	if len(seqs) == 0 {
		return nil, errors.New("cannot build a tensor from an empty batch")
	}
	numFrames := len(seqs[0])
	if numFrames == 0 {
		return nil, errors.New("cannot build a tensor from empty sequences")
	}
	flat := make([]float32, 0, len(seqs)*NumChannels*numFrames*skeleton.NumJoints)
	for ii, seq := range seqs {
		if len(seq) != numFrames {
			return nil, errors.Errorf("sequence #%d has %d frames, expected %d like the first one", ii, len(seq), numFrames)
		}
		flat = seq.AppendFlat(flat)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(seqs), NumChannels, numFrames, skeleton.NumJoints), nil
}
