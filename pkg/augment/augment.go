// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package augment generates randomized views of motion sequences for contrastive training.
//
// Each view is built by, in order: temporal crop or zero-padding to a fixed length, random scaling,
// Gaussian jitter and x-axis mirroring. The last three steps are independent Bernoulli draws.
package augment

import (
	"math/rand/v2"

	"github.com/gomlx/motionsim/pkg/motion"
	"github.com/gomlx/motionsim/pkg/skeleton"
	"github.com/pkg/errors"
)

// Config of the augmentation pipeline.
type Config struct {
	// TargetFrames is the length of every generated view.
	TargetFrames int

	// ScaleProb is the probability of multiplying all coordinates by a factor drawn from [ScaleMin, ScaleMax].
	ScaleProb, ScaleMin, ScaleMax float64

	// JitterProb is the probability of adding N(0, JitterStdDev) noise to every coordinate.
	JitterProb, JitterStdDev float64

	// MirrorProb is the probability of negating the x coordinate of every joint.
	MirrorProb float64
}

// DefaultConfig returns the configuration used for training.
func DefaultConfig() Config {
	return Config{
		TargetFrames: 32,
		ScaleProb:    0.5,
		ScaleMin:     0.8,
		ScaleMax:     1.2,
		JitterProb:   0.5,
		JitterStdDev: 0.01,
		MirrorProb:   0.5,
	}
}

// NoAugmentation returns a configuration that only aligns the sequence length.
func NoAugmentation(targetFrames int) Config {
	return Config{TargetFrames: targetFrames, ScaleMin: 1, ScaleMax: 1}
}

// Validate the configuration.
func (c Config) Validate() error {
	if c.TargetFrames <= 0 {
		return errors.Errorf("augmentation target frames must be > 0, got %d", c.TargetFrames)
	}
	for _, p := range []float64{c.ScaleProb, c.JitterProb, c.MirrorProb} {
		if p < 0 || p > 1 {
			return errors.Errorf("augmentation probabilities must be in [0, 1], got %g", p)
		}
	}
	if c.ScaleMin > c.ScaleMax {
		return errors.Errorf("augmentation scale range [%g, %g] is empty", c.ScaleMin, c.ScaleMax)
	}
	if c.JitterStdDev < 0 {
		return errors.Errorf("augmentation jitter standard deviation must be >= 0, got %g", c.JitterStdDev)
	}
	return nil
}

// Augmenter generates views. It is not safe for concurrent use.
type Augmenter struct {
	config Config
	rng    *rand.Rand
}

// New creates an Augmenter with its own random number generator seeded with seed.
func New(config Config, seed uint64) (*Augmenter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Augmenter{
		config: config,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Config returns the configuration of the Augmenter.
func (a *Augmenter) Config() Config { return a.config }

// Pair returns two independently augmented views of seq: a positive pair for contrastive learning.
func (a *Augmenter) Pair(seq motion.Sequence) (motion.Sequence, motion.Sequence) {
	return a.View(seq), a.View(seq)
}

// View returns one augmented view of seq with exactly Config.TargetFrames frames. The input is not modified.
func (a *Augmenter) View(seq motion.Sequence) motion.Sequence {
	view := a.align(seq)
	if a.rng.Float64() < a.config.ScaleProb {
		factor := float32(a.config.ScaleMin + a.rng.Float64()*(a.config.ScaleMax-a.config.ScaleMin))
		transform(view, func(_ int, x float32) float32 { return x * factor })
	}
	if a.rng.Float64() < a.config.JitterProb {
		stdDev := a.config.JitterStdDev
		transform(view, func(_ int, x float32) float32 { return x + float32(a.rng.NormFloat64()*stdDev) })
	}
	if a.rng.Float64() < a.config.MirrorProb {
		transform(view, func(channel int, x float32) float32 {
			if channel == motion.ChannelX {
				return -x
			}
			return x
		})
	}
	return view
}

// align crops a random contiguous window or zero-pads at the tail.
func (a *Augmenter) align(seq motion.Sequence) motion.Sequence {
	target := a.config.TargetFrames
	if len(seq) > target {
		start := a.rng.IntN(len(seq) - target + 1)
		return seq[start : start+target].Clone()
	}
	return seq.PadZeros(target)
}

func transform(seq motion.Sequence, fn func(channel int, x float32) float32) {
	for t := range seq {
		for v := range skeleton.NumJoints {
			for c := range motion.NumChannels {
				seq[t][v][c] = fn(c, seq[t][v][c])
			}
		}
	}
}
