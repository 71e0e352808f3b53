// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package packing implements a compact ("packed") representation of batches of variable-length
// sequences, and the paired transforms to move between the dense padded representation and it.
//
// A batch shaped [batchSize, maxLen, ...] where only a prefix of each sequence is valid is compacted
// to a flat arena of [numValid, ...] rows, organized time-major: first the valid rows of time step 0
// of all sequences, then the valid rows of time step 1, and so on. Within a time step, sequences
// are ordered by decreasing length, so the sequences still active at step t are always the
// first BatchSizes()[t] ones. Recurrent layers can then process step t by taking one contiguous
// range of rows, without ever computing on padding.
//
// Because GoMLX requires static shapes, the Layout is computed on the host (Go) side from the
// lengths, and it is baked into the computation graph as constant indices.
//
// The arena is described by Layout, and the transforms are Compact and Restore. They satisfy:
//
//	Restore(Compact(x, layout), layout) == Where(ValidMask(g, layout), x, 0)
package packing

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// ErrInvalidLengths is returned (wrapped with details) when sequence lengths can't describe a valid layout.
var ErrInvalidLengths = errors.New("invalid sequence lengths")

// Layout describes how a batch of variable-length sequences maps to the packed arena.
//
// It is immutable once created, and can be shared.
type Layout struct {
	batchSize, maxLen int
	lengths           []int

	// sortedIndices[k] is the batch index of the k-th longest sequence.
	sortedIndices []int
	// sortedPositions is the inverse of sortedIndices: position in the sorted order of each batch element.
	sortedPositions []int

	// batchSizes[t] is the number of sequences active at time t, offsets[t] the arena row where
	// time t starts. Both have length numSteps.
	batchSizes, offsets []int
	numValid            int

	// arenaIndices[row] is the flat index (b*maxLen + t) of the dense position stored in the arena row.
	arenaIndices []int
	dense        bool
}

// NewLayout creates a Layout for a batch with the given sequence lengths, padded to maxLen.
//
// Each length must be in the range [1, maxLen], and there must be at least one sequence.
// The lengths don't need to be sorted.
func NewLayout(lengths []int, maxLen int) (*Layout, error) {
	if len(lengths) == 0 {
		return nil, errors.Wrap(ErrInvalidLengths, "no sequences given")
	}
	if maxLen <= 0 {
		return nil, errors.Wrapf(ErrInvalidLengths, "maxLen must be > 0, got %d", maxLen)
	}
	for b, length := range lengths {
		if length < 1 || length > maxLen {
			return nil, errors.Wrapf(ErrInvalidLengths,
				"length of sequence #%d is %d, it must be in the range [1, %d]", b, length, maxLen)
		}
	}
	l := &Layout{
		batchSize: len(lengths),
		maxLen:    maxLen,
		lengths:   slices.Clone(lengths),
	}
	l.build()
	return l, nil
}

// LayoutFrom is like NewLayout, but takes lengths of any integer type, as usually read from tensors.
func LayoutFrom[T constraints.Integer](lengths []T, maxLen int) (*Layout, error) {
	intLengths := make([]int, len(lengths))
	for ii, length := range lengths {
		intLengths[ii] = int(length)
	}
	return NewLayout(intLengths, maxLen)
}

// DenseLayout returns the Layout where all batchSize sequences use all maxLen steps.
//
// It panics if batchSize or maxLen are not positive.
func DenseLayout(batchSize, maxLen int) *Layout {
	if batchSize <= 0 || maxLen <= 0 {
		panic(errors.Wrapf(ErrInvalidLengths, "dense layout requires positive dimensions, got batchSize=%d, maxLen=%d",
			batchSize, maxLen))
	}
	lengths := make([]int, batchSize)
	for ii := range lengths {
		lengths[ii] = maxLen
	}
	l := &Layout{batchSize: batchSize, maxLen: maxLen, lengths: lengths}
	l.build()
	return l
}

// build the sorted order and the arena indices from lengths.
func (l *Layout) build() {
	l.sortedIndices = make([]int, l.batchSize)
	for ii := range l.sortedIndices {
		l.sortedIndices[ii] = ii
	}
	slices.SortStableFunc(l.sortedIndices, func(a, b int) int {
		return l.lengths[b] - l.lengths[a]
	})
	l.sortedPositions = make([]int, l.batchSize)
	for pos, b := range l.sortedIndices {
		l.sortedPositions[b] = pos
	}

	numSteps := l.lengths[l.sortedIndices[0]]
	l.batchSizes = make([]int, numSteps)
	l.offsets = make([]int, numSteps)
	l.dense = true
	for _, length := range l.lengths {
		l.numValid += length
		if length != l.maxLen {
			l.dense = false
		}
	}
	l.arenaIndices = make([]int, 0, l.numValid)
	for t := range numSteps {
		l.offsets[t] = len(l.arenaIndices)
		for _, b := range l.sortedIndices {
			if l.lengths[b] <= t {
				// Sorted by length: all the following sequences are also finished.
				break
			}
			l.arenaIndices = append(l.arenaIndices, b*l.maxLen+t)
		}
		l.batchSizes[t] = len(l.arenaIndices) - l.offsets[t]
	}
}

// BatchSize is the number of sequences.
func (l *Layout) BatchSize() int { return l.batchSize }

// MaxLen is the padded (dense) length of the sequences.
func (l *Layout) MaxLen() int { return l.maxLen }

// NumValid is the number of valid (non-padding) positions, the number of rows in the arena.
func (l *Layout) NumValid() int { return l.numValid }

// NumSteps is the number of time steps with at least one active sequence: the longest length.
func (l *Layout) NumSteps() int { return len(l.batchSizes) }

// IsDense returns whether all sequences use all maxLen steps.
func (l *Layout) IsDense() bool { return l.dense }

// Lengths returns a copy of the lengths of the sequences, in the original batch order.
func (l *Layout) Lengths() []int { return slices.Clone(l.lengths) }

// BatchSizes returns a copy of the number of active sequences at each time step.
// It's non-increasing, and has NumSteps elements.
func (l *Layout) BatchSizes() []int { return slices.Clone(l.batchSizes) }

// Offsets returns a copy of the arena row where each time step starts.
func (l *Layout) Offsets() []int { return slices.Clone(l.offsets) }

// SortedIndices returns a copy of the batch indices ordered by decreasing length (ties keep the batch order).
// This is the order in which sequences are stored within each time step of the arena.
func (l *Layout) SortedIndices() []int { return slices.Clone(l.sortedIndices) }

// ArenaIndices returns a copy of the flat dense index (batchIdx*maxLen + timeIdx) of each arena row.
func (l *Layout) ArenaIndices() []int { return slices.Clone(l.arenaIndices) }

// StepRange returns the range of arena rows [start, end) holding time step t.
func (l *Layout) StepRange(t int) (start, end int) {
	return l.offsets[t], l.offsets[t] + l.batchSizes[t]
}

// Key returns a string that uniquely identifies the layout, suitable to index caches.
func (l *Layout) Key() string {
	if l.dense {
		return fmt.Sprintf("dense[%d,%d]", l.batchSize, l.maxLen)
	}
	parts := make([]string, l.batchSize)
	for ii, length := range l.lengths {
		parts[ii] = strconv.Itoa(length)
	}
	return fmt.Sprintf("packed[%d,%d]:%s", l.batchSize, l.maxLen, strings.Join(parts, ","))
}

// String implements fmt.Stringer.
func (l *Layout) String() string {
	return fmt.Sprintf("Layout(batch=%d, maxLen=%d, numValid=%d, lengths=%v)",
		l.batchSize, l.maxLen, l.numValid, l.lengths)
}
