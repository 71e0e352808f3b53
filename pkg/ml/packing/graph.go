// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package packing

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// indicesNode converts a list of indices to a constant shaped [len(indices), 1], as expected by Gather and Scatter.
func indicesNode(g *Graph, indices []int) *Node {
	values := make([][]int32, len(indices))
	for ii, idx := range indices {
		values[ii] = []int32{int32(idx)}
	}
	return Const(g, values)
}

// Compact x shaped [batchSize, maxLen, <features...>] into the packed arena shaped [numValid, <features...>],
// dropping the padding positions.
//
// See Restore for the inverse transform.
func Compact(x *Node, layout *Layout) *Node {
	if x.Rank() < 2 || x.Shape().Dimensions[0] != layout.batchSize || x.Shape().Dimensions[1] != layout.maxLen {
		Panicf("packing.Compact requires x shaped [batchSize=%d, maxLen=%d, ...], got x.shape=%s",
			layout.batchSize, layout.maxLen, x.Shape())
	}
	g := x.Graph()
	flatDims := make([]int, 0, x.Rank()-1)
	flatDims = append(flatDims, layout.batchSize*layout.maxLen)
	flatDims = append(flatDims, x.Shape().Dimensions[2:]...)
	flat := Reshape(x, flatDims...)
	return Gather(flat, indicesNode(g, layout.arenaIndices), false)
}

// Restore the packed arena shaped [numValid, <features...>] to the dense padded representation
// shaped [batchSize, maxLen, <features...>], in the original batch order.
//
// Padding positions are filled with zeros.
func Restore(packed *Node, layout *Layout) *Node {
	if packed.Rank() < 1 || packed.Shape().Dimensions[0] != layout.numValid {
		Panicf("packing.Restore requires packed shaped [numValid=%d, ...], got packed.shape=%s",
			layout.numValid, packed.Shape())
	}
	g := packed.Graph()
	featureDims := packed.Shape().Dimensions[1:]
	flatDims := make([]int, 0, packed.Rank())
	flatDims = append(flatDims, layout.batchSize*layout.maxLen)
	flatDims = append(flatDims, featureDims...)
	flat := Scatter(indicesNode(g, layout.arenaIndices), packed, shapes.Make(packed.DType(), flatDims...), false, true)

	denseDims := make([]int, 0, packed.Rank()+1)
	denseDims = append(denseDims, layout.batchSize, layout.maxLen)
	denseDims = append(denseDims, featureDims...)
	return Reshape(flat, denseDims...)
}

// ValidMask returns a constant boolean mask shaped [batchSize, maxLen], set to true on the valid positions.
func ValidMask(g *Graph, layout *Layout) *Node {
	mask := make([][]bool, layout.batchSize)
	for b, length := range layout.lengths {
		mask[b] = make([]bool, layout.maxLen)
		for t := range length {
			mask[b][t] = true
		}
	}
	return Const(g, mask)
}

// Reorder x shaped [batchSize, ...], whose rows are in the arena's sorted order (longest sequences first),
// back to the original batch order.
//
// It's used for per-sequence values computed on the arena, like the final states of a recurrent layer.
func Reorder(x *Node, layout *Layout) *Node {
	if x.Rank() < 1 || x.Shape().Dimensions[0] != layout.batchSize {
		Panicf("packing.Reorder requires x shaped [batchSize=%d, ...], got x.shape=%s", layout.batchSize, x.Shape())
	}
	if isIdentity(layout.sortedIndices) {
		return x
	}
	return Gather(x, indicesNode(x.Graph(), layout.sortedPositions), false)
}

func isIdentity(permutation []int) bool {
	for ii, v := range permutation {
		if ii != v {
			return false
		}
	}
	return true
}
