// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// state of a recurrent cell for a group of sequences. cell is only used by LSTM, and is nil otherwise.
type state struct {
	hidden, cell *Node
}

// cell implements the update of one recurrent cell type.
//
// projX and projH are the projections (biases included) of the input and of the previous hidden state,
// both shaped [numGates, n, hiddenSize], where n is the number of active sequences.
type cell interface {
	step(projX, projH *Node, prev state) state
	hasCellState() bool
}

func newCell(cellType CellType) cell {
	switch cellType {
	case CellLSTM:
		return lstmCell{}
	case CellGRU:
		return gruCell{}
	case CellRNNTanh:
		return simpleCell{activation: Tanh}
	case CellRNNRelu:
		return simpleCell{activation: activations.Relu}
	default:
		Panicf("unknown recurrent cell type %s", cellType)
		return nil
	}
}

// gate returns the gateIdx projection from p shaped [numGates, n, hiddenSize].
func gate(p *Node, gateIdx int) *Node {
	return Squeeze(Slice(p, AxisElem(gateIdx)), 0)
}

// simpleCell is the Elman cell: h' = activation(W x + b_x + U h + b_h).
type simpleCell struct {
	activation func(x *Node) *Node
}

func (c simpleCell) step(projX, projH *Node, _ state) state {
	return state{hidden: c.activation(Add(gate(projX, 0), gate(projH, 0)))}
}

func (simpleCell) hasCellState() bool { return false }

// gruCell gates, in order: update (z), reset (r) and new (n).
//
//	z = σ(x_z + h_z); r = σ(x_r + h_r); n = tanh(x_n + r * h_n); h' = (1-z) * n + z * h
type gruCell struct{}

func (gruCell) step(projX, projH *Node, prev state) state {
	z := Sigmoid(Add(gate(projX, 0), gate(projH, 0)))
	r := Sigmoid(Add(gate(projX, 1), gate(projH, 1)))
	n := Tanh(Add(gate(projX, 2), Mul(r, gate(projH, 2))))
	return state{hidden: Add(Mul(OneMinus(z), n), Mul(z, prev.hidden))}
}

func (gruCell) hasCellState() bool { return false }

// lstmCell gates, in order: input (i), output (o), forget (f) and cell update (c).
// It's the same order used by the lstm package, so weights can be shared.
type lstmCell struct{}

func (lstmCell) step(projX, projH *Node, prev state) state {
	i := Sigmoid(Add(gate(projX, 0), gate(projH, 0)))
	o := Sigmoid(Add(gate(projX, 1), gate(projH, 1)))
	f := Sigmoid(Add(gate(projX, 2), gate(projH, 2)))
	c := Tanh(Add(gate(projX, 3), gate(projH, 3)))
	cellState := Add(Mul(f, prev.cell), Mul(i, c))
	return state{hidden: Mul(o, Tanh(cellState)), cell: cellState}
}

func (lstmCell) hasCellState() bool { return true }
