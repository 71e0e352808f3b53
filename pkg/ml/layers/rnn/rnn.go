// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rnn implements multi-layer recurrent networks (LSTM, GRU and plain RNNs with tanh or ReLU),
// running over batches of variable-length sequences without computing on padding.
//
// The sequences are processed in the packed representation of the packing package: at each time step
// only the sequences still active are computed, as one contiguous block of rows.
//
// As with the lstm package, GoMLX has no loops in the graph here: each time step of each layer is
// instantiated as its own graph nodes, so the graph grows with the sequence length.
//
// Example:
//
//	outputs, lastHidden, lastCell := rnn.New(ctx.In("rnn"), x, 64).
//		CellType(rnn.CellGRU).
//		NumLayers(2).
//		InterLayerDropout(0.2).
//		Done()
package rnn

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/rnnlm/pkg/ml/packing"
)

// RNN holds the configuration of a stack of recurrent layers. It's created with New or NewPacked,
// and once configured it is applied with Done.
type RNN struct {
	ctx        *context.Context
	x          *Node
	layout     *packing.Layout
	isPacked   bool
	hiddenSize int

	cellType          CellType
	numLayers         int
	interLayerDropout float64
}

// New creates a recurrent stack to be configured and then applied to x, shaped [batchSize, sequenceSize, featuresSize].
// All sequences are assumed to use the full sequenceSize.
//
// Once configured, call RNN.Done to build it.
func New(ctx *context.Context, x *Node, hiddenSize int) *RNN {
	if x.Rank() != 3 {
		Panicf("rnn.New requires x shaped [batchSize, sequenceSize, featuresSize], got x.shape=%s", x.Shape())
	}
	return &RNN{
		ctx:        ctx,
		x:          x,
		layout:     packing.DenseLayout(x.Shape().Dim(0), x.Shape().Dim(1)),
		hiddenSize: hiddenSize,
		cellType:   CellLSTM,
		numLayers:  1,
	}
}

// NewPacked creates a recurrent stack to be applied to packed, shaped [layout.NumValid(), featuresSize],
// as created by packing.Compact.
//
// RNN.Done will return the outputs also packed.
func NewPacked(ctx *context.Context, packed *Node, layout *packing.Layout, hiddenSize int) *RNN {
	if packed.Rank() != 2 || packed.Shape().Dim(0) != layout.NumValid() {
		Panicf("rnn.NewPacked requires packed shaped [numValid=%d, featuresSize], got packed.shape=%s",
			layout.NumValid(), packed.Shape())
	}
	return &RNN{
		ctx:        ctx,
		x:          packed,
		layout:     layout,
		isPacked:   true,
		hiddenSize: hiddenSize,
		cellType:   CellLSTM,
		numLayers:  1,
	}
}

// CellType configures the type of recurrent cell. Default is CellLSTM.
func (r *RNN) CellType(cellType CellType) *RNN {
	r.cellType = cellType
	return r
}

// NumLayers configures the number of stacked layers: the outputs of one layer are the inputs of the next.
// Default is 1.
func (r *RNN) NumLayers(numLayers int) *RNN {
	r.numLayers = numLayers
	return r
}

// InterLayerDropout configures the dropout rate applied to the outputs of each layer, except the last one.
// It is only applied during training, see context.IsTraining.
//
// Default is 0, no dropout.
func (r *RNN) InterLayerDropout(rate float64) *RNN {
	r.interLayerDropout = rate
	return r
}

// Done builds the recurrent stack. It returns:
//
//   - outputs: the hidden states of the last layer at every valid step, shaped [batchSize, sequenceSize, hiddenSize]
//     if created with New (padding set to zero), or [numValid, hiddenSize] if created with NewPacked.
//   - lastHidden: the hidden state of each layer at the last valid step of each sequence,
//     shaped [numLayers, batchSize, hiddenSize], in the original batch order.
//   - lastCell: for LSTM the cell state, shaped like lastHidden. It is nil for other cell types.
func (r *RNN) Done() (outputs, lastHidden, lastCell *Node) {
	if !r.cellType.IsValid() {
		Panicf("rnn: invalid cell type %s, valid values are %v", r.cellType, CellTypeNames())
	}
	if r.numLayers < 1 {
		Panicf("rnn: NumLayers must be >= 1, got %d", r.numLayers)
	}
	if r.hiddenSize < 1 {
		Panicf("rnn: hiddenSize must be >= 1, got %d", r.hiddenSize)
	}
	if r.interLayerDropout < 0 || r.interLayerDropout >= 1 {
		Panicf("rnn: InterLayerDropout must be in the range [0, 1), got %g", r.interLayerDropout)
	}

	layout := r.layout
	data := r.x
	if !r.isPacked {
		data = packing.Compact(data, layout)
	}
	g := data.Graph()
	c := newCell(r.cellType)

	layerHidden := make([]*Node, r.numLayers)
	var layerCell []*Node
	if c.hasCellState() {
		layerCell = make([]*Node, r.numLayers)
	}
	for layerIdx := range r.numLayers {
		if layerIdx > 0 && r.interLayerDropout > 0 {
			data = layers.Dropout(r.ctx.Inf("dropout_%d", layerIdx-1), data, Scalar(g, data.DType(), r.interLayerDropout))
		}
		var last state
		data, last = r.layer(r.ctx.Inf("layer_%d", layerIdx), c, data)
		layerHidden[layerIdx] = packing.Reorder(last.hidden, layout)
		if layerCell != nil {
			layerCell[layerIdx] = packing.Reorder(last.cell, layout)
		}
	}

	outputs = data
	if !r.isPacked {
		outputs = packing.Restore(outputs, layout)
	}
	lastHidden = Stack(layerHidden, 0)
	if layerCell != nil {
		lastCell = Stack(layerCell, 0)
	}
	return
}

// layer runs one recurrent layer over data shaped [numValid, inputSize].
// It returns the packed hidden states [numValid, hiddenSize] and the final states, in sorted (arena) order.
func (r *RNN) layer(ctx *context.Context, c cell, data *Node) (*Node, state) {
	g := data.Graph()
	dtype := data.DType()
	layout := r.layout
	numGates := r.cellType.NumGates()
	hiddenSize := r.hiddenSize
	batchSize := layout.BatchSize()

	inputsW := ctx.VariableWithShape("inputsW", shapes.Make(dtype, numGates, hiddenSize, data.Shape().Dim(1))).ValueGraph(g)
	recurrentW := ctx.VariableWithShape("recurrentW", shapes.Make(dtype, numGates, hiddenSize, hiddenSize)).ValueGraph(g)
	biasesW := ctx.VariableWithShape("biasesW", shapes.Make(dtype, 2*numGates, hiddenSize)).ValueGraph(g)

	// Input projections of all valid positions at once: n->numValid, f->inputSize, g->numGates, h->hiddenSize.
	projX := Einsum("nf,ghf->gnh", data, inputsW)
	projX = Add(projX, ExpandAxes(Slice(biasesW, AxisRangeFromStart(numGates)), 1))
	biasH := ExpandAxes(Slice(biasesW, AxisRangeToEnd(numGates)), 1)

	current := state{hidden: Zeros(g, shapes.Make(dtype, batchSize, hiddenSize))}
	if c.hasCellState() {
		current.cell = Zeros(g, shapes.Make(dtype, batchSize, hiddenSize))
	}
	steps := make([]*Node, layout.NumSteps())
	for t := range layout.NumSteps() {
		start, end := layout.StepRange(t)
		n := end - start
		prev := state{hidden: firstRows(current.hidden, n)}
		if c.hasCellState() {
			prev.cell = firstRows(current.cell, n)
		}
		stepX := Slice(projX, AxisRange(), AxisRange(start, end))
		projH := Add(Einsum("nh,gjh->gnj", prev.hidden, recurrentW), biasH)
		next := c.step(stepX, projH, prev)
		steps[t] = next.hidden

		// Sequences that already finished keep their last state.
		current.hidden = replaceFirstRows(current.hidden, next.hidden)
		if c.hasCellState() {
			current.cell = replaceFirstRows(current.cell, next.cell)
		}
	}
	return Concatenate(steps, 0), current
}

func firstRows(x *Node, n int) *Node {
	if n == x.Shape().Dim(0) {
		return x
	}
	return Slice(x, AxisRange(0, n))
}

// replaceFirstRows returns x with its first rows replaced by head.
func replaceFirstRows(x, head *Node) *Node {
	n := head.Shape().Dim(0)
	if n == x.Shape().Dim(0) {
		return head
	}
	return Concatenate([]*Node{head, Slice(x, AxisRangeToEnd(n))}, 0)
}
