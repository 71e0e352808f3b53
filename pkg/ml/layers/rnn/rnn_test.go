// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rnn

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/gomlx/rnnlm/pkg/ml/packing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func onesInitializer(g *Graph, shape shapes.Shape) *Node {
	return Ones(g, shape)
}

// linearInitializer creates values evenly spaced from -1.0 to 1.0.
func linearInitializer(g *Graph, shape shapes.Shape) *Node {
	v := IotaFull(g, shape)
	v = MulScalar(v, 2.0/float64(shape.Size()-1))
	return AddScalar(v, -1)
}

func requireFlatInDelta(t *testing.T, want []float64, got *tensors.Tensor, delta float64, msgAndArgs ...any) {
	t.Helper()
	flat := tensors.MustCopyFlatData[float64](got)
	require.Len(t, flat, len(want), msgAndArgs...)
	require.InDeltaSlice(t, want, flat, delta, msgAndArgs...)
}

func TestCells(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	// x = [1, 2], one sequence with one feature, hiddenSize=1 and all weights and biases set to 1.
	for _, tc := range []struct {
		cellType CellType
		outputs  []float64
		lastCell []float64
	}{
		{CellRNNRelu, []float64{3, 7}, nil},
		{CellRNNTanh, []float64{0.9950547536867305, 0.9999083018338208}, nil},
		{CellGRU, []float64{0.0471680689567777, 0.06351900803858457}, nil},
		{CellLSTM, []float64{0.7037753329989016, 0.9501411104964091}, []float64{1.93020958597516}},
	} {
		t.Run(tc.cellType.String(), func(t *testing.T) {
			ctx := context.New().WithInitializer(onesInitializer)
			results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
				x := Const(g, [][][]float64{{{1}, {2}}})
				outputs, lastHidden, lastCell := New(ctx, x, 1).CellType(tc.cellType).Done()
				outputs.AssertDims(1, 2, 1)
				lastHidden.AssertDims(1, 1, 1)
				if tc.lastCell == nil {
					require.Nil(t, lastCell)
					return []*Node{outputs, lastHidden}
				}
				require.NotNil(t, lastCell)
				return []*Node{outputs, lastHidden, lastCell}
			})
			requireFlatInDelta(t, tc.outputs, results[0], 1e-6, "outputs")
			requireFlatInDelta(t, tc.outputs[1:], results[1], 1e-6, "lastHidden")
			if tc.lastCell != nil {
				requireFlatInDelta(t, tc.lastCell, results[2], 1e-6, "lastCell")
			}
		})
	}
}

// Same setup as the lstm package test: the second example is the first one reversed in time.
func lstmTestInput(g *Graph) *Node {
	return Const(g, [][][]float32{
		{{0.1, 0.2}, {0.3, 0.4}, {0.5, 0.6}, {0.7, 0.8}},
		{{0.7, 0.8}, {0.5, 0.6}, {0.3, 0.4}, {0.1, 0.2}},
	})
}

func TestLSTMKnownValues(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(linearInitializer)
	results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		_, lastHidden, lastCell := New(ctx, lstmTestInput(g), 3).Done()
		return []*Node{lastHidden, lastCell}
	})
	hiddenForward := []float32{0.0369643, 0.09801698, 0.21440339}
	hiddenReverse := []float32{0.07546426, 0.1404648, 0.23588456}
	cellForward := []float32{0.16458873, 0.31134608, 0.53026175}
	cellReverse := []float32{0.23274383, 0.37023422, 0.5559477}
	require.InDeltaSlice(t, append(hiddenForward, hiddenReverse...), tensors.MustCopyFlatData[float32](results[0]), 1e-4)
	require.InDeltaSlice(t, append(cellForward, cellReverse...), tensors.MustCopyFlatData[float32](results[1]), 1e-4)
}

// TestLSTMMatchesReference compares the packed LSTM with the lstm package run densely on each sequence
// truncated to its length.
func TestLSTMMatchesReference(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New().WithInitializer(linearInitializer)
	lengths := []int{3, 4}
	layout, err := packing.NewLayout(lengths, 4)
	require.NoError(t, err)
	const hiddenSize = 3

	results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := lstmTestInput(g)
		packed, lastHidden, lastCell := NewPacked(ctx, packing.Compact(x, layout), layout, hiddenSize).Done()
		outputs := packing.Restore(packed, layout)

		// Reference: same weights as created by linearInitializer, with a leading directions axis.
		inputsW := ExpandAxes(linearInitializer(g, shapes.Make(dtypes.Float32, 4, hiddenSize, 2)), 0)
		recurrentW := ExpandAxes(linearInitializer(g, shapes.Make(dtypes.Float32, 4, hiddenSize, hiddenSize)), 0)
		biasesW := ExpandAxes(linearInitializer(g, shapes.Make(dtypes.Float32, 8, hiddenSize)), 0)
		var diffs []*Node
		for b, length := range lengths {
			sequence := Slice(x, AxisElem(b), AxisRange(0, length))
			allHidden, wantHidden, wantCell := lstm.NewWithWeights(sequence, inputsW, recurrentW, biasesW, nil).Done()
			gotOutputs := Reshape(Slice(outputs, AxisElem(b), AxisRange(0, length)), length, hiddenSize)
			gotHidden := Reshape(Slice(lastHidden, AxisRange(), AxisElem(b)), 1, 1, hiddenSize)
			gotCell := Reshape(Slice(lastCell, AxisRange(), AxisElem(b)), 1, 1, hiddenSize)
			diffs = append(diffs,
				ReduceAllMax(Abs(Sub(gotOutputs, Reshape(allHidden, length, hiddenSize)))),
				ReduceAllMax(Abs(Sub(gotHidden, wantHidden))),
				ReduceAllMax(Abs(Sub(gotCell, wantCell))))
		}
		return diffs
	})
	for ii, result := range results {
		b, name := ii/3, []string{"outputs", "lastHidden", "lastCell"}[ii%3]
		assert.InDeltaf(t, float32(0), result.Value(), 1e-5, "sequence %d: %s differ", b, name)
	}
}

// TestPackedMatchesIsolated checks that running a batch of variable-length sequences packed
// gives the same results as running each sequence on its own, for all cell types.
func TestPackedMatchesIsolated(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	lengths := []int{2, 4, 1}
	const (
		maxLen       = 4
		featuresSize = 3
		hiddenSize   = 5
		numLayers    = 2
	)
	layout, err := packing.NewLayout(lengths, maxLen)
	require.NoError(t, err)

	for _, cellType := range CellTypeValues() {
		t.Run(cellType.String(), func(t *testing.T) {
			ctx := context.New()
			ctx.SetRNGStateFromSeed(42)
			result := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				ctx = ctx.In("rnn").Checked(false)
				x := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, len(lengths), maxLen, featuresSize))
				packed, lastHidden, lastCell := NewPacked(ctx, packing.Compact(x, layout), layout, hiddenSize).
					CellType(cellType).
					NumLayers(numLayers).
					Done()
				outputs := packing.Restore(packed, layout)

				var diffs []*Node
				for b, length := range lengths {
					single := Slice(x, AxisElem(b), AxisRange(0, length))
					singleOutputs, singleHidden, singleCell := New(ctx, single, hiddenSize).
						CellType(cellType).
						NumLayers(numLayers).
						Done()
					diffs = append(diffs,
						ReduceAllMax(Abs(Sub(Slice(outputs, AxisElem(b), AxisRange(0, length)), singleOutputs))),
						ReduceAllMax(Abs(Sub(Slice(lastHidden, AxisRange(), AxisElem(b)), singleHidden))))
					if lastCell != nil {
						diffs = append(diffs,
							ReduceAllMax(Abs(Sub(Slice(lastCell, AxisRange(), AxisElem(b)), singleCell))))
					}
				}
				// Padding must be zero.
				valid := BroadcastToShape(InsertAxes(packing.ValidMask(g, layout), -1), outputs.Shape())
				padding := Where(valid, ZerosLike(outputs), outputs)
				diffs = append(diffs, ReduceAllMax(Abs(padding)))
				return ReduceAllMax(Stack(diffs, 0))
			})
			assert.InDelta(t, float32(0), result.Value(), 1e-5)
		})
	}
}

func TestShapes(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		batchSize, seqLen, featuresSize = 3, 5, 2
		hiddenSize, numLayers           = 4, 3
	)
	for _, cellType := range CellTypeValues() {
		t.Run(cellType.String(), func(t *testing.T) {
			ctx := context.New()
			results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
				x := Ones(g, shapes.Make(dtypes.Float32, batchSize, seqLen, featuresSize))
				outputs, lastHidden, lastCell := New(ctx, x, hiddenSize).
					CellType(cellType).
					NumLayers(numLayers).
					Done()
				require.Equal(t, cellType == CellLSTM, lastCell != nil)
				return []*Node{outputs, lastHidden}
			})
			require.NoError(t, results[0].Shape().CheckDims(batchSize, seqLen, hiddenSize))
			require.NoError(t, results[1].Shape().CheckDims(numLayers, batchSize, hiddenSize))

			// One set of weights per layer, the first with the inputs' features size.
			numGates := cellType.NumGates()
			for layerIdx := range numLayers {
				inputSize := hiddenSize
				if layerIdx == 0 {
					inputSize = featuresSize
				}
				layerCtx := ctx.Inf("layer_%d", layerIdx)
				require.NoError(t, layerCtx.InspectVariableInScope("inputsW").Shape().CheckDims(numGates, hiddenSize, inputSize))
				require.NoError(t, layerCtx.InspectVariableInScope("recurrentW").Shape().CheckDims(numGates, hiddenSize, hiddenSize))
				require.NoError(t, layerCtx.InspectVariableInScope("biasesW").Shape().CheckDims(2*numGates, hiddenSize))
			}
		})
	}
}

func TestInterLayerDropout(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	ctx = ctx.Checked(false)
	results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := ctx.RandomUniform(g, shapes.Make(dtypes.Float32, 4, 6, 8))
		build := func() *Node {
			outputs, _, _ := New(ctx.In("rnn"), x, 16).
				CellType(CellGRU).
				NumLayers(2).
				InterLayerDropout(0.5).
				Done()
			return outputs
		}
		eval := build()
		ctx.SetTraining(g, true)
		train := build()
		ctx.SetTraining(g, false)
		evalAgain := build()
		return []*Node{
			ReduceAllMax(Abs(Sub(eval, train))),
			ReduceAllMax(Abs(Sub(eval, evalAgain))),
		}
	})
	assert.Greater(t, results[0].Value().(float32), float32(1e-3), "dropout should change outputs during training")
	assert.Equal(t, float32(0), results[1].Value(), "evaluation should be deterministic")
}

// TestInterLayerDropoutScaling uses a 2-layer RNN_RELU with all weights set to 1 and one step per sequence:
// every unit of the first layer outputs 3, so after dropout each input of the second layer is either 0 or
// 3/(1-rate), and the second layer outputs 2 plus their sum.
func TestInterLayerDropoutScaling(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	const (
		batchSize  = 256
		hiddenSize = 8
		rate       = 0.5
	)
	ctx := context.New().WithInitializer(onesInitializer)
	ctx.SetRNGStateFromSeed(42)
	ctx = ctx.Checked(false)
	results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		x := Ones(g, shapes.Make(dtypes.Float64, batchSize, 1, 1))
		build := func() *Node {
			outputs, _, _ := New(ctx.In("rnn"), x, hiddenSize).
				CellType(CellRNNRelu).
				NumLayers(2).
				InterLayerDropout(rate).
				Done()
			return outputs
		}
		eval := build()
		ctx.SetTraining(g, true)
		train := build()
		return []*Node{eval, train}
	})
	const firstLayerOutput = 3.0
	want := firstLayerOutput*hiddenSize + 2
	for _, v := range tensors.MustCopyFlatData[float64](results[0]) {
		require.InDelta(t, want, v, 1e-9)
	}

	scaled := firstLayerOutput / (1 - rate)
	var sum float64
	values := tensors.MustCopyFlatData[float64](results[1])
	for ii, v := range values {
		numKept := (v - 2) / scaled
		require.InDeltaf(t, math.Round(numKept), numKept, 1e-9, "output #%d=%g is not 2 plus a multiple of %g", ii, v, scaled)
		require.GreaterOrEqual(t, numKept, -1e-9)
		require.LessOrEqual(t, numKept, hiddenSize+1e-9)
		sum += v
	}
	// Scaling by 1/(1-rate) preserves the expected value.
	assert.InDelta(t, want, sum/float64(len(values)), 2.0)
}

func TestInvalidConfiguration(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	for _, tc := range []struct {
		name  string
		build func(ctx *context.Context, x *Node)
	}{
		{"NumLayers", func(ctx *context.Context, x *Node) { New(ctx, x, 2).NumLayers(0).Done() }},
		{"HiddenSize", func(ctx *context.Context, x *Node) { New(ctx, x, 0).Done() }},
		{"Dropout", func(ctx *context.Context, x *Node) { New(ctx, x, 2).InterLayerDropout(1).Done() }},
		{"CellType", func(ctx *context.Context, x *Node) { New(ctx, x, 2).CellType(CellType(-1)).Done() }},
		{"Rank", func(ctx *context.Context, x *Node) { New(ctx, Reshape(x, 2, 6), 2).Done() }},
	} {
		require.Panicsf(t, func() {
			_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, g *Graph) *Node {
				x := Ones(g, shapes.Make(dtypes.Float32, 2, 3, 2))
				tc.build(ctx, x)
				return x
			})
		}, "%s should have panicked", tc.name)
	}
}
