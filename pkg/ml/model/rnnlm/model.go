// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rnnlm implements a recurrent language-model encoder: token embeddings, dropout, a stack of recurrent
// layers (LSTM, GRU or plain RNN) and dropout again, producing one hidden representation per token.
//
// Batches of variable-length sequences are supported: given the lengths of each sequence, the recurrent stack only
// computes the valid positions (see package packing), and the padding positions of the output are set to zero.
//
// The graph building functions are methods of Model. Runner drives the execution from Go, with training and
// evaluation modes.
//
// Example:
//
//	cfg, err := rnnlm.NewConfig("LSTM", 10_000, 200, 200, 2)
//	if err != nil { ... }
//	model, err := rnnlm.New(cfg.WithDropout(0.2))
//	if err != nil { ... }
//	runner := rnnlm.NewRunner(backend, context.New(), model)
//	hidden, err := runner.Forward(tokens, lengths)  // tokens shaped [batchSize, seqLen].
package rnnlm

import (
	"fmt"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/rnnlm/pkg/ml/layers/rnn"
	"github.com/gomlx/rnnlm/pkg/ml/packing"
	"github.com/pkg/errors"
)

const (
	// EmbeddingScope is the context scope of the embedding table.
	EmbeddingScope = "embedding"

	// EmbeddingVariable is the name of the embedding table variable, shaped [VocabSize, EmbedDim].
	EmbeddingVariable = "embeddings"

	// EmbeddingInitRange is the range of the uniform initialization of the embedding table: [-EmbeddingInitRange, EmbeddingInitRange].
	EmbeddingInitRange = 0.1
)

// Model builds the computation graph of the encoder for a frozen Config.
//
// It holds no variables itself: those are created in the context.Context passed to the graph building methods.
type Model struct {
	cfg Config
}

// New validates the configuration and creates a Model with a copy of it.
//
// It returns an error wrapping ErrInvalidConfiguration if the configuration is invalid, and in that
// case no variables are created.
func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Model{cfg: cfg}, nil
}

// NewFromContext creates a Model configured from context hyperparameters.
// It reads parameters with the following keys (with defaults):
//   - rnnlm_cell_type (required): one of "LSTM", "GRU", "RNN_TANH" or "RNN_RELU".
//   - rnnlm_vocab_size (required)
//   - rnnlm_embed_dim (required)
//   - rnnlm_hidden_dim (required)
//   - rnnlm_num_layers (required)
//   - rnnlm_dropout (default: 0.5)
//   - rnnlm_tie_weights (default: false)
//   - rnnlm_dtype (default: "float32")
//
// Missing or invalid parameters return an error wrapping ErrInvalidConfiguration.
func NewFromContext(ctx *context.Context) (*Model, error) {
	for _, key := range []string{ParamCellType, ParamVocabSize, ParamEmbedDim, ParamHiddenDim, ParamNumLayers} {
		if _, found := ctx.GetParam(key); !found {
			return nil, errors.Wrapf(ErrInvalidConfiguration, "required hyperparameter %q not found in context", key)
		}
	}
	var cfg Config
	err := TryCatch[error](func() {
		var err error
		cfg, err = NewConfig(
			context.GetParamOr(ctx, ParamCellType, ""),
			context.GetParamOr(ctx, ParamVocabSize, 0),
			context.GetParamOr(ctx, ParamEmbedDim, 0),
			context.GetParamOr(ctx, ParamHiddenDim, 0),
			context.GetParamOr(ctx, ParamNumLayers, 0))
		if err != nil {
			panic(err)
		}
		cfg, err = cfg.FromContext(ctx)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidConfiguration) {
			err = errors.Wrapf(ErrInvalidConfiguration, "%v", err)
		}
		return nil, err
	}
	return New(cfg)
}

// CreateDefaultContext returns a new context with the default hyperparameters of the model set.
// They can be changed from the command line with commandline.ParseContextSettings.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamCellType:   "LSTM",
		ParamVocabSize:  10_000,
		ParamEmbedDim:   200,
		ParamHiddenDim:  200,
		ParamNumLayers:  2,
		ParamDropout:    DefaultDropout,
		ParamTieWeights: false,
		ParamDType:      "float32",
	})
	return ctx
}

// Config returns a copy of the model configuration.
func (m *Model) Config() Config {
	return m.cfg
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	cfg := m.cfg
	return fmt.Sprintf("rnnlm.Model(%s, vocab=%d, embed=%d, hidden=%d, layers=%d, dropout=%g, tied=%v, dtype=%s)",
		cfg.CellType, cfg.VocabSize, cfg.EmbedDim, cfg.HiddenDim, cfg.NumLayers, cfg.Dropout, cfg.TieWeights, cfg.DType)
}

// embeddingContext is unchecked: the table is shared by Forward and Decode, in any order.
func (m *Model) embeddingContext(ctx *context.Context) *context.Context {
	return ctx.In(EmbeddingScope).
		Checked(false).
		WithInitializer(initializers.RandomUniformFn(ctx, -EmbeddingInitRange, EmbeddingInitRange))
}

// EmbeddingTable returns the embedding table shaped [VocabSize, EmbedDim], creating it if it doesn't exist yet.
func (m *Model) EmbeddingTable(ctx *context.Context, g *Graph) *Node {
	return m.embeddingContext(ctx).VariableWithShape(EmbeddingVariable, shapes.Make(m.cfg.DType, m.cfg.VocabSize, m.cfg.EmbedDim)).ValueGraph(g)
}

// dropout is a no-op if not training or if the configured rate is 0.
func (m *Model) dropout(ctx *context.Context, x *Node) *Node {
	if m.cfg.Dropout <= 0 {
		return x
	}
	return layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), m.cfg.Dropout))
}

// Forward builds the encoder for tokens shaped [batchSize, seqLen] (or [batchSize, seqLen, 1]) and returns
// the hidden states of the last recurrent layer, shaped [batchSize, seqLen, HiddenDim].
//
// If layout is not nil, it describes the valid length of each sequence: padding positions are not
// computed, and they are set to zero in the output. A nil layout means all positions are valid.
//
// Dropout is applied to the embeddings, between recurrent layers and to the outputs, only if
// the context is set for training (see context.Context.SetTraining).
func (m *Model) Forward(ctx *context.Context, tokens *Node, layout *packing.Layout) *Node {
	cfg := m.cfg
	if tokens.Rank() == 3 && tokens.Shape().Dim(2) == 1 {
		tokens = Squeeze(tokens, 2)
	}
	if tokens.Rank() != 2 || !tokens.DType().IsInt() {
		Panicf("rnnlm.Forward requires integer tokens shaped [batchSize, seqLen], got tokens.shape=%s", tokens.Shape())
	}
	batchSize, seqLen := tokens.Shape().Dim(0), tokens.Shape().Dim(1)
	if layout == nil {
		layout = packing.DenseLayout(batchSize, seqLen)
	} else if layout.BatchSize() != batchSize || layout.MaxLen() != seqLen {
		Panicf("rnnlm.Forward: layout for [batchSize=%d, maxLen=%d] doesn't match tokens.shape=%s",
			layout.BatchSize(), layout.MaxLen(), tokens.Shape())
	}

	// Explicit index axis: Embedding would take [batchSize, 1] tokens as already having one.
	embedded := layers.Embedding(m.embeddingContext(ctx), InsertAxes(tokens, -1), cfg.DType, cfg.VocabSize, cfg.EmbedDim)
	x := m.dropout(ctx.In("embedding_dropout"), embedded)

	packed := packing.Compact(x, layout)
	packed, _, _ = rnn.NewPacked(ctx.In("rnn"), packed, layout, cfg.HiddenDim).
		CellType(cfg.CellType).
		NumLayers(cfg.NumLayers).
		InterLayerDropout(cfg.Dropout).
		Done()
	x = packing.Restore(packed, layout)
	return m.dropout(ctx.In("output_dropout"), x)
}

// ModelGraph is a dense (no lengths) version of Forward, with the signature of a train.ModelFn.
// inputs[0] must be the tokens, and it returns the hidden states as the only output.
func (m *Model) ModelGraph(ctx *context.Context, spec any, inputs []*Node) []*Node {
	if len(inputs) == 0 {
		Panicf("rnnlm.ModelGraph requires the tokens as the first input")
	}
	return []*Node{m.Forward(ctx, inputs[0], nil)}
}

// Decode projects hidden states shaped [..., HiddenDim] to logits over the vocabulary, shaped [..., VocabSize].
//
// If Config.TieWeights is set, the embedding table is reused as the projection matrix (plus a learned bias),
// which requires HiddenDim == EmbedDim: it panics with an error wrapping ErrInvalidConfiguration otherwise.
// If not tied, a dense layer with its own weights is used.
func (m *Model) Decode(ctx *context.Context, hidden *Node) *Node {
	cfg := m.cfg
	decoderCtx := ctx.In("decoder")
	if !cfg.TieWeights {
		return layers.Dense(decoderCtx, hidden, true, cfg.VocabSize)
	}
	if cfg.HiddenDim != cfg.EmbedDim {
		panic(errors.Wrapf(ErrInvalidConfiguration,
			"tied weights require HiddenDim == EmbedDim, got HiddenDim=%d and EmbedDim=%d", cfg.HiddenDim, cfg.EmbedDim))
	}
	if hidden.Rank() < 1 || hidden.Shape().Dimensions[hidden.Rank()-1] != cfg.HiddenDim {
		Panicf("rnnlm.Decode requires hidden shaped [..., %d], got hidden.shape=%s", cfg.HiddenDim, hidden.Shape())
	}
	g := hidden.Graph()
	table := m.EmbeddingTable(ctx, g)
	outputDims := hidden.Shape().Clone().Dimensions
	outputDims[len(outputDims)-1] = cfg.VocabSize

	flat := Reshape(hidden, -1, cfg.HiddenDim)
	logits := Einsum("nh,vh->nv", flat, table)
	bias := decoderCtx.VariableWithShape("bias", shapes.Make(cfg.DType, cfg.VocabSize)).ValueGraph(g)
	logits = Add(logits, ExpandAxes(bias, 0))
	return Reshape(logits, outputDims...)
}
