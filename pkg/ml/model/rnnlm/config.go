// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rnnlm

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/rnnlm/pkg/ml/layers/rnn"
	"github.com/pkg/errors"
)

// Hyperparameter keys for context configuration.
const (
	ParamCellType   = "rnnlm_cell_type"
	ParamVocabSize  = "rnnlm_vocab_size"
	ParamEmbedDim   = "rnnlm_embed_dim"
	ParamHiddenDim  = "rnnlm_hidden_dim"
	ParamNumLayers  = "rnnlm_num_layers"
	ParamDropout    = "rnnlm_dropout"
	ParamTieWeights = "rnnlm_tie_weights"
	ParamDType      = "rnnlm_dtype"
)

// DefaultDropout is the dropout rate used if none is configured.
const DefaultDropout = 0.5

// ErrInvalidConfiguration is returned (wrapped with details) for invalid model configurations.
var ErrInvalidConfiguration = errors.New("invalid rnnlm configuration")

// Config of a recurrent language model encoder. It's a value type: the builder methods return modified copies.
//
// Create it with NewConfig, and a Model from it with New.
type Config struct {
	CellType   rnn.CellType // Type of recurrent cell.
	VocabSize  int          // Number of tokens in the vocabulary.
	EmbedDim   int          // Dimension of the token embeddings.
	HiddenDim  int          // Dimension of the recurrent hidden states, and of the outputs.
	NumLayers  int          // Number of stacked recurrent layers.
	Dropout    float64      // Dropout rate, applied to the embeddings, between recurrent layers and to the outputs.
	TieWeights bool         // Reuse the embedding table as output projection, see Model.Decode.
	DType      dtypes.DType // Data type of the parameters and outputs.
}

// NewConfig creates a configuration with the default dropout (0.5), no weight tying and float32.
//
// cellType must be one of "LSTM", "GRU", "RNN_TANH" or "RNN_RELU", otherwise it returns an error
// wrapping ErrInvalidConfiguration. The sizes are only checked by Config.Validate (or New).
func NewConfig(cellType string, vocabSize, embedDim, hiddenDim, numLayers int) (Config, error) {
	parsed, err := rnn.ParseCellType(cellType)
	if err != nil {
		return Config{}, errors.Wrapf(ErrInvalidConfiguration, "%v", err)
	}
	return Config{
		CellType:  parsed,
		VocabSize: vocabSize,
		EmbedDim:  embedDim,
		HiddenDim: hiddenDim,
		NumLayers: numLayers,
		Dropout:   DefaultDropout,
		DType:     dtypes.Float32,
	}, nil
}

// WithDropout returns a copy of the configuration with the given dropout rate.
func (c Config) WithDropout(rate float64) Config {
	c.Dropout = rate
	return c
}

// WithTieWeights returns a copy of the configuration with weight tying set.
func (c Config) WithTieWeights(tie bool) Config {
	c.TieWeights = tie
	return c
}

// WithDType returns a copy of the configuration with the given dtype.
func (c Config) WithDType(dtype dtypes.DType) Config {
	c.DType = dtype
	return c
}

// FromContext returns a copy of the configuration with the optional hyperparameters set in the context:
// rnnlm_dropout, rnnlm_tie_weights and rnnlm_dtype.
func (c Config) FromContext(ctx *context.Context) (Config, error) {
	c.Dropout = context.GetParamOr(ctx, ParamDropout, c.Dropout)
	c.TieWeights = context.GetParamOr(ctx, ParamTieWeights, c.TieWeights)
	dtypeStr := context.GetParamOr(ctx, ParamDType, "")
	if dtypeStr != "" {
		dtype, err := dtypes.DTypeString(dtypeStr)
		if err != nil || !dtype.IsFloat() {
			return c, errors.Wrapf(ErrInvalidConfiguration, "invalid hyperparameter value %s=%q", ParamDType, dtypeStr)
		}
		c.DType = dtype
	}
	return c, nil
}

// Validate returns an error wrapping ErrInvalidConfiguration if the configuration can't be used to build a model.
func (c Config) Validate() error {
	if !c.CellType.IsValid() {
		return errors.Wrapf(ErrInvalidConfiguration, "invalid recurrent cell type %s, options are %v",
			c.CellType, rnn.CellTypeNames())
	}
	for _, dim := range []struct {
		name  string
		value int
	}{
		{"VocabSize", c.VocabSize},
		{"EmbedDim", c.EmbedDim},
		{"HiddenDim", c.HiddenDim},
		{"NumLayers", c.NumLayers},
	} {
		if dim.value <= 0 {
			return errors.Wrapf(ErrInvalidConfiguration, "%s must be > 0, got %d", dim.name, dim.value)
		}
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Wrapf(ErrInvalidConfiguration, "Dropout must be in the range [0, 1), got %g", c.Dropout)
	}
	if !c.DType.IsFloat() {
		return errors.Wrapf(ErrInvalidConfiguration, "DType must be a float, got %s", c.DType)
	}
	return nil
}
