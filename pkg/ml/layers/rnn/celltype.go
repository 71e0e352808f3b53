// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rnn

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// CellType enumerates the recurrent cells supported by the stack.
type CellType int

const (
	// CellLSTM is the "Long Short-Term Memory" cell, with input, output and forget gates and a cell state.
	CellLSTM CellType = iota

	// CellGRU is the "Gated Recurrent Unit" cell, with update and reset gates.
	CellGRU

	// CellRNNTanh is the plain (Elman) recurrent cell with a tanh non-linearity.
	CellRNNTanh

	// CellRNNRelu is the plain (Elman) recurrent cell with a ReLU non-linearity.
	CellRNNRelu
)

// ErrInvalidCellType is returned (wrapped) by ParseCellType for unknown names.
var ErrInvalidCellType = errors.New("invalid recurrent cell type")

var cellTypeNames = [...]string{
	CellLSTM:    "LSTM",
	CellGRU:     "GRU",
	CellRNNTanh: "RNN_TANH",
	CellRNNRelu: "RNN_RELU",
}

// CellTypeValues returns all valid values of CellType.
func CellTypeValues() []CellType {
	return []CellType{CellLSTM, CellGRU, CellRNNTanh, CellRNNRelu}
}

// CellTypeNames returns the names of all valid CellType values, in order.
func CellTypeNames() []string {
	return cellTypeNames[:]
}

// IsValid returns whether c is one of the enumerated cell types.
func (c CellType) IsValid() bool {
	return c >= CellLSTM && c <= CellRNNRelu
}

// String implements fmt.Stringer, and returns the name used by ParseCellType.
func (c CellType) String() string {
	if !c.IsValid() {
		return fmt.Sprintf("CellType(%d)", int(c))
	}
	return cellTypeNames[c]
}

// NumGates returns the number of linear projections of the input (and of the hidden state) the cell uses.
func (c CellType) NumGates() int {
	switch c {
	case CellLSTM:
		return 4
	case CellGRU:
		return 3
	default:
		return 1
	}
}

// ParseCellType converts one of the names "LSTM", "GRU", "RNN_TANH" or "RNN_RELU" to a CellType.
// The match is exact.
func ParseCellType(name string) (CellType, error) {
	for ii, n := range cellTypeNames {
		if n == name {
			return CellType(ii), nil
		}
	}
	return CellLSTM, errors.Wrapf(ErrInvalidCellType, "%q is not a valid option, options are [%s]",
		name, strings.Join(cellTypeNames[:], ", "))
}

// MarshalText implements encoding.TextMarshaler.
func (c CellType) MarshalText() ([]byte, error) {
	if !c.IsValid() {
		return nil, errors.Wrapf(ErrInvalidCellType, "can't marshal CellType(%d)", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CellType) UnmarshalText(text []byte) error {
	parsed, err := ParseCellType(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
