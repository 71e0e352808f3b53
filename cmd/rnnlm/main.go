// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// rnnlm builds a recurrent language-model encoder from context hyperparameters, runs it on random tokens
// and prints a summary of the results.
//
// Example:
//
//	rnnlm -batch=8 -time=35 -lengths=35,20,7,1,35,35,12,3 -set="rnnlm_cell_type=GRU;rnnlm_num_layers=3"
package main

import (
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/rnnlm/pkg/ml/model/rnnlm"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagBatch    = flag.Int("batch", 4, "Number of sequences in the batch.")
	flagTime     = flag.Int("time", 35, "Length of the sequences (the padded length, if -lengths is given).")
	flagLengths  = flag.String("lengths", "", "Comma-separated valid length of each sequence. If empty all sequences have length -time.")
	flagTraining = flag.Bool("training", false, "Run in training mode: dropout is active.")
	flagSeed     = flag.Uint64("seed", 42, "Seed for the random tokens and for the variables initialization.")
	flagRepeat   = flag.Int("repeat", 1, "Number of forward passes to run. A progress bar is displayed if > 1.")
)

// options of one run, filled from the flags.
type options struct {
	batchSize, seqLen int
	lengths           []int
	training          bool
	seed              uint64
	repeat            int
}

// summary of the results of a run.
type summary struct {
	model          string
	numParams      int
	outputShape    string
	meanAbs        float64
	allFinite      bool
	medianDuration time.Duration
	paramsSet      []string
}

func main() {
	ctx := rnnlm.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	lengths, err := parseLengths(*flagLengths)
	if err != nil {
		klog.Fatalf("Failed to parse -lengths: %+v", err)
	}
	opts := options{
		batchSize: *flagBatch,
		seqLen:    *flagTime,
		lengths:   lengths,
		training:  *flagTraining,
		seed:      *flagSeed,
		repeat:    max(*flagRepeat, 1),
	}

	err = exceptions.TryCatch[error](func() {
		backend, err := backends.New()
		if err != nil {
			panic(err)
		}
		s, err := run(backend, ctx, opts, os.Stdout)
		if err != nil {
			panic(err)
		}
		s.paramsSet = paramsSet
		fmt.Println(s.render(ctx))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// parseLengths parses a comma-separated list of lengths. An empty string returns nil.
func parseLengths(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	lengths := make([]int, 0, len(parts))
	for _, part := range parts {
		length, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid length %q in %q", part, s)
		}
		lengths = append(lengths, length)
	}
	return lengths, nil
}

// randomTokens returns a [batchSize, seqLen] int32 tensor with tokens drawn uniformly from [0, vocabSize).
func randomTokens(rng *rand.Rand, batchSize, seqLen, vocabSize int) *tensors.Tensor {
	tokens := make([][]int32, batchSize)
	for i := range tokens {
		tokens[i] = make([]int32, seqLen)
		for j := range tokens[i] {
			tokens[i][j] = int32(rng.IntN(vocabSize))
		}
	}
	return tensors.FromValue(tokens)
}

// run builds the model configured in ctx and runs opts.repeat forward passes on random tokens.
// The progress bar, if any, is written to progressOut.
func run(backend backends.Backend, ctx *context.Context, opts options, progressOut io.Writer) (*summary, error) {
	model, err := rnnlm.NewFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if opts.batchSize <= 0 || opts.seqLen <= 0 {
		return nil, errors.Errorf("-batch and -time must be > 0, got %d and %d", opts.batchSize, opts.seqLen)
	}
	ctx.SetRNGStateFromSeed(int64(opts.seed))
	runner := rnnlm.NewRunner(backend, ctx, model)
	defer runner.Finalize()
	runner.SetTraining(opts.training)

	rng := rand.New(rand.NewPCG(opts.seed, opts.seed+1))
	tokens := randomTokens(rng, opts.batchSize, opts.seqLen, model.Config().VocabSize)
	klog.V(1).Infof("Running %s on tokens.shape=%s, lengths=%v", model, tokens.Shape(), opts.lengths)

	var bar *progressbar.ProgressBar
	if opts.repeat > 1 {
		bar = progressbar.NewOptions(opts.repeat,
			progressbar.OptionSetDescription("Forward"),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("steps"),
			progressbar.OptionSetTheme(commandline.ProgressbarStyle),
			progressbar.OptionSetWriter(progressOut),
		)
	}

	var output *tensors.Tensor
	durations := make([]time.Duration, 0, opts.repeat)
	for range opts.repeat {
		start := time.Now()
		output, err = runner.Forward(tokens, opts.lengths)
		if err != nil {
			return nil, err
		}
		durations = append(durations, time.Since(start))
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
		_, _ = fmt.Fprintln(progressOut)
	}

	s := &summary{
		model:          model.String(),
		numParams:      runner.NumParameters(),
		outputShape:    output.Shape().String(),
		medianDuration: median(durations),
	}
	s.meanAbs, s.allFinite, err = stats(backend, output)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// stats returns the mean absolute value of a float tensor of any precision, and whether all its values are finite.
// The values are converted to float64 on the backend before being read.
func stats(backend backends.Backend, t *tensors.Tensor) (meanAbs float64, allFinite bool, err error) {
	if !t.Shape().DType.IsFloat() {
		return 0, false, errors.Errorf("stats requires a float tensor, got shape %s", t.Shape())
	}
	var converted *tensors.Tensor
	err = exceptions.TryCatch[error](func() {
		var execErr error
		converted, execErr = graph.ExecOnce(backend, func(x *graph.Node) *graph.Node {
			return graph.ConvertDType(x, dtypes.Float64)
		}, t)
		if execErr != nil {
			panic(execErr)
		}
	})
	if err != nil {
		return 0, false, errors.WithMessagef(err, "failed to convert output shaped %s to float64", t.Shape())
	}
	values := tensors.MustCopyFlatData[float64](converted)
	allFinite = true
	var sum float64
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			allFinite = false
			continue
		}
		sum += math.Abs(v)
	}
	if len(values) > 0 {
		meanAbs = sum / float64(len(values))
	}
	return meanAbs, allFinite, nil
}

func median(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := slices.Clone(durations)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

var (
	titleStyle        = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// render the summary as a table.
func (s *summary) render(ctx *context.Context) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	table.Row("Model", s.model)
	if len(s.paramsSet) > 0 {
		table.Row("Modified settings", commandline.SprintModifiedContextSettings(ctx, s.paramsSet))
	}
	table.Row("Parameters", humanize.Comma(int64(s.numParams)))
	table.Row("Output shape", s.outputShape)
	table.Row("Mean |value|", fmt.Sprintf("%.6f", s.meanAbs))
	table.Row("All finite", strconv.FormatBool(s.allFinite))
	table.Row("Median step duration", commandline.FormatDuration(s.medianDuration))
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render("rnnlm"), table.Render())
}
