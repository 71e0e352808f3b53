// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rnnlm

import (
	"container/list"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/rnnlm/pkg/ml/packing"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Runner executes a Model on a backend, holding its variables in a context.
//
// It starts in evaluation mode, see SetTraining.
//
// Each combination of mode and layout of lengths requires its own compiled graph: they are compiled on first use
// and cached, up to SetMaxCache executors, after which the least recently used one is released.
// Runner is safe for concurrent use, but concurrent calls are serialized.
type Runner struct {
	backend backends.Backend
	ctx     *context.Context
	model   *Model

	mu           sync.Mutex
	training     bool
	maxCacheSize int
	execs        map[execKey]*list.Element
	lru          *list.List // Of *cachedExec, most recently used first.
}

type execKey struct {
	training bool
	layout   string
}

type cachedExec struct {
	key  execKey
	exec *context.Exec
}

// DefaultMaxCacheSize is the default maximum number of executors cached by a Runner.
const DefaultMaxCacheSize = 32

// embeddingKey is the cache key of the executor that reads the embedding table.
const embeddingKey = "embedding_table"

// NewRunner creates a Runner for model, with its variables stored in ctx.
// Variables already in ctx (e.g. loaded from a checkpoint) are reused.
func NewRunner(backend backends.Backend, ctx *context.Context, model *Model) *Runner {
	return &Runner{
		backend:      backend,
		ctx:          ctx.Checked(false),
		model:        model,
		maxCacheSize: DefaultMaxCacheSize,
		execs:        make(map[execKey]*list.Element),
		lru:          list.New(),
	}
}

// SetMaxCache sets the maximum number of compiled executors kept. If more are needed, the least recently
// used ones are finalized. A value <= 0 disables the limit.
//
// It returns the Runner itself, so calls can be chained.
func (r *Runner) SetMaxCache(maxCacheSize int) *Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxCacheSize = maxCacheSize
	r.evict()
	return r
}

// NumCachedExecs returns the number of compiled executors currently cached.
func (r *Runner) NumCachedExecs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.Len()
}

// Model returns the model being run.
func (r *Runner) Model() *Model { return r.model }

// Context returns the context holding the model variables.
func (r *Runner) Context() *context.Context { return r.ctx }

// SetTraining sets whether the following Forward calls run in training mode (dropout active) or
// evaluation mode (deterministic).
func (r *Runner) SetTraining(training bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.training = training
}

// IsTraining returns whether the Runner is in training mode.
func (r *Runner) IsTraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.training
}

// Forward runs the model on tokens, an integer tensor shaped [batchSize, seqLen] (or [batchSize, seqLen, 1]),
// and returns the hidden states shaped [batchSize, seqLen, HiddenDim].
//
// lengths is optional (can be nil): if given, it must have one length per sequence, each in the range [1, seqLen],
// and the padding positions are neither computed nor influence the valid ones. They are set to zero in the output.
// Invalid lengths return an error wrapping packing.ErrInvalidLengths.
//
// In training mode each call draws new dropout masks.
func (r *Runner) Forward(tokens *tensors.Tensor, lengths []int) (*tensors.Tensor, error) {
	shape := tokens.Shape()
	isTokens := shape.Rank() == 2 || (shape.Rank() == 3 && shape.Dimensions[2] == 1)
	if !isTokens || !shape.DType.IsInt() {
		return nil, errors.Errorf("rnnlm.Runner.Forward requires integer tokens shaped [batchSize, seqLen] or [batchSize, seqLen, 1], got %s", shape)
	}
	batchSize, seqLen := shape.Dimensions[0], shape.Dimensions[1]
	var layout *packing.Layout
	if lengths == nil {
		layout = packing.DenseLayout(batchSize, seqLen)
	} else {
		if len(lengths) != batchSize {
			return nil, errors.Wrapf(packing.ErrInvalidLengths, "got %d lengths for a batch of %d sequences", len(lengths), batchSize)
		}
		var err error
		layout, err = packing.NewLayout(lengths, seqLen)
		if err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := execKey{training: r.training, layout: layout.Key()}
	exec, err := r.getExec(key, func() (*context.Exec, error) {
		training := key.training
		return context.NewExec(r.backend, r.ctx, func(ctx *context.Context, tokens *Node) *Node {
			ctx.SetTraining(tokens.Graph(), training)
			return r.model.Forward(ctx, tokens, layout)
		})
	})
	if err != nil {
		return nil, err
	}
	return r.exec1(exec, tokens)
}

// EmbeddingTable returns the current value of the embedding table, shaped [VocabSize, EmbedDim].
// If the variables were not yet initialized, they are initialized first.
func (r *Runner) EmbeddingTable() (*tensors.Tensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	exec, err := r.getExec(execKey{layout: embeddingKey}, func() (*context.Exec, error) {
		return context.NewExec(r.backend, r.ctx, func(ctx *context.Context, g *Graph) *Node {
			return r.model.EmbeddingTable(ctx, g)
		})
	})
	if err != nil {
		return nil, err
	}
	return r.exec1(exec)
}

// NumParameters returns the total number of values in the variables created so far.
// Variables are created on the first Forward (or EmbeddingTable) call.
func (r *Runner) NumParameters() int {
	return r.ctx.NumParameters()
}

// Finalize releases the compiled graphs. The context and its variables are left untouched.
func (r *Runner) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, elem := range r.execs {
		elem.Value.(*cachedExec).exec.Finalize()
		delete(r.execs, key)
	}
	r.lru.Init()
}

// getExec returns the cached executor for key, or creates one with newExec. It must be called with r.mu locked.
func (r *Runner) getExec(key execKey, newExec func() (*context.Exec, error)) (*context.Exec, error) {
	if elem, found := r.execs[key]; found {
		r.lru.MoveToFront(elem)
		return elem.Value.(*cachedExec).exec, nil
	}
	exec, err := newExec()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create executor for %s", r.model)
	}
	r.execs[key] = r.lru.PushFront(&cachedExec{key: key, exec: exec})
	r.evict()
	if klog.V(1).Enabled() {
		klog.Infof("rnnlm: new executor (training=%v, layout=%s), %d executors cached", key.training, key.layout, r.lru.Len())
	}
	return exec, nil
}

// evict finalizes the least recently used executors above the maximum cache size. It must be called with r.mu locked.
func (r *Runner) evict() {
	if r.maxCacheSize <= 0 {
		return
	}
	for r.lru.Len() > r.maxCacheSize {
		entry := r.lru.Remove(r.lru.Back()).(*cachedExec)
		delete(r.execs, entry.key)
		entry.exec.Finalize()
		klog.V(2).Infof("rnnlm: evicted executor (training=%v, layout=%s)", entry.key.training, entry.key.layout)
	}
}

// exec1 runs exec, converting panics during graph building to errors.
func (r *Runner) exec1(exec *context.Exec, args ...any) (*tensors.Tensor, error) {
	var output *tensors.Tensor
	var execErr error
	err := exceptions.TryCatch[error](func() {
		output, execErr = exec.Exec1(args...)
	})
	if err == nil {
		err = execErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to execute %s", r.model)
	}
	return output, nil
}
