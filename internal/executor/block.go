package executor

import (
	"context"

	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/rows"
)

// Block is the physical operator of one plan node.
type Block interface {
	// ProduceRows returns up to atMost rows.
	ProduceRows(ctx context.Context, atMost int) (State, *rows.Batch, error)
	// SkipRows discards up to atMost rows and returns how many it discarded.
	SkipRows(ctx context.Context, atMost int) (State, int, error)
	// InitializeCursor rewinds the block and its dependencies. input is the
	// row a nested Singleton or SubqueryStart emits next.
	InitializeCursor(input InputRow) error
	Infos() *Infos
}

// Properties are static facts about an executor type.
type Properties struct {
	PreservesOrder bool
	// AllowsBlockPassthrough lets the block hand the upstream batch on
	// instead of copying rows. The executor must implement Transformer.
	AllowsBlockPassthrough bool
	// InputSizeRestrictsOutputSize holds when every output row comes from a
	// distinct input row.
	InputSizeRestrictsOutputSize bool
}

// Executor is the node-specific part of a block.
type Executor interface {
	Properties() Properties
	// Produce moves rows from in to out until out is full, the input is
	// exhausted or upstream waits. It returns Done once it will never produce
	// again and Waiting when it stopped because of a wait.
	Produce(ctx context.Context, in *Fetcher, out *OutputRows) (State, error)
	// Reset prepares a fresh pass; input is the row given to InitializeCursor.
	Reset(input InputRow) error
}

// Skipper is implemented by executors that can discard rows without
// producing them.
type Skipper interface {
	Skip(ctx context.Context, in *Fetcher, atMost int) (State, int, error)
}

// Transformer is implemented by passthrough executors. Transform rewrites an
// upstream batch in place; the batch is already widened to the output width.
type Transformer interface {
	Transform(ctx context.Context, b *rows.Batch) error
}

// BlockImpl adapts an Executor to the Block protocol.
type BlockImpl[E Executor] struct {
	infos    *Infos
	exec     E
	props    Properties
	upstream Block
	fetcher  *Fetcher
	done     bool
}

// NewBlock wraps exec. upstream is the block rows are fetched from; it is nil
// for blocks that start a (sub)query.
func NewBlock[E Executor](infos *Infos, exec E, upstream Block) *BlockImpl[E] {
	return &BlockImpl[E]{
		infos:    infos,
		exec:     exec,
		props:    exec.Properties(),
		upstream: upstream,
		fetcher:  NewFetcher(upstream),
	}
}

func (b *BlockImpl[E]) Infos() *Infos { return b.infos }

// Executor returns the wrapped executor.
func (b *BlockImpl[E]) Executor() E { return b.exec }

func (b *BlockImpl[E]) transformer() (Transformer, bool) {
	if !b.props.AllowsBlockPassthrough {
		return nil, false
	}
	t, ok := any(b.exec).(Transformer)
	return t, ok
}

func (b *BlockImpl[E]) ProduceRows(ctx context.Context, atMost int) (State, *rows.Batch, error) {
	if atMost <= 0 {
		return HasMore, nil, qerrors.PolicyViolationf("node %d: atMost must be positive, got %d", b.infos.NodeID, atMost)
	}
	if b.done {
		return Done, nil, nil
	}
	if t, ok := b.transformer(); ok {
		return b.passthrough(ctx, t, atMost)
	}

	hint := 0
	if b.props.InputSizeRestrictsOutputSize && b.fetcher.Buffered() > 0 {
		hint = b.fetcher.Buffered()
	}
	out := newOutputRows(b.infos, atMost, hint)
	st, err := b.exec.Produce(ctx, b.fetcher, out)
	if err != nil {
		return HasMore, nil, err
	}
	switch st {
	case Done:
		b.done = true
	case Waiting:
		if out.Len() > 0 {
			st = HasMore
		}
	}
	return st, out.batch, nil
}

func (b *BlockImpl[E]) passthrough(ctx context.Context, t Transformer, atMost int) (State, *rows.Batch, error) {
	if b.upstream == nil {
		return HasMore, nil, qerrors.PolicyViolationf("node %d: passthrough block without dependency", b.infos.NodeID)
	}
	st, batch, err := b.upstream.ProduceRows(ctx, atMost)
	if err != nil {
		return HasMore, nil, err
	}
	if batch.Len() > 0 {
		batch.Widen(b.infos.NrOutputRegs)
		if err := t.Transform(ctx, batch); err != nil {
			return HasMore, nil, err
		}
		batch.Clear(b.infos.RegsToClear)
		if st == Waiting {
			st = HasMore
		}
	}
	if st == Done {
		b.done = true
	}
	return st, batch, nil
}

func (b *BlockImpl[E]) SkipRows(ctx context.Context, atMost int) (State, int, error) {
	if atMost <= 0 {
		return HasMore, 0, qerrors.PolicyViolationf("node %d: atMost must be positive, got %d", b.infos.NodeID, atMost)
	}
	if b.done {
		return Done, 0, nil
	}
	var (
		st  State
		n   int
		err error
	)
	if _, ok := b.transformer(); ok && b.upstream != nil {
		st, n, err = b.upstream.SkipRows(ctx, atMost)
	} else if s, ok := any(b.exec).(Skipper); ok {
		st, n, err = s.Skip(ctx, b.fetcher, atMost)
	} else {
		var batch *rows.Batch
		st, batch, err = b.ProduceRows(ctx, atMost)
		return st, batch.Len(), err
	}
	if err != nil {
		return HasMore, n, err
	}
	switch st {
	case Done:
		b.done = true
	case Waiting:
		if n > 0 {
			st = HasMore
		}
	}
	return st, n, nil
}

func (b *BlockImpl[E]) InitializeCursor(input InputRow) error {
	b.done = false
	b.fetcher.Reset()
	if err := b.exec.Reset(input); err != nil {
		return err
	}
	if b.upstream != nil {
		return b.upstream.InitializeCursor(input)
	}
	return nil
}
