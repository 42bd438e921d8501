package executor

import (
	"context"

	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/rows"
)

// Infos is the register layout a block works with, copied from its node's
// frozen register plan.
type Infos struct {
	NodeID       plan.NodeID
	Kind         plan.Kind
	Depth        int
	NrInputRegs  int
	NrOutputRegs int
	RegsToKeep   []rows.RegisterID
	RegsToClear  []rows.RegisterID
}

func NewInfos(n *plan.Node) (*Infos, error) {
	if err := n.CheckRegisters(); err != nil {
		return nil, err
	}
	return &Infos{
		NodeID:       n.ID(),
		Kind:         n.Kind(),
		Depth:        n.Depth(),
		NrInputRegs:  n.NrInputRegisters(),
		NrOutputRegs: n.NrOutputRegisters(),
		RegsToKeep:   n.RegsToKeep(),
		RegsToClear:  n.RegsToClear(),
	}, nil
}

// InputRow points at one row of an upstream batch. The zero value is the
// invalid row.
type InputRow struct {
	batch *rows.Batch
	index int
}

// RowOf returns the i-th row of b.
func RowOf(b *rows.Batch, i int) InputRow { return InputRow{batch: b, index: i} }

func (r InputRow) IsValid() bool { return r.batch != nil }

// Get returns the value of reg, or nil for an invalid row or a register
// outside the row.
func (r InputRow) Get(reg rows.RegisterID) any {
	if r.batch == nil {
		return nil
	}
	return r.batch.Get(r.index, reg)
}

// Row returns the slots of the row. The slice aliases the batch.
func (r InputRow) Row() []any {
	if r.batch == nil {
		return nil
	}
	return r.batch.Row(r.index)
}

// OutputRows collects the rows a block produces during one call. It never
// grows beyond the atMost the consumer asked for.
type OutputRows struct {
	batch  *rows.Batch
	atMost int
	keep   []rows.RegisterID
}

const maxPrealloc = 1024

func newOutputRows(infos *Infos, atMost, hint int) *OutputRows {
	capacity := min(atMost, maxPrealloc)
	if hint > 0 {
		capacity = min(capacity, hint)
	}
	return &OutputRows{
		batch:  rows.NewBatch(capacity, infos.NrOutputRegs),
		atMost: atMost,
		keep:   infos.RegsToKeep,
	}
}

// Append starts a new row carrying the kept registers of in and returns its
// index.
func (o *OutputRows) Append(in InputRow) int {
	i := o.batch.Append()
	if in.IsValid() {
		for _, reg := range o.keep {
			o.batch.Set(i, reg, in.Get(reg))
		}
	}
	return i
}

func (o *OutputRows) Set(i int, reg rows.RegisterID, v any) { o.batch.Set(i, reg, v) }

func (o *OutputRows) Len() int       { return o.batch.Len() }
func (o *OutputRows) Full() bool     { return o.batch.Len() >= o.atMost }
func (o *OutputRows) Remaining() int { return o.atMost - o.batch.Len() }

// Batch exposes the rows written so far.
func (o *OutputRows) Batch() *rows.Batch { return o.batch }

// Fetcher buffers one upstream batch and hands it out row by row.
type Fetcher struct {
	upstream Block
	buf      *rows.Batch
	pos      int
	// state is the upstream state that came with buf. Done means nothing
	// follows the buffered rows.
	state State
}

func NewFetcher(upstream Block) *Fetcher { return &Fetcher{upstream: upstream} }

func (f *Fetcher) Upstream() Block { return f.upstream }

// Buffered is the number of rows not yet handed out.
func (f *Fetcher) Buffered() int { return f.buf.Len() - f.pos }

func (f *Fetcher) Reset() {
	f.buf, f.pos, f.state = nil, 0, HasMore
}

func (f *Fetcher) exhausted() bool {
	return f.upstream == nil || f.state == Done
}

func (f *Fetcher) absorb(st State, b *rows.Batch) {
	if st == Waiting {
		st = HasMore
	}
	f.buf, f.pos, f.state = b, 0, st
}

// Next returns the next upstream row, fetching up to atMost rows when the
// buffer is empty. Done comes with the last row when upstream has signalled
// exhaustion, or with an invalid row. Waiting always comes with an invalid
// row, and so does HasMore when upstream returned an empty batch.
func (f *Fetcher) Next(ctx context.Context, atMost int) (State, InputRow, error) {
	for {
		if f.pos < f.buf.Len() {
			row := RowOf(f.buf, f.pos)
			f.pos++
			if f.pos == f.buf.Len() && f.state == Done {
				return Done, row, nil
			}
			return HasMore, row, nil
		}
		if f.exhausted() {
			return Done, InputRow{}, nil
		}
		st, b, err := f.upstream.ProduceRows(ctx, max(atMost, 1))
		if err != nil {
			return HasMore, InputRow{}, err
		}
		if b.Len() == 0 && st != Done {
			// an empty HasMore hands control back instead of spinning
			return st, InputRow{}, nil
		}
		f.absorb(st, b)
	}
}

// Skip discards up to atMost rows, first from the buffer and then by asking
// upstream to skip. It returns Done once upstream is exhausted.
func (f *Fetcher) Skip(ctx context.Context, atMost int) (State, int, error) {
	skipped := 0
	for skipped < atMost {
		if n := f.Buffered(); n > 0 {
			k := min(n, atMost-skipped)
			f.pos += k
			skipped += k
			continue
		}
		if f.exhausted() {
			return Done, skipped, nil
		}
		st, n, err := f.upstream.SkipRows(ctx, atMost-skipped)
		skipped += n
		if err != nil {
			return HasMore, skipped, err
		}
		if st == Waiting {
			return Waiting, skipped, nil
		}
		f.buf, f.pos, f.state = nil, 0, st
	}
	if f.Buffered() == 0 && f.exhausted() {
		return Done, skipped, nil
	}
	return HasMore, skipped, nil
}
