package executor

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/rows"
)

func TestStateString(t *testing.T) {
	require.Equal(t, "HASMORE", HasMore.String())
	require.Equal(t, "DONE", Done.String())
	require.Equal(t, "WAITING", Waiting.String())
}

func TestFetcherNext(t *testing.T) {
	up := newScripted(step{st: HasMore, vals: []any{1, 2}}, step{st: Done, vals: []any{3}})
	f := NewFetcher(up)
	ctx := context.Background()

	var states []State
	var got []any
	for {
		st, row, err := f.Next(ctx, 10)
		require.NoError(t, err)
		if !row.IsValid() {
			require.Equal(t, Done, st)
			break
		}
		states = append(states, st)
		got = append(got, row.Get(0))
	}
	if diff := cmp.Diff([]any{1, 2, 3}, got); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]State{HasMore, HasMore, Done}, states); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 2, up.calls)
}

func TestFetcherNextEmptyBatchYields(t *testing.T) {
	up := newScripted(step{st: HasMore}, step{st: Waiting}, step{st: Done, vals: []any{1}})
	f := NewFetcher(up)
	ctx := context.Background()

	st, row, err := f.Next(ctx, 10)
	require.NoError(t, err)
	require.False(t, row.IsValid())
	require.Equal(t, HasMore, st)

	st, row, err = f.Next(ctx, 10)
	require.NoError(t, err)
	require.False(t, row.IsValid())
	require.Equal(t, Waiting, st)

	st, row, err = f.Next(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, Done, st)
	require.Equal(t, 1, row.Get(0))
}

func TestFetcherSkip(t *testing.T) {
	up := newScripted(step{st: HasMore, vals: []any{1, 2}}, step{st: Done, vals: []any{3}})
	f := NewFetcher(up)

	st, n, err := f.Skip(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, Done, st)
	require.Equal(t, 3, n)
}

func TestFetcherSkipDrainsBufferFirst(t *testing.T) {
	up := newScripted(step{st: HasMore, vals: []any{1, 2, 3}}, step{st: Done, vals: []any{4}})
	f := NewFetcher(up)
	ctx := context.Background()

	_, row, err := f.Next(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 1, row.Get(0))

	st, n, err := f.Skip(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, HasMore, st)
	require.Equal(t, 1, n)
	require.Equal(t, 1, up.calls)

	_, row, err = f.Next(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 3, row.Get(0))
}

func filterBlock(up Block, rt *Runtime) *BlockImpl[*filterExecutor] {
	infos := &Infos{NrInputRegs: 1, NrOutputRegs: 1, RegsToKeep: []rows.RegisterID{0}}
	return NewBlock(infos, &filterExecutor{rt: rt, cond: 0}, up)
}

func TestBlockWaitingNeverDropsRows(t *testing.T) {
	up := newScripted(
		step{st: HasMore, vals: []any{true, false}},
		step{st: Waiting},
		step{st: Waiting},
		step{st: Done, vals: []any{true}},
	)
	rt := &Runtime{}
	blk := filterBlock(up, rt)
	ctx := context.Background()

	st, b, err := blk.ProduceRows(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, HasMore, st, "rows produced before a wait come back as HASMORE")
	require.Equal(t, 1, b.Len())

	st, b, err = blk.ProduceRows(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, Waiting, st)
	require.Zero(t, b.Len())

	st, b, err = blk.ProduceRows(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, Done, st)
	require.Equal(t, 1, b.Len())
	require.Equal(t, int64(1), rt.Stats.Filtered)

	st, b, err = blk.ProduceRows(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, Done, st)
	require.Zero(t, b.Len())
	require.Equal(t, 4, up.calls, "a done block does not pull again")
}

func TestBlockRejectsNonPositiveAtMost(t *testing.T) {
	blk := filterBlock(newScripted(), &Runtime{})
	_, _, err := blk.ProduceRows(context.Background(), 0)
	require.Error(t, err)
	require.Equal(t, qerrors.KindPolicyViolation, qerrors.KindOf(err))

	_, _, err = blk.SkipRows(context.Background(), -1)
	require.Error(t, err)
	require.Equal(t, qerrors.KindPolicyViolation, qerrors.KindOf(err))
}

func TestBlockPassthroughWidensAndClears(t *testing.T) {
	up := newScripted(step{st: Done, vals: []any{"a", "b"}})
	infos := &Infos{NrInputRegs: 1, NrOutputRegs: 2, RegsToClear: []rows.RegisterID{0}}
	blk := NewBlock(infos, &referenceExecutor{in: 0, out: 1}, up)

	st, b, err := blk.ProduceRows(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, Done, st)
	want := [][]any{{nil, "a"}, {nil, "b"}}
	got := [][]any{b.Row(0), b.Row(1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestBlockPassthroughSkipDelegates(t *testing.T) {
	up := newScripted(step{st: HasMore, vals: []any{1, 2, 3}})
	infos := &Infos{NrInputRegs: 1, NrOutputRegs: 2}
	blk := NewBlock(infos, &referenceExecutor{in: 0, out: 1}, up)

	st, n, err := blk.SkipRows(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, HasMore, st)
	require.Equal(t, 3, n)
	require.Equal(t, 1, up.calls)
}

func TestNoResultsNeverPulls(t *testing.T) {
	up := newScripted(step{st: Done, vals: []any{1}})
	blk := NewBlock(&Infos{NrOutputRegs: 1}, noResultsExecutor{}, up)

	st, b, err := blk.ProduceRows(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, Done, st)
	require.Zero(t, b.Len())

	st, n, err := blk.SkipRows(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, Done, st)
	require.Zero(t, n)
	require.Zero(t, up.calls)
}

func TestInitializeCursorPropagates(t *testing.T) {
	up := newScripted(step{st: Done, vals: []any{true}})
	blk := filterBlock(up, &Runtime{})
	ctx := context.Background()

	st, _, err := blk.ProduceRows(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, Done, st)

	require.NoError(t, blk.InitializeCursor(InputRow{}))
	require.Equal(t, 1, up.inits)

	up.steps = []step{{st: Done, vals: []any{true, true}}}
	st, b, err := blk.ProduceRows(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, Done, st)
	require.Equal(t, 2, b.Len())
}

func TestRootExecutorEmitsInputOnce(t *testing.T) {
	input := rows.NewBatch(1, 2)
	i := input.Append()
	input.Set(i, 0, "outer")
	infos := &Infos{NrInputRegs: 2, NrOutputRegs: 2, RegsToKeep: []rows.RegisterID{0}}
	blk := NewBlock(infos, &rootExecutor{}, nil)
	ctx := context.Background()

	for range 2 {
		require.NoError(t, blk.InitializeCursor(RowOf(input, 0)))
		st, b, err := blk.ProduceRows(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, Done, st)
		require.Equal(t, 1, b.Len())
		require.Equal(t, "outer", b.Get(0, 0))

		st, b, err = blk.ProduceRows(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, Done, st)
		require.Zero(t, b.Len())
	}
}

func TestWaker(t *testing.T) {
	w := NewWaker()
	w.Wake()
	w.Wake()
	require.NoError(t, w.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Wait(ctx)
	require.True(t, qerrors.IsKilled(err))
	require.False(t, errors.Is(err, qerrors.ErrTimeout))

	tctx, tcancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer tcancel()
	err = w.Wait(tctx)
	require.True(t, errors.Is(err, qerrors.ErrTimeout))
}

func TestStatsAdd(t *testing.T) {
	s := Stats{Scanned: 1, Waits: 2}
	s.Add(Stats{Scanned: 2, Filtered: 3, FullCount: 4, Fetched: 5, Waits: 1})
	if diff := cmp.Diff(Stats{Scanned: 3, Filtered: 3, FullCount: 4, Fetched: 5, Waits: 3}, s); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}
}
