package executor

import (
	"context"

	"github.com/hanpama/planexec/internal/rows"
)

type filterExecutor struct {
	rt   *Runtime
	cond rows.RegisterID
}

func (*filterExecutor) Properties() Properties {
	return Properties{PreservesOrder: true, InputSizeRestrictsOutputSize: true}
}

func (e *filterExecutor) Produce(ctx context.Context, in *Fetcher, out *OutputRows) (State, error) {
	for !out.Full() {
		st, row, err := in.Next(ctx, out.Remaining())
		if err != nil {
			return st, err
		}
		if !row.IsValid() {
			return st, nil
		}
		if rows.ToBoolean(row.Get(e.cond)) {
			out.Append(row)
		} else {
			e.rt.Stats.Filtered++
		}
		if st == Done {
			return Done, nil
		}
	}
	return HasMore, nil
}

func (*filterExecutor) Reset(InputRow) error { return nil }

// limitExecutor passes rows offset..offset+limit. With fullCount it keeps
// skipping upstream after the limit and records the total in Stats.FullCount.
type limitExecutor struct {
	rt        *Runtime
	offset    int64
	limit     int64
	fullCount bool

	skipped int64
	passed  int64
	counted bool
}

func (*limitExecutor) Properties() Properties {
	return Properties{PreservesOrder: true, InputSizeRestrictsOutputSize: true}
}

func (e *limitExecutor) countFull(n int) {
	if e.fullCount {
		e.rt.Stats.FullCount += int64(n)
	}
}

// skipOffset returns Done when upstream ran dry inside the offset.
func (e *limitExecutor) skipOffset(ctx context.Context, in *Fetcher) (State, error) {
	for e.skipped < e.offset {
		st, n, err := in.Skip(ctx, int(e.offset-e.skipped))
		e.skipped += int64(n)
		e.countFull(n)
		if err != nil || st != HasMore {
			return st, err
		}
	}
	return HasMore, nil
}

// countRest drains upstream for the full count.
func (e *limitExecutor) countRest(ctx context.Context, in *Fetcher) (State, error) {
	if !e.fullCount || e.counted {
		return Done, nil
	}
	for {
		st, n, err := in.Skip(ctx, e.rt.batchSize())
		e.countFull(n)
		if err != nil {
			return st, err
		}
		switch st {
		case Waiting:
			return Waiting, nil
		case Done:
			e.counted = true
			return Done, nil
		}
	}
}

func (e *limitExecutor) Produce(ctx context.Context, in *Fetcher, out *OutputRows) (State, error) {
	if st, err := e.skipOffset(ctx, in); err != nil || st != HasMore {
		return st, err
	}
	for !out.Full() && e.passed < e.limit {
		st, row, err := in.Next(ctx, int(min(int64(out.Remaining()), e.limit-e.passed)))
		if err != nil {
			return st, err
		}
		if !row.IsValid() {
			return st, nil
		}
		out.Append(row)
		e.passed++
		e.countFull(1)
		if st == Done {
			return Done, nil
		}
	}
	if e.passed >= e.limit {
		return e.countRest(ctx, in)
	}
	return HasMore, nil
}

func (e *limitExecutor) Skip(ctx context.Context, in *Fetcher, atMost int) (State, int, error) {
	if st, err := e.skipOffset(ctx, in); err != nil || st != HasMore {
		return st, 0, err
	}
	skipped := 0
	if e.passed < e.limit {
		st, n, err := in.Skip(ctx, int(min(int64(atMost), e.limit-e.passed)))
		e.passed += int64(n)
		e.countFull(n)
		skipped = n
		if err != nil || st != HasMore {
			return st, skipped, err
		}
	}
	if e.passed >= e.limit {
		st, err := e.countRest(ctx, in)
		return st, skipped, err
	}
	return HasMore, skipped, nil
}

func (e *limitExecutor) Reset(InputRow) error {
	e.skipped, e.passed, e.counted = 0, 0, false
	return nil
}
