package executor

import (
	"context"

	"github.com/hanpama/planexec/internal/rows"
)

// remoteExecutor streams the values of a remote endpoint once per input row.
// Pages are fetched on the runtime's pool; while a page is in flight the
// executor answers Waiting.
type remoteExecutor struct {
	rt       *Runtime
	endpoint string
	out      rows.RegisterID

	current      InputRow
	upstreamDone bool
	offset       int
	page         []any
	pos          int
	exhausted    bool
	pending      *fetch
}

func (*remoteExecutor) Properties() Properties {
	return Properties{PreservesOrder: true}
}

func (e *remoteExecutor) Produce(ctx context.Context, in *Fetcher, out *OutputRows) (State, error) {
	for !out.Full() {
		if !e.current.IsValid() {
			if e.upstreamDone {
				return Done, nil
			}
			st, row, err := in.Next(ctx, out.Remaining())
			if err != nil || !row.IsValid() {
				return st, err
			}
			e.current = row
			e.upstreamDone = st == Done
			e.offset, e.page, e.pos, e.exhausted = 0, nil, 0, false
		}

		if e.pos < len(e.page) {
			for e.pos < len(e.page) && !out.Full() {
				i := out.Append(e.current)
				out.Set(i, e.out, e.page[e.pos])
				e.pos++
			}
			continue
		}
		if e.exhausted {
			e.current = InputRow{}
			if e.upstreamDone {
				return Done, nil
			}
			continue
		}

		if e.pending == nil {
			f, err := e.rt.startFetch(ctx, RemoteRequest{Endpoint: e.endpoint, Offset: e.offset, AtMost: out.Remaining()})
			if err != nil {
				return HasMore, err
			}
			e.pending = f
		}
		if !e.pending.ready() {
			e.rt.Stats.Waits++
			return Waiting, nil
		}
		f := e.pending
		e.pending = nil
		if f.err != nil {
			return HasMore, f.err
		}
		e.page, e.pos = f.resp.Values, 0
		e.offset += len(f.resp.Values)
		e.exhausted = f.resp.Done || len(f.resp.Values) == 0
		e.rt.Stats.Fetched += int64(len(f.resp.Values))
	}
	return HasMore, nil
}

func (e *remoteExecutor) Reset(InputRow) error {
	e.current, e.upstreamDone = InputRow{}, false
	e.offset, e.page, e.pos, e.exhausted = 0, nil, 0, false
	e.pending = nil
	return nil
}
