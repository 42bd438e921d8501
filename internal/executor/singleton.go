package executor

import (
	"context"
)

// rootExecutor runs Singleton and SubqueryStart nodes. It emits one row: the
// row handed to InitializeCursor, or an empty row at the top level.
type rootExecutor struct {
	input   InputRow
	emitted bool
}

func (*rootExecutor) Properties() Properties {
	return Properties{PreservesOrder: true, InputSizeRestrictsOutputSize: true}
}

func (e *rootExecutor) Produce(_ context.Context, _ *Fetcher, out *OutputRows) (State, error) {
	if !e.emitted {
		out.Append(e.input)
		e.emitted = true
	}
	return Done, nil
}

func (e *rootExecutor) Skip(context.Context, *Fetcher, int) (State, int, error) {
	if e.emitted {
		return Done, 0, nil
	}
	e.emitted = true
	return Done, 1, nil
}

func (e *rootExecutor) Reset(input InputRow) error {
	e.input = input
	e.emitted = false
	return nil
}

// noResultsExecutor never pulls from upstream.
type noResultsExecutor struct{}

func (noResultsExecutor) Properties() Properties {
	return Properties{PreservesOrder: true, InputSizeRestrictsOutputSize: true}
}

func (noResultsExecutor) Produce(context.Context, *Fetcher, *OutputRows) (State, error) {
	return Done, nil
}

func (noResultsExecutor) Skip(context.Context, *Fetcher, int) (State, int, error) {
	return Done, 0, nil
}

func (noResultsExecutor) Reset(InputRow) error { return nil }
