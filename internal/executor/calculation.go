package executor

import (
	"context"

	"github.com/hanpama/planexec/internal/expr"
	"github.com/hanpama/planexec/internal/rows"
)

func calculationProperties() Properties {
	return Properties{PreservesOrder: true, AllowsBlockPassthrough: true, InputSizeRestrictsOutputSize: true}
}

// referenceExecutor copies one register into another.
type referenceExecutor struct {
	in, out rows.RegisterID
}

func (*referenceExecutor) Properties() Properties { return calculationProperties() }

func (e *referenceExecutor) Transform(_ context.Context, b *rows.Batch) error {
	for i := range b.Len() {
		b.Set(i, e.out, b.Get(i, e.in))
	}
	return nil
}

func (*referenceExecutor) Produce(context.Context, *Fetcher, *OutputRows) (State, error) {
	return Done, errPassthroughOnly
}

func (*referenceExecutor) Reset(InputRow) error { return nil }

// conditionExecutor evaluates a side-effect-free expression per row.
type conditionExecutor struct {
	prg   *expr.Program
	binds binder
	out   rows.RegisterID
}

func (*conditionExecutor) Properties() Properties { return calculationProperties() }

func (e *conditionExecutor) Transform(ctx context.Context, b *rows.Batch) error {
	for i := range b.Len() {
		v, err := e.prg.Eval(ctx, e.binds.bind(RowOf(b, i)))
		if err != nil {
			return err
		}
		b.Set(i, e.out, v)
	}
	return nil
}

func (*conditionExecutor) Produce(context.Context, *Fetcher, *OutputRows) (State, error) {
	return Done, errPassthroughOnly
}

func (*conditionExecutor) Reset(InputRow) error { return nil }

// scriptExecutor evaluates an expression that needs the scripting fallback.
// One script context is held for the whole batch.
type scriptExecutor struct {
	prg     *expr.Program
	binds   binder
	out     rows.RegisterID
	scripts *expr.ScriptContexts
}

func (*scriptExecutor) Properties() Properties { return calculationProperties() }

func (e *scriptExecutor) Transform(ctx context.Context, b *rows.Batch) error {
	release, err := e.scripts.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	for i := range b.Len() {
		v, err := e.prg.EvalHeld(ctx, e.binds.bind(RowOf(b, i)))
		if err != nil {
			return err
		}
		b.Set(i, e.out, v)
	}
	return nil
}

func (*scriptExecutor) Produce(context.Context, *Fetcher, *OutputRows) (State, error) {
	return Done, errPassthroughOnly
}

func (*scriptExecutor) Reset(InputRow) error { return nil }
