package executor

import (
	"context"

	"github.com/hanpama/planexec/internal/qerrors"
	"github.com/hanpama/planexec/internal/rows"
	"github.com/hanpama/planexec/internal/storage"
)

// materializeExecutor replaces (collection, local id) placeholders with the
// documents they point at. The single-collection variant resolves its
// collection once; the multi-collection variant reads it from every row.
type materializeExecutor struct {
	rt     *Runtime
	docID  rows.RegisterID
	colPtr rows.RegisterID
	multi  bool
	out    rows.RegisterID

	single storage.Collection
	byName map[string]storage.Collection
}

func (*materializeExecutor) Properties() Properties {
	return Properties{PreservesOrder: true, AllowsBlockPassthrough: true, InputSizeRestrictsOutputSize: true}
}

func (e *materializeExecutor) collection(name any) (storage.Collection, error) {
	if !e.multi {
		return e.single, nil
	}
	s, ok := name.(string)
	if !ok {
		return nil, qerrors.RuntimeDataf("collection placeholder is %T, not a name", name)
	}
	if c, ok := e.byName[s]; ok {
		return c, nil
	}
	c, err := e.rt.Snapshot.Collection(s)
	if err != nil {
		return nil, err
	}
	if e.byName == nil {
		e.byName = make(map[string]storage.Collection)
	}
	e.byName[s] = c
	return c, nil
}

func (e *materializeExecutor) Transform(ctx context.Context, b *rows.Batch) error {
	for i := range b.Len() {
		var name any
		if e.multi {
			name = b.Get(i, e.colPtr)
		}
		coll, err := e.collection(name)
		if err != nil {
			return err
		}
		raw := b.Get(i, e.docID)
		id, ok := rows.ToNumber(raw)
		if !ok || id < 0 {
			return qerrors.RuntimeDataf("document placeholder %v in %s is not a local id", raw, coll.Name())
		}
		doc, err := coll.Document(ctx, storage.LocalDocumentID(id))
		if err != nil {
			return err
		}
		b.Set(i, e.out, doc)
	}
	return nil
}

func (*materializeExecutor) Produce(context.Context, *Fetcher, *OutputRows) (State, error) {
	return Done, errPassthroughOnly
}

func (*materializeExecutor) Reset(InputRow) error { return nil }

// returnExecutor hands its input on unchanged; the consumer reads the result
// register named by the node.
type returnExecutor struct{}

func (returnExecutor) Properties() Properties {
	return Properties{PreservesOrder: true, AllowsBlockPassthrough: true, InputSizeRestrictsOutputSize: true}
}

func (returnExecutor) Transform(context.Context, *rows.Batch) error { return nil }

func (returnExecutor) Produce(context.Context, *Fetcher, *OutputRows) (State, error) {
	return Done, errPassthroughOnly
}

func (returnExecutor) Reset(InputRow) error { return nil }
