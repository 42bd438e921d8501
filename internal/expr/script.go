package expr

import (
	"context"
	"math/rand/v2"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hanpama/planexec/internal/qerrors"
)

// ScriptContexts hands out a bounded number of scripting contexts. Callers
// block until one is free or their context ends.
type ScriptContexts struct {
	sem    *semaphore.Weighted
	size   int64
	inUse  atomic.Int64
	peak   atomic.Int64
	served atomic.Int64
}

func NewScriptContexts(n int64) *ScriptContexts {
	return &ScriptContexts{sem: semaphore.NewWeighted(n), size: n}
}

func (s *ScriptContexts) Size() int64 { return s.size }

// Acquire returns a release func that must be called exactly once.
func (s *ScriptContexts) Acquire(ctx context.Context) (func(), error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, qerrors.Killedf("waiting for a script context: %v", err)
	}
	n := s.inUse.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	s.served.Add(1)
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			s.inUse.Add(-1)
			s.sem.Release(1)
		}
	}, nil
}

// Peak is the highest number of contexts held at once.
func (s *ScriptContexts) Peak() int64 { return s.peak.Load() }

// Served counts acquisitions.
func (s *ScriptContexts) Served() int64 { return s.served.Load() }

func scriptFunctions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("rand",
			cel.Overload("rand_double", nil, cel.DoubleType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					return types.Double(rand.Float64())
				}),
			),
		),
		cel.Function("uuid",
			cel.Overload("uuid_string", nil, cel.StringType,
				cel.FunctionBinding(func(...ref.Val) ref.Val {
					return types.String(uuid.NewString())
				}),
			),
		),
	}
}
