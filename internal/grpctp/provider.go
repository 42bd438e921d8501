package grpctp

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/hanpama/planexec/internal/qerrors"
)

// EndpointProvider resolves the name a Remote node refers to into reachable
// addresses (host:port). Implementations must be safe for concurrent use.
type EndpointProvider interface {
	Endpoints(ctx context.Context, name string) ([]string, error)
}

// StaticEndpoints is a fixed name -> addresses table. The name "*" is used
// for endpoints without an entry of their own.
type StaticEndpoints struct {
	mu   sync.RWMutex
	data map[string][]string
}

func NewStaticEndpoints(m map[string][]string) *StaticEndpoints {
	cp := make(map[string][]string, len(m))
	for k, v := range m {
		vv := make([]string, len(v))
		copy(vv, v)
		cp[k] = vv
	}
	return &StaticEndpoints{data: cp}
}

// ParseStaticEndpoints reads name=host:port pairs; a name may repeat.
func ParseStaticEndpoints(pairs []string) (*StaticEndpoints, error) {
	m := map[string][]string{}
	for _, p := range pairs {
		name, addr, ok := strings.Cut(p, "=")
		name, addr = strings.TrimSpace(name), strings.TrimSpace(addr)
		if !ok || name == "" || addr == "" {
			return nil, errors.Newf("invalid endpoint %q, want name=host:port", p)
		}
		m[name] = append(m[name], addr)
	}
	return NewStaticEndpoints(m), nil
}

func (s *StaticEndpoints) Endpoints(_ context.Context, name string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.data[name]
	if len(arr) == 0 {
		arr = s.data["*"]
	}
	if len(arr) == 0 {
		return nil, qerrors.NotFoundf("no address for remote endpoint %q", name)
	}
	out := make([]string, len(arr))
	copy(out, arr)
	return out, nil
}
