package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/hanpama/planexec/internal/executor"
	"github.com/hanpama/planexec/internal/storage"
)

// Shard is one participant of a query that fans out over several snapshots.
type Shard struct {
	Name     string
	Snapshot storage.Snapshot
	// Remote overrides Options.Remote for this shard.
	Remote executor.RemoteSource
}

// RunShards executes q on every shard concurrently, one engine each, and
// returns the results in shard order. The first failure cancels the others.
func RunShards(ctx context.Context, q *Query, shards []Shard, opts Options) ([]*Result, error) {
	results := make([]*Result, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range shards {
		g.Go(func() error {
			o := opts
			o.Shard = s.Name
			if s.Remote != nil {
				o.Remote = s.Remote
			}
			e, err := New(q, s.Snapshot, o)
			if err != nil {
				return err
			}
			res, err := e.Execute(gctx)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Merge concatenates shard results in order and sums their counters.
func Merge(results []*Result) *Result {
	out := &Result{Rows: []any{}}
	for _, r := range results {
		if out.QueryID == "" {
			out.QueryID = r.QueryID
		}
		out.Rows = append(out.Rows, r.Rows...)
		out.Stats.Add(r.Stats)
		if r.FullCount != nil {
			fc := *r.FullCount
			if out.FullCount != nil {
				fc += *out.FullCount
			}
			out.FullCount = &fc
		}
		out.Duration = max(out.Duration, r.Duration)
	}
	return out
}
