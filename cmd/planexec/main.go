package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/panjf2000/ants/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/hanpama/planexec/internal/config"
	"github.com/hanpama/planexec/internal/engine"
	"github.com/hanpama/planexec/internal/eventbus"
	"github.com/hanpama/planexec/internal/expr"
	"github.com/hanpama/planexec/internal/grpctp"
	"github.com/hanpama/planexec/internal/logging"
	"github.com/hanpama/planexec/internal/metrics"
	"github.com/hanpama/planexec/internal/otel"
	"github.com/hanpama/planexec/internal/plan"
	"github.com/hanpama/planexec/internal/server"
	"github.com/hanpama/planexec/internal/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:           "planexec",
		Short:         "Execute and explain query execution plans",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (yaml or json)")
	pf.String("log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	pf.String("log-format", "text", "log format: text or json")
	pf.String("data", "", "JSON dataset loaded into the in-memory store")
	pf.Int("batch-size", 1000, "rows requested per engine call")
	pf.Duration("timeout", 0, "query timeout, 0 disables it")
	pf.Int64("seed", 0, "seed for random enumerations")
	pf.StringSlice("remote", nil, "name=host:port of a gRPC remote source; repeatable, \"*\" matches any endpoint")
	a.bind(pf.Lookup("log-level"), "log.level")
	a.bind(pf.Lookup("log-format"), "log.format")
	a.bind(pf.Lookup("data"), "data.path")
	a.bind(pf.Lookup("batch-size"), "engine.batchSize")
	a.bind(pf.Lookup("timeout"), "engine.queryTimeout")
	a.bind(pf.Lookup("seed"), "engine.seed")
	a.bind(pf.Lookup("remote"), "remote.endpoints")

	root.AddCommand(a.runCmd(), a.explainCmd(), a.serveCmd())
	return root
}

func (a *app) bind(f *pflag.Flag, key string) {
	// BindPFlag only fails on a nil flag.
	_ = a.v.BindPFlag(key, f)
}

func (a *app) setup() error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, AddSource: cfg.Log.AddSource})
	eventbus.Use(eventbus.New())
	metrics.Register()
	return nil
}

func (a *app) loadStore(path string) (*storage.MemoryStore, error) {
	if path == "" {
		return storage.NewMemoryStore(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dataset")
	}
	defer f.Close()
	return storage.LoadJSON(f)
}

func readPlan(path string) (*plan.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read plan")
	}
	p, err := plan.UnmarshalPlan(data)
	if err != nil {
		return nil, err
	}
	if err := plan.EnsurePrepared(p); err != nil {
		return nil, err
	}
	return p, nil
}

// engineOptions builds the runtime shared by every engine of the process.
// The returned release func frees the worker pool and remote connections.
func (a *app) engineOptions() (engine.Options, func(), error) {
	ec := a.cfg.Engine
	ev, err := expr.New(expr.Options{CacheSize: ec.ExpressionCacheSize, ScriptContexts: ec.ScriptContexts})
	if err != nil {
		return engine.Options{}, nil, err
	}
	var remote *grpctp.Transport
	if rc := a.cfg.Remote; len(rc.Endpoints) > 0 {
		provider, err := grpctp.ParseStaticEndpoints(rc.Endpoints)
		if err != nil {
			return engine.Options{}, nil, err
		}
		remote = grpctp.New(
			grpctp.WithProvider(provider),
			grpctp.WithRPCTimeout(rc.RPCTimeout),
			grpctp.WithMaxConnsPerEndpoint(rc.MaxConnsPerEndpoint),
		)
	}
	pool, err := ants.NewPool(ec.RemoteWorkers)
	if err != nil {
		return engine.Options{}, nil, errors.Wrap(err, "remote worker pool")
	}
	opts := engine.Options{Evaluator: ev, Pool: pool, BatchSize: ec.BatchSize, Seed: ec.Seed}
	release := pool.Release
	if remote != nil {
		opts.Remote = remote
		release = func() {
			pool.Release()
			_ = remote.Close()
		}
	}
	return opts, release, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ---- run ----

func (a *app) runCmd() *cobra.Command {
	var shards []string
	cmd := &cobra.Command{
		Use:   "run <plan.json>",
		Short: "Execute a serialized plan and print rows and stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readPlan(args[0])
			if err != nil {
				return err
			}
			opts, release, err := a.engineOptions()
			if err != nil {
				return err
			}
			defer release()

			ctx, q := engine.NewQuery(cmd.Context(), p, a.cfg.Engine.QueryTimeout)
			if len(shards) == 0 {
				snap, err := a.loadStore(a.cfg.Data.Path)
				if err != nil {
					return err
				}
				e, err := engine.New(q, snap, opts)
				if err != nil {
					return err
				}
				res, err := e.Execute(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			}

			list := make([]engine.Shard, 0, len(shards))
			for _, s := range shards {
				name, path, ok := strings.Cut(s, "=")
				if !ok || name == "" || path == "" {
					return errors.Newf("invalid shard %q, want name=dataset.json", s)
				}
				snap, err := a.loadStore(path)
				if err != nil {
					return err
				}
				list = append(list, engine.Shard{Name: name, Snapshot: snap})
			}
			results, err := engine.RunShards(ctx, q, list, opts)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), engine.Merge(results))
		},
	}
	cmd.Flags().StringArrayVar(&shards, "shard", nil, "name=dataset.json; repeatable, runs one engine per shard")
	return cmd
}

// ---- explain ----

func (a *app) explainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "explain <plan.json>",
		Short: "Print a plan with register plans and cost estimates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := readPlan(args[0])
			if err != nil {
				return err
			}
			snap, err := a.loadStore(a.cfg.Data.Path)
			if err != nil {
				return err
			}
			p.SetTransaction(snap)
			out, err := plan.MarshalPlan(p, plan.SerializeDetails|plan.SerializeEstimates|plan.SerializeParents, true)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if _, err := w.Write(out); err != nil {
				return err
			}
			_, err = fmt.Fprintln(w)
			return err
		},
	}
}

// ---- serve ----

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /execute, /explain and /metrics over HTTP, and optionally the dataset over gRPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			snap, err := a.loadStore(a.cfg.Data.Path)
			if err != nil {
				return err
			}
			opts, release, err := a.engineOptions()
			if err != nil {
				return err
			}
			defer release()

			shutdown, err := otel.Setup(a.cfg.Otel.Endpoint, a.cfg.Otel.ServiceName)
			if err != nil {
				return errors.Wrap(err, "otel setup")
			}
			defer func() { _ = shutdown(context.Background()) }()

			sc := a.cfg.Server
			sopts := []server.Option{
				server.WithMaxBodyBytes(sc.MaxBodyBytes),
				server.WithBatchSize(a.cfg.Engine.BatchSize),
			}
			if sc.Pretty {
				sopts = append(sopts, server.WithPretty())
			}
			if a.cfg.Engine.QueryTimeout > 0 {
				sopts = append(sopts, server.WithTimeout(a.cfg.Engine.QueryTimeout))
			}
			srv := &http.Server{Addr: sc.Addr, Handler: server.New(snap, opts, sopts...)}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errc := make(chan error, 2)
			if sc.GRPCAddr != "" {
				lis, err := net.Listen("tcp", sc.GRPCAddr)
				if err != nil {
					return errors.Wrapf(err, "listen %s", sc.GRPCAddr)
				}
				gs := grpc.NewServer()
				grpctp.Register(gs, grpctp.StoreSource{Snapshot: snap})
				defer gs.GracefulStop()
				go func() {
					logging.Info("planexec remote source listening", "addr", lis.Addr().String())
					errc <- gs.Serve(lis)
				}()
			}
			go func() {
				logging.Info("planexec listening", "addr", sc.Addr)
				errc <- srv.ListenAndServe()
			}()
			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				logging.Info("planexec shutting down")
				return srv.Shutdown(sctx)
			}
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8080", "HTTP listen address")
	f.Bool("pretty", false, "pretty-print JSON responses")
	f.String("otel-endpoint", "", "OTLP collector endpoint")
	f.String("grpc-addr", "", "serve the dataset as a gRPC remote source on this address")
	a.bind(f.Lookup("addr"), "server.addr")
	a.bind(f.Lookup("pretty"), "server.pretty")
	a.bind(f.Lookup("otel-endpoint"), "otel.endpoint")
	a.bind(f.Lookup("grpc-addr"), "server.grpcAddr")
	return cmd
}
