package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)

	want := Engine{
		BatchSize:           1000,
		ScriptContexts:      4,
		RemoteWorkers:       16,
		ExpressionCacheSize: 1024,
	}
	if diff := cmp.Diff(want, cfg.Engine); diff != "" {
		t.Fatalf("engine defaults mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "planexec", cfg.Otel.ServiceName)
	require.Equal(t, "INFO", cfg.Log.Level)
	require.Equal(t, 3*time.Second, cfg.Remote.RPCTimeout)
	require.Empty(t, cfg.Remote.Endpoints)
}

func TestFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "planexec.yaml")
	body := "engine:\n  batchSize: 250\n  queryTimeout: 2s\nserver:\n  addr: 127.0.0.1:9000\nremote:\n  endpoints: [\"a=h1:1\", \"b=h2:2\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("PLANEXEC_ENGINE_BATCHSIZE", "500")
	t.Setenv("PLANEXEC_LOG_LEVEL", "DEBUG")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	require.Equal(t, 500, cfg.Engine.BatchSize)
	require.Equal(t, 2*time.Second, cfg.Engine.QueryTimeout)
	require.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	require.Equal(t, "DEBUG", cfg.Log.Level)
	require.Equal(t, []string{"a=h1:1", "b=h2:2"}, cfg.Remote.Endpoints)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("PLANEXEC_ENGINE_REMOTEWORKERS", "0")
	_, err := Load(New(), "")
	require.ErrorContains(t, err, "engine.remoteWorkers")
}
