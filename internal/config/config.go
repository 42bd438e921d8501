// Package config loads planexec settings from defaults, an optional config
// file, PLANEXEC_ environment variables and bound command-line flags.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// PLANEXEC_ENGINE_BATCHSIZE=500.
const EnvPrefix = "PLANEXEC"

type Config struct {
	Log    Log    `mapstructure:"log"`
	Engine Engine `mapstructure:"engine"`
	Server Server `mapstructure:"server"`
	Remote Remote `mapstructure:"remote"`
	Otel   Otel   `mapstructure:"otel"`
	Data   Data   `mapstructure:"data"`
}

type Log struct {
	Level     string `mapstructure:"level"`
	Format    string `mapstructure:"format"`
	AddSource bool   `mapstructure:"addSource"`
}

// Engine tunes query execution.
type Engine struct {
	// BatchSize is the atMost used when a query is driven to completion.
	BatchSize int `mapstructure:"batchSize"`
	// QueryTimeout of zero disables the timeout.
	QueryTimeout        time.Duration `mapstructure:"queryTimeout"`
	ScriptContexts      int           `mapstructure:"scriptContexts"`
	RemoteWorkers       int           `mapstructure:"remoteWorkers"`
	ExpressionCacheSize int           `mapstructure:"expressionCacheSize"`
	Seed                int64         `mapstructure:"seed"`
}

type Server struct {
	Addr         string `mapstructure:"addr"`
	MaxBodyBytes int64  `mapstructure:"maxBodyBytes"`
	Pretty       bool   `mapstructure:"pretty"`
	// GRPCAddr, when set, also serves the loaded dataset as a remote source.
	GRPCAddr     string `mapstructure:"grpcAddr"`
}

// Remote configures the gRPC client used by Remote nodes.
type Remote struct {
	// Endpoints are name=host:port pairs; the name "*" matches any endpoint.
	Endpoints           []string      `mapstructure:"endpoints"`
	RPCTimeout          time.Duration `mapstructure:"rpcTimeout"`
	MaxConnsPerEndpoint int           `mapstructure:"maxConnsPerEndpoint"`
}

// Otel is disabled while Endpoint is empty.
type Otel struct {
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// Data points at a JSON dataset loaded into the in-memory store.
type Data struct {
	Path string `mapstructure:"path"`
}

// New returns a viper instance carrying the defaults and the environment
// binding. Callers may bind flags into it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.addSource", false)
	v.SetDefault("engine.batchSize", 1000)
	v.SetDefault("engine.queryTimeout", time.Duration(0))
	v.SetDefault("engine.scriptContexts", 4)
	v.SetDefault("engine.remoteWorkers", 16)
	v.SetDefault("engine.expressionCacheSize", 1024)
	v.SetDefault("engine.seed", int64(0))
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.maxBodyBytes", int64(1<<20))
	v.SetDefault("server.pretty", false)
	v.SetDefault("server.grpcAddr", "")
	v.SetDefault("remote.endpoints", []string{})
	v.SetDefault("remote.rpcTimeout", 3*time.Second)
	v.SetDefault("remote.maxConnsPerEndpoint", 2)
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.serviceName", "planexec")
	v.SetDefault("data.path", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if not empty) into v and decodes the result.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", file)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Engine.BatchSize <= 0:
		return errors.Newf("engine.batchSize must be positive, got %d", c.Engine.BatchSize)
	case c.Engine.QueryTimeout < 0:
		return errors.Newf("engine.queryTimeout must not be negative, got %s", c.Engine.QueryTimeout)
	case c.Engine.ScriptContexts <= 0:
		return errors.Newf("engine.scriptContexts must be positive, got %d", c.Engine.ScriptContexts)
	case c.Engine.RemoteWorkers <= 0:
		return errors.Newf("engine.remoteWorkers must be positive, got %d", c.Engine.RemoteWorkers)
	case c.Engine.ExpressionCacheSize <= 0:
		return errors.Newf("engine.expressionCacheSize must be positive, got %d", c.Engine.ExpressionCacheSize)
	case c.Server.MaxBodyBytes <= 0:
		return errors.Newf("server.maxBodyBytes must be positive, got %d", c.Server.MaxBodyBytes)
	case c.Remote.RPCTimeout <= 0:
		return errors.Newf("remote.rpcTimeout must be positive, got %s", c.Remote.RPCTimeout)
	case c.Remote.MaxConnsPerEndpoint <= 0:
		return errors.Newf("remote.maxConnsPerEndpoint must be positive, got %d", c.Remote.MaxConnsPerEndpoint)
	}
	return nil
}
