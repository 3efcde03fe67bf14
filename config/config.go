// Package config reads the YAML configuration of a hiway process and turns it into the
// typed options of the runtime's components.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"hiway-rpc/executor"
	"hiway-rpc/handler"
	"hiway-rpc/invocation"
	"hiway-rpc/loadbalance"
	"hiway-rpc/protocol"
	"hiway-rpc/registry"
	"hiway-rpc/transport"
)

// Config is the whole configuration file. Zero sections keep the values of Default.
type Config struct {
	AppID     string          `yaml:"appId"`
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Limits    LimitsConfig    `yaml:"limits"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Auth      AuthConfig      `yaml:"auth"`
	Registry  RegistryConfig  `yaml:"registry"`
	Log       LogConfig       `yaml:"log"`
}

// ServiceConfig names the microservice a server registers as.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ExecutorConfig sizes one business pool.
type ExecutorConfig struct {
	Workers int `yaml:"workers"`
	Queue   int `yaml:"queue"`
}

// ServerConfig configures the provider side.
type ServerConfig struct {
	Listen    string `yaml:"listen"`
	Advertise string `yaml:"advertise"`
	// Executors are the named business pools operations are bound to.
	Executors       map[string]ExecutorConfig `yaml:"executors"`
	DefaultExecutor string                    `yaml:"defaultExecutor"`
	// QueueTimeout rejects requests that waited longer for a worker. Zero disables it.
	QueueTimeout time.Duration `yaml:"queueTimeout"`
}

// ClientConfig configures the consumer side.
type ClientConfig struct {
	ConnectionsPerEndpoint int           `yaml:"connectionsPerEndpoint"`
	RequestTimeout         time.Duration `yaml:"requestTimeout"`
	DialTimeout            time.Duration `yaml:"dialTimeout"`
	LoginTimeout           time.Duration `yaml:"loginTimeout"`
	SweepInterval          time.Duration `yaml:"sweepInterval"`
	UnmatchedResponse      string        `yaml:"unmatchedResponse"`
	// VersionRules maps a microservice to the versions its consumers accept.
	VersionRules map[string]string `yaml:"versionRules"`
	LoadBalance  string            `yaml:"loadBalance"`
	StickyKey    string            `yaml:"stickyKey"`
	Retries      int               `yaml:"retries"`
	RetryDelay   time.Duration     `yaml:"retryDelay"`
}

// LimitsConfig caps the frame sections read from the wire. Zero is unlimited.
type LimitsConfig struct {
	MaxHeaderBytes int32 `yaml:"maxHeaderBytes"`
	MaxBodyBytes   int32 `yaml:"maxBodyBytes"`
}

// RateLimitConfig applies per operation. A zero QPS disables the stage.
type RateLimitConfig struct {
	QPS   float64 `yaml:"qps"`
	Burst int     `yaml:"burst"`
}

// AuthConfig enables the shared-token stage on both sides when Token is set.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// RegistryConfig selects the discovery backend.
type RegistryConfig struct {
	Etcd EtcdConfig `yaml:"etcd"`
}

// EtcdConfig enables discovery through etcd when Endpoints is not empty.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default is the configuration used for every key a file leaves out.
func Default() *Config {
	limits := protocol.DefaultLimits()
	client := transport.DefaultOptions()
	return &Config{
		AppID: "default",
		Service: ServiceConfig{
			Version: "1.0.0",
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:7070",
			Executors: map[string]ExecutorConfig{
				"default": {Workers: 16, Queue: 1024},
			},
			DefaultExecutor: "default",
		},
		Client: ClientConfig{
			ConnectionsPerEndpoint: client.ConnectionsPerEndpoint,
			RequestTimeout:         client.RequestTimeout,
			DialTimeout:            client.DialTimeout,
			LoginTimeout:           client.LoginTimeout,
			SweepInterval:          client.SweepInterval,
			UnmatchedResponse:      string(client.Unmatched),
			LoadBalance:            "roundRobin",
			StickyKey:              loadbalance.DefaultStickyKey,
			RetryDelay:             50 * time.Millisecond,
		},
		Limits: LimitsConfig{
			MaxHeaderBytes: limits.MaxHeaderBytes,
			MaxBodyBytes:   limits.MaxBodyBytes,
		},
		Registry: RegistryConfig{
			Etcd: EtcdConfig{
				TTL:         10 * time.Second,
				DialTimeout: 5 * time.Second,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the file at path over Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read configuration")
	}
	return Parse(data)
}

// Parse decodes YAML over Default. Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, errors.Wrap(err, "decode configuration")
	}
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return c, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if c.AppID == "" {
		err = multierr.Append(err, errors.New("appId must be set"))
	}
	if c.Service.Version != "" {
		if _, verr := semver.NewVersion(c.Service.Version); verr != nil {
			err = multierr.Append(err, errors.Wrap(verr, "service.version"))
		}
	}

	if len(c.Server.Executors) == 0 {
		err = multierr.Append(err, errors.New("server.executors must name at least one pool"))
	}
	for name, e := range c.Server.Executors {
		if e.Workers <= 0 {
			err = multierr.Append(err, errors.Errorf("server.executors.%s.workers must be positive", name))
		}
		if e.Queue < 0 {
			err = multierr.Append(err, errors.Errorf("server.executors.%s.queue must not be negative", name))
		}
	}
	if _, ok := c.Server.Executors[c.Server.DefaultExecutor]; !ok {
		err = multierr.Append(err, errors.Errorf("server.defaultExecutor %q is not a configured executor", c.Server.DefaultExecutor))
	}

	if _, perr := transport.ParseUnmatchedPolicy(c.Client.UnmatchedResponse); perr != nil {
		err = multierr.Append(err, errors.Wrap(perr, "client.unmatchedResponse"))
	}
	if _, serr := loadbalance.NewStrategy(c.Client.LoadBalance, c.Client.StickyKey); serr != nil {
		err = multierr.Append(err, errors.Wrap(serr, "client.loadBalance"))
	}
	for service, rule := range c.Client.VersionRules {
		if _, rerr := registry.ParseVersionRule(rule); rerr != nil {
			err = multierr.Append(err, errors.Wrapf(rerr, "client.versionRules.%s", service))
		}
	}
	if c.Client.Retries < 0 {
		err = multierr.Append(err, errors.New("client.retries must not be negative"))
	}

	if c.Limits.MaxHeaderBytes < 0 || c.Limits.MaxBodyBytes < 0 {
		err = multierr.Append(err, errors.New("limits must not be negative"))
	}
	if c.RateLimit.QPS < 0 || c.RateLimit.Burst < 0 {
		err = multierr.Append(err, errors.New("rateLimit must not be negative"))
	}
	if c.RateLimit.QPS > 0 && c.RateLimit.Burst == 0 {
		err = multierr.Append(err, errors.New("rateLimit.burst must be positive when qps is set"))
	}
	if _, lerr := zap.ParseAtomicLevel(c.Log.Level); lerr != nil {
		err = multierr.Append(err, errors.Wrap(lerr, "log.level"))
	}
	return err
}

// NewLogger builds the process logger.
func NewLogger(c LogConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// ProtocolLimits converts the limits section for the frame decoder.
func (c *Config) ProtocolLimits() protocol.Limits {
	return protocol.Limits{MaxHeaderBytes: c.Limits.MaxHeaderBytes, MaxBodyBytes: c.Limits.MaxBodyBytes}
}

// TransportOptions builds the client connection options.
func (c *Config) TransportOptions(logger *zap.Logger) transport.Options {
	unmatched, _ := transport.ParseUnmatchedPolicy(c.Client.UnmatchedResponse)
	return transport.Options{
		ConnectionsPerEndpoint: c.Client.ConnectionsPerEndpoint,
		DialTimeout:            c.Client.DialTimeout,
		LoginTimeout:           c.Client.LoginTimeout,
		RequestTimeout:         c.Client.RequestTimeout,
		SweepInterval:          c.Client.SweepInterval,
		Unmatched:              unmatched,
		Limits:                 c.ProtocolLimits(),
		Logger:                 logger,
	}
}

// Executors builds the server's business pools.
func (c *Config) Executors(logger *zap.Logger) *executor.Group {
	group := executor.NewGroup(c.Server.DefaultExecutor)
	for name, e := range c.Server.Executors {
		group.Add(name, executor.NewPool(name, e.Workers, e.Queue, logger))
	}
	return group
}

// Handlers builds the stage manager for both sides from the configured stages.
// Logging, tracing and metrics are always on; metrics register with reg.
func (c *Config) Handlers(logger *zap.Logger, reg prometheus.Registerer) (*handler.Manager, error) {
	metrics, err := handler.NewMetrics(reg)
	if err != nil {
		return nil, err
	}

	m := handler.NewManager(logger)
	for _, side := range []invocation.Side{invocation.Consumer, invocation.Producer} {
		m.Register(side, handler.NewLogging(logger), handler.NewTrace(), metrics)
		if c.Auth.Token != "" {
			m.Register(side, handler.NewAuth(c.Auth.Token))
		}
	}

	if c.RateLimit.QPS > 0 {
		m.Register(invocation.Producer, handler.NewRateLimit(c.RateLimit.QPS, c.RateLimit.Burst))
	}
	if c.Server.QueueTimeout > 0 {
		m.Register(invocation.Producer, handler.NewQueueTimeout(c.Server.QueueTimeout))
	}
	if c.Client.Retries > 0 {
		m.Register(invocation.Consumer, handler.NewRetry(c.Client.Retries, c.Client.RetryDelay, logger))
	}
	return m, nil
}

// Strategy builds the configured load balancing strategy.
func (c *Config) Strategy() (loadbalance.Strategy, error) {
	return loadbalance.NewStrategy(c.Client.LoadBalance, c.Client.StickyKey)
}

// OpenRegistry connects to the configured discovery backend. Without etcd endpoints it
// returns an in-process registry.
func (c *Config) OpenRegistry(logger *zap.Logger) (registry.Registry, error) {
	if len(c.Registry.Etcd.Endpoints) == 0 {
		return registry.NewMemory(), nil
	}
	etcd, err := registry.NewEtcd(registry.EtcdConfig{
		Endpoints:   c.Registry.Etcd.Endpoints,
		DialTimeout: c.Registry.Etcd.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return etcd, nil
}
