// Package config loads the settings shared by the agent and controller binaries.
//
// Values come, from lowest to highest priority, from built-in defaults, an optional
// TOML/YAML/JSON file, BAMBUK_* environment variables (BAMBUK_LISTENER_PORT for
// listener.port) and command-line flags bound to the same keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bambuk-rpc/endpoint"
	"bambuk-rpc/logging"
	"bambuk-rpc/transport"

	"github.com/spf13/viper"
)

const EnvPrefix = "BAMBUK"

// Keys, as used in config files, flags and (upper-cased, "." → "_") environment variables.
const (
	KeyConfigFile = "config"

	KeyListenerIP        = "listener.ip"
	KeyListenerPort      = "listener.port"
	KeyListenerAdvertise = "listener.advertise"

	KeyTransportKind        = "transport.kind"
	KeyTransportSendTimeout = "transport.send_timeout"
	KeyTransportRecvTimeout = "transport.recv_timeout"
	KeyTransportDialTimeout = "transport.dial_timeout"

	KeySenderMaxAttempts = "sender.max_attempts"
	KeySenderBackoff     = "sender.backoff"
	KeySenderMaxInFlight = "sender.max_in_flight"

	KeyReceiverRateLimit      = "receiver.rate_limit"
	KeyReceiverRateBurst      = "receiver.rate_burst"
	KeyReceiverHandlerTimeout = "receiver.handler_timeout"

	KeyRegistryEtcd = "registry.etcd_endpoints"
	KeyRegistryTTL  = "registry.ttl"

	KeyAgentHost   = "agent.host"
	KeyAgentDBPath = "agent.db_path"

	KeyLogLevel  = "log.level"
	KeyLogFormat = "log.format"

	KeyMetricsAddr = "metrics.addr"
)

type Config struct {
	Listener  ListenerConfig  `mapstructure:"listener"`
	Transport TransportConfig `mapstructure:"transport"`
	Sender    SenderConfig    `mapstructure:"sender"`
	Receiver  ReceiverConfig  `mapstructure:"receiver"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Log       logging.Config  `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type ListenerConfig struct {
	IP        string `mapstructure:"ip"` // "*" binds every interface
	Port      int    `mapstructure:"port"`
	Advertise string `mapstructure:"advertise"` // host published in the registry; defaults to IP
}

type TransportConfig struct {
	Kind        string        `mapstructure:"kind"` // "message" or "stream"
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	RecvTimeout time.Duration `mapstructure:"recv_timeout"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type SenderConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	MaxInFlight int           `mapstructure:"max_in_flight"`
}

type ReceiverConfig struct {
	RateLimit      float64       `mapstructure:"rate_limit"` // calls per second, 0 disables
	RateBurst      int           `mapstructure:"rate_burst"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"` // 0 disables
}

type RegistryConfig struct {
	EtcdEndpoints []string `mapstructure:"etcd_endpoints"` // empty disables the registry
	TTL           int64    `mapstructure:"ttl"`            // lease TTL in seconds
}

type AgentConfig struct {
	Host   string `mapstructure:"host"`    // registry id; defaults to the hostname
	DBPath string `mapstructure:"db_path"` // empty keeps the database in memory
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables /metrics
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyConfigFile, "")

	v.SetDefault(KeyListenerIP, endpoint.AnyHost)
	v.SetDefault(KeyListenerPort, endpoint.DefaultPort)
	v.SetDefault(KeyListenerAdvertise, "")

	opts := transport.DefaultOptions()
	v.SetDefault(KeyTransportKind, string(transport.KindMessage))
	v.SetDefault(KeyTransportSendTimeout, opts.SendTimeout)
	v.SetDefault(KeyTransportRecvTimeout, opts.RecvTimeout)
	v.SetDefault(KeyTransportDialTimeout, opts.DialTimeout)

	v.SetDefault(KeySenderMaxAttempts, 10)
	v.SetDefault(KeySenderBackoff, 200*time.Millisecond)
	v.SetDefault(KeySenderMaxInFlight, 20000)

	v.SetDefault(KeyReceiverRateLimit, 0.0)
	v.SetDefault(KeyReceiverRateBurst, 100)
	v.SetDefault(KeyReceiverHandlerTimeout, time.Duration(0))

	v.SetDefault(KeyRegistryEtcd, []string{})
	v.SetDefault(KeyRegistryTTL, int64(10))

	v.SetDefault(KeyAgentHost, "")
	v.SetDefault(KeyAgentDBPath, "")

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, logging.FormatConsole)

	v.SetDefault(KeyMetricsAddr, "")
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file named by the "config" key, if any, and decodes v.
func Load(v *viper.Viper) (*Config, error) {
	if file := v.GetString(KeyConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Agent.Host == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Agent.Host = host
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations. It reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ListenEndpoint().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("listener: %w", err))
	}
	if _, err := transport.ParseKind(c.Transport.Kind); err != nil {
		errs = append(errs, err)
	}
	if c.Transport.SendTimeout <= 0 || c.Transport.RecvTimeout <= 0 || c.Transport.DialTimeout <= 0 {
		errs = append(errs, errors.New("transport: timeouts must be positive"))
	}
	if c.Sender.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("sender: max_attempts %d must be at least 1", c.Sender.MaxAttempts))
	}
	if c.Sender.Backoff < 0 {
		errs = append(errs, fmt.Errorf("sender: negative backoff %s", c.Sender.Backoff))
	}
	if c.Sender.MaxInFlight < 1 {
		errs = append(errs, fmt.Errorf("sender: max_in_flight %d must be at least 1", c.Sender.MaxInFlight))
	}
	if c.Receiver.RateLimit < 0 || (c.Receiver.RateLimit > 0 && c.Receiver.RateBurst < 1) {
		errs = append(errs, errors.New("receiver: rate_limit must be >= 0 with a positive rate_burst"))
	}
	if c.Receiver.HandlerTimeout < 0 {
		errs = append(errs, errors.New("receiver: negative handler_timeout"))
	}
	if len(c.Registry.EtcdEndpoints) > 0 && c.Registry.TTL < 1 {
		errs = append(errs, fmt.Errorf("registry: ttl %d must be at least 1", c.Registry.TTL))
	}
	switch c.Log.Format {
	case logging.FormatConsole, logging.FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("log: unknown format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) TransportKind() transport.Kind {
	kind, _ := transport.ParseKind(c.Transport.Kind)
	return kind
}

func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		SendTimeout: c.Transport.SendTimeout,
		RecvTimeout: c.Transport.RecvTimeout,
		DialTimeout: c.Transport.DialTimeout,
	}
}

// ListenEndpoint is the address the receiver binds.
func (c *Config) ListenEndpoint() endpoint.Endpoint {
	return endpoint.New(c.Listener.IP, c.Listener.Port)
}

// AdvertiseEndpoint is the address published in the registry.
func (c *Config) AdvertiseEndpoint() endpoint.Endpoint {
	host := c.Listener.Advertise
	if host == "" {
		host = c.Listener.IP
	}
	return endpoint.New(host, c.Listener.Port)
}
