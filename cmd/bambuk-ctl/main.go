// Command bambuk-ctl drives agents from the command line the way the controller does.
//
//	bambuk-ctl state  --endpoint 10.0.0.5 --data '{"device_id": "compute-5", "local_ip": "10.0.0.5"}'
//	bambuk-ctl apply  --endpoint 10.0.0.5:5555 --data @db.json
//	bambuk-ctl update --host compute-5 --host compute-6 --etcd 127.0.0.1:2379 --data '{"table": "t", "key": "k", "value": "v"}'
//	bambuk-ctl delete --endpoint 10.0.0.5 --endpoint 10.0.0.6 --data '{"table": "t", "key": "k"}'
//	bambuk-ctl agents --etcd 127.0.0.1:2379
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"bambuk-rpc/client"
	"bambuk-rpc/config"
	"bambuk-rpc/endpoint"
	"bambuk-rpc/logging"
	"bambuk-rpc/registry"
	"bambuk-rpc/transport"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var errNoTarget = errors.New("no target: pass --endpoint or --host")

func main() {
	if err := newRootCommand(config.New(), os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:          "bambuk-ctl",
		Short:        "Send dispatch RPC calls to bambuk agents",
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "Config file (TOML, YAML or JSON)")
	pf.String("transport", "message", "Binding: message or stream")
	pf.StringSlice("etcd", nil, "etcd endpoints used to resolve --host")
	pf.Int("max-attempts", client.DefaultMaxAttempts, "Attempts per agent before giving up")
	pf.String("log-level", "warn", "Log level")
	for key, name := range map[string]string{
		config.KeyConfigFile:        "config",
		config.KeyTransportKind:     "transport",
		config.KeyRegistryEtcd:      "etcd",
		config.KeySenderMaxAttempts: "max-attempts",
		config.KeyLogLevel:          "log-level",
	} {
		if err := v.BindPFlag(key, pf.Lookup(name)); err != nil {
			panic(err)
		}
	}
	v.SetDefault(config.KeyLogLevel, "warn")

	root.AddCommand(
		verbCommand(v, out, "state", "Ask one agent for its state", stateVerb),
		verbCommand(v, out, "apply", "Replace one agent's database", applyVerb),
		verbCommand(v, out, "update", "Set one key on many agents", updateVerb),
		verbCommand(v, out, "delete", "Remove one key from many agents", deleteVerb),
		agentsCommand(v, out),
	)
	return root
}

type verbFunc func(c *client.AgentClient, data any, eps []endpoint.Endpoint, hosts []string) (any, error)

func verbCommand(v *viper.Viper, out io.Writer, name, short string, fn verbFunc) *cobra.Command {
	var (
		endpoints []string
		hosts     []string
		data      string
	)
	cmd := &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(v)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			payload, err := parseData(data, os.ReadFile)
			if err != nil {
				return err
			}
			eps, err := endpoint.ParseList(endpoints, cfg.Listener.Port)
			if err != nil {
				return err
			}
			if len(eps) == 0 && len(hosts) == 0 {
				return errNoTarget
			}

			c, closeFn, err := newAgentClient(cfg, logger, len(hosts) > 0)
			if err != nil {
				return err
			}
			defer closeFn()

			result, err := fn(c, payload, eps, hosts)
			if result != nil {
				if werr := writeJSON(out, result); werr != nil {
					return werr
				}
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&endpoints, "endpoint", nil, "Agent address host[:port] (repeatable)")
	f.StringSliceVar(&hosts, "host", nil, "Agent id resolved through the registry (repeatable)")
	f.StringVar(&data, "data", "", "JSON payload, or @file to read it from a file")
	return cmd
}

func stateVerb(c *client.AgentClient, data any, eps []endpoint.Endpoint, hosts []string) (any, error) {
	if host, ok := single(eps, hosts); ok {
		return c.StateHost(data, host)
	}
	ep, err := singleEndpoint(eps, hosts)
	if err != nil {
		return nil, err
	}
	return c.State(data, ep)
}

func applyVerb(c *client.AgentClient, data any, eps []endpoint.Endpoint, hosts []string) (any, error) {
	if host, ok := single(eps, hosts); ok {
		return c.ApplyHost(data, host)
	}
	ep, err := singleEndpoint(eps, hosts)
	if err != nil {
		return nil, err
	}
	return c.Apply(data, ep)
}

func updateVerb(c *client.AgentClient, data any, eps []endpoint.Endpoint, hosts []string) (any, error) {
	report := mergeReports(c.Update(data, eps), hostReport(hosts, func() *client.BatchReport {
		return c.UpdateHosts(data, hosts)
	}))
	return summarize(report), report.Err()
}

func deleteVerb(c *client.AgentClient, data any, eps []endpoint.Endpoint, hosts []string) (any, error) {
	report := mergeReports(c.Delete(data, eps), hostReport(hosts, func() *client.BatchReport {
		return c.DeleteHosts(data, hosts)
	}))
	return summarize(report), report.Err()
}

func hostReport(hosts []string, fn func() *client.BatchReport) *client.BatchReport {
	if len(hosts) == 0 {
		return nil
	}
	return fn()
}

func agentsCommand(v *viper.Viper, out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the agents registered in etcd",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(v)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer reg.Close()

			agents, err := reg.List()
			if err != nil {
				return err
			}
			addrs := make(map[string]string, len(agents))
			for host, ep := range agents {
				addrs[host] = ep.String()
			}
			return writeJSON(out, addrs)
		},
	}
}

func setup(v *viper.Viper) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func openRegistry(cfg *config.Config, logger *zap.Logger) (*registry.EtcdRegistry, error) {
	if len(cfg.Registry.EtcdEndpoints) == 0 {
		return nil, errors.New("no registry: pass --etcd")
	}
	return registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints, cfg.Transport.DialTimeout, registry.WithLogger(logger))
}

func newAgentClient(cfg *config.Config, logger *zap.Logger, needResolver bool) (*client.AgentClient, func(), error) {
	pool := client.NewPool(
		transport.NewDialer(cfg.TransportKind(), cfg.TransportOptions()),
		client.WithMaxInFlight(cfg.Sender.MaxInFlight),
		client.WithSenderOptions(client.WithRetry(cfg.Sender.MaxAttempts, cfg.Sender.Backoff)),
		client.WithLogger(logger),
	)
	opts := []client.ClientOption{client.WithClientLogger(logger)}
	closeFn := func() { _ = pool.Close() }

	if needResolver {
		reg, err := openRegistry(cfg, logger)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		opts = append(opts, client.WithResolver(reg))
		closeFn = func() {
			_ = pool.Close()
			_ = reg.Close()
		}
	}
	return client.NewAgentClient(pool, opts...), closeFn, nil
}
