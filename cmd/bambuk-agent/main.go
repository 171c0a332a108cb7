// Command bambuk-agent serves the agent verbs for one host: it keeps the host's copy of
// the controller database and answers state, apply, update and delete calls.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bambuk-rpc/agentdb"
	"bambuk-rpc/config"
	"bambuk-rpc/endpoint"
	"bambuk-rpc/logging"
	"bambuk-rpc/metrics"
	"bambuk-rpc/middleware"
	"bambuk-rpc/registry"
	"bambuk-rpc/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := newCommand(config.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "bambuk-agent",
		Short:        "Serve the bambuk agent RPC verbs",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "Config file (TOML, YAML or JSON)")
	flags.String("ip", endpoint.AnyHost, "Address to listen on, * for all interfaces")
	flags.Int("port", endpoint.DefaultPort, "Port to listen on")
	flags.String("advertise", "", "Host published in the registry (default: --ip)")
	flags.String("transport", "message", "Binding: message or stream")
	flags.String("host", "", "Agent id in the registry (default: hostname)")
	flags.String("db", "", "Persist the agent database to this file")
	flags.StringSlice("etcd", nil, "etcd endpoints; registers the agent when set")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "console", "Log format: console or json")
	if err := bindFlags(v, flags, map[string]string{
		config.KeyConfigFile:        "config",
		config.KeyListenerIP:        "ip",
		config.KeyListenerPort:      "port",
		config.KeyListenerAdvertise: "advertise",
		config.KeyTransportKind:     "transport",
		config.KeyAgentHost:         "host",
		config.KeyAgentDBPath:       "db",
		config.KeyRegistryEtcd:      "etcd",
		config.KeyMetricsAddr:       "metrics-addr",
		config.KeyLogLevel:          "log-level",
		config.KeyLogFormat:         "log-format",
	}); err != nil {
		panic(err)
	}
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

// run serves until ctx is cancelled, then deregisters, stops the receiver and the
// metrics server.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	store, err := agentdb.New(agentdb.WithPath(cfg.Agent.DBPath), agentdb.WithLogger(logger))
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	var mws []middleware.Middleware
	if cfg.Receiver.RateLimit > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.Receiver.RateLimit, cfg.Receiver.RateBurst))
	}
	if cfg.Receiver.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.Receiver.HandlerTimeout))
	}

	recv := server.NewReceiver(store,
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithMiddleware(mws...),
		server.WithTransport(cfg.TransportKind(), cfg.TransportOptions()),
	)
	listen := cfg.ListenEndpoint()
	if err := recv.Listen(listen.ListenAddr()); err != nil {
		return err
	}
	logger.Info("agent started",
		zap.String("host", cfg.Agent.Host),
		zap.String("url", listen.URL()),
		zap.String("db", cfg.Agent.DBPath))

	var reg registry.Registry
	if len(cfg.Registry.EtcdEndpoints) > 0 {
		reg, err = register(cfg, logger)
		if err != nil {
			recv.Close()
			return err
		}
		defer reg.Close()
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{Registry: promReg}))
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-recv.Done():
		}
		// Deregister first so the controller stops resolving this agent
		if reg != nil {
			if err := reg.Deregister(cfg.Agent.Host); err != nil {
				logger.Warn("deregister failed", zap.Error(err))
			}
		}
		logger.Info("agent stopping")
		return recv.Shutdown(2*cfg.Transport.RecvTimeout + time.Second)
	})

	return g.Wait()
}

func register(cfg *config.Config, logger *zap.Logger) (registry.Registry, error) {
	advertise := cfg.AdvertiseEndpoint()
	if advertise.Host == endpoint.AnyHost || advertise.Host == "0.0.0.0" {
		return nil, errors.New("listening on all interfaces: set listener.advertise to publish a reachable host")
	}
	reg, err := registry.NewEtcdRegistry(cfg.Registry.EtcdEndpoints, cfg.Transport.DialTimeout, registry.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := reg.Register(cfg.Agent.Host, advertise, cfg.Registry.TTL); err != nil {
		reg.Close()
		return nil, err
	}
	logger.Info("registered agent", zap.String("host", cfg.Agent.Host), zap.Stringer("endpoint", advertise))
	return reg, nil
}
