// Package app wires configuration, the NUT connection, the gauges, the
// poller and the exposition endpoint into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/ups-exporter/internal/config"
	"github.com/sweeney/ups-exporter/internal/metrics"
	"github.com/sweeney/ups-exporter/internal/nut"
	"github.com/sweeney/ups-exporter/internal/poller"
	"github.com/sweeney/ups-exporter/internal/publisher"
	"github.com/sweeney/ups-exporter/internal/server"
)

type runDeps struct {
	dial         nut.Dialer
	listen       func(network, addr string) (net.Listener, error)
	newPublisher func(cfg config.MQTTConfig, lwtTopic, lwtPayload string) (publisher.Publisher, error)
	pollerOpts   []poller.Option
}

func defaultRunDeps(cfg *config.Config) runDeps {
	return runDeps{
		dial:   nut.NewDialer(cfg.UPSHost, int(cfg.UPSPort), cfg.SocketTimeout()),
		listen: net.Listen,
		newPublisher: func(mc config.MQTTConfig, lwtTopic, lwtPayload string) (publisher.Publisher, error) {
			return publisher.NewMQTTPublisher(mc, lwtTopic, lwtPayload)
		},
	}
}

// Run starts the exporter and blocks until ctx is cancelled. Any error
// returned happened during startup or made the endpoint stop serving.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	return runWithDeps(ctx, cfg, logger, defaultRunDeps(cfg))
}

func runWithDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps runDeps) error {
	logger.Info("UPS will be checked periodically",
		"ups", cfg.UPSName, "nut", cfg.NUTAddr(), "interval", cfg.PollInterval())

	conn, err := deps.dial(ctx)
	if err != nil {
		return fmt.Errorf("connecting to the UPS: %w", err)
	}
	owned := false
	defer func() {
		if !owned {
			_ = conn.Close()
		}
	}()

	if err := nut.CheckUPS(ctx, conn, cfg.UPSName); err != nil {
		return err
	}
	inv, err := nut.Discover(ctx, conn, cfg.UPSName)
	if err != nil {
		return fmt.Errorf("getting the list of available variables from the UPS: %w", err)
	}

	reg := prometheus.NewRegistry()
	gauges, err := metrics.Build(reg, inv, logger)
	if err != nil {
		return fmt.Errorf("creating gauges: %w", err)
	}
	logger.Info("Gauges will be exported", "count", gauges.Count())

	ln, err := deps.listen("tcp", cfg.BindAddr())
	if err != nil {
		return fmt.Errorf("binding metrics endpoint: %w", err)
	}
	srv := server.New(ln, server.Handler(reg, logger), logger)

	opts := append([]poller.Option(nil), deps.pollerOpts...)
	if cfg.MQTT.Broker != "" {
		pubCfg := publisher.PublishConfig{
			Prefix:   cfg.MQTT.TopicPrefix,
			UPSName:  cfg.UPSName,
			Retained: cfg.MQTT.Retained,
		}
		pub, err := deps.newPublisher(cfg.MQTT, publisher.StateTopic(pubCfg.Prefix, pubCfg.UPSName), publisher.FormatOffline())
		if err != nil {
			ln.Close() //nolint:errcheck
			return fmt.Errorf("connecting to MQTT broker: %w", err)
		}
		defer pub.Close() //nolint:errcheck
		opts = append(opts, poller.WithPublisher(pub, pubCfg))
		logger.Info("Mirroring polls to MQTT", "broker", cfg.MQTT.Broker, "topic", pubCfg.Prefix+"/"+pubCfg.UPSName)
	}

	p := poller.New(conn, deps.dial, gauges, poller.Config{
		UPSName:  cfg.UPSName,
		Interval: cfg.PollInterval(),
	}, logger, opts...)
	owned = true

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error { return p.Run(gctx) })
	err = g.Wait()

	logger.Info("Shutdown complete, goodbye")
	return err
}
