package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rjboer/GoSuscan/internal/app"
	"github.com/rjboer/GoSuscan/internal/growbuf"
	"github.com/rjboer/GoSuscan/internal/inspector"
	"github.com/rjboer/GoSuscan/internal/logging"
	"github.com/rjboer/GoSuscan/internal/mdns"
	"github.com/rjboer/GoSuscan/internal/metrics"
	"github.com/rjboer/GoSuscan/internal/mq"
	"github.com/rjboer/GoSuscan/internal/sdr"
	"github.com/rjboer/GoSuscan/internal/server"
	"github.com/rjboer/GoSuscan/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(nil).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(environ map[string]string) *cobra.Command {
	cfg, envErr := loadConfig(environ)

	cmd := &cobra.Command{
		Use:           "suscan-server",
		Short:         "Serve inspector sessions over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if envErr != nil {
				return envErr
			}
			logger, err := cfg.logger()
			if err != nil {
				return err
			}
			logging.SetDefault(logger)
			return run(cmd.Context(), cfg, logger)
		},
	}
	cfg.bindFlags(cmd)
	cmd.AddCommand(newDiscoverCmd())
	return cmd
}

// run wires the analyzer stack and blocks until ctx is canceled or one of
// the components fails.
func run(ctx context.Context, cfg serverConfig, logger logging.Logger) error {
	srcCfg, err := cfg.source()
	if err != nil {
		return err
	}
	src := sdr.New(srcCfg)
	if err := src.Init(ctx, srcCfg); err != nil {
		return fmt.Errorf("init source: %w", err)
	}
	defer src.Close()

	m := metrics.New()
	clk := clock.New()
	hub := telemetry.NewHub(cfg.HistoryLimit, clk, logger)

	out, ctl := mq.New[*growbuf.Buffer](), mq.New[*growbuf.Buffer]()
	factory := inspector.NewFactory(out, ctl,
		inspector.WithLogger(logger),
		inspector.WithMetrics(m),
		inspector.WithClock(clk))
	analyzer := app.NewAnalyzer(src, factory, out, ctl, cfg.analyzer(),
		app.WithLogger(logger),
		app.WithMetrics(m),
		app.WithClock(clk))
	srv := server.New(cfg.server(), out, factory, analyzer,
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithReporter(hub),
		server.WithClock(clk))

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })
	g.Go(func() error {
		// End of stream leaves the server up for clients still inspecting.
		return analyzer.Run(gctx)
	})
	if cfg.WebAddr != "" {
		web := telemetry.NewWebServer(cfg.WebAddr, hub, m.Handler(), logger)
		g.Go(func() error { return web.Start(gctx) })
	}
	if cfg.MDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		txt := []string{
			"version=1",
			"compress=" + strconv.Itoa(cfg.CompressThreshold),
			"fs=" + strconv.FormatFloat(srcCfg.SampleRate, 'f', -1, 64),
		}
		adv, err := mdns.Advertise(gctx, cfg.instanceName(), port, txt)
		if err != nil {
			logger.Warn("mdns advertisement failed", logging.F("error", err))
		} else {
			defer adv.Shutdown()
		}
	}

	err = g.Wait()
	if closeErr := factory.CloseAll(); closeErr != nil {
		logger.Warn("closing inspectors", logging.F("error", closeErr))
	}
	out.Close()
	ctl.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
