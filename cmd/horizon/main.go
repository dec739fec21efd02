package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	horizon "github.com/StardustXR/horizon"
)

var (
	argSocketPath string
	argInstance   int
	argTickRate   float64
	argDebugBus   bool
	argVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:          "horizon",
	Short:        "Headless spatial computing server",
	Args:         cobra.NoArgs,
	RunE:         run,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&argSocketPath, "socket-path", "", "bind this socket path instead of discovering one")
	flags.IntVar(&argInstance, "instance", -1, "bind the stardust-<n> slot instead of the first free one")
	flags.Float64Var(&argTickRate, "tick-rate", 90, "arbitration passes per second")
	flags.BoolVar(&argDebugBus, "debug-bus", false, "publish debug listings on the session bus")
	flags.BoolVar(&argVerbose, "verbose", false, "log at debug level")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	log, err := buildLogger(argVerbose)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)

	path := argSocketPath
	if path == "" && argInstance >= 0 {
		path = horizon.SocketPath(argInstance)
	}

	srv := horizon.NewServer(log)
	loop, err := horizon.Listen(srv, path)
	if err != nil {
		return err
	}
	if argDebugBus {
		if bus := horizon.ServeDebugBus(srv); bus != nil {
			defer bus.Close()
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop.Run(ctx) })
	g.Go(func() error { return srv.RunTicks(ctx, argTickRate) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
