// Package cmd defines the CLI commands for the crawlengine executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlengine/internal/app"
	"github.com/JakeFAU/crawlengine/internal/config"
	"github.com/JakeFAU/crawlengine/internal/logging"
)

// Runner is the part of app.App the commands drive.
type Runner interface {
	Run(ctx context.Context, seeds []string) error
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// newRunner is the application factory. It's a variable so tests can
// replace it.
var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	return app.Build(ctx, cfg, logger)
}

type rootOptions struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates the root command. Config and the logger are set up
// before any subcommand runs.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "crawlengine",
		Short: "A concurrent, retrying web crawl engine.",
		Long: `crawlengine fetches pages with a pool of workers, retries failures with
backoff and proxy rotation, archives the HTML and follows links to a
configured depth.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (YAML/JSON/TOML)")

	cmd.PersistentPreRunE = func(*cobra.Command, []string) error {
		cfg, err := config.Load(opts.cfgFile)
		if err != nil {
			return err
		}
		opts.cfg = cfg
		opts.logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(opts.logger)
		return nil
	}
	cmd.PersistentPostRun = func(*cobra.Command, []string) {
		if opts.logger != nil {
			_ = opts.logger.Sync() //nolint:errcheck // best-effort flush
		}
	}

	cmd.AddCommand(newCrawlCmd(opts), newServeCmd(opts))
	return cmd
}

// withRunner builds the application, hands it to fn and always closes it.
func withRunner(c *cobra.Command, opts *rootOptions, fn func(Runner) error) error {
	r, err := newRunner(c.Context(), opts.cfg, opts.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := r.Close(context.WithoutCancel(c.Context())); cerr != nil {
			opts.logger.Warn("close failed", zap.Error(cerr))
		}
	}()
	return fn(r)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signalContext()
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		stop()
		os.Exit(1)
	}
}
