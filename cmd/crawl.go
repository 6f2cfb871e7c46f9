package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newCrawlCmd creates the 'crawl' subcommand: seed, drain, exit.
func newCrawlCmd(opts *rootOptions) *cobra.Command {
	var (
		maxDepth int
		admin    bool
	)
	cmd := &cobra.Command{
		Use:   "crawl [seed-url...]",
		Short: "Crawls from the given seeds until no work is left",
		Long: `Seeds the crawl with the arguments (or crawl.seeds from the config when
none are given), follows links up to the maximum depth and exits once
every job has finished. An interrupt discards queued jobs.`,
		RunE: func(c *cobra.Command, args []string) error {
			if c.Flags().Changed("max-depth") {
				opts.cfg.Crawl.MaxDepth = maxDepth
			}
			if c.Flags().Changed("admin") {
				opts.cfg.Admin.Enabled = admin
			}
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			seeds := args
			if len(seeds) == 0 {
				seeds = opts.cfg.Crawl.Seeds
			}
			if len(seeds) == 0 && opts.cfg.Source.Kind == "none" {
				return errors.New("no seeds: pass URLs or set crawl.seeds")
			}

			return withRunner(c, opts, func(r Runner) error {
				if err := r.Run(c.Context(), seeds); err != nil {
					return fmt.Errorf("run crawler: %w", err)
				}
				opts.logger.Info("crawl command finished")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "override crawl.max_depth")
	cmd.Flags().BoolVar(&admin, "admin", false, "serve the admin API while crawling")
	return cmd
}
