package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which keeps the crawler and
// admin API running until interrupted.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the crawler as a service fed by the admin API and sources",
		RunE: func(c *cobra.Command, _ []string) error {
			opts.cfg.Admin.Enabled = true
			if addr != "" {
				opts.cfg.Admin.Addr = addr
			}
			return withRunner(c, opts, func(r Runner) error {
				if err := r.Serve(c.Context()); err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override admin.addr")
	return cmd
}
