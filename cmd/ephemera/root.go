package main

import (
	"net/http"
	"os"
	"time"

	"ephemera/internal/core"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	server  string
	timeout time.Duration
	verbose bool
}

func (o *rootOptions) client() *core.Client {
	return core.NewClient(o.server, &http.Client{Timeout: o.timeout})
}

func newRootCommand(logger *log.Logger) *cobra.Command {
	opts := &rootOptions{}

	cobra.EnableCommandSorting = false
	rootCmd := &cobra.Command{
		Use:   "ephemera",
		Short: "Share files through short-lived download links.",
		Long: `ephemera uploads files to an ephemera server and prints a download link plus
ready-to-run wget and curl commands. Links stop working once the file expires.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				logger.SetLevel(log.DebugLevel)
			}
		},
	}

	server := os.Getenv("EPHEMERA_SERVER")
	if server == "" {
		server = core.DefaultServer
	}
	rootCmd.PersistentFlags().StringVarP(&opts.server, "server", "s", server,
		"server base URL (defaults to $EPHEMERA_SERVER)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 0,
		"overall request timeout, 0 for none")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(newPushCommand(opts, logger))
	rootCmd.AddCommand(newPullCommand(opts, logger))
	rootCmd.AddCommand(newStatsCommand(opts, logger))

	return rootCmd
}
