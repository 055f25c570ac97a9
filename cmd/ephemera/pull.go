package main

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newPullCommand(opts *rootOptions, logger *log.Logger) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "pull <id|url>",
		Short: "Download a shared file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().Download(cmd.Context(), args[0], output)
			if err != nil {
				return err
			}

			logger.Info("saved",
				"path", res.Path,
				"size", humanize.IBytes(uint64(res.Bytes)),
				"downloads", res.Downloads,
			)
			if res.Checksum != "" {
				logger.Debug("checksum", "blake2b", res.Checksum)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory")

	return cmd
}
