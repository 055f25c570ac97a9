package main

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatsCommand(opts *rootOptions, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show server usage totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().Stats(cmd.Context())
			if err != nil {
				return err
			}
			logger.Debug("stats fetched", "last_reset", s.LastResetDate)

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "uploads:   %s total, %s today, %s\n",
				humanize.Comma(s.TotalUploads), humanize.Comma(s.UploadsToday),
				humanize.IBytes(uint64(s.TotalBytesUploaded)))
			fmt.Fprintf(w, "downloads: %s total, %s today, %s\n",
				humanize.Comma(s.TotalDownloads), humanize.Comma(s.DownloadsToday),
				humanize.IBytes(uint64(s.TotalBytesDownloaded)))
			if s.LastUploadAt != nil {
				fmt.Fprintf(w, "last upload:   %s\n", humanize.Time(*s.LastUploadAt))
			}
			if s.LastDownloadAt != nil {
				fmt.Fprintf(w, "last download: %s\n", humanize.Time(*s.LastDownloadAt))
			}
			return nil
		},
	}
}
