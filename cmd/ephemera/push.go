package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"ephemera/internal/core"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const maxParallelUploads = 4

func newPushCommand(opts *rootOptions, logger *log.Logger) *cobra.Command {
	var (
		ttl  time.Duration
		each bool
	)

	cmd := &cobra.Command{
		Use:   "push <paths...>",
		Short: "Upload files or directories",
		Long: `Upload a file as-is, or pack several paths or a directory into a ZIP archive
named after its root. With --each every path is uploaded separately.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := opts.client()
			out := cmd.OutOrStdout()

			if !each {
				res, err := push(cmd.Context(), client, args, ttl, logger)
				if err != nil {
					return err
				}
				printUpload(out, res)
				return nil
			}

			results := make([]*core.UploadResult, len(args))
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(maxParallelUploads)
			for i, arg := range args {
				i, arg := i, arg
				g.Go(func() error {
					res, err := push(ctx, client, []string{arg}, ttl, logger)
					if err != nil {
						return fmt.Errorf("%s: %w", arg, err)
					}
					results[i] = res
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			for _, res := range results {
				printUpload(out, res)
			}
			return nil
		},
	}

	cmd.Flags().DurationVarP(&ttl, "ttl", "t", 0, "time until the link expires (server default when unset)")
	cmd.Flags().BoolVar(&each, "each", false, "upload every path separately, in parallel")

	return cmd
}

func push(ctx context.Context, client *core.Client, args []string, ttl time.Duration, logger *log.Logger) (*core.UploadResult, error) {
	paths, err := core.ParseArgs(args)
	if err != nil {
		return nil, err
	}

	tree, err := core.BuildFiletree(paths)
	if err != nil {
		return nil, fmt.Errorf("failed to build filetree: %w", err)
	}

	payload := core.NewPayload(tree)
	logger.Debug("payload ready",
		"name", payload.Name,
		"archived", payload.Archived,
		"size", humanize.IBytes(uint64(payload.UncompressedSize())),
	)

	start := time.Now()
	res, err := client.Upload(ctx, payload, ttl)
	if err != nil {
		return nil, err
	}

	logger.Info("uploaded",
		"name", res.Filename,
		"size", humanize.IBytes(uint64(res.Size)),
		"took", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

func printUpload(w io.Writer, res *core.UploadResult) {
	fmt.Fprintf(w, "%s\n", res.DownloadURL)
	fmt.Fprintf(w, "  file:    %s (%s)\n", res.Filename, humanize.IBytes(uint64(res.Size)))
	fmt.Fprintf(w, "  expires: %s (%s)\n", res.ExpiresAt.Local().Format(time.RFC1123), humanize.Time(res.ExpiresAt))
	fmt.Fprintf(w, "  wget:    %s\n", res.Wget)
	fmt.Fprintf(w, "  curl:    %s\n", res.Curl)
}
