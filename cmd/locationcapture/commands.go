package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/soypete/locationcapture/pkg/location"
	"github.com/soypete/locationcapture/pkg/locationlog"
)

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readSamples reads a JSON array of samples from path, or stdin when path is
// empty or "-".
func readSamples(cmd *cobra.Command, path string) ([]location.Sample, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read samples: %w", err)
	}
	return location.DecodeBatch(data)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP bridge and, when enabled, the periodic uploader",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return withApp(cmd, func(_ context.Context, a *app) error {
				g, ctx := errgroup.WithContext(ctx)

				g.Go(func() error {
					return a.bridge().Run(ctx)
				})
				if a.syncer != nil {
					g.Go(func() error {
						log.WithField("frequency", a.cfg.Upload.Frequency).Info("starting uploader")
						return a.syncer.Run(ctx, a.cfg.Upload.Frequency)
					})
				}

				err := g.Wait()
				log.Info("shut down")
				return err
			})
		},
	}
}

func addCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append a JSON array of samples to the location log",
		Long: `Append samples to the location log. Input is a JSON array of objects with
timestamp, latitude, longitude, accuracy, heading and speed. Use -1 for an
unknown heading or speed.

Examples:
  locationcapture add --file samples.json
  cat samples.json | locationcapture add`,
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := readSamples(cmd, file)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.log.Add(ctx, samples...); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "added %d samples\n", len(samples))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON file to read (default: stdin)")
	return cmd
}

func retrieveCmd() *cobra.Command {
	var (
		anchor string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Print samples stored after an anchor",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := locationlog.ParseAnchor(anchor)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				result, err := a.log.Retrieve(ctx, parsed, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"locations":   result.Samples,
					"next_anchor": result.NextAnchor.String(),
				})
			})
		},
	}
	cmd.Flags().StringVarP(&anchor, "anchor", "a", "", "Anchor to read after (default: start of log)")
	cmd.Flags().IntVarP(&limit, "limit", "l", -1, "Maximum samples to return, -1 for all")
	return cmd
}

func latestAnchorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest-anchor",
		Short: "Print the anchor after every sample stored so far",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				anchor, err := a.log.LatestAnchor(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), anchor)
				return nil
			})
		},
	}
}

func pruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete samples older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				pruned, err := a.log.Prune(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pruned %d samples (retention %d days)\n", pruned, a.log.Retention())
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manipulate the upload queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "len",
		Short: "Print the number of queued samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.queue.Len(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Remove every queued sample and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				samples, err := a.queue.Flush(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), samples)
			})
		},
	})

	var file string
	restore := &cobra.Command{
		Use:   "restore",
		Short: "Put a JSON array of samples back at the front of the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			samples, err := readSamples(cmd, file)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.queue.Restore(ctx, samples); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %d samples\n", len(samples))
				return nil
			})
		},
	}
	restore.Flags().StringVarP(&file, "file", "f", "", "JSON file to read (default: stdin)")
	cmd.AddCommand(restore)

	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Collect new samples and upload the queue once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.syncer == nil {
					return fmt.Errorf("upload is disabled in configuration")
				}
				delivered, err := a.syncer.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivered %d samples\n", delivered)
				return nil
			})
		},
	}
}
