package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"archivestream/searchservice/internal/app"
	"archivestream/searchservice/internal/media"
)

// runWithRuntime builds the runtime from the environment, runs fn and
// releases every store afterwards.
func runWithRuntime(cmd *cobra.Command, loadProxies bool, fn func(ctx context.Context, rt *app.Runtime) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	rt, err := app.Build(ctx, app.LoadConfig(), logger)
	if err != nil {
		return err
	}
	defer rt.Close(context.Background())
	if loadProxies {
		rt.LoadProxies(ctx)
	}
	return fn(ctx, rt)
}

func printJSON(w io.Writer, payload any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func proxiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxies",
		Short: "Manage the stored proxy address list",
	}
	cmd.AddCommand(proxiesSeedCmd())
	cmd.AddCommand(proxiesListCmd())
	return cmd
}

func proxiesSeedCmd() *cobra.Command {
	var opts seedOptions

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Replace the stored proxy list with a contiguous port range",
		Long: `Replace the stored proxy list with count addresses on host, starting at
from-port. Addresses not in the new list are removed. Requires MONGO_URI.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addresses, err := seedAddresses(opts)
			if err != nil {
				return err
			}
			return runWithRuntime(cmd, false, func(ctx context.Context, rt *app.Runtime) error {
				if !rt.Durable() {
					return app.ErrStoreRequired
				}
				if err := rt.Stores.Proxies.ReplaceProxyAddresses(ctx, addresses); err != nil {
					return fmt.Errorf("store proxies: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %d proxy addresses (%s .. %s)\n",
					len(addresses), addresses[0], addresses[len(addresses)-1])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "127.0.0.1", "Proxy host")
	cmd.Flags().IntVar(&opts.FromPort, "from-port", 8881, "First port of the range")
	cmd.Flags().IntVar(&opts.Count, "count", 30, "Number of consecutive ports")
	cmd.Flags().StringVar(&opts.Scheme, "scheme", "http", "Proxy scheme (http, https, socks5)")
	return cmd
}

func proxiesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored proxy addresses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithRuntime(cmd, false, func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Stores.Proxies.ListProxies(ctx)
				if err != nil {
					return fmt.Errorf("list proxies: %w", err)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ADDRESS\tACTIVE\tLAST USED")
				for _, item := range items {
					lastUsed := "-"
					if item.LastUsedAt != nil {
						lastUsed = item.LastUsedAt.UTC().Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%t\t%s\n", item.Address, item.Active, lastUsed)
				}
				return tw.Flush()
			})
		},
	}
}

func searchCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Run a cached search and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runWithRuntime(cmd, true, func(ctx context.Context, rt *app.Runtime) error {
				search := rt.Search.Search
				if force {
					search = rt.Search.Refresh
				}
				response, err := search(ctx, query)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), response)
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Bypass the cache and refetch from the archive")
	return cmd
}

func localizeCmd() *cobra.Command {
	var meta media.Meta

	cmd := &cobra.Command{
		Use:   "localize [identifier]",
		Short: "Download a track into the local media catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithRuntime(cmd, true, func(ctx context.Context, rt *app.Runtime) error {
				if !rt.Archive.IsArchiveURL(meta.MediaURL) {
					return fmt.Errorf("%w: --url must point at the archive", media.ErrInvalidMedia)
				}
				outcome, err := rt.Localizer.CacheSong(ctx, args[0], meta)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], outcome)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&meta.MediaURL, "url", "", "Archive download URL of the audio file")
	cmd.Flags().StringVar(&meta.CoverURL, "cover", "", "Archive URL of the cover image")
	cmd.Flags().StringVar(&meta.Title, "title", "", "Track title")
	cmd.Flags().StringVar(&meta.Creator, "creator", "", "Artist name")
	cmd.Flags().StringVar(&meta.Album, "album", "", "Album title")
	cmd.Flags().StringVar(&meta.Year, "year", "", "Release year")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the search cache",
	}

	var limit int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete the oldest cache entries above limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithRuntime(cmd, false, func(ctx context.Context, rt *app.Runtime) error {
				removed, err := rt.Search.Prune(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d cache entries\n", removed)
				return nil
			})
		},
	}
	prune.Flags().IntVar(&limit, "limit", 0, "Entries to keep (default CACHE_MAX_ENTRIES)")
	cmd.AddCommand(prune)
	return cmd
}
