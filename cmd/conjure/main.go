// Command conjure inspects and manages the generated-unit cache.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"conjure"
	"conjure/internal/cache"
	"conjure/internal/logging"
)

var (
	cacheDir string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "conjure",
	Short: "conjure - on-demand unit synthesis",
	Long: `conjure resolves references to not-yet-existing units, generates their
implementation on demand, validates it, and executes it in-process.

This CLI manages the on-disk cache of generated units.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(verbose)
		if cacheDir != "" {
			conjure.Configure(conjure.WithCacheDir(cacheDir))
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List cached units",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := conjure.InspectCache()
		if err != nil {
			return err
		}
		dir := conjure.Settings().Cache.Dir
		if len(keys) == 0 {
			fmt.Printf("No cached units found in %s\n", dir)
			return nil
		}
		fmt.Printf("Cached units in %s:\n", dir)
		for _, key := range keys {
			fmt.Printf("  %-30s %s\n", key, conjure.CachePath(key))
		}
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached units",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := conjure.ClearCache(); err != nil {
			return err
		}
		fmt.Printf("Cleared all cached units from %s\n", conjure.Settings().Cache.Dir)
		return nil
	},
}

var regenCmd = &cobra.Command{
	Use:   "regen <unit>",
	Short: "Delete a unit's cache entry so the next resolution regenerates it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if err := conjure.Regenerate(name); err != nil {
			return err
		}
		fmt.Printf("Regenerated %s (will be re-created on next resolution)\n", name)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the cache directory for manual edits",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := cache.NewStore(conjure.Settings().Cache.Dir)
		fmt.Printf("Watching %s (ctrl-c to stop)\n", store.Dir())
		err := store.Watch(ctx, func(ev cache.Event) {
			fmt.Printf("%-6s %s\n", ev.Op, ev.Key)
		})
		if err == context.Canceled {
			return nil
		}
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "cache root directory (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(inspectCmd, clearCmd, regenCmd, watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
