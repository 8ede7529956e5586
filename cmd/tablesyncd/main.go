package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/configmesh/tablesync"
	"github.com/configmesh/tablesync/config"
	"github.com/configmesh/tablesync/logger"
	"github.com/configmesh/tablesync/tablestore"
)

var (
	configPath string
	logLevel   string
)

func newLogger() logger.Logger {
	level := logger.GetLevelFromEnv()
	switch logLevel {
	case "trace":
		level = logger.LevelTrace
	case "debug":
		level = logger.LevelDebug
	case "info":
		level = logger.LevelInfo
	case "warn":
		level = logger.LevelWarn
	case "error":
		level = logger.LevelError
	}
	return logger.NewConsoleLogger(level)
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *tablesync.Runtime, log logger.Logger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger()
	rt, err := tablesync.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt, log)
}

var rootCmd = &cobra.Command{
	Use:   "tablesyncd",
	Short: "Versioned config-table distribution daemon",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume change notifications and keep the cache converged",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return withRuntime(ctx, func(ctx context.Context, rt *tablesync.Runtime, log logger.Logger) error {
			listener, err := rt.Listen(ctx)
			if err != nil {
				return err
			}
			log.Info("listening for change notifications")
			<-ctx.Done()
			log.Info("shutting down")
			return listener.Close()
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <collection>",
	Short: "Refresh the cache entry for a collection from the origin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *tablesync.Runtime, log logger.Logger) error {
			res, err := rt.Engine().Sync(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s (v%d -> v%d)\n", args[0], res.Outcome, res.FromVersion, res.ToVersion)
			return nil
		})
	},
}

var getCmd = &cobra.Command{
	Use:   "get <collection> <table> [key]",
	Short: "Print a table, or one row by key, as JSON",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *tablesync.Runtime, log logger.Logger) error {
			store, err := rt.Store(args[0])
			if err != nil {
				return err
			}
			var out any
			if len(args) == 3 {
				out, err = store.FindRow(ctx, args[1], args[2])
			} else {
				var table *tablestore.Table
				table, err = store.GetTable(ctx, args[1])
				if err == nil {
					out = table.Find(nil)
				}
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <collection> <table> <key> <field=value>...",
	Short: "Merge fields into a row and commit a new version",
	Args:  cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		fields := tablestore.Row{}
		for _, pair := range args[3:] {
			key, value, ok := strings.Cut(pair, "=")
			if !ok || key == "" {
				return fmt.Errorf("bad field %q, want field=value", pair)
			}
			// Values parse as JSON when possible (true, 42, "x"), else as
			// plain strings.
			var v any
			if err := json.Unmarshal([]byte(value), &v); err == nil {
				fields[key] = v
			} else {
				fields[key] = value
			}
		}

		createTable, _ := cmd.Flags().GetBool("create-table")
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *tablesync.Runtime, log logger.Logger) error {
			store, err := rt.Store(args[0])
			if err != nil {
				return err
			}
			if createTable {
				if err := store.EnsureTable(ctx, args[1]); err != nil {
					return err
				}
			}
			if err := store.UpdateRow(ctx, args[1], args[2], fields); err != nil {
				return err
			}
			version, err := store.Commit(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("committed %s v%d\n", args[0], version)
			return nil
		})
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	setCmd.Flags().Bool("create-table", false, "create the table if it does not exist")
	rootCmd.AddCommand(serveCmd, syncCmd, getCmd, setCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
