package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cadre "github.com/cadre-io/cadre"
	"github.com/cadre-io/cadre/internal/cmd/daemon"
	logpkg "github.com/cadre-io/cadre/pkg/log"
	"github.com/cadre-io/cadre/queue"
)

var version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "cadred",
		Short: "cadre coordination daemon",
		Long:  "cadred runs the cadre coordination layer: a prioritized work queue, a TTL service registry, and a versioned state store with lease locks, over a single configurable backend.",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CADRE_CONFIG"), "Path to JSON or YAML config file")

	loadConfig := func(cmd *cobra.Command) (cadre.Config, error) {
		cfg, err := cadre.Load(configPath)
		if err != nil {
			return cadre.Config{}, err
		}
		cadre.FromEnv(&cfg)
		if v, _ := cmd.Flags().GetString("mode"); v != "" {
			mode := cadre.BackendMode(v)
			if !mode.Valid() {
				return cadre.Config{}, fmt.Errorf("invalid --mode %q; use memory|pebble|postgres", v)
			}
			cfg.Mode = mode
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetString("postgres-url"); v != "" {
			cfg.PostgresURL = v
		}
		if v, _ := cmd.Flags().GetString("http"); v != "" {
			cfg.Server.HTTPAddr = v
		}
		if v, _ := cmd.Flags().GetString("log-level"); v != "" {
			cfg.Log.Level = v
		}
		return cfg, nil
	}

	addBackendFlags := func(cmd *cobra.Command) {
		cmd.Flags().String("mode", "", "Backend mode: memory|pebble|postgres")
		cmd.Flags().String("data-dir", "", "Data directory for the pebble backend")
		cmd.Flags().String("postgres-url", "", "Postgres DSN for the postgres backend")
		cmd.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the coordination daemon",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return daemon.Run(ctx, daemon.Options{Config: cfg})
		},
	}
	addBackendFlags(serverStartCmd)
	serverStartCmd.Flags().String("http", "", "Operational HTTP listen address")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one reclamation pass and exit",
		Long:  "Requeues stale envelopes on the named queues and deletes expired registry instances and lock leases. Useful against a shared backend from cron.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			queues, _ := cmd.Flags().GetStringSlice("queues")
			if len(queues) == 0 {
				queues = cfg.Server.SweepQueues
			}
			coord, err := cadre.Open(cfg)
			if err != nil {
				return err
			}
			defer coord.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			daemon.Sweep(ctx, coord, queues, logpkg.NewLogger())
			return nil
		},
	}
	addBackendFlags(sweepCmd)
	sweepCmd.Flags().StringSlice("queues", nil, "Queues to requeue stale envelopes on")
	rootCmd.AddCommand(sweepCmd)

	publishCmd := &cobra.Command{
		Use:   "publish <queue>",
		Short: "Publish one envelope from stdin or --payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			payload, _ := cmd.Flags().GetString("payload")
			prioName, _ := cmd.Flags().GetString("priority")
			prio, err := queue.ParsePriority(prioName)
			if err != nil {
				return err
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("payload must be valid JSON")
			}
			coord, err := cadre.Open(cfg)
			if err != nil {
				return err
			}
			defer coord.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			id, err := coord.Queue().Publish(ctx, args[0], json.RawMessage(payload), prio, nil)
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
	addBackendFlags(publishCmd)
	publishCmd.Flags().String("payload", "{}", "JSON payload")
	publishCmd.Flags().String("priority", "normal", "Priority band: critical|high|normal|low")
	rootCmd.AddCommand(publishCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("cadred", version)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
