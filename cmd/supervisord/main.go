// Supervisord is a local process supervisor and monitoring service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Command supervisord is the single driver with mutually-exclusive modes
// named in spec.md §6: development, production, deploy, and check.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/spf13/cobra"

	"supervisord/internal/config"
	"supervisord/internal/coordinator"
	"supervisord/internal/logging"
	"supervisord/internal/store"
)

var configFile string

func main() {
	root := &cobra.Command{
		Use:   "supervisord",
		Short: "Local process supervisor and monitoring service",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (optional)")

	root.AddCommand(
		newDevelopmentCmd(),
		newProductionCmd(),
		newDeployCmd(),
		newCheckCmd(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDevelopmentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "development",
		Short: "Run the service with debug-level logging",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg.LogLevel = "debug"
			return runService(cmd.Context(), cfg)
		},
	}
}

func newProductionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "production",
		Short: "Run the service with production-safe defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.EncryptionKey == "" {
				return fmt.Errorf("production mode requires an encryption key (SUPERVISORD_ENCRYPTION_KEY)")
			}
			return runService(cmd.Context(), cfg)
		},
	}
}

func newDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Open the store, run schema migrations, and exit without serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := logging.New(cfg.LogLevel)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			st, err := store.Open(ctx, cfg.DBPath, nil)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			logger.Info("deploy: schema migrated", "db_path", cfg.DBPath)
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Print host resource stats and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printHostStats()
		},
	}
}

func printHostStats() error {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("read memory stats: %w", err)
	}
	percents, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		return fmt.Errorf("read cpu stats: %w", err)
	}
	cpuPct := 0.0
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	fmt.Printf("cpu_percent=%.1f mem_used_percent=%.1f mem_total_mb=%d mem_used_mb=%d\n",
		cpuPct, vm.UsedPercent, vm.Total/(1024*1024), vm.Used/(1024*1024))
	return nil
}

// runService builds and runs the Coordinator until SIGINT/SIGTERM, then
// shuts down within cfg.ShutdownTimeout.
func runService(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	co, err := coordinator.New(runCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}

	logger.Info("supervisord starting", "data_dir", cfg.DataDir, "check_interval", cfg.CheckInterval)
	if err := co.Run(runCtx); err != nil {
		return fmt.Errorf("coordinator run: %w", err)
	}
	logger.Info("supervisord stopped")
	return nil
}
