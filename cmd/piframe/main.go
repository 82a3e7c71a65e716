package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/piframe/pi-frame/internal/config"
	"github.com/piframe/pi-frame/internal/daemon"
	"github.com/piframe/pi-frame/internal/ipc"
	"github.com/piframe/pi-frame/internal/logging"
	"github.com/piframe/pi-frame/internal/report"
	"github.com/piframe/pi-frame/internal/store"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "piframe",
		Short:         "Republish a USB mass-storage image after its files settle",
		Long:          "piframe watches the mounted picture-frame volume and re-exports the USB gadget once changes have stopped.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.ConfigPath(), "Path to config file")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(checkConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig loads and fully validates the config for commands that run
// the daemon.
func loadConfig() (*config.Config, error) {
	return config.Resolve(afero.NewOsFs(), configPath, os.LookupEnv)
}

// loadClientConfig skips validation: talking to the socket or reading the
// store does not need a mount point or storage file.
func loadClientConfig() (*config.Config, error) {
	cfg, err := config.Load(afero.NewOsFs(), configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveStartConfig logs to the environment's log file before the config
// is resolved, so a bad config is recorded where the daemon would have
// logged, then switches to the configured log file.
func resolveStartConfig(fs afero.Fs, path string, lookup func(string) (string, bool), debug bool) (*config.Config, error) {
	early, _ := lookup(config.EnvLogFile)
	if err := logging.Init(early, debug); err != nil {
		return nil, fmt.Errorf("init logging %s: %w", early, err)
	}

	cfg, err := config.Resolve(fs, path, lookup)
	if err != nil {
		log.Error().Err(err).Str("config", path).Msg("cannot start: bad config")
		return nil, err
	}

	if cfg.LogFile != early {
		if err := logging.Init(cfg.LogFile, debug); err != nil {
			return nil, fmt.Errorf("init logging %s: %w", cfg.LogFile, err)
		}
	}
	return cfg, nil
}

func startCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the refresh daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveStartConfig(afero.NewOsFs(), configPath, os.LookupEnv, debug)
			if err != nil {
				return err
			}

			// Check if daemon is already running.
			client := ipc.NewClient(cfg.SocketPath)
			if err := client.Ping(cmd.Context()); err == nil {
				fmt.Println("daemon is already running")
				return nil
			}

			// Remove stale socket file (from a prior crash).
			if _, err := os.Stat(cfg.SocketPath); err == nil {
				log.Info().Str("socket", cfg.SocketPath).Msg("removing stale socket file")
				_ = os.Remove(cfg.SocketPath)
			}

			log.Info().
				Str("mount_point", cfg.MountPoint).
				Str("storage_file", cfg.StorageFile).
				Int("change_timeout_secs", cfg.ChangeTimeoutSecs).
				Int("execution_pause_secs", cfg.ExecutionPauseSecs).
				Int("detect_change_pause_secs", cfg.DetectChangePauseSecs).
				Msg("starting pi-frame")

			// The server needs the daemon and the daemon needs the server.
			ipcServer := ipc.NewServer(nil, nil, cfg.MountPoint, cfg.StorageFile)
			d := daemon.New(cfg, ipcServer)
			ipcServer.SetDaemon(d)

			// Start blocks until signal or error.
			return d.Start()
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Log every change signal")

	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.RequestStop(cmd.Context()); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}

			fmt.Println("daemon stopping")
			return nil
		},
	}
}

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check if daemon is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.Ping(cmd.Context()); err != nil {
				fmt.Println("daemon is not running")
				return err
			}

			fmt.Println("daemon is alive")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadClientConfig()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			status, err := client.Status(cmd.Context())
			if err != nil {
				if errors.Is(err, ipc.ErrNotRunning) {
					return err
				}
				return fmt.Errorf("daemon unreachable: %w", err)
			}

			if jsonOutput {
				fmt.Println(report.FormatJSON(status))
			} else {
				fmt.Print(report.FormatStatus(status, time.Now()))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func historyCmd() *cobra.Command {
	var (
		limit      int
		jsonOutput bool
		dbPath     string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent publish attempts",
		Long: `Show recent publish attempts, newest first.

Reads the SQLite database directly -- the daemon does not need to be running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Resolve DB path: flag > config default.
			if dbPath == "" {
				cfg, err := loadClientConfig()
				if err != nil {
					return err
				}
				dbPath = cfg.DBPath
			}

			s, err := store.New(dbPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer s.Close()

			records, err := s.RecentPublishes(limit)
			if err != nil {
				return fmt.Errorf("query publishes: %w", err)
			}

			if jsonOutput {
				fmt.Println(report.FormatJSON(records))
			} else {
				fmt.Print(report.FormatHistory(records, time.Now()))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of attempts to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&dbPath, "db", "", "Override database path (default: from config)")

	return cmd
}

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			d := cfg.Debounce()
			fmt.Printf("%-16s %s\n", "mount point:", cfg.MountPoint)
			fmt.Printf("%-16s %s\n", "storage file:", cfg.StorageFile)
			fmt.Printf("%-16s %s\n", "gadget module:", cfg.GadgetModule)
			fmt.Printf("%-16s %s\n", "change timeout:", d.ChangeTimeout)
			fmt.Printf("%-16s %s\n", "fast poll:", d.FastPoll)
			fmt.Printf("%-16s %s\n", "slow poll:", d.SlowPoll)
			fmt.Printf("%-16s %s\n", "database:", cfg.DBPath)
			return nil
		},
	}
}

