package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/JEFF-PRO-017/school-management-sub000/internal/agent"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/config"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/database"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/localstate"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/logging"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/queue"
	"github.com/JEFF-PRO-017/school-management-sub000/internal/status"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultConfigPath = "ecolage-agent.toml"
	shutdownTimeout   = 10 * time.Second
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "ecolage-agent",
		Short:        "Offline-first sync agent for the school fee records",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the local API, connectivity monitor and background sync",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Run one synchronization pass and print the counts",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSyncOnce(cmd.Context(), cmd.OutOrStdout())
			},
		},
		newQueueCommand(),
		&cobra.Command{
			Use:   "status",
			Short: "Print the pending count and the last sync snapshot",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runStatus(cmd.Context(), cmd.OutOrStdout())
			},
		},
		newConfigCommand(),
	)
	return rootCmd
}

func newQueueCommand() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or reset the pending-operation queue",
	}
	queueCmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print queued operations oldest first as JSON",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runQueueList(cmd.Context(), cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Discard every queued operation",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runQueueClear(cmd.Context(), cmd.OutOrStdout())
			},
		},
	)
	return queueCmd
}

func newConfigCommand() *cobra.Command {
	var force bool
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default TOML configuration file",
		Args:  cobra.MaximumNArgs(1),
		// Runs without reading configuration so a broken file can be regenerated.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefaultFile(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(initCmd)
	return configCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-url", defaults.GetString("remote.base_url"), "Base URL of the remote records API")
	cmd.PersistentFlags().Duration("remote-timeout", defaults.GetDuration("remote.timeout"), "Timeout for each remote call")
	cmd.PersistentFlags().Int("max-retries", defaults.GetInt("sync.max_retries"), "Failed attempts before an operation is abandoned")
	cmd.PersistentFlags().Bool("abandon-rejected", defaults.GetBool("sync.abandon_rejected"), "Abandon operations the remote API permanently rejects")
	cmd.PersistentFlags().Duration("settle-delay", defaults.GetDuration("connectivity.settle_delay"), "Delay between reconnection and the automatic sync")
	cmd.PersistentFlags().String("device-label", defaults.GetString("device.label"), "Human readable name of this device")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "remote.timeout", "remote-timeout")
	bindFlag(cmd, "sync.max_retries", "max-retries")
	bindFlag(cmd, "sync.abandon_rejected", "abandon-rejected")
	bindFlag(cmd, "connectivity.settle_delay", "settle-delay")
	bindFlag(cmd, "device.label", "device-label")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ecolage-agent")
		viper.SetConfigType("toml")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type agentRuntime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
	close  func()
}

func openRuntime() (*agentRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return &agentRuntime{
		config: appConfig,
		logger: logger,
		db:     db,
		close: func() {
			_ = sqlDB.Close()
			_ = logger.Sync()
		},
	}, nil
}

func runServe(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	offlineAgent, err := agent.New(signalCtx, agent.Config{App: rt.config, Database: rt.db, Logger: rt.logger})
	if err != nil {
		return err
	}
	if err := offlineAgent.RefreshAll(signalCtx); err != nil {
		rt.logger.Warn("initial refresh failed, serving cached data", zap.Error(err))
	}

	handler, err := offlineAgent.Handler()
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 2)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := offlineAgent.Run(signalCtx); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := offlineAgent.Executor.WaitIdle(shutdownCtx); err != nil {
			rt.logger.Warn("shutdown with remote calls still running", zap.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runSyncOnce(ctx context.Context, out io.Writer) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	offlineAgent, err := agent.New(ctx, agent.Config{App: rt.config, Database: rt.db, Logger: rt.logger})
	if err != nil {
		return err
	}
	result, err := offlineAgent.Sync(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "synced=%d failed=%d\n", result.SyncedCount, result.FailedCount)
	return nil
}

func openQueue(rt *agentRuntime) (*queue.GormStore, error) {
	return queue.NewGormStore(queue.GormStoreConfig{Database: rt.db, Logger: rt.logger})
}

func runQueueList(ctx context.Context, out io.Writer) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	store, err := openQueue(rt)
	if err != nil {
		return err
	}
	operations, err := store.List(ctx)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(operations)
}

func runQueueClear(ctx context.Context, out io.Writer) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	store, err := openQueue(rt)
	if err != nil {
		return err
	}
	count, err := store.Count(ctx)
	if err != nil {
		return err
	}
	if err := store.Clear(ctx); err != nil {
		return err
	}
	rt.logger.Warn("pending queue cleared by operator", zap.Int("operations", count))
	fmt.Fprintf(out, "cleared %d operations\n", count)
	return nil
}

func runStatus(ctx context.Context, out io.Writer) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	store, err := openQueue(rt)
	if err != nil {
		return err
	}
	pending, err := store.Count(ctx)
	if err != nil {
		return err
	}
	local, err := localstate.New(rt.db, rt.logger)
	if err != nil {
		return err
	}
	var snapshot status.SyncSnapshot
	found, err := local.Get(ctx, status.SnapshotKey, &snapshot)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "pending=%d\n", pending)
	if !found {
		fmt.Fprintln(out, "last_sync=never")
		return nil
	}
	fmt.Fprintf(out, "last_sync=%s synced=%d failed=%d\n",
		snapshot.LastSyncTime.Format(time.RFC3339), snapshot.SyncedCount, snapshot.FailedCount)
	return nil
}
