package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/collabrelay/internal/config"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/gateway"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/logging"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/collabrelay/internal/worker"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-relay",
		Short: "Real-time collaboration relay with hot cache and durable persistence",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "gateway",
			Short: "Serve client sockets and relay updates",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), "gateway", true, false)
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Persist rooms from the hot cache into durable storage",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), "worker", false, true)
			},
		},
		&cobra.Command{
			Use:   "standalone",
			Short: "Run the gateway and a worker in one process",
			RunE: func(cmd *cobra.Command, args []string) error {
				return run(cmd.Context(), "standalone", true, true)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL of the hot cache")
	cmd.PersistentFlags().String("storage-type", defaults.GetString("storage.type"), "Durable storage backend (memory, s3, sqlite)")
	cmd.PersistentFlags().String("sqlite-path", defaults.GetString("storage.sqlite.path"), "SQLite database path")
	cmd.PersistentFlags().String("worker-id", defaults.GetString("worker.id"), "Worker consumer name")
	cmd.PersistentFlags().String("worker-metrics-address", defaults.GetString("worker.metrics_address"), "Metrics listen address of a worker process")
	cmd.PersistentFlags().String("callback-url", defaults.GetString("callback.url"), "URL receiving document exports")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "storage.type", "storage-type")
	bindFlag(cmd, "storage.sqlite.path", "sqlite-path")
	bindFlag(cmd, "worker.id", "worker-id")
	bindFlag(cmd, "worker.metrics_address", "worker-metrics-address")
	bindFlag(cmd, "callback.url", "callback-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func run(ctx context.Context, role string, serveGateway, runWorker bool) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, role)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := buildServices(signalCtx, appConfig, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	errCh := make(chan error, 2)
	done := make(chan struct{})
	var persister *worker.Worker
	if runWorker {
		persister, err = buildWorker(appConfig, deps, logger)
		if err != nil {
			return err
		}
		go func() {
			defer close(done)
			if err := persister.Run(signalCtx); err != nil {
				errCh <- err
			}
		}()
	} else {
		close(done)
	}

	var httpServer *http.Server
	var relay *gateway.Gateway
	switch {
	case serveGateway:
		relay, err = buildGateway(appConfig, deps, logger)
		if err != nil {
			return err
		}
		go relay.RunSweeper(signalCtx, appConfig.Gateway.DocCleanupInterval, appConfig.Gateway.RoomIdleThreshold)
		httpServer = &http.Server{Addr: appConfig.HTTPAddress, Handler: relay.Handler()}
	case appConfig.Worker.MetricsAddress != "":
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		httpServer = &http.Server{Addr: appConfig.Worker.MetricsAddress, Handler: mux}
	}

	if httpServer != nil {
		go func() {
			logger.Info("server starting", zap.String("address", httpServer.Addr))
			err := httpServer.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-signalCtx.Done():
	case runErr = <-errCh:
		stop()
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
			runErr = err
		}
	}
	if relay != nil {
		relay.CloseAll()
		relay.Wait()
	}
	<-done
	deps.notifier.Wait()
	logger.Info("shutdown complete")
	return runErr
}
