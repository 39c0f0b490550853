package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/semihalev/zlog/v2"
	"github.com/shieldns/shieldns/api"
	"github.com/shieldns/shieldns/config"
	"github.com/shieldns/shieldns/engine"
	"github.com/shieldns/shieldns/middleware"
	"github.com/shieldns/shieldns/middleware/accesslist"
	dnscache "github.com/shieldns/shieldns/middleware/cache"
	"github.com/shieldns/shieldns/middleware/filter"
	"github.com/shieldns/shieldns/middleware/metrics"
	"github.com/shieldns/shieldns/middleware/querylog"
	"github.com/shieldns/shieldns/middleware/ratelimit"
	"github.com/shieldns/shieldns/middleware/recovery"
	"github.com/shieldns/shieldns/middleware/resolver"
	"github.com/shieldns/shieldns/middleware/risk"
	"github.com/shieldns/shieldns/middleware/threat"
	"github.com/shieldns/shieldns/server"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:     "shieldns",
	Short:   "DNS resolver with filtering, caching and threat scoring",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "shieldns.toml", "location of the config file, generated when missing")
}

// registerMiddlewares installs the handler chain. Registration order is chain
// order: admission and policy first, observers next to the stages they watch,
// cache in front of the resolver.
func registerMiddlewares() {
	middleware.Register("recovery", func(cfg *config.Config) middleware.Handler { return recovery.New(cfg) })
	middleware.Register("metrics", func(cfg *config.Config) middleware.Handler { return metrics.New(cfg) })
	middleware.Register("accesslist", func(cfg *config.Config) middleware.Handler { return accesslist.New(cfg) })
	middleware.Register("ratelimit", func(cfg *config.Config) middleware.Handler { return ratelimit.New(cfg) })
	middleware.Register("querylog", func(cfg *config.Config) middleware.Handler { return querylog.New(cfg) })
	middleware.Register("threat", func(cfg *config.Config) middleware.Handler { return threat.New(cfg) })
	middleware.Register("risk", func(cfg *config.Config) middleware.Handler { return risk.New(cfg) })
	middleware.Register("filter", func(cfg *config.Config) middleware.Handler { return filter.New(cfg) })
	middleware.Register("cache", func(cfg *config.Config) middleware.Handler { return dnscache.New(cfg) })
	middleware.Register("resolver", func(cfg *config.Config) middleware.Handler { return resolver.New(cfg) })
}

func setupLogging(level string) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())

	switch level {
	case "debug":
		logger.SetLevel(zlog.LevelDebug)
	case "warn":
		logger.SetLevel(zlog.LevelWarn)
	case "error":
		logger.SetLevel(zlog.LevelError)
	default:
		logger.SetLevel(zlog.LevelInfo)
	}

	zlog.SetDefault(logger)
}

func run() error {
	cfg, err := config.Load(cfgPath, version)
	if err != nil {
		return err
	}

	setupLogging(cfg.LogLevel)

	zlog.Info("Starting shieldns...", "version", version)

	registerMiddlewares()

	if err := middleware.Setup(cfg); err != nil {
		return err
	}

	srv := server.New(cfg)
	srv.Run()

	apiCtx, apiCancel := context.WithCancel(context.Background())
	defer apiCancel()

	api.New(cfg, engine.New(cfg)).Run(apiCtx)

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)

	<-c

	zlog.Info("Stopping shieldns...")

	apiCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	srv.Shutdown(ctx)

	for _, handler := range middleware.Handlers() {
		if closer, ok := handler.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zlog.Error("Startup failed", "error", err.Error())
		os.Exit(1)
	}
}
