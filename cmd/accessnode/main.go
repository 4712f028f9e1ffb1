// Command accessnode runs one access node: the shard groups it hosts, their
// shared operation router, and the redistribution/routing-control HTTP
// APIs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"accessgraph.dev/config"
	"accessgraph.dev/httpapi"
	"accessgraph.dev/logging"
	"accessgraph.dev/node"
	"accessgraph.dev/router"
	"accessgraph.dev/shardconfig"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// shardConfigNotifyChannel is the Postgres NOTIFY channel every accessnode
// process listens on for shard-configuration changes made by peers.
const shardConfigNotifyChannel = "accessnode_shard_configuration_changed"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "accessnode",
	Short: "runs an ApplicationAccess shard-group node",
	Long: `accessnode hosts one or more shard groups of the distributed access
graph event log, routes writes and queries for the ranges it owns, and
exposes the HTTP APIs that drive shard-group creation, online split/merge
redistribution, and per-node routing control.`,
	RunE: runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.accessnode.yaml)")
	rootCmd.PersistentFlags().String("self-addr", "http://localhost:8080", "this node's externally-reachable base URL")
	rootCmd.PersistentFlags().Int("port", 8080, "HTTP listen port")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "redis address backing the migration lock")

	viper.BindPFlag("self_addr", rootCmd.PersistentFlags().Lookup("self-addr"))
	viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".accessnode")
	}

	viper.SetEnvPrefix("ACCESSNODE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("using config file:", viper.ConfigFileUsed())
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	loader := config.NewConfigLoader("ACCESSNODE")
	nodeCfg, err := loader.LoadAll()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if viper.IsSet("server.port") {
		nodeCfg.Server.Port = viper.GetInt("server.port")
	}
	if viper.IsSet("redis.addr") {
		nodeCfg.Redis.Addr = viper.GetString("redis.addr")
	}

	log := logging.New(logging.Config{
		Level:  nodeCfg.Service.LogLevel,
		Format: nodeCfg.Service.LogFormat,
		Node:   nodeCfg.Service.Name,
	})

	redisClient := redis.NewClient(&redis.Options{
		Addr:     nodeCfg.Redis.Addr,
		Password: nodeCfg.Redis.Password,
	})
	defer redisClient.Close()

	configPool, err := pgxpool.New(context.Background(), nodeCfg.Database.ConnString)
	if err != nil {
		return fmt.Errorf("connect shard configuration store: %w", err)
	}
	defer configPool.Close()

	configStore := shardconfig.NewStore(configPool)
	if err := configStore.EnsureSchema(context.Background()); err != nil {
		return fmt.Errorf("ensure shard configuration schema: %w", err)
	}
	initialSet, err := configStore.Load(context.Background())
	if err != nil {
		return fmt.Errorf("load shard configuration set: %w", err)
	}

	n := node.New(redisClient, initialSet, node.Tuning{
		BufferSizeLimit:   nodeCfg.Buffer.BufferSizeLimit,
		FlushLoopInterval: nodeCfg.Buffer.FlushLoopInterval,
		EventBatchSize:    nodeCfg.Redistribution.EventBatchSize,
		SourceWriterOperationsCompleteCheckRetryAttempts: nodeCfg.Redistribution.SourceWriterOperationsCompleteCheckRetryAttempts,
		RetryInterval: nodeCfg.Redistribution.RetryInterval,
	}, viper.GetString("self_addr"), log)
	n.SetConfigStore(configStore, shardConfigNotifyChannel)

	configListener := router.NewConfigListener(configPool, shardConfigNotifyChannel, n.Router(), configStore.Load, log)
	listenerCtx, stopListener := context.WithCancel(context.Background())
	defer stopListener()
	configListener.Start(listenerCtx)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(httpapi.RateLimitMiddleware(nodeCfg.Server.RateLimit))

	httpapi.RegisterRoutes(e.Group(""), n)

	addr := fmt.Sprintf(":%d", nodeCfg.Server.Port)
	go func() {
		log.WithField("addr", addr).Info("accessnode listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), nodeCfg.Server.ShutdownTimeout)
	defer cancel()
	return e.Shutdown(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
