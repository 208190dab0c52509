package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/isabella232/zangetsu/internal/config"
	"github.com/isabella232/zangetsu/internal/logger"
	"github.com/isabella232/zangetsu/internal/replica"
	"github.com/isabella232/zangetsu/internal/server"
	"github.com/isabella232/zangetsu/internal/storage"
)

func main() {
	root := &cobra.Command{
		Use:           "zangetsu",
		Short:         "zangetsu — append-only time-partitioned record store",
		Long:          "Serves a database of named groups partitioned by day, replicating from a master to any number of slaves.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(replicateFromCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type serveFlags struct {
	configPath string
	host       string
	port       int
	name       string
	logLevel   string
	logFile    string
}

func (f *serveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to zangetsu.yaml")
	cmd.Flags().StringVar(&f.host, "host", "", "listen host")
	cmd.Flags().IntVar(&f.port, "port", 0, "listen port")
	cmd.Flags().StringVar(&f.name, "name", "", "server name announced in the greeting")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "log to this file as well as stdout")
}

// load merges the config file with flag overrides.
func (f *serveFlags) load(dbroot string) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	cfg.DatabaseRoot = dbroot
	if f.host != "" {
		cfg.Host = f.host
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.name != "" {
		cfg.ServerName = f.name
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if f.logFile != "" {
		cfg.LogFile = f.logFile
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve <dbroot>",
		Short: "Serve a database as the master",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load(args[0])
			if err != nil {
				return err
			}
			return run(cfg, flags.configPath)
		},
	}
	flags.register(cmd)
	return cmd
}

func replicateFromCmd() *cobra.Command {
	var flags serveFlags
	var dbroot string
	cmd := &cobra.Command{
		Use:   "replicate-from <host:port>",
		Short: "Serve a database as a slave of the given master",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, portStr, err := net.SplitHostPort(args[0])
			if err != nil {
				return fmt.Errorf("master address: %w", err)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil {
				return fmt.Errorf("master port: %w", err)
			}
			cfg, err := flags.load(dbroot)
			if err != nil {
				return err
			}
			cfg.MasterHost = host
			cfg.MasterPort = port
			return run(cfg, flags.configPath)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&dbroot, "dbroot", "zangetsu-data", "database root directory")
	return cmd
}

func run(cfg *config.Config, configPath string) error {
	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	db, err := storage.Open(cfg.DatabaseRoot)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.DatabaseRoot, err)
	}
	defer db.Close()

	srv := server.New(db, server.Options{
		Name:                 cfg.ServerName,
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		MasterHost:           cfg.MasterHost,
		MasterPort:           cfg.MasterPort,
		ResultCheckThreshold: cfg.ResultCheckThreshold,
		StatsInterval:        time.Duration(cfg.StatsInterval) * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	if cfg.IsSlave() {
		link := replica.NewLink(db, cfg.MasterHost, cfg.MasterPort)
		g.Go(func() error {
			return link.Run(ctx)
		})
	}
	if configPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, configPath, func(next *config.Config) {
				logger.SetLevel(next.LogLevel)
				logger.Info("config reloaded", "log_level", next.LogLevel)
			})
		})
	}

	err = g.Wait()
	logger.Info("shut down")
	return err
}
