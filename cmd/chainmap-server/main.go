package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lojhan/chainmap/internal/command"
	"github.com/lojhan/chainmap/internal/config"
	"github.com/lojhan/chainmap/internal/logutil"
	"github.com/lojhan/chainmap/internal/persistence"
	"github.com/lojhan/chainmap/internal/server"
	"github.com/lojhan/chainmap/internal/store"
)

func main() {
	configFile := flag.String("config", "", "TOML configuration file")
	port := flag.String("port", config.DefaultPort, "Port to listen on")
	buckets := flag.Int("buckets", 64, "Number of hash buckets in the keyspace (fixed for the process lifetime)")
	multicore := flag.Bool("multicore", false, "Run one event loop per CPU")
	appendOnly := flag.Bool("appendonly", false, "Enable AOF persistence")
	appendFilename := flag.String("appendfilename", "appendonly.aof", "AOF file name")
	appendFsync := flag.String("appendfsync", "everysec", "AOF fsync policy: always, everysec, no")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("logformat", "console", "Log format: console, json")
	logFile := flag.String("logfile", "", "Log file (empty logs to stderr)")
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "buckets":
			cfg.Buckets = *buckets
		case "multicore":
			cfg.Multicore = *multicore
		case "appendonly":
			cfg.AppendOnly = *appendOnly
		case "appendfilename":
			cfg.AppendFilename = *appendFilename
		case "appendfsync":
			cfg.AppendFsync = *appendFsync
		case "loglevel":
			cfg.Log.Level = *logLevel
		case "logformat":
			cfg.Log.Format = *logFormat
		case "logfile":
			cfg.Log.Filename = *logFile
		}
	})

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logutil.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	srv := server.NewServer(server.WithLogger(logger), server.WithMulticore(cfg.Multicore))

	dataStore, err := store.NewStore(cfg.Buckets)
	if err != nil {
		return err
	}
	dataStore.SetKeyModifiedHandler(srv.MarkKeyModified)

	srv.RegisterCommand("PING", command.PingCommand)
	srv.RegisterCommand("ECHO", command.EchoCommand)
	srv.RegisterCommand("INFO", command.InfoCommand(dataStore, srv.ClientCount))
	srv.RegisterCommand("DBSIZE", command.DBSizeCommand(dataStore))

	srv.RegisterCommand("SET", command.SetCommand(dataStore))
	srv.RegisterCommand("GET", command.GetCommand(dataStore))
	srv.RegisterCommand("DEL", command.DelCommand(dataStore))
	srv.RegisterCommand("EXISTS", command.ExistsCommand(dataStore))
	srv.RegisterCommand("INCR", command.IncrCommand(dataStore))
	srv.RegisterCommand("DECR", command.DecrCommand(dataStore))
	srv.RegisterCommand("INCRBY", command.IncrByCommand(dataStore))

	if cfg.AppendOnly {
		start := time.Now()
		count, err := persistence.LoadAOF(cfg.AppendFilename, srv.Execute)
		if err != nil {
			return errors.Wrap(err, "load AOF")
		}
		logger.Info("AOF loaded",
			zap.String("file", cfg.AppendFilename),
			zap.Int("commands", count),
			zap.Int("keys", dataStore.Len()),
			logutil.Duration("elapsed", time.Since(start)))

		policy, _ := persistence.ParseSyncPolicy(cfg.AppendFsync)
		aof, err := persistence.NewAOFWriter(cfg.AppendFilename, policy, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := aof.Close(); err != nil {
				logger.Error("close AOF", zap.Error(err))
			}
		}()
		srv.SetAOFWriter(aof)
		logger.Info("AOF logging enabled", zap.String("appendfsync", string(policy)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting chainmap server",
			zap.String("port", cfg.Port),
			zap.Int("buckets", cfg.Buckets),
			zap.Bool("multicore", cfg.Multicore))
		return srv.Start(cfg.Port)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	})
	return g.Wait()
}
