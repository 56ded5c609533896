package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Dachhu7/DevScan/internal/api"
	"github.com/Dachhu7/DevScan/internal/config"
	"github.com/Dachhu7/DevScan/internal/sessionstate"
	"github.com/Dachhu7/DevScan/internal/storage"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "Path to base scanner configuration")
	addr := flag.String("addr", ":5000", "HTTP listen address")
	maxConcFlag := flag.Int("max-concurrency", 0, "Maximum concurrent asynchronous scans")
	flag.Parse()

	baseCfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	maxConcurrency := resolveMaxConcurrency(*maxConcFlag)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))

	var (
		opts    []api.ManagerOption
		closers []func() error
	)

	redisCfg, redisEnabled, err := sessionstate.RedisConfigFromEnv(baseCfg.Redis)
	if err != nil {
		logger.Error("invalid redis environment", "error", err)
	}
	if redisEnabled {
		stateStore, err := sessionstate.NewRedisStore(redisCfg)
		if err != nil {
			logger.Error("failed to initialise redis scan store", "error", err)
		} else {
			closers = append(closers, stateStore.Close)
			opts = append(opts, api.WithStateStore(stateStore))
		}
	}

	var findings api.FindingStore
	if baseCfg.DB.Enabled() {
		scanStore, err := storage.NewSQLWriter(baseCfg.DB)
		if err != nil {
			log.Fatalf("failed to initialise scan store: %v", err)
		}
		closers = append(closers, scanStore.Close)
		opts = append(opts, api.WithResultStore(scanStore))
		findings = scanStore
	}

	manager := api.NewScanManager(*baseCfg, maxConcurrency, ctx, logger, opts...)
	server := api.NewServer(manager, findings, logger)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}
		manager.Shutdown()
	}()

	logger.Info("api server listening", "addr", *addr, "max_concurrency", maxConcurrency)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	<-shutdownDone
	if err := closeAll(closers); err != nil {
		logger.Error("failed to close stores", "error", err)
	}
	logger.Info("api server stopped")
}

func closeAll(closers []func() error) error {
	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		if cerr := closers[i](); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func resolveMaxConcurrency(flagValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	if raw := os.Getenv("DEVSCAN_MAX_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return 5
}
