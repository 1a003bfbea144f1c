package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	flag "github.com/spf13/pflag"

	apiPkg "github.com/h1v3-io/triage/internal/api"
	"github.com/h1v3-io/triage/internal/config"
	"github.com/h1v3-io/triage/internal/intake"
	"github.com/h1v3-io/triage/internal/logbuf"
	"github.com/h1v3-io/triage/internal/scheduler"
	"github.com/h1v3-io/triage/internal/service"
)

func main() {
	configPath := flag.StringP("config", "c", os.Getenv("TRIAGE_CONFIG"), "Path to config file (JSON or YAML)")
	addr := flag.String("addr", "", "Override the API listen address (host:port)")
	verbose := flag.BoolP("verbose", "v", false, "Verbose logging")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
		if err == nil {
			err = cfg.Validate()
		}
	}

	logLevel := slog.LevelInfo
	if cfg != nil {
		logLevel = logbuf.ParseLevel(cfg.Service.LogLevel)
	}
	if *verbose {
		logLevel = slog.LevelDebug
	}
	bufSize := 2000
	if cfg != nil {
		bufSize = cfg.Service.LogBuffer
	}
	logBuf := logbuf.New(bufSize)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("triaged starting", "service", cfg.Service.Name, "version", cfg.Service.Version)

	svc, err := service.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	apiCfg := apiPkg.Config{
		Host:        cfg.API.Host,
		Port:        cfg.API.Port,
		Key:         cfg.API.Key,
		CORSOrigins: cfg.API.CORSOrigins,
		Version:     cfg.Service.Version,
	}
	if *addr != "" {
		host, port, err := splitAddr(*addr)
		if err != nil {
			logger.Error("invalid --addr", "addr", *addr, "error", err)
			os.Exit(1)
		}
		apiCfg.Host, apiCfg.Port = host, port
	}
	apiSrv := apiPkg.NewServer(svc, svc.Store, apiCfg, logger, logBuf)

	var intakeHandler *intake.Handler
	if len(cfg.Intake.Sources) > 0 {
		sources := make(map[string]intake.Source, len(cfg.Intake.Sources))
		for name, src := range cfg.Intake.Sources {
			sources[name] = intake.Source{
				Secret:      src.Secret,
				BearerToken: src.BearerToken,
				CallbackURL: src.CallbackURL,
			}
		}
		intakeHandler = intake.New(sources, svc, logger, intake.WithBaseContext(ctx))
		apiSrv.Mount("POST /api/v1/intake/{source}", intakeHandler)
		logger.Info("ticket intake enabled", "sources", len(sources))
	}

	sched := scheduler.New(logger)
	if days := cfg.Service.RetentionDays; days > 0 {
		job := scheduler.RetentionJob(svc.Store, cfg.Service.Retention(), logger)
		if err := sched.AddJob("retention", cfg.Service.RetentionSchedule, job); err != nil {
			logger.Error("invalid retention schedule", "schedule", cfg.Service.RetentionSchedule, "error", err)
			os.Exit(1)
		}
		logger.Info("retention enabled", "days", days, "schedule", cfg.Service.RetentionSchedule)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		safeGo(logger, "api-server", func() {
			if err := apiSrv.Start(ctx); err != nil {
				logger.Error("api server stopped", "error", err)
			}
		})
		stop()
	}()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		safeGo(logger, "scheduler", func() { sched.Start(ctx) })
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	<-done
	<-schedDone
	if intakeHandler != nil {
		intakeHandler.Wait()
	}
	logger.Info("triaged stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
