// Command safeboxd is the daemon front end for the JobCoordinator: it
// loads config, wires the SafetyEngine/CgroupManager/SandboxLauncher
// behind one coordinator.Coordinator, and serves the REST/WebSocket API
// defined in internal/api/http until told to shut down. It never runs
// on a non-Linux host: cgroup v2 and Linux namespaces have no portable
// equivalent.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"github.com/anika-dewari/safebox/internal/api/http"
	"github.com/anika-dewari/safebox/internal/audit"
	"github.com/anika-dewari/safebox/internal/config"
	"github.com/anika-dewari/safebox/internal/coordinator"
	"github.com/anika-dewari/safebox/internal/lock"
	"github.com/anika-dewari/safebox/internal/vector"
	"github.com/anika-dewari/safebox/pkg/logger"
)

const defaultConfigPath = "configs/safeboxd.yaml"

func main() {
	if runtime.GOOS != "linux" {
		fmt.Fprintln(os.Stderr, "safeboxd requires a Linux host: cgroup v2 and namespaces are not portable")
		os.Exit(1)
	}

	configPath := flag.String("config", defaultConfigPath, "Path to safeboxd config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(cfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	var auditSink coordinator.AuditSink
	if cfg.Audit.Path != "" {
		auditLog, err := audit.Open(audit.Options{
			Path:         cfg.Audit.Path,
			RotateBytes:  cfg.Audit.RotateBytes,
			KafkaBrokers: cfg.Audit.KafkaBrokers,
			KafkaTopic:   cfg.Audit.KafkaTopic,
		})
		if err != nil {
			logger.Fatal(ctx, "open audit log failed", zap.Error(err))
			os.Exit(1)
		}
		defer auditLog.Close()
		auditSink = auditLog
	}

	var locker lock.Locker
	if cfg.Lock.RedisAddr != "" {
		redisLocker, err := lock.NewRedisLocker(cfg.Lock.RedisAddr, cfg.Lock.RedisDB, cfg.Lock.TTL)
		if err != nil {
			logger.Fatal(ctx, "init redis lock failed", zap.Error(err))
			os.Exit(1)
		}
		locker = redisLocker
	}

	coord, err := coordinator.New(vector.Vector(cfg.Resources.Totals), cfg.Cgroup.Root, cfg.Sandbox.HelperPath, coordinator.Options{
		EnableCgroup:     cfg.Sandbox.EnableCgroup,
		EnableNamespaces: cfg.Sandbox.EnableNamespaces,
		EnableSeccomp:    cfg.Sandbox.EnableSeccomp,
		SeccompLog:       cfg.Sandbox.SeccompLog,
		UnprivUID:        cfg.Sandbox.UnprivUID,
		UnprivGID:        cfg.Sandbox.UnprivGID,
		BindMountDirs:    cfg.Sandbox.BindMountDirs,
		GracePeriod:      cfg.Coordinator.GracePeriod,
		Lock:             locker,
		Audit:            auditSink,
		ResourceNames:    cfg.Resources.Names,
	})
	if err != nil {
		logger.Fatal(ctx, "init coordinator failed", zap.Error(err))
		os.Exit(1)
	}

	server := http.New(http.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		JWTSecret:       cfg.Server.JWTSecret,
		OperatorUser:    cfg.Server.OperatorUser,
		OperatorHash:    cfg.Server.OperatorHash,
	}, coord)

	logger.Info(ctx, "safeboxd starting", zap.String("addr", cfg.Server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error(ctx, "http server exited", zap.Error(err))
	case sig := <-sigCh:
		logger.Info(ctx, "shutting down", zap.String("signal", sig.String()))
	}

	if err := server.Shutdown(ctx); err != nil {
		logger.Error(ctx, "graceful shutdown failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "coordinator shutdown failed", zap.Error(err))
	}
}
