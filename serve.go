package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/any-fetch/internal/config"
	"github.com/any-hub/any-fetch/internal/logging"
	"github.com/any-hub/any-fetch/internal/proxy"
	"github.com/any-hub/any-fetch/internal/server"
	"github.com/any-hub/any-fetch/internal/server/routes"
	"github.com/any-hub/any-fetch/internal/version"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动缓存网关 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath(cmd))
		},
	}
}

// runServe 遵循“配置 → OriginRegistry → 引擎 → Fiber server”顺序启动，ctx 结束时优雅退出。
func runServe(ctx context.Context, path string) error {
	cfg, logger, err := loadRuntime(path)
	if err != nil {
		return err
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Origin 注册表失败: %v\n", err)
		return exitError{code: 1}
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "%v\n", err)
		return exitError{code: 1}
	}
	defer eng.loader.Close()

	fields := logging.BaseFields("startup", path)
	fields["origins"] = len(cfg.Origins)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Origins)
	fields["max_concurrent"] = cfg.Global.MaxConcurrentTransfers
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("config_loaded")

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(eng.loader, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return exitError{code: 1}
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Options{
		Registry: registry,
		Engine:   eng.loader,
		Gatherer: eng.registry,
		Logger:   logger,
	})

	if err := startHTTPServer(ctx, app, cfg, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return exitError{code: 1}
	}
	return nil
}

func startHTTPServer(ctx context.Context, app *fiber.App, cfg *config.Config, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("server_listening")
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.Global.ShutdownTimeout.DurationValue()
	logger.WithFields(logrus.Fields{
		"action":  "shutdown",
		"timeout": timeout.String(),
	}).Info("server_shutdown")
	if err := app.ShutdownWithTimeout(timeout); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
