package app

import (
	"errors"

	"github.com/dujiao-next/paygate/internal/config"
	"github.com/dujiao-next/paygate/internal/logger"
	"github.com/dujiao-next/paygate/internal/provider"
	"github.com/dujiao-next/paygate/internal/router"
	"github.com/dujiao-next/paygate/internal/worker"
)

// BuildRunner 构建服务运行器
func BuildRunner(cfg *config.Config, mode string) (*Runner, *provider.Container, error) {
	if cfg == nil {
		return nil, nil, errors.New("config is nil")
	}

	container := provider.NewContainer(cfg)
	var services []Service

	if mode == ModeAll || mode == ModeAPI {
		engine := router.SetupRouter(cfg, container)
		services = append(services, NewHTTPService(cfg.Server.Host+":"+cfg.Server.Port, engine))
	}

	// all 模式下队列未启用时只运行 HTTP，回调验签后直接应答
	if mode == ModeWorker || (mode == ModeAll && cfg.Queue.Enabled) {
		workerService, err := worker.NewService(&cfg.Queue, worker.NewConsumer(container))
		if err != nil {
			container.Close()
			return nil, nil, err
		}
		services = append(services, workerService)
	} else if mode == ModeAll {
		logger.Infow("app_worker_skipped", "reason", "queue_disabled")
	}

	if len(services) == 0 {
		container.Close()
		return nil, nil, errors.New("no services initialized (check mode and config)")
	}
	return NewRunner(services...), container, nil
}

// Run 应用启动入口
func Run(opts Options) error {
	opts = normalizeOptions(opts)
	if opts.Config == nil {
		return errors.New("config is nil")
	}

	runner, container, err := BuildRunner(opts.Config, opts.Mode)
	if err != nil {
		return err
	}
	defer container.Close()

	opts.Logger.Infow("app_start",
		"addr", opts.Config.Server.Host+":"+opts.Config.Server.Port,
		"mode", opts.Mode,
		"drivers", len(opts.Config.Payment),
	)
	return RunWithOptions(runner, opts)
}
