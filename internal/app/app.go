package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"filler/internal/config"
	"filler/internal/store"
)

const persistTimeout = 10 * time.Second

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	deps   dependencies
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 启动全部任务并阻塞到 ctx 结束，随后等待任务退出并保存未提交的操作。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("做市系统初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Strings("markets", a.cfg.Markets),
		zap.String("ledger_mode", a.cfg.Ledger.Mode),
		zap.String("price_source", a.cfg.Price.Source),
	)

	p, err := newPipeline(ctx, a.cfg, a.deps, a.store, a.logger)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.feed.Run(gctx) })
	g.Go(func() error { return p.oracle.Run(gctx) })
	g.Go(func() error { return p.engine.Run(gctx) })
	g.Go(func() error { return p.dispatcher.Run(gctx) })

	if a.cfg.Monitor.Enabled {
		if ln, err := listenMonitor(a.cfg.Monitor.Port); err != nil {
			a.logger.Warn("监控接口启动失败", zap.Error(err))
		} else {
			serveMonitor(gctx, g, ln, newMonitorRouter(p.monitor, p.status, a.logger), a.logger)
		}
	}

	a.logger.Info("全部任务已启动",
		zap.Int("identities", p.pool.Size()),
		zap.Int("batch_size", a.cfg.Dispatch.BatchSize),
		zap.Int("restored", p.queue.Len()),
	)

	runErr := g.Wait()
	a.logger.Info("任务已停止，保存待提交操作")

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := multierr.Append(runErr, p.persistPending(persistCtx)); err != nil {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}
