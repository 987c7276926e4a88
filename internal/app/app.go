package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"tokentrader/internal/config"
	"tokentrader/internal/engine"
	"tokentrader/internal/ledger"
	"tokentrader/internal/logger"
	"tokentrader/internal/scheduler"
	apihttp "tokentrader/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动交易引擎、HTTP 与定时任务。
type App struct {
	cfg     *config.Config
	engine  *engine.Engine
	ledger  *ledger.Ledger
	http    *apihttp.Server
	jobs    *scheduler.Jobs
	closers []io.Closer
	Summary *StartupSummary

	ctxMu  sync.RWMutex
	runCtx context.Context

	closeOnce sync.Once
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, builderOptions(opts))
}

// Run 启动引擎、HTTP 服务与 cron，直到 ctx 结束或任一组件出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.Close()

	group, ctx := errgroup.WithContext(ctx)
	a.ctxMu.Lock()
	a.runCtx = ctx
	a.ctxMu.Unlock()

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		if err := a.jobs.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return a.engine.Run(ctx)
	})
	return group.Wait()
}

// Close 停止账本并释放存储；Run 退出时自动调用。
func (a *App) Close() {
	if a == nil {
		return
	}
	a.closeOnce.Do(func() {
		if a.ledger != nil {
			a.ledger.Stop()
		}
		closeAll(a.closers)
		logger.Infof("[app] closed")
	})
}

// Engine exposes the trading engine (for tests and embedding).
func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

func (a *App) jobContext() context.Context {
	a.ctxMu.RLock()
	defer a.ctxMu.RUnlock()
	if a.runCtx != nil {
		return a.runCtx
	}
	return context.Background()
}
