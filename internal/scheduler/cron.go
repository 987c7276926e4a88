package scheduler

import (
	"context"
	"fmt"
	"strings"

	"tokentrader/internal/logger"

	"github.com/robfig/cron/v3"
)

// Jobs 管理秒级 cron 任务（健康检查、风险快照）。
type Jobs struct {
	cron  *cron.Cron
	names []string
}

func NewJobs() *Jobs {
	l := cronLogger{}
	return &Jobs{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
		),
	}
}

// Add 注册任务；空 spec 表示禁用该任务。
func (j *Jobs) Add(name, spec string, fn func(context.Context), ctxFn func() context.Context) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		logger.Infof("[scheduler] job %s disabled", name)
		return nil
	}
	if _, err := j.cron.AddFunc(spec, func() { fn(ctxFn()) }); err != nil {
		return fmt.Errorf("register %s job: %w", name, err)
	}
	j.names = append(j.names, name)
	return nil
}

func (j *Jobs) Names() []string {
	return append([]string(nil), j.names...)
}

// Run 启动 cron 并阻塞到 ctx 结束，退出前等待正在执行的任务完成。
func (j *Jobs) Run(ctx context.Context) error {
	j.cron.Start()
	logger.Infof("[scheduler] cron started jobs=%v", j.names)
	<-ctx.Done()
	<-j.cron.Stop().Done()
	logger.Infof("[scheduler] cron stopped")
	return ctx.Err()
}

type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	logger.Debugf("[cron] %s %v", msg, kv)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	logger.Errorf("[cron] %s: %v %v", msg, err, kv)
}
