package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger 把 cron 的日志接到 slog
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// Scheduler 定时触发流水线，上一轮没跑完时跳过本次
type Scheduler struct {
	interval time.Duration
	run      func(ctx context.Context) error
	logger   *slog.Logger
}

// NewScheduler 创建调度器
func NewScheduler(interval time.Duration, run func(ctx context.Context) error, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{interval: interval, run: run, logger: logger}
}

// Start 立即执行一次，之后按间隔执行，直到 ctx 取消；返回前等待正在执行的一轮结束
func (s *Scheduler) Start(ctx context.Context) {
	logger := cronLogger{logger: s.logger}
	c := cron.New(cron.WithLogger(logger))
	job := cron.NewChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)).Then(cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.run(ctx); err != nil {
			s.logger.Error("❌ 定时任务执行失败", "error", err)
		}
	}))
	c.Schedule(cron.Every(s.interval), job)

	s.logger.Info("⏰ 定时模式已启动", "interval", s.interval)
	c.Start()

	var first sync.WaitGroup
	first.Add(1)
	go func() {
		defer first.Done()
		job.Run()
	}()

	<-ctx.Done()
	s.logger.Info("👋 收到停止信号，等待当前任务结束")
	<-c.Stop().Done()
	first.Wait()
}
