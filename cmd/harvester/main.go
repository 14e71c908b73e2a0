// Package main 采集器命令行：发现 GitHub 仓库、抽取训练数据、迁移到 Gitea。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

// globalFlags 所有子命令共享的参数
type globalFlags struct {
	envFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "harvester",
		Short: "从 GitHub 采集训练数据并迁移到 Gitea",
		Long: `harvester 按关键词搜索 GitHub 仓库，筛选出有 README、issue、PR 和代码的项目，
把这些内容抽取成训练数据写入本地账本，并把仓库及其讨论迁移到自建的 Gitea。`,
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "环境变量文件")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "日志级别: debug, info, warn, error (默认读 LOG_LEVEL)")

	rootCmd.AddCommand(
		newRunCmd(flags),
		newScheduleCmd(flags),
		newCrawlCmd(flags),
		newMigrateCmd(flags),
		newValidateCmd(flags),
		newStatsCmd(flags),
		newRateLimitCmd(flags),
	)
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
