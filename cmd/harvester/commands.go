package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github-harvester/internal/service"
)

// withApp 组装组件并在命令结束后释放
func withApp(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

// runPipeline 跑一轮流水线；没有 Gitea token 时只做发现和抽取
func runPipeline(ctx context.Context, a *app, migrate bool) error {
	if err := a.cfg.RequireGitHub(); err != nil {
		return err
	}
	if migrate && a.cfg.RequireGitea() != nil {
		a.logger.Warn("⚠️ 未配置 GITEA_TOKEN，本轮跳过迁移")
		migrate = false
	}
	_, err := a.pipeline.Run(ctx, service.RunOptions{Search: a.searchParams(), Migrate: migrate})
	return err
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "执行一轮完整流水线 (发现、抽取、迁移)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				return runPipeline(ctx, a, true)
			})
		},
	}
}

func newScheduleCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "按 CRON_INTERVAL_HOURS 定时执行流水线，Ctrl+C 退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.cfg.RequireGitHub(); err != nil {
					return err
				}
				sched := service.NewScheduler(a.cfg.Schedule.Interval, func(ctx context.Context) error {
					return runPipeline(ctx, a, true)
				}, a.logger)
				sched.Start(ctx)
				return nil
			})
		},
	}
}

func newCrawlCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "只做发现和抽取，不迁移",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				return runPipeline(ctx, a, false)
			})
		},
	}
}

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	var maxIssues, maxPRs int

	cmd := &cobra.Command{
		Use:   "migrate [owner/repo]",
		Short: "迁移账本中待迁移的仓库，或者指定的单个仓库",
		Long: `不带参数时迁移账本里所有通过校验但尚未迁移的仓库。
指定 owner/repo 时只迁移该仓库，可用 --max-issues/--max-prs 覆盖上限。`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.cfg.RequireGitea(); err != nil {
					return err
				}
				if err := a.migration.Verify(ctx); err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(args) == 1 {
					res, err := a.migration.MigrateRepository(ctx, args[0], maxIssues, maxPRs)
					if res != nil {
						printRepoResult(out, args[0], res)
					}
					return err
				}
				summary, err := a.migration.MigratePending(ctx)
				if summary != nil {
					fmt.Fprintf(out, "迁移完成: 成功 %d, 失败 %d, 共 %d\n", summary.Success, summary.Failed, summary.Total)
				}
				return err
			})
		},
	}

	cmd.Flags().IntVar(&maxIssues, "max-issues", 0, "单仓库迁移的 issue 上限 (默认 MAX_ISSUES_MIGRATE)")
	cmd.Flags().IntVar(&maxPRs, "max-prs", 0, "单仓库迁移的 PR 上限 (默认 MAX_PRS_MIGRATE)")
	return cmd
}

func newValidateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate owner/repo",
		Short: "重新校验单个仓库并更新账本",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if err := a.cfg.RequireGitHub(); err != nil {
					return err
				}
				rec, err := a.discovery.Recheck(ctx, args[0])
				if err != nil {
					return err
				}
				printEligibility(cmd.OutOrStdout(), args[0], rec)
				return nil
			})
		},
	}
}

func newStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "显示账本统计",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				stats, err := a.ledger.Stats(ctx)
				if err != nil {
					return err
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func newRateLimitCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rate-limit",
		Short: "查询 GitHub API 剩余配额",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				quotas, err := a.source.RateLimits(ctx)
				if err != nil {
					return err
				}
				printQuotas(cmd.OutOrStdout(), quotas)
				return nil
			})
		},
	}
}
