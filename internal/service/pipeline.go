package service

import (
	"context"
	"log/slog"
	"time"

	"github-harvester/internal/domain"
	"github-harvester/internal/port"
)

// RunOptions 一轮流水线的开关
type RunOptions struct {
	Search  SearchParams
	Migrate bool
}

// PipelineService 串起发现、抽取、迁移，最后汇总报告
type PipelineService struct {
	discovery *DiscoveryService
	extractor port.Extractor
	migration *MigrationService
	ledger    port.Ledger
	notifier  port.Notifier
	logger    *slog.Logger
	now       func() time.Time
}

// NewPipelineService 创建流水线；notifier 可以为 nil
func NewPipelineService(
	discovery *DiscoveryService,
	extractor port.Extractor,
	migration *MigrationService,
	ledger port.Ledger,
	notifier port.Notifier,
	logger *slog.Logger,
) *PipelineService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineService{
		discovery: discovery,
		extractor: extractor,
		migration: migration,
		ledger:    ledger,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Run 执行一轮完整流水线
func (p *PipelineService) Run(ctx context.Context, opts RunOptions) (*port.RunReport, error) {
	start := p.now()
	report := &port.RunReport{}
	p.logger.Info("🚀 流水线开始", "keywords", opts.Search.Keywords, "language", opts.Search.Language, "migrate", opts.Migrate)

	migrate := opts.Migrate
	if migrate {
		if err := p.migration.Verify(ctx); err != nil {
			p.logger.Error("❌ 目标端不可用，本轮跳过迁移", "error", err)
			migrate = false
		}
	}

	handles, err := p.discovery.Search(ctx, opts.Search)
	report.Accepted = len(handles)
	if err != nil {
		return p.finish(ctx, report, start, err)
	}

	queue, err := p.extractionQueue(ctx, handles)
	if err != nil {
		return p.finish(ctx, report, start, err)
	}

	n, err := p.Extract(ctx, queue)
	report.Extracted = n
	if err != nil {
		return p.finish(ctx, report, start, err)
	}

	if migrate {
		summary, err := p.migration.MigratePending(ctx)
		if summary != nil {
			report.MigratedOK = summary.Success
			report.MigrationFailed = summary.Failed
		}
		if err != nil {
			return p.finish(ctx, report, start, err)
		}
	}
	return p.finish(ctx, report, start, nil)
}

// extractionQueue 本轮新接受的仓库排前面，再补上账本里所有可训练仓库。
// 上一轮接受后被打断、没抽完的仓库靠这里接着抽；已完成的类别由抽取器跳过
func (p *PipelineService) extractionQueue(ctx context.Context, accepted []domain.RepositoryHandle) ([]domain.RepositoryHandle, error) {
	rows, err := p.ledger.AllTrainingReady(ctx)
	if err != nil {
		return nil, err
	}
	queue := make([]domain.RepositoryHandle, 0, len(accepted)+len(rows))
	seen := make(map[string]bool, cap(queue))
	for _, h := range accepted {
		if !seen[h.FullName] {
			seen[h.FullName] = true
			queue = append(queue, h)
		}
	}
	for _, row := range rows {
		if !seen[row.FullName] {
			seen[row.FullName] = true
			queue = append(queue, row.Handle())
		}
	}
	if len(queue) > len(accepted) {
		p.logger.Info("🔁 补抽账本中的可训练仓库", "accepted", len(accepted), "queue", len(queue))
	}
	return queue, nil
}

// Extract 逐个仓库抽取，返回写入的记录数
func (p *PipelineService) Extract(ctx context.Context, handles []domain.RepositoryHandle) (int, error) {
	total := 0
	for i, h := range handles {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		p.logger.Info("📥 抽取进度", "index", i+1, "total", len(handles), "repo", h.FullName)
		res, err := p.extractor.ExtractAll(ctx, h)
		if res != nil {
			total += res.Total()
		}
		if err != nil {
			if fatal(err) {
				return total, err
			}
			p.logger.Error("❌ 抽取失败", "repo", h.FullName, "error", err)
		}
	}
	return total, nil
}

// finish 补齐统计并推送报告；runErr 原样返回
func (p *PipelineService) finish(ctx context.Context, report *port.RunReport, start time.Time, runErr error) (*port.RunReport, error) {
	report.ElapsedSeconds = p.now().Sub(start).Seconds()

	// 取消后仍然尽量留下统计
	statsCtx := context.WithoutCancel(ctx)
	stats, err := p.ledger.Stats(statsCtx)
	if err != nil {
		p.logger.Warn("⚠️ 读取统计失败", "error", err)
	}
	report.Stats = stats

	attrs := []any{
		"elapsed_seconds", report.ElapsedSeconds,
		"accepted", report.Accepted,
		"extracted", report.Extracted,
		"migrated_ok", report.MigratedOK,
		"migration_failed", report.MigrationFailed,
	}
	if stats != nil {
		attrs = append(attrs, "total_repos", stats.TotalRepos, "training_ready", stats.TrainingReady,
			"migrated", stats.Migrated, "pending", stats.Pending, "rejected", stats.Rejected)
	}
	if runErr != nil {
		p.logger.Error("❌ 流水线中断", append(attrs, "error", runErr)...)
	} else {
		p.logger.Info("🏁 流水线完成", attrs...)
	}

	if p.notifier != nil {
		if err := p.notifier.NotifyReport(statsCtx, report); err != nil {
			p.logger.Warn("⚠️ 推送运行报告失败", "error", err)
		}
	}
	return report, runErr
}
