package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github-harvester/internal/common"
	"github-harvester/internal/domain"
	"github-harvester/internal/port"
)

const (
	searchPageSize = 30
	// 搜索接口只返回前 1000 条结果
	maxSearchPage = 34
	// ReasonNoIssues open_issues 为 0 时的拒绝原因
	ReasonNoIssues = "no issues/PRs likely"
)

// SearchParams 发现阶段的搜索参数
type SearchParams struct {
	Keywords         []string
	Language         string
	MinStars         int
	TargetPerKeyword int
	ScanCeiling      int
}

// Query 组装搜索语句
func (p SearchParams) Query(keyword string) string {
	return fmt.Sprintf("%s language:%s stars:>=%d", keyword, p.Language, p.MinStars)
}

// keywordTally 单个关键词的扫描统计
type keywordTally struct {
	scanned  int
	accepted int
	rejected int
	skipped  int
}

// DiscoveryService 搜索候选仓库并逐个过资格门
type DiscoveryService struct {
	source port.Source
	gate   port.Gate
	ledger port.Ledger
	logger *slog.Logger
	now    func() time.Time
	seen   map[string]bool
}

// NewDiscoveryService 创建发现服务
func NewDiscoveryService(source port.Source, gate port.Gate, ledger port.Ledger, logger *slog.Logger) *DiscoveryService {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryService{
		source: source,
		gate:   gate,
		ledger: ledger,
		logger: logger,
		now:    time.Now,
		seen:   make(map[string]bool),
	}
}

// Search 按关键词依次搜索，返回本轮通过资格门的仓库。
// 通过和拒绝都在判定后立刻写入账本
func (d *DiscoveryService) Search(ctx context.Context, p SearchParams) ([]domain.RepositoryHandle, error) {
	var all []domain.RepositoryHandle
	for _, kw := range p.Keywords {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		d.logger.Info("🔍 搜索关键词", "keyword", kw, "target", p.TargetPerKeyword, "query", p.Query(kw))

		accepted, err := d.searchKeyword(ctx, kw, p)
		all = append(all, accepted...)
		if err != nil {
			return all, err
		}
	}
	d.logger.Info("📦 发现阶段完成", "accepted", len(all))
	return all, nil
}

func (d *DiscoveryService) searchKeyword(ctx context.Context, kw string, p SearchParams) ([]domain.RepositoryHandle, error) {
	var accepted []domain.RepositoryHandle
	var tally keywordTally
	defer func() {
		d.logger.Info("📊 关键词小结", "keyword", kw,
			"scanned", tally.scanned, "accepted", tally.accepted,
			"rejected", tally.rejected, "skipped", tally.skipped)
	}()

	query := p.Query(kw)
	for page := 1; len(accepted) < p.TargetPerKeyword && tally.scanned < p.ScanCeiling; page++ {
		if page > maxSearchPage {
			d.logger.Warn("⚠️ 已到搜索结果窗口上限", "keyword", kw)
			break
		}
		items, err := d.source.SearchRepositories(ctx, query, page, searchPageSize)
		if err != nil {
			if fatal(err) {
				return accepted, err
			}
			d.logger.Error("❌ 搜索失败", "keyword", kw, "page", page, "error", err)
			break
		}
		if len(items) == 0 {
			break
		}

		for _, h := range items {
			if len(accepted) >= p.TargetPerKeyword || tally.scanned >= p.ScanCeiling {
				break
			}
			ok, err := d.consider(ctx, kw, h, &tally)
			if err != nil {
				return accepted, err
			}
			if ok {
				accepted = append(accepted, h)
			}
		}

		if len(items) < searchPageSize {
			break
		}
	}
	return accepted, nil
}

// consider 处理单个候选；返回是否通过
func (d *DiscoveryService) consider(ctx context.Context, kw string, h domain.RepositoryHandle, tally *keywordTally) (bool, error) {
	if d.seen[h.FullName] {
		tally.skipped++
		return false, nil
	}
	d.seen[h.FullName] = true

	checked, err := d.ledger.IsAlreadyChecked(ctx, h.FullName)
	if err != nil {
		return false, err
	}
	if checked {
		tally.skipped++
		return false, nil
	}
	tally.scanned++

	if h.OpenIssues == 0 {
		tally.rejected++
		d.logger.Info("⛔ 拒绝", "repo", h.FullName, "reason", ReasonNoIssues)
		return false, d.ledger.SaveRejected(ctx, h.FullName, ReasonNoIssues)
	}

	rec, err := d.gate.Validate(ctx, h)
	if err != nil {
		return false, err
	}
	if !rec.IsValid {
		tally.rejected++
		d.logger.Info("⛔ 拒绝", "repo", h.FullName, "reason", rec.Reason())
		return false, d.ledger.SaveRejected(ctx, h.FullName, rec.Reason())
	}

	row := domain.NewLedgerRow(h, rec, d.gate.Thresholds(), kw, d.now())
	if err := d.ledger.UpsertRepository(ctx, row); err != nil {
		return false, err
	}
	tally.accepted++
	d.logger.Info("✅ 通过", "repo", h.FullName, "stars", h.Stars,
		"issues", rec.IssueCount, "prs", rec.PRCount, "code_files", rec.CodeFileCount)
	return true, nil
}

// Recheck 显式重新校验单个仓库：清掉旧的拒绝记录后重新过资格门
func (d *DiscoveryService) Recheck(ctx context.Context, fullName string) (domain.EligibilityRecord, error) {
	var rec domain.EligibilityRecord
	owner, name, err := domain.SplitFullName(fullName)
	if err != nil {
		return rec, common.WrapError(common.ErrCodeInvalidInput, "recheck", err)
	}
	h, err := d.source.GetRepository(ctx, owner, name)
	if err != nil {
		return rec, err
	}
	if h.FullName == "" {
		return rec, common.NewError(common.ErrCodeNotFound, "repository not found: "+fullName)
	}
	if err := d.ledger.ForgetRejection(ctx, h.FullName); err != nil {
		return rec, err
	}

	if rec, err = d.gate.Validate(ctx, h); err != nil {
		return rec, err
	}
	row := domain.NewLedgerRow(h, rec, d.gate.Thresholds(), "manual", d.now())
	if err := d.ledger.UpsertRepository(ctx, row); err != nil {
		return rec, err
	}
	if !rec.IsValid {
		return rec, d.ledger.SaveRejected(ctx, h.FullName, rec.Reason())
	}
	return rec, nil
}

// fatal 重试耗尽或被取消，需要向上抛出
func fatal(err error) bool {
	return common.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
