package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github-harvester/internal/common"
	"github-harvester/internal/domain"
	"github-harvester/internal/port"
)

const (
	issuePageSize   = 30
	maxCodeFileSize = 100_000
	// 防止异常仓库无限翻页
	maxIssuePages = 20
)

// Gate 实现了 port.Gate 接口
type Gate struct {
	source     port.Source
	mins       domain.Thresholds
	extensions map[string]bool
	logger     *slog.Logger
}

var _ port.Gate = (*Gate)(nil)

// NewGate 创建资格门
func NewGate(source port.Source, mins domain.Thresholds, extensions []string, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		source:     source,
		mins:       mins,
		extensions: ExtensionSet(extensions),
		logger:     logger,
	}
}

// ExtensionSet 统一成小写且带点的扩展名集合
func ExtensionSet(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		set[e] = true
	}
	return set
}

// Thresholds 当前门槛
func (g *Gate) Thresholds() domain.Thresholds { return g.mins }

// Validate 按代价从低到高依次检查；README 缺失直接拒绝，其余三项独立累计原因
func (g *Gate) Validate(ctx context.Context, h domain.RepositoryHandle) (domain.EligibilityRecord, error) {
	var rec domain.EligibilityRecord

	readme, err := g.source.GetReadme(ctx, h.Owner, h.Name)
	if err := g.check(h, "readme", err); err != nil {
		return rec, err
	}
	if readme == nil {
		rec.Reject("no README")
		return rec, nil
	}
	rec.HasDescription = true

	issues, err := g.countIssues(ctx, h)
	if err := g.check(h, "issues", err); err != nil {
		return rec, err
	}
	rec.IssueCount = issues
	if issues < g.mins.Issues {
		rec.Reject(fmt.Sprintf("insufficient issues: %d/%d", issues, g.mins.Issues))
	}

	prs, err := g.countPulls(ctx, h)
	if err := g.check(h, "pulls", err); err != nil {
		return rec, err
	}
	rec.PRCount = prs
	if prs < g.mins.PullRequests {
		rec.Reject(fmt.Sprintf("insufficient pull requests: %d/%d", prs, g.mins.PullRequests))
	}

	files, err := g.countCodeFiles(ctx, h)
	if err := g.check(h, "tree", err); err != nil {
		return rec, err
	}
	rec.CodeFileCount = files
	if files < g.mins.CodeFiles {
		rec.Reject(fmt.Sprintf("insufficient code files: %d/%d", files, g.mins.CodeFiles))
	}

	rec.IsValid = len(rec.Reasons) == 0
	return rec, nil
}

// check 重试耗尽的错误向上抛出，其他错误按否定信号处理
func (g *Gate) check(h domain.RepositoryHandle, step string, err error) error {
	if err == nil {
		return nil
	}
	if common.IsFatal(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	g.logger.Warn("⚠️ 资格检查出错，按否定处理", "repo", h.FullName, "step", step, "error", err)
	return nil
}

func (g *Gate) countIssues(ctx context.Context, h domain.RepositoryHandle) (int, error) {
	count := 0
	for page := 1; page <= maxIssuePages && count < g.mins.Issues; page++ {
		items, err := g.source.ListIssues(ctx, h.Owner, h.Name, port.IssueQuery{
			State:   "all",
			Page:    page,
			PerPage: issuePageSize,
		})
		if err != nil {
			return count, err
		}
		for _, it := range items {
			if !it.IsPullRequest {
				count++
			}
		}
		if len(items) < issuePageSize {
			break
		}
	}
	return count, nil
}

func (g *Gate) countPulls(ctx context.Context, h domain.RepositoryHandle) (int, error) {
	pulls, err := g.source.ListPulls(ctx, h.Owner, h.Name, port.PullQuery{
		State:   "all",
		Page:    1,
		PerPage: g.mins.PullRequests + 5,
	})
	return len(pulls), err
}

func (g *Gate) countCodeFiles(ctx context.Context, h domain.RepositoryHandle) (int, error) {
	tree, err := g.source.GetTree(ctx, h.Owner, h.Name, h.DefaultBranch)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range tree {
		if e.IsBlob() && e.Size <= maxCodeFileSize && g.extensions[strings.ToLower(path.Ext(e.Path))] {
			count++
		}
	}
	return count, nil
}
