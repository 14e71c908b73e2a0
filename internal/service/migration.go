package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github-harvester/internal/adapter/render"
	"github-harvester/internal/common"
	"github-harvester/internal/domain"
	"github-harvester/internal/port"
)

const (
	labelPageSize     = 100
	issuePageSize     = 30
	pullFilesPageSize = 30
	reviewsPageSize   = 20
	commentsPageSize  = 50
	// 镜像同步完成的最小体积 (KB)
	mirrorReadySize = 100
	defaultColor    = "ee0701"
)

// MigrationConfig 迁移参数
type MigrationConfig struct {
	Org          string
	SourceToken  string
	MaxIssues    int
	MaxPulls     int
	PollInterval time.Duration
	MaxWait      time.Duration
}

// MigrationSummary 批量迁移结果
type MigrationSummary struct {
	Success int
	Failed  int
	Total   int
}

// RepoResult 单个仓库的迁移结果
type RepoResult struct {
	Transfer      TransferState
	Labels        int
	Issues        int
	IssueFailures int
	Pulls         int
	PullFailures  int
	Comments      int
	IssuesSkipped bool
	PullsSkipped  bool
}

// MigrationService 把仓库代码、标签、issue、PR、评论迁移到目标端
type MigrationService struct {
	source port.Source
	dest   port.Destination
	ledger port.Ledger
	cfg    MigrationConfig
	logger *slog.Logger
	sleep  common.SleepFunc
	now    func() time.Time
}

// MigrationOption 迁移服务选项
type MigrationOption func(*MigrationService)

// WithMigrationSleep 替换镜像轮询的等待函数
func WithMigrationSleep(fn common.SleepFunc) MigrationOption {
	return func(m *MigrationService) {
		m.sleep = fn
	}
}

// NewMigrationService 创建迁移服务
func NewMigrationService(source port.Source, dest port.Destination, ledger port.Ledger, cfg MigrationConfig, logger *slog.Logger, opts ...MigrationOption) *MigrationService {
	if logger == nil {
		logger = slog.Default()
	}
	m := &MigrationService{
		source: source,
		dest:   dest,
		ledger: ledger,
		cfg:    cfg,
		logger: logger,
		sleep:  common.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Verify 校验目标端身份，组织不存在时创建
func (m *MigrationService) Verify(ctx context.Context) error {
	user, err := m.dest.CurrentUser(ctx)
	if err != nil {
		return common.WrapError(common.ErrCodeGiteaAPI, "verify destination identity", err)
	}
	m.logger.Info("✅ 目标端用户", "user", user)
	if err := m.dest.EnsureOrg(ctx, m.cfg.Org); err != nil {
		return common.WrapError(common.ErrCodeGiteaAPI, "ensure organization "+m.cfg.Org, err)
	}
	m.logger.Info("✅ 组织可用", "org", m.cfg.Org)
	return nil
}

// MigratePending 按 stars 降序迁移所有待迁移仓库
func (m *MigrationService) MigratePending(ctx context.Context) (*MigrationSummary, error) {
	rows, err := m.ledger.PendingMigration(ctx)
	if err != nil {
		return nil, err
	}
	summary := &MigrationSummary{Total: len(rows)}
	m.logger.Info("📋 待迁移仓库", "count", len(rows), "org", m.cfg.Org)

	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		m.logger.Info("── 迁移进度", "index", i+1, "total", len(rows), "repo", row.FullName)
		if _, err := m.Migrate(ctx, row.Handle()); err != nil {
			summary.Failed++
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return summary, err
			}
			m.logger.Error("❌ 仓库迁移失败", "repo", row.FullName, "error", err)
			continue
		}
		summary.Success++
	}
	m.logger.Info("📊 迁移完成", "success", summary.Success, "failed", summary.Failed, "total", summary.Total)
	return summary, nil
}

// MigrateRepository 按名字单独迁移一个仓库，maxIssues/maxPulls <= 0 时使用默认上限
func (m *MigrationService) MigrateRepository(ctx context.Context, fullName string, maxIssues, maxPulls int) (*RepoResult, error) {
	owner, name, err := domain.SplitFullName(fullName)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInvalidInput, "migrate repository", err)
	}
	h, err := m.source.GetRepository(ctx, owner, name)
	if err != nil {
		return nil, err
	}

	// 没有账本行时补一行，issues_migrated 标记才能生效
	row, err := m.ledger.GetRepository(ctx, h.FullName)
	if err != nil {
		return nil, err
	}
	if row == nil {
		row = domain.NewLedgerRow(h, domain.EligibilityRecord{}, domain.Thresholds{}, "manual", m.now())
		if err := m.ledger.UpsertRepository(ctx, row); err != nil {
			return nil, err
		}
	}
	if row.Migrated {
		m.logger.Info("⏭️ 仓库已迁移过，跳过", "repo", h.FullName)
		return &RepoResult{Transfer: TransferTransferred, IssuesSkipped: true, PullsSkipped: true}, nil
	}

	scoped := *m
	if maxIssues > 0 {
		scoped.cfg.MaxIssues = maxIssues
	}
	if maxPulls > 0 {
		scoped.cfg.MaxPulls = maxPulls
	}
	return scoped.Migrate(ctx, h)
}

// Migrate 依次执行代码迁移、标签、issue、PR (含评论)；
// 代码迁移失败时整个仓库失败，账本保持原状。
// issue 和 PR 各有完成标记，中断后重跑只补做没完成的阶段
func (m *MigrationService) Migrate(ctx context.Context, h domain.RepositoryHandle) (*RepoResult, error) {
	m.logger.Info("🚀 开始迁移", "repo", h.FullName, "target", m.cfg.Org+"/"+h.Name)
	res := &RepoResult{}

	state, err := m.transferCode(ctx, h)
	res.Transfer = state
	if err != nil {
		return res, err
	}
	if !state.Succeeded() {
		return res, common.NewError(common.ErrCodeMigration, "code transfer failed for "+h.FullName)
	}

	issuesDone, err := m.ledger.IssuesMigrated(ctx, h.FullName)
	if err != nil {
		return res, err
	}
	pullsDone, err := m.ledger.PullsMigrated(ctx, h.FullName)
	if err != nil {
		return res, err
	}

	var labels domain.LabelMap
	if !issuesDone || !pullsDone {
		if labels, err = m.migrateLabels(ctx, h); err != nil {
			return res, err
		}
		res.Labels = len(labels)
	}

	if issuesDone {
		res.IssuesSkipped = true
		m.logger.Info("⏭️ issue 已迁移过，跳过", "repo", h.FullName)
	} else if err := m.runStage(ctx, h, m.migrateIssues, labels, res, m.ledger.MarkIssuesMigrated); err != nil {
		return res, err
	}

	if pullsDone {
		res.PullsSkipped = true
		m.logger.Info("⏭️ PR 已迁移过，跳过", "repo", h.FullName)
	} else if err := m.runStage(ctx, h, m.migratePulls, labels, res, m.ledger.MarkPullsMigrated); err != nil {
		return res, err
	}

	if err := m.ledger.MarkMigrated(ctx, h.FullName); err != nil {
		return res, err
	}
	m.logger.Info("✅ 迁移完成", "repo", h.FullName,
		"transfer", state.String(), "labels", res.Labels,
		"issues", res.Issues, "issue_failures", res.IssueFailures,
		"pulls", res.Pulls, "pull_failures", res.PullFailures, "comments", res.Comments)
	return res, nil
}

type contentStage func(ctx context.Context, h domain.RepositoryHandle, labels domain.LabelMap, res *RepoResult) error

// runStage 阶段跑完才写标记
func (m *MigrationService) runStage(ctx context.Context, h domain.RepositoryHandle, stage contentStage, labels domain.LabelMap, res *RepoResult, mark func(context.Context, string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := stage(ctx, h, labels, res); err != nil {
		return err
	}
	return mark(ctx, h.FullName)
}

// transferCode 驱动代码迁移状态机直到终态
func (m *MigrationService) transferCode(ctx context.Context, h domain.RepositoryHandle) (TransferState, error) {
	state := TransferNotStarted
	for !state.Terminal() {
		var event TransferEvent
		switch state {
		case TransferNotStarted:
			existing, err := m.dest.GetRepo(ctx, m.cfg.Org, h.Name)
			if err != nil {
				return state, common.WrapError(common.ErrCodeGiteaAPI, "check destination repository", err)
			}
			event = EventAbsent
			if existing != nil {
				m.logger.Warn("⚠️ 目标仓库已存在，跳过代码迁移", "repo", m.cfg.Org+"/"+h.Name)
				event = EventPresent
			}
		case TransferDirectAttempted:
			event = m.outcome("direct", h, m.migrateDirect(ctx, h))
		case TransferMirrorAttempted:
			event = m.outcome("mirror", h, m.migrateMirror(ctx, h))
		}
		if err := ctx.Err(); err != nil {
			return state, err
		}

		next, err := Advance(state, event)
		if err != nil {
			return state, common.WrapError(common.ErrCodeInternal, "transfer state machine", err)
		}
		state = next
	}
	return state, nil
}

func (m *MigrationService) outcome(strategy string, h domain.RepositoryHandle, err error) TransferEvent {
	if err != nil {
		m.logger.Warn("⚠️ 代码迁移策略失败", "repo", h.FullName, "strategy", strategy, "error", err)
		return EventFailed
	}
	m.logger.Info("✅ 代码迁移成功", "repo", h.FullName, "strategy", strategy)
	return EventSucceeded
}

func (m *MigrationService) migrateRequest(h domain.RepositoryHandle, mirror bool) port.MigrateRequest {
	return port.MigrateRequest{
		CloneAddr:   h.CloneURL,
		RepoName:    h.Name,
		RepoOwner:   m.cfg.Org,
		Description: h.Description,
		AuthToken:   m.cfg.SourceToken,
		Mirror:      mirror,
		Releases:    !mirror,
	}
}

func (m *MigrationService) migrateDirect(ctx context.Context, h domain.RepositoryHandle) error {
	m.logger.Info("📦 直接导入代码", "repo", h.FullName)
	return m.dest.MigrateRepo(ctx, m.migrateRequest(h, false))
}

// migrateMirror 先删掉半成品，建拉取镜像，等同步完成后转成普通仓库
func (m *MigrationService) migrateMirror(ctx context.Context, h domain.RepositoryHandle) error {
	m.logger.Info("🪞 改用镜像方式", "repo", h.FullName)
	if err := m.dest.DeleteRepo(ctx, m.cfg.Org, h.Name); err != nil {
		return err
	}
	if err := m.dest.MigrateRepo(ctx, m.migrateRequest(h, true)); err != nil {
		return err
	}
	if err := m.waitForSync(ctx, h); err != nil {
		return err
	}
	if err := m.dest.SetMirror(ctx, m.cfg.Org, h.Name, false); err != nil {
		return err
	}
	m.logger.Info("✅ 镜像已转为普通仓库", "repo", m.cfg.Org+"/"+h.Name)
	return nil
}

func (m *MigrationService) waitForSync(ctx context.Context, h domain.RepositoryHandle) error {
	var elapsed time.Duration
	for elapsed < m.cfg.MaxWait {
		repo, err := m.dest.GetRepo(ctx, m.cfg.Org, h.Name)
		if err != nil {
			m.logger.Debug("查询镜像状态失败", "repo", h.FullName, "error", err)
		} else if repo != nil {
			m.logger.Info("⏳ 镜像同步中", "repo", h.FullName, "elapsed", elapsed, "size_kb", repo.Size, "empty", repo.Empty)
			if !repo.Empty && repo.Size > mirrorReadySize {
				return nil
			}
		}
		if err := m.sleep(ctx, m.cfg.PollInterval); err != nil {
			return err
		}
		elapsed += m.cfg.PollInterval
	}
	return common.NewError(common.ErrCodeMigration, "mirror sync timed out for "+h.FullName)
}

// migrateLabels 复制源仓库标签，返回 名字 -> 目标 ID 映射
func (m *MigrationService) migrateLabels(ctx context.Context, h domain.RepositoryHandle) (domain.LabelMap, error) {
	labels := domain.LabelMap{}
	var existing domain.LabelMap

	for page := 1; ; page++ {
		items, err := m.source.ListLabels(ctx, h.Owner, h.Name, page, labelPageSize)
		if err != nil {
			return labels, common.WrapError(common.ErrCodeMigration, "list source labels", err)
		}
		for _, l := range items {
			l.Color = NormalizeColor(l.Color)
			id, err := m.dest.CreateLabel(ctx, m.cfg.Org, h.Name, l)
			switch {
			case err == nil:
				labels[l.Name] = id
			case errors.Is(err, port.ErrConflict):
				if existing == nil {
					if existing, err = m.existingLabels(ctx, h); err != nil {
						m.logger.Warn("⚠️ 读取目标端标签失败", "repo", h.FullName, "error", err)
						existing = domain.LabelMap{}
					}
				}
				if id, ok := existing[l.Name]; ok {
					labels[l.Name] = id
				}
			default:
				if ctx.Err() != nil {
					return labels, ctx.Err()
				}
				m.logger.Warn("⚠️ 创建标签失败", "repo", h.FullName, "label", l.Name, "error", err)
			}
		}
		if len(items) < labelPageSize {
			break
		}
	}
	m.logger.Info("🏷️ 标签迁移完成", "repo", h.FullName, "count", len(labels))
	return labels, nil
}

func (m *MigrationService) existingLabels(ctx context.Context, h domain.RepositoryHandle) (domain.LabelMap, error) {
	items, err := m.dest.ListLabels(ctx, m.cfg.Org, h.Name)
	if err != nil {
		return nil, err
	}
	out := make(domain.LabelMap, len(items))
	for _, l := range items {
		out[l.Name] = l.ID
	}
	return out, nil
}

// NormalizeColor 补上前导 #
func NormalizeColor(c string) string {
	c = strings.TrimSpace(c)
	if c == "" {
		c = defaultColor
	}
	if !strings.HasPrefix(c, "#") {
		c = "#" + c
	}
	return c
}

func (m *MigrationService) migrateIssues(ctx context.Context, h domain.RepositoryHandle, labels domain.LabelMap, res *RepoResult) error {
	m.logger.Info("🐛 迁移 issue", "repo", h.FullName, "max", m.cfg.MaxIssues)
	created := 0
	for page := 1; created < m.cfg.MaxIssues; page++ {
		items, err := m.source.ListIssues(ctx, h.Owner, h.Name, port.IssueQuery{
			State:     "all",
			Sort:      "created",
			Direction: "asc",
			Page:      page,
			PerPage:   issuePageSize,
		})
		if err != nil {
			return common.WrapError(common.ErrCodeMigration, "list source issues", err)
		}
		if len(items) == 0 {
			break
		}

		for _, it := range items {
			if created >= m.cfg.MaxIssues {
				break
			}
			if it.IsPullRequest {
				continue
			}
			number, err := m.dest.CreateIssue(ctx, m.cfg.Org, h.Name, port.IssueRequest{
				Title:  it.Title,
				Body:   render.IssueBody(it),
				Labels: labels.Resolve(it.Labels),
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				res.IssueFailures++
				m.logger.Warn("⚠️ 创建 issue 失败", "repo", h.FullName, "number", it.Number, "error", err)
				continue
			}
			created++

			if err := m.replayAndClose(ctx, h, it.Number, number, it.Closed(), res); err != nil {
				return err
			}
			if created%20 == 0 {
				m.logger.Info("📊 issue 进度", "repo", h.FullName, "count", created)
			}
		}
	}
	res.Issues = created
	return nil
}

func (m *MigrationService) migratePulls(ctx context.Context, h domain.RepositoryHandle, labels domain.LabelMap, res *RepoResult) error {
	m.logger.Info("🔀 迁移 PR", "repo", h.FullName, "max", m.cfg.MaxPulls)
	created := 0
	for page := 1; created < m.cfg.MaxPulls; page++ {
		pulls, err := m.source.ListPulls(ctx, h.Owner, h.Name, port.PullQuery{
			State:     "all",
			Sort:      "created",
			Direction: "asc",
			Page:      page,
			PerPage:   issuePageSize,
		})
		if err != nil {
			return common.WrapError(common.ErrCodeMigration, "list source pulls", err)
		}
		if len(pulls) == 0 {
			break
		}

		for _, pr := range pulls {
			if created >= m.cfg.MaxPulls {
				break
			}
			files, err := m.source.ListPullFiles(ctx, h.Owner, h.Name, pr.Number, pullFilesPageSize)
			if err != nil {
				if fatal(err) {
					return err
				}
				m.logger.Debug("获取 PR 变更文件失败", "repo", h.FullName, "number", pr.Number, "error", err)
			}
			reviews, err := m.source.ListPullReviews(ctx, h.Owner, h.Name, pr.Number, reviewsPageSize)
			if err != nil {
				if fatal(err) {
					return err
				}
				m.logger.Debug("获取 PR 审查失败", "repo", h.FullName, "number", pr.Number, "error", err)
			}

			number, err := m.dest.CreateIssue(ctx, m.cfg.Org, h.Name, port.IssueRequest{
				Title:  render.PullTitle(pr),
				Body:   render.PullBody(pr, files, reviews),
				Labels: labels.Resolve(pr.Labels),
			})
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				res.PullFailures++
				m.logger.Warn("⚠️ 创建 PR issue 失败", "repo", h.FullName, "number", pr.Number, "error", err)
				continue
			}
			created++

			if err := m.replayAndClose(ctx, h, pr.Number, number, pr.Closed(), res); err != nil {
				return err
			}
			if created%20 == 0 {
				m.logger.Info("📊 PR 进度", "repo", h.FullName, "count", created)
			}
		}
	}
	res.Pulls = created
	return nil
}

// replayAndClose 复制评论；源端已关闭 (或已合并) 时关闭目标 issue
func (m *MigrationService) replayAndClose(ctx context.Context, h domain.RepositoryHandle, srcNumber, destNumber int, closed bool, res *RepoResult) error {
	if err := m.replayComments(ctx, h, srcNumber, destNumber, res); err != nil {
		return err
	}
	if !closed {
		return nil
	}
	if err := m.dest.CloseIssue(ctx, m.cfg.Org, h.Name, destNumber); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("⚠️ 关闭 issue 失败", "repo", h.FullName, "number", destNumber, "error", err)
	}
	return nil
}

// replayComments 评论不去重，重复执行会产生重复评论
func (m *MigrationService) replayComments(ctx context.Context, h domain.RepositoryHandle, srcNumber, destNumber int, res *RepoResult) error {
	comments, err := m.source.ListIssueComments(ctx, h.Owner, h.Name, srcNumber, commentsPageSize)
	if err != nil {
		if fatal(err) {
			return err
		}
		m.logger.Debug("获取评论失败", "repo", h.FullName, "number", srcNumber, "error", err)
		return nil
	}
	for _, c := range comments {
		if err := m.dest.CreateComment(ctx, m.cfg.Org, h.Name, destNumber, render.CommentBody(c)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("⚠️ 创建评论失败", "repo", h.FullName, "number", destNumber, "error", err)
			continue
		}
		res.Comments++
	}
	return nil
}
