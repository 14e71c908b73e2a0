package port

import (
	"context"
	"errors"

	"github-harvester/internal/domain"
)

// IssueQuery issue 列表查询参数
type IssueQuery struct {
	State     string // open, closed, all
	Sort      string // created, updated, comments
	Direction string // asc, desc
	Page      int
	PerPage   int
}

// PullQuery PR 列表查询参数
type PullQuery struct {
	State     string
	Sort      string
	Direction string
	Page      int
	PerPage   int
}

// Source (数据源): 只读访问 GitHub，所有调用都经过配额调度器
// 404/409 这类"资源不存在"返回空结果而不是错误
type Source interface {
	SearchRepositories(ctx context.Context, query string, page, perPage int) ([]domain.RepositoryHandle, error)
	GetRepository(ctx context.Context, owner, name string) (domain.RepositoryHandle, error)
	// GetReadme 不存在时返回 nil, nil
	GetReadme(ctx context.Context, owner, name string) (*domain.Document, error)
	ListIssues(ctx context.Context, owner, name string, q IssueQuery) ([]domain.IssueItem, error)
	ListPulls(ctx context.Context, owner, name string, q PullQuery) ([]domain.PullItem, error)
	ListIssueComments(ctx context.Context, owner, name string, number, perPage int) ([]domain.Comment, error)
	ListPullFiles(ctx context.Context, owner, name string, number, perPage int) ([]domain.ChangedFile, error)
	ListPullReviews(ctx context.Context, owner, name string, number, perPage int) ([]domain.Review, error)
	ListLabels(ctx context.Context, owner, name string, page, perPage int) ([]domain.LabelItem, error)
	GetTree(ctx context.Context, owner, name, ref string) ([]domain.TreeEntry, error)
	GetFileContent(ctx context.Context, owner, name, path string) (string, error)
	RateLimits(ctx context.Context) ([]domain.Quota, error)
}

// DestRepo 目标仓库状态
type DestRepo struct {
	FullName string
	Empty    bool
	Size     int64
	Mirror   bool
	HTMLURL  string
}

// MigrateRequest 目标端导入请求
type MigrateRequest struct {
	CloneAddr   string
	RepoName    string
	RepoOwner   string
	Description string
	AuthToken   string
	Mirror      bool
	Releases    bool
}

// IssueRequest 目标端创建 issue 请求
type IssueRequest struct {
	Title  string
	Body   string
	Labels []int64
}

// ErrConflict 目标端资源已存在
var ErrConflict = errors.New("destination resource already exists")

// Destination (目的地): 自建 Gitea
type Destination interface {
	CurrentUser(ctx context.Context) (string, error)
	EnsureOrg(ctx context.Context, org string) error
	// GetRepo 不存在时返回 nil, nil
	GetRepo(ctx context.Context, owner, name string) (*DestRepo, error)
	MigrateRepo(ctx context.Context, req MigrateRequest) error
	DeleteRepo(ctx context.Context, owner, name string) error
	SetMirror(ctx context.Context, owner, name string, mirror bool) error
	ListLabels(ctx context.Context, owner, name string) ([]domain.LabelItem, error)
	CreateLabel(ctx context.Context, owner, name string, label domain.LabelItem) (int64, error)
	CreateIssue(ctx context.Context, owner, name string, req IssueRequest) (int, error)
	CloseIssue(ctx context.Context, owner, name string, number int) error
	CreateComment(ctx context.Context, owner, name string, number int, body string) error
}

// Ledger (账本): 每个仓库的决策状态和抽取数据
type Ledger interface {
	UpsertRepository(ctx context.Context, row *domain.LedgerRow) error
	SaveExtracted(ctx context.Context, rec *domain.ExtractedRecord) error
	// ExtractedTitles 已落库记录的标题，用于续抽去重
	ExtractedTitles(ctx context.Context, repoName string, kind domain.DataKind) (map[string]bool, error)
	MarkExtractionComplete(ctx context.Context, repoName string, kind domain.DataKind) error
	ExtractionComplete(ctx context.Context, repoName string, kind domain.DataKind) (bool, error)
	SaveRejected(ctx context.Context, fullName, reason string) error
	ForgetRejection(ctx context.Context, fullName string) error
	IsAlreadyChecked(ctx context.Context, fullName string) (bool, error)
	GetRepository(ctx context.Context, fullName string) (*domain.LedgerRow, error)
	MarkMigrated(ctx context.Context, fullName string) error
	MarkIssuesMigrated(ctx context.Context, fullName string) error
	IssuesMigrated(ctx context.Context, fullName string) (bool, error)
	MarkPullsMigrated(ctx context.Context, fullName string) error
	PullsMigrated(ctx context.Context, fullName string) (bool, error)
	PendingMigration(ctx context.Context) ([]*domain.LedgerRow, error)
	AllTrainingReady(ctx context.Context) ([]*domain.LedgerRow, error)
	Stats(ctx context.Context) (*domain.Stats, error)
}

// Gate (资格门): 判断仓库是否满足训练数据门槛
type Gate interface {
	Validate(ctx context.Context, h domain.RepositoryHandle) (domain.EligibilityRecord, error)
	Thresholds() domain.Thresholds
}

// ExtractionResult 单个仓库的抽取结果
type ExtractionResult struct {
	Readme       *domain.ExtractedRecord
	Issues       []*domain.ExtractedRecord
	PullRequests []*domain.ExtractedRecord
	CodeFiles    []*domain.ExtractedRecord
}

// Total 抽取记录总数
func (r *ExtractionResult) Total() int {
	n := len(r.Issues) + len(r.PullRequests) + len(r.CodeFiles)
	if r.Readme != nil {
		n++
	}
	return n
}

// Extractor (抽取器): 拉取训练数据并逐条落库
type Extractor interface {
	ExtractAll(ctx context.Context, h domain.RepositoryHandle) (*ExtractionResult, error)
}

// RunReport 一轮流水线的汇总
type RunReport struct {
	Accepted        int
	Extracted       int
	MigratedOK      int
	MigrationFailed int
	ElapsedSeconds  float64
	Stats           *domain.Stats
}

// Notifier (信使): 推送运行报告
type Notifier interface {
	NotifyReport(ctx context.Context, report *RunReport) error
}
