package domain

import (
	"fmt"
	"strings"
	"time"
)

// RepositoryHandle 源仓库的不可变身份信息，由搜索或详情响应构造一次
type RepositoryHandle struct {
	FullName      string
	Owner         string
	Name          string
	HTMLURL       string
	CloneURL      string
	DefaultBranch string
	Stars         int
	Forks         int
	OpenIssues    int
	Language      string
	Description   string
	Topics        []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SplitFullName 将 "owner/name" 拆成两段
func SplitFullName(fullName string) (owner, name string, err error) {
	parts := strings.Split(strings.Trim(fullName, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository name %q, want owner/name", fullName)
	}
	return parts[0], parts[1], nil
}

// EligibilityRecord 一次资格校验的结果
type EligibilityRecord struct {
	HasDescription bool
	IssueCount     int
	PRCount        int
	CodeFileCount  int
	Reasons        []string
	IsValid        bool
}

// Reject 追加一条拒绝原因
func (e *EligibilityRecord) Reject(reason string) {
	e.Reasons = append(e.Reasons, reason)
}

// Reason 拼接所有拒绝原因，写入账本
func (e *EligibilityRecord) Reason() string {
	return strings.Join(e.Reasons, "; ")
}

// DataKind 抽取数据的类型
type DataKind string

const (
	KindReadme      DataKind = "readme"
	KindIssue       DataKind = "issue"
	KindPullRequest DataKind = "pull_request"
	KindCode        DataKind = "code"
)

// ExtractedRecord 一条训练数据，只追加不修改
type ExtractedRecord struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	RepoName  string    `gorm:"index:idx_extracted_repo,priority:1;not null"`
	DataType  DataKind  `gorm:"index:idx_extracted_repo,priority:2;not null"`
	Title     string    `gorm:"type:text"`
	Content   string    `gorm:"type:text"`
	Metadata  string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName 指定表名
func (ExtractedRecord) TableName() string { return "extracted_data" }

// ExtractionProgress 某类数据整批抽取完成的标记；没有标记的类别下次会续抽
type ExtractionProgress struct {
	RepoName    string   `gorm:"primaryKey"`
	DataType    DataKind `gorm:"primaryKey"`
	CompletedAt time.Time
}

// TableName 指定表名
func (ExtractionProgress) TableName() string { return "extraction_progress" }

// LedgerRow 每个仓库在账本中的持久化状态
type LedgerRow struct {
	FullName        string `gorm:"primaryKey"`
	Owner           string
	Name            string
	Description     string `gorm:"type:text"`
	HTMLURL         string `gorm:"column:html_url"`
	CloneURL        string `gorm:"column:clone_url"`
	Language        string
	Stars           int `gorm:"index"`
	Forks           int
	OpenIssues      int
	DefaultBranch   string
	HasReadme       bool
	IssueCount      int
	PRCount         int `gorm:"column:pr_count"`
	CodeFileCount   int
	HasEnoughIssues bool
	HasEnoughPRs    bool `gorm:"column:has_enough_prs"`
	HasEnoughCode   bool
	TrainingReady   bool   `gorm:"index"`
	Migrated        bool   `gorm:"default:false"`
	IssuesMigrated  bool   `gorm:"default:false"`
	PullsMigrated   bool   `gorm:"default:false"`
	RejectionReason string `gorm:"type:text"`
	KeywordSource   string
	DiscoveredAt    time.Time
	LastSynced      time.Time
}

// TableName 指定表名
func (LedgerRow) TableName() string { return "repositories" }

// NewLedgerRow 由仓库句柄和校验结果构造账本行
func NewLedgerRow(h RepositoryHandle, rec EligibilityRecord, mins Thresholds, keyword string, now time.Time) *LedgerRow {
	row := &LedgerRow{
		FullName:        h.FullName,
		Owner:           h.Owner,
		Name:            h.Name,
		Description:     h.Description,
		HTMLURL:         h.HTMLURL,
		CloneURL:        h.CloneURL,
		Language:        h.Language,
		Stars:           h.Stars,
		Forks:           h.Forks,
		OpenIssues:      h.OpenIssues,
		DefaultBranch:   h.DefaultBranch,
		HasReadme:       rec.HasDescription,
		IssueCount:      rec.IssueCount,
		PRCount:         rec.PRCount,
		CodeFileCount:   rec.CodeFileCount,
		HasEnoughIssues: rec.IssueCount >= mins.Issues,
		HasEnoughPRs:    rec.PRCount >= mins.PullRequests,
		HasEnoughCode:   rec.CodeFileCount >= mins.CodeFiles,
		RejectionReason: rec.Reason(),
		KeywordSource:   keyword,
		DiscoveredAt:    now,
		LastSynced:      now,
	}
	row.TrainingReady = row.IsTrainingReady()
	return row
}

// IsTrainingReady 四个子条件全部满足
func (r *LedgerRow) IsTrainingReady() bool {
	return r.HasReadme && r.HasEnoughIssues && r.HasEnoughPRs && r.HasEnoughCode
}

// Handle 从账本行还原仓库句柄
func (r *LedgerRow) Handle() RepositoryHandle {
	return RepositoryHandle{
		FullName:      r.FullName,
		Owner:         r.Owner,
		Name:          r.Name,
		HTMLURL:       r.HTMLURL,
		CloneURL:      r.CloneURL,
		DefaultBranch: r.DefaultBranch,
		Stars:         r.Stars,
		Forks:         r.Forks,
		OpenIssues:    r.OpenIssues,
		Language:      r.Language,
		Description:   r.Description,
	}
}

// RejectedRepo 被拒绝的仓库
type RejectedRepo struct {
	FullName  string `gorm:"primaryKey"`
	Reason    string `gorm:"type:text"`
	CheckedAt time.Time
}

// TableName 指定表名
func (RejectedRepo) TableName() string { return "rejected_repos" }

// Thresholds 资格门槛
type Thresholds struct {
	Issues       int
	PullRequests int
	CodeFiles    int
}

// Stats 账本聚合统计
type Stats struct {
	TotalRepos     int64
	TrainingReady  int64
	Migrated       int64
	Pending        int64
	Rejected       int64
	TotalExtracted int64
	ByKind         map[DataKind]int64
}
