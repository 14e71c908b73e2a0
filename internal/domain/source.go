package domain

import "time"

// 源 API 边界上的响应结构，默认值在转换时一次性填好

// Document 仓库描述文档 (README)
type Document struct {
	Name     string
	Path     string
	SHA      string
	Size     int
	Encoding string
	Content  string
}

// IssueItem issue 列表项
type IssueItem struct {
	Number        int
	Title         string
	Body          string
	State         string
	Author        string
	Labels        []string
	Comments      int
	HTMLURL       string
	IsPullRequest bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      time.Time
}

// Closed issue 是否已关闭
func (i IssueItem) Closed() bool { return i.State == "closed" }

// PullItem PR 列表项
type PullItem struct {
	Number       int
	Title        string
	Body         string
	State        string
	Author       string
	Labels       []string
	HTMLURL      string
	HeadRef      string
	BaseRef      string
	Merged       bool
	Additions    int
	Deletions    int
	ChangedFiles int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MergedAt     time.Time
	ClosedAt     time.Time
}

// Closed 已关闭或已合并都算关闭
func (p PullItem) Closed() bool { return p.State == "closed" || p.Merged }

// ChangedFile PR 中变更的文件
type ChangedFile struct {
	Filename  string
	Status    string
	Additions int
	Deletions int
	Changes   int
	Patch     string
}

// Review PR 审查
type Review struct {
	Reviewer    string
	State       string
	Body        string
	SubmittedAt time.Time
}

// Comment issue/PR 评论
type Comment struct {
	Author    string
	Body      string
	CreatedAt time.Time
}

// TreeEntry 仓库文件树条目
type TreeEntry struct {
	Path string
	Type string
	Size int
	SHA  string
}

// IsBlob 是否为文件
func (t TreeEntry) IsBlob() bool { return t.Type == "blob" }

// LabelItem 标签
type LabelItem struct {
	ID          int64
	Name        string
	Color       string
	Description string
}

// LabelMap 单次迁移内 源标签名 -> 目标标签 ID
type LabelMap map[string]int64

// Resolve 映射标签名，未知标签直接丢弃
func (m LabelMap) Resolve(names []string) []int64 {
	ids := make([]int64, 0, len(names))
	for _, n := range names {
		if id, ok := m[n]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Quota 单个配额类别的状态
type Quota struct {
	Class     string
	Limit     int
	Remaining int
	Reset     time.Time
}
