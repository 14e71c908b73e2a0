package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github-harvester/internal/adapter/filter"
	"github-harvester/internal/common"
	"github-harvester/internal/domain"
	"github-harvester/internal/port"
)

const (
	pageSize         = 30
	maxIssueComments = 10
	maxPullFiles     = 20
	maxPatchLen      = 3000
	minCodeContent   = 50
	targetCodeSize   = 5000
	commentSeparator = "\n---\n"
)

// 生成文件、依赖目录、锁文件、测试路径、打包脚本，不适合作为训练数据
var denyPatterns = []string{
	"node_modules/", "vendor/", ".min.", "dist/",
	"build/", "__pycache__/", ".egg-info/",
	"migrations/", "package-lock.json", "yarn.lock",
	"pipfile.lock", "poetry.lock", ".generated.",
	"test_", "tests/", "_test.", ".test.",
	"setup.py", "setup.cfg", "conftest.py",
}

var languages = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".go":   "go",
	".rs":   "rust",
	".java": "java",
	".cpp":  "cpp",
	".c":    "c",
	".rb":   "ruby",
}

// Config 抽取上限
type Config struct {
	MaxIssues   int
	MaxPulls    int
	MaxCode     int
	MaxFileSize int
	Extensions  []string
}

// Extractor 实现了 port.Extractor 接口
type Extractor struct {
	source     port.Source
	ledger     port.Ledger
	cfg        Config
	extensions map[string]bool
	logger     *slog.Logger
}

var _ port.Extractor = (*Extractor)(nil)

// New 创建抽取器
func New(source port.Source, ledger port.Ledger, cfg Config, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		source:     source,
		ledger:     ledger,
		cfg:        cfg,
		extensions: filter.ExtensionSet(cfg.Extensions),
		logger:     logger,
	}
}

// ExtractAll 依次抽取 README、issue、PR、代码文件，每条记录产生后立即落库。
// 某类完整跑完才写完成标记；没有标记的类别重跑时跳过已落库的条目继续抽
func (e *Extractor) ExtractAll(ctx context.Context, h domain.RepositoryHandle) (*port.ExtractionResult, error) {
	e.logger.Info("📥 开始抽取", "repo", h.FullName, "stars", h.Stars, "language", h.Language)
	result := &port.ExtractionResult{}

	steps := []struct {
		kind domain.DataKind
		run  func(seen map[string]bool) error
	}{
		{domain.KindReadme, func(seen map[string]bool) (err error) {
			result.Readme, err = e.extractReadme(ctx, h, seen)
			return err
		}},
		{domain.KindIssue, func(seen map[string]bool) (err error) {
			result.Issues, err = e.extractIssues(ctx, h, seen)
			return err
		}},
		{domain.KindPullRequest, func(seen map[string]bool) (err error) {
			result.PullRequests, err = e.extractPulls(ctx, h, seen)
			return err
		}},
		{domain.KindCode, func(seen map[string]bool) (err error) {
			result.CodeFiles, err = e.extractCode(ctx, h, seen)
			return err
		}},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		done, err := e.ledger.ExtractionComplete(ctx, h.FullName, step.kind)
		if err != nil {
			return result, err
		}
		if done {
			e.logger.Debug("已抽取过，跳过", "repo", h.FullName, "kind", step.kind)
			continue
		}
		seen, err := e.ledger.ExtractedTitles(ctx, h.FullName, step.kind)
		if err != nil {
			return result, err
		}
		if len(seen) > 0 {
			e.logger.Info("🔁 续抽", "repo", h.FullName, "kind", step.kind, "already", len(seen))
		}
		if err := step.run(seen); err != nil {
			if stop(err) {
				return result, err
			}
			// 不写完成标记，下次续抽；其他类别照常进行
			e.logger.Warn("⚠️ 抽取中断", "repo", h.FullName, "kind", step.kind, "error", err)
			continue
		}
		if err := e.ledger.MarkExtractionComplete(ctx, h.FullName, step.kind); err != nil {
			return result, err
		}
	}

	e.logger.Info("📊 抽取完成", "repo", h.FullName,
		"readme", result.Readme != nil,
		"issues", len(result.Issues),
		"pull_requests", len(result.PullRequests),
		"code_files", len(result.CodeFiles))
	return result, nil
}

// numberKeys 已落库 issue/PR 标题中 ": " 之前的编号部分 ("#12"、"PR #12")，标题改过也能认出
func numberKeys(titles map[string]bool) map[string]bool {
	keys := make(map[string]bool, len(titles))
	for t := range titles {
		if i := strings.Index(t, ": "); i > 0 {
			t = t[:i]
		}
		keys[t] = true
	}
	return keys
}

// stop 需要终止整个仓库抽取的错误
func stop(err error) bool {
	return common.IsFatal(err) ||
		common.CodeOf(err) == common.ErrCodeDatabase ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (e *Extractor) save(ctx context.Context, h domain.RepositoryHandle, kind domain.DataKind, title, content string, meta any) (*domain.ExtractedRecord, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInternal, "encode metadata", err)
	}
	rec := &domain.ExtractedRecord{
		RepoName: h.FullName,
		DataType: kind,
		Title:    title,
		Content:  content,
		Metadata: string(raw),
	}
	if err := e.ledger.SaveExtracted(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Extractor) extractReadme(ctx context.Context, h domain.RepositoryHandle, seen map[string]bool) (*domain.ExtractedRecord, error) {
	if len(seen) > 0 {
		return nil, nil
	}
	doc, err := e.source.GetReadme(ctx, h.Owner, h.Name)
	if err != nil || doc == nil || doc.Content == "" {
		return nil, err
	}
	title := doc.Name
	if title == "" {
		title = "README.md"
	}
	sum := sha256.Sum256([]byte(doc.Content))
	return e.save(ctx, h, domain.KindReadme, title, doc.Content, map[string]any{
		"size":         doc.Size,
		"path":         doc.Path,
		"sha":          doc.SHA,
		"encoding":     doc.Encoding,
		"content_hash": hex.EncodeToString(sum[:]),
	})
}

func (e *Extractor) extractIssues(ctx context.Context, h domain.RepositoryHandle, seen map[string]bool) ([]*domain.ExtractedRecord, error) {
	var out []*domain.ExtractedRecord
	saved := numberKeys(seen)
	// taken 包含之前已落库的条目，上限按总数算
	taken := 0
	for page := 1; taken < e.cfg.MaxIssues; page++ {
		items, err := e.source.ListIssues(ctx, h.Owner, h.Name, port.IssueQuery{
			State:     "all",
			Sort:      "updated",
			Direction: "desc",
			Page:      page,
			PerPage:   pageSize,
		})
		if err != nil {
			return out, err
		}
		if len(items) == 0 {
			break
		}

		for _, it := range items {
			if taken >= e.cfg.MaxIssues {
				break
			}
			if it.IsPullRequest {
				continue
			}
			taken++
			key := fmt.Sprintf("#%d", it.Number)
			if saved[key] {
				continue
			}
			comments := ""
			if it.Comments > 0 {
				if comments, err = e.issueComments(ctx, h, it.Number); err != nil {
					return out, err
				}
			}
			content, err := json.Marshal(map[string]string{"body": it.Body, "comments": comments})
			if err != nil {
				return out, common.WrapError(common.ErrCodeInternal, "encode issue", err)
			}
			rec, err := e.save(ctx, h, domain.KindIssue, key+": "+it.Title, string(content), map[string]any{
				"state":          it.State,
				"labels":         nonNil(it.Labels),
				"comments_count": it.Comments,
				"user":           it.Author,
				"created_at":     it.CreatedAt,
			})
			if err != nil {
				return out, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// issueComments 最多取 10 条评论拼成一段文本
func (e *Extractor) issueComments(ctx context.Context, h domain.RepositoryHandle, number int) (string, error) {
	comments, err := e.source.ListIssueComments(ctx, h.Owner, h.Name, number, maxIssueComments)
	if err != nil {
		if stop(err) {
			return "", err
		}
		e.logger.Debug("获取评论失败", "repo", h.FullName, "number", number, "error", err)
		return "", nil
	}
	if len(comments) > maxIssueComments {
		comments = comments[:maxIssueComments]
	}
	parts := make([]string, 0, len(comments))
	for _, c := range comments {
		parts = append(parts, fmt.Sprintf("[%s]: %s", c.Author, c.Body))
	}
	return strings.Join(parts, commentSeparator), nil
}

type fileSummary struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch"`
}

func (e *Extractor) extractPulls(ctx context.Context, h domain.RepositoryHandle, seen map[string]bool) ([]*domain.ExtractedRecord, error) {
	var out []*domain.ExtractedRecord
	saved := numberKeys(seen)
	taken := 0
	for page := 1; taken < e.cfg.MaxPulls; page++ {
		pulls, err := e.source.ListPulls(ctx, h.Owner, h.Name, port.PullQuery{
			State:     "all",
			Sort:      "updated",
			Direction: "desc",
			Page:      page,
			PerPage:   pageSize,
		})
		if err != nil {
			return out, err
		}
		if len(pulls) == 0 {
			break
		}

		for _, pr := range pulls {
			if taken >= e.cfg.MaxPulls {
				break
			}
			taken++
			key := fmt.Sprintf("PR #%d", pr.Number)
			if saved[key] {
				continue
			}
			files, err := e.pullFiles(ctx, h, pr.Number)
			if err != nil {
				return out, err
			}
			content, err := json.Marshal(map[string]any{"body": pr.Body, "changed_files": files})
			if err != nil {
				return out, common.WrapError(common.ErrCodeInternal, "encode pull request", err)
			}
			rec, err := e.save(ctx, h, domain.KindPullRequest, key+": "+pr.Title, string(content), map[string]any{
				"state":     pr.State,
				"merged":    pr.Merged,
				"head":      pr.HeadRef,
				"base":      pr.BaseRef,
				"user":      pr.Author,
				"additions": pr.Additions,
				"deletions": pr.Deletions,
			})
			if err != nil {
				return out, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

func (e *Extractor) pullFiles(ctx context.Context, h domain.RepositoryHandle, number int) ([]fileSummary, error) {
	files, err := e.source.ListPullFiles(ctx, h.Owner, h.Name, number, maxPullFiles)
	if err != nil {
		if stop(err) {
			return nil, err
		}
		e.logger.Debug("获取变更文件失败", "repo", h.FullName, "number", number, "error", err)
		return []fileSummary{}, nil
	}
	if len(files) > maxPullFiles {
		files = files[:maxPullFiles]
	}
	out := make([]fileSummary, 0, len(files))
	for _, f := range files {
		out = append(out, fileSummary{
			Filename:  f.Filename,
			Status:    f.Status,
			Additions: f.Additions,
			Deletions: f.Deletions,
			Patch:     Truncate(f.Patch, maxPatchLen),
		})
	}
	return out, nil
}

func (e *Extractor) extractCode(ctx context.Context, h domain.RepositoryHandle, seen map[string]bool) ([]*domain.ExtractedRecord, error) {
	tree, err := e.source.GetTree(ctx, h.Owner, h.Name, h.DefaultBranch)
	if err != nil {
		return nil, err
	}

	candidates := e.rankCode(tree)
	var out []*domain.ExtractedRecord
	for _, node := range candidates {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if seen[node.Path] {
			continue
		}
		content, err := e.source.GetFileContent(ctx, h.Owner, h.Name, node.Path)
		if err != nil {
			if stop(err) {
				return out, err
			}
			e.logger.Debug("获取文件失败", "repo", h.FullName, "path", node.Path, "error", err)
			continue
		}
		if len(strings.TrimSpace(content)) < minCodeContent {
			continue
		}
		rec, err := e.save(ctx, h, domain.KindCode, node.Path, content, map[string]any{
			"size":     node.Size,
			"sha":      node.SHA,
			"language": DetectLanguage(node.Path),
		})
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// rankCode 按路径深度升序，再按与 5KB 的距离升序，取前 N 个
func (e *Extractor) rankCode(tree []domain.TreeEntry) []domain.TreeEntry {
	var candidates []domain.TreeEntry
	for _, node := range tree {
		if !node.IsBlob() || node.Size > e.cfg.MaxFileSize {
			continue
		}
		if !e.extensions[strings.ToLower(path.Ext(node.Path))] || IsGenerated(node.Path) {
			continue
		}
		candidates = append(candidates, node)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		di, dj := strings.Count(candidates[i].Path, "/"), strings.Count(candidates[j].Path, "/")
		if di != dj {
			return di < dj
		}
		return sizeDistance(candidates[i].Size) < sizeDistance(candidates[j].Size)
	})

	if len(candidates) > e.cfg.MaxCode {
		candidates = candidates[:e.cfg.MaxCode]
	}
	return candidates
}

func sizeDistance(size int) int {
	d := size - targetCodeSize
	if d < 0 {
		return -d
	}
	return d
}

// IsGenerated 路径命中黑名单
func IsGenerated(p string) bool {
	lower := strings.ToLower(p)
	for _, pattern := range denyPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// DetectLanguage 由扩展名推断语言
func DetectLanguage(p string) string {
	if lang, ok := languages[strings.ToLower(path.Ext(p))]; ok {
		return lang
	}
	return "unknown"
}

// Truncate 按字符截断
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
