package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github-harvester/internal/common"
	"github-harvester/internal/domain"
	"github-harvester/internal/port"

	"github.com/google/go-github/v53/github"
	"golang.org/x/oauth2"
)

// NewTokenTransport 在 base 之上挂 token；token 为空时匿名访问 (60 次/小时)
func NewTokenTransport(token string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if token == "" {
		return base
	}
	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	return &oauth2.Transport{Source: ts, Base: base}
}

// NewClient 创建走 Governor 的 go-github 客户端
func NewClient(gov *Governor) *github.Client {
	client := github.NewClient(&http.Client{Transport: gov})
	client.BaseURL = gov.BaseURL()
	return client
}

// Source 实现了 port.Source 接口，把 go-github 的结构体转换成领域 DTO
type Source struct {
	client *github.Client
	gov    *Governor
	logger *slog.Logger
}

var _ port.Source = (*Source)(nil)

// NewSource 创建数据源
func NewSource(client *github.Client, gov *Governor, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{client: client, gov: gov, logger: logger}
}

// call 执行一次 API 调用；go-github 在本地判定配额耗尽时直接返回
// RateLimitError 而不发请求，这里等到 reset 后再试一次
func (s *Source) call(ctx context.Context, class QuotaClass, fn func() (*github.Response, error)) error {
	_, err := fn()
	var rle *github.RateLimitError
	if errors.As(err, &rle) && s.gov != nil {
		if werr := s.gov.WaitUntil(ctx, class, rle.Rate.Reset.Time.Add(s.gov.grace)); werr != nil {
			return werr
		}
		_, err = fn()
	}
	return err
}

// statusOf 取出 go-github 错误里的 HTTP 状态码
func statusOf(err error) int {
	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return er.Response.StatusCode
	}
	return 0
}

// isAbsent 资源不存在或不可用，视为否定信号而不是错误
func isAbsent(err error) bool {
	switch statusOf(err) {
	case http.StatusNotFound, http.StatusConflict, http.StatusGone, http.StatusUnavailableForLegalReasons:
		return true
	}
	return false
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return common.WrapError(common.ErrCodeGitHubAPI, op, err)
}

// SearchRepositories 按 stars 降序搜索仓库
func (s *Source) SearchRepositories(ctx context.Context, query string, page, perPage int) ([]domain.RepositoryHandle, error) {
	opts := &github.SearchOptions{
		Sort:  "stars",
		Order: "desc",
		ListOptions: github.ListOptions{
			Page:    page,
			PerPage: perPage,
		},
	}

	var result *github.RepositoriesSearchResult
	err := s.call(ctx, ClassSearch, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		result, resp, apiErr = s.client.Search.Repositories(ctx, query, opts)
		return resp, apiErr
	})
	if err != nil {
		// 超出 1000 条结果窗口时 GitHub 返回 422
		if statusOf(err) == http.StatusUnprocessableEntity || isAbsent(err) {
			return nil, nil
		}
		return nil, wrap(fmt.Sprintf("search %q page %d", query, page), err)
	}

	handles := make([]domain.RepositoryHandle, 0, len(result.Repositories))
	for _, item := range result.Repositories {
		handles = append(handles, toHandle(item))
	}
	return handles, nil
}

// GetRepository 仓库详情
func (s *Source) GetRepository(ctx context.Context, owner, name string) (domain.RepositoryHandle, error) {
	var repo *github.Repository
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		repo, resp, apiErr = s.client.Repositories.Get(ctx, owner, name)
		return resp, apiErr
	})
	if err != nil {
		if isAbsent(err) {
			return domain.RepositoryHandle{}, common.WrapError(common.ErrCodeNotFound, owner+"/"+name, err)
		}
		return domain.RepositoryHandle{}, wrap("get repository "+owner+"/"+name, err)
	}
	return toHandle(repo), nil
}

// GetReadme 获取 README，不存在时返回 nil
func (s *Source) GetReadme(ctx context.Context, owner, name string) (*domain.Document, error) {
	var content *github.RepositoryContent
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		content, resp, apiErr = s.client.Repositories.GetReadme(ctx, owner, name, nil)
		return resp, apiErr
	})
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, wrap("get readme "+owner+"/"+name, err)
	}
	if content == nil {
		return nil, nil
	}

	text, err := content.GetContent()
	if err != nil {
		s.logger.Warn("⚠️ README 解码失败", "repo", owner+"/"+name, "error", err)
	}
	return &domain.Document{
		Name:     content.GetName(),
		Path:     content.GetPath(),
		SHA:      content.GetSHA(),
		Size:     content.GetSize(),
		Encoding: content.GetEncoding(),
		Content:  text,
	}, nil
}

// ListIssues 列出 issue (含 PR，由调用方过滤)
func (s *Source) ListIssues(ctx context.Context, owner, name string, q port.IssueQuery) ([]domain.IssueItem, error) {
	opts := &github.IssueListByRepoOptions{
		State:     q.State,
		Sort:      q.Sort,
		Direction: q.Direction,
		ListOptions: github.ListOptions{
			Page:    q.Page,
			PerPage: q.PerPage,
		},
	}

	var issues []*github.Issue
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		issues, resp, apiErr = s.client.Issues.ListByRepo(ctx, owner, name, opts)
		return resp, apiErr
	})
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, wrap("list issues "+owner+"/"+name, err)
	}

	items := make([]domain.IssueItem, 0, len(issues))
	for _, i := range issues {
		items = append(items, domain.IssueItem{
			Number:        i.GetNumber(),
			Title:         i.GetTitle(),
			Body:          i.GetBody(),
			State:         stateOr(i.GetState()),
			Author:        loginOf(i.GetUser()),
			Labels:        labelNames(i.Labels),
			Comments:      i.GetComments(),
			HTMLURL:       i.GetHTMLURL(),
			IsPullRequest: i.IsPullRequest(),
			CreatedAt:     i.GetCreatedAt().Time,
			UpdatedAt:     i.GetUpdatedAt().Time,
			ClosedAt:      i.GetClosedAt().Time,
		})
	}
	return items, nil
}

// ListPulls 列出 PR
func (s *Source) ListPulls(ctx context.Context, owner, name string, q port.PullQuery) ([]domain.PullItem, error) {
	opts := &github.PullRequestListOptions{
		State:     q.State,
		Sort:      q.Sort,
		Direction: q.Direction,
		ListOptions: github.ListOptions{
			Page:    q.Page,
			PerPage: q.PerPage,
		},
	}

	var pulls []*github.PullRequest
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		pulls, resp, apiErr = s.client.PullRequests.List(ctx, owner, name, opts)
		return resp, apiErr
	})
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, wrap("list pulls "+owner+"/"+name, err)
	}

	items := make([]domain.PullItem, 0, len(pulls))
	for _, p := range pulls {
		mergedAt := p.GetMergedAt().Time
		items = append(items, domain.PullItem{
			Number:       p.GetNumber(),
			Title:        p.GetTitle(),
			Body:         p.GetBody(),
			State:        stateOr(p.GetState()),
			Author:       loginOf(p.GetUser()),
			Labels:       labelNames(p.Labels),
			HTMLURL:      p.GetHTMLURL(),
			HeadRef:      refOr(p.GetHead().GetRef()),
			BaseRef:      refOr(p.GetBase().GetRef()),
			Merged:       p.GetMerged() || !mergedAt.IsZero(),
			Additions:    p.GetAdditions(),
			Deletions:    p.GetDeletions(),
			ChangedFiles: p.GetChangedFiles(),
			CreatedAt:    p.GetCreatedAt().Time,
			UpdatedAt:    p.GetUpdatedAt().Time,
			MergedAt:     mergedAt,
			ClosedAt:     p.GetClosedAt().Time,
		})
	}
	return items, nil
}

// ListIssueComments issue/PR 评论 (单页)
func (s *Source) ListIssueComments(ctx context.Context, owner, name string, number, perPage int) ([]domain.Comment, error) {
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: perPage},
	}

	var comments []*github.IssueComment
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		comments, resp, apiErr = s.client.Issues.ListComments(ctx, owner, name, number, opts)
		return resp, apiErr
	})
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, wrap(fmt.Sprintf("list comments %s/%s#%d", owner, name, number), err)
	}

	out := make([]domain.Comment, 0, len(comments))
	for _, c := range comments {
		out = append(out, domain.Comment{
			Author:    loginOf(c.GetUser()),
			Body:      c.GetBody(),
			CreatedAt: c.GetCreatedAt().Time,
		})
	}
	return out, nil
}

// ListPullFiles PR 变更文件 (单页)
func (s *Source) ListPullFiles(ctx context.Context, owner, name string, number, perPage int) ([]domain.ChangedFile, error) {
	var files []*github.CommitFile
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		files, resp, apiErr = s.client.PullRequests.ListFiles(ctx, owner, name, number, &github.ListOptions{PerPage: perPage})
		return resp, apiErr
	})
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, wrap(fmt.Sprintf("list pull files %s/%s#%d", owner, name, number), err)
	}

	out := make([]domain.ChangedFile, 0, len(files))
	for _, f := range files {
		out = append(out, domain.ChangedFile{
			Filename:  f.GetFilename(),
			Status:    f.GetStatus(),
			Additions: f.GetAdditions(),
			Deletions: f.GetDeletions(),
			Changes:   f.GetChanges(),
			Patch:     f.GetPatch(),
		})
	}
	return out, nil
}

// ListPullReviews PR 审查 (单页)
func (s *Source) ListPullReviews(ctx context.Context, owner, name string, number, perPage int) ([]domain.Review, error) {
	var reviews []*github.PullRequestReview
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		reviews, resp, apiErr = s.client.PullRequests.ListReviews(ctx, owner, name, number, &github.ListOptions{PerPage: perPage})
		return resp, apiErr
	})
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, wrap(fmt.Sprintf("list reviews %s/%s#%d", owner, name, number), err)
	}

	out := make([]domain.Review, 0, len(reviews))
	for _, r := range reviews {
		state := r.GetState()
		if state == "" {
			state = "COMMENTED"
		}
		out = append(out, domain.Review{
			Reviewer:    loginOf(r.GetUser()),
			State:       state,
			Body:        r.GetBody(),
			SubmittedAt: r.GetSubmittedAt().Time,
		})
	}
	return out, nil
}

// ListLabels 仓库标签 (单页)
func (s *Source) ListLabels(ctx context.Context, owner, name string, page, perPage int) ([]domain.LabelItem, error) {
	var labels []*github.Label
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		labels, resp, apiErr = s.client.Issues.ListLabels(ctx, owner, name, &github.ListOptions{Page: page, PerPage: perPage})
		return resp, apiErr
	})
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, wrap("list labels "+owner+"/"+name, err)
	}

	out := make([]domain.LabelItem, 0, len(labels))
	for _, l := range labels {
		out = append(out, domain.LabelItem{
			ID:          l.GetID(),
			Name:        l.GetName(),
			Color:       l.GetColor(),
			Description: l.GetDescription(),
		})
	}
	return out, nil
}

// GetTree 递归文件树；空仓库 (409) 或不存在时返回空
func (s *Source) GetTree(ctx context.Context, owner, name, ref string) ([]domain.TreeEntry, error) {
	if ref == "" {
		ref = "HEAD"
	}

	var tree *github.Tree
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		tree, resp, apiErr = s.client.Git.GetTree(ctx, owner, name, ref, true)
		return resp, apiErr
	})
	if err != nil {
		if isAbsent(err) {
			return nil, nil
		}
		return nil, wrap("get tree "+owner+"/"+name, err)
	}
	if tree == nil {
		return nil, nil
	}
	if tree.GetTruncated() {
		s.logger.Debug("文件树被截断", "repo", owner+"/"+name)
	}

	out := make([]domain.TreeEntry, 0, len(tree.Entries))
	for _, e := range tree.Entries {
		out = append(out, domain.TreeEntry{
			Path: e.GetPath(),
			Type: e.GetType(),
			Size: e.GetSize(),
			SHA:  e.GetSHA(),
		})
	}
	return out, nil
}

// GetFileContent 获取单个文件的解码内容；不存在时返回空串
func (s *Source) GetFileContent(ctx context.Context, owner, name, path string) (string, error) {
	var file *github.RepositoryContent
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		file, _, resp, apiErr = s.client.Repositories.GetContents(ctx, owner, name, path, nil)
		return resp, apiErr
	})
	if err != nil {
		if isAbsent(err) {
			return "", nil
		}
		return "", wrap(fmt.Sprintf("get content %s/%s:%s", owner, name, path), err)
	}
	if file == nil {
		return "", nil
	}
	return file.GetContent()
}

// RateLimits 查询 /rate_limit 并同步到 Governor
func (s *Source) RateLimits(ctx context.Context) ([]domain.Quota, error) {
	var limits *github.RateLimits
	err := s.call(ctx, ClassCore, func() (*github.Response, error) {
		var resp *github.Response
		var apiErr error
		limits, resp, apiErr = s.client.RateLimits(ctx)
		return resp, apiErr
	})
	if err != nil {
		return nil, wrap("rate limit", err)
	}

	var out []domain.Quota
	add := func(class QuotaClass, r *github.Rate) {
		if r == nil {
			return
		}
		if s.gov != nil {
			s.gov.SetQuota(class, r.Limit, r.Remaining, r.Reset.Time)
		}
		out = append(out, domain.Quota{Class: string(class), Limit: r.Limit, Remaining: r.Remaining, Reset: r.Reset.Time})
	}
	if limits != nil {
		add(ClassCore, limits.Core)
		add(ClassSearch, limits.Search)
	}
	return out, nil
}

func toHandle(r *github.Repository) domain.RepositoryHandle {
	fullName := r.GetFullName()
	owner := r.GetOwner().GetLogin()
	name := r.GetName()
	if o, n, err := domain.SplitFullName(fullName); err == nil {
		if owner == "" {
			owner = o
		}
		if name == "" {
			name = n
		}
	}
	cloneURL := r.GetCloneURL()
	if cloneURL == "" {
		cloneURL = "https://github.com/" + fullName + ".git"
	}
	htmlURL := r.GetHTMLURL()
	if htmlURL == "" {
		htmlURL = "https://github.com/" + fullName
	}
	branch := r.GetDefaultBranch()
	if branch == "" {
		branch = "main"
	}
	topics := make([]string, len(r.Topics))
	copy(topics, r.Topics)

	return domain.RepositoryHandle{
		FullName:      fullName,
		Owner:         owner,
		Name:          name,
		HTMLURL:       htmlURL,
		CloneURL:      cloneURL,
		DefaultBranch: branch,
		Stars:         r.GetStargazersCount(),
		Forks:         r.GetForksCount(),
		OpenIssues:    r.GetOpenIssuesCount(),
		Language:      r.GetLanguage(),
		Description:   r.GetDescription(),
		Topics:        topics,
		CreatedAt:     r.GetCreatedAt().Time,
		UpdatedAt:     r.GetUpdatedAt().Time,
	}
}

func loginOf(u *github.User) string {
	if login := u.GetLogin(); login != "" {
		return login
	}
	return "?"
}

func labelNames(labels []*github.Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		if n := l.GetName(); n != "" {
			names = append(names, n)
		}
	}
	return names
}

func stateOr(s string) string {
	if s == "" {
		return "open"
	}
	return s
}

func refOr(s string) string {
	if s == "" {
		return "?"
	}
	return s
}
