package gitea

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	sdk "code.gitea.io/sdk/gitea"

	"github-harvester/internal/common"
	"github-harvester/internal/domain"
	"github-harvester/internal/port"
)

const (
	labelPageSize  = 50
	maxDescription = 255
	maxErrorBody   = 300
)

// APIError Gitea 返回的非 2xx 响应
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gitea %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Is 让调用方通过 errors.Is(err, port.ErrConflict) 识别 409
func (e *APIError) Is(target error) bool {
	return target == port.ErrConflict && e.Status == http.StatusConflict
}

// IsConflict 资源已存在 (409)
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusConflict
}

// IsNotFound 资源不存在 (404)
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// Client 实现了 port.Destination 接口，基于官方 SDK
type Client struct {
	baseURL        string
	token          string
	httpClient     *http.Client
	timeout        time.Duration
	migrateTimeout time.Duration
	logger         *slog.Logger

	// SDK 的 context 挂在客户端实例上，调用必须串行
	mu  sync.Mutex
	api *sdk.Client
}

var _ port.Destination = (*Client)(nil)

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 http.Client (例如挂上 pacer)
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeouts 普通请求和导入请求的超时
func WithTimeouts(normal, migrate time.Duration) Option {
	return func(c *Client) {
		if normal > 0 {
			c.timeout = normal
		}
		if migrate > 0 {
			c.migrateTimeout = migrate
		}
	}
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient 创建 Gitea 客户端，baseURL 形如 http://localhost:3000。
// 不在构造时探测服务端版本，连通性由 CurrentUser 校验
func NewClient(baseURL, token string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		token:          token,
		httpClient:     &http.Client{},
		timeout:        30 * time.Second,
		migrateTimeout: time.Hour,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	api, err := sdk.NewClient(c.baseURL,
		sdk.SetToken(token),
		sdk.SetHTTPClient(c.httpClient),
		sdk.SetGiteaVersion(""),
	)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInvalidInput, "初始化 Gitea 客户端失败", err)
	}
	c.api = api
	return c, nil
}

// call 在超时 context 下执行一次 SDK 调用
func (c *Client) call(ctx context.Context, timeout time.Duration, method, path string, fn func(api *sdk.Client) (*sdk.Response, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Debug("gitea request", "method", method, "path", path)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.api.SetContext(ctx)
	resp, err := fn(c.api)
	return c.convert(method, path, resp, err)
}

// convert 非 2xx 转成 *APIError，其余错误归为 Gitea 调用失败
func (c *Client) convert(method, path string, resp *sdk.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.Response != nil && resp.StatusCode >= 400 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: truncate(err.Error(), maxErrorBody)}
	}
	return common.WrapError(common.ErrCodeGiteaAPI, "连接 Gitea 失败: "+method+" "+path, err)
}

func repoPath(owner, name string) string {
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(name)
}

// CurrentUser 校验 token 并返回登录名
func (c *Client) CurrentUser(ctx context.Context) (string, error) {
	var login string
	err := c.call(ctx, c.timeout, http.MethodGet, "/user", func(api *sdk.Client) (*sdk.Response, error) {
		u, resp, err := api.GetMyUserInfo()
		if err == nil {
			login = u.UserName
		}
		return resp, err
	})
	if err != nil {
		return "", err
	}
	if login == "" {
		login = "unknown"
	}
	return login, nil
}

// EnsureOrg 组织不存在时创建
func (c *Client) EnsureOrg(ctx context.Context, org string) error {
	path := "/orgs/" + url.PathEscape(org)
	err := c.call(ctx, c.timeout, http.MethodGet, path, func(api *sdk.Client) (*sdk.Response, error) {
		_, resp, err := api.GetOrg(org)
		return resp, err
	})
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return err
	}

	c.logger.Warn("⚠️ 组织不存在，自动创建", "org", org)
	err = c.call(ctx, c.timeout, http.MethodPost, "/orgs", func(api *sdk.Client) (*sdk.Response, error) {
		_, resp, err := api.CreateOrg(sdk.CreateOrgOption{
			Name:        org,
			FullName:    "GitHub Mirror Projects",
			Description: "Mirrored repos from GitHub for training data",
			Visibility:  sdk.VisibleTypePublic,
		})
		return resp, err
	})
	if IsConflict(err) {
		return nil
	}
	return err
}

// GetRepo 仓库信息，不存在时返回 nil
func (c *Client) GetRepo(ctx context.Context, owner, name string) (*port.DestRepo, error) {
	var repo *sdk.Repository
	err := c.call(ctx, c.timeout, http.MethodGet, repoPath(owner, name), func(api *sdk.Client) (*sdk.Response, error) {
		r, resp, err := api.GetRepo(owner, name)
		repo = r
		return resp, err
	})
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &port.DestRepo{
		FullName: repo.FullName,
		Empty:    repo.Empty,
		Size:     int64(repo.Size),
		Mirror:   repo.Mirror,
		HTMLURL:  repo.HTMLURL,
	}, nil
}

// MigrateRepo 从 GitHub 导入代码，不导入 issue/PR/wiki；409 视为成功。
// 没有源端 token 时按普通 git 地址导入
func (c *Client) MigrateRepo(ctx context.Context, req port.MigrateRequest) error {
	opt := sdk.MigrateRepoOption{
		CloneAddr:   req.CloneAddr,
		RepoName:    req.RepoName,
		RepoOwner:   req.RepoOwner,
		Service:     sdk.GitServicePlain,
		Mirror:      req.Mirror,
		Private:     false,
		Description: truncate(req.Description, maxDescription),
		Releases:    req.Releases,
	}
	if req.AuthToken != "" {
		opt.Service = sdk.GitServiceGithub
		opt.AuthToken = req.AuthToken
	}
	if req.Mirror {
		opt.MirrorInterval = "10m"
	}

	err := c.call(ctx, c.migrateTimeout, http.MethodPost, "/repos/migrate", func(api *sdk.Client) (*sdk.Response, error) {
		_, resp, err := api.MigrateRepo(opt)
		return resp, err
	})
	if IsConflict(err) {
		c.logger.Warn("⚠️ 目标仓库已存在 (409)", "repo", req.RepoOwner+"/"+req.RepoName)
		return nil
	}
	return err
}

// DeleteRepo 删除仓库，不存在不算错误
func (c *Client) DeleteRepo(ctx context.Context, owner, name string) error {
	err := c.call(ctx, c.timeout, http.MethodDelete, repoPath(owner, name), func(api *sdk.Client) (*sdk.Response, error) {
		return api.DeleteRepo(owner, name)
	})
	if IsNotFound(err) {
		return nil
	}
	return err
}

// SetMirror 修改镜像标记，mirror=false 把镜像转成普通仓库。
// SDK 的 EditRepoOption 没有 mirror 字段，这里直接发 PATCH
func (c *Client) SetMirror(ctx context.Context, owner, name string, mirror bool) error {
	return c.patch(ctx, repoPath(owner, name), map[string]any{"mirror": mirror})
}

func (c *Client) patch(ctx context.Context, path string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	buf, err := json.Marshal(body)
	if err != nil {
		return common.WrapError(common.ErrCodeInvalidInput, "请求体编码失败", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.baseURL+"/api/v1"+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	c.logger.Debug("gitea request", "method", http.MethodPatch, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.WrapError(common.ErrCodeGiteaAPI, "连接 Gitea 失败: "+c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{Method: http.MethodPatch, Path: path, Status: resp.StatusCode, Body: truncate(string(respBody), maxErrorBody)}
	}
	return nil
}

// ListLabels 目标仓库已有标签，翻页直到不满一页
func (c *Client) ListLabels(ctx context.Context, owner, name string) ([]domain.LabelItem, error) {
	var out []domain.LabelItem
	path := repoPath(owner, name) + "/labels"
	for page := 1; ; page++ {
		var labels []*sdk.Label
		err := c.call(ctx, c.timeout, http.MethodGet, path, func(api *sdk.Client) (*sdk.Response, error) {
			items, resp, err := api.ListRepoLabels(owner, name, sdk.ListLabelsOptions{
				ListOptions: sdk.ListOptions{Page: page, PageSize: labelPageSize},
			})
			labels = items
			return resp, err
		})
		if err != nil {
			return nil, err
		}
		for _, l := range labels {
			out = append(out, domain.LabelItem{ID: l.ID, Name: l.Name, Color: l.Color, Description: l.Description})
		}
		if len(labels) < labelPageSize {
			return out, nil
		}
	}
}

// CreateLabel 创建标签，返回 ID；重名时返回 409 APIError
func (c *Client) CreateLabel(ctx context.Context, owner, name string, label domain.LabelItem) (int64, error) {
	var id int64
	err := c.call(ctx, c.timeout, http.MethodPost, repoPath(owner, name)+"/labels", func(api *sdk.Client) (*sdk.Response, error) {
		created, resp, err := api.CreateLabel(owner, name, sdk.CreateLabelOption{
			Name:        label.Name,
			Color:       label.Color,
			Description: label.Description,
		})
		if err == nil {
			id = created.ID
		}
		return resp, err
	})
	return id, err
}

// CreateIssue 创建 issue，返回目标端编号
func (c *Client) CreateIssue(ctx context.Context, owner, name string, req port.IssueRequest) (int, error) {
	var number int64
	err := c.call(ctx, c.timeout, http.MethodPost, repoPath(owner, name)+"/issues", func(api *sdk.Client) (*sdk.Response, error) {
		created, resp, err := api.CreateIssue(owner, name, sdk.CreateIssueOption{
			Title:  req.Title,
			Body:   req.Body,
			Labels: nonNil(req.Labels),
		})
		if err == nil {
			number = created.Index
		}
		return resp, err
	})
	return int(number), err
}

// CloseIssue 关闭 issue
func (c *Client) CloseIssue(ctx context.Context, owner, name string, number int) error {
	closed := sdk.StateClosed
	path := fmt.Sprintf("%s/issues/%d", repoPath(owner, name), number)
	return c.call(ctx, c.timeout, http.MethodPatch, path, func(api *sdk.Client) (*sdk.Response, error) {
		_, resp, err := api.EditIssue(owner, name, int64(number), sdk.EditIssueOption{State: &closed})
		return resp, err
	})
}

// CreateComment 添加评论
func (c *Client) CreateComment(ctx context.Context, owner, name string, number int, body string) error {
	path := fmt.Sprintf("%s/issues/%d/comments", repoPath(owner, name), number)
	return c.call(ctx, c.timeout, http.MethodPost, path, func(api *sdk.Client) (*sdk.Response, error) {
		_, resp, err := api.CreateIssueComment(owner, name, int64(number), sdk.CreateIssueCommentOption{Body: body})
		return resp, err
	})
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// truncate 按字符截断，不切坏多字节字符
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
