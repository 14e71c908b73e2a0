package github

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
	"strconv"
	"strings"
	"sync"
	"time"

	"github-harvester/internal/common"
	"github-harvester/internal/domain"
)

// QuotaClass 独立计数的配额类别
type QuotaClass string

const (
	ClassCore   QuotaClass = "core"
	ClassSearch QuotaClass = "search"
)

const (
	defaultCoreThreshold   = 10
	defaultSearchThreshold = 5
	defaultGrace           = 5 * time.Second
	defaultMaxRetries      = 4 // 共 5 次尝试
)

// RetriableError 可重试的失败：连接错误、二级限流、429
type RetriableError struct {
	Status int
	Reason string
	Err    error
}

func (e *RetriableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retriable (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("retriable (%s): status %d", e.Reason, e.Status)
}

func (e *RetriableError) Unwrap() error { return e.Err }

func isRetriable(err error) bool {
	var re *RetriableError
	return errors.As(err, &re)
}

type quotaState struct {
	known     bool
	limit     int
	remaining int
	reset     time.Time
}

// GovernorOption 调度器选项
type GovernorOption func(*Governor)

// WithThreshold 设置某个类别的安全阈值
func WithThreshold(class QuotaClass, n int) GovernorOption {
	return func(g *Governor) { g.thresholds[class] = n }
}

// WithClock 注入时钟和睡眠函数，测试用
func WithClock(now func() time.Time, sleep common.SleepFunc) GovernorOption {
	return func(g *Governor) {
		if now != nil {
			g.nowFunc = now
		}
		if sleep != nil {
			g.sleepFunc = sleep
		}
	}
}

// WithLogger 设置日志
func WithLogger(l *slog.Logger) GovernorOption {
	return func(g *Governor) {
		if l != nil {
			g.logger = l
		}
	}
}

// Governor 包装所有发往 GitHub 的请求：跟踪配额、临近耗尽时阻塞、
// 把瞬时失败升级为有限次重试。本身是 http.RoundTripper。
type Governor struct {
	base    http.RoundTripper
	baseURL *url.URL

	mu         sync.Mutex
	quotas     map[QuotaClass]*quotaState
	thresholds map[QuotaClass]int

	grace      time.Duration
	maxRetries int
	nowFunc    func() time.Time
	sleepFunc  common.SleepFunc
	logger     *slog.Logger
}

// NewGovernor 创建调度器；base 通常是带 token 的 oauth2.Transport
func NewGovernor(base http.RoundTripper, apiURL string, opts ...GovernorOption) (*Governor, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	if apiURL == "" {
		apiURL = "https://api.github.com/"
	}
	if !strings.HasSuffix(apiURL, "/") {
		apiURL += "/"
	}
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInvalidInput, "GitHub API 地址无效", err)
	}

	g := &Governor{
		base:    base,
		baseURL: u,
		quotas: map[QuotaClass]*quotaState{
			ClassCore:   {},
			ClassSearch: {},
		},
		thresholds: map[QuotaClass]int{
			ClassCore:   defaultCoreThreshold,
			ClassSearch: defaultSearchThreshold,
		},
		grace:      defaultGrace,
		maxRetries: defaultMaxRetries,
		nowFunc:    time.Now,
		sleepFunc:  common.Sleep,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// BaseURL API 根地址
func (g *Governor) BaseURL() *url.URL {
	u := *g.baseURL
	return &u
}

// ClassForPath 根据路径判断配额类别
func ClassForPath(path string) QuotaClass {
	if strings.Contains(path, "/search/") || strings.HasPrefix(path, "search/") {
		return ClassSearch
	}
	return ClassCore
}

// Send 发送一个请求；body 非 nil 时按 JSON 编码
func (g *Governor) Send(ctx context.Context, method, path string, params url.Values, body any, class QuotaClass) (*http.Response, error) {
	rel, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, common.WrapError(common.ErrCodeInvalidInput, "请求路径无效", err)
	}
	u := g.baseURL.ResolveReference(rel)
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, common.WrapError(common.ErrCodeInvalidInput, "请求体编码失败", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.do(req, class)
}

// RoundTrip 实现 http.RoundTripper，供 go-github 客户端使用
func (g *Governor) RoundTrip(req *http.Request) (*http.Response, error) {
	return g.do(req, ClassForPath(req.URL.Path))
}

func (g *Governor) do(req *http.Request, class QuotaClass) (*http.Response, error) {
	ctx := req.Context()
	var resp *http.Response
	attempts := 0

	err := common.Do(ctx, func() error {
		attempts++
		if err := g.Wait(ctx, class); err != nil {
			return err
		}

		r, err := cloneRequest(req, attempts)
		if err != nil {
			return err
		}

		res, err := g.base.RoundTrip(r)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &RetriableError{Reason: "connection", Err: err}
		}

		g.observe(class, res.Header)
		if signal := g.classify(ctx, res); signal != nil {
			drain(res)
			return signal
		}
		resp = res
		return nil
	},
		common.WithMaxRetries(g.maxRetries),
		common.WithInitialDelay(2*time.Second),
		common.WithMinDelay(4*time.Second),
		common.WithMaxDelay(120*time.Second),
		common.WithMultiplier(2),
		common.WithRetryIf(isRetriable),
		common.WithSleep(g.sleepFunc),
		common.WithOnRetry(func(attempt int, delay time.Duration, err error) {
			g.logger.Warn("⚠️ GitHub 请求失败，准备重试",
				"method", req.Method, "path", req.URL.Path, "attempt", attempt, "delay", delay, "error", err)
		}),
	)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if !isRetriable(err) {
		return nil, err
	}
	return nil, common.NewFatalError(common.ErrCodeGitHubAPI,
		fmt.Sprintf("%s %s", req.Method, req.URL.Path), attempts, err)
}

// classify 把限流类响应转成可重试信号，其余状态码原样交给调用方
func (g *Governor) classify(ctx context.Context, res *http.Response) error {
	switch res.StatusCode {
	case http.StatusForbidden:
		if hint := res.Header.Get("Retry-After"); hint != "" {
			if secs, err := strconv.Atoi(strings.TrimSpace(hint)); err == nil {
				wait := time.Duration(secs)*time.Second + time.Second
				g.logger.Warn("⏳ 触发二级限流", "retry_after", wait)
				if err := g.sleepFunc(ctx, wait); err != nil {
					return err
				}
				return &RetriableError{Status: res.StatusCode, Reason: "secondary rate limit"}
			}
		}
		if res.Header.Get("X-RateLimit-Remaining") == "0" {
			return &RetriableError{Status: res.StatusCode, Reason: "quota exhausted"}
		}
	case http.StatusTooManyRequests:
		return &RetriableError{Status: res.StatusCode, Reason: "too many requests"}
	}
	return nil
}

// observe 根据响应头更新配额
func (g *Governor) observe(class QuotaClass, h http.Header) {
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}
	switch QuotaClass(h.Get("X-RateLimit-Resource")) {
	case ClassCore:
		class = ClassCore
	case ClassSearch:
		class = ClassSearch
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.quotas[class]
	q.known = true
	q.remaining = remaining
	if limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit")); err == nil {
		q.limit = limit
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		q.reset = time.Unix(reset, 0)
	}
}

// Wait 配额低于阈值时阻塞到 reset+grace
func (g *Governor) Wait(ctx context.Context, class QuotaClass) error {
	g.mu.Lock()
	q := g.quotas[class]
	threshold := g.thresholds[class]
	if q == nil || !q.known || q.remaining > threshold {
		g.mu.Unlock()
		return nil
	}
	until := q.reset.Add(g.grace)
	now := g.nowFunc()
	g.mu.Unlock()

	if !until.After(now) {
		return nil
	}
	return g.WaitUntil(ctx, class, until)
}

// WaitUntil 阻塞到指定时间，之后认为该类别配额已恢复
func (g *Governor) WaitUntil(ctx context.Context, class QuotaClass, until time.Time) error {
	d := until.Sub(g.nowFunc())
	if d > 0 {
		g.logger.Info("⏸️ 配额不足，等待重置", "class", class, "wait", d.Round(time.Second))
		if err := g.sleepFunc(ctx, d); err != nil {
			return err
		}
	}

	g.mu.Lock()
	if q := g.quotas[class]; q != nil {
		q.known = false
	}
	g.mu.Unlock()
	return nil
}

// SetQuota 直接设置配额 (来自 /rate_limit)
func (g *Governor) SetQuota(class QuotaClass, limit, remaining int, reset time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.quotas[class]
	if !ok {
		q = &quotaState{}
		g.quotas[class] = q
	}
	q.known = true
	q.limit = limit
	q.remaining = remaining
	q.reset = reset
}

// Quota 返回当前配额快照，未观测到时 Remaining 为 -1
func (g *Governor) Quota(class QuotaClass) domain.Quota {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := domain.Quota{Class: string(class), Remaining: -1}
	if q := g.quotas[class]; q != nil && q.known {
		out.Limit = q.limit
		out.Remaining = q.remaining
		out.Reset = q.reset
	}
	return out
}

func cloneRequest(req *http.Request, attempt int) (*http.Request, error) {
	r := req.Clone(req.Context())
	if attempt > 1 && req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errors.New("request body cannot be replayed")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	return r, nil
}

func drain(res *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
	_ = res.Body.Close()
}
