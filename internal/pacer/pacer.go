// Package pacer 按主机限制最小请求间隔，替代业务代码中的固定 sleep。
package pacer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer 每个主机一个令牌桶 (burst=1)，相邻两次请求至少间隔 interval
type Pacer struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	intervals map[string]time.Duration
	fallback  time.Duration
}

// New 创建 Pacer，fallback 为未单独配置的主机使用的间隔
func New(fallback time.Duration) *Pacer {
	return &Pacer{
		limiters:  make(map[string]*rate.Limiter),
		intervals: make(map[string]time.Duration),
		fallback:  fallback,
	}
}

// SetInterval 为指定主机配置最小间隔，0 表示不限速
func (p *Pacer) SetInterval(host string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intervals[host] = d
	delete(p.limiters, host)
}

// Interval 返回主机当前生效的间隔
func (p *Pacer) Interval(host string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intervalLocked(host)
}

func (p *Pacer) intervalLocked(host string) time.Duration {
	if d, ok := p.intervals[host]; ok {
		return d
	}
	return p.fallback
}

func (p *Pacer) limiter(host string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.limiters[host]; ok {
		return l
	}
	d := p.intervalLocked(host)
	limit := rate.Inf
	if d > 0 {
		limit = rate.Every(d)
	}
	l := rate.NewLimiter(limit, 1)
	p.limiters[host] = l
	return l
}

// Wait 阻塞到该主机允许下一次请求
func (p *Pacer) Wait(ctx context.Context, host string) error {
	if p == nil {
		return nil
	}
	return p.limiter(host).Wait(ctx)
}

// Transport 返回一个按 req.URL.Host 限速的 RoundTripper
func (p *Pacer) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{pacer: p, base: base}
}

type transport struct {
	pacer *Pacer
	base  http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.pacer.Wait(req.Context(), req.URL.Host); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}
