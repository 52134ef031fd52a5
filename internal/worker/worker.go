package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/s6ptember/tasks-managment-system/internal/cache"
	"github.com/s6ptember/tasks-managment-system/internal/config"
	"github.com/s6ptember/tasks-managment-system/internal/notify"
	"github.com/s6ptember/tasks-managment-system/internal/runtime"
	"github.com/s6ptember/tasks-managment-system/internal/syncqueue"
)

// Worker 独占所有缓存分区，拦截出站请求并响应宿主投递的生命周期事件。
// 前台侧只能通过消息桥与它交互。
type Worker struct {
	cfg      config.WorkerConfig
	push     config.PushConfig
	client   *http.Client
	store    cache.Store
	queue    *syncqueue.Queue
	notifier notify.Notifier
	logger   *logrus.Logger
	upstream *url.URL
	host     runtime.Host
	rules    []routeRule
}

// Options 汇总构造 Worker 所需的依赖。
type Options struct {
	Config   config.WorkerConfig
	Push     config.PushConfig
	Client   *http.Client
	Store    cache.Store
	Queue    *syncqueue.Queue
	Notifier notify.Notifier
	Logger   *logrus.Logger
}

// New 构造拦截层实例并预编译路由策略表。
func New(opts Options) (*Worker, error) {
	if opts.Client == nil {
		return nil, errors.New("http client is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}

	upstream, err := url.Parse(opts.Config.Upstream)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream url: %s", opts.Config.Upstream)
	}

	w := &Worker{
		cfg:      opts.Config,
		push:     opts.Push,
		client:   opts.Client,
		store:    opts.Store,
		queue:    opts.Queue,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		upstream: upstream,
	}
	w.rules = w.buildRules()
	return w, nil
}

// Version 返回由两个独立版本令牌组合的 worker 版本。
func (w *Worker) Version() string {
	return w.cfg.StaticVersion + "+" + w.cfg.DynamicVersion
}

// Bind 实现 runtime.Worker，注入宿主句柄。
func (w *Worker) Bind(host runtime.Host) {
	w.host = host
}

// buildUpstreamRequest 将 Fiber 请求转换为发往上游的 http.Request，
// 透传头部并补充 X-Forwarded-* 字段。
func (w *Worker) buildUpstreamRequest(c fiber.Ctx, method string, body io.Reader) (*http.Request, error) {
	ctx := c.Context()
	if body == nil {
		body = http.NoBody
	}

	target := w.resolveUpstreamURL(c)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}

	c.Request().Header.VisitAll(func(key, value []byte) {
		if isHopByHopHeader(string(key)) {
			return
		}
		req.Header.Add(string(key), string(value))
	})
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())

	return req, nil
}

func (w *Worker) resolveUpstreamURL(c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	clean := normalizeRequestPath(string(uri.Path()))
	relative := &url.URL{Path: clean, RawPath: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return w.upstream.ResolveReference(relative)
}

// fetchResource 以普通 GET 拉取上游资源，预缓存阶段使用。
func (w *Worker) fetchResource(ctx context.Context, path string) (*http.Response, error) {
	target := w.upstream.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	return w.client.Do(req)
}

// sameOrigin 判断响应是否来自受控上游；跨源（不透明）响应不允许写入缓存。
func (w *Worker) sameOrigin(resp *http.Response) bool {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	return resp.Request.URL.Host == w.upstream.Host
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	return path.Clean("/" + raw)
}

// extractModTime 读取上游的 Last-Modified，缺失时落到当前时间。
func extractModTime(header http.Header) time.Time {
	if last := header.Get("Last-Modified"); last != "" {
		if parsed, err := http.ParseTime(last); err == nil {
			return parsed.UTC()
		}
	}
	return time.Now().UTC()
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

func isHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[http.CanonicalHeaderKey(key)]
	return ok
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

