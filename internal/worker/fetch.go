package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/s6ptember/tasks-managment-system/internal/cache"
	"github.com/s6ptember/tasks-managment-system/internal/logging"
	"github.com/s6ptember/tasks-managment-system/internal/syncqueue"
)

// 策略名，用于日志与响应头。
const (
	strategyBypass       = "bypass"
	strategyCacheFirst   = "cache-first"
	strategyNetworkFirst = "network-first"
)

type strategyFunc func(c fiber.Ctx, key cache.Key) error

// routeRule 将 URL/方法谓词映射到处理策略；表按序匹配，首个命中生效。
type routeRule struct {
	name  string
	match func(method, path string) bool
	apply strategyFunc
}

// buildRules 把配置编译为有序策略表，路由逻辑保持为数据而非嵌套分支。
func (w *Worker) buildRules() []routeRule {
	return []routeRule{
		{
			name: strategyBypass,
			match: func(method, path string) bool {
				if method != http.MethodGet && method != http.MethodHead {
					return true
				}
				return hasAnyPrefix(path, w.cfg.BypassPrefixes)
			},
			apply: w.passThrough,
		},
		{
			name: strategyCacheFirst,
			match: func(method, path string) bool {
				return hasAnyPrefix(path, w.cfg.StaticPrefixes) ||
					hasAnySuffix(path, w.cfg.AssetExtensions)
			},
			apply: w.cacheFirst,
		},
		{
			name:  strategyNetworkFirst,
			match: func(method, path string) bool { return true },
			apply: w.networkFirst,
		},
	}
}

// HandleFetch 是拦截面入口：归一化请求键后按策略表路由。
func (w *Worker) HandleFetch(c fiber.Ctx) error {
	method := c.Method()
	cleanPath := normalizeRequestPath(string(c.Request().URI().Path()))
	rawQuery := append([]byte(nil), c.Request().URI().QueryString()...)
	key := cache.NewKey(method, cleanPath, rawQuery)

	for _, rule := range w.rules {
		if rule.match(method, cleanPath) {
			return rule.apply(c, key)
		}
	}
	// 表以全匹配规则收尾，理论上不可达。
	return w.passThrough(c, key)
}

// passThrough 直连上游，既不读也不写缓存。上游不可达时写请求转入同步
// 日志延迟送达，读请求原样回传网关错误。
func (w *Worker) passThrough(c fiber.Ctx, key cache.Key) error {
	started := time.Now()

	body := bytesReader(c.Body())
	req, err := w.buildUpstreamRequest(c, c.Method(), body)
	if err != nil {
		return w.writeError(c, fiber.StatusBadGateway, "upstream_request_failed")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if item, queued := w.queueOfflineMutation(c); queued {
			w.logFetch(strategyBypass, c.Method(), key.Path, false, started, nil)
			c.Set("X-Offline-Strategy", strategyBypass)
			c.Set("X-Offline-Queued", "true")
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": true, "id": item.ID})
		}
		w.logFetch(strategyBypass, c.Method(), key.Path, false, started, err)
		return w.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Offline-Strategy", strategyBypass)
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		w.logFetch(strategyBypass, c.Method(), key.Path, false, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	w.logFetch(strategyBypass, c.Method(), key.Path, false, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// queueOfflineMutation 把送不出去的写请求记入同步日志，等恢复联网后由
// sync-tasks 原样重放。只接受空正文或 JSON 正文的变更方法；入队成功即向
// 调用方承诺送达。
func (w *Worker) queueOfflineMutation(c fiber.Ctx) (syncqueue.Item, bool) {
	if w.queue == nil || !isMutationMethod(c.Method()) {
		return syncqueue.Item{}, false
	}

	rawPath := string(c.Request().URI().Path())
	body := c.Body()
	if len(body) > 0 && !json.Valid(body) {
		return syncqueue.Item{}, false
	}

	item, err := w.queue.Enqueue(syncqueue.Item{
		Method: c.Method(),
		Path:   rawPath,
		Body:   append(json.RawMessage(nil), body...),
	})
	if err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action": "sync", "path": rawPath,
		}).Warn("sync_enqueue_failed")
		return syncqueue.Item{}, false
	}

	fields := logging.LifecycleFields("sync")
	fields["item"] = item.ID
	fields["path"] = item.Path
	w.logger.WithFields(fields).Info("mutation_queued")
	return item, true
}

func isMutationMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// cacheFirst 先查静态分区；命中时零网络调用，未命中回源并按 200 且同源
// 的条件写回。
func (w *Worker) cacheFirst(c fiber.Ctx, key cache.Key) error {
	started := time.Now()
	ctx := c.Context()

	partition, err := w.store.Open(ctx, w.cfg.StaticPartition())
	if err != nil {
		return w.writeError(c, fiber.StatusInternalServerError, "cache_unavailable")
	}

	cached, err := partition.Get(ctx, key)
	switch {
	case err == nil:
		defer cached.Reader.Close()
		w.logFetch(strategyCacheFirst, c.Method(), key.Path, true, started, nil)
		return w.serveCached(c, strategyCacheFirst, cached)
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action": "fetch", "path": key.Path,
		}).Warn("cache_get_failed")
	}

	resp, err := w.fetchUpstream(c)
	if err != nil {
		w.logFetch(strategyCacheFirst, c.Method(), key.Path, false, started, err)
		return w.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	store := resp.StatusCode == http.StatusOK && w.sameOrigin(resp) &&
		c.Method() == http.MethodGet
	return w.relayAndStore(c, strategyCacheFirst, key, resp, partition, store, started)
}

// networkFirst 先走网络；网络失败时依次回退到任意分区的缓存条目和预缓存
// 的根文档（仅 HTML 请求）。
func (w *Worker) networkFirst(c fiber.Ctx, key cache.Key) error {
	started := time.Now()
	ctx := c.Context()

	resp, err := w.fetchUpstream(c)
	if err != nil {
		w.logFetch(strategyNetworkFirst, c.Method(), key.Path, false, started, err)
		return w.serveOffline(c, key, started, err)
	}
	defer resp.Body.Close()

	// 上游已删除的资源同步从动态分区驱逐，离线回放不再复活它。
	if c.Method() == http.MethodGet &&
		(resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone) {
		w.evictStale(ctx, key)
	}

	var partition cache.Partition
	store := resp.StatusCode == http.StatusOK && w.sameOrigin(resp) &&
		c.Method() == http.MethodGet
	if store {
		partition, err = w.store.Open(ctx, w.cfg.DynamicPartition())
		if err != nil {
			// 动态分区打开失败只丢失写入侧效果，不影响响应。
			w.logger.WithError(err).Warn("dynamic_partition_unavailable")
			store = false
		}
	}
	return w.relayAndStore(c, strategyNetworkFirst, key, resp, partition, store, started)
}

func (w *Worker) evictStale(ctx context.Context, key cache.Key) {
	partition, err := w.store.Open(ctx, w.cfg.DynamicPartition())
	if err != nil {
		return
	}
	if err := partition.Remove(ctx, key); err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action": "fetch", "path": key.Path,
		}).Warn("cache_evict_failed")
	}
}

// serveOffline 是网络失败后的本地恢复路径。
func (w *Worker) serveOffline(c fiber.Ctx, key cache.Key, started time.Time, cause error) error {
	ctx := c.Context()

	cached, err := w.store.Lookup(ctx, key)
	if err == nil {
		defer cached.Reader.Close()
		w.logFetch(strategyNetworkFirst, c.Method(), key.Path, true, started, nil)
		return w.serveCached(c, strategyNetworkFirst, cached)
	}
	if !errors.Is(err, cache.ErrNotFound) {
		w.logger.WithError(err).Warn("cache_lookup_failed")
	}

	if acceptsHTML(c) {
		fallbackKey := cache.Key{
			Path:   normalizeRequestPath(w.cfg.OfflineFallback),
			Method: http.MethodGet,
		}
		fallback, err := w.store.Lookup(ctx, fallbackKey)
		if err == nil {
			defer fallback.Reader.Close()
			w.logger.WithFields(logrus.Fields{
				"action": "fetch",
				"path":   key.Path,
				"served": fallbackKey.Path,
			}).Info("offline_fallback")
			return w.serveCached(c, strategyNetworkFirst, fallback)
		}
	}

	return w.writeError(c, fiber.StatusBadGateway, "upstream_failed")
}

// relayAndStore 将上游响应发给调用方；满足写入条件时再把同一份正文写进
// 分区。缓存写失败只丢失存储侧效果，响应照常送达。
func (w *Worker) relayAndStore(
	c fiber.Ctx,
	strategy string,
	key cache.Key,
	resp *http.Response,
	partition cache.Partition,
	store bool,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Set("X-Offline-Strategy", strategy)
	c.Set("X-Offline-Cache", "miss")
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		w.logFetch(strategy, c.Method(), key.Path, false, started, nil)
		return nil
	}

	if !store || partition == nil {
		_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
		w.logFetch(strategy, c.Method(), key.Path, false, started, err)
		if err != nil {
			return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
		}
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		w.logFetch(strategy, c.Method(), key.Path, false, started, err)
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}

	if _, err := c.Response().BodyWriter().Write(body); err != nil {
		w.logFetch(strategy, c.Method(), key.Path, false, started, err)
		return nil
	}

	// 写缓存脱离请求生命周期：页面离开不会取消已排队的写入。
	putCtx := context.WithoutCancel(c.Context())
	opts := cache.PutOptions{ModTime: extractModTime(resp.Header)}
	if _, err := partition.Put(putCtx, key, bytes.NewReader(body), opts); err != nil {
		w.logger.WithError(err).WithFields(logrus.Fields{
			"action":    "fetch",
			"path":      key.Path,
			"partition": partition.Name(),
		}).Warn("cache_write_failed")
	}

	w.logFetch(strategy, c.Method(), key.Path, false, started, nil)
	return nil
}

// serveCached 以固定 200 状态回放缓存条目。
func (w *Worker) serveCached(c fiber.Ctx, strategy string, result *cache.ReadResult) error {
	if contentType := inferContentType(result.Entry.Key.Path); contentType != "" {
		c.Set("Content-Type", contentType)
	}
	if result.Entry.SizeBytes > 0 {
		c.Response().Header.SetContentLength(int(result.Entry.SizeBytes))
	}
	c.Set("X-Offline-Strategy", strategy)
	c.Set("X-Offline-Cache", "hit")
	c.Set("X-Offline-Partition", result.Entry.Partition)
	c.Status(fiber.StatusOK)

	if c.Method() == http.MethodHead {
		return nil
	}

	if _, err := io.Copy(c.Response().BodyWriter(), result.Reader); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// fetchUpstream 按原请求方法转发（GET/HEAD 两种读方法走到这里）。
func (w *Worker) fetchUpstream(c fiber.Ctx) (*http.Response, error) {
	req, err := w.buildUpstreamRequest(c, c.Method(), http.NoBody)
	if err != nil {
		return nil, err
	}
	return w.client.Do(req)
}

func (w *Worker) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (w *Worker) logFetch(strategy, method, path string, cacheHit bool, started time.Time, err error) {
	fields := logging.FetchFields(strategy, method, path, cacheHit)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		w.logger.WithFields(fields).Warn("fetch_failed")
		return
	}
	w.logger.WithFields(fields).Info("fetch_complete")
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
		// 前缀配置带尾部斜杠；命中去掉尾斜杠的精确路径同样算数。
		if len(prefix) > 1 && path == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	return false
}

func hasAnySuffix(path string, suffixes []string) bool {
	lower := strings.ToLower(path)
	for _, suffix := range suffixes {
		if suffix != "" && strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return false
}

func acceptsHTML(c fiber.Ctx) bool {
	accept := string(c.Request().Header.Peek(fiber.HeaderAccept))
	return strings.Contains(accept, "text/html")
}

func inferContentType(path string) string {
	clean := stripQueryMarker(path)
	switch {
	case strings.HasSuffix(clean, ".css"):
		return "text/css; charset=utf-8"
	case strings.HasSuffix(clean, ".js"):
		return "text/javascript; charset=utf-8"
	case strings.HasSuffix(clean, ".json"):
		return "application/json"
	case strings.HasSuffix(clean, ".svg"):
		return "image/svg+xml"
	case strings.HasSuffix(clean, ".png"):
		return "image/png"
	case strings.HasSuffix(clean, ".jpg"), strings.HasSuffix(clean, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(clean, ".webp"):
		return "image/webp"
	case strings.HasSuffix(clean, ".ico"):
		return "image/x-icon"
	case strings.HasSuffix(clean, ".woff"):
		return "font/woff"
	case strings.HasSuffix(clean, ".woff2"):
		return "font/woff2"
	default:
		// 无扩展名的路径按文档回放。
		return "text/html; charset=utf-8"
	}
}

func stripQueryMarker(p string) string {
	if idx := strings.Index(p, "/__qs/"); idx >= 0 {
		return p[:idx]
	}
	return p
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}
