package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动网关。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.UpdateCheckInterval.DurationValue() <= 0 {
		return newFieldError("Global.UpdateCheckInterval", "必须大于 0")
	}

	if err := c.Worker.validate(); err != nil {
		return err
	}
	return c.Push.validate()
}

func (w WorkerConfig) validate() error {
	// 注册范围固定在应用根路径，其它取值说明配置写错了地方。
	if w.Scope != "/" {
		return newFieldError("Worker.Scope", "仅支持根路径 /")
	}
	if w.Upstream == "" {
		return newFieldError("Worker.Upstream", "不能为空")
	}
	parsed, err := url.Parse(w.Upstream)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return newFieldError("Worker.Upstream", fmt.Sprintf("不是合法的 URL: %s", w.Upstream))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return newFieldError("Worker.Upstream", "仅支持 http/https")
	}

	if strings.TrimSpace(w.StaticVersion) == "" {
		return newFieldError("Worker.StaticVersion", "不能为空")
	}
	if strings.TrimSpace(w.DynamicVersion) == "" {
		return newFieldError("Worker.DynamicVersion", "不能为空")
	}

	if len(w.Precache) == 0 {
		return newFieldError("Worker.Precache", "清单不能为空")
	}
	for _, resource := range w.Precache {
		if !strings.HasPrefix(resource, "/") {
			return newFieldError("Worker.Precache", fmt.Sprintf("资源路径必须以 / 开头: %s", resource))
		}
	}

	// 离线 HTML 回退依赖预缓存的根文档；清单缺失该资源时离线导航会
	// 无声失败，所以在加载阶段直接拒绝这类配置。
	if !containsPath(w.Precache, w.OfflineFallback) {
		return newFieldError("Worker.OfflineFallback",
			fmt.Sprintf("回退文档 %s 必须出现在 Precache 清单中", w.OfflineFallback))
	}

	if strings.TrimSpace(w.SyncTag) == "" {
		return newFieldError("Worker.SyncTag", "不能为空")
	}
	return nil
}

func (p PushConfig) validate() error {
	if strings.TrimSpace(p.Tag) == "" {
		return newFieldError("Push.Tag", "不能为空")
	}
	for _, v := range p.Vibration {
		if v < 0 {
			return newFieldError("Push.Vibration", "振动时长不能为负数")
		}
	}
	return nil
}

func containsPath(paths []string, target string) bool {
	for _, p := range paths {
		if p == target {
			return true
		}
	}
	return false
}
