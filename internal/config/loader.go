package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyWorkerDefaults(&cfg.Worker)
	applyPushDefaults(&cfg.Push)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Worker.QueuePath == "" {
		cfg.Worker.QueuePath = filepath.Join(absStorage, "sync-queue.json")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 8100)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpdateCheckInterval", "60m")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 8100
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpdateCheckInterval.DurationValue() == 0 {
		g.UpdateCheckInterval = Duration(60 * time.Minute)
	}
}

// applyWorkerDefaults 填充拦截层的固定默认集合，与上游任务系统的资源布局对应。
func applyWorkerDefaults(w *WorkerConfig) {
	if w.Scope == "" {
		w.Scope = "/"
	}
	if w.StaticVersion == "" {
		w.StaticVersion = "v3"
	}
	if w.DynamicVersion == "" {
		w.DynamicVersion = "v1"
	}
	if len(w.Precache) == 0 {
		w.Precache = []string{
			"/",
			"/static/css/style.css",
			"/static/js/bootstrap.bundle.min.js",
			"/static/js/htmx.min.js",
			"/static/manifest.json",
			"/static/icons/icon-192x192.png",
			"/static/icons/icon-512x512.png",
			"/users/login/",
		}
	}
	if len(w.BypassPrefixes) == 0 {
		w.BypassPrefixes = []string{"/admin/", "/api/", "/health/"}
	}
	if len(w.StaticPrefixes) == 0 {
		w.StaticPrefixes = []string{"/static/", "/media/"}
	}
	if len(w.AssetExtensions) == 0 {
		w.AssetExtensions = []string{
			".css", ".js", ".png", ".jpg", ".jpeg", ".svg",
			".ico", ".webp", ".woff", ".woff2",
		}
	}
	if w.OfflineFallback == "" {
		w.OfflineFallback = "/"
	}
	if w.SyncTag == "" {
		w.SyncTag = "sync-tasks"
	}

	for i, prefix := range w.BypassPrefixes {
		w.BypassPrefixes[i] = normalizePrefix(prefix)
	}
	for i, prefix := range w.StaticPrefixes {
		w.StaticPrefixes[i] = normalizePrefix(prefix)
	}
	for i, ext := range w.AssetExtensions {
		w.AssetExtensions[i] = strings.ToLower(strings.TrimSpace(ext))
	}
}

func applyPushDefaults(p *PushConfig) {
	if p.Title == "" {
		p.Title = "Task Manager"
	}
	if p.DefaultBody == "" {
		p.DefaultBody = "You have new task updates"
	}
	if p.Icon == "" {
		p.Icon = "/static/icons/icon-192x192.png"
	}
	if p.Badge == "" {
		p.Badge = "/static/icons/icon-96x96.png"
	}
	if len(p.Vibration) == 0 {
		p.Vibration = []int{100, 50, 100}
	}
	if p.Tag == "" {
		p.Tag = "task-notification"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

// normalizePrefix 保证路径前缀以 / 开头、以 / 结尾，便于 strings.HasPrefix 匹配。
func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return prefix
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
