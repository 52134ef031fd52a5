package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"60m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为，网关进程内所有组件共享同一份参数。
type GlobalConfig struct {
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	StoragePath         string   `mapstructure:"StoragePath"`
	UpstreamTimeout     Duration `mapstructure:"UpstreamTimeout"`
	MaxRetries          int      `mapstructure:"MaxRetries"`
	InitialBackoff      Duration `mapstructure:"InitialBackoff"`
	UpdateCheckInterval Duration `mapstructure:"UpdateCheckInterval"`
}

// WorkerConfig 决定拦截层如何划分请求、命名分区以及预缓存哪些资源。
type WorkerConfig struct {
	Scope           string   `mapstructure:"Scope"`
	Upstream        string   `mapstructure:"Upstream"`
	StaticVersion   string   `mapstructure:"StaticVersion"`
	DynamicVersion  string   `mapstructure:"DynamicVersion"`
	Precache        []string `mapstructure:"Precache"`
	BypassPrefixes  []string `mapstructure:"BypassPrefixes"`
	StaticPrefixes  []string `mapstructure:"StaticPrefixes"`
	AssetExtensions []string `mapstructure:"AssetExtensions"`
	OfflineFallback string   `mapstructure:"OfflineFallback"`
	SyncTag         string   `mapstructure:"SyncTag"`
	QueuePath       string   `mapstructure:"QueuePath"`
}

// PushConfig 定义推送通知的固定展示参数，body 为空时使用 DefaultBody。
type PushConfig struct {
	Title       string `mapstructure:"Title"`
	DefaultBody string `mapstructure:"DefaultBody"`
	Icon        string `mapstructure:"Icon"`
	Badge       string `mapstructure:"Badge"`
	Vibration   []int  `mapstructure:"Vibration"`
	Tag         string `mapstructure:"Tag"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Worker WorkerConfig `mapstructure:"Worker"`
	Push   PushConfig   `mapstructure:"Push"`
}

// StaticPartition 返回当前静态分区名，分区名内嵌版本令牌。
func (w WorkerConfig) StaticPartition() string {
	return "static-" + w.StaticVersion
}

// DynamicPartition 返回当前动态分区名。
func (w WorkerConfig) DynamicPartition() string {
	return "dynamic-" + w.DynamicVersion
}

// CurrentPartitions 返回激活周期结束后允许存在的分区集合。
func (w WorkerConfig) CurrentPartitions() []string {
	return []string{w.StaticPartition(), w.DynamicPartition()}
}
