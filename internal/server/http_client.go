package server

import (
	"net"
	"net/http"
	"time"

	"github.com/s6ptember/tasks-managment-system/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回共享 http.Client，拦截层的全部上游请求都走它。
// UpstreamTimeout 为零时不设整体超时，网络停滞只能由底层传输自行报错。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	client := &http.Client{Transport: defaultTransport.Clone()}
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		client.Timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}
	return client
}
