package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// FetchFields 提供请求路由日志的公共字段，供拦截层复用。
func FetchFields(strategy, method, path string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"action":    "fetch",
		"strategy":  strategy,
		"method":    method,
		"path":      path,
		"cache_hit": cacheHit,
	}
}

// LifecycleFields 提供 install/activate/sync 等生命周期事件的公共字段。
func LifecycleFields(event string) logrus.Fields {
	return logrus.Fields{
		"action": "lifecycle",
		"event":  event,
	}
}
