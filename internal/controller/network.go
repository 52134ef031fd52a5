package controller

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/s6ptember/tasks-managment-system/internal/notify"
)

// 离线提示使用独立 tag，不与推送通知互相顶替。
const networkAdvisoryTag = "network-status"

// RegisterSyncFunc 在恢复联网时登记一次后台同步。
type RegisterSyncFunc func(ctx context.Context, tag string)

// NetworkObserver 跟踪联网状态：断网时通过前台通知面提醒用户，恢复联网
// 时登记 sync-tasks 后台同步，把离线期间积压的变更推回应用 API。
type NetworkObserver struct {
	syncTag      string
	registerSync RegisterSyncFunc
	notifier     notify.Notifier
	logger       *logrus.Logger

	mu     sync.Mutex
	online bool
}

// NewNetworkObserver 创建观察器，初始状态视为在线。
func NewNetworkObserver(syncTag string, registerSync RegisterSyncFunc, notifier notify.Notifier, logger *logrus.Logger) *NetworkObserver {
	return &NetworkObserver{
		syncTag:      syncTag,
		registerSync: registerSync,
		notifier:     notifier,
		logger:       logger,
		online:       true,
	}
}

// Online 返回当前联网状态。
func (o *NetworkObserver) Online() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.online
}

// SetOnline 记录一次联网状态变化；重复设置同一状态是无操作。
func (o *NetworkObserver) SetOnline(ctx context.Context, online bool) {
	o.mu.Lock()
	if o.online == online {
		o.mu.Unlock()
		return
	}
	o.online = online
	o.mu.Unlock()

	fields := logrus.Fields{"action": "network", "online": online}

	if online {
		o.notifier.Dismiss(networkAdvisoryTag)
		o.registerSync(ctx, o.syncTag)
		o.logger.WithFields(fields).Info("network_restored")
		return
	}

	if err := o.notifier.Show(notify.Notification{
		Title: "Offline",
		Body:  "Connection lost. Changes will sync when you are back online.",
		Tag:   networkAdvisoryTag,
	}); err != nil {
		o.logger.WithFields(fields).WithError(err).Warn("advisory_display_failed")
	}
	o.logger.WithFields(fields).Warn("network_lost")
}
