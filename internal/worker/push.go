package worker

import (
	"context"
	"strings"

	"github.com/s6ptember/tasks-managment-system/internal/logging"
	"github.com/s6ptember/tasks-managment-system/internal/notify"
	"github.com/s6ptember/tasks-managment-system/internal/runtime"
)

// HandlePush 展示推送通知。载荷按纯文本解析，为空时使用固定默认正文；
// 稳定的 tag 让重复推送合并为一条通知。展示失败仅记日志，不影响生命周期。
func (w *Worker) HandlePush(ctx context.Context, evt *runtime.Event, payload []byte) error {
	body := strings.TrimSpace(string(payload))
	if body == "" {
		body = w.push.DefaultBody
	}

	evt.WaitUntil(func() error {
		err := w.notifier.Show(notify.Notification{
			Title:     w.push.Title,
			Body:      body,
			Icon:      w.push.Icon,
			Badge:     w.push.Badge,
			Tag:       w.push.Tag,
			Vibration: w.push.Vibration,
		})
		if err != nil {
			fields := logging.LifecycleFields("push")
			fields["tag"] = w.push.Tag
			w.logger.WithFields(fields).WithError(err).Warn("notification_display_failed")
		}
		return nil
	})
	return nil
}

// HandleNotificationClick 关闭通知并聚焦（或打开）根路径下的应用窗口。
func (w *Worker) HandleNotificationClick(ctx context.Context, evt *runtime.Event, tag string) error {
	if tag == "" {
		tag = w.push.Tag
	}
	w.notifier.Dismiss(tag)

	evt.WaitUntil(func() error {
		client := w.host.FocusOrOpen(w.cfg.Scope)
		fields := logging.LifecycleFields("notificationclick")
		fields["client"] = client.ID
		w.logger.WithFields(fields).Info("client_focused")
		return nil
	})
	return nil
}
