package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/s6ptember/tasks-managment-system/internal/logging"
	"github.com/s6ptember/tasks-managment-system/internal/runtime"
	"github.com/s6ptember/tasks-managment-system/internal/syncqueue"
)

// HandleSync 响应后台同步事件。只识别配置的标签（sync-tasks），其余标签
// 忽略并留给未来使用。排空过程逐条标记完成，宿主重投递时已完成的条目
// 不会被重放。
func (w *Worker) HandleSync(ctx context.Context, evt *runtime.Event, tag string) error {
	if tag != w.cfg.SyncTag {
		fields := logging.LifecycleFields("sync")
		fields["tag"] = tag
		w.logger.WithFields(fields).Debug("sync_tag_ignored")
		return nil
	}

	evt.WaitUntil(func() error {
		return w.drainSyncQueue(ctx)
	})
	return nil
}

func (w *Worker) drainSyncQueue(ctx context.Context) error {
	if w.queue == nil {
		return nil
	}

	pending := w.queue.Pending()
	for _, item := range pending {
		if err := w.replayItem(ctx, item); err != nil {
			fields := logging.LifecycleFields("sync")
			fields["item"] = item.ID
			fields["path"] = item.Path
			w.logger.WithFields(fields).WithError(err).Warn("sync_item_failed")
			return err
		}
		if err := w.queue.MarkDone(item.ID); err != nil {
			return fmt.Errorf("mark sync item done: %w", err)
		}
	}

	fields := logging.LifecycleFields("sync")
	fields["drained"] = len(pending)
	w.logger.WithFields(fields).Info("sync_complete")
	return nil
}

// replayItem 将排队的变更原样重放给应用 API。
func (w *Worker) replayItem(ctx context.Context, item syncqueue.Item) error {
	method := item.Method
	if method == "" {
		method = http.MethodPost
	}

	target := w.upstream.ResolveReference(&url.URL{Path: item.Path})
	var body io.Reader = http.NoBody
	if len(item.Body) > 0 {
		body = bytes.NewReader(item.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return err
	}
	if len(item.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("replay %s %s: status %d", method, item.Path, resp.StatusCode)
	}
	return nil
}
