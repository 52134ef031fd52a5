package worker

import (
	"context"
	"fmt"

	"github.com/s6ptember/tasks-managment-system/internal/bridge"
	"github.com/s6ptember/tasks-managment-system/internal/logging"
)

// HandleMessage 处理前台经消息桥下发的控制指令；未知指令直接忽略。
func (w *Worker) HandleMessage(ctx context.Context, msg bridge.Message) error {
	switch msg.Op {
	case bridge.OpSkipWaiting:
		return w.host.SkipWaiting(ctx)
	case bridge.OpClearCache:
		return w.clearAllPartitions(ctx)
	default:
		fields := logging.LifecycleFields("message")
		fields["op"] = msg.Op
		w.logger.WithFields(fields).Debug("message_op_ignored")
		return nil
	}
}

// clearAllPartitions 删除全部分区，不区分版本新旧。分区命名不可知，
// 因此先枚举再逐个删除，任一失败即返回错误。
func (w *Worker) clearAllPartitions(ctx context.Context) error {
	names, err := w.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		if err := w.store.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete partition %s: %w", name, err)
		}
		fields := logging.LifecycleFields("message")
		fields["partition"] = name
		w.logger.WithFields(fields).Info("partition_cleared")
	}
	return nil
}
