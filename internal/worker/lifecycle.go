package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/s6ptember/tasks-managment-system/internal/cache"
	"github.com/s6ptember/tasks-managment-system/internal/logging"
	"github.com/s6ptember/tasks-managment-system/internal/runtime"
)

// HandleInstall 在暂存分区内并发预取清单资源，任何一个失败即整体放弃，
// 不留下部分填充的分区；全部成功后才原子提交并请求立即激活。
func (w *Worker) HandleInstall(ctx context.Context, evt *runtime.Event) error {
	staged, err := w.store.Stage(ctx, w.cfg.StaticPartition())
	if err != nil {
		return fmt.Errorf("stage static partition: %w", err)
	}

	evt.WaitUntil(func() error {
		g, gctx := errgroup.WithContext(ctx)
		for _, resource := range w.cfg.Precache {
			g.Go(func() error {
				return w.precacheResource(gctx, staged, resource)
			})
		}

		if err := g.Wait(); err != nil {
			_ = staged.Discard(context.WithoutCancel(ctx))
			w.logger.WithFields(logging.LifecycleFields("install")).
				WithError(err).Error("install_failed")
			return err
		}

		if err := staged.Commit(ctx); err != nil {
			_ = staged.Discard(context.WithoutCancel(ctx))
			return fmt.Errorf("commit static partition: %w", err)
		}

		fields := logging.LifecycleFields("install")
		fields["partition"] = w.cfg.StaticPartition()
		fields["resources"] = len(w.cfg.Precache)
		w.logger.WithFields(fields).Info("install_complete")
		return nil
	})
	return nil
}

func (w *Worker) precacheResource(ctx context.Context, partition cache.Partition, resource string) error {
	resp, err := w.fetchResource(ctx, resource)
	if err != nil {
		return fmt.Errorf("precache %s: %w", resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("precache %s: unexpected status %d", resource, resp.StatusCode)
	}

	key := cache.Key{Path: normalizeRequestPath(resource), Method: http.MethodGet}
	opts := cache.PutOptions{ModTime: extractModTime(resp.Header)}
	if _, err := partition.Put(ctx, key, resp.Body, opts); err != nil {
		return fmt.Errorf("precache %s: %w", resource, err)
	}
	return nil
}

// HandleActivate 清理所有版本不匹配的分区，然后立即接管全部前台上下文。
// 清理推迟到新版本就绪后执行，在途的旧版本请求不会被打断。
func (w *Worker) HandleActivate(ctx context.Context, evt *runtime.Event) error {
	evt.WaitUntil(func() error {
		names, err := w.store.Names(ctx)
		if err != nil {
			return fmt.Errorf("enumerate partitions: %w", err)
		}

		keep := make(map[string]struct{}, 2)
		for _, name := range w.cfg.CurrentPartitions() {
			keep[name] = struct{}{}
		}

		for _, name := range names {
			if _, ok := keep[name]; ok {
				continue
			}
			if err := w.store.Delete(ctx, name); err != nil {
				return fmt.Errorf("purge partition %s: %w", name, err)
			}
			fields := logging.LifecycleFields("activate")
			fields["partition"] = name
			w.logger.WithFields(fields).Info("partition_purged")
		}

		w.host.ClaimClients()
		w.logger.WithFields(logging.LifecycleFields("activate")).Info("activate_complete")
		return nil
	})
	return nil
}
