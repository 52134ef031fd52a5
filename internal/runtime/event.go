package runtime

import (
	"errors"
	"sync"
)

// Event 对应一次生命周期事件的投递。处理器通过 WaitUntil 把异步工作挂到
// 事件上；宿主在事件全部工作结束前不会回收 worker，避免写缓存等在途操作
// 被中途丢弃。
type Event struct {
	name string

	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewEvent 构造指定类型的事件。正常情况下由宿主在投递时创建，导出给
// 直接驱动处理器的测试使用。
func NewEvent(name string) *Event {
	return &Event{name: name}
}

// Name 返回事件类型（install/activate/fetch/sync/push/…）。
func (e *Event) Name() string {
	return e.name
}

// WaitUntil 注册一段必须在事件结束前完成的异步工作。
func (e *Event) WaitUntil(fn func() error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// Wait 阻塞到所有挂起工作完成，并合并其中的错误。
func (e *Event) Wait() error {
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}
