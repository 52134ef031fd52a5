package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/s6ptember/tasks-managment-system/internal/bridge"
)

// State 是注册对象的生命周期状态。
type State string

const (
	StateNone             State = "none"
	StateInstalling       State = "installing"
	StateInstalledWaiting State = "installed-waiting"
	StateActive           State = "active"
)

// Worker 是拦截层必须实现的生命周期接口。除 fetch（直接走 HTTP 面）外，
// 其余事件都由宿主经此接口投递。
type Worker interface {
	// Version 返回 worker 的版本令牌，宿主据此检测升级。
	Version() string

	// Bind 在注册开始时注入宿主句柄，worker 通过它请求 skip-waiting、
	// claim 客户端等宿主能力。
	Bind(host Host)

	HandleInstall(ctx context.Context, evt *Event) error
	HandleActivate(ctx context.Context, evt *Event) error
	HandleSync(ctx context.Context, evt *Event, tag string) error
	HandlePush(ctx context.Context, evt *Event, payload []byte) error
	HandleNotificationClick(ctx context.Context, evt *Event, tag string) error
	HandleMessage(ctx context.Context, msg bridge.Message) error
}

// Host 暴露给 worker 的宿主能力子集。
type Host interface {
	SkipWaiting(ctx context.Context) error
	ClaimClients()
	FocusOrOpen(path string) *Client
}

// Registration 表示一次 worker 注册及其状态；状态由宿主独占修改。
type Registration struct {
	mu      sync.Mutex
	version string
	state   State
}

// Version 返回注册对应的版本令牌。
func (r *Registration) Version() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// State 返回当前生命周期状态。
func (r *Registration) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Registration) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// StateChange 通过 StateEvents 通道告知前台控制器状态迁移。
type StateChange struct {
	Version string
	State   State
}

// Options 控制 sync 事件的重投递策略。
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
}

var (
	// ErrNoActiveWorker 表示尚无激活的 worker 可以接收事件。
	ErrNoActiveWorker = errors.New("no active worker")
	// ErrSyncExhausted 表示 sync 事件在允许的重试次数内始终失败。
	ErrSyncExhausted = errors.New("sync retries exhausted")
)

// Runtime 是浏览器宿主的进程内等价物：持有注册状态机、串行投递生命周期
// 事件、等待事件挂起的异步工作、按退避策略重投递 sync，并管理前台客户端
// 与推送订阅。
type Runtime struct {
	logger  *logrus.Logger
	clients *Clients
	opts    Options

	// dispatchMu 串行化事件投递，模拟单线程协作式调度：处理器本体顺序
	// 执行，异步工作单元照常并发。
	dispatchMu sync.Mutex

	mu          sync.Mutex
	active      Worker
	activeReg   *Registration
	waiting     Worker
	waitingReg  *Registration
	skipPending bool
	pendingSync map[string]struct{}
	sub         *Subscription

	states chan StateChange
}

// New 构造宿主运行时。
func New(logger *logrus.Logger, opts Options) *Runtime {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	return &Runtime{
		logger:      logger,
		clients:     NewClients(),
		opts:        opts,
		pendingSync: make(map[string]struct{}),
		states:      make(chan StateChange, 16),
	}
}

// Clients 返回前台客户端注册表。
func (r *Runtime) Clients() *Clients {
	return r.clients
}

// StateEvents 返回状态迁移通知通道；消费端不及时时旧通知会被丢弃。
func (r *Runtime) StateEvents() <-chan StateChange {
	return r.states
}

// Register 注册（或升级到）给定 worker：执行 install，成功后进入
// installed-waiting；当没有激活的前任、没有任何受控页面或 worker 请求了
// skip-waiting 时立即激活。等待阶段只保护仍被旧版本控制的页面，没人受控
// 时新版本直接接管。安装失败不内部重试，由下一轮更新检查按宿主策略重来。
func (r *Runtime) Register(ctx context.Context, w Worker) (*Registration, error) {
	r.mu.Lock()
	if r.active != nil && r.active.Version() == w.Version() {
		reg := r.activeReg
		r.mu.Unlock()
		return reg, nil
	}
	if r.waiting != nil && r.waiting.Version() == w.Version() {
		reg := r.waitingReg
		r.mu.Unlock()
		return reg, nil
	}
	r.skipPending = false
	r.mu.Unlock()

	w.Bind(r)

	reg := &Registration{version: w.Version(), state: StateInstalling}
	r.publish(StateChange{Version: w.Version(), State: StateInstalling})

	if err := r.dispatch(ctx, "install", func(evt *Event) error {
		return w.HandleInstall(ctx, evt)
	}); err != nil {
		reg.setState(StateNone)
		r.publish(StateChange{Version: w.Version(), State: StateNone})
		return nil, err
	}

	reg.setState(StateInstalledWaiting)
	r.mu.Lock()
	r.waiting = w
	r.waitingReg = reg
	skip := r.skipPending || r.active == nil || !r.clients.HasControlled()
	r.mu.Unlock()
	r.publish(StateChange{Version: w.Version(), State: StateInstalledWaiting})

	if skip {
		if err := r.activateWaiting(ctx); err != nil {
			return reg, err
		}
	}
	return reg, nil
}

// SkipWaiting 立即激活处于等待状态的 worker；若安装尚未完成则记录请求，
// 待安装成功后生效。
func (r *Runtime) SkipWaiting(ctx context.Context) error {
	r.mu.Lock()
	hasWaiting := r.waiting != nil
	if !hasWaiting {
		r.skipPending = true
	}
	r.mu.Unlock()

	if !hasWaiting {
		return nil
	}
	return r.activateWaiting(ctx)
}

// activateWaiting 投递 activate 事件并完成 waiting → active 的切换。
// 过期分区的清理在 activate 处理器内完成，在途的旧版本请求不受影响。
func (r *Runtime) activateWaiting(ctx context.Context) error {
	r.mu.Lock()
	w := r.waiting
	reg := r.waitingReg
	r.mu.Unlock()
	if w == nil {
		return nil
	}

	if err := r.dispatch(ctx, "activate", func(evt *Event) error {
		return w.HandleActivate(ctx, evt)
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.active = w
	r.activeReg = reg
	r.waiting = nil
	r.waitingReg = nil
	r.skipPending = false
	r.mu.Unlock()

	reg.setState(StateActive)
	r.publish(StateChange{Version: w.Version(), State: StateActive})
	return nil
}

// ClaimClients 实现 Host，使所有前台上下文立即受控。
func (r *Runtime) ClaimClients() {
	r.clients.ClaimAll()
}

// FocusOrOpen 实现 Host。
func (r *Runtime) FocusOrOpen(path string) *Client {
	return r.clients.FocusOrOpen(path)
}

// Active 返回当前激活的 worker（可能为 nil）。
func (r *Runtime) Active() Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ActiveVersion 返回激活 worker 的版本令牌，没有时为空串。
func (r *Runtime) ActiveVersion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ""
	}
	return r.active.Version()
}

// WaitingVersion 返回等待激活的版本令牌，没有时为空串。
func (r *Runtime) WaitingVersion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting == nil {
		return ""
	}
	return r.waiting.Version()
}

// DeliverPush 向激活的 worker 投递一条推送。
func (r *Runtime) DeliverPush(ctx context.Context, payload []byte) error {
	w := r.Active()
	if w == nil {
		return ErrNoActiveWorker
	}
	return r.dispatch(ctx, "push", func(evt *Event) error {
		return w.HandlePush(ctx, evt, payload)
	})
}

// NotificationClick 向激活的 worker 投递通知点击事件。
func (r *Runtime) NotificationClick(ctx context.Context, tag string) error {
	w := r.Active()
	if w == nil {
		return ErrNoActiveWorker
	}
	return r.dispatch(ctx, "notificationclick", func(evt *Event) error {
		return w.HandleNotificationClick(ctx, evt, tag)
	})
}

// RegisterSync 登记一次后台同步请求。宿主负责按退避策略重投递 sync 事件
// 直至处理器成功；同 tag 的重复登记在完成前会被合并。
func (r *Runtime) RegisterSync(ctx context.Context, tag string) {
	r.mu.Lock()
	if _, exists := r.pendingSync[tag]; exists {
		r.mu.Unlock()
		return
	}
	r.pendingSync[tag] = struct{}{}
	r.mu.Unlock()

	go r.runSync(ctx, tag)
}

func (r *Runtime) runSync(ctx context.Context, tag string) {
	defer func() {
		r.mu.Lock()
		delete(r.pendingSync, tag)
		r.mu.Unlock()
	}()

	backoff := r.opts.InitialBackoff
	for attempt := 0; ; attempt++ {
		w := r.Active()
		if w == nil {
			r.logFields(logrus.Fields{"action": "sync", "tag": tag}).
				Warn("sync_no_active_worker")
			return
		}

		err := r.dispatch(ctx, "sync", func(evt *Event) error {
			return w.HandleSync(ctx, evt, tag)
		})
		if err == nil {
			return
		}

		r.logFields(logrus.Fields{
			"action":  "sync",
			"tag":     tag,
			"attempt": attempt + 1,
		}).Warn(err.Error())

		if attempt >= r.opts.MaxRetries {
			r.logFields(logrus.Fields{"action": "sync", "tag": tag}).
				Error(ErrSyncExhausted.Error())
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}
}

// AttachBus 启动消息泵：把桥上的控制消息逐条投递给当前 worker。
func (r *Runtime) AttachBus(ctx context.Context, bus *bridge.Bus) {
	go func() {
		for {
			select {
			case msg := <-bus.Receive():
				w := r.Active()
				if w == nil {
					r.mu.Lock()
					w = r.waiting
					r.mu.Unlock()
				}
				if w == nil {
					continue
				}
				if err := w.HandleMessage(ctx, msg); err != nil {
					r.logFields(logrus.Fields{"action": "message", "op": msg.Op}).
						Warn(err.Error())
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// dispatch 串行投递一个事件，并等待处理器挂起的全部异步工作完成。
func (r *Runtime) dispatch(ctx context.Context, name string, deliver func(*Event) error) error {
	evt := NewEvent(name)

	r.dispatchMu.Lock()
	err := deliver(evt)
	r.dispatchMu.Unlock()

	waitErr := evt.Wait()
	if err != nil {
		return err
	}
	return waitErr
}

func (r *Runtime) publish(change StateChange) {
	select {
	case r.states <- change:
	default:
		// 消费端落后时丢弃本条通知，控制器下次轮询会追平。
	}
}

func (r *Runtime) logFields(fields logrus.Fields) *logrus.Entry {
	if r.logger == nil {
		l := logrus.New()
		return l.WithFields(fields)
	}
	return r.logger.WithFields(fields)
}
