package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/s6ptember/tasks-managment-system/internal/bridge"
	"github.com/s6ptember/tasks-managment-system/internal/notify"
	"github.com/s6ptember/tasks-managment-system/internal/runtime"
)

// WorkerFactory 构造一个新的拦截层实例。更新检查每次都通过工厂拿到
// 最新版本，宿主按版本令牌决定是否真正走升级流程。
type WorkerFactory func() (runtime.Worker, error)

// UpdateDecider 在新版本就绪、且旧版本仍在控制页面时询问是否立即切换。
// 返回 true 表示接受更新（强制激活并整页刷新），false 表示推迟到下次
// 自然加载。
type UpdateDecider func(current, next string) bool

// Options 汇总构造 Controller 所需的依赖。
type Options struct {
	Runtime  *runtime.Runtime
	Bus      *bridge.Bus
	Factory  WorkerFactory
	Notifier notify.Notifier
	Logger   *logrus.Logger

	// UpdateInterval 是周期性更新检查的间隔。
	UpdateInterval time.Duration
	// SyncTag 是恢复联网时登记的后台同步标签。
	SyncTag string

	// DecideUpdate 为空时默认接受所有更新。
	DecideUpdate UpdateDecider
	// RequestPermission 为空时默认视为已授权。
	RequestPermission PermissionRequester
}

// Controller 是前台侧的注册控制器：注册并升级拦截层、周期性检查更新、
// 驱动更新提示与整页刷新，并持有安装提示与联网观察两个子状态机。
type Controller struct {
	runtime  *runtime.Runtime
	bus      *bridge.Bus
	factory  WorkerFactory
	notifier notify.Notifier
	logger   *logrus.Logger

	updateInterval    time.Duration
	decideUpdate      UpdateDecider
	requestPermission PermissionRequester

	prompt  *InstallPrompt
	network *NetworkObserver

	mu            sync.Mutex
	pendingReload string
}

// New 构造注册控制器。
func New(opts Options) (*Controller, error) {
	if opts.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bridge bus is required")
	}
	if opts.Factory == nil {
		return nil, errors.New("worker factory is required")
	}
	if opts.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = time.Hour
	}
	if opts.DecideUpdate == nil {
		opts.DecideUpdate = func(current, next string) bool { return true }
	}
	if opts.RequestPermission == nil {
		opts.RequestPermission = func(ctx context.Context) (Permission, error) {
			return PermissionGranted, nil
		}
	}

	c := &Controller{
		runtime:           opts.Runtime,
		bus:               opts.Bus,
		factory:           opts.Factory,
		notifier:          opts.Notifier,
		logger:            opts.Logger,
		updateInterval:    opts.UpdateInterval,
		decideUpdate:      opts.DecideUpdate,
		requestPermission: opts.RequestPermission,
		prompt:            NewInstallPrompt(opts.Logger),
	}
	c.network = NewNetworkObserver(opts.SyncTag, opts.Runtime.RegisterSync, opts.Notifier, opts.Logger)
	return c, nil
}

// Prompt 返回安装提示控制器。
func (c *Controller) Prompt() *InstallPrompt {
	return c.prompt
}

// Network 返回联网状态观察器。
func (c *Controller) Network() *NetworkObserver {
	return c.network
}

// Start 完成首次注册并启动后台循环：状态监听、消息泵和周期性更新检查。
// 首次注册失败会向上返回，宿主按自身策略决定何时重来。
func (c *Controller) Start(ctx context.Context) error {
	c.runtime.AttachBus(ctx, c.bus)
	go c.watchStates(ctx)
	go c.pollUpdates(ctx)

	return c.CheckForUpdate(ctx)
}

// CheckForUpdate 构造最新版本的 worker 并注册。版本未变化时注册是幂等
// 的；版本变化时走 install → installed-waiting 的升级路径，切换时机由
// 状态监听循环决定。
func (c *Controller) CheckForUpdate(ctx context.Context) error {
	w, err := c.factory()
	if err != nil {
		return err
	}

	fields := logrus.Fields{"action": "update_check", "version": w.Version()}
	if _, err := c.runtime.Register(ctx, w); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("register_failed")
		return err
	}
	c.logger.WithFields(fields).Debug("update_check_complete")
	return nil
}

func (c *Controller) pollUpdates(ctx context.Context) {
	ticker := time.NewTicker(c.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.CheckForUpdate(ctx); err != nil {
				c.logger.WithFields(logrus.Fields{"action": "update_check"}).
					WithError(err).Warn("periodic_check_failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// watchStates 消费宿主的状态迁移：新版本到达 installed-waiting 且旧版本
// 仍在控制页面时触发更新决策；接受后强制激活，激活完成再整页刷新。
func (c *Controller) watchStates(ctx context.Context) {
	for {
		select {
		case change := <-c.runtime.StateEvents():
			c.handleStateChange(ctx, change)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleStateChange(ctx context.Context, change runtime.StateChange) {
	switch change.State {
	case runtime.StateInstalledWaiting:
		c.maybePromptUpdate(ctx, change.Version)
	case runtime.StateActive:
		c.maybeReload(change.Version)
	}
}

func (c *Controller) maybePromptUpdate(ctx context.Context, next string) {
	current := c.runtime.ActiveVersion()
	if current == "" || current == next {
		return
	}
	if !c.runtime.Clients().HasControlled() {
		// 没有受控页面时宿主直接激活新版本，这里无需提示。
		return
	}

	fields := logrus.Fields{"action": "update", "current": current, "next": next}
	if !c.decideUpdate(current, next) {
		c.logger.WithFields(fields).Info("update_deferred")
		return
	}

	c.mu.Lock()
	c.pendingReload = next
	c.mu.Unlock()

	if err := c.bus.Post(ctx, bridge.Message{Op: bridge.OpSkipWaiting}); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("skip_waiting_post_failed")
		return
	}
	c.logger.WithFields(fields).Info("update_accepted")
}

func (c *Controller) maybeReload(version string) {
	c.mu.Lock()
	pending := c.pendingReload
	if pending == version {
		c.pendingReload = ""
	}
	c.mu.Unlock()

	if pending != version {
		return
	}

	c.runtime.Clients().ReloadAll()
	c.logger.WithFields(logrus.Fields{"action": "update", "version": version}).
		Info("clients_reloaded")
}
