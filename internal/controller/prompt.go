package controller

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PromptOutcome 是用户对安装提示的最终选择。
type PromptOutcome string

const (
	PromptAccepted  PromptOutcome = "accepted"
	PromptDismissed PromptOutcome = "dismissed"
)

// PromptState 描述一次安装提示捕获的生命周期：
// captured → shown → consumed，被新捕获顶替的句柄直接进入 consumed。
type PromptState string

const (
	PromptCaptured PromptState = "captured"
	PromptShown    PromptState = "shown"
	PromptConsumed PromptState = "consumed"
)

var (
	// ErrNoPrompt 表示当前没有可触发的安装提示。
	ErrNoPrompt = errors.New("no captured install prompt")
	// ErrPromptConsumed 表示句柄已被使用或顶替，永远不能再触发。
	ErrPromptConsumed = errors.New("install prompt already consumed")
)

// ShowFunc 展示原生安装提示并阻塞到用户做出选择。
type ShowFunc func(ctx context.Context) (PromptOutcome, error)

// PromptHandle 是一次安装提示捕获的单次使用句柄。
type PromptHandle struct {
	id   string
	show ShowFunc

	mu    sync.Mutex
	state PromptState
}

// ID 返回句柄标识。
func (h *PromptHandle) ID() string {
	return h.id
}

// State 返回句柄当前状态。
func (h *PromptHandle) State() PromptState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *PromptHandle) setState(s PromptState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// InstallPrompt 独占持有待触发的安装提示句柄。任何时刻至多一个存活句柄，
// 新的捕获会顶替旧句柄并使其永久失效；触发后无论用户接受与否句柄都被
// 消费，不能复用。
type InstallPrompt struct {
	logger *logrus.Logger

	mu      sync.Mutex
	current *PromptHandle
}

// NewInstallPrompt 创建空的安装提示控制器。
func NewInstallPrompt(logger *logrus.Logger) *InstallPrompt {
	return &InstallPrompt{logger: logger}
}

// Capture 捕获一次新的安装提示。已有未消费句柄时旧句柄被顶替并标记为
// 已消费，之后任何针对它的触发都不可能发生。
func (p *InstallPrompt) Capture(show ShowFunc) *PromptHandle {
	handle := &PromptHandle{
		id:    uuid.NewString(),
		show:  show,
		state: PromptCaptured,
	}

	p.mu.Lock()
	replaced := p.current
	p.current = handle
	p.mu.Unlock()

	if replaced != nil {
		replaced.setState(PromptConsumed)
		p.logger.WithFields(logrus.Fields{
			"action":   "install_prompt",
			"replaced": replaced.id,
			"captured": handle.id,
		}).Debug("prompt_handle_replaced")
	}
	return handle
}

// Pending 返回是否存在可触发的句柄。
func (p *InstallPrompt) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current != nil
}

// Trigger 展示最新捕获的安装提示并等待用户选择。句柄在调用返回前被
// 无条件消费，包括展示出错的情况。
func (p *InstallPrompt) Trigger(ctx context.Context) (PromptOutcome, error) {
	p.mu.Lock()
	handle := p.current
	p.current = nil
	p.mu.Unlock()

	if handle == nil {
		return "", ErrNoPrompt
	}
	if handle.State() == PromptConsumed {
		return "", ErrPromptConsumed
	}

	handle.setState(PromptShown)
	defer handle.setState(PromptConsumed)

	outcome, err := handle.show(ctx)
	if err != nil {
		return "", err
	}

	p.logger.WithFields(logrus.Fields{
		"action":  "install_prompt",
		"handle":  handle.id,
		"outcome": string(outcome),
	}).Info("prompt_resolved")
	return outcome, nil
}
