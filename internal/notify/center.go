// Package notify implements the user-facing notification channel shared by the
// interception worker (push display) and the registration controller (offline
// advisories, update prompts). Notifications coalesce by tag: showing a
// notification with an existing tag replaces it instead of stacking a new one.
package notify

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Notification 描述一条用户可见通知的固定展示参数。
type Notification struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Icon      string `json:"icon,omitempty"`
	Badge     string `json:"badge,omitempty"`
	Tag       string `json:"tag"`
	Vibration []int  `json:"vibration,omitempty"`
	ShownAt   time.Time
}

// Notifier 是通知展示端的最小接口，便于测试注入失败实现。
type Notifier interface {
	Show(n Notification) error
	Dismiss(tag string)
}

// Center 持有当前活跃通知，并将展示动作写入结构化日志。
type Center struct {
	logger *logrus.Logger
	now    func() time.Time

	mu    sync.Mutex
	byTag map[string]Notification
}

// NewCenter 创建以 logger 为输出端的通知中心。
func NewCenter(logger *logrus.Logger) *Center {
	return &Center{
		logger: logger,
		now:    time.Now,
		byTag:  make(map[string]Notification),
	}
}

// Show 展示通知；同 tag 的旧通知被整体替换。
func (c *Center) Show(n Notification) error {
	n.ShownAt = c.now()

	c.mu.Lock()
	_, replaced := c.byTag[n.Tag]
	c.byTag[n.Tag] = n
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.WithFields(logrus.Fields{
			"action":   "notification",
			"tag":      n.Tag,
			"title":    n.Title,
			"replaced": replaced,
		}).Info(n.Body)
	}
	return nil
}

// Dismiss 按 tag 移除通知，tag 不存在时静默返回。
func (c *Center) Dismiss(tag string) {
	c.mu.Lock()
	delete(c.byTag, tag)
	c.mu.Unlock()
}

// Active 返回当前活跃通知的快照，供状态端点与测试使用。
func (c *Center) Active() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Notification, 0, len(c.byTag))
	for _, n := range c.byTag {
		result = append(result, n)
	}
	return result
}

// ByTag 返回指定 tag 的活跃通知。
func (c *Center) ByTag(tag string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.byTag[tag]
	return n, ok
}
