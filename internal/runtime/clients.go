package runtime

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Client 代表一个已连接的前台上下文（页面）。Controlled 表示该上下文的
// 请求是否由当前激活的 worker 拦截。
type Client struct {
	ID         string `json:"id"`
	Path       string `json:"path"`
	Focused    bool   `json:"focused"`
	Controlled bool   `json:"controlled"`
}

// Clients 管理全部前台上下文；worker 激活时借助 ClaimAll 立即接管。
type Clients struct {
	mu   sync.Mutex
	list map[string]*Client
}

// NewClients 创建空的客户端注册表。
func NewClients() *Clients {
	return &Clients{list: make(map[string]*Client)}
}

// Connect 注册一个新的前台上下文。新上下文默认不受控，等待激活或 claim。
func (c *Clients) Connect(path string, controlled bool) *Client {
	client := &Client{
		ID:         uuid.NewString(),
		Path:       path,
		Controlled: controlled,
	}

	c.mu.Lock()
	c.list[client.ID] = client
	c.mu.Unlock()
	return client
}

// Disconnect 移除指定上下文；页面离开不会影响已经排队的缓存写入。
func (c *Clients) Disconnect(id string) {
	c.mu.Lock()
	delete(c.list, id)
	c.mu.Unlock()
}

// ClaimAll 使所有上下文立即受控，无需等待重新加载。
func (c *Clients) ClaimAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.list {
		client.Controlled = true
	}
}

// ReloadAll 模拟整页刷新：所有上下文重新受控并失去焦点状态。
func (c *Clients) ReloadAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.list {
		client.Controlled = true
		client.Focused = false
	}
}

// FocusOrOpen 将已有上下文聚焦到指定路径；不存在时打开一个新窗口。
func (c *Clients) FocusOrOpen(path string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, client := range c.list {
		client.Focused = false
	}
	for _, client := range c.list {
		if client.Path == path {
			client.Focused = true
			return client
		}
	}

	opened := &Client{
		ID:         uuid.NewString(),
		Path:       path,
		Focused:    true,
		Controlled: true,
	}
	c.list[opened.ID] = opened
	return opened
}

// HasControlled 返回是否存在受控上下文；更新提示只在这种情况下出现。
func (c *Clients) HasControlled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, client := range c.list {
		if client.Controlled {
			return true
		}
	}
	return false
}

// Snapshot 返回按 ID 排序的客户端副本，供状态端点使用。
func (c *Clients) Snapshot() []Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]Client, 0, len(c.list))
	for _, client := range c.list {
		result = append(result, *client)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}
