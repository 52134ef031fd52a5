package runtime

import (
	"time"

	"github.com/google/uuid"
)

// Subscription 表示与推送服务建立的订阅。
type Subscription struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
}

// PushSubscription 返回现有订阅；不存在时第二个返回值为 false。
func (r *Runtime) PushSubscription() (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub == nil {
		return nil, false
	}
	copied := *r.sub
	return &copied, true
}

// CreatePushSubscription 建立新的推送订阅并返回它。调用方负责先检查现有
// 订阅（check-before-create），避免重复创建。
func (r *Runtime) CreatePushSubscription(endpoint string) (*Subscription, error) {
	sub := &Subscription{
		ID:        uuid.NewString(),
		Endpoint:  endpoint,
		CreatedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()

	copied := *sub
	return &copied, nil
}
