// Package syncqueue persists the payloads waiting for background
// synchronization. The journal survives process restarts so a sync event can
// resume a partially drained queue; replays are idempotent because items keep
// their IDs until marked done.
package syncqueue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// Item 是一次待同步的变更，Body 原样转发给应用 API。
type Item struct {
	ID         string          `json:"id"`
	Method     string          `json:"method"`
	Path       string          `json:"path"`
	Body       json.RawMessage `json:"body,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Done       bool            `json:"done"`
}

// Queue 是以 JSON 日志文件为后端的持久化队列。
type Queue struct {
	path string

	mu    sync.Mutex
	items []Item
}

// Open 加载（或初始化）指定路径的队列日志。
func Open(path string) (*Queue, error) {
	if path == "" {
		return nil, errors.New("queue path required")
	}

	q := &Queue{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return q, nil
		}
		return nil, fmt.Errorf("read sync queue: %w", err)
	}
	if len(data) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		return nil, fmt.Errorf("decode sync queue: %w", err)
	}
	return q, nil
}

// Enqueue 追加一个待同步条目并立即落盘；ID 为空时自动生成。
func (q *Queue) Enqueue(item Item) (Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	item.Done = false

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, item)
	if err := q.persistLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return Item{}, err
	}
	return item, nil
}

// Pending 返回尚未完成条目的快照，保持入队顺序。
func (q *Queue) Pending() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]Item, 0, len(q.items))
	for _, item := range q.items {
		if !item.Done {
			pending = append(pending, item)
		}
	}
	return pending
}

// MarkDone 标记条目完成并落盘；已完成的条目在下次持久化时被清理。
// 未知 ID 视为已完成（重放安全）。
func (q *Queue) MarkDone(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].ID == id {
			q.items[i].Done = true
			break
		}
	}

	remaining := q.items[:0]
	for _, item := range q.items {
		if !item.Done {
			remaining = append(remaining, item)
		}
	}
	q.items = remaining
	return q.persistLocked()
}

// Len 返回未完成条目数量。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, item := range q.items {
		if !item.Done {
			count++
		}
	}
	return count
}

func (q *Queue) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(q.path, bytes.NewReader(data))
}
