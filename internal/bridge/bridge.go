// Package bridge carries the opcode-based control protocol between the
// foreground registration controller and the interception worker. Messages are
// delivered asynchronously over a buffered channel; the two sides never share
// mutable state.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
)

// 控制协议的已定义操作码；未识别的操作码由接收端忽略。
const (
	OpSkipWaiting = "skip-waiting"
	OpClearCache  = "clear-cache"
)

// Message 是跨上下文控制协议的最小载体。
type Message struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrBusClosed 表示总线已关闭，消息不再接收。
var ErrBusClosed = errors.New("bridge bus closed")

// Bus 提供单向、带缓冲的异步消息通道。
type Bus struct {
	ch   chan Message
	done chan struct{}
}

// NewBus 创建容量固定的消息总线。
func NewBus() *Bus {
	return &Bus{
		ch:   make(chan Message, 16),
		done: make(chan struct{}),
	}
}

// Post 异步投递消息；总线关闭或 ctx 取消时返回错误。
func (b *Bus) Post(ctx context.Context, msg Message) error {
	select {
	case <-b.done:
		return ErrBusClosed
	default:
	}

	select {
	case b.ch <- msg:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive 返回消费端通道，关闭后不再有新消息。
func (b *Bus) Receive() <-chan Message {
	return b.ch
}

// Close 关闭总线；重复调用是安全的。
func (b *Bus) Close() {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
}
