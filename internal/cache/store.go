package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// Store 管理磁盘上的多个版本化分区。磁盘布局遵循：
//
//	<StoragePath>/<partition>/<method>/<path>    # 响应正文
//
// 分区名内嵌版本令牌（如 static-v3），激活阶段据此清理过期版本。
type Store interface {
	// Open 打开（或创建）指定分区。
	Open(ctx context.Context, name string) (Partition, error)

	// Stage 创建一个暂存分区：对 Names 不可见，Commit 后才原子替换为正式分区，
	// Discard 则完整丢弃。安装阶段借此保证 all-or-nothing。
	Stage(ctx context.Context, name string) (StagedPartition, error)

	// Names 枚举当前所有已提交分区名。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除整个分区及其全部条目。分区不存在时不报错。
	Delete(ctx context.Context, name string) error

	// Lookup 在所有已提交分区中查找条目，返回第一个命中结果。
	Lookup(ctx context.Context, key Key) (*ReadResult, error)
}

// Partition 是单个分区内以归一化 (path, method) 为键的读写视图。
type Partition interface {
	Name() string

	// Get 返回一个可流式读取的缓存条目。若不存在则返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*ReadResult, error)

	// Put 将响应正文写入分区。实现需通过临时文件 + rename 保证单键原子性，
	// 同键并发写入遵循 last-write-wins。
	Put(ctx context.Context, key Key, body io.Reader, opts PutOptions) (*Entry, error)

	// Remove 删除指定条目，不存在时静默返回。
	Remove(ctx context.Context, key Key) error
}

// StagedPartition 在 Partition 之上增加提交/丢弃语义。
type StagedPartition interface {
	Partition

	// Commit 将暂存内容原子替换为正式分区；已有同名分区会被整体覆盖。
	Commit(ctx context.Context) error

	// Discard 丢弃暂存目录及全部已写入条目。
	Discard(ctx context.Context) error
}

// Key 唯一定位分区内的一个条目。Path 为 URL 路径风格，带查询串的请求
// 通过 NewKey 归一化为 <path>/__qs/<sha1> 形式。
type Key struct {
	Path   string
	Method string
}

// NewKey 由请求方法、路径与原始查询串构造归一化键。
func NewKey(method, path string, rawQuery []byte) Key {
	if len(rawQuery) > 0 {
		sum := sha1.Sum(rawQuery)
		path = fmt.Sprintf("%s/__qs/%s", path, hex.EncodeToString(sum[:]))
	}
	return Key{Path: path, Method: method}
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	ModTime time.Time
}

// Entry 表示一次缓存命中结果，包含绝对文件路径及文件信息。
type Entry struct {
	Key       Key    `json:"key"`
	Partition string `json:"partition"`
	FilePath  string `json:"file_path"`
	SizeBytes int64  `json:"size_bytes"`
	ModTime   time.Time
}

// ReadResult 组合 Entry 与正文 Reader，便于拦截层直接将 Body 流式返回。
type ReadResult struct {
	Entry  Entry
	Reader io.ReadSeekCloser
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
