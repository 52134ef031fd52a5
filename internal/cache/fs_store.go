package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const stagePrefix = ".stage-"

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStore struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Open(ctx context.Context, name string) (Partition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.basePath, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fsPartition{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Stage(ctx context.Context, name string) (StagedPartition, error) {
	if err := validatePartitionName(name); err != nil {
		return nil, err
	}
	stageName := stagePrefix + name + "-" + uuid.NewString()
	dir := filepath.Join(s.basePath, stageName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &stagedPartition{
		fsPartition: fsPartition{store: s, name: name, dir: dir},
		target:      filepath.Join(s.basePath, name),
	}, nil
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// 暂存目录与其它隐藏目录不算已提交分区。
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) error {
	if err := validatePartitionName(name); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return os.RemoveAll(filepath.Join(s.basePath, name))
}

func (s *fileStore) Lookup(ctx context.Context, key Key) (*ReadResult, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		partition := &fsPartition{store: s, name: name, dir: filepath.Join(s.basePath, name)}
		result, err := partition.Get(ctx, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

// fsPartition 将条目映射到 <dir>/<method>/<path> 文件。
type fsPartition struct {
	store *fileStore
	name  string
	dir   string
}

func (p *fsPartition) Name() string {
	return p.name
}

func (p *fsPartition) Get(ctx context.Context, key Key) (*ReadResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	filePath, err := p.entryPath(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	entry := Entry{
		Key:       key,
		Partition: p.name,
		FilePath:  filePath,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	}

	return &ReadResult{Entry: entry, Reader: f}, nil
}

func (p *fsPartition) Put(ctx context.Context, key Key, body io.Reader, opts PutOptions) (*Entry, error) {
	unlock := p.store.lockEntry(p.dir, key)
	defer unlock()

	filePath, err := p.entryPath(key)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return nil, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, err
	}

	modTime := opts.ModTime
	if modTime.IsZero() {
		modTime = time.Now().UTC()
	}
	if err := os.Chtimes(filePath, modTime, modTime); err != nil {
		return nil, err
	}

	entry := Entry{
		Key:       key,
		Partition: p.name,
		FilePath:  filePath,
		SizeBytes: written,
		ModTime:   modTime,
	}
	return &entry, nil
}

func (p *fsPartition) Remove(ctx context.Context, key Key) error {
	unlock := p.store.lockEntry(p.dir, key)
	defer unlock()

	filePath, err := p.entryPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (p *fsPartition) entryPath(key Key) (string, error) {
	method := strings.ToUpper(strings.TrimSpace(key.Method))
	if method == "" {
		method = http.MethodGet
	}

	rel := key.Path
	if rel == "" || rel == "/" {
		rel = "root"
	}
	rel = path.Clean("/" + rel)
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		rel = "root"
	}

	filePath := filepath.Join(p.dir, method, filepath.FromSlash(rel))
	if !strings.HasPrefix(filePath, filepath.Join(p.dir, method)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

// stagedPartition 先写入隐藏目录，Commit 时整体 rename 到正式分区名。
type stagedPartition struct {
	fsPartition
	target string

	mu       sync.Mutex
	resolved bool
}

func (p *stagedPartition) Commit(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return errors.New("staged partition already resolved")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := os.RemoveAll(p.target); err != nil {
		return err
	}
	if err := os.Rename(p.dir, p.target); err != nil {
		return err
	}
	p.resolved = true
	return nil
}

func (p *stagedPartition) Discard(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return nil
	}
	p.resolved = true
	return os.RemoveAll(p.dir)
}

func (s *fileStore) lockEntry(dir string, key Key) func() {
	lockKey := dir + "::" + key.Method + "::" + key.Path
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func validatePartitionName(name string) error {
	if name == "" {
		return errors.New("partition name required")
	}
	if strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid partition name: %s", name)
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
