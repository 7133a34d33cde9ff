package cache

import (
	"errors"
	"fmt"
	"io"
)

// Store 描述磁盘缓存层的读写契约。
type Store interface {
	// Get 返回 key 已提交内容的快照，并刷新其访问顺序。不存在时返回 ErrNotFound。
	Get(key string) (*Snapshot, error)

	// Edit 为 key 打开写入句柄；同一 key 已有未完成的 Editor 时返回 ErrEditConflict。
	Edit(key string) (*Editor, error)

	// Remove 删除 key 的内容与日志记录，不存在时为 no-op。
	Remove(key string) error

	// Flush 将日志落盘但不关闭存储。
	Flush() error

	// Close 落盘后释放全部资源，之后所有操作返回 ErrClosed。
	Close() error

	// Stats 返回容量与条目数快照。
	Stats() Stats
}

// Stats 是磁盘层的瞬时快照。
type Stats struct {
	Dir        string `json:"dir"`
	VersionTag int    `json:"version_tag"`
	Entries    int    `json:"entries"`
	SizeBytes  int64  `json:"size_bytes"`
	MaxBytes   int64  `json:"max_bytes"`
	Evictions  int64  `json:"evictions"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrEditConflict 表示同一 key 已有进行中的编辑，调用方应稍后重试或跳过。
	ErrEditConflict = errors.New("cache entry is being edited")
	// ErrClosed 表示存储已关闭。
	ErrClosed = errors.New("cache store closed")
	// ErrInvalidKey 表示 key 不是 cachekey 生成的合法文件名。
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrEditorDone 表示 Editor 已提交或放弃，不能继续写入。
	ErrEditorDone = errors.New("cache editor already finished")
	// ErrIncompleteEdit 表示新条目的某个数据流从未写入，提交被放弃。
	ErrIncompleteEdit = errors.New("cache edit missing stream")
)

// OpenError 表示存储目录在启动阶段不可用（无权限、磁盘满等）。
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open cache store %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// Snapshot 是某次 Get 时刻已提交内容的只读句柄，调用方负责 Close。
type Snapshot struct {
	key     string
	readers []io.ReadCloser
	lengths []int64
}

// Key returns the entry key.
func (s *Snapshot) Key() string {
	return s.key
}

// Reader 返回第 index 个数据流。
func (s *Snapshot) Reader(index int) io.Reader {
	return s.readers[index]
}

// Length 返回第 index 个数据流提交时的字节数。
func (s *Snapshot) Length(index int) int64 {
	return s.lengths[index]
}

// Close 关闭全部数据流。
func (s *Snapshot) Close() error {
	var firstErr error
	for _, r := range s.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
