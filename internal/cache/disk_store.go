package cache

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/cachekey"
)

// Options 控制磁盘层的目录、版本与容量。
type Options struct {
	// Dir 是缓存目录，不存在时自动创建。
	Dir string
	// VersionTag 与日志头不一致时整个目录被清空重建。
	VersionTag int
	// MaxBytes 是已提交条目的总字节上限。
	MaxBytes int64
	// ValueCount 是每个条目的数据流个数，默认 1。
	ValueCount int
	// Logger 为空时使用 logrus 标准 logger。
	Logger logrus.FieldLogger
}

// entry 是索引中的一条记录；elem 位于 DiskStore.order 中，队首为最近读取。
// gen 在每次提交或删除时递增，Get 在锁外打开文件后据此确认索引未变。
type entry struct {
	key        string
	lengths    []int64
	readable   bool
	dirty      bool // only used while replaying the journal
	publishing bool // commit 正在 rename 文件
	removing   bool // 已从索引摘除，等待删除文件
	gen        uint64
	editor     *editState
	elem       *list.Element
}

func (e *entry) lengthsField() string {
	var b strings.Builder
	for _, n := range e.lengths {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(n, 10))
	}
	return b.String()
}

// DiskStore 是基于日志的磁盘 LRU，实现 Store。
//
// mu 只保护内存索引与待写日志缓冲，持有 mu 时不做文件 I/O；
// jmu 串行化日志文件的写入、fsync 与压缩。加锁顺序为 jmu → mu。
type DiskStore struct {
	dir        string
	versionTag int
	maxBytes   int64
	valueCount int
	logger     logrus.FieldLogger

	jmu     sync.Mutex
	journal *os.File // guarded by jmu

	mu        sync.Mutex
	entries   map[string]*entry
	order     *list.List
	size      int64
	redundant int
	removing  int
	pending   []byte
	closed    bool

	evictions atomic.Int64
}

var _ Store = (*DiskStore)(nil)

// Open 打开（或初始化）opts.Dir 下的磁盘缓存。日志损坏或版本不一致时清空目录重建；
// 目录不可用时返回 *OpenError。
func Open(opts Options) (*DiskStore, error) {
	if opts.Dir == "" {
		return nil, &OpenError{Err: errors.New("storage path required")}
	}
	if opts.MaxBytes <= 0 {
		return nil, &OpenError{Path: opts.Dir, Err: errors.New("max bytes must be positive")}
	}
	if opts.ValueCount <= 0 {
		opts.ValueCount = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	abs, err := filepath.Abs(opts.Dir)
	if err != nil {
		return nil, &OpenError{Path: opts.Dir, Err: fmt.Errorf("resolve storage path: %w", err)}
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, &OpenError{Path: abs, Err: fmt.Errorf("create storage path: %w", err)}
	}

	s := &DiskStore{
		dir:        abs,
		versionTag: opts.VersionTag,
		maxBytes:   opts.MaxBytes,
		valueCount: opts.ValueCount,
		logger:     logger.WithField("cache_dir", abs),
		entries:    make(map[string]*entry),
		order:      list.New(),
	}

	truncated, err := s.readJournal()
	switch {
	case err == nil:
		s.processJournal()
		if truncated {
			err = s.rebuildJournal()
		} else {
			err = s.openJournalForAppend()
		}
		if err != nil {
			return nil, &OpenError{Path: abs, Err: err}
		}
		s.logger.WithFields(logrus.Fields{
			"action":  "disk_open",
			"entries": len(s.entries),
			"size":    s.size,
		}).Debug("disk cache restored")
		s.mu.Lock()
		victims := s.trimLocked()
		s.mu.Unlock()
		s.purge(victims)
		return s, nil
	case errors.Is(err, fs.ErrNotExist):
		// 全新目录。
	default:
		s.logger.WithError(err).WithField("action", "disk_reset").Warn("disk cache journal unusable, rebuilding")
	}

	if err := s.wipe(); err != nil {
		return nil, &OpenError{Path: abs, Err: err}
	}
	if err := s.rebuildJournal(); err != nil {
		return nil, &OpenError{Path: abs, Err: err}
	}
	return s, nil
}

// wipe 清空目录内全部文件并重置索引。
func (s *DiskStore) wipe() error {
	s.entries = make(map[string]*entry)
	s.order.Init()
	s.size = 0
	s.redundant = 0

	children, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := os.RemoveAll(filepath.Join(s.dir, child.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *DiskStore) newEntry(key string) *entry {
	e := &entry{key: key, lengths: make([]int64, s.valueCount)}
	e.elem = s.order.PushFront(e)
	s.entries[key] = e
	return e
}

func (s *DiskStore) cleanPath(key string, index int) string {
	return filepath.Join(s.dir, key+"."+strconv.Itoa(index))
}

func (s *DiskStore) dirtyPath(key string, index int) string {
	return s.cleanPath(key, index) + ".tmp"
}

// getAttempts 是 Get 在文件打开期间遇到并发提交/删除时的重试次数。
const getAttempts = 3

// journalBufferSize 是 Get 路径上触发日志写出的缓冲阈值。
const journalBufferSize = 4 << 10

// Get 返回已提交内容的快照；正在编辑的 key 只能看到编辑前的内容或未命中。
// 读取文件失败按未命中处理。文件在 s.mu 之外打开，不同 key 的 Get 互不阻塞。
func (s *DiskStore) Get(key string) (*Snapshot, error) {
	if !cachekey.Valid(key) {
		return nil, ErrInvalidKey
	}

	for attempt := 0; attempt < getAttempts; attempt++ {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		e, ok := s.entries[key]
		if !ok || !e.readable || e.publishing {
			s.mu.Unlock()
			return nil, ErrNotFound
		}
		gen := e.gen
		lengths := make([]int64, len(e.lengths))
		copy(lengths, e.lengths)
		s.mu.Unlock()

		readers, openErr := s.openReaders(key)

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			closeAll(readers)
			return nil, ErrClosed
		}
		if cur, ok := s.entries[key]; !ok || cur != e || cur.gen != gen || cur.publishing {
			// 打开文件期间条目被提交或删除，重新读取索引。
			s.mu.Unlock()
			closeAll(readers)
			continue
		}
		if openErr != nil {
			var victims []*entry
			if e.editor == nil {
				s.detachLocked(e)
				victims = append(victims, e)
			}
			s.mu.Unlock()
			s.logger.WithError(openErr).WithFields(logrus.Fields{
				"action": "disk_get",
				"key":    key,
			}).Warn("cache file unreadable, dropping entry")
			s.purge(victims)
			return nil, ErrNotFound
		}

		s.redundant++
		s.order.MoveToFront(e.elem)
		_ = s.appendRecord(recordRead, key, "")
		spill := len(s.pending) >= journalBufferSize
		s.mu.Unlock()

		if spill {
			if err := s.writeJournal(false); err != nil {
				s.logger.WithError(err).WithField("action", "journal_append").Warn("journal write failed")
			}
		}
		return &Snapshot{key: key, readers: readers, lengths: lengths}, nil
	}
	return nil, ErrNotFound
}

func (s *DiskStore) openReaders(key string) ([]io.ReadCloser, error) {
	readers := make([]io.ReadCloser, 0, s.valueCount)
	for i := 0; i < s.valueCount; i++ {
		f, err := os.Open(s.cleanPath(key, i))
		if err != nil {
			closeAll(readers)
			return nil, err
		}
		readers = append(readers, f)
	}
	return readers, nil
}

func closeAll(readers []io.ReadCloser) {
	for _, r := range readers {
		r.Close()
	}
}

// Remove 删除 key 的内容；正在编辑的条目返回 ErrEditConflict。
func (s *DiskStore) Remove(key string) error {
	if !cachekey.Valid(key) {
		return ErrInvalidKey
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	e, ok := s.entries[key]
	if !ok || e.removing {
		s.mu.Unlock()
		return nil
	}
	if e.editor != nil {
		s.mu.Unlock()
		return ErrEditConflict
	}
	s.detachLocked(e)
	s.mu.Unlock()

	return s.purge([]*entry{e})
}

// detachLocked 把条目从索引摘除并追加 REMOVE 记录 (caller holds s.mu)。
// 条目以 removing 状态留在 entries 中，直到 purge 删除文件，期间 Edit 返回 ErrEditConflict。
func (s *DiskStore) detachLocked(e *entry) {
	if e.readable {
		for _, n := range e.lengths {
			s.size -= n
		}
	}
	e.readable = false
	e.removing = true
	e.gen++
	if e.elem != nil {
		s.order.Remove(e.elem)
		e.elem = nil
	}
	s.removing++
	s.redundant++
	_ = s.appendRecord(recordRemove, e.key, "")
}

// purge 删除已摘除条目的文件，最后把它们移出 entries。调用方不能持有 s.mu。
func (s *DiskStore) purge(victims []*entry) error {
	var firstErr error
	for _, e := range victims {
		for i := 0; i < s.valueCount; i++ {
			if err := os.Remove(s.cleanPath(e.key, i)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.WithError(err).WithFields(logrus.Fields{
					"action": "disk_remove",
					"key":    e.key,
				}).Warn("remove cache file failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		s.mu.Lock()
		if cur, ok := s.entries[e.key]; ok && cur == e {
			delete(s.entries, e.key)
		}
		s.removing--
		s.mu.Unlock()
	}
	return firstErr
}

// trimLocked 按“最久未被读取”顺序摘除条目，直到总大小回到上限以内，
// 返回待 purge 的条目 (caller holds s.mu)。
func (s *DiskStore) trimLocked() []*entry {
	var victims []*entry
	el := s.order.Back()
	for s.size > s.maxBytes && el != nil {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.editor == nil && e.readable {
			s.detachLocked(e)
			victims = append(victims, e)
			s.evictions.Add(1)
		}
		el = prev
	}
	return victims
}

// Flush 淘汰超限条目，并把日志写入、同步到磁盘；冗余记录足够多时顺带压缩日志。
func (s *DiskStore) Flush() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	victims := s.trimLocked()
	compact := s.rebuildRequired()
	s.mu.Unlock()

	s.purge(victims)
	if compact {
		err := s.rebuildJournal()
		if err == nil {
			return nil
		}
		s.logger.WithError(err).WithField("action", "journal_rebuild").Warn("journal rebuild failed")
	}
	return s.writeJournal(true)
}

// Close 落盘并释放日志文件。进行中的 Editor 之后提交将返回 ErrClosed 并清理临时文件。
// 重复调用返回 nil。
func (s *DiskStore) Close() error {
	s.jmu.Lock()
	defer s.jmu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	for _, e := range s.entries {
		if e.editor != nil {
			e.editor.orphaned.Store(true)
			e.editor = nil
		}
	}
	victims := s.trimLocked()
	pending := s.takePendingLocked()
	s.closed = true
	s.mu.Unlock()

	s.purge(victims)
	err := s.writeJournalLocked(pending, true)
	if s.journal != nil {
		if cerr := s.journal.Close(); cerr != nil && err == nil {
			err = cerr
		}
		s.journal = nil
	}
	return err
}

// Stats 返回容量与条目数快照。
func (s *DiskStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Dir:        s.dir,
		VersionTag: s.versionTag,
		Entries:    len(s.entries) - s.removing,
		SizeBytes:  s.size,
		MaxBytes:   s.maxBytes,
		Evictions:  s.evictions.Load(),
	}
}
