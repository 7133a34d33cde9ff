package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/cachekey"
)

// Editor 是某个 key 的写入句柄，必须以 Commit 或 Abort 结束。
// Commit 之后调用 Abort 是 no-op，因此 `defer ed.Abort()` 是安全的写法；
// 未结束就被丢弃的 Editor 在回收时按 Abort 处理。
type Editor struct {
	state   *editState
	cleanup runtime.Cleanup
}

// editState 不反向引用 Editor，使 runtime.AddCleanup 可以在 Editor 不可达时触发。
type editState struct {
	store *DiskStore
	entry *entry

	mu       sync.Mutex
	files    []*os.File
	written  []bool
	writeErr error
	done     bool

	orphaned atomic.Bool // store closed while editing
}

// Edit 为 key 打开 Editor；同一 key 同时最多一个 Editor。
// 正在删除文件的条目同样返回 ErrEditConflict。
func (s *DiskStore) Edit(key string) (*Editor, error) {
	if !cachekey.Valid(key) {
		return nil, ErrInvalidKey
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := s.entries[key]
	if ok && (e.editor != nil || e.removing) {
		s.mu.Unlock()
		return nil, ErrEditConflict
	}
	if !ok {
		e = s.newEntry(key)
	}
	st := &editState{
		store:   s,
		entry:   e,
		files:   make([]*os.File, s.valueCount),
		written: make([]bool, s.valueCount),
	}
	e.editor = st
	_ = s.appendRecord(recordDirty, key, "")
	s.mu.Unlock()

	// DIRTY 立即写入日志，崩溃后据此清理残留的临时文件。
	if err := s.writeJournal(false); err != nil {
		s.mu.Lock()
		if e.editor == st {
			e.editor = nil
			if !e.readable {
				s.order.Remove(e.elem)
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
		return nil, fmt.Errorf("journal dirty record: %w", err)
	}

	ed := &Editor{state: st}
	ed.cleanup = runtime.AddCleanup(ed, func(st *editState) { st.abandon() }, st)
	return ed, nil
}

// Key returns the entry key being edited.
func (ed *Editor) Key() string {
	return ed.state.entry.key
}

// NewWriter 返回第 index 个数据流的写入端，写入内容在 Commit 前对读者不可见。
func (ed *Editor) NewWriter(index int) (io.Writer, error) {
	st := ed.state
	if index < 0 || index >= len(st.files) {
		return nil, fmt.Errorf("stream index %d out of range", index)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return nil, ErrEditorDone
	}
	if st.files[index] == nil {
		f, err := os.OpenFile(st.store.dirtyPath(st.entry.key, index), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		st.files[index] = f
		st.written[index] = true
	}
	return &editorWriter{state: st, file: st.files[index]}, nil
}

// Commit 原子替换 key 的已提交内容并写入 CLEAN 记录，必要时触发淘汰。
// 任何写入错误都会使提交退化为放弃，并返回该错误。
func (ed *Editor) Commit() error {
	ed.cleanup.Stop()
	return ed.state.finish(true)
}

// Abort 丢弃本次写入，已有内容保持可见。重复调用或 Commit 后调用均为 no-op。
func (ed *Editor) Abort() error {
	ed.cleanup.Stop()
	err := ed.state.finish(false)
	if errors.Is(err, ErrEditorDone) {
		return nil
	}
	return err
}

func (st *editState) abandon() {
	if err := st.finish(false); err == nil {
		st.store.logger.WithFields(logrus.Fields{
			"action": "disk_edit_abandoned",
			"key":    st.entry.key,
		}).Warn("cache editor dropped without commit, aborted")
	}
}

func (st *editState) finish(commit bool) error {
	st.mu.Lock()
	if st.done {
		st.mu.Unlock()
		return ErrEditorDone
	}
	st.done = true
	files := st.files
	writeErr := st.writeErr
	st.mu.Unlock()

	for _, f := range files {
		if f == nil {
			continue
		}
		if commit && writeErr == nil {
			if err := f.Sync(); err != nil {
				writeErr = err
			}
		}
		if err := f.Close(); err != nil && writeErr == nil {
			writeErr = err
		}
	}

	if commit && writeErr != nil {
		if err := st.store.completeEdit(st, false); err != nil {
			return err
		}
		return writeErr
	}
	return st.store.completeEdit(st, commit)
}

// ownsEditLocked reports whether st is still the live editor of its entry (caller holds s.mu).
func (s *DiskStore) ownsEditLocked(st *editState) bool {
	return !st.orphaned.Load() && !s.closed && st.entry.editor == st
}

// completeEdit 完成编辑：提交时 rename 临时文件，放弃时删除临时文件。
// 文件操作都在 s.mu 之外进行；rename 期间条目标记为 publishing，Get 按未命中处理。
func (s *DiskStore) completeEdit(st *editState, commit bool) error {
	e := st.entry

	s.mu.Lock()
	if !s.ownsEditLocked(st) {
		s.mu.Unlock()
		st.removeTemp()
		return ErrClosed
	}
	var commitErr error
	if commit && !e.readable {
		for i, w := range st.written {
			if !w {
				commit = false
				commitErr = fmt.Errorf("%w: index %d", ErrIncompleteEdit, i)
				break
			}
		}
	}
	if commit {
		e.publishing = true
		e.gen++
	}
	s.mu.Unlock()

	lengths := make([]int64, s.valueCount)
	published := make([]bool, s.valueCount)
	for i := 0; i < s.valueCount; i++ {
		dirty := s.dirtyPath(e.key, i)
		if !commit || !st.written[i] {
			if err := os.Remove(dirty); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.logger.WithError(err).WithField("action", "disk_abort").Warn("remove temp file failed")
			}
			continue
		}
		clean := s.cleanPath(e.key, i)
		if err := os.Rename(dirty, clean); err != nil {
			_ = os.Remove(dirty)
			commit = false
			commitErr = err
			continue
		}
		info, err := os.Stat(clean)
		if err != nil {
			commit = false
			commitErr = err
			continue
		}
		lengths[i] = info.Size()
		published[i] = true
	}

	s.mu.Lock()
	e.publishing = false
	if !s.ownsEditLocked(st) {
		s.mu.Unlock()
		return ErrClosed
	}
	e.gen++
	e.editor = nil
	s.redundant++

	var victims []*entry
	anyPublished := false
	for _, ok := range published {
		anyPublished = anyPublished || ok
	}
	switch {
	case commit || e.readable:
		for i, ok := range published {
			if !ok {
				continue
			}
			if e.readable {
				s.size -= e.lengths[i]
			}
			e.lengths[i] = lengths[i]
			s.size += lengths[i]
		}
		e.readable = true
		_ = s.appendRecord(recordClean, e.key, e.lengthsField())
	case anyPublished:
		// 新条目只提交了部分数据流，已 rename 的文件交给 purge 删除。
		s.detachLocked(e)
		victims = append(victims, e)
	default:
		s.order.Remove(e.elem)
		delete(s.entries, e.key)
		_ = s.appendRecord(recordRemove, e.key, "")
	}
	if s.size > s.maxBytes {
		victims = append(victims, s.trimLocked()...)
	}
	s.mu.Unlock()

	s.purge(victims)
	if err := s.writeJournal(false); err != nil && commitErr == nil {
		commitErr = err
	}
	return commitErr
}

// removeTemp deletes every temp file of an orphaned edit.
func (st *editState) removeTemp() {
	for i := range st.written {
		_ = os.Remove(st.store.dirtyPath(st.entry.key, i))
	}
}

// editorWriter 记录首个写入错误，使后续 Commit 退化为 Abort。
type editorWriter struct {
	state *editState
	file  *os.File
}

func (w *editorWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		w.state.mu.Lock()
		if w.state.writeErr == nil {
			w.state.writeErr = err
		}
		w.state.mu.Unlock()
	}
	return n, err
}
