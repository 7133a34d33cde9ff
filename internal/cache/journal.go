package cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/any-hub/image-hub/internal/cachekey"
)

const (
	journalFile   = "journal"
	journalTmp    = "journal.tmp"
	journalBackup = "journal.bkp"

	journalMagic  = "image-hub.journal"
	journalFormat = "1"

	recordClean  = "CLEAN"
	recordDirty  = "DIRTY"
	recordRemove = "REMOVE"
	recordRead   = "READ"

	// redundantOpThreshold 触发日志压缩的冗余记录数下限。
	redundantOpThreshold = 2000
)

// errJournalMismatch 表示日志头与当前版本/格式不一致，整个目录需要重建。
var errJournalMismatch = errors.New("journal header mismatch")

// errJournalCorrupt 表示日志中出现无法解析的记录。
var errJournalCorrupt = errors.New("journal corrupt")

// readJournal 回放日志重建内存索引；返回是否遇到被截断的尾部记录。
// Caller must not hold s.mu (open 阶段单线程)。
func (s *DiskStore) readJournal() (truncated bool, err error) {
	path := filepath.Join(s.dir, journalFile)
	if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
		backup := filepath.Join(s.dir, journalBackup)
		if _, bErr := os.Stat(backup); bErr == nil {
			if err := os.Rename(backup, path); err != nil {
				return false, err
			}
		}
	} else {
		_ = os.Remove(filepath.Join(s.dir, journalBackup))
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header := make([]string, 5)
	for i := range header {
		line, err := reader.ReadString('\n')
		if err != nil {
			return false, fmt.Errorf("%w: short header", errJournalCorrupt)
		}
		header[i] = strings.TrimSuffix(line, "\n")
	}
	if header[0] != journalMagic ||
		header[1] != journalFormat ||
		header[2] != strconv.Itoa(s.versionTag) ||
		header[3] != strconv.Itoa(s.valueCount) ||
		header[4] != "" {
		return false, fmt.Errorf("%w: %q", errJournalMismatch, header)
	}

	lines := 0
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// 未以换行结尾的最后一条记录在崩溃时只写了一半，丢弃并重写日志。
			truncated = line != ""
			break
		}
		if err != nil {
			return false, err
		}
		if err := s.replayLine(strings.TrimSuffix(line, "\n")); err != nil {
			return false, err
		}
		lines++
	}
	s.redundant = lines - len(s.entries)
	return truncated, nil
}

func (s *DiskStore) replayLine(line string) error {
	fields := strings.Split(line, " ")
	if len(fields) < 2 || !cachekey.Valid(fields[1]) {
		return fmt.Errorf("%w: %q", errJournalCorrupt, line)
	}
	op, key := fields[0], fields[1]

	if op == recordRemove && len(fields) == 2 {
		if e, ok := s.entries[key]; ok {
			s.order.Remove(e.elem)
			delete(s.entries, key)
		}
		return nil
	}

	e, ok := s.entries[key]
	if !ok {
		e = s.newEntry(key)
	}

	switch {
	case op == recordClean && len(fields) == 2+s.valueCount:
		lengths := make([]int64, s.valueCount)
		for i := range lengths {
			n, err := strconv.ParseInt(fields[2+i], 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("%w: %q", errJournalCorrupt, line)
			}
			lengths[i] = n
		}
		e.readable = true
		e.dirty = false
		e.lengths = lengths
	case op == recordDirty && len(fields) == 2:
		e.dirty = true
	case op == recordRead && len(fields) == 2:
		s.order.MoveToFront(e.elem)
	default:
		return fmt.Errorf("%w: %q", errJournalCorrupt, line)
	}
	return nil
}

// processJournal 统计已提交条目大小，并清理崩溃前未完成的编辑。
func (s *DiskStore) processJournal() {
	_ = os.Remove(filepath.Join(s.dir, journalTmp))
	for key, e := range s.entries {
		if e.dirty {
			// DIRTY 之后没有 CLEAN/REMOVE：编辑在崩溃前未完成。
			for i := 0; i < s.valueCount; i++ {
				_ = os.Remove(s.cleanPath(key, i))
				_ = os.Remove(s.dirtyPath(key, i))
			}
			s.order.Remove(e.elem)
			delete(s.entries, key)
			continue
		}
		if !e.readable {
			// 只有 READ 记录、从未提交过的条目。
			s.order.Remove(e.elem)
			delete(s.entries, key)
			continue
		}
		for _, n := range e.lengths {
			s.size += n
		}
	}
}

// encodeJournalLocked 以当前索引生成一份紧凑日志 (caller holds s.mu)。
func (s *DiskStore) encodeJournalLocked() []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s\n%s\n%d\n%d\n\n", journalMagic, journalFormat, s.versionTag, s.valueCount)
	// 由旧到新写出，回放时 PushFront 可还原访问顺序。
	for el := s.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.editor != nil || !e.readable {
			fmt.Fprintf(&b, "%s %s\n", recordDirty, e.key)
			continue
		}
		fmt.Fprintf(&b, "%s %s%s\n", recordClean, e.key, e.lengthsField())
	}
	return b.Bytes()
}

// rebuildJournal 以当前索引重写一份紧凑日志，并原子替换旧日志。
// s.mu 只在生成内容时持有，文件写入与 fsync 只持有 s.jmu。
func (s *DiskStore) rebuildJournal() error {
	s.jmu.Lock()
	defer s.jmu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	pending := s.takePendingLocked()
	content := s.encodeJournalLocked()
	redundant := s.redundant
	s.redundant = 0
	s.mu.Unlock()

	// 先把缓冲记录写入旧日志，替换失败时旧日志仍然完整。
	var unwritten []byte
	if err := s.writeJournalLocked(pending, false); err != nil {
		unwritten = pending
	}
	if err := s.replaceJournal(content); err != nil {
		s.mu.Lock()
		s.pending = append(unwritten, s.pending...)
		s.redundant += redundant
		s.mu.Unlock()
		return err
	}
	return nil
}

// replaceJournal 写出 content 并替换日志文件 (caller holds s.jmu or runs during open)。
func (s *DiskStore) replaceJournal(content []byte) error {
	tmpPath := filepath.Join(s.dir, journalTmp)
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	path := filepath.Join(s.dir, journalFile)
	backup := filepath.Join(s.dir, journalBackup)
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backup); err != nil {
			return err
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	_ = os.Remove(backup)

	if s.journal != nil {
		_ = s.journal.Close()
		s.journal = nil
	}
	return s.openJournalForAppend()
}

// openJournalForAppend (caller holds s.jmu or runs during open).
func (s *DiskStore) openJournalForAppend() error {
	f, err := os.OpenFile(filepath.Join(s.dir, journalFile), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.journal = f
	return nil
}

// appendRecord 把一条日志记录追加到内存缓冲 (caller holds s.mu)。
func (s *DiskStore) appendRecord(op, key, extra string) error {
	if s.closed {
		return ErrClosed
	}
	s.pending = fmt.Appendf(s.pending, "%s %s%s\n", op, key, extra)
	return nil
}

// takePendingLocked (caller holds s.mu).
func (s *DiskStore) takePendingLocked() []byte {
	pending := s.pending
	s.pending = nil
	return pending
}

// writeJournal 取出缓冲记录追加到日志文件，sync 为 true 时再 fsync。
func (s *DiskStore) writeJournal(sync bool) error {
	s.jmu.Lock()
	defer s.jmu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	pending := s.takePendingLocked()
	s.mu.Unlock()
	return s.writeJournalLocked(pending, sync)
}

// writeJournalLocked (caller holds s.jmu, not s.mu).
func (s *DiskStore) writeJournalLocked(pending []byte, sync bool) error {
	if s.journal == nil {
		if len(pending) == 0 {
			return nil
		}
		if err := s.openJournalForAppend(); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		if _, err := s.journal.Write(pending); err != nil {
			return err
		}
	}
	if sync {
		return s.journal.Sync()
	}
	return nil
}

// rebuildRequired reports whether the journal carries enough redundant
// records to be worth compacting (caller holds s.mu).
func (s *DiskStore) rebuildRequired() bool {
	return s.redundant >= redundantOpThreshold && s.redundant >= len(s.entries)
}
