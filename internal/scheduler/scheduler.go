// Package scheduler bounds concurrent downloads. Admitted tasks run on their
// own goroutine while the loading set is below the concurrency limit; the rest
// wait in a FIFO list, where a priority submit jumps to the front once. Tasks
// are indexed by cache key so a second submit for a queued or loading key
// rebinds the requester instead of starting another fetch.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/binding"
)

// ErrClosed 表示调度器已关闭。
var ErrClosed = errors.New("scheduler closed")

// Runner 执行一个已准入的任务；ctx 在 CancelAll 时被取消。
type Runner func(ctx context.Context, task *Task)

// Options 配置并发上限、执行函数与绑定表。
type Options struct {
	Concurrency int
	Runner      Runner
	Bindings    *binding.Table
	Logger      logrus.FieldLogger
	// OnComplete 在任务离开 loading 且空闲槽位被补齐后调用，不持有任何锁。
	OnComplete func(*Task)
}

// Stats 是调度器的瞬时快照。
type Stats struct {
	Limit     int   `json:"limit"`
	Loading   int   `json:"loading"`
	Draining  int   `json:"draining"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Deduped   int64 `json:"deduped"`
	Completed int64 `json:"completed"`
	Cancelled int64 `json:"cancelled"`
}

// Scheduler 维护 loading 集合与等待队列，所有状态变更都在 mu 内完成且不做 I/O。
type Scheduler struct {
	limit      int
	runner     Runner
	bindings   *binding.Table
	logger     logrus.FieldLogger
	onComplete func(*Task)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	loading map[string]*Task
	waiting *list.List
	queued  map[string]*list.Element
	closed  bool
	stats   Stats

	// draining 是已被 CancelAll 取消、goroutine 尚未退出的任务，仍占用并发槽位。
	draining map[string]*Task
}

// New 创建调度器；Concurrency 必须为正，Runner 必填。
func New(opts Options) (*Scheduler, error) {
	if opts.Concurrency <= 0 {
		return nil, fmt.Errorf("invalid concurrency limit: %d", opts.Concurrency)
	}
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	bindings := opts.Bindings
	if bindings == nil {
		bindings = binding.NewTable()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		limit:      opts.Concurrency,
		runner:     opts.Runner,
		bindings:   bindings,
		logger:     logger,
		onComplete: opts.OnComplete,
		ctx:        ctx,
		cancel:     cancel,
		loading:    make(map[string]*Task),
		draining:   make(map[string]*Task),
		waiting:    list.New(),
		queued:     make(map[string]*list.Element),
	}, nil
}

// Bindings returns the consumer binding table used by this scheduler.
func (s *Scheduler) Bindings() *binding.Table {
	return s.bindings
}

// Submit 绑定请求方并提交任务。同一 Key 已在 queued/loading 时返回已有任务
// 而不会重复回源；优先级请求会把排队中的任务移到队首。
func (s *Scheduler) Submit(req Request) (*Task, error) {
	if req.Key == "" {
		return nil, errors.New("task key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	s.bindings.Bind(req.Identifier, req.Target)
	s.stats.Submitted++

	if t, ok := s.loading[req.Key]; ok {
		s.stats.Deduped++
		s.logTask(t, "task_dedup").Debug("task already loading")
		return t, nil
	}
	if el, ok := s.queued[req.Key]; ok {
		s.stats.Deduped++
		if req.Priority {
			s.waiting.MoveToFront(el)
		}
		t := el.Value.(*Task)
		s.logTask(t, "task_dedup").Debug("task already queued")
		return t, nil
	}

	t := newTask(s.ctx, req)
	if s.admittableLocked(t) {
		s.startLocked(t)
		return t, nil
	}
	if req.Priority {
		s.queued[t.Key] = s.waiting.PushFront(t)
	} else {
		s.queued[t.Key] = s.waiting.PushBack(t)
	}
	s.logTask(t, "task_queue").Debug("task queued")
	return t, nil
}

// busyLocked 是占用并发槽位的任务数 (caller holds s.mu)。
func (s *Scheduler) busyLocked() int {
	return len(s.loading) + len(s.draining)
}

// admittableLocked reports whether t may start now: a slot is free and no
// cancelled task for the same key is still unwinding (caller holds s.mu).
func (s *Scheduler) admittableLocked(t *Task) bool {
	if s.busyLocked() >= s.limit {
		return false
	}
	_, unwinding := s.draining[t.Key]
	return !unwinding
}

// startLocked moves t into the loading set and runs it (caller holds s.mu).
func (s *Scheduler) startLocked(t *Task) {
	t.transition(StateQueued, StateLoading)
	s.loading[t.Key] = t
	s.wg.Add(1)
	s.logTask(t, "task_admit").Debug("task admitted")
	go s.execute(t)
}

func (s *Scheduler) execute(t *Task) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logTask(t, "task_panic").Errorf("task runner panicked: %v", r)
		}
		s.complete(t)
	}()
	s.runner(t.ctx, t)
}

// complete 将任务移出 loading，并按 FIFO 补齐空闲槽位。
func (s *Scheduler) complete(t *Task) {
	s.mu.Lock()
	if cur, ok := s.loading[t.Key]; ok && cur == t {
		delete(s.loading, t.Key)
	} else if cur, ok := s.draining[t.Key]; ok && cur == t {
		delete(s.draining, t.Key)
	}
	if t.transition(StateLoading, StateDone) {
		s.stats.Completed++
	}
	s.admitLocked()
	s.mu.Unlock()

	t.cancel()
	close(t.done)
	if s.onComplete != nil {
		s.onComplete(t)
	}
}

// admitLocked promotes waiting tasks in FIFO order until the limit is reached,
// skipping keys whose cancelled task is still unwinding (caller holds s.mu).
func (s *Scheduler) admitLocked() {
	el := s.waiting.Front()
	for el != nil && s.busyLocked() < s.limit {
		next := el.Next()
		t := el.Value.(*Task)
		if s.admittableLocked(t) {
			s.waiting.Remove(el)
			delete(s.queued, t.Key)
			s.startLocked(t)
		}
		el = next
	}
}

// CancelAll 取消全部 queued/loading 任务，清空等待队列与绑定表。
// loading 任务的 ctx 被取消，其回源在下一次读取边界停止；goroutine 退出前
// 它们移入 draining 并继续占用并发槽位，同 key 的新任务排队等待。
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
}

func (s *Scheduler) cancelAllLocked() {
	n := 0
	for key, t := range s.loading {
		if t.transition(StateLoading, StateCancelled) {
			n++
		}
		t.cancel()
		delete(s.loading, key)
		s.draining[key] = t
	}
	for el := s.waiting.Front(); el != nil; el = el.Next() {
		t := el.Value.(*Task)
		if t.transition(StateQueued, StateCancelled) {
			n++
		}
		t.cancel()
		close(t.done)
	}
	s.waiting.Init()
	s.queued = make(map[string]*list.Element)
	s.bindings.Clear()
	s.stats.Cancelled += int64(n)

	if n > 0 {
		s.logger.WithFields(logrus.Fields{
			"action":    "task_cancel_all",
			"cancelled": n,
		}).Info("download tasks cancelled")
	}
}

// Close 取消全部任务、拒绝后续提交，并等待运行中的 goroutine 退出。
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	s.cancelAllLocked()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every admitted goroutine has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Stats 返回计数与队列长度快照。
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	stats.Limit = s.limit
	stats.Loading = len(s.loading)
	stats.Draining = len(s.draining)
	stats.Queued = s.waiting.Len()
	return stats
}

// Waiting 返回等待队列中的 key，队首在前。
func (s *Scheduler) Waiting() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, s.waiting.Len())
	for el := s.waiting.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Task).Key)
	}
	return keys
}

// Loading reports whether key currently has a loading task.
func (s *Scheduler) Loading(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loading[key]
	return ok
}

func (s *Scheduler) logTask(t *Task, action string) *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"action":     action,
		"key":        t.Key,
		"identifier": t.Identifier,
		"priority":   t.Priority,
	})
}
