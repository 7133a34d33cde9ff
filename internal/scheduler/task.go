package scheduler

import (
	"context"
	"sync/atomic"

	"github.com/any-hub/image-hub/internal/binding"
)

// State 是任务生命周期：queued → loading → {done | cancelled}。
type State int32

const (
	StateQueued State = iota
	StateLoading
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateLoading:
		return "loading"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Request 描述一次提交：Key 用于去重，Identifier 用于回源与绑定。
type Request struct {
	Key        string
	Identifier string
	Priority   bool
	Target     binding.Target
}

// Task 由 Scheduler 持有，同一 Key 同时最多一个处于 queued/loading。
type Task struct {
	Key        string
	Identifier string
	Priority   bool

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newTask(parent context.Context, req Request) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := &Task{
		Key:        req.Key,
		Identifier: req.Identifier,
		Priority:   req.Priority,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	t.state.Store(int32(StateQueued))
	return t
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// Done 在任务进入终态且其 goroutine 退出后关闭。
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether the task was cancelled.
func (t *Task) Cancelled() bool {
	return t.State() == StateCancelled
}

func (t *Task) transition(from, to State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}
