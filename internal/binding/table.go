// Package binding tracks which display target currently waits for which
// source identifier, so a finished fetch is delivered only to a target that
// still expects it.
package binding

import (
	"sync"

	"github.com/any-hub/image-hub/internal/imaging"
)

// Target 是展示目标的最小契约：当前期望的 key 与投递入口。
type Target interface {
	// ExpectedKey 返回目标当前期待的 CacheKey；目标被复用后会变化。
	ExpectedKey() string
	// Deliver 接收解码后的图片。
	Deliver(p *imaging.Payload)
}

// Table 记录 identifier → Target，同一 identifier 后绑定的覆盖先绑定的。
type Table struct {
	mu       sync.Mutex
	bindings map[string]Target
}

// NewTable returns an empty binding table.
func NewTable() *Table {
	return &Table{bindings: make(map[string]Target)}
}

// Bind 绑定 identifier 到 target，覆盖旧绑定；target 为 nil 时不做任何事。
func (t *Table) Bind(identifier string, target Target) {
	if target == nil {
		return
	}
	t.mu.Lock()
	t.bindings[identifier] = target
	t.mu.Unlock()
}

// Take 取出并删除 identifier 的绑定。
func (t *Table) Take(identifier string) (Target, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.bindings[identifier]
	if ok {
		delete(t.bindings, identifier)
	}
	return target, ok
}

// Unbind 仅当当前绑定仍是 target 时删除，避免误删后来者的绑定。
func (t *Table) Unbind(identifier string, target Target) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.bindings[identifier]; ok && current == target {
		delete(t.bindings, identifier)
	}
}

// Len returns the number of live bindings.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bindings)
}

// Clear drops every binding.
func (t *Table) Clear() {
	t.mu.Lock()
	t.bindings = make(map[string]Target)
	t.mu.Unlock()
}

// Outcome 描述一次投递尝试的结果。
type Outcome int

const (
	// Unbound 表示没有目标在等待 identifier。
	Unbound Outcome = iota
	// Stale 表示目标已被复用，期待的是别的 key。
	Stale
	// Delivered 表示目标收到了图片。
	Delivered
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Stale:
		return "stale"
	default:
		return "none"
	}
}

// Deliver 取出 identifier 的绑定，只有目标仍期待 key 时才投递。返回是否投递成功。
func (t *Table) Deliver(identifier, key string, p *imaging.Payload) bool {
	return t.DeliverOutcome(identifier, key, p) == Delivered
}

// DeliverOutcome 与 Deliver 相同，但区分无绑定与目标已过期两种失败。
// 无论结果如何，identifier 的绑定都会被移除。
func (t *Table) DeliverOutcome(identifier, key string, p *imaging.Payload) Outcome {
	target, ok := t.Take(identifier)
	if !ok || p == nil {
		return Unbound
	}
	if target.ExpectedKey() != key {
		return Stale
	}
	target.Deliver(p)
	return Delivered
}
