// Package display models the consumers of the image cache: named slots that
// are reassigned from one source identifier to another, the way a recycled
// grid cell is, and only accept the image they currently expect.
package display

import (
	"context"
	"sort"
	"sync"

	"github.com/any-hub/image-hub/internal/cachekey"
	"github.com/any-hub/image-hub/internal/imaging"
)

// Slot 是一个可复用的展示位，实现 binding.Target。
type Slot struct {
	name string

	mu         sync.Mutex
	identifier string
	key        string
	payload    *imaging.Payload
	ready      chan struct{}
}

func newSlot(name string) *Slot {
	return &Slot{name: name, ready: make(chan struct{})}
}

// Name returns the slot name.
func (s *Slot) Name() string {
	return s.name
}

// Assign 把展示位切换到 identifier；旧图片被丢弃，之前的 Wait 不会再被唤醒。
// 重复指派同一个 identifier 保留已有图片。
func (s *Slot) Assign(identifier string) {
	key := cachekey.KeyFor(identifier)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == key {
		return
	}
	s.identifier = identifier
	s.key = key
	s.payload = nil
	s.ready = make(chan struct{})
}

// ExpectedKey 返回当前期待的 key。
func (s *Slot) ExpectedKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// Identifier returns the source currently assigned to the slot.
func (s *Slot) Identifier() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifier
}

// Deliver 接收图片；key 与当前期待不符时丢弃。
func (s *Slot) Deliver(p *imaging.Payload) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Key != s.key {
		return
	}
	first := s.payload == nil
	s.payload = p
	if first {
		close(s.ready)
	}
}

// Current 返回展示位当前持有的图片，可能为空。
func (s *Slot) Current() (*imaging.Payload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.payload, s.payload != nil
}

// Wait 阻塞直到当前指派收到图片或 ctx 结束。
func (s *Slot) Wait(ctx context.Context) (*imaging.Payload, error) {
	s.mu.Lock()
	ready := s.ready
	key := s.key
	s.mu.Unlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != key || s.payload == nil {
		return nil, context.Canceled
	}
	return s.payload, nil
}

// Board 按名称持有展示位，首次访问时创建。
type Board struct {
	mu    sync.Mutex
	slots map[string]*Slot
}

// NewBoard returns an empty board.
func NewBoard() *Board {
	return &Board{slots: make(map[string]*Slot)}
}

// Slot 返回 name 对应的展示位，不存在时创建。
func (b *Board) Slot(name string) *Slot {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.slots[name]
	if !ok {
		slot = newSlot(name)
		b.slots[name] = slot
	}
	return slot
}

// Lookup returns an existing slot without creating one.
func (b *Board) Lookup(name string) (*Slot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.slots[name]
	return slot, ok
}

// Names 返回排序后的展示位名称。
func (b *Board) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.slots))
	for name := range b.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
