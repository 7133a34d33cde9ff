package memcache

import (
	"errors"
	"sync/atomic"

	"github.com/any-hub/image-hub/internal/imaging"
)

// Source 表示一次内存查找的命中层级。
type Source int

const (
	SourceMiss Source = iota
	SourceStrong
	SourceWeak
)

func (s Source) String() string {
	switch s {
	case SourceStrong:
		return "strong_hit"
	case SourceWeak:
		return "weak_hit"
	default:
		return "miss"
	}
}

// Options 控制两级内存缓存的容量。
type Options struct {
	// StrongBytes 是强引用层按像素字节计算的上限。
	StrongBytes int64
	// WeakEntries 是弱引用层的条目数上限。
	WeakEntries int
}

// Stats 是内存层的瞬时快照。
type Stats struct {
	StrongBytes   int64 `json:"strong_bytes"`
	StrongLimit   int64 `json:"strong_limit"`
	StrongEntries int   `json:"strong_entries"`
	WeakEntries   int   `json:"weak_entries"`
	WeakLimit     int   `json:"weak_limit"`
	Demotions     int64 `json:"demotions"`
	Promotions    int64 `json:"promotions"`
	Reclaimed     int64 `json:"reclaimed"`
}

// Cache 组合强引用层与弱引用层，对外只暴露按 key 的读写。
type Cache struct {
	strong    *strongTier
	weak      *weakTier
	weakLimit int
	closed    bool // guarded by strong.mu

	demotions  atomic.Int64
	promotions atomic.Int64
	reclaimed  atomic.Int64
}

// New 构建内存层；两个上限都必须为正。
func New(opts Options) (*Cache, error) {
	if opts.StrongBytes <= 0 {
		return nil, errors.New("strong tier byte limit must be positive")
	}
	if opts.WeakEntries <= 0 {
		return nil, errors.New("weak tier entry limit must be positive")
	}
	weak, err := newWeakTier(opts.WeakEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{
		strong:    newStrongTier(opts.StrongBytes),
		weak:      weak,
		weakLimit: opts.WeakEntries,
	}, nil
}

// Get 依次查找强引用层与弱引用层，弱引用命中会被提升回强引用层。
func (c *Cache) Get(key string) (*imaging.Payload, bool) {
	p, src := c.Lookup(key)
	return p, src != SourceMiss
}

// Lookup 与 Get 相同，但额外返回命中层级。
func (c *Cache) Lookup(key string) (*imaging.Payload, Source) {
	c.strong.mu.Lock()
	defer c.strong.mu.Unlock()
	if c.closed {
		return nil, SourceMiss
	}
	if p, ok := c.strong.get(key); ok {
		return p, SourceStrong
	}

	c.weak.mu.Lock()
	defer c.weak.mu.Unlock()
	p, found, stale := c.weak.take(key)
	if stale {
		c.reclaimed.Add(1)
	}
	if !found {
		return nil, SourceMiss
	}
	c.promotions.Add(1)
	c.insertLocked(key, p)
	return p, SourceWeak
}

// Put 写入强引用层；超出字节上限时按访问顺序逐个降级到弱引用层。
func (c *Cache) Put(key string, p *imaging.Payload) {
	if p == nil {
		return
	}
	c.strong.mu.Lock()
	defer c.strong.mu.Unlock()
	if c.closed {
		return
	}
	c.weak.mu.Lock()
	defer c.weak.mu.Unlock()
	c.weak.remove(key)
	c.insertLocked(key, p)
}

// insertLocked requires both strong.mu and weak.mu.
func (c *Cache) insertLocked(key string, p *imaging.Payload) {
	c.strong.add(key, p)
	for c.strong.overLimit() {
		entry, ok := c.strong.evictOldest()
		if !ok {
			break
		}
		c.demote(entry.key, entry.payload)
	}
}

// demote 是强引用层淘汰路径上唯一的出口，保证每次淘汰都对应一次弱引用写入。
func (c *Cache) demote(key string, p *imaging.Payload) {
	c.weak.put(key, p)
	c.demotions.Add(1)
}

// Remove 从两层中删除 key；强引用层中的像素缓冲会被显式释放。
func (c *Cache) Remove(key string) {
	c.strong.mu.Lock()
	defer c.strong.mu.Unlock()
	c.weak.mu.Lock()
	defer c.weak.mu.Unlock()

	if p, ok := c.strong.remove(key); ok {
		p.Release()
	}
	c.weak.remove(key)
}

// ClearWeak 清空弱引用层，供宿主的内存紧张回调使用；强引用层保持不变。
func (c *Cache) ClearWeak() {
	c.weak.mu.Lock()
	c.weak.purge()
	c.weak.mu.Unlock()
}

// Teardown 释放两层全部条目，之后的 Get 恒为未命中、Put 被忽略。
func (c *Cache) Teardown() {
	c.strong.mu.Lock()
	defer c.strong.mu.Unlock()
	c.weak.mu.Lock()
	defer c.weak.mu.Unlock()

	for _, p := range c.strong.drain() {
		p.Release()
	}
	for _, p := range c.weak.drain() {
		p.Release()
	}
	c.closed = true
}

// Stats 返回两层的容量与计数快照。
func (c *Cache) Stats() Stats {
	c.strong.mu.Lock()
	defer c.strong.mu.Unlock()
	c.weak.mu.Lock()
	defer c.weak.mu.Unlock()

	return Stats{
		StrongBytes:   c.strong.size,
		StrongLimit:   c.strong.limit,
		StrongEntries: c.strong.order.Len(),
		WeakEntries:   c.weak.len(),
		WeakLimit:     c.weakLimit,
		Demotions:     c.demotions.Load(),
		Promotions:    c.promotions.Load(),
		Reclaimed:     c.reclaimed.Load(),
	}
}
