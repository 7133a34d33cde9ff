package memcache

import (
	"sync"
	"weak"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/any-hub/image-hub/internal/imaging"
)

// weakTier 只持有弱引用，条目数上限由 simplelru 按访问顺序维护。
type weakTier struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, weak.Pointer[imaging.Payload]]
}

func newWeakTier(limit int) (*weakTier, error) {
	lru, err := simplelru.NewLRU[string, weak.Pointer[imaging.Payload]](limit, nil)
	if err != nil {
		return nil, err
	}
	return &weakTier{lru: lru}, nil
}

// put 覆盖同 key 的旧弱引用；超出上限时 simplelru 淘汰最久未访问的条目
// (caller must hold lock)。返回是否发生了淘汰。
func (w *weakTier) put(key string, p *imaging.Payload) bool {
	w.lru.Remove(key)
	return w.lru.Add(key, weak.Make(p))
}

// take 取出并移除 key；已被运行时回收的条目视为未命中 (caller must hold lock)。
func (w *weakTier) take(key string) (p *imaging.Payload, found bool, stale bool) {
	ref, ok := w.lru.Get(key)
	if !ok {
		return nil, false, false
	}
	w.lru.Remove(key)
	p = ref.Value()
	if p == nil || p.Released() {
		return nil, false, true
	}
	return p, true, false
}

func (w *weakTier) remove(key string) {
	w.lru.Remove(key)
}

func (w *weakTier) len() int {
	return w.lru.Len()
}

func (w *weakTier) purge() {
	w.lru.Purge()
}

// drain 清空弱引用层，返回仍未被运行时回收的 payload (caller must hold lock)。
func (w *weakTier) drain() []*imaging.Payload {
	refs := w.lru.Values()
	w.lru.Purge()
	live := make([]*imaging.Payload, 0, len(refs))
	for _, ref := range refs {
		if p := ref.Value(); p != nil {
			live = append(live, p)
		}
	}
	return live
}
