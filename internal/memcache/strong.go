package memcache

import (
	"container/list"
	"sync"

	"github.com/any-hub/image-hub/internal/imaging"
)

type strongEntry struct {
	key     string
	payload *imaging.Payload
}

// strongTier 是按访问顺序淘汰的字节上限 LRU，调用方持有 mu。
type strongTier struct {
	mu       sync.Mutex
	limit    int64
	size     int64
	order    *list.List
	elements map[string]*list.Element
}

func newStrongTier(limit int64) *strongTier {
	return &strongTier{
		limit:    limit,
		order:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// get refreshes recency on hit (caller must hold lock).
func (s *strongTier) get(key string) (*imaging.Payload, bool) {
	el, ok := s.elements[key]
	if !ok {
		return nil, false
	}
	s.order.MoveToFront(el)
	return el.Value.(*strongEntry).payload, true
}

// add 插入或替换 key，不做容量检查（caller must hold lock）。
func (s *strongTier) add(key string, p *imaging.Payload) {
	if el, ok := s.elements[key]; ok {
		entry := el.Value.(*strongEntry)
		s.size += p.Bytes - entry.payload.Bytes
		entry.payload = p
		s.order.MoveToFront(el)
		return
	}
	s.elements[key] = s.order.PushFront(&strongEntry{key: key, payload: p})
	s.size += p.Bytes
}

// overLimit reports whether the tier must evict (caller must hold lock).
func (s *strongTier) overLimit() bool {
	return s.size > s.limit && s.order.Len() > 0
}

// evictOldest 移除最久未访问的条目并返回（caller must hold lock）。
func (s *strongTier) evictOldest() (*strongEntry, bool) {
	el := s.order.Back()
	if el == nil {
		return nil, false
	}
	entry := el.Value.(*strongEntry)
	s.order.Remove(el)
	delete(s.elements, entry.key)
	s.size -= entry.payload.Bytes
	return entry, true
}

// remove deletes key (caller must hold lock).
func (s *strongTier) remove(key string) (*imaging.Payload, bool) {
	el, ok := s.elements[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*strongEntry)
	s.order.Remove(el)
	delete(s.elements, key)
	s.size -= entry.payload.Bytes
	return entry.payload, true
}

// drain empties the tier and returns every payload (caller must hold lock).
func (s *strongTier) drain() []*imaging.Payload {
	out := make([]*imaging.Payload, 0, s.order.Len())
	for el := s.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*strongEntry).payload)
	}
	s.order.Init()
	s.elements = make(map[string]*list.Element)
	s.size = 0
	return out
}
