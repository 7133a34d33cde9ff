package binding

import (
	"image"
	"sync"
	"testing"

	"github.com/any-hub/image-hub/internal/imaging"
)

type fakeTarget struct {
	mu        sync.Mutex
	expected  string
	delivered []*imaging.Payload
}

func (f *fakeTarget) ExpectedKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expected
}

func (f *fakeTarget) Deliver(p *imaging.Payload) {
	f.mu.Lock()
	f.delivered = append(f.delivered, p)
	f.mu.Unlock()
}

func testPayload(key string) *imaging.Payload {
	return imaging.New(key, "gray", image.NewGray(image.Rect(0, 0, 1, 1)))
}

func TestDeliverToMatchingTarget(t *testing.T) {
	table := NewTable()
	target := &fakeTarget{expected: "k1"}
	table.Bind("u1", target)

	if !table.Deliver("u1", "k1", testPayload("k1")) {
		t.Fatalf("期望投递成功")
	}
	if len(target.delivered) != 1 {
		t.Fatalf("目标应收到 1 张图片，得到 %d", len(target.delivered))
	}
	if table.Len() != 0 {
		t.Fatalf("投递后绑定应被删除")
	}
}

func TestDeliverDropsStaleTarget(t *testing.T) {
	table := NewTable()
	target := &fakeTarget{expected: "k1"}
	table.Bind("u1", target)
	target.expected = "k2"

	if table.Deliver("u1", "k1", testPayload("k1")) {
		t.Fatalf("目标已被复用，不应投递")
	}
	if len(target.delivered) != 0 {
		t.Fatalf("过期投递应被丢弃")
	}
	if table.Len() != 0 {
		t.Fatalf("过期绑定也应被删除")
	}
}

func TestLastBindWins(t *testing.T) {
	table := NewTable()
	first := &fakeTarget{expected: "k1"}
	second := &fakeTarget{expected: "k1"}
	table.Bind("u1", first)
	table.Bind("u1", second)

	table.Deliver("u1", "k1", testPayload("k1"))
	if len(first.delivered) != 0 || len(second.delivered) != 1 {
		t.Fatalf("后绑定的目标应生效: first=%d second=%d", len(first.delivered), len(second.delivered))
	}
}

func TestUnbindOnlyRemovesSameTarget(t *testing.T) {
	table := NewTable()
	first := &fakeTarget{expected: "k1"}
	second := &fakeTarget{expected: "k1"}
	table.Bind("u1", first)
	table.Bind("u1", second)

	table.Unbind("u1", first)
	if table.Len() != 1 {
		t.Fatalf("Unbind 不应删除其他目标的绑定")
	}
	table.Unbind("u1", second)
	if table.Len() != 0 {
		t.Fatalf("Unbind 应删除自身绑定")
	}
}

func TestClearAndNilTarget(t *testing.T) {
	table := NewTable()
	table.Bind("u1", nil)
	if table.Len() != 0 {
		t.Fatalf("nil 目标不应被绑定")
	}
	table.Bind("u1", &fakeTarget{})
	table.Bind("u2", &fakeTarget{})
	table.Clear()
	if table.Len() != 0 {
		t.Fatalf("Clear 后应为空")
	}
	if table.Deliver("u1", "k", testPayload("k")) {
		t.Fatalf("Clear 后不应再投递")
	}
}

func TestDeliverOutcome(t *testing.T) {
	table := NewTable()
	if got := table.DeliverOutcome("u1", "k1", testPayload("k1")); got != Unbound {
		t.Fatalf("expected Unbound, got %s", got)
	}

	stale := &fakeTarget{expected: "other"}
	table.Bind("u1", stale)
	if got := table.DeliverOutcome("u1", "k1", testPayload("k1")); got != Stale {
		t.Fatalf("expected Stale, got %s", got)
	}

	fresh := &fakeTarget{expected: "k1"}
	table.Bind("u1", fresh)
	if got := table.DeliverOutcome("u1", "k1", testPayload("k1")); got != Delivered {
		t.Fatalf("expected Delivered, got %s", got)
	}
	if len(fresh.delivered) != 1 {
		t.Fatalf("target should have received the payload")
	}
}
