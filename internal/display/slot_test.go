package display

import (
	"context"
	"errors"
	"image"
	"reflect"
	"testing"
	"time"

	"github.com/any-hub/image-hub/internal/cachekey"
	"github.com/any-hub/image-hub/internal/imaging"
)

func payloadFor(identifier string) *imaging.Payload {
	return imaging.New(cachekey.KeyFor(identifier), "png", image.NewGray(image.Rect(0, 0, 1, 1)))
}

func TestSlotAcceptsExpectedPayload(t *testing.T) {
	slot := NewBoard().Slot("row-1")
	slot.Assign("http://img/a.png")
	if slot.ExpectedKey() != cachekey.KeyFor("http://img/a.png") {
		t.Fatalf("expected key should follow the assignment")
	}

	p := payloadFor("http://img/a.png")
	go slot.Deliver(p)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := slot.Wait(ctx)
	if err != nil || got != p {
		t.Fatalf("wait returned %v, %v", got, err)
	}
	if cur, ok := slot.Current(); !ok || cur != p {
		t.Fatalf("current image should be the delivered payload")
	}
}

func TestSlotDropsStalePayload(t *testing.T) {
	slot := NewBoard().Slot("row-1")
	slot.Assign("http://img/a.png")
	slot.Assign("http://img/b.png")
	slot.Deliver(payloadFor("http://img/a.png"))

	if _, ok := slot.Current(); ok {
		t.Fatalf("payload for a previous assignment must be dropped")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := slot.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}

func TestSlotReassignWakesNobody(t *testing.T) {
	slot := NewBoard().Slot("row-1")
	slot.Assign("http://img/a.png")

	done := make(chan error, 1)
	go func() {
		_, err := slot.Wait(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	slot.Assign("http://img/b.png")
	slot.Deliver(payloadFor("http://img/b.png"))

	select {
	case err := <-done:
		t.Fatalf("waiter of the old assignment should not wake: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestSameAssignmentKeepsImage(t *testing.T) {
	slot := NewBoard().Slot("row-1")
	slot.Assign("http://img/a.png")
	slot.Deliver(payloadFor("http://img/a.png"))
	slot.Assign("http://img/a.png")
	if _, ok := slot.Current(); !ok {
		t.Fatalf("reassigning the same source should keep the image")
	}
}

func TestBoardSlots(t *testing.T) {
	board := NewBoard()
	a := board.Slot("b")
	if board.Slot("b") != a {
		t.Fatalf("slot should be created once")
	}
	board.Slot("a")
	if _, ok := board.Lookup("missing"); ok {
		t.Fatalf("lookup should not create slots")
	}
	if got := board.Names(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected names: %v", got)
	}
}
