package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersByLabel(t *testing.T) {
	r := New()
	r.MemoryLookup("strong_hit")
	r.MemoryLookup("strong_hit")
	r.MemoryLookup("miss")
	r.DiskLookup(true)
	r.DiskLookup(false)
	r.Fetch(FetchCancelled)
	r.Delivery(DeliveryStale)

	if got := testutil.ToFloat64(r.memoryLookups.WithLabelValues("strong_hit")); got != 2 {
		t.Fatalf("expected 2 strong hits, got %v", got)
	}
	if got := testutil.ToFloat64(r.diskLookups.WithLabelValues(DiskMiss)); got != 1 {
		t.Fatalf("expected 1 disk miss, got %v", got)
	}
	if got := testutil.ToFloat64(r.fetches.WithLabelValues(FetchCancelled)); got != 1 {
		t.Fatalf("expected 1 cancelled fetch, got %v", got)
	}
	if got := testutil.ToFloat64(r.deliveries.WithLabelValues(DeliveryStale)); got != 1 {
		t.Fatalf("expected 1 stale delivery, got %v", got)
	}
}

func TestBindExposesGauges(t *testing.T) {
	r := New()
	r.Bind(Snapshot{
		Loading:   func() float64 { return 3 },
		Queued:    func() float64 { return 7 },
		Demotions: func() float64 { return 11 },
	})

	expected := `
# HELP image_hub_tasks_queued Download tasks waiting for a slot.
# TYPE image_hub_tasks_queued gauge
image_hub_tasks_queued 7
`
	if err := testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "image_hub_tasks_queued"); err != nil {
		t.Fatalf("unexpected gauge output: %v", err)
	}

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/-/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"image_hub_tasks_loading 3", "image_hub_memory_demotions_total 11"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("metrics output missing %q:\n%s", name, body)
		}
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.MemoryLookup("miss")
	r.DiskLookup(true)
	r.Fetch(FetchOK)
	r.Delivery(DeliveryNone)
	r.Bind(Snapshot{Loading: func() float64 { return 1 }})
	if r.Registry() != nil {
		t.Fatalf("nil recorder should have no registry")
	}
}
