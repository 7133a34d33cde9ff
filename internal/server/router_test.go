package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/display"
	"github.com/any-hub/image-hub/internal/fetch"
	"github.com/any-hub/image-hub/internal/imagecache"
	"github.com/any-hub/image-hub/internal/metrics"
)

type testEnv struct {
	app      *fiber.App
	cache    *imagecache.Cache
	upstream *httptest.Server
	hits     *atomic.Int32
}

func newTestEnv(t *testing.T, timeout time.Duration) *testEnv {
	t.Helper()

	hits := &atomic.Int32{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/missing"):
			http.NotFound(w, r)
		case strings.HasPrefix(r.URL.Path, "/slow"):
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			var buf bytes.Buffer
			_ = png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 3, 2)))
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(buf.Bytes())
		}
	}))
	t.Cleanup(upstream.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	rec := metrics.New()
	c, err := imagecache.New(imagecache.Options{
		Dir:         t.TempDir(),
		VersionTag:  1,
		DiskBytes:   1 << 20,
		MemoryBytes: 1 << 20,
		WeakEntries: 4,
		Concurrency: 2,
		Fetcher:     fetch.NewHTTPFetcher(upstream.Client(), ""),
		Logger:      logger,
		Metrics:     rec,
	})
	if err != nil {
		t.Fatalf("create cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	app, err := NewApp(AppOptions{
		Logger:          logger,
		Cache:           c,
		Board:           display.NewBoard(),
		Metrics:         rec,
		DeliveryTimeout: timeout,
	})
	if err != nil {
		t.Fatalf("create app: %v", err)
	}
	return &testEnv{app: app, cache: c, upstream: upstream, hits: hits}
}

func (e *testEnv) do(t *testing.T, method, target string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func slotURL(name, identifier string) string {
	return "/slots/" + name + "?url=" + url.QueryEscape(identifier)
}

func TestSlotLoadServesPNG(t *testing.T) {
	env := newTestEnv(t, time.Second)
	identifier := env.upstream.URL + "/a.png"

	resp := env.do(t, "GET", slotURL("row-1", identifier))
	if resp.StatusCode != fiber.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d (%s)", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	if resp.Header.Get("X-Image-Cache") != "load" {
		t.Fatalf("first request should load, got %q", resp.Header.Get("X-Image-Cache"))
	}
	img, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("response is not a png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 3 || b.Dy() != 2 {
		t.Fatalf("unexpected image bounds: %v", b)
	}

	resp = env.do(t, "GET", slotURL("row-2", identifier))
	if resp.StatusCode != fiber.StatusOK || resp.Header.Get("X-Image-Cache") != "memory" {
		t.Fatalf("second request should hit memory: %d %q", resp.StatusCode, resp.Header.Get("X-Image-Cache"))
	}
	if env.hits.Load() != 1 {
		t.Fatalf("expected one upstream request, got %d", env.hits.Load())
	}

	resp = env.do(t, "GET", "/slots/row-1")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("current slot image should be served, got %d", resp.StatusCode)
	}
}

func TestSlotUnavailable(t *testing.T) {
	env := newTestEnv(t, 100*time.Millisecond)

	for _, path := range []string{"/missing.png", "/slow.png"} {
		resp := env.do(t, "GET", slotURL("row-1", env.upstream.URL+path))
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if !bytes.Contains(body, []byte(`"image_unavailable"`)) {
			t.Fatalf("%s: expected image_unavailable, got %s", path, body)
		}
	}

	resp := env.do(t, "GET", "/slots/never-used")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unknown slot should 404, got %d", resp.StatusCode)
	}
}

func TestDeleteImage(t *testing.T) {
	env := newTestEnv(t, time.Second)
	identifier := env.upstream.URL + "/d.png"
	if resp := env.do(t, "GET", slotURL("row-1", identifier)); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("load failed: %d", resp.StatusCode)
	}

	resp := env.do(t, "DELETE", "/images?url="+url.QueryEscape(identifier))
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if _, ok := env.cache.Get(identifier); ok {
		t.Fatalf("image should be gone from memory")
	}

	resp = env.do(t, "DELETE", "/images")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("missing url should be rejected, got %d", resp.StatusCode)
	}
}

func TestDiagnosticsRoutes(t *testing.T) {
	env := newTestEnv(t, time.Second)
	if resp := env.do(t, "GET", slotURL("row-1", env.upstream.URL+"/s.png")); resp.StatusCode != fiber.StatusOK {
		t.Fatalf("load failed: %d", resp.StatusCode)
	}

	resp := env.do(t, "GET", "/-/healthz")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("healthz returned %d", resp.StatusCode)
	}

	resp = env.do(t, "GET", "/-/stats")
	var stats struct {
		Cache imagecache.Stats `json:"cache"`
		Slots []string         `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Cache.Memory.StrongEntries != 1 || len(stats.Slots) != 1 || stats.Slots[0] != "row-1" {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	resp = env.do(t, "POST", "/-/trim")
	if resp.StatusCode != fiber.StatusNoContent {
		t.Fatalf("trim returned %d", resp.StatusCode)
	}

	resp = env.do(t, "GET", "/-/metrics")
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != fiber.StatusOK || !bytes.Contains(body, []byte("image_hub_fetches_total")) {
		t.Fatalf("metrics output unexpected (%d): %s", resp.StatusCode, body)
	}
}

func TestSlotNamesSurviveLaterRequests(t *testing.T) {
	env := newTestEnv(t, time.Second)
	for _, name := range []string{"row-1", "row-2"} {
		if resp := env.do(t, "GET", slotURL(name, env.upstream.URL+"/"+name+".png")); resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: load failed: %d", name, resp.StatusCode)
		}
	}

	// 无关请求会复用同一块请求缓冲区。
	for _, target := range []string{"/-/healthz", "/slots/zzzzz?x=1", "/-/healthz"} {
		env.do(t, "GET", target)
	}

	resp := env.do(t, "GET", "/-/stats")
	var stats struct {
		Slots []string `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if len(stats.Slots) != 2 || stats.Slots[0] != "row-1" || stats.Slots[1] != "row-2" {
		t.Fatalf("slot names changed after later requests: %v", stats.Slots)
	}
	for _, name := range []string{"row-1", "row-2"} {
		if resp := env.do(t, "GET", "/slots/"+name); resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: current image should still be served, got %d", name, resp.StatusCode)
		}
	}
	if env.hits.Load() != 2 {
		t.Fatalf("expected two upstream requests, got %d", env.hits.Load())
	}
}

func TestNewAppValidatesOptions(t *testing.T) {
	if _, err := NewApp(AppOptions{}); err == nil {
		t.Fatalf("missing logger should fail")
	}
	if _, err := NewApp(AppOptions{Logger: logrus.New()}); err == nil {
		t.Fatalf("missing cache should fail")
	}
}
