// Package metrics exposes cache and scheduler counters in the Prometheus
// text format. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "image_hub"

// Result labels for the counters below.
const (
	DiskHit  = "hit"
	DiskMiss = "miss"

	FetchOK        = "ok"
	FetchFailed    = "failed"
	FetchCancelled = "cancelled"

	DeliveryDelivered = "delivered"
	DeliveryStale     = "stale"
	DeliveryNone      = "none"
)

// Recorder 持有独立的 registry，避免与进程内其他 collector 冲突。
type Recorder struct {
	registry      *prometheus.Registry
	memoryLookups *prometheus.CounterVec
	diskLookups   *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
}

// Snapshot 由调用方提供的瞬时读数，用于 gauge/counter func。
type Snapshot struct {
	Loading   func() float64
	Queued    func() float64
	Demotions func() float64
}

// New 创建 Recorder 并注册全部 collector。
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		memoryLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_lookups_total",
			Help:      "Memory tier lookups by result.",
		}, []string{"result"}),
		diskLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disk_lookups_total",
			Help:      "Disk tier lookups by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Upstream fetches by outcome.",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Completed loads by delivery outcome.",
		}, []string{"outcome"}),
	}
	r.registry.MustRegister(r.memoryLookups, r.diskLookups, r.fetches, r.deliveries)
	return r
}

// Bind 注册基于快照函数的 gauge；nil 函数会被跳过。
func (r *Recorder) Bind(s Snapshot) {
	if r == nil {
		return
	}
	if s.Loading != nil {
		r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_loading",
			Help:      "Download tasks currently loading.",
		}, s.Loading))
	}
	if s.Queued != nil {
		r.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Download tasks waiting for a slot.",
		}, s.Queued))
	}
	if s.Demotions != nil {
		r.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_demotions_total",
			Help:      "Strong tier evictions demoted to the weak tier.",
		}, s.Demotions))
	}
}

// MemoryLookup 记录一次内存查找，result 为 strong_hit/weak_hit/miss。
func (r *Recorder) MemoryLookup(result string) {
	if r == nil {
		return
	}
	r.memoryLookups.WithLabelValues(result).Inc()
}

// DiskLookup records a disk tier hit or miss.
func (r *Recorder) DiskLookup(hit bool) {
	if r == nil {
		return
	}
	result := DiskMiss
	if hit {
		result = DiskHit
	}
	r.diskLookups.WithLabelValues(result).Inc()
}

// Fetch records an upstream fetch outcome.
func (r *Recorder) Fetch(outcome string) {
	if r == nil {
		return
	}
	r.fetches.WithLabelValues(outcome).Inc()
}

// Delivery records what happened to a decoded payload.
func (r *Recorder) Delivery(outcome string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(outcome).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler 返回 /-/metrics 使用的 http.Handler。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
