// Package imagecache wires the memory tier, the disk tier and the download
// scheduler into one explicitly owned instance. Callers construct it with New,
// pass it to every consumer, and tear it down with Close.
package imagecache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/binding"
	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/cachekey"
	"github.com/any-hub/image-hub/internal/fetch"
	"github.com/any-hub/image-hub/internal/imaging"
	"github.com/any-hub/image-hub/internal/memcache"
	"github.com/any-hub/image-hub/internal/metrics"
	"github.com/any-hub/image-hub/internal/scheduler"
	"github.com/any-hub/image-hub/internal/version"
)

// ErrClosed 表示缓存实例已关闭。
var ErrClosed = errors.New("image cache closed")

// ErrEmptyIdentifier 表示请求缺少源地址。
var ErrEmptyIdentifier = errors.New("identifier is required")

// Options 描述三级缓存与调度器的全部参数。
type Options struct {
	// Dir 是磁盘层目录，不存在时自动创建。
	Dir string
	// VersionTag 为 0 时由 version.Version 推导。
	VersionTag  int
	DiskBytes   int64
	MemoryBytes int64
	WeakEntries int
	Concurrency int

	Fetcher fetch.Fetcher
	Logger  logrus.FieldLogger
	// Metrics 可为空；同一个 Recorder 只能绑定一个 Cache。
	Metrics *metrics.Recorder
}

// Stats 汇总三个组件的快照。
type Stats struct {
	Memory    memcache.Stats  `json:"memory"`
	Disk      cache.Stats     `json:"disk"`
	Scheduler scheduler.Stats `json:"scheduler"`
	Bindings  int             `json:"bindings"`
}

// Cache 是进程内唯一的图片缓存实例。
type Cache struct {
	memory    *memcache.Cache
	disk      cache.Store
	bindings  *binding.Table
	scheduler *scheduler.Scheduler
	fetcher   fetch.Fetcher
	logger    logrus.FieldLogger
	metrics   *metrics.Recorder

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New 打开磁盘层、构建内存层与调度器。磁盘层不可用时返回 *cache.OpenError。
func New(opts Options) (*Cache, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	tag := opts.VersionTag
	if tag == 0 {
		tag = cachekey.VersionTag(version.Version)
	}

	memory, err := memcache.New(memcache.Options{
		StrongBytes: opts.MemoryBytes,
		WeakEntries: opts.WeakEntries,
	})
	if err != nil {
		return nil, fmt.Errorf("memory tier: %w", err)
	}

	disk, err := cache.Open(cache.Options{
		Dir:        opts.Dir,
		VersionTag: tag,
		MaxBytes:   opts.DiskBytes,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Cache{
		memory:   memory,
		disk:     disk,
		bindings: binding.NewTable(),
		fetcher:  opts.Fetcher,
		logger:   logger,
		metrics:  opts.Metrics,
	}
	sched, err := scheduler.New(scheduler.Options{
		Concurrency: opts.Concurrency,
		Runner:      c.run,
		Bindings:    c.bindings,
		Logger:      logger,
		OnComplete:  c.afterTask,
	})
	if err != nil {
		_ = disk.Close()
		return nil, err
	}
	c.scheduler = sched

	c.metrics.Bind(metrics.Snapshot{
		Loading:   func() float64 { return float64(c.scheduler.Stats().Loading) },
		Queued:    func() float64 { return float64(c.scheduler.Stats().Queued) },
		Demotions: func() float64 { return float64(c.memory.Stats().Demotions) },
	})

	logger.WithFields(logrus.Fields{
		"action":       "image_cache_open",
		"dir":          opts.Dir,
		"version_tag":  tag,
		"disk_bytes":   opts.DiskBytes,
		"memory_bytes": opts.MemoryBytes,
		"weak_entries": opts.WeakEntries,
		"concurrency":  opts.Concurrency,
	}).Info("image cache ready")
	return c, nil
}

// KeyFor 返回 identifier 在三级缓存中共用的 key。
func KeyFor(identifier string) string {
	return cachekey.KeyFor(identifier)
}

// Load 请求把 identifier 对应的图片投递给 target。
// 内存命中时同步投递并返回 nil task；否则绑定 target 并提交下载任务，
// 磁盘查找与回源都在任务内完成，调用方不会阻塞在 I/O 上。
func (c *Cache) Load(target binding.Target, identifier string, priority bool) (*scheduler.Task, error) {
	if identifier == "" {
		return nil, ErrEmptyIdentifier
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	key := cachekey.KeyFor(identifier)
	if p, ok := c.lookup(key); ok {
		if target != nil && target.ExpectedKey() == key {
			target.Deliver(p)
			c.metrics.Delivery(metrics.DeliveryDelivered)
		} else {
			c.metrics.Delivery(metrics.DeliveryStale)
		}
		return nil, nil
	}

	task, err := c.scheduler.Submit(scheduler.Request{
		Key:        key,
		Identifier: identifier,
		Priority:   priority,
		Target:     target,
	})
	if errors.Is(err, scheduler.ErrClosed) {
		return nil, ErrClosed
	}
	return task, err
}

// Get 只查询内存层（含弱引用提升），不触发磁盘或网络。
func (c *Cache) Get(identifier string) (*imaging.Payload, bool) {
	if c.closed.Load() {
		return nil, false
	}
	return c.lookup(cachekey.KeyFor(identifier))
}

func (c *Cache) lookup(key string) (*imaging.Payload, bool) {
	p, src := c.memory.Lookup(key)
	c.metrics.MemoryLookup(src.String())
	return p, src != memcache.SourceMiss
}

// Remove 从内存层（释放像素）与磁盘层删除 identifier。
// 磁盘条目正在写入时返回 cache.ErrEditConflict。
func (c *Cache) Remove(identifier string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	key := cachekey.KeyFor(identifier)
	c.memory.Remove(key)
	if err := c.disk.Remove(key); err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"action":     "image_remove",
		"key":        key,
		"identifier": identifier,
	}).Info("image removed")
	return nil
}

// TrimMemory 响应宿主的内存紧张信号，只清空弱引用层。
func (c *Cache) TrimMemory() {
	before := c.memory.Stats().WeakEntries
	c.memory.ClearWeak()
	c.logger.WithFields(logrus.Fields{
		"action":  "memory_trim",
		"dropped": before,
	}).Info("weak tier cleared")
}

// CancelAll 取消全部排队与下载中的任务并清空绑定表。
func (c *Cache) CancelAll() {
	c.scheduler.CancelAll()
}

// Wait blocks until no download goroutine is running.
func (c *Cache) Wait() {
	c.scheduler.Wait()
}

// Stats 返回内存、磁盘与调度器快照。
func (c *Cache) Stats() Stats {
	return Stats{
		Memory:    c.memory.Stats(),
		Disk:      c.disk.Stats(),
		Scheduler: c.scheduler.Stats(),
		Bindings:  c.bindings.Len(),
	}
}

// Close 依次取消任务、等待 goroutine 退出、释放内存层并关闭磁盘层。可重复调用。
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.scheduler.Close()
		c.memory.Teardown()
		c.closeErr = c.disk.Close()
		c.logger.WithField("action", "image_cache_close").Info("image cache closed")
	})
	return c.closeErr
}
