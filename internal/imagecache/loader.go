package imagecache

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/binding"
	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/fetch"
	"github.com/any-hub/image-hub/internal/imaging"
	"github.com/any-hub/image-hub/internal/logging"
	"github.com/any-hub/image-hub/internal/metrics"
	"github.com/any-hub/image-hub/internal/scheduler"
)

// run 是调度器的任务执行函数：磁盘 → 回源 → 解码 → 内存 → 投递。
// 所有失败都在这里被吸收，请求方只是收不到图片。
func (c *Cache) run(ctx context.Context, task *scheduler.Task) {
	p, err := c.resolve(ctx, task)
	if ctx.Err() != nil {
		c.logTask(task, "task_cancelled").Debug("download cancelled")
		return
	}
	if err != nil {
		c.bindings.Take(task.Identifier)
		c.metrics.Delivery(metrics.DeliveryNone)
		c.logTask(task, "task_failed").WithError(err).Warn("image unavailable")
		return
	}

	c.memory.Put(task.Key, p)
	outcome := c.bindings.DeliverOutcome(task.Identifier, task.Key, p)
	c.metrics.Delivery(outcome.String())
	entry := c.logTask(task, "task_done").WithField("delivery", outcome.String())
	if outcome == binding.Stale {
		entry.Debug("target reassigned, delivery dropped")
		return
	}
	entry.Debug("image loaded")
}

// resolve 先查磁盘层，未命中时回源写入磁盘后再读一次。
func (c *Cache) resolve(ctx context.Context, task *scheduler.Task) (*imaging.Payload, error) {
	snap, err := c.disk.Get(task.Key)
	switch {
	case err == nil:
		c.metrics.DiskLookup(true)
		return c.decode(task, snap)
	case errors.Is(err, cache.ErrClosed):
		return nil, err
	case !errors.Is(err, cache.ErrNotFound):
		c.logTask(task, "disk_read_failed").WithError(err).Warn("disk lookup failed, refetching")
	}
	c.metrics.DiskLookup(false)

	if err := c.download(ctx, task); err != nil {
		return nil, err
	}
	snap, err = c.disk.Get(task.Key)
	if err != nil {
		return nil, fmt.Errorf("read back committed entry: %w", err)
	}
	return c.decode(task, snap)
}

// download 把回源数据流直接写入磁盘编辑器；任何错误或取消都会 Abort。
func (c *Cache) download(ctx context.Context, task *scheduler.Task) (err error) {
	editor, err := c.disk.Edit(task.Key)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = editor.Abort()
			if ctx.Err() != nil {
				c.metrics.Fetch(metrics.FetchCancelled)
			} else {
				c.metrics.Fetch(metrics.FetchFailed)
			}
			return
		}
		c.metrics.Fetch(metrics.FetchOK)
	}()

	body, err := c.fetcher.Fetch(ctx, task.Identifier)
	if err != nil {
		return err
	}
	defer body.Close()

	w, err := editor.NewWriter(0)
	if err != nil {
		return err
	}
	written, err := fetch.Copy(ctx, w, body)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := editor.Commit(); err != nil {
		return err
	}
	c.logTask(task, "fetch_stored").WithField("bytes", written).Debug("upstream bytes committed")
	return nil
}

// decode 解码快照；字节损坏时删除磁盘条目，下一次请求会重新回源。
func (c *Cache) decode(task *scheduler.Task, snap *cache.Snapshot) (*imaging.Payload, error) {
	p, err := imaging.Decode(task.Key, snap.Reader(0))
	_ = snap.Close()
	if err == nil {
		return p, nil
	}
	if rmErr := c.disk.Remove(task.Key); rmErr != nil {
		c.logTask(task, "disk_remove_failed").WithError(rmErr).Warn("corrupt entry not removed")
	}
	return nil, err
}

// afterTask 在每个任务结束后刷新磁盘日志，崩溃最多丢失最近一次写入。
func (c *Cache) afterTask(task *scheduler.Task) {
	if err := c.disk.Flush(); err != nil && !errors.Is(err, cache.ErrClosed) {
		c.logTask(task, "disk_flush_failed").WithError(err).Warn("disk journal flush failed")
	}
}

func (c *Cache) logTask(task *scheduler.Task, action string) *logrus.Entry {
	return c.logger.WithFields(logging.TaskFields(action, task.Key, task.Identifier))
}
