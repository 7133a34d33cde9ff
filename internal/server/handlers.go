package server

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/utils/v2"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/display"
	"github.com/any-hub/image-hub/internal/imagecache"
	"github.com/any-hub/image-hub/internal/imaging"
	"github.com/any-hub/image-hub/internal/logging"
)

type handlers struct {
	logger  *logrus.Logger
	cache   ImageCache
	board   *display.Board
	timeout time.Duration
}

// getSlot 把 slot 指派到 ?url= 并等待图片；不带 url 时返回 slot 当前的图片。
func (h *handlers) getSlot(c fiber.Ctx) error {
	// Params/Query 指向 fasthttp 复用的请求缓冲区；slot 名与 url 会在请求结束后
	// 继续作为 map key 与任务标识使用，必须复制。
	name := utils.CopyString(c.Params("name"))
	identifier := utils.CopyString(strings.TrimSpace(c.Query("url")))
	if identifier == "" {
		return h.currentSlotImage(c, name)
	}
	priority, _ := strconv.ParseBool(c.Query("priority"))

	started := time.Now()
	slot := h.board.Slot(name)
	slot.Assign(identifier)
	task, err := h.cache.Load(slot, identifier, priority)
	if err != nil {
		h.logRequest(c, name, identifier, false, started, err)
		if errors.Is(err, imagecache.ErrClosed) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_closed"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "load_failed"})
	}
	memoryHit := task == nil

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	payload, err := slot.Wait(ctx)
	h.logRequest(c, name, identifier, memoryHit, started, err)
	if err != nil {
		return renderUnavailable(c)
	}
	if memoryHit {
		c.Set("X-Image-Cache", "memory")
	} else {
		c.Set("X-Image-Cache", "load")
	}
	return writePNG(c, payload)
}

func (h *handlers) currentSlotImage(c fiber.Ctx, name string) error {
	slot, ok := h.board.Lookup(name)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "slot_not_found"})
	}
	payload, ok := slot.Current()
	if !ok {
		return renderUnavailable(c)
	}
	return writePNG(c, payload)
}

// deleteImage 从内存层与磁盘层删除 ?url= 对应的图片。
func (h *handlers) deleteImage(c fiber.Ctx) error {
	identifier := strings.TrimSpace(c.Query("url"))
	if identifier == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "url_required"})
	}
	err := h.cache.Remove(identifier)
	switch {
	case err == nil:
		return c.SendStatus(fiber.StatusNoContent)
	case errors.Is(err, cache.ErrEditConflict):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "edit_in_progress"})
	case errors.Is(err, imagecache.ErrClosed):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_closed"})
	default:
		h.logger.WithFields(logrus.Fields{
			"action":     "image_remove",
			"identifier": identifier,
			"request_id": RequestID(c),
			"error":      err.Error(),
		}).Error("image remove failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "remove_failed"})
	}
}

func (h *handlers) healthz(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *handlers) stats(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"cache": h.cache.Stats(),
		"slots": h.board.Names(),
	})
}

// trim 是宿主内存紧张信号的 HTTP 入口。
func (h *handlers) trim(c fiber.Ctx) error {
	h.cache.TrimMemory()
	return c.SendStatus(fiber.StatusNoContent)
}

func renderUnavailable(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "image_unavailable"})
}

func writePNG(c fiber.Ctx, p *imaging.Payload) error {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, p); err != nil {
		return renderUnavailable(c)
	}
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set("X-Image-Key", p.Key)
	return c.Send(buf.Bytes())
}

func (h *handlers) logRequest(c fiber.Ctx, slot, identifier string, memoryHit bool, started time.Time, err error) {
	fields := logging.RequestFields(RequestID(c), slot, identifier, memoryHit)
	fields["action"] = "slot_load"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("slot_unavailable")
		return
	}
	h.logger.WithFields(fields).Info("slot_delivered")
}
