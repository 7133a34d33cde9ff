package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/image-hub/internal/binding"
	"github.com/any-hub/image-hub/internal/display"
	"github.com/any-hub/image-hub/internal/imagecache"
	"github.com/any-hub/image-hub/internal/imaging"
	"github.com/any-hub/image-hub/internal/metrics"
	"github.com/any-hub/image-hub/internal/scheduler"
)

// ImageCache is the subset of *imagecache.Cache used by the HTTP handlers.
type ImageCache interface {
	Load(target binding.Target, identifier string, priority bool) (*scheduler.Task, error)
	Get(identifier string) (*imaging.Payload, bool)
	Remove(identifier string) error
	TrimMemory()
	Stats() imagecache.Stats
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger  *logrus.Logger
	Cache   ImageCache
	Board   *display.Board
	Metrics *metrics.Recorder
	// DeliveryTimeout 是 /slots 请求等待图片的上限。
	DeliveryTimeout time.Duration
}

const contextKeyRequestID = "_imagehub_request_id"

// NewApp builds a Fiber application with request id middleware, panic
// recovery and the slot/image/diagnostics routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("image cache is required")
	}
	if opts.DeliveryTimeout <= 0 {
		return nil, fmt.Errorf("invalid delivery timeout: %s", opts.DeliveryTimeout)
	}
	if opts.Board == nil {
		opts.Board = display.NewBoard()
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	h := &handlers{
		logger:  opts.Logger,
		cache:   opts.Cache,
		board:   opts.Board,
		timeout: opts.DeliveryTimeout,
	}
	app.Get("/slots/:name", h.getSlot)
	app.Delete("/images", h.deleteImage)

	app.Get("/-/healthz", h.healthz)
	app.Get("/-/stats", h.stats)
	app.Post("/-/trim", h.trim)
	app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics.Handler()))

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写回响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
