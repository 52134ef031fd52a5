package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/s6ptember/tasks-managment-system/internal/bridge"
	"github.com/s6ptember/tasks-managment-system/internal/cache"
	"github.com/s6ptember/tasks-managment-system/internal/controller"
	"github.com/s6ptember/tasks-managment-system/internal/notify"
	"github.com/s6ptember/tasks-managment-system/internal/runtime"
)

// FetchHandler 是拦截面的入口，所有非控制路径的请求都交给它路由。
type FetchHandler interface {
	HandleFetch(fiber.Ctx) error
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger     *logrus.Logger
	Fetch      FetchHandler
	Runtime    *runtime.Runtime
	Bus        *bridge.Bus
	Store      cache.Store
	Center     *notify.Center
	Controller *controller.Controller
	ListenPort int
}

const contextKeyRequestID = "_gateway_request_id"

// NewApp builds the Fiber application: a small control surface under /-/sw/
// for lifecycle signals, and a catch-all route that hands every other request
// to the interception worker.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Fetch == nil {
		return nil, errors.New("fetch handler is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("runtime is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("bridge bus is required")
	}
	if opts.Store == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	registerControlRoutes(app, opts)

	// 控制面以外的一切请求都经拦截层路由。
	app.All("/*", opts.Fetch.HandleFetch)

	return app, nil
}

func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// registerControlRoutes 挂载 /-/sw/ 控制面。控制路径不在拦截范围内，
// 必须先于通配路由注册。
func registerControlRoutes(app *fiber.App, opts AppOptions) {
	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		var msg bridge.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_message"})
		}
		if msg.Op == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_op"})
		}
		if err := opts.Bus.Post(c.Context(), msg); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "bus_unavailable"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "accepted", "op": msg.Op})
	})

	app.Post("/-/sw/push", func(c fiber.Ctx) error {
		payload := append([]byte(nil), c.Body()...)
		if err := opts.Runtime.DeliverPush(c.Context(), payload); err != nil {
			if errors.Is(err, runtime.ErrNoActiveWorker) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_active_worker"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "push_failed"})
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "delivered"})
	})

	app.Post("/-/sw/sync/:tag", func(c fiber.Ctx) error {
		tag := c.Params("tag")
		if tag == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_tag"})
		}
		// 同步重投递在响应结束后继续，脱离请求生命周期。
		opts.Runtime.RegisterSync(context.WithoutCancel(c.Context()), tag)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "registered", "tag": tag})
	})

	if opts.Controller != nil {
		app.Post("/-/sw/subscribe", func(c fiber.Ctx) error {
			var body struct {
				Endpoint string `json:"endpoint"`
			}
			if err := json.Unmarshal(c.Body(), &body); err != nil || body.Endpoint == "" {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_endpoint"})
			}
			sub, err := opts.Controller.EnablePush(c.Context(), body.Endpoint)
			if err != nil {
				if errors.Is(err, controller.ErrPermissionDenied) {
					return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "permission_denied"})
				}
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "subscribe_failed"})
			}
			return c.Status(fiber.StatusCreated).JSON(sub)
		})

		app.Post("/-/sw/network", func(c fiber.Ctx) error {
			var body struct {
				Online *bool `json:"online"`
			}
			if err := json.Unmarshal(c.Body(), &body); err != nil || body.Online == nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing_online"})
			}
			opts.Controller.Network().SetOnline(context.WithoutCancel(c.Context()), *body.Online)
			return c.JSON(fiber.Map{"online": *body.Online})
		})
	}

	app.Get("/-/sw/status", func(c fiber.Ctx) error {
		names, err := opts.Store.Names(c.Context())
		if err != nil {
			opts.Logger.WithError(err).Warn("status_partition_enumeration_failed")
			names = nil
		}

		status := fiber.Map{
			"active_version":  opts.Runtime.ActiveVersion(),
			"waiting_version": opts.Runtime.WaitingVersion(),
			"partitions":      names,
			"clients":         opts.Runtime.Clients().Snapshot(),
		}
		if opts.Center != nil {
			status["notifications"] = opts.Center.Active()
		}
		if opts.Controller != nil {
			status["online"] = opts.Controller.Network().Online()
		}
		if sub, ok := opts.Runtime.PushSubscription(); ok {
			status["subscription"] = sub
		}
		return c.JSON(status)
	})
}
