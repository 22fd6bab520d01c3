package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/appshell/appshell/internal/agent"
	"github.com/appshell/appshell/internal/clients"
	"github.com/appshell/appshell/internal/push"
	"github.com/appshell/appshell/internal/state"
	"github.com/appshell/appshell/internal/update"
)

// AppOptions controls how the Fiber application is assembled. Intercept is the
// catch-all handler owning every non-control-plane request.
type AppOptions struct {
	Logger      *logrus.Logger
	Intercept   fiber.Handler
	Supervisor  *agent.Supervisor
	Coordinator *update.Coordinator
	Registry    *clients.Registry
	Bridge      *push.Bridge
	State       *state.Store
	BuildID     string
}

const contextKeyRequestID = "_appshell_request_id"

// controlPlanePrefix 下的路径属于代理自身的控制面，永远不参与拦截。
const controlPlanePrefix = "/-/"

// NewApp builds the Fiber application: request-ID middleware, the control
// plane under /-/, and the interception catch-all.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Intercept == nil {
		return nil, errors.New("intercept handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	registerControlRoutes(app, opts)

	app.All("/*", func(c fiber.Ctx) error {
		if isControlPlanePath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Intercept(c)
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，响应头与日志共用。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

func isControlPlanePath(path string) bool {
	return strings.HasPrefix(path, controlPlanePrefix)
}

func registerControlRoutes(app *fiber.App, opts AppOptions) {
	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{
			"build":   opts.BuildID,
			"clients": 0,
		}
		if opts.Registry != nil {
			payload["clients"] = opts.Registry.Count()
		}
		if opts.Supervisor != nil {
			if active := opts.Supervisor.Active(); active != nil {
				payload["active_build"] = active.BuildID
				payload["active_state"] = string(active.State())
			}
			if waiting := opts.Supervisor.Waiting(); waiting != nil {
				payload["waiting_build"] = waiting.BuildID
				payload["waiting_state"] = string(waiting.State())
			}
		}
		if opts.Coordinator != nil {
			payload["update_phase"] = string(opts.Coordinator.Phase())
			if staged := opts.Coordinator.StagedBuild(); staged != "" {
				payload["staged_build"] = staged
			}
		}
		if opts.State != nil {
			payload["durable"] = opts.State.Durable()
		}
		return c.JSON(payload)
	})

	registerClientRoutes(app, opts)
	registerUpdateRoutes(app, opts)
	registerPushRoutes(app, opts)
}

func registerClientRoutes(app *fiber.App, opts AppOptions) {
	if opts.Registry == nil {
		return
	}

	app.Post("/-/clients", func(c fiber.Ctx) error {
		var body struct {
			URL     string `json:"url"`
			Focused bool   `json:"focused"`
		}
		if len(c.Body()) > 0 {
			if err := json.Unmarshal(c.Body(), &body); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
			}
		}
		if body.URL == "" {
			body.URL = "/"
		}
		client := opts.Registry.Register(body.URL, body.Focused)
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"id": client.ID})
	})

	app.Delete("/-/clients/:id", func(c fiber.Ctx) error {
		opts.Registry.Unregister(c.Params("id"))
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Post("/-/clients/:id/focus", func(c fiber.Ctx) error {
		var body struct {
			Focused bool `json:"focused"`
		}
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		opts.Registry.SetFocused(c.Params("id"), body.Focused)
		return c.SendStatus(fiber.StatusNoContent)
	})

	// 流式下发端点：客户端保持长连接，消息以 NDJSON 逐条推送。
	app.Get("/-/clients/:id/stream", func(c fiber.Ctx) error {
		client := opts.Registry.Find(c.Params("id"))
		if client == nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
		}

		c.Set(fiber.HeaderContentType, "application/x-ndjson")
		c.Set(fiber.HeaderCacheControl, "no-cache")
		return c.SendStreamWriter(func(w *bufio.Writer) {
			for msg := range client.Messages() {
				line, err := json.Marshal(msg)
				if err != nil {
					continue
				}
				if _, err := w.Write(append(line, '\n')); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		})
	})

	// 客户端 → 代理的协议入口，目前唯一的消息是 SKIP_WAITING。
	app.Post("/-/message", func(c fiber.Ctx) error {
		var msg clients.Message
		if err := json.Unmarshal(c.Body(), &msg); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		switch msg.Type {
		case clients.TypeSkipWaiting:
			if opts.Supervisor != nil {
				if err := opts.Supervisor.SkipWaiting(c.Context()); err != nil {
					opts.Logger.WithFields(logrus.Fields{
						"action": "skip_waiting",
					}).Warn(err.Error())
					return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "handoff_failed"})
				}
			}
			if opts.Coordinator != nil {
				opts.Coordinator.OnControlTransferred()
			}
			return c.SendStatus(fiber.StatusAccepted)
		default:
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_message_type"})
		}
	})
}

func registerUpdateRoutes(app *fiber.App, opts AppOptions) {
	if opts.Coordinator == nil {
		return
	}

	app.Post("/-/update/consent", func(c fiber.Ctx) error {
		opts.Coordinator.Consent(c.Context())
		return c.JSON(fiber.Map{"phase": string(opts.Coordinator.Phase())})
	})

	app.Post("/-/update/dismiss", func(c fiber.Ctx) error {
		opts.Coordinator.Dismiss()
		return c.JSON(fiber.Map{"phase": string(opts.Coordinator.Phase())})
	})
}

func registerPushRoutes(app *fiber.App, opts AppOptions) {
	if opts.Bridge == nil {
		return
	}

	app.Post("/-/push/subscribe", func(c fiber.Ctx) error {
		token := userToken(c)
		return c.JSON(opts.Bridge.EnsureSubscription(c.Context(), token))
	})

	app.Post("/-/push/permission", func(c fiber.Ctx) error {
		token := userToken(c)
		return c.JSON(opts.Bridge.RequestPermissionAndSubscribe(c.Context(), token))
	})

	// 推送服务的入站投递端点，载荷原样交给容错解析。
	app.Post("/-/push/inbound", func(c fiber.Ctx) error {
		payload := opts.Bridge.HandlePush(append([]byte(nil), c.Body()...))
		return c.Status(fiber.StatusAccepted).JSON(payload)
	})

	app.Post("/-/push/click", func(c fiber.Ctx) error {
		var payload push.NotificationPayload
		if len(c.Body()) > 0 {
			if err := json.Unmarshal(c.Body(), &payload); err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
			}
		}
		opts.Bridge.HandleNotificationClick(payload)
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func userToken(c fiber.Ctx) string {
	var body struct {
		UserToken string `json:"user_token"`
	}
	if len(c.Body()) > 0 {
		_ = json.Unmarshal(c.Body(), &body)
	}
	if body.UserToken == "" {
		body.UserToken = "default"
	}
	return body.UserToken
}
