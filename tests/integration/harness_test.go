package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/appshell/appshell/internal/agent"
	"github.com/appshell/appshell/internal/cache"
	"github.com/appshell/appshell/internal/clients"
	"github.com/appshell/appshell/internal/config"
	"github.com/appshell/appshell/internal/env"
	"github.com/appshell/appshell/internal/intercept"
	"github.com/appshell/appshell/internal/push"
	"github.com/appshell/appshell/internal/server"
	"github.com/appshell/appshell/internal/state"
	"github.com/appshell/appshell/internal/update"
)

const cachePrefix = "appshell-"

// harness 按 main 的装配顺序组出完整的代理：缓存、状态、注册、
// 协调器、推送桥与 Fiber 应用。
type harness struct {
	t *testing.T

	app         *fiber.App
	fsStore     cache.Store
	versions    *cache.VersionStore
	stateStore  *state.Store
	registry    *clients.Registry
	supervisor  *agent.Supervisor
	coordinator *update.Coordinator
	bridge      *push.Bridge
	client      *http.Client
	upstream    string
}

type harnessOptions struct {
	buildID   string
	upstream  string
	pushURL   string
	storage   string
	notifier  push.Notifier
	handoff   time.Duration
	apiPrefix []string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.storage == "" {
		opts.storage = t.TempDir()
	}
	if opts.handoff == 0 {
		opts.handoff = time.Minute
	}
	if len(opts.apiPrefix) == 0 {
		opts.apiPrefix = []string{"/api/"}
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fsStore, err := cache.NewStore(opts.storage)
	if err != nil {
		t.Fatalf("cache store error: %v", err)
	}
	versions := cache.NewVersionStore(fsStore, cachePrefix, opts.buildID, cache.NopSink)

	stateStore := state.Open("")
	registry := clients.NewRegistry()
	httpClient := &http.Client{Timeout: 2 * time.Second}

	caps := env.HostCapabilities{
		Host:       "catalog.example.com",
		Permission: env.PermissionGranted,
	}

	global := config.GlobalConfig{
		Upstream:    opts.upstream,
		BuildID:     opts.buildID,
		CachePrefix: cachePrefix,
		APIPrefixes: opts.apiPrefix,
	}
	interceptor, err := intercept.NewHandler(httpClient, logger, versions, global, caps)
	if err != nil {
		t.Fatalf("interceptor error: %v", err)
	}

	var coordinator *update.Coordinator
	supervisor := agent.NewSupervisor(agent.Options{
		State:  stateStore,
		Logger: logger,
		OnWaiting: func(buildID string) {
			coordinator.StageUpdate(buildID)
			coordinator.ShowPrompt()
		},
	})
	coordinator = update.NewCoordinator(update.Options{
		Registry:       registry,
		State:          stateStore,
		Logger:         logger,
		HandoffTimeout: opts.handoff,
		Purge: func(ctx context.Context, keepBuildID string) {
			versions.PurgeStale(ctx, keepBuildID)
		},
		SkipWaiting: func(ctx context.Context) error {
			if err := supervisor.SkipWaiting(ctx); err != nil {
				return err
			}
			coordinator.OnControlTransferred()
			return nil
		},
	})

	subscribe := push.SubscribeFunc(nil)
	if opts.pushURL != "" {
		subscribe = func(ctx context.Context, userToken string) (*push.Subscription, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.pushURL, nil)
			if err != nil {
				return nil, err
			}
			resp, err := httpClient.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			return push.SubscriptionFromJSON(raw)
		}
	}

	bridge := push.NewBridge(push.Options{
		Capabilities: caps,
		Registry:     registry,
		State:        stateStore,
		Notifier:     opts.notifier,
		Subscribe:    subscribe,
		Logger:       logger,
		Cooldown:     time.Minute,
		Defaults:     push.PayloadDefaults{Title: "Catalog", SiteRoot: "/"},
	})

	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Intercept:   interceptor.Handle,
		Supervisor:  supervisor,
		Coordinator: coordinator,
		Registry:    registry,
		Bridge:      bridge,
		State:       stateStore,
		BuildID:     opts.buildID,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &harness{
		t:           t,
		app:         app,
		fsStore:     fsStore,
		versions:    versions,
		stateStore:  stateStore,
		registry:    registry,
		supervisor:  supervisor,
		coordinator: coordinator,
		bridge:      bridge,
		client:      httpClient,
		upstream:    opts.upstream,
	}
}

// install 注册并激活一个构建：预缓存清单路径，再清掉其它版本。
func (h *harness) install(buildID string, precache []string) *cache.VersionStore {
	h.t.Helper()
	store := cache.NewVersionStore(h.fsStore, cachePrefix, buildID, cache.NopSink)
	fetch := func(ctx context.Context, path string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.upstream+path, http.NoBody)
		if err != nil {
			return nil, err
		}
		return h.client.Do(req)
	}

	_, err := h.supervisor.Register(context.Background(), buildID, agent.Hooks{
		Install: func(ctx context.Context) error {
			store.Install(ctx, precache, fetch)
			return nil
		},
		Activate: func(ctx context.Context) error {
			store.Activate(ctx)
			return nil
		},
	})
	if err != nil {
		h.t.Fatalf("register %s: %v", buildID, err)
	}
	return store
}

func (h *harness) get(target string, header map[string]string) *http.Response {
	h.t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for key, value := range header {
		req.Header.Set(key, value)
	}
	resp, err := h.app.Test(req)
	if err != nil {
		h.t.Fatalf("app.Test error: %v", err)
	}
	return resp
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func drainMessages(c *clients.Client) []clients.Message {
	var msgs []clients.Message
	for {
		select {
		case msg := <-c.Messages():
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}
