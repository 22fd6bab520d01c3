package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/appshell/appshell/internal/clients"
	"github.com/appshell/appshell/internal/update"
)

func TestVersionUpdateHandoff(t *testing.T) {
	upstream, _ := newCatalogStub(t)
	defer upstream.Close()

	h := newHarness(t, harnessOptions{buildID: "v1", upstream: upstream.URL})
	h.install("v1", []string{"/", "/static/app.js"})

	tab := h.registry.Register("/", true)

	// 新构建到达：停在 waiting，客户端收到可驳回的更新提示。
	v2 := h.install("v2", []string{"/", "/static/app.js"})
	if waiting := h.supervisor.Waiting(); waiting == nil || waiting.BuildID != "v2" {
		t.Fatalf("v2 must wait behind the v1 controller")
	}
	msgs := drainMessages(tab)
	if len(msgs) != 1 || msgs[0].Type != clients.TypeUpdateAvailable {
		t.Fatalf("expected one update affordance, got %v", msgs)
	}

	// 双版本共存期：两个版本的缓存互不可见地共存。
	versions, err := h.fsStore.Versions(context.Background())
	if err != nil || len(versions) != 2 {
		t.Fatalf("expected both cache versions on disk, got %v (%v)", versions, err)
	}

	// 用户同意：SKIP_WAITING → v2 激活 → 恰好一次重载信号。
	req := httptest.NewRequest(http.MethodPost, "/-/update/consent", nil)
	resp, err := h.app.Test(req)
	if err != nil {
		t.Fatalf("consent request: %v", err)
	}
	resp.Body.Close()

	if active := h.supervisor.Active(); active == nil || active.BuildID != "v2" {
		t.Fatalf("consent must hand control to v2")
	}
	if h.coordinator.Phase() != update.PhaseActivated {
		t.Fatalf("expected activated, got %s", h.coordinator.Phase())
	}

	msgs = drainMessages(tab)
	reloads := 0
	for _, msg := range msgs {
		if msg.Type == clients.TypeControllerChange {
			reloads++
		}
	}
	if reloads != 1 {
		t.Fatalf("exactly one reload signal per hand-off, got %d (%v)", reloads, msgs)
	}

	// 版本隔离：激活 v2 之后 v1 的缓存必须整体消失。
	versions, err = h.fsStore.Versions(context.Background())
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 1 || versions[0] != cachePrefix+"v2" {
		t.Fatalf("stale version must be fully evicted, got %v", versions)
	}

	// v2 的预缓存照常服务。
	if _, err := v2.Get(context.Background(), "/static/app.js"); err != nil {
		t.Fatalf("active build cache must survive eviction: %v", err)
	}
}

func TestDismissThenLaterConsent(t *testing.T) {
	upstream, _ := newCatalogStub(t)
	defer upstream.Close()

	h := newHarness(t, harnessOptions{buildID: "v1", upstream: upstream.URL})
	h.install("v1", []string{"/"})
	tab := h.registry.Register("/", true)
	h.install("v2", []string{"/"})
	drainMessages(tab)

	resp, err := h.app.Test(httptest.NewRequest(http.MethodPost, "/-/update/dismiss", nil))
	if err != nil {
		t.Fatalf("dismiss request: %v", err)
	}
	resp.Body.Close()
	if h.coordinator.Phase() != update.PhaseDismissed {
		t.Fatalf("expected dismissed, got %s", h.coordinator.Phase())
	}
	if active := h.supervisor.Active(); active.BuildID != "v1" {
		t.Fatalf("dismissal must leave v1 controlling")
	}

	// 驳回不是永久抑制：之后仍可同意并完成交接。
	resp, err = h.app.Test(httptest.NewRequest(http.MethodPost, "/-/update/consent", nil))
	if err != nil {
		t.Fatalf("consent request: %v", err)
	}
	resp.Body.Close()
	if active := h.supervisor.Active(); active.BuildID != "v2" {
		t.Fatalf("consent after dismissal must still hand off")
	}
}

func TestDeadManTimerCompletesLostHandoff(t *testing.T) {
	upstream, _ := newCatalogStub(t)
	defer upstream.Close()

	h := newHarness(t, harnessOptions{
		buildID:  "v1",
		upstream: upstream.URL,
		handoff:  30 * time.Millisecond,
	})
	h.install("v1", []string{"/"})
	tab := h.registry.Register("/", true)

	// 直接驱动一个永不回信的协调器，模拟控制权信号丢失。
	lost := update.NewCoordinator(update.Options{
		Registry:       h.registry,
		State:          h.stateStore,
		HandoffTimeout: 30 * time.Millisecond,
		SkipWaiting:    func(ctx context.Context) error { return nil },
	})
	lost.StageUpdate("v9")
	lost.ShowPrompt()
	drainMessages(tab)
	lost.Consent(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for lost.Phase() != update.PhaseActivated {
		if time.Now().After(deadline) {
			t.Fatalf("dead-man timer never completed the hand-off")
		}
		time.Sleep(10 * time.Millisecond)
	}

	reloads := 0
	for _, msg := range drainMessages(tab) {
		if msg.Type == clients.TypeControllerChange {
			reloads++
		}
	}
	if reloads != 1 {
		t.Fatalf("timer fallback must reload exactly once, got %d", reloads)
	}
}
