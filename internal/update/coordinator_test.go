package update

import (
	"context"
	"testing"
	"time"

	"github.com/appshell/appshell/internal/clients"
	"github.com/appshell/appshell/internal/state"
)

func drain(c *clients.Client) []clients.Message {
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

func countType(msgs []clients.Message, typ string) int {
	n := 0
	for _, msg := range msgs {
		if msg.Type == typ {
			n++
		}
	}
	return n
}

func TestStageUpdatePersistsAndPrompts(t *testing.T) {
	registry := clients.NewRegistry()
	tab := registry.Register("/", true)
	store := state.Open("")
	coord := NewCoordinator(Options{Registry: registry, State: store})

	coord.StageUpdate("v2")
	if coord.Phase() != PhaseStaged || store.StagedBuild() != "v2" {
		t.Fatalf("staging must persist the candidate build")
	}

	if delivered := coord.ShowPrompt(); delivered != 1 {
		t.Fatalf("prompt should reach the open client, delivered=%d", delivered)
	}
	if coord.Phase() != PhasePromptShown {
		t.Fatalf("expected prompt_shown, got %s", coord.Phase())
	}
	msgs := drain(tab)
	if countType(msgs, clients.TypeUpdateAvailable) != 1 {
		t.Fatalf("client should see one update affordance, got %v", msgs)
	}
}

func TestDismissIsNotPermanentSuppression(t *testing.T) {
	registry := clients.NewRegistry()
	tab := registry.Register("/", true)
	coord := NewCoordinator(Options{Registry: registry, State: state.Open("")})

	coord.StageUpdate("v2")
	coord.ShowPrompt()
	coord.Dismiss()
	if coord.Phase() != PhaseDismissed {
		t.Fatalf("expected dismissed, got %s", coord.Phase())
	}

	if delivered := coord.ShowPrompt(); delivered != 1 {
		t.Fatalf("a dismissed prompt must be showable again")
	}
	msgs := drain(tab)
	if countType(msgs, clients.TypeUpdateAvailable) != 2 {
		t.Fatalf("expected two prompts across dismissal, got %v", msgs)
	}
}

func TestConsentPurgesSignalsAndArmsTimer(t *testing.T) {
	registry := clients.NewRegistry()
	tab := registry.Register("/", true)
	store := state.Open("")

	var purged []string
	var skips int
	coord := NewCoordinator(Options{
		Registry:       registry,
		State:          store,
		Purge:          func(ctx context.Context, keepBuildID string) { purged = append(purged, keepBuildID) },
		SkipWaiting:    func(ctx context.Context) error { skips++; return nil },
		HandoffTimeout: time.Minute,
	})

	coord.StageUpdate("v2")
	coord.ShowPrompt()
	coord.Consent(context.Background())

	if skips != 1 {
		t.Fatalf("consent must signal once: skips=%d", skips)
	}
	// 清理必须保住即将接管的候补版本，而不是当前版本。
	if len(purged) != 1 || purged[0] != "v2" {
		t.Fatalf("purge must keep the staged build, got %v", purged)
	}
	if coord.Phase() != PhaseHandingOff {
		t.Fatalf("expected handing_off, got %s", coord.Phase())
	}

	coord.OnControlTransferred()
	if coord.Phase() != PhaseActivated {
		t.Fatalf("expected activated, got %s", coord.Phase())
	}
	if store.ActiveBuild() != "v2" || store.StagedBuild() != "" {
		t.Fatalf("hand-off must advance active build and clear staged")
	}
	msgs := drain(tab)
	if countType(msgs, clients.TypeControllerChange) != 1 {
		t.Fatalf("exactly one reload broadcast, got %v", msgs)
	}
}

func TestDoubleConsentSignalsOnce(t *testing.T) {
	var skips int
	coord := NewCoordinator(Options{
		Registry:       clients.NewRegistry(),
		State:          state.Open(""),
		SkipWaiting:    func(ctx context.Context) error { skips++; return nil },
		HandoffTimeout: time.Minute,
	})

	coord.StageUpdate("v2")
	coord.ShowPrompt()
	coord.Consent(context.Background())
	coord.Consent(context.Background())

	if skips != 1 {
		t.Fatalf("SKIP_WAITING must be sent exactly once per hand-off, got %d", skips)
	}
}

func TestDeadManTimerForcesSingleReload(t *testing.T) {
	registry := clients.NewRegistry()
	tab := registry.Register("/", true)
	coord := NewCoordinator(Options{
		Registry:       registry,
		State:          state.Open(""),
		HandoffTimeout: 20 * time.Millisecond,
	})

	coord.StageUpdate("v2")
	coord.ShowPrompt()
	coord.Consent(context.Background())

	// 控制权信号永远不来，等定时器兜底。
	time.Sleep(100 * time.Millisecond)
	if coord.Phase() != PhaseActivated {
		t.Fatalf("timer must complete the hand-off, got %s", coord.Phase())
	}

	// 迟到的信号不得再触发第二次重载。
	coord.OnControlTransferred()
	msgs := drain(tab)
	if countType(msgs, clients.TypeControllerChange) != 1 {
		t.Fatalf("reload must fire at most once even when signal and timer race, got %v", msgs)
	}
}

func TestSignalBeatsTimer(t *testing.T) {
	registry := clients.NewRegistry()
	tab := registry.Register("/", true)
	coord := NewCoordinator(Options{
		Registry:       registry,
		State:          state.Open(""),
		HandoffTimeout: 30 * time.Millisecond,
	})

	coord.StageUpdate("v2")
	coord.ShowPrompt()
	coord.Consent(context.Background())
	coord.OnControlTransferred()

	time.Sleep(80 * time.Millisecond)
	msgs := drain(tab)
	if countType(msgs, clients.TypeControllerChange) != 1 {
		t.Fatalf("stopped timer must not add a second reload, got %v", msgs)
	}
}

func TestStageIgnoredDuringHandoff(t *testing.T) {
	store := state.Open("")
	coord := NewCoordinator(Options{
		Registry:       clients.NewRegistry(),
		State:          store,
		HandoffTimeout: time.Minute,
	})

	coord.StageUpdate("v2")
	coord.ShowPrompt()
	coord.Consent(context.Background())
	coord.StageUpdate("v3")

	if coord.StagedBuild() != "v2" {
		t.Fatalf("a hand-off in progress must not be re-targeted")
	}

	coord.OnControlTransferred()
	// 交接完成后可以再次 staging。
	coord.StageUpdate("v3")
	if coord.Phase() != PhaseStaged || store.StagedBuild() != "v3" {
		t.Fatalf("staging must work again after activation")
	}
}

func TestConsentWithoutStagedBuildIsNoOp(t *testing.T) {
	var skips int
	coord := NewCoordinator(Options{
		SkipWaiting: func(ctx context.Context) error { skips++; return nil },
	})
	coord.Consent(context.Background())
	if skips != 0 || coord.Phase() != PhaseNoUpdate {
		t.Fatalf("consent before any staged update must be a no-op")
	}
}
