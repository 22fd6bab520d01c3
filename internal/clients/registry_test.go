package clients

import "testing"

func TestBroadcastReachesEveryClient(t *testing.T) {
	reg := NewRegistry()
	a := reg.Register("/", true)
	b := reg.Register("/browse", false)

	if delivered := reg.Broadcast(Message{Type: TypePushReceived}); delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}

	for _, client := range []*Client{a, b} {
		select {
		case msg := <-client.Messages():
			if msg.Type != TypePushReceived {
				t.Fatalf("unexpected message type %s", msg.Type)
			}
		default:
			t.Fatalf("client %s received nothing", client.ID)
		}
	}
}

func TestBroadcastSkipsUnregisteredClients(t *testing.T) {
	reg := NewRegistry()
	a := reg.Register("/", true)
	reg.Register("/browse", false)
	reg.Unregister(a.ID)

	if delivered := reg.Broadcast(Message{Type: TypeUpdateAvailable}); delivered != 1 {
		t.Fatalf("expected 1 delivery after unregister, got %d", delivered)
	}
	if reg.Count() != 1 {
		t.Fatalf("expected 1 client, got %d", reg.Count())
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	reg := NewRegistry()
	reg.Register("/", true)

	for i := 0; i < clientBuffer; i++ {
		if delivered := reg.Broadcast(Message{Type: TypePushReceived}); delivered != 1 {
			t.Fatalf("delivery %d failed", i)
		}
	}
	if delivered := reg.Broadcast(Message{Type: TypePushReceived}); delivered != 0 {
		t.Fatalf("full buffer must drop, got %d deliveries", delivered)
	}
}

func TestFocusAndNavigatePrefersFocusedClient(t *testing.T) {
	reg := NewRegistry()
	background := reg.Register("/browse", false)
	focused := reg.Register("/", true)

	if !reg.FocusAndNavigate("/items/42") {
		t.Fatalf("navigation should succeed with open clients")
	}

	select {
	case msg := <-focused.Messages():
		if msg.Type != TypeNavigate || msg.URL != "/items/42" {
			t.Fatalf("unexpected message %+v", msg)
		}
	default:
		t.Fatalf("focused client should receive the navigation")
	}

	select {
	case msg := <-background.Messages():
		t.Fatalf("background client should stay quiet, got %+v", msg)
	default:
	}
}

func TestFocusAndNavigateFallsBackToAnyClient(t *testing.T) {
	reg := NewRegistry()
	background := reg.Register("/browse", false)

	if !reg.FocusAndNavigate("/items/7") {
		t.Fatalf("navigation should fall back to an unfocused client")
	}
	msg := <-background.Messages()
	if msg.Type != TypeNavigate || msg.URL != "/items/7" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if !background.Focused {
		t.Fatalf("navigated client should be marked focused")
	}
}

func TestFocusAndNavigateWithNoClients(t *testing.T) {
	reg := NewRegistry()
	if reg.FocusAndNavigate("/items/9") {
		t.Fatalf("no clients: navigation must report failure so a window opens")
	}
}
