package state

import (
	"path/filepath"
	"testing"
)

func TestStoreRoundTripsBuilds(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "state"))
	defer s.Close()

	if !s.Durable() {
		t.Fatalf("expected durable store with a writable path")
	}
	if s.ActiveBuild() != "" {
		t.Fatalf("fresh store must have no active build")
	}

	s.SetActiveBuild("v1")
	s.SetStagedBuild("v2")
	if s.ActiveBuild() != "v1" {
		t.Fatalf("active build mismatch: %s", s.ActiveBuild())
	}
	if s.StagedBuild() != "v2" {
		t.Fatalf("staged build mismatch: %s", s.StagedBuild())
	}

	s.ClearStagedBuild()
	if s.StagedBuild() != "" {
		t.Fatalf("staged build should be cleared")
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")

	s := Open(path)
	s.SetActiveBuild("v3")
	s.SetSubscriptionEndpoint("user-1", "https://push.example/ep/abc")
	s.Close()

	reopened := Open(path)
	defer reopened.Close()
	if reopened.ActiveBuild() != "v3" {
		t.Fatalf("active build must survive reopen, got %q", reopened.ActiveBuild())
	}
	if reopened.SubscriptionEndpoint("user-1") != "https://push.example/ep/abc" {
		t.Fatalf("subscription endpoint must survive reopen")
	}
}

func TestStoreFallsBackToMemory(t *testing.T) {
	s := Open("")
	defer s.Close()

	if s.Durable() {
		t.Fatalf("empty path should yield memory-only store")
	}
	s.SetActiveBuild("v1")
	if s.ActiveBuild() != "v1" {
		t.Fatalf("memory fallback must still serve reads")
	}
}
