package core

import (
	"sync"
	"testing"
)

func TestSession_AddTurnAndHistory(t *testing.T) {
	s := NewSession("s1")
	s.AddTurn("user", "do the thing")
	s.AddTurn("assistant", "working on it")

	history := s.History()
	if len(history) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(history))
	}
	if history[0].Role != "user" || history[1].Text != "working on it" {
		t.Fatalf("unexpected history: %+v", history)
	}

	history[0].Text = "changed"
	if s.History()[0].Text != "do the thing" {
		t.Error("history should be copied on read")
	}
}

func TestSession_CloneIsIndependent(t *testing.T) {
	s := NewSession("s2")
	s.SetMetadata("agent", "scout")
	s.SetExternalID("ext-1")

	clone := s.Clone()
	if clone == s {
		t.Fatal("Clone should return a different pointer")
	}
	clone.SetMetadata("agent", "maci")
	clone.AddTurn("user", "hello")

	if v, _ := s.GetMetadata("agent"); v != "scout" {
		t.Errorf("original metadata mutated: %q", v)
	}
	if s.Len() != 0 {
		t.Errorf("original turns mutated: %d", s.Len())
	}
	if clone.GetExternalID() != "ext-1" {
		t.Errorf("external id not cloned")
	}
}

func TestSession_ConcurrentTurns(t *testing.T) {
	s := NewSession("s3")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.AddTurn("user", "x")
			_ = s.History()
		}()
	}
	wg.Wait()
	if s.Len() != 50 {
		t.Fatalf("expected 50 turns, got %d", s.Len())
	}
}
