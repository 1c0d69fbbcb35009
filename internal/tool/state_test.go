package tool

import "testing"

func TestStatesLifecycle(t *testing.T) {
	s := NewStates()

	cs := s.Ensure(1, "call_1")
	if cs.Status != StatusIdle {
		t.Errorf("initial status = %s", cs.Status)
	}

	s.Update(1, "call_1", Running(map[string]any{"phase": "awaiting_approval"}))
	cs, ok := s.Get("call_1")
	if !ok || cs.Status != StatusRunning {
		t.Fatalf("state after Running = %+v", cs)
	}
	if !s.Pending(1) {
		t.Error("Pending = false with a parked call")
	}
	if s.Pending(2) {
		t.Error("Pending leaked across sessions")
	}

	s.InjectExternal(1, "call_1", map[string]any{"approvalReceived": true, "choice": "APPROVE"})
	cs, _ = s.Get("call_1")
	if cs.ExternalData["choice"] != "APPROVE" {
		t.Errorf("externalData = %v", cs.ExternalData)
	}

	s.Update(1, "call_1", Success("done"))
	if _, ok := s.Get("call_1"); ok {
		t.Error("terminal outcome did not clear the state")
	}
	if s.Pending(1) {
		t.Error("Pending = true after terminal outcome")
	}
}

func TestInjectExternalBeforeEnsure(t *testing.T) {
	s := NewStates()
	s.InjectExternal(1, "call_x", map[string]any{"answerReceived": true})
	cs, ok := s.Get("call_x")
	if !ok || cs.ExternalData["answerReceived"] != true {
		t.Errorf("state = %+v", cs)
	}
}

func TestEnsureIdempotent(t *testing.T) {
	s := NewStates()
	a := s.Ensure(1, "call_1")
	a.State = "kept"
	b := s.Ensure(1, "call_1")
	if a != b {
		t.Error("Ensure created a second state for the same call")
	}
}
