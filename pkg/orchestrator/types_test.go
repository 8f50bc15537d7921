package orchestrator

import "testing"

func TestMessage(t *testing.T) {
	msg := Message{Role: "user", Content: "Hello"}
	if msg.Role != "user" {
		t.Errorf("Expected role 'user', got '%s'", msg.Role)
	}
}

func TestNoOpLogger(t *testing.T) {
	var l Logger = &NoOpLogger{}
	l.Debug("x")
	l.Info("x")
	l.Warn("x")
	l.Error("x")
}
