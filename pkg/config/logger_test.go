package config

import "testing"

func TestNewZapLoggerValidLevel(t *testing.T) {
	l, err := NewZapLogger("debug")
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	defer l.Sync()
	l.Debug("test message", "key", "value")
	l.Info("test message")
	l.Warn("test message")
	l.Error("test message")
}

func TestNewZapLoggerUnknownLevelFallsBackToInfo(t *testing.T) {
	l, err := NewZapLogger("not-a-level")
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	defer l.Sync()
	l.Info("still works")
}
