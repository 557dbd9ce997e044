package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("development", "loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewBuildsLogger(t *testing.T) {
	for _, env := range []string{"production", "development"} {
		t.Run(env, func(t *testing.T) {
			logger, err := New(env, "warn")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if logger.Core().Enabled(zapcore.InfoLevel) {
				t.Error("info should be disabled at warn level")
			}
		})
	}
}

func TestPionFactoryScopes(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	factory := PionFactory{Logger: zap.New(core)}

	l := factory.NewLogger("ice")
	l.Tracef("gathering %d", 1)
	l.Warn("candidate dropped")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel {
		t.Errorf("trace level = %v, want debug", entries[0].Level)
	}
	if entries[1].LoggerName != "pion" {
		t.Errorf("logger name = %q, want pion", entries[1].LoggerName)
	}
	if got := entries[1].ContextMap()["scope"]; got != "ice" {
		t.Errorf("scope = %v, want ice", got)
	}
}
