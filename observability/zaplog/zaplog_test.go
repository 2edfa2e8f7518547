package zaplog

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Swind/go-layout-harness/core"
)

func TestLogger_ForwardsLevelsAndFields(t *testing.T) {
	zcore, logs := observer.New(zapcore.DebugLevel)
	logger := New(zap.New(zcore)).Named("layout")

	logger.Debug("style pass", core.F("dirty", 2))
	logger.Info("layout worker created", core.F("pipeline", "(1,1)"))
	logger.Warn("font lookup failed", core.F("error", errors.New("not found")))
	logger.Error("compositor gone")

	entries := logs.AllUntimed()
	if len(entries) != 4 {
		t.Fatalf("entries = %d, want 4", len(entries))
	}

	wantLevels := []zapcore.Level{zapcore.DebugLevel, zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, e := range entries {
		if e.Level != wantLevels[i] {
			t.Fatalf("entry %d level = %v, want %v", i, e.Level, wantLevels[i])
		}
		if e.LoggerName != "layout" {
			t.Fatalf("entry %d logger name = %q, want layout", i, e.LoggerName)
		}
	}

	if got := entries[0].ContextMap()["dirty"]; got != int64(2) {
		t.Fatalf("dirty field = %v (%T), want 2", got, got)
	}
	if got := entries[2].ContextMap()["error"]; got != "not found" {
		t.Fatalf("error field = %v, want %q", got, "not found")
	}
}

func TestLogger_NilIsNoOp(t *testing.T) {
	logger := New(nil)
	logger.Info("dropped", core.F("k", "v"))
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync on nop logger: %v", err)
	}
}

func TestLogger_ServesRunner(t *testing.T) {
	zcore, logs := observer.New(zapcore.DebugLevel)
	runner := core.NewSingleThreadTaskRunner(core.RunnerOptions{
		Name:   "Layout",
		Logger: New(zap.New(zcore)),
	})
	runner.Stop()
	runner.PostTask(nil)

	if n := logs.FilterMessage("task rejected").Len(); n != 1 {
		t.Fatalf("rejection entries = %d, want 1", n)
	}
}
