package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// capturingLogger records log calls for assertions
type capturingLogger struct {
	mu      sync.Mutex
	entries []capturedEntry
}

type capturedEntry struct {
	level  string
	msg    string
	fields []Field
}

func (l *capturingLogger) add(level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, capturedEntry{level: level, msg: msg, fields: fields})
}

func (l *capturingLogger) Debug(msg string, fields ...Field) { l.add("debug", msg, fields) }
func (l *capturingLogger) Info(msg string, fields ...Field)  { l.add("info", msg, fields) }
func (l *capturingLogger) Warn(msg string, fields ...Field)  { l.add("warn", msg, fields) }
func (l *capturingLogger) Error(msg string, fields ...Field) { l.add("error", msg, fields) }

func (l *capturingLogger) snapshot() []capturedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]capturedEntry(nil), l.entries...)
}

func TestDefaultPanicHandler(t *testing.T) {
	// Given: A DefaultPanicHandler
	handler := &DefaultPanicHandler{}

	// When: HandlePanic is called
	handler.HandlePanic(context.Background(), "test-runner", "test panic", []byte("stack trace"))

	// Then: No panic should occur
}

// TestLoggingPanicHandler verifies panics are reported through the logger
// Given: a runner whose panic handler logs to a capturing logger
// When: a task panics
// Then: one error entry names the runner and the panic value
func TestLoggingPanicHandler(t *testing.T) {
	logger := &capturingLogger{}
	runner := NewSingleThreadTaskRunner(RunnerOptions{
		Name:         "FontCache",
		PanicHandler: &LoggingPanicHandler{Logger: logger},
	})

	runner.PostTask(func(ctx context.Context) { panic("boom") })
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := runner.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	runner.Stop()

	var found bool
	for _, e := range logger.snapshot() {
		if e.level != "error" || e.msg != "task panicked" {
			continue
		}
		found = true
		fields := map[string]any{}
		for _, f := range e.fields {
			fields[f.Key] = f.Value
		}
		if fields["runner"] != "FontCache" || fields["panic"] != "boom" {
			t.Errorf("fields = %v", fields)
		}
		if s, _ := fields["stack"].(string); !strings.Contains(s, "goroutine") {
			t.Errorf("stack field missing trace: %q", s)
		}
	}
	if !found {
		t.Fatal("panic was not logged")
	}
}

func TestNilMetrics(t *testing.T) {
	// Given: A NilMetrics
	metrics := &NilMetrics{}

	// When: All methods are called
	metrics.RecordTaskDuration("test-runner", time.Second)
	metrics.RecordTaskPanic("test-runner", "panic")
	metrics.RecordQueueDepth("test-runner", 10)
	metrics.RecordTaskRejected("test-runner", "closed")

	// Then: No panic should occur
}

func TestLoggerOrNoOp(t *testing.T) {
	if _, ok := LoggerOrNoOp(nil).(*NoOpLogger); !ok {
		t.Fatal("nil logger was not replaced by NoOpLogger")
	}
	l := &capturingLogger{}
	if LoggerOrNoOp(l) != Logger(l) {
		t.Fatal("non-nil logger was replaced")
	}
}

// TestGetCurrentTaskRunner verifies extracting task runner from context
// Given: A plain context and a task running on a runner
// When: GetCurrentTaskRunner is called
// Then: It returns nil for the plain context and the runner inside the task
func TestGetCurrentTaskRunner(t *testing.T) {
	if got := GetCurrentTaskRunner(context.Background()); got != nil {
		t.Fatalf("GetCurrentTaskRunner(background) = %#v, want nil", got)
	}

	runner := NewSingleThreadTaskRunner(RunnerOptions{Name: "Layout"})
	defer runner.Stop()

	got := make(chan TaskRunner, 1)
	runner.PostTask(func(ctx context.Context) {
		got <- GetCurrentTaskRunner(ctx)
	})
	select {
	case r := <-got:
		if r != TaskRunner(runner) {
			t.Fatalf("GetCurrentTaskRunner in task = %v, want the runner", r)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
}
