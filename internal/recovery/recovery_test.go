package recovery

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestRecoverWithLog_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "testGoroutine")
		panic("test panic")
	}()

	wg.Wait()

	output := buf.String()
	if !strings.Contains(output, "panic recovered") {
		t.Errorf("expected 'panic recovered' in output, got: %s", output)
	}
	if !strings.Contains(output, "testGoroutine") {
		t.Errorf("expected goroutine name in output, got: %s", output)
	}
	if !strings.Contains(output, "test panic") {
		t.Errorf("expected panic message in output, got: %s", output)
	}
	if !strings.Contains(output, "stack=") {
		t.Errorf("expected stack trace in output, got: %s", output)
	}
}

func TestRecoverWithLog_NoopOnNoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer RecoverWithLog(logger, "normalGoroutine")
		// No panic
	}()

	wg.Wait()

	if buf.Len() > 0 {
		t.Errorf("expected no output when no panic, got: %s", buf.String())
	}
}

func runAndCapture(logger *slog.Logger, name string, fn func()) (err error) {
	defer RecoverAsError(logger, name, &err)
	fn()
	return nil
}

func TestRecoverAsError_ReturnsPanicError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	err := runAndCapture(logger, "inbound", func() {
		panic("loop exploded")
	})
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *PanicError, got %T", err)
	}
	if pe.Goroutine != "inbound" {
		t.Errorf("Goroutine = %q, want inbound", pe.Goroutine)
	}
	if pe.Value != "loop exploded" {
		t.Errorf("Value = %v, want 'loop exploded'", pe.Value)
	}
	if pe.Stack == "" {
		t.Error("expected stack to be captured")
	}
	if !strings.Contains(err.Error(), "panic in inbound") {
		t.Errorf("unexpected error text: %v", err)
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic to be logged, got: %s", buf.String())
	}
}

func TestRecoverAsError_NoPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	err := runAndCapture(logger, "outbound", func() {})
	if err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
	if buf.Len() > 0 {
		t.Errorf("expected no output, got: %s", buf.String())
	}
}

func TestRecoverAsError_NilLoggerAndTarget(t *testing.T) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer RecoverAsError(nil, "quiet", nil)
		panic("nobody listening")
	}()

	<-done
}
