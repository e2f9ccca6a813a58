package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNew_JSONFormat(t *testing.T) {
	logger := New("info", "json")
	if logger == nil {
		t.Fatal("Expected non-nil logger for JSON format")
	}
}

func TestWithRunID_And_RunID(t *testing.T) {
	ctx := context.Background()

	// No run id initially
	if id := RunID(ctx); id != "" {
		t.Errorf("Expected empty run id, got %q", id)
	}

	// Set run id
	ctx = WithRunID(ctx, "train-123")
	if id := RunID(ctx); id != "train-123" {
		t.Errorf("Expected train-123, got %q", id)
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()

	// Default logger when none set
	logger := FromContext(ctx)
	if logger == nil {
		t.Fatal("Expected default logger")
	}

	// Set custom logger
	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)

	retrieved := FromContext(ctx)
	if retrieved != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_WithRunID(t *testing.T) {
	ctx := context.Background()
	ctx = WithRunID(ctx, "scan-456")
	ctx = WithLogger(ctx, New("info", "text"))

	logger := L(ctx)
	if logger == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
}

func TestL_WithoutRunID(t *testing.T) {
	ctx := context.Background()
	ctx = WithLogger(ctx, New("info", "text"))

	logger := L(ctx)
	if logger == nil {
		t.Fatal("Expected non-nil logger from L()")
	}
}

func TestRunID_OverwritesPrevious(t *testing.T) {
	ctx := context.Background()
	ctx = WithRunID(ctx, "first")
	ctx = WithRunID(ctx, "second")

	if id := RunID(ctx); id != "second" {
		t.Errorf("Expected 'second', got %q", id)
	}
}
