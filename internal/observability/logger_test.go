package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_LevelMapping(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name         string
		level        string
		debugEnabled bool
	}{
		{name: "debug level", level: "debug", debugEnabled: true},
		{name: "info level", level: "info", debugEnabled: false},
		{name: "empty level defaults to info", level: "", debugEnabled: false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tc.level)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if logger == nil {
				t.Fatal("logger should not be nil")
			}

			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tc.debugEnabled {
				t.Fatalf("debug enabled=%v, want=%v", got, tc.debugEnabled)
			}
		})
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger("not-a-level")
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
	if logger != nil {
		t.Fatal("expected nil logger for invalid level")
	}
}

func TestEventID_ContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := WithEventID(context.Background(), "evt_123")
	eventID, ok := EventIDFromContext(ctx)
	if !ok {
		t.Fatal("expected event id to exist")
	}
	if eventID != "evt_123" {
		t.Fatalf("event id=%q, want=%q", eventID, "evt_123")
	}
}

func TestEventID_ContextHelpersNilContext(t *testing.T) {
	t.Parallel()

	ctx := WithEventID(context.TODO(), "evt_456")
	eventID, ok := EventIDFromContext(ctx)
	if !ok {
		t.Fatal("expected event id to exist")
	}
	if eventID != "evt_456" {
		t.Fatalf("event id=%q, want=%q", eventID, "evt_456")
	}
}

func TestEventID_MissingValue(t *testing.T) {
	t.Parallel()

	_, ok := EventIDFromContext(context.Background())
	if ok {
		t.Fatal("expected event id to be missing")
	}
}

func TestWithContextLogger(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger := zap.New(core)

	ctx := WithEventID(context.Background(), "evt_789")
	loggerWithContext := WithContextLogger(baseLogger, ctx)
	loggerWithContext.Info("message with event id")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}

	if got := entries[0].ContextMap()["eventId"]; got != "evt_789" {
		t.Fatalf("eventId=%v, want=%q", got, "evt_789")
	}
}

func TestWithContextLogger_NoEventID(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger := zap.New(core)

	loggerWithContext := WithContextLogger(baseLogger, context.Background())
	loggerWithContext.Info("message without event id")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}

	if _, ok := entries[0].ContextMap()["eventId"]; ok {
		t.Fatal("expected eventId field to be absent")
	}
}

func TestWithContextLogger_NilLogger(t *testing.T) {
	t.Parallel()

	if got := WithContextLogger(nil, context.Background()); got != nil {
		t.Fatal("expected nil logger")
	}
}
