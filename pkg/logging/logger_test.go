package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func newJSONLogger(buf *bytes.Buffer, level Level) Logger {
	return NewLogger(&Config{
		Level:       level,
		ServiceName: "test-service",
		JSONFormat:  true,
		Output:      buf,
	})
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var output map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &output); err != nil {
		t.Fatalf("failed to parse JSON output %q: %v", buf.String(), err)
	}
	return output
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level to be info, got %s", cfg.Level)
	}
	if cfg.ServiceName != "convlog" {
		t.Errorf("expected default service name to be 'convlog', got %s", cfg.ServiceName)
	}
	if cfg.JSONFormat {
		t.Error("expected default JSONFormat to be false")
	}
}

func TestNewLogger_NilConfig(t *testing.T) {
	if NewLogger(nil) == nil {
		t.Error("expected non-nil logger with nil config")
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	newJSONLogger(buf, LevelDebug).Info("message appended", F("speaker_id", "guest-7"))

	output := decodeLine(t, buf)
	if output["message"] != "message appended" {
		t.Errorf("expected message 'message appended', got %v", output["message"])
	}
	if output["service_name"] != "test-service" {
		t.Errorf("expected service_name 'test-service', got %v", output["service_name"])
	}
	if output["speaker_id"] != "guest-7" {
		t.Errorf("expected speaker_id 'guest-7', got %v", output["speaker_id"])
	}
	if _, ok := output["time"]; !ok {
		t.Error("expected timestamp field 'time' in output")
	}
	if output["level"] != "info" {
		t.Errorf("expected level 'info', got %v", output["level"])
	}
}

func TestLogger_WithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := newJSONLogger(buf, LevelInfo).With(F("component", "session"), F("queue_size", 64))
	log.Info("started")

	output := decodeLine(t, buf)
	if output["component"] != "session" {
		t.Errorf("expected component 'session', got %v", output["component"])
	}
	if output["queue_size"] != float64(64) {
		t.Errorf("expected queue_size 64, got %v", output["queue_size"])
	}
}

func TestLogger_WithContext(t *testing.T) {
	buf := &bytes.Buffer{}
	log := newJSONLogger(buf, LevelInfo)

	ctx := ContextWithConversation(context.Background(), "conv-1", "room-42")

	log.WithContext(ctx).Info("persisted")

	output := decodeLine(t, buf)
	if output["conversation_id"] != "conv-1" {
		t.Errorf("expected conversation_id 'conv-1', got %v", output["conversation_id"])
	}
	if output["room"] != "room-42" {
		t.Errorf("expected room 'room-42', got %v", output["room"])
	}
	if _, ok := output["trace_id"]; ok {
		t.Error("trace_id should not be present when absent from context")
	}
}

func TestContextWithConversation_SkipsEmpty(t *testing.T) {
	ctx := ContextWithConversation(context.Background(), "", "")
	if ctx.Value(ConversationIDKey) != nil || ctx.Value(RoomKey) != nil {
		t.Error("empty identifiers should not be stored")
	}
}

func TestLogger_FieldTypes(t *testing.T) {
	buf := &bytes.Buffer{}
	newJSONLogger(buf, LevelInfo).Info("type test",
		F("string_field", "hello"),
		F("int_field", 42),
		F("int64_field", int64(9999999999)),
		F("float_field", 3.14),
		F("bool_field", true),
		F("duration_field", 5*time.Second),
		F("time_field", time.Date(2025, 11, 8, 10, 30, 0, 0, time.UTC)),
		Err(errors.New("test error")),
	)

	output := decodeLine(t, buf)
	if output["string_field"] != "hello" {
		t.Errorf("string_field mismatch: %v", output["string_field"])
	}
	if output["int_field"] != float64(42) {
		t.Errorf("int_field mismatch: %v", output["int_field"])
	}
	if output["int64_field"] != float64(9999999999) {
		t.Errorf("int64_field mismatch: %v", output["int64_field"])
	}
	if output["bool_field"] != true {
		t.Errorf("bool_field mismatch: %v", output["bool_field"])
	}
	if output["error"] != "test error" {
		t.Errorf("error field mismatch: %v", output["error"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	log := newJSONLogger(buf, LevelWarn)

	log.Debug("debug - should not appear", F("k", "v"))
	log.Info("info - should not appear")
	log.Warn("warn - should appear")
	log.Error("error - should appear")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d: %s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "warn - should appear") {
		t.Errorf("expected first line to be warn, got: %s", lines[0])
	}
	if !strings.Contains(lines[1], "error - should appear") {
		t.Errorf("expected second line to be error, got: %s", lines[1])
	}
}

func TestLogger_ConsoleFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	NewLogger(&Config{Level: LevelInfo, ServiceName: "convlog", Output: buf}).
		Info("console output test", F("room", "r1"))

	output := buf.String()
	if !strings.Contains(output, "console output test") {
		t.Errorf("console output should contain message: %s", output)
	}
	if !strings.Contains(output, "INF") {
		t.Errorf("console output should contain level indicator: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{" INFO ", LevelInfo},
		{"warning", LevelWarn},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"verbose", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %s, want %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	log.Info("discarded")
	if log.With(F("a", 1)) == nil || log.WithContext(context.Background()) == nil {
		t.Error("nop logger should return itself")
	}
}
