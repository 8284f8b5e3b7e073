package logger

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"DEBUG":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "error"} {
		l := New(level)
		if l == nil {
			t.Fatalf("New(%q) returned nil", level)
		}
		if !l.Core().Enabled(parseLevel(level)) {
			t.Errorf("New(%q) does not log at its own level", level)
		}
	}
	if New("error").Core().Enabled(zapcore.InfoLevel) {
		t.Error("error logger should drop info")
	}
}

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithParticipantID(ctx, "alice")
	ctx = WithCallID(ctx, "call-9")

	cl.WithContext(ctx).Info("call started")
	cl.LogError(ctx, errors.New("boom"), "call failed")
	cl.WithContext(context.Background()).Info("bare")

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	fields := entries[0].ContextMap()
	for key, want := range map[string]string{"request_id": "req-1", "participant_id": "alice", "call_id": "call-9"} {
		if fields[key] != want {
			t.Errorf("field %s = %v, want %s", key, fields[key], want)
		}
	}

	if entries[1].Level != zapcore.ErrorLevel || entries[1].ContextMap()["error"] != "boom" {
		t.Errorf("unexpected error entry: %+v", entries[1].ContextMap())
	}
	if len(entries[2].Context) != 0 {
		t.Errorf("expected no fields on bare context, got %v", entries[2].ContextMap())
	}
	if RequestID(ctx) != "req-1" {
		t.Errorf("RequestID = %q", RequestID(ctx))
	}
	if ParticipantID(ctx) != "alice" || ParticipantID(context.Background()) != "" {
		t.Errorf("ParticipantID = %q", ParticipantID(ctx))
	}
}
