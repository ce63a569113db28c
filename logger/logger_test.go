package logger

import (
	"context"
	"testing"
)

func TestInit_createsLogFile(t *testing.T) {
	dir := t.TempDir()
	Init(Config{DataDir: dir, DevMode: true})
	t.Cleanup(func() { Close() })

	if logFile == nil {
		t.Fatal("expected log file to be opened")
	}
	Logger().Info("test message")
}

func TestFromContext_enrichesWithKnownKeys(t *testing.T) {
	ctx := context.Background()
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithConnID(ctx, "conn-1")
	ctx = WithWorktree(ctx, "feature-x")

	log := FromContext(ctx)
	if log == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestLogPanic_doesNotPanic(t *testing.T) {
	LogPanic("boom", "test panic", "key", "value")
}
