package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/metricwatch/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()
	ctx := context.Background()

	events := []history.Event{
		{Type: history.EventConfigChanged, OccurredAt: time.Now().UTC(), OK: true, Fingerprint: "abc"},
		{Type: history.EventRestart, OccurredAt: time.Now().UTC(), Kind: "collector", OK: true, Attempt: 1, Message: "started"},
		{Type: history.EventRestartFailed, OccurredAt: time.Now().UTC(), Kind: "exporter", Attempt: 2, Message: "boom"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s: %v", e.Type, err)
		}
	}

	got, err := sink.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Type != history.EventRestartFailed || got[0].Kind != "exporter" || got[0].Attempt != 2 || got[0].OK {
		t.Fatalf("newest event mismatch: %+v", got[0])
	}
	if got[2].Fingerprint != "abc" {
		t.Fatalf("fingerprint not stored: %+v", got[2])
	}
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()
	if err := sink.Send(context.Background(), history.Event{Type: history.EventStart, OccurredAt: time.Now()}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := sink.Recent(context.Background(), 0)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected one event, got %d (%v)", len(got), err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
