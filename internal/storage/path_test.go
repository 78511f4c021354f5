package storage

import (
	"testing"
	"time"
)

func TestBuildTranscriptPath(t *testing.T) {
	ts := time.Date(2026, time.February, 19, 23, 5, 0, 0, time.FixedZone("x", -5*3600))
	key, err := BuildTranscriptPath("alice@example.com", "0b6f2a4e-1c2d-4e5f-8a9b-0c1d2e3f4a5b", ts)
	if err != nil {
		t.Fatalf("BuildTranscriptPath() error = %v", err)
	}
	want := "user=alice_example.com/date=2026-02-20/session-0b6f2a4e-1c2d-4e5f-8a9b-0c1d2e3f4a5b-1771560300000.parquet"
	if key != want {
		t.Fatalf("BuildTranscriptPath() = %q, want %q", key, want)
	}
}

func TestBuildTranscriptPathRejectsInvalidComponent(t *testing.T) {
	if _, err := BuildTranscriptPath("alice", "../oops", time.Now()); err == nil {
		t.Fatal("expected invalid session id error")
	}
	if _, err := BuildTranscriptPath("  ", "s1", time.Now()); err == nil {
		t.Fatal("expected missing user id error")
	}
	if _, err := BuildTranscriptPath("///", "s1", time.Now()); err == nil {
		t.Fatal("expected error for user id without usable characters")
	}
}
