package storage

import (
	"testing"
	"time"
)

func TestAppendAndGetTranscripts(t *testing.T) {
	dir := t.TempDir()
	entry := TranscriptEntry{SessionID: "s1", Text: "hello world", DurationMs: 230}
	if err := AppendTranscript(dir, "dev-1", entry); err != nil {
		t.Fatalf("AppendTranscript error: %v", err)
	}
	if err := AppendTranscript(dir, "dev-1", TranscriptEntry{SessionID: "s2", Text: "again"}); err != nil {
		t.Fatalf("AppendTranscript error: %v", err)
	}

	day := time.Now().Format(dayFormat)
	entries, err := GetTranscripts(dir, "dev-1", day)
	if err != nil {
		t.Fatalf("GetTranscripts error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries=%d, want 2", len(entries))
	}
	if entries[0].Text != "hello world" || entries[1].SessionID != "s2" {
		t.Fatalf("entries=%+v, append order lost", entries)
	}
	if entries[0].Timestamp == "" {
		t.Fatal("timestamp not filled in")
	}
}

func TestListDaysSortedNewestFirst(t *testing.T) {
	dir := t.TempDir()
	if err := AppendTranscript(dir, "dev-1", TranscriptEntry{SessionID: "s1", Text: "x"}); err != nil {
		t.Fatalf("AppendTranscript error: %v", err)
	}

	days := ListDays(dir, "dev-1")
	if len(days) != 1 {
		t.Fatalf("days=%d, want 1", len(days))
	}
	if days[0].Count != 1 {
		t.Fatalf("count=%d, want 1", days[0].Count)
	}
	if days[0].Day != time.Now().Format(dayFormat) {
		t.Fatalf("day=%q, want today", days[0].Day)
	}
}

func TestDeleteTranscripts(t *testing.T) {
	dir := t.TempDir()
	if err := AppendTranscript(dir, "dev-1", TranscriptEntry{SessionID: "s1", Text: "x"}); err != nil {
		t.Fatalf("AppendTranscript error: %v", err)
	}
	day := time.Now().Format(dayFormat)
	if !DeleteTranscripts(dir, "dev-1", day) {
		t.Fatal("DeleteTranscripts=false, want true")
	}
	if DeleteTranscripts(dir, "dev-1", day) {
		t.Fatal("second DeleteTranscripts=true, want false")
	}
}

func TestRejectsUnsafeNames(t *testing.T) {
	dir := t.TempDir()
	if err := AppendTranscript(dir, "../evil", TranscriptEntry{Text: "x"}); err == nil {
		t.Fatal("AppendTranscript accepted traversal device id")
	}
	if _, err := GetTranscripts(dir, "dev-1", "../../etc"); err == nil {
		t.Fatal("GetTranscripts accepted traversal day")
	}
}
