package transcript_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/whisperwire/internal/transcript"
)

// memStore collects entries in memory.
type memStore struct {
	mu      sync.Mutex
	entries []transcript.Entry
	closed  bool
}

func (s *memStore) WriteFinal(_ context.Context, e transcript.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *memStore) snapshot() []transcript.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transcript.Entry(nil), s.entries...)
}

func TestRecorderWritesAsynchronously(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	r := transcript.NewRecorder(store)

	r.Record(transcript.Entry{SessionID: "s1", Wire: "ws", Segment: 0, Text: "hello"})
	r.Record(transcript.Entry{SessionID: "s1", Wire: "ws", Segment: 1, Text: "world"})
	r.Close() // drains before closing the store

	got := store.snapshot()
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	if got[0].Text != "hello" || got[1].Text != "world" {
		t.Errorf("entries out of order: %+v", got)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt was not stamped")
	}
	if !store.closed {
		t.Error("store was not closed")
	}
}

func TestRecorderCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	r := transcript.NewRecorder(&memStore{})
	r.Close()
	r.Close() // must not panic
}

func TestNilRecorderIsNoop(t *testing.T) {
	t.Parallel()

	var r *transcript.Recorder
	r.Record(transcript.Entry{SessionID: "x"}) // must not panic
	r.Close()

	if transcript.NewRecorder(nil) != nil {
		t.Error("NewRecorder(nil) should return nil")
	}
}

func TestRecorderPreservesTimestamps(t *testing.T) {
	t.Parallel()

	store := &memStore{}
	r := transcript.NewRecorder(store)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	r.Record(transcript.Entry{SessionID: "s1", CreatedAt: ts})
	r.Close()

	got := store.snapshot()
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if !got[0].CreatedAt.Equal(ts) {
		t.Errorf("CreatedAt = %v, want %v", got[0].CreatedAt, ts)
	}
}
