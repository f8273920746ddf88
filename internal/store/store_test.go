package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/voxfarm/voxfarm/internal/store"
	"github.com/voxfarm/voxfarm/internal/transcribe"
)

// newTestStore connects to the MongoDB instance named by the environment, or
// skips the test when VOXFARM_TEST_MONGO_HOST is not set.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	host := os.Getenv("VOXFARM_TEST_MONGO_HOST")
	if host == "" {
		t.Skip("VOXFARM_TEST_MONGO_HOST not set — skipping MongoDB integration tests")
	}
	port := os.Getenv("VOXFARM_TEST_MONGO_PORT")
	if port == "" {
		port = "27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := store.New(ctx, host, port, "voxfarm_test")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close(context.Background())
	})
	return s
}

func TestTranscriptionCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hash := "cache-roundtrip-" + time.Now().Format("150405.000000000")
	words := []transcribe.Word{
		{Text: "hello", Start: 0, End: 0.5, Conf: 0.9},
		{Text: "world", Start: 0.6, End: 1.1, Conf: 0.95},
	}

	if cached, err := s.FetchTranscription(ctx, hash); err != nil || cached != nil {
		t.Fatalf("cold fetch = (%v, %v), want miss", cached, err)
	}
	if err := s.PushTranscription(ctx, hash, words, []string{"en", "en"}); err != nil {
		t.Fatalf("PushTranscription: %v", err)
	}
	// Upserts for the same hash must be idempotent-compatible.
	if err := s.PushTranscription(ctx, hash, words, []string{"en", "en"}); err != nil {
		t.Fatalf("second PushTranscription: %v", err)
	}

	cached, err := s.FetchTranscription(ctx, hash)
	if err != nil {
		t.Fatalf("FetchTranscription: %v", err)
	}
	if cached == nil || len(cached.Words) != 2 || cached.Words[0].Text != "hello" {
		t.Fatalf("cached = %+v, want the pushed words", cached)
	}
	if len(cached.WordLanguages) != 2 {
		t.Errorf("word languages not persisted: %+v", cached.WordLanguages)
	}
}

func TestResultRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := transcribe.FromCached([]transcribe.Word{
		{Text: "bonjour", Start: 0, End: 0.8, Conf: 0.88},
	}, nil)
	r.SetNoDiarization()

	id, err := s.PushResult(ctx, store.PushResultParams{
		FileHash:    "some-hash",
		JobID:       "job-1",
		ServiceName: "stt",
		ConfigJSON:  "{}",
		Result:      r.Document(),
	})
	if err != nil {
		t.Fatalf("PushResult: %v", err)
	}
	if id == "" {
		t.Fatal("PushResult returned an empty id")
	}

	doc, err := s.FetchResult(ctx, id)
	if err != nil {
		t.Fatalf("FetchResult: %v", err)
	}
	if doc == nil || doc.RawTranscription != "bonjour" {
		t.Fatalf("fetched = %+v, want the pushed document", doc)
	}

	// Fresh ids per push, never upserts.
	id2, err := s.PushResult(ctx, store.PushResultParams{
		FileHash: "some-hash", JobID: "job-1", ServiceName: "stt",
		ConfigJSON: "{}", Result: r.Document(),
	})
	if err != nil {
		t.Fatalf("second PushResult: %v", err)
	}
	if id2 == id {
		t.Error("PushResult reused a result id")
	}
}

func TestFetchResult_UnknownID(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.FetchResult(context.Background(), "no-such-id")
	if err != nil || doc != nil {
		t.Fatalf("got (%v, %v), want (nil, nil)", doc, err)
	}
}
