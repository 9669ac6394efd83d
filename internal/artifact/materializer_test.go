package artifact

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/stemforge/api/internal/config"
	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/store"
)

// fakeStorage records uploads in memory and serves public URLs off a
// fixed prefix.
type fakeStorage struct {
	mu      sync.Mutex
	uploads map[string][]byte
	mimes   map[string]string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{uploads: make(map[string][]byte), mimes: make(map[string]string)}
}

func (f *fakeStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[key] = data
	f.mimes[key] = contentType
	return "https://blobs.test/" + key, nil
}

func (f *fakeStorage) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.uploads, key)
	delete(f.mimes, key)
	return nil
}

func (f *fakeStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://blobs.test/signed/" + key, nil
}

func (f *fakeStorage) GetPublicURL(key string) string { return "https://blobs.test/" + key }

func testArtifactConfig() *config.ArtifactConfig {
	return &config.ArtifactConfig{FetchConcurrency: 4, FetchTimeoutSec: 5}
}

func TestMaterialize_DeduplicatesCollidingNames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	storage := newFakeStorage()
	artifacts := store.NewMemoryArtifactStore()
	m := NewMaterializer(storage, artifacts, testArtifactConfig())

	output := map[string]any{
		"stems": []any{
			srv.URL + "/first/a.wav",
			srv.URL + "/second/a.wav",
			srv.URL + "/third/b.wav",
		},
	}

	got, err := m.Materialize(context.Background(), "job-1", output)
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 artifacts, got %d", len(got))
	}

	wantKeys := map[string]bool{
		"artifacts/job-1/a.wav":   true,
		"artifacts/job-1/a-2.wav": true,
		"artifacts/job-1/b.wav":   true,
	}
	for _, art := range got {
		if !wantKeys[art.BlobKey] {
			t.Errorf("unexpected blob key %q", art.BlobKey)
		}
		delete(wantKeys, art.BlobKey)
	}
	for k := range wantKeys {
		t.Errorf("missing expected blob key %q", k)
	}

	if storage.mimes["artifacts/job-1/a.wav"] != "audio/wav" {
		t.Errorf("expected audio/wav content type, got %q", storage.mimes["artifacts/job-1/a.wav"])
	}
}

func TestMaterialize_DropsFailedFetches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad.wav" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	m := NewMaterializer(newFakeStorage(), store.NewMemoryArtifactStore(), testArtifactConfig())
	output := []any{srv.URL + "/bad.wav", srv.URL + "/good.wav"}

	got, err := m.Materialize(context.Background(), "job-2", output)
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 artifact after dropping the 404, got %d", len(got))
	}
	if got[0].BlobKey != "artifacts/job-2/good.wav" {
		t.Errorf("unexpected surviving artifact %q", got[0].BlobKey)
	}
}

func TestMaterialize_FallsBackToRawOutput(t *testing.T) {
	storage := newFakeStorage()
	artifacts := store.NewMemoryArtifactStore()
	m := NewMaterializer(storage, artifacts, testArtifactConfig())

	output := map[string]any{"note": "no urls here", "score": 0.93}
	got, err := m.Materialize(context.Background(), "job-3", output)
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected single raw-output artifact, got %d", len(got))
	}
	if got[0].BlobKey != "artifacts/job-3/output.json" {
		t.Errorf("expected output.json fallback, got %q", got[0].BlobKey)
	}
	if got[0].Format != model.FormatJSON {
		t.Errorf("expected json format, got %q", got[0].Format)
	}

	listed, err := artifacts.ListByJob(context.Background(), "job-3")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("expected fallback artifact to be persisted, got %d", len(listed))
	}
}

func TestMaterialize_NilStorageReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	m := NewMaterializer(nil, store.NewMemoryArtifactStore(), testArtifactConfig())
	_, err := m.Materialize(context.Background(), "job-5", []any{srv.URL + "/a.wav"})
	if !errors.Is(err, ErrStorageUnconfigured) {
		t.Fatalf("expected ErrStorageUnconfigured, got %v", err)
	}
}

func TestDiscard_RemovesRecordsAndBlobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	storage := newFakeStorage()
	artifacts := store.NewMemoryArtifactStore()
	m := NewMaterializer(storage, artifacts, testArtifactConfig())

	got, err := m.Materialize(context.Background(), "job-6", []any{srv.URL + "/a.wav", srv.URL + "/b.wav"})
	if err != nil {
		t.Fatalf("materialize failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(got))
	}

	m.Discard(context.Background(), got)

	listed, err := artifacts.ListByJob(context.Background(), "job-6")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("expected no records after discard, got %d", len(listed))
	}
	storage.mu.Lock()
	defer storage.mu.Unlock()
	if len(storage.uploads) != 0 {
		t.Errorf("expected no blobs after discard, got %d", len(storage.uploads))
	}
}

func TestPassthrough_NamesAreUnique(t *testing.T) {
	storage := newFakeStorage()
	artifacts := store.NewMemoryArtifactStore()
	m := NewMaterializer(storage, artifacts, testArtifactConfig())

	source := &model.Asset{
		ID:        "asset-1",
		BlobURL:   "https://cdn.test/audio/mytrack.wav",
		SizeBytes: 2048,
	}

	got, err := m.Passthrough(context.Background(), "job-4", source, 4)
	if err != nil {
		t.Fatalf("passthrough failed: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 passthrough artifacts, got %d", len(got))
	}

	wantKeys := []string{
		"artifacts/job-4/mytrack.wav",
		"artifacts/job-4/mytrack-2.wav",
		"artifacts/job-4/mytrack-3.wav",
		"artifacts/job-4/mytrack-4.wav",
	}
	for i, art := range got {
		if art.BlobKey != wantKeys[i] {
			t.Errorf("artifact %d: expected key %q, got %q", i, wantKeys[i], art.BlobKey)
		}
		if art.PublicURL != source.BlobURL {
			t.Errorf("artifact %d: expected public url to point at source, got %q", i, art.PublicURL)
		}
		if art.SizeBytes != source.SizeBytes {
			t.Errorf("artifact %d: expected source size carried over, got %d", i, art.SizeBytes)
		}
	}
}

func TestCollectURLs_DeterministicOrder(t *testing.T) {
	output := map[string]any{
		"zeta":  "https://x.test/z.wav",
		"alpha": "https://x.test/a.wav",
		"nested": map[string]any{
			"list": []any{"https://x.test/1.wav", "https://x.test/2.wav"},
		},
		"count": float64(3),
		"note":  "not a url",
	}

	want := []string{
		"https://x.test/a.wav",
		"https://x.test/1.wav",
		"https://x.test/2.wav",
		"https://x.test/z.wav",
	}
	got := CollectURLs(output)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("CollectURLs order mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestLooksLikeURL(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"https://x.test/a.wav", true},
		{"http://x.test/a.wav", true},
		{"ftp://x.test/a.wav", false},
		{"https://", false},
		{"a.wav", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := LooksLikeURL(tc.in); got != tc.want {
			t.Errorf("LooksLikeURL(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestAssignNames_UnusableBasenames(t *testing.T) {
	urls := []string{"https://x.test/", "https://x.test/stream?id=9"}
	got := assignNames(urls)
	if got[0].name != "output-1.bin" {
		t.Errorf("expected synthetic name for bare path, got %q", got[0].name)
	}
	if got[1].name != "stream" {
		t.Errorf("expected sanitized basename, got %q", got[1].name)
	}
}
