package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stemforge/api/internal/client"
	"github.com/stemforge/api/internal/config"
	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/store"
)

// mimeTypes maps file extensions to upload content types.
var mimeTypes = map[string]string{
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"flac": "audio/flac",
	"ogg":  "audio/ogg",
	"zip":  "application/zip",
	"json": "application/json",
	"mid":  "audio/midi",
	"midi": "audio/midi",
}

const defaultMime = "application/octet-stream"

// ErrStorageUnconfigured reports that no blob storage is wired; outputs that
// need persisting cannot be materialized.
var ErrStorageUnconfigured = errors.New("artifact storage not configured")

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Materializer turns backend output references into durably stored,
// deduplicated artifact blobs.
type Materializer struct {
	storage     client.StorageClient
	artifacts   store.ArtifactStore
	httpClient  *http.Client
	concurrency int
	fetchTTL    time.Duration
}

func NewMaterializer(storage client.StorageClient, artifacts store.ArtifactStore, cfg *config.ArtifactConfig) *Materializer {
	concurrency := cfg.FetchConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Materializer{
		storage:     storage,
		artifacts:   artifacts,
		httpClient:  &http.Client{},
		concurrency: concurrency,
		fetchTTL:    time.Duration(cfg.FetchTimeoutSec) * time.Second,
	}
}

// candidate is one URL with its pre-assigned unique filename. Names are
// assigned by index before any I/O starts, so fetch concurrency cannot
// change the naming outcome.
type candidate struct {
	url  string
	name string
}

// Materialize walks the backend output, fetches every URL-shaped value and
// persists each as an artifact blob under the job. A single bad reference
// is dropped; only a fully empty batch triggers the raw-JSON fallback, so
// every completed job ends up with at least one artifact.
func (m *Materializer) Materialize(ctx context.Context, jobID string, output any) ([]*model.Artifact, error) {
	if m.storage == nil {
		return nil, ErrStorageUnconfigured
	}

	urls := CollectURLs(output)
	candidates := assignNames(urls)

	results := make([]*model.Artifact, len(candidates))
	var cursor int64 = -1
	var wg sync.WaitGroup

	workers := m.concurrency
	if workers > len(candidates) {
		workers = len(candidates)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				idx := int(atomic.AddInt64(&cursor, 1))
				if idx >= len(candidates) {
					return
				}
				art, err := m.fetchAndUpload(ctx, jobID, candidates[idx])
				if err != nil {
					log.Printf("[materializer] job %s: dropping %s: %v", jobID, candidates[idx].url, err)
					continue
				}
				results[idx] = art
			}
		}()
	}
	wg.Wait()

	var artifacts []*model.Artifact
	for _, art := range results {
		if art != nil {
			artifacts = append(artifacts, art)
		}
	}

	if len(artifacts) == 0 {
		art, err := m.persistRaw(ctx, jobID, output)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, art)
	}

	for _, art := range artifacts {
		if err := m.artifacts.Save(ctx, art); err != nil {
			return nil, fmt.Errorf("failed to save artifact %s: %w", art.ID, err)
		}
	}
	return artifacts, nil
}

// Passthrough creates n placeholder artifacts that point at the original
// source audio. Used by degraded-fallback recovery; no bytes are copied.
func (m *Materializer) Passthrough(ctx context.Context, jobID string, source *model.Asset, n int) ([]*model.Artifact, error) {
	base := baseNameFromURL(source.BlobURL)
	if base == "" {
		base = "output.wav"
	}

	used := make(map[string]bool)
	artifacts := make([]*model.Artifact, 0, n)
	for i := 0; i < n; i++ {
		name := uniqueName(base, used)
		art := &model.Artifact{
			ID:        uuid.New().String(),
			JobID:     jobID,
			BlobKey:   fmt.Sprintf("artifacts/%s/%s", jobID, name),
			PublicURL: source.BlobURL,
			Format:    extFromName(name),
			SizeBytes: source.SizeBytes,
			CreatedAt: time.Now(),
		}
		if err := m.artifacts.Save(ctx, art); err != nil {
			return nil, fmt.Errorf("failed to save passthrough artifact: %w", err)
		}
		artifacts = append(artifacts, art)
	}
	return artifacts, nil
}

// Discard removes materialized artifact records and their stored blobs.
// Called when the terminal commit that would have linked them lost its
// version race, so nothing ends up orphaned.
func (m *Materializer) Discard(ctx context.Context, artifacts []*model.Artifact) {
	for _, art := range artifacts {
		if err := m.artifacts.Delete(ctx, art); err != nil {
			log.Printf("[materializer] job %s: failed to delete record %s: %v", art.JobID, art.ID, err)
		}
		if err := m.storage.Delete(ctx, art.BlobKey); err != nil {
			log.Printf("[materializer] job %s: failed to delete blob %s: %v", art.JobID, art.BlobKey, err)
		}
	}
}

// fetchAndUpload downloads one output reference and stores it under the
// computed blob key. Non-2xx fetches are an error the caller drops.
func (m *Materializer) fetchAndUpload(ctx context.Context, jobID string, c candidate) (*model.Artifact, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.fetchTTL)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	key := fmt.Sprintf("artifacts/%s/%s", jobID, c.name)
	ext := extFromName(c.name)
	mime, ok := mimeTypes[ext]
	if !ok {
		mime = defaultMime
	}

	publicURL, err := m.storage.Upload(ctx, key, bytes.NewReader(data), mime)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}

	return &model.Artifact{
		ID:        uuid.New().String(),
		JobID:     jobID,
		BlobKey:   key,
		PublicURL: publicURL,
		Format:    ext,
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now(),
	}, nil
}

// persistRaw stores the entire backend output as a diagnostic JSON blob.
func (m *Materializer) persistRaw(ctx context.Context, jobID string, output any) (*model.Artifact, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal raw output: %w", err)
	}

	key := fmt.Sprintf("artifacts/%s/output.json", jobID)
	publicURL, err := m.storage.Upload(ctx, key, bytes.NewReader(data), mimeTypes["json"])
	if err != nil {
		return nil, fmt.Errorf("failed to persist raw output: %w", err)
	}

	return &model.Artifact{
		ID:        uuid.New().String(),
		JobID:     jobID,
		BlobKey:   key,
		PublicURL: publicURL,
		Format:    model.FormatJSON,
		SizeBytes: int64(len(data)),
		CreatedAt: time.Now(),
	}, nil
}

// CollectURLs walks arbitrary decoded JSON and returns every string value
// that looks like an HTTP(S) URL. Arrays keep their index order; object
// keys are visited sorted so collection order is deterministic.
func CollectURLs(v any) []string {
	var urls []string
	walkJSON(v, &urls)
	return urls
}

func walkJSON(v any, urls *[]string) {
	switch val := v.(type) {
	case string:
		if LooksLikeURL(val) {
			*urls = append(*urls, val)
		}
	case []any:
		for _, item := range val {
			walkJSON(item, urls)
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkJSON(val[k], urls)
		}
	}
	// numbers, bools and nulls are ignored
}

// LooksLikeURL reports whether s is an absolute HTTP(S) URL.
func LooksLikeURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	u, err := url.Parse(s)
	return err == nil && u.Host != ""
}

// assignNames derives a deduplicated filename for every URL, in order.
func assignNames(urls []string) []candidate {
	used := make(map[string]bool)
	candidates := make([]candidate, 0, len(urls))
	for i, u := range urls {
		name := baseNameFromURL(u)
		if name == "" {
			ext := extFromURL(u)
			if ext == "" {
				ext = "bin"
			}
			name = fmt.Sprintf("output-%d.%s", i+1, ext)
		}
		candidates = append(candidates, candidate{url: u, name: uniqueName(name, used)})
	}
	return candidates
}

// baseNameFromURL sanitizes the URL path basename into a safe filename.
// Returns "" when nothing usable resolves.
func baseNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "." || base == "/" || base == "" {
		return ""
	}
	base = unsafeNameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._-")
	if base == "" {
		return ""
	}
	return base
}

// uniqueName suffixes the stem with -2, -3, ... until the name is unused
// within the batch.
func uniqueName(name string, used map[string]bool) string {
	if !used[name] {
		used[name] = true
		return name
	}

	stem, ext := splitExt(name)
	for n := 2; ; n++ {
		cand := fmt.Sprintf("%s-%d%s", stem, n, ext)
		if !used[cand] {
			used[cand] = true
			return cand
		}
	}
}

func splitExt(name string) (stem, ext string) {
	ext = path.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

func extFromName(name string) string {
	return strings.TrimPrefix(path.Ext(name), ".")
}

func extFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(path.Ext(u.Path), ".")
}
