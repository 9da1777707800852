package rest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkrelay/linkrelay/internal/cache"
	"github.com/linkrelay/linkrelay/internal/resolver"
	"github.com/linkrelay/linkrelay/internal/storage"
	"github.com/linkrelay/linkrelay/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu      sync.Mutex
	records map[string]*storage.LinkRecord
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*storage.LinkRecord)}
}

func (m *memRepo) CreateLink(_ context.Context, record *storage.LinkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[record.ID]; ok {
		return storage.ErrDuplicateID
	}

	clone := *record
	m.records[record.ID] = &clone

	return nil
}

func (m *memRepo) GetLink(_ context.Context, id string) (*storage.LinkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	clone := *record

	return &clone, nil
}

func (m *memRepo) UpdateFileSize(_ context.Context, id, size string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record, ok := m.records[id]; ok {
		record.FileSize = size
	}

	return nil
}

type stubResolver struct{}

func (stubResolver) Resolve(_ context.Context, pageURL string) (*resolver.Resolution, error) {
	return nil, &resolver.Error{PageURL: pageURL, Reason: "resolver should not run in this test"}
}

func newTestHandler(t *testing.T, repo storage.LinkRepository, baseURL string) *LinkHandler {
	t.Helper()

	store := cache.NewStore(t.TempDir(), time.Hour)
	policy := resolver.NewPolicy([]string{"wildshare.net"})

	engine := transfer.NewEngine(repo, store, stubResolver{}, policy, http.DefaultClient, transfer.Config{
		ResolverTimeout: 5 * time.Second,
		UserAgent:       "test-agent",
		Referer:         "https://example.com/",
	})

	return NewLinkHandler(repo, engine, baseURL, nil)
}

func TestHandleSubmit(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantFilename string
	}{
		{
			name:         "valid submission",
			body:         `{"url": "https://example.com/file", "filename": "movie.mkv"}`,
			wantStatus:   http.StatusOK,
			wantFilename: "movie.mkv",
		},
		{
			name:         "missing filename falls back to default",
			body:         `{"url": "https://example.com/file"}`,
			wantStatus:   http.StatusOK,
			wantFilename: "download.mkv",
		},
		{
			name:       "missing url",
			body:       `{"filename": "movie.mkv"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			body:       `{not json`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestHandler(t, newMemRepo(), "http://relay.local")

			req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			handler.Routes().ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp SubmitResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

			assert.Len(t, resp.ID, 6)
			assert.Equal(t, tt.wantFilename, resp.RenamedFilename)
			assert.Equal(t, "http://relay.local/download-page/"+resp.ID, resp.GeneratedLink)
		})
	}
}

func TestHandleSubmit_RetriesOnIDCollision(t *testing.T) {
	repo := newMemRepo()
	handler := newTestHandler(t, repo, "http://relay.local")

	// First insert always collides, second succeeds.
	collideOnce := &collidingRepo{LinkRepository: repo, failures: 1}
	handler.repo = collideOnce

	req := httptest.NewRequest(http.MethodPost, "/submit",
		strings.NewReader(`{"url": "https://example.com/file", "filename": "a.mkv"}`))
	rec := httptest.NewRecorder()

	handler.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, collideOnce.attempts.Load())
}

type collidingRepo struct {
	storage.LinkRepository
	failures int
	attempts atomic.Int32
}

func (c *collidingRepo) CreateLink(ctx context.Context, record *storage.LinkRecord) error {
	attempt := c.attempts.Add(1)
	if int(attempt) <= c.failures {
		return storage.ErrDuplicateID
	}

	return c.LinkRepository.CreateLink(ctx, record)
}

func TestHandleDownloadPage(t *testing.T) {
	repo := newMemRepo()
	require.NoError(t, repo.CreateLink(context.Background(), &storage.LinkRecord{
		ID:          "abc123",
		OriginalURL: "https://example.com/file",
		Filename:    "movie.mkv",
		FileSize:    "1.4 GB",
		CreatedAt:   time.Now(),
	}))
	require.NoError(t, repo.CreateLink(context.Background(), &storage.LinkRecord{
		ID:          "def456",
		OriginalURL: "https://example.com/other",
		Filename:    "other.mkv",
		CreatedAt:   time.Now(),
	}))

	handler := newTestHandler(t, repo, "http://relay.local")

	tests := []struct {
		name       string
		id         string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "known record",
			id:         "abc123",
			wantStatus: http.StatusOK,
			wantBody:   []string{"movie.mkv", "1.4 GB", "http://relay.local/download/abc123"},
		},
		{
			name:       "record without a resolved size",
			id:         "def456",
			wantStatus: http.StatusOK,
			wantBody:   []string{"other.mkv", "Unknown size"},
		},
		{
			name:       "unknown record",
			id:         "nosuch",
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/download-page/"+tt.id, nil)
			rec := httptest.NewRecorder()

			handler.Routes().ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)

			body := rec.Body.String()
			for _, want := range tt.wantBody {
				assert.Contains(t, body, want)
			}
		})
	}
}

func TestHandleDownload_EndToEnd(t *testing.T) {
	payload := make([]byte, 64*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	var upstreamHits atomic.Int32

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.Header().Set("Content-Type", "video/x-matroska")
		w.Write(payload)
	}))
	defer upstream.Close()

	repo := newMemRepo()
	handler := newTestHandler(t, repo, "http://relay.local")
	routes := handler.Routes()

	// Submit the upstream URL.
	submitBody := fmt.Sprintf(`{"url": %q, "filename": "movie.mkv"}`, upstream.URL)
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(submitBody))
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	// The landing page echoes the submitted filename.
	req = httptest.NewRequest(http.MethodGet, "/download-page/"+resp.ID, nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "movie.mkv")

	// First download streams from upstream.
	req = httptest.NewRequest(http.MethodGet, "/download/"+resp.ID, nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="movie.mkv"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "video/x-matroska", rec.Header().Get("Content-Type"))
	assert.Equal(t, fmt.Sprint(len(payload)), rec.Header().Get("Content-Length"))
	assert.True(t, bytes.Equal(payload, rec.Body.Bytes()))
	assert.EqualValues(t, 1, upstreamHits.Load())

	// Second download is served from the cache without touching upstream.
	req = httptest.NewRequest(http.MethodGet, "/download/"+resp.ID, nil)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Equal(payload, rec.Body.Bytes()))
	assert.EqualValues(t, 1, upstreamHits.Load())
}

func TestHandleDownload_UnknownID(t *testing.T) {
	handler := newTestHandler(t, newMemRepo(), "http://relay.local")

	req := httptest.NewRequest(http.MethodGet, "/download/nosuch", nil)
	rec := httptest.NewRecorder()

	handler.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDownload_UpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer upstream.Close()

	repo := newMemRepo()
	require.NoError(t, repo.CreateLink(context.Background(), &storage.LinkRecord{
		ID:          "abc123",
		OriginalURL: upstream.URL,
		Filename:    "movie.mkv",
		CreatedAt:   time.Now(),
	}))

	handler := newTestHandler(t, repo, "http://relay.local")

	req := httptest.NewRequest(http.MethodGet, "/download/abc123", nil)
	rec := httptest.NewRecorder()

	handler.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "410")
}

func TestHandleHome(t *testing.T) {
	handler := newTestHandler(t, newMemRepo(), "http://relay.local")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	handler.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/submit")
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "unknown record",
			err:        storage.ErrNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "resolution failure",
			err:        &resolver.Error{PageURL: "https://wildshare.net/x", Reason: "no download button"},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "upstream rejection",
			err:        &transfer.UpstreamError{URL: "https://cdn.example.com/x", StatusCode: http.StatusForbidden},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "anything else",
			err:        io.ErrUnexpectedEOF,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := statusForError(tt.err)
			assert.Equal(t, tt.wantStatus, status)
		})
	}
}
