package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linkrelay/linkrelay/internal/logctx"
	"github.com/linkrelay/linkrelay/internal/resolver"
	"github.com/linkrelay/linkrelay/internal/shortid"
	"github.com/linkrelay/linkrelay/internal/storage"
	"github.com/linkrelay/linkrelay/internal/telemetry"
	"github.com/linkrelay/linkrelay/internal/transfer"
)

// createRetries bounds how many fresh IDs are tried when an insert collides.
const createRetries = 5

const defaultFilename = "download.mkv"

type SubmitRequest struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

type SubmitResponse struct {
	ID              string `json:"id"`
	OriginalURL     string `json:"original_url"`
	RenamedFilename string `json:"renamed_filename"`
	GeneratedLink   string `json:"generated_link"`
}

type LinkHandler struct {
	repo      storage.LinkRepository
	engine    *transfer.Engine
	baseURL   string
	telemetry *telemetry.Telemetry
}

// NewLinkHandler creates the handler behind the public link surface.
func NewLinkHandler(repo storage.LinkRepository, engine *transfer.Engine, baseURL string, t *telemetry.Telemetry) *LinkHandler {
	return &LinkHandler{
		repo:      repo,
		engine:    engine,
		baseURL:   baseURL,
		telemetry: t,
	}
}

func (h *LinkHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", h.HandleHome)
	r.Post("/submit", h.HandleSubmit)
	r.Get("/download-page/{id}", h.HandleDownloadPage)
	r.Get("/download/{id}", h.HandleDownload)

	return r
}

// HandleSubmit creates a link record for a submitted URL and filename.
func (h *LinkHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode submit request", "err", err)
		writeJSONError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if req.URL == "" {
		writeJSONError(w, http.StatusBadRequest, "missing 'url'")

		return
	}

	if req.Filename == "" {
		req.Filename = defaultFilename
	}

	record, err := h.createRecord(r, &req)
	if err != nil {
		logger.Error("failed to create link record", "err", err)
		writeJSONError(w, http.StatusInternalServerError, "failed to create link")

		return
	}

	logger.Info("link created", "record_id", record.ID, "filename", record.Filename)

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(SubmitResponse{
		ID:              record.ID,
		OriginalURL:     record.OriginalURL,
		RenamedFilename: record.Filename,
		GeneratedLink:   record.Link,
	}); err != nil {
		logger.Error("failed to encode submit response", "err", err)
	}
}

// createRecord allocates an ID and inserts the record, retrying on the rare
// primary-key collision.
func (h *LinkHandler) createRecord(r *http.Request, req *SubmitRequest) (*storage.LinkRecord, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		id, err := shortid.NewID()
		if err != nil {
			return nil, err
		}

		record := &storage.LinkRecord{
			ID:          id,
			OriginalURL: req.URL,
			Filename:    req.Filename,
			Link:        shortid.BuildLink(h.baseURL, id),
			CreatedAt:   time.Now(),
		}

		err = h.repo.CreateLink(r.Context(), record)
		if err == nil {
			return record, nil
		}

		if !errors.Is(err, storage.ErrDuplicateID) {
			return nil, err
		}
	}

	return nil, storage.ErrConflict
}

// HandleDownloadPage renders the human-facing landing page for a link.
func (h *LinkHandler) HandleDownloadPage(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	record, err := h.repo.GetLink(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "File not found", http.StatusNotFound)

			return
		}

		logger.Error("failed to load link record", "record_id", id, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)

		return
	}

	fileSize := record.FileSize
	if fileSize == "" {
		fileSize = "Unknown size"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	err = downloadPageTmpl.Execute(w, map[string]string{
		"Filename":    record.Filename,
		"FileSize":    fileSize,
		"DownloadURL": fmt.Sprintf("%s/download/%s", h.baseURL, record.ID),
	})
	if err != nil {
		logger.Error("failed to render download page", "record_id", id, "err", err)
	}
}

// HandleDownload runs the transfer engine and streams the file to the client.
func (h *LinkHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	delivery, err := h.engine.Fetch(r.Context(), id)
	if err != nil {
		status, message := statusForError(err)

		if status >= http.StatusInternalServerError {
			logger.Error("download failed", "record_id", id, "err", err)
		}

		http.Error(w, message, status)

		return
	}

	defer delivery.Body.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", delivery.Filename))
	w.Header().Set("Content-Type", delivery.ContentType)

	if delivery.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(delivery.Size, 10))
	}

	source := "upstream"
	if delivery.FromCache {
		source = "cache"
		h.telemetry.RecordCacheHit()
	} else {
		h.telemetry.RecordCacheMiss()
	}

	streamErr := h.telemetry.InstrumentDownload(r.Context(), source, func(ctx context.Context) error {
		_, err := io.Copy(w, delivery.Body)

		return err
	})
	if streamErr != nil {
		// Headers are gone; all we can do is abort the connection and make
		// sure the partial cache write is dropped (Body.Close handles that).
		logger.Error("download aborted mid-stream", "record_id", id, "err", streamErr)
		h.telemetry.RecordSystemError("transfer", "stream_aborted")
	}
}

// HandleHome serves the submission form.
func (h *LinkHandler) HandleHome(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	if err := homeTmpl.Execute(w, nil); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to render home page", "err", err)
	}
}

// statusForError maps engine errors onto the HTTP surface.
func statusForError(err error) (int, string) {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound, "File not found"
	}

	var resErr *resolver.Error
	if errors.As(err, &resErr) {
		return http.StatusInternalServerError, fmt.Sprintf("Failed to resolve download link: %s", resErr.Reason)
	}

	var upErr *transfer.UpstreamError
	if errors.As(err, &upErr) {
		return http.StatusBadGateway, fmt.Sprintf("Remote server returned %d", upErr.StatusCode)
	}

	return http.StatusInternalServerError, "Download failed"
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

var homeTmpl = template.Must(template.New("home").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Link Relay</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, sans-serif; max-width: 600px; margin: 40px auto; padding: 20px; background: #f9f9f9; }
        h1 { color: #333; text-align: center; }
        .form-group { margin-bottom: 15px; }
        label { display: block; margin-bottom: 5px; font-weight: bold; }
        input[type="text"] { width: 100%; padding: 10px; border: 1px solid #ccc; border-radius: 4px; box-sizing: border-box; }
        button { background: #4CAF50; color: white; padding: 12px 20px; border: none; border-radius: 4px; cursor: pointer; width: 100%; font-size: 16px; }
        button:disabled { background: #cccccc; cursor: not-allowed; }
        #result { margin-top: 20px; padding: 15px; background: white; border-radius: 4px; display: none; }
        .error { color: #d32f2f; background: #ffebee; }
    </style>
</head>
<body>
    <h1>Link Relay</h1>
    <form id="submitForm">
        <div class="form-group">
            <label for="url">Source URL</label>
            <input type="text" id="url" name="url" placeholder="https://wildshare.net/..." required>
        </div>
        <div class="form-group">
            <label for="filename">Custom Filename</label>
            <input type="text" id="filename" name="filename" placeholder="movie.mkv" required>
        </div>
        <button type="submit" id="submitBtn">Generate Download Link</button>
    </form>
    <div id="result"></div>
    <script>
        document.getElementById('submitForm').addEventListener('submit', async (e) => {
            e.preventDefault();
            const btn = document.getElementById('submitBtn');
            const result = document.getElementById('result');
            btn.disabled = true;
            result.style.display = 'none';

            try {
                const res = await fetch('/submit', {
                    method: 'POST',
                    headers: { 'Content-Type': 'application/json' },
                    body: JSON.stringify({
                        url: document.getElementById('url').value,
                        filename: document.getElementById('filename').value
                    })
                });
                const data = await res.json();
                if (res.ok) {
                    result.innerHTML = '<strong>Success!</strong><br><a href="' + data.generated_link + '">' + data.generated_link + '</a>';
                    result.className = '';
                } else {
                    result.innerHTML = '<strong>Error:</strong> ' + (data.error || 'unknown error');
                    result.className = 'error';
                }
            } catch (err) {
                result.innerHTML = '<strong>Network error:</strong> ' + err.message;
                result.className = 'error';
            } finally {
                result.style.display = 'block';
                btn.disabled = false;
            }
        });
    </script>
</body>
</html>
`))

var downloadPageTmpl = template.Must(template.New("download-page").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Download - {{.Filename}}</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; background: #f8f9fa; margin: 0; padding: 20px; text-align: center; }
        .container { max-width: 600px; margin: 40px auto; background: white; border-radius: 12px; box-shadow: 0 4px 20px rgba(0,0,0,0.1); padding: 30px; }
        h1 { color: #2c3e50; margin-bottom: 20px; }
        .file-info { background: #f1f8ff; padding: 15px; border-radius: 8px; margin: 20px 0; text-align: left; }
        .btn { display: inline-block; margin-top: 20px; padding: 14px 32px; background: #43a047; color: white; text-decoration: none; border-radius: 6px; font-size: 18px; font-weight: bold; }
        .countdown { margin: 15px 0; color: #666; font-size: 16px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Ready to Download</h1>
        <div class="file-info">
            <strong>{{.Filename}}</strong><br>
            Size: {{.FileSize}}
        </div>
        <div class="countdown">Your download will start in <span id="timer">5</span> seconds...</div>
        <a href="{{.DownloadURL}}" id="downloadBtn" class="btn">Download Now</a>
    </div>
    <script>
        let seconds = 5;
        const timerEl = document.getElementById('timer');
        const countdown = setInterval(() => {
            seconds--;
            timerEl.textContent = seconds;
            if (seconds <= 0) {
                clearInterval(countdown);
                window.location = document.getElementById('downloadBtn').href;
            }
        }, 1000);
    </script>
</body>
</html>
`))
