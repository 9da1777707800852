// Package transfer orchestrates a download request: record lookup, optional
// link resolution, cache hit/miss decision, and the write-through stream that
// feeds the client and the cache in the same pass.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"context"

	"github.com/dustin/go-humanize"
	"github.com/linkrelay/linkrelay/internal/cache"
	"github.com/linkrelay/linkrelay/internal/logctx"
	"github.com/linkrelay/linkrelay/internal/resolver"
	"github.com/linkrelay/linkrelay/internal/storage"
	"github.com/linkrelay/linkrelay/internal/transfer/progress"
	"golang.org/x/sync/singleflight"
)

// DefaultContentType is used when the upstream response carries no
// Content-Type header.
const DefaultContentType = "video/x-matroska"

const progressInterval = int64(100 * 1024 * 1024) // 100MB

// Config carries the engine's fetch behavior.
type Config struct {
	ResolverTimeout time.Duration
	UserAgent       string
	Referer         string
}

// FailureEvent describes a failed download for notification purposes.
type FailureEvent struct {
	RecordID string
	Filename string
	Err      error
}

// Delivery is a ready-to-stream download. Body must be closed exactly once;
// closing before EOF discards the in-progress cache write.
type Delivery struct {
	Body        io.ReadCloser
	Size        int64 // -1 when unknown up front
	ContentType string
	Filename    string
	FromCache   bool
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Engine resolves a link record into a byte stream, populating the cache on
// the way through.
type Engine struct {
	repo     storage.LinkRepository
	cache    *cache.Store
	resolver resolver.Resolver
	policy   *resolver.Policy
	client   *http.Client
	cfg      Config

	flight singleflight.Group

	mu    sync.Mutex
	locks map[string]*keyLock

	OnDownloadError chan *FailureEvent
}

func NewEngine(
	repo storage.LinkRepository,
	cacheStore *cache.Store,
	res resolver.Resolver,
	policy *resolver.Policy,
	client *http.Client,
	cfg Config,
) *Engine {
	return &Engine{
		repo:     repo,
		cache:    cacheStore,
		resolver: res,
		policy:   policy,
		client:   client,
		cfg:      cfg,
		locks:    make(map[string]*keyLock),

		OnDownloadError: make(chan *FailureEvent, 16),
	}
}

func (e *Engine) Close() {
	close(e.OnDownloadError)
}

// Fetch runs the per-request state machine for a record ID and returns the
// stream to forward to the client. Errors are typed: storage.ErrNotFound for
// unknown IDs, *resolver.Error for resolution failures, *UpstreamError for
// non-200 remote responses.
func (e *Engine) Fetch(ctx context.Context, id string) (*Delivery, error) {
	logger := logctx.LoggerFromContext(ctx).With("record_id", id)

	// Opportunistic sweep so stale entries never satisfy the freshness check
	// below. Failures don't block the download.
	if err := e.cache.Sweep(ctx); err != nil {
		logger.Warn("cache sweep failed", "err", err)
	}

	record, err := e.repo.GetLink(ctx, id)
	if err != nil {
		return nil, err
	}

	downloadURL := record.OriginalURL

	var cookies map[string]string

	if e.policy.NeedsResolution(record.OriginalURL) {
		resolution, err := e.resolve(ctx, record.OriginalURL)
		if err != nil {
			e.reportFailure(record, err)

			return nil, err
		}

		downloadURL = resolution.DirectURL
		cookies = resolution.Cookies

		e.persistFileSize(ctx, record, resolution.FileSize)
	}

	key := e.cache.Fingerprint(downloadURL)

	if e.cache.IsFresh(key) {
		return e.serveFromCache(ctx, record, key)
	}

	// Serialize cache-miss fetches per fingerprint so concurrent requests for
	// the same resolved URL don't race duplicate upstream fetches; the loser
	// serves the winner's freshly cached bytes.
	release := e.lockKey(key)

	if e.cache.IsFresh(key) {
		release()

		return e.serveFromCache(ctx, record, key)
	}

	delivery, err := e.fetchUpstream(ctx, record, downloadURL, cookies, key, release)
	if err != nil {
		release()
		e.reportFailure(record, err)

		return nil, err
	}

	return delivery, nil
}

// resolve invokes the link resolver with a bounded deadline, coalescing
// concurrent invocations for the same original URL.
func (e *Engine) resolve(ctx context.Context, pageURL string) (*resolver.Resolution, error) {
	result, err, shared := e.flight.Do(pageURL, func() (any, error) {
		rctx, cancel := context.WithTimeout(ctx, e.cfg.ResolverTimeout)
		defer cancel()

		return e.resolver.Resolve(rctx, pageURL)
	})
	if err != nil {
		return nil, err
	}

	if shared {
		logctx.LoggerFromContext(ctx).Debug("resolver call coalesced", "page_url", pageURL)
	}

	return result.(*resolver.Resolution), nil
}

// persistFileSize stores the resolved size on the record. Best effort: a
// failure doesn't affect the current transfer.
func (e *Engine) persistFileSize(ctx context.Context, record *storage.LinkRecord, size string) {
	if size == "" || size == record.FileSize {
		return
	}

	if err := e.repo.UpdateFileSize(ctx, record.ID, size); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to persist resolved file size",
			"record_id", record.ID, "err", err)
	}
}

func (e *Engine) serveFromCache(ctx context.Context, record *storage.LinkRecord, key string) (*Delivery, error) {
	logger := logctx.LoggerFromContext(ctx)

	blob, size, err := e.cache.Open(key)
	if err != nil {
		return nil, fmt.Errorf("failed to open cached blob: %w", err)
	}

	logger.Info("serving from cache", "record_id", record.ID, "size", humanize.Bytes(uint64(size)))

	return &Delivery{
		Body:        blob,
		Size:        size,
		ContentType: DefaultContentType,
		Filename:    record.Filename,
		FromCache:   true,
	}, nil
}

// fetchUpstream issues the remote GET and wires the response body through the
// cache writer. On success the returned Delivery owns the per-key lock and
// releases it on Close.
func (e *Engine) fetchUpstream(
	ctx context.Context,
	record *storage.LinkRecord,
	downloadURL string,
	cookies map[string]string,
	key string,
	release func(),
) (*Delivery, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}

	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Referer", e.cfg.Referer)

	for name, value := range cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &TransferError{Operation: "upstream_request", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, &UpstreamError{URL: downloadURL, StatusCode: resp.StatusCode}
	}

	sink, err := e.cache.Create(key)
	if err != nil {
		resp.Body.Close()

		return nil, fmt.Errorf("failed to create cache writer: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}

	size := resp.ContentLength // -1 when the upstream length is unknown

	logger.Info("streaming from upstream",
		"record_id", record.ID,
		"size", humanize.Bytes(uint64(max(size, 0))),
		"content_type", contentType,
	)

	progressCb := func(written int64, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"record_id", record.ID,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.Debug("download progress",
				"record_id", record.ID,
				"downloaded", humanize.Bytes(uint64(written)))
		}
	}

	body := &writeThroughBody{
		ctx:     ctx,
		src:     resp.Body,
		reader:  progress.NewReader(resp.Body, size, progressInterval, progressCb),
		sink:    sink,
		release: release,
		engine:  e,
		record:  record,
	}

	return &Delivery{
		Body:        body,
		Size:        size,
		ContentType: contentType,
		Filename:    record.Filename,
	}, nil
}

func (e *Engine) reportFailure(record *storage.LinkRecord, err error) {
	select {
	case e.OnDownloadError <- &FailureEvent{RecordID: record.ID, Filename: record.Filename, Err: err}:
	default:
		// Nobody draining events fast enough; dropping beats stalling a stream.
	}
}

// lockKey acquires the fetch lock for a fingerprint and returns its release
// function. Locks are reference counted so the map doesn't grow with every
// URL ever fetched.
func (e *Engine) lockKey(key string) func() {
	e.mu.Lock()

	l, ok := e.locks[key]
	if !ok {
		l = &keyLock{}
		e.locks[key] = l
	}

	l.refs++
	e.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		e.mu.Lock()
		l.refs--

		if l.refs == 0 {
			delete(e.locks, key)
		}
		e.mu.Unlock()
	}
}

// writeThroughBody tees every chunk read from upstream into the cache sink
// before it reaches the client, in the same order. EOF commits the blob; an
// early Close discards it so a truncated file is never marked fresh.
type writeThroughBody struct {
	ctx       context.Context
	src       io.ReadCloser
	reader    io.Reader
	sink      *cache.Writer
	release   func()
	engine    *Engine
	record    *storage.LinkRecord
	committed bool
	closed    bool
}

func (b *writeThroughBody) Read(p []byte) (int, error) {
	n, err := b.reader.Read(p)
	if n > 0 {
		if _, werr := b.sink.Write(p[:n]); werr != nil {
			return n, &TransferError{Operation: "cache_write", Err: werr}
		}
	}

	if err == nil {
		return n, nil
	}

	if errors.Is(err, io.EOF) {
		if cerr := b.sink.Commit(); cerr != nil {
			// Client already has all the bytes; a failed commit only costs the
			// next request a refetch.
			logctx.LoggerFromContext(b.ctx).Warn("failed to commit cache blob",
				"record_id", b.record.ID, "err", cerr)
		} else {
			b.committed = true
		}

		return n, io.EOF
	}

	b.engine.reportFailure(b.record, err)

	return n, &TransferError{Operation: "upstream_read", Err: err}
}

func (b *writeThroughBody) Close() error {
	if b.closed {
		return nil
	}

	b.closed = true

	if !b.committed {
		if err := b.sink.Discard(); err != nil {
			logctx.LoggerFromContext(b.ctx).Warn("failed to discard partial cache blob",
				"record_id", b.record.ID, "err", err)
		}
	}

	b.release()

	return b.src.Close()
}
