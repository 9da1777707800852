// Package wildshare resolves WildShare file pages into their tokenized
// download URLs by scraping the page over plain HTTP.
package wildshare

import (
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"context"

	"github.com/linkrelay/linkrelay/internal/logctx"
	"github.com/linkrelay/linkrelay/internal/resolver"
)

// maxPageSize bounds how much of the info page is read while scraping.
const maxPageSize = 4 * 1024 * 1024

var (
	// Matches the download button markup, e.g.
	// <span class="wildbutton" onclick="window.location = 'https://...?pt=...'">
	buttonRe   = regexp.MustCompile(`(?is)<span[^>]*class=["'][^"']*wildbutton[^"']*["'][^>]*>`)
	locationRe = regexp.MustCompile(`window\.location\s*=\s*['"]([^'"]+)['"]`)

	// Matches the size label on the page: Size: (126.26 MB)
	sizeRe = regexp.MustCompile(`(?i)Size:\s*\((\d+(?:\.\d+)?\s*(?:[MKG]B))\)`)
)

type Client struct {
	UserAgent  string
	Referer    string
	httpClient *http.Client
}

func NewClient(userAgent, referer string, timeout time.Duration) *Client {
	return &Client{
		UserAgent:  userAgent,
		Referer:    referer,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Ensure Client implements resolver.Resolver.
var _ resolver.Resolver = (*Client)(nil)

// Resolve loads the info page, extracts the tokenized download URL from the
// download button and the reported size from the page body, and captures the
// session cookies needed to fetch the tokenized URL.
func (c *Client) Resolve(ctx context.Context, pageURL string) (*resolver.Resolution, error) {
	logger := logctx.LoggerFromContext(ctx).With("page_url", pageURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &resolver.Error{PageURL: pageURL, Reason: "invalid page url", Err: err}
	}

	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Referer", c.Referer)

	logger.Debug("loading info page")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &resolver.Error{PageURL: pageURL, Reason: "failed to load info page", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &resolver.Error{
			PageURL: pageURL,
			Reason:  fmt.Sprintf("info page returned status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, &resolver.Error{PageURL: pageURL, Reason: "failed to read info page", Err: err}
	}

	directURL, err := extractDownloadURL(body)
	if err != nil {
		return nil, &resolver.Error{PageURL: pageURL, Reason: err.Error(), Err: err}
	}

	fileSize := extractFileSize(body)

	cookies := make(map[string]string)
	for _, cookie := range resp.Cookies() {
		cookies[cookie.Name] = cookie.Value
	}

	logger.Debug("resolved download url", "file_size", fileSize, "cookie_count", len(cookies))

	return &resolver.Resolution{
		DirectURL: directURL,
		Cookies:   cookies,
		FileSize:  fileSize,
	}, nil
}

func extractDownloadURL(body []byte) (string, error) {
	button := buttonRe.Find(body)
	if button == nil {
		return "", fmt.Errorf("download button not found")
	}

	match := locationRe.FindSubmatch(button)
	if match == nil {
		return "", fmt.Errorf("could not extract url from download button")
	}

	return string(match[1]), nil
}

func extractFileSize(body []byte) string {
	match := sizeRe.FindSubmatch(body)
	if match == nil {
		return resolver.SizeUnknown
	}

	return string(match[1])
}
