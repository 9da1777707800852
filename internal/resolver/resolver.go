// Package resolver defines the contract with the external link resolver that
// turns a source page URL into an ephemeral, authenticated direct-download URL.
package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// SizeUnknown is reported when the resolver could not extract a size from the
// source page.
const SizeUnknown = "Unknown"

// Resolution is the outcome of resolving a source page URL.
type Resolution struct {
	DirectURL string
	Cookies   map[string]string
	FileSize  string
}

// Resolver converts a source page URL into a direct download URL with session
// cookies. Implementations may be slow (seconds) and flaky; callers bound them
// with a context deadline and do not retry.
type Resolver interface {
	Resolve(ctx context.Context, pageURL string) (*Resolution, error)
}

// Error represents a failed resolution. It is terminal for the request that
// triggered it.
type Error struct {
	PageURL string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed to resolve %s: %s", e.PageURL, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Policy decides which stored URLs need resolution before they can be
// fetched. A URL needs resolution when its host matches one of the configured
// hosts and it carries no query string; a query string marks an already
// tokenized direct URL.
type Policy struct {
	hosts []string
}

func NewPolicy(hosts []string) *Policy {
	return &Policy{hosts: hosts}
}

// NeedsResolution reports whether the URL is a source page rather than a
// directly fetchable resource. Unparseable URLs never need resolution; the
// upstream fetch will fail with a clearer error.
func (p *Policy) NeedsResolution(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	if u.RawQuery != "" {
		return false
	}

	host := strings.ToLower(u.Hostname())

	for _, h := range p.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}

	return false
}
