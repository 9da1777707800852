package transfer

import "fmt"

// UpstreamError represents a non-200 response from the remote file host. The
// request is terminal; the caller maps it to a 502.
type UpstreamError struct {
	URL        string // The resolved download URL that was fetched
	StatusCode int    // HTTP status returned by the remote host
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d for %s", e.StatusCode, e.URL)
}

// TransferError represents a mid-stream I/O failure while forwarding bytes.
// The partial cache blob has already been discarded when this surfaces.
type TransferError struct {
	Operation string // The stage that failed (e.g., "cache_write", "upstream_read")
	Err       error  // Underlying error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed during %s: %v", e.Operation, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
