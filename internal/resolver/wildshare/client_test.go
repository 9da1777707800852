package wildshare_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/linkrelay/linkrelay/internal/resolver"
	"github.com/linkrelay/linkrelay/internal/resolver/wildshare"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const infoPage = `<html><body>
<div class="file-info">Size: (126.26 MB)</div>
<span class="btn wildbutton" onclick="window.location = 'https://wildshare.net/dl?pt=token123'">Download</span>
</body></html>`

func TestResolve(t *testing.T) {
	var gotUA, gotReferer string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")

		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		fmt.Fprint(w, infoPage)
	}))
	defer ts.Close()

	client := wildshare.NewClient("test-agent", "https://wildshare.net/", 5*time.Second)

	res, err := client.Resolve(context.Background(), ts.URL+"/file/abc123")
	require.NoError(t, err)

	assert.Equal(t, "https://wildshare.net/dl?pt=token123", res.DirectURL)
	assert.Equal(t, "126.26 MB", res.FileSize)
	assert.Equal(t, map[string]string{"session": "abc"}, res.Cookies)
	assert.Equal(t, "test-agent", gotUA)
	assert.Equal(t, "https://wildshare.net/", gotReferer)
}

func TestResolve_Failures(t *testing.T) {
	tests := []struct {
		name         string
		statusCode   int
		body         string
		expectReason string
	}{
		{"page not found", http.StatusNotFound, "not here", "status 404"},
		{"no download button", http.StatusOK, "<html><body>nothing</body></html>", "download button not found"},
		{
			"button without location",
			http.StatusOK,
			`<span class="wildbutton" onclick="doSomethingElse()">x</span>`,
			"could not extract url",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				fmt.Fprint(w, tt.body)
			}))
			defer ts.Close()

			client := wildshare.NewClient("test-agent", "", 5*time.Second)

			_, err := client.Resolve(context.Background(), ts.URL)
			require.Error(t, err)

			var resErr *resolver.Error
			require.True(t, errors.As(err, &resErr))
			assert.Contains(t, resErr.Reason, tt.expectReason)
		})
	}
}

func TestResolve_SizeMissing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<span class="wildbutton" onclick="window.location = 'https://wildshare.net/dl?pt=t'">x</span>`)
	}))
	defer ts.Close()

	client := wildshare.NewClient("test-agent", "", 5*time.Second)

	res, err := client.Resolve(context.Background(), ts.URL)
	require.NoError(t, err)
	assert.Equal(t, resolver.SizeUnknown, res.FileSize)
}
