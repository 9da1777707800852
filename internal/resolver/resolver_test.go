package resolver_test

import (
	"testing"

	"github.com/linkrelay/linkrelay/internal/resolver"
	"github.com/stretchr/testify/assert"
)

func TestPolicyNeedsResolution(t *testing.T) {
	policy := resolver.NewPolicy([]string{"wildshare.net"})

	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"page url on known host", "https://wildshare.net/file/abc123", true},
		{"subdomain of known host", "https://www.wildshare.net/file/abc123", true},
		{"tokenized url on known host", "https://wildshare.net/dl?pt=token123", false},
		{"direct url on other host", "https://example.com/file.bin", false},
		{"other host with query", "https://example.com/file.bin?x=1", false},
		{"lookalike host", "https://notwildshare.net/file/abc", false},
		{"unparseable url", "://not-a-url", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.NeedsResolution(tt.url))
		})
	}
}
