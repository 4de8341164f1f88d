package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		header  string
		value   string
		trusted []string
		want    string
	}{
		{
			name:    "untrusted peer ignores forwarded",
			remote:  "198.51.100.10:1234",
			header:  "X-Forwarded-For",
			value:   "203.0.113.5",
			trusted: []string{"203.0.113.1"},
			want:    "198.51.100.10",
		},
		{
			name:    "right-most untrusted hop",
			remote:  "203.0.113.10:1234",
			header:  "X-Forwarded-For",
			value:   "198.51.100.1, 203.0.113.11, 192.0.2.20",
			trusted: []string{"203.0.113.10", "203.0.113.11"},
			want:    "192.0.2.20",
		},
		{
			name:    "all trusted uses left-most",
			remote:  "203.0.113.10:1234",
			header:  "Forwarded",
			value:   `for=192.0.2.1, for=192.0.2.2`,
			trusted: []string{"203.0.113.10", "192.0.2.1", "192.0.2.2"},
			want:    "192.0.2.1",
		},
		{
			name:    "trusted CIDR with bracketed v6",
			remote:  "10.1.2.3:80",
			header:  "Forwarded",
			value:   `for="[2001:db8::1]:4711";proto=https`,
			trusted: []string{"10.0.0.0/8"},
			want:    "2001:db8::1",
		},
		{
			name:   "no proxies configured",
			remote: "192.0.2.7:5000",
			want:   "192.0.2.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://example.com", nil)
			req.RemoteAddr = tt.remote
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			got := clientIPFromRequest(req, newProxyMatcher(tt.trusted, nil))
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestNewProxyMatcher_SkipsInvalidEntries(t *testing.T) {
	assert.Nil(t, newProxyMatcher([]string{"", "not-an-ip", "300.0.0.0/8"}, nil))

	m := newProxyMatcher([]string{"bogus", "192.0.2.0/24"}, nil)
	assert.True(t, m.IsTrusted(parseHostAddr("192.0.2.200")))
	assert.False(t, m.IsTrusted(parseHostAddr("198.51.100.1")))
}
