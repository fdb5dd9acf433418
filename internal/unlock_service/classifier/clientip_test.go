package classifier

import (
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractClientIP_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name: "connecting IP header wins over everything",
			headers: map[string]string{
				"CF-Connecting-IP": "10.20.0.5",
				"X-Forwarded-For":  "203.0.113.9",
				"X-Real-IP":        "198.51.100.1",
			},
			remoteAddr: "192.0.2.1:443",
			want:       "10.20.0.5",
		},
		{
			name: "first forwarded-for hop when no connecting header",
			headers: map[string]string{
				"X-Forwarded-For": "10.20.0.5, 203.0.113.9, 198.51.100.1",
				"X-Real-IP":       "198.51.100.1",
			},
			remoteAddr: "192.0.2.1:443",
			want:       "10.20.0.5",
		},
		{
			name: "real-IP when forwarded-for absent",
			headers: map[string]string{
				"X-Real-IP": "10.20.0.5",
			},
			remoteAddr: "192.0.2.1:443",
			want:       "10.20.0.5",
		},
		{
			name:       "transport peer as last resort",
			headers:    map[string]string{},
			remoteAddr: "10.20.0.5:51234",
			want:       "10.20.0.5",
		},
		{
			name: "garbage in connecting header falls through",
			headers: map[string]string{
				"CF-Connecting-IP": "not-an-ip",
				"X-Forwarded-For":  "10.20.0.5",
			},
			remoteAddr: "192.0.2.1:443",
			want:       "10.20.0.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			got := ExtractClientIP(r, "CF-Connecting-IP")

			assert.Equal(t, netip.MustParseAddr(tt.want), got)
		})
	}
}

func TestExtractClientIP_CustomHeaderName(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:443"
	r.Header.Set("True-Client-IP", "10.20.0.5")
	r.Header.Set("X-Forwarded-For", "203.0.113.9")

	got := ExtractClientIP(r, "True-Client-IP")

	assert.Equal(t, netip.MustParseAddr("10.20.0.5"), got)
}

func TestExtractClientIP_NothingParseable(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "bogus"

	got := ExtractClientIP(r, "CF-Connecting-IP")

	assert.False(t, got.IsValid())
}
