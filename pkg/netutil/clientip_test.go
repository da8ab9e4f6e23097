package netutil

import (
	"net/http"
	"testing"
)

// The evaluate endpoint resolves the caller address to forward as the
// upstream ipaddr parameter, so precedence and port stripping matter.
func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "direct loopback caller",
			remoteAddr: "127.0.0.1:51744",
			want:       "127.0.0.1",
		},
		{
			name:       "behind reverse proxy takes first forwarded hop",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.9, 10.8.0.2"},
			remoteAddr: "10.8.0.2:41200",
			want:       "203.0.113.9",
		},
		{
			name:       "forwarded entry trimmed",
			headers:    map[string]string{"X-Forwarded-For": "  203.0.113.9 , 10.8.0.2"},
			remoteAddr: "10.8.0.2:41200",
			want:       "203.0.113.9",
		},
		{
			name:       "real-ip fallback when no forwarded chain",
			headers:    map[string]string{"X-Real-IP": "203.0.113.44"},
			remoteAddr: "10.8.0.2:41200",
			want:       "203.0.113.44",
		},
		{
			name: "forwarded chain wins over real-ip",
			headers: map[string]string{
				"X-Forwarded-For": "203.0.113.9",
				"X-Real-IP":       "203.0.113.44",
			},
			remoteAddr: "10.8.0.2:41200",
			want:       "203.0.113.9",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.9",
			want:       "203.0.113.9",
		},
		{
			name:       "bracketed ipv6 remote addr",
			remoteAddr: "[2001:db8::7]:41200",
			want:       "[2001:db8::7]",
		},
		{
			name:       "bare ipv6 remote addr",
			remoteAddr: "2001:db8::7",
			want:       "2001:db8::7",
		},
		{
			name:       "empty remote addr",
			remoteAddr: "",
			want:       "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &http.Request{
				RemoteAddr: tt.remoteAddr,
				Header:     make(http.Header),
			}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}

			if got := ClientIP(r); got != tt.want {
				t.Errorf("ClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStripPort(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"203.0.113.9:41200", "203.0.113.9"},
		{"203.0.113.9", "203.0.113.9"},
		{"[::1]:4550", "[::1]"},
		{"::1", "::1"},
		{"2001:db8::7", "2001:db8::7"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := stripPort(tt.addr); got != tt.want {
			t.Errorf("stripPort(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}
