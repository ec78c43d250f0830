package httptransport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"gatehouse/pkg/requestcontext"
)

func TestDeviceLabel(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		contains  []string
	}{
		{name: "empty", userAgent: "", contains: []string{"Unknown Device"}},
		{
			name:      "chrome on desktop",
			userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			contains:  []string{"Chrome", " on "},
		},
		{
			name:      "safari on iphone",
			userAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			contains:  []string{"iPhone", " on "},
		},
		{
			name:      "firefox on linux",
			userAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			contains:  []string{"Firefox", " on "},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeviceLabel(tt.userAgent)
			for _, want := range tt.contains {
				assert.Contains(t, got, want)
			}
			assert.Equal(t, strings.TrimSpace(got), got)
		})
	}
}

func TestDeviceMiddleware(t *testing.T) {
	var label string
	h := Device(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		label = requestcontext.Device(r.Context())
	}))
	req := httptest.NewRequest(http.MethodPost, "/access", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Contains(t, label, "Firefox")
}
