package httptransport

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"gatehouse/pkg/requestcontext"
)

// DeviceLabel reduces a User-Agent to "Browser on OS" for audit entries.
// Mobile clients report the platform instead of the OS string.
func DeviceLabel(userAgent string) string {
	if strings.TrimSpace(userAgent) == "" {
		return "Unknown Device"
	}
	ua := useragent.New(userAgent)
	browser, _ := ua.Browser()
	os := ua.OS()
	if ua.Mobile() {
		if platform := ua.Platform(); platform != "" {
			return strings.TrimSpace(browser + " on " + platform)
		}
	}
	if browser == "" {
		browser = "Unknown Browser"
	}
	if os == "" {
		os = "Unknown OS"
	}
	return strings.TrimSpace(browser + " on " + os)
}

// Device stores the caller's device label on the request context.
func Device(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua := requestcontext.UserAgent(r.Context())
		if ua == "" {
			ua = r.UserAgent()
		}
		next.ServeHTTP(w, r.WithContext(requestcontext.WithDevice(r.Context(), DeviceLabel(ua))))
	})
}
