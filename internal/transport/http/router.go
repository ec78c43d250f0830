package httptransport

import (
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/unrolled/secure"

	"gatehouse/internal/platform/health"
	"gatehouse/pkg/platform/httputil"
	"gatehouse/pkg/platform/middleware/request"
	"gatehouse/pkg/requestcontext"
)

// Roles allowed to resolve a manual review.
var reviewerRoles = []string{"reviewer", "admin"}

// RouterConfig carries everything NewRouter wires together.
type RouterConfig struct {
	Staff     *StaffHandler
	Candidate *CandidateHandler
	Health    *health.Handler
	Sessions  SessionVerifier
	Logger    *slog.Logger
	Metrics   *request.Metrics

	TrustedProxies   []netip.Prefix
	MaxBodyBytes     int64
	AccessRateLimit  int
	AccessRateWindow time.Duration
	Production       bool
	Clock            func() time.Time

	// MetricsHandler serves /metrics; promhttp.Handler() when nil.
	MetricsHandler http.Handler
}

// NewRouter mounts staff routes under /api (identity from the proxy headers),
// candidate routes at the root, health probes and /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(request.Recovery(logger))
	r.Use(request.RequestID)
	r.Use(secureHeaders(cfg.Production).Handler)
	r.Use(request.Clock(cfg.Clock))
	r.Use(request.ClientMetadata(cfg.TrustedProxies))
	r.Use(request.Logger(logger))
	r.Use(request.Latency(cfg.Metrics, routePattern))
	if cfg.MaxBodyBytes > 0 {
		r.Use(request.BodyLimit(cfg.MaxBodyBytes))
	}

	if cfg.Health != nil {
		cfg.Health.Register(r)
	}
	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Handle("/metrics", metricsHandler)

	if cfg.Staff != nil {
		r.Route("/api", func(api chi.Router) {
			api.Use(request.Identity)
			api.Use(RequireActor(logger))
			cfg.Staff.Register(api, RequireRole(logger, reviewerRoles...))
		})
	}
	if cfg.Candidate != nil {
		cfg.Candidate.Register(r, accessLimiter(cfg.AccessRateLimit, cfg.AccessRateWindow), RequireSession(cfg.Sessions, logger))
	}
	return r
}

func secureHeaders(production bool) *secure.Secure {
	return secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !production,
	})
}

// accessLimiter bounds secret redemption attempts per client IP as resolved by
// the ClientMetadata middleware.
func accessLimiter(limit int, window time.Duration) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(limit, window,
		httprate.WithKeyFuncs(accessKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			httputil.WriteJSON(w, http.StatusTooManyRequests, httputil.ErrorResponse{
				Error:       "rate_limited",
				Description: "too many attempts, please wait and retry",
			})
		}),
	)
}

func accessKey(r *http.Request) (string, error) {
	if ip := requestcontext.ClientIP(r.Context()); ip != "" {
		return "ip:" + ip, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
