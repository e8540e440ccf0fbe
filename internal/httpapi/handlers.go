package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"videotube.org/internal/auth"
	"videotube.org/internal/obs"
)

const apiPrefix = "/api/v1"

// ReadyProbe: проверка готовности зависимостей (БД и Redis).
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Options configures the HTTP layer. Zero values fall back to defaults.
type Options struct {
	Ready        ReadyProbe
	Version      string
	Cookies      CookiePolicy
	CORSOrigins  []string
	RateLimitRPS int
	RateBurst    int
	MaxBodyBytes int64
	LoginLockout time.Duration

	// TrustProxy makes the per-IP limiter key on X-Forwarded-For. Enable it
	// only when a reverse proxy sets that header.
	TrustProxy bool
}

// API: HTTP слой.
type API struct {
	mux     *http.ServeMux
	auth    *auth.Service
	opts    Options
	started time.Time
}

func New(svc *auth.Service, opts Options) *API {
	if opts.RateLimitRPS <= 0 {
		opts.RateLimitRPS = 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 2 * opts.RateLimitRPS
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 16 << 10
	}
	if opts.LoginLockout <= 0 {
		opts.LoginLockout = 15 * time.Minute
	}
	a := &API{
		mux:     http.NewServeMux(),
		auth:    svc,
		opts:    opts,
		started: time.Now(),
	}

	// health/ready
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc(apiPrefix+"/healthcheck", a.Healthcheck)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// users
	a.mux.HandleFunc(apiPrefix+"/users/register", a.Register)
	a.mux.HandleFunc(apiPrefix+"/users/login", a.Login)
	a.mux.HandleFunc(apiPrefix+"/users/refresh-token", a.RefreshToken)
	a.mux.Handle(apiPrefix+"/users/logout", a.RequireUser(http.HandlerFunc(a.Logout)))
	a.mux.Handle(apiPrefix+"/users/change-password", a.RequireUser(http.HandlerFunc(a.ChangePassword)))
	a.mux.Handle(apiPrefix+"/users/current-user", a.RequireUser(http.HandlerFunc(a.CurrentUser)))
	a.mux.Handle(apiPrefix+"/users/update-account", a.RequireUser(http.HandlerFunc(a.UpdateAccount)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})

	return a
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = obs.Instrument(a.mux)
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RateLimitRPS, a.opts.TrustProxy)
	h = CORS(a.opts.CORSOrigins)(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	return RequestID(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "videotube-api",
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.opts.Ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// Healthcheck answers in the API envelope.
func (a *API) Healthcheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"version": a.opts.Version,
		"uptime":  time.Since(a.started).Round(time.Second).String(),
	}, "OK")
}
