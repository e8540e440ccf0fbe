package httpapi

import (
	"net/http"
	"strings"
	"time"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"
)

// CookiePolicy controls the attributes of the token cookies.
type CookiePolicy struct {
	SameSite http.SameSite
	// Secure forces the Secure flag; otherwise it follows the request scheme.
	Secure bool
}

// DefaultCookiePolicy returns the production policy: Secure, SameSite=Lax.
func DefaultCookiePolicy() CookiePolicy {
	return CookiePolicy{SameSite: http.SameSiteLaxMode, Secure: true}
}

// ParseSameSite maps "strict", "lax" or "none" to http.SameSite.
func ParseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func (p CookiePolicy) secure(r *http.Request) bool {
	// Browsers drop SameSite=None cookies that are not Secure.
	if p.Secure || p.SameSite == http.SameSiteNoneMode {
		return true
	}
	return isSecureRequest(r)
}

func (p CookiePolicy) set(w http.ResponseWriter, r *http.Request, name, value string, expires time.Time) {
	maxAge := int(time.Until(expires).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   p.secure(r),
		SameSite: p.SameSite,
	})
}

func (p CookiePolicy) clear(w http.ResponseWriter, r *http.Request, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   p.secure(r),
		SameSite: p.SameSite,
	})
}

func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	return r.URL != nil && strings.EqualFold(r.URL.Scheme, "https")
}
