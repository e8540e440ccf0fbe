package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"videotube.org/internal/audit"
	"videotube.org/internal/auth"
	"videotube.org/internal/obs"
)

type registerRequest struct {
	FullName   string `json:"fullName"`
	Email      string `json:"email"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	Avatar     string `json:"avatar,omitempty"`
	CoverImage string `json:"coverImage,omitempty"`
}

type loginRequest struct {
	Identifier string `json:"identifier,omitempty"`
	Username   string `json:"username,omitempty"`
	Email      string `json:"email,omitempty"`
	Password   string `json:"password"`
}

func (r loginRequest) login() string {
	for _, v := range []string{r.Identifier, r.Username, r.Email} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken,omitempty"`
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type updateAccountRequest struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
}

type sessionResponse struct {
	User         *auth.User `json:"user,omitempty"`
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
}

func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.auth.Register(r.Context(), auth.Registration{
		FullName:   req.FullName,
		Email:      req.Email,
		Username:   req.Username,
		Password:   req.Password,
		Avatar:     req.Avatar,
		CoverImage: req.CoverImage,
	})
	if err != nil {
		a.audit(r.Context(), "auth.register.failed", map[string]any{"username": req.Username, "reason": reasonOf(err)})
		handleAuthError(w, r, err)
		return
	}
	a.audit(auth.ContextWithUser(r.Context(), user), "auth.register.succeeded", nil)
	writeSuccess(w, http.StatusCreated, user, "User registered successfully")
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	identifier := req.login()
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "username or email is required")
		return
	}

	pair, user, err := a.auth.Login(r.Context(), identifier, req.Password)
	if err != nil {
		a.audit(r.Context(), "auth.login.failed", map[string]any{"identifier": identifier, "reason": reasonOf(err)})
		if errors.Is(err, auth.ErrTooManyAttempts) {
			w.Header().Set("Retry-After", a.loginRetryAfter(r.Context(), identifier))
		}
		handleAuthError(w, r, err)
		return
	}
	a.setSessionCookies(w, r, pair)
	a.audit(auth.ContextWithUser(r.Context(), user), "auth.login.succeeded", nil)
	writeSuccess(w, http.StatusOK, sessionResponse{
		User:         &user,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, "User logged in successfully")
}

// RefreshToken rotates the session. The refresh token comes from the cookie or
// the request body.
func (a *API) RefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token := strings.TrimSpace(req.RefreshToken)
	if c, err := r.Cookie(refreshTokenCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		token = strings.TrimSpace(c.Value)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized request")
		return
	}

	pair, user, err := a.auth.Refresh(r.Context(), token)
	if err != nil {
		a.audit(r.Context(), "auth.refresh.failed", map[string]any{"reason": reasonOf(err)})
		switch {
		case errors.Is(err, auth.ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, "refresh token is expired", "refresh_token_expired")
		case errors.Is(err, auth.ErrRefreshReused):
			writeError(w, http.StatusUnauthorized, "refresh token is expired or used", "refresh_token_reused")
		case errors.Is(err, auth.ErrInvalidToken):
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
		default:
			handleAuthError(w, r, err)
		}
		return
	}
	a.setSessionCookies(w, r, pair)
	a.audit(auth.ContextWithUser(r.Context(), user), "auth.refresh.succeeded", nil)
	writeSuccess(w, http.StatusOK, sessionResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, "Access token refreshed")
}

func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.auth.Logout(r.Context(), userID); err != nil && !errors.Is(err, auth.ErrNotFound) {
		handleAuthError(w, r, err)
		return
	}
	a.opts.Cookies.clear(w, r, accessTokenCookie)
	a.opts.Cookies.clear(w, r, refreshTokenCookie)
	a.audit(r.Context(), "auth.logout", nil)
	writeSuccess(w, http.StatusOK, map[string]any{}, "User logged out")
}

func (a *API) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.auth.ChangePassword(r.Context(), userID, req.OldPassword, req.NewPassword); err != nil {
		a.audit(r.Context(), "auth.password.change_failed", map[string]any{"reason": reasonOf(err)})
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.password.changed", nil)
	writeSuccess(w, http.StatusOK, map[string]any{}, "Password changed successfully")
}

func (a *API) CurrentUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	user, _ := auth.UserFromContext(r.Context())
	writeSuccess(w, http.StatusOK, user, "Current user fetched successfully")
}

func (a *API) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, http.MethodPatch)
		return
	}
	var req updateAccountRequest
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	user, err := a.auth.UpdateAccount(r.Context(), userID, req.FullName, req.Email)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "account.updated", nil)
	writeSuccess(w, http.StatusOK, user, "Account details updated successfully")
}

// loginRetryAfter is the Retry-After value in whole seconds, rounded up. The
// configured lockout is the fallback when the limiter cannot report a TTL.
func (a *API) loginRetryAfter(ctx context.Context, identifier string) string {
	d := a.auth.LoginRetryAfter(ctx, identifier)
	if d <= 0 {
		d = a.opts.LoginLockout
	}
	return strconv.FormatInt(int64((d+time.Second-1)/time.Second), 10)
}

func (a *API) setSessionCookies(w http.ResponseWriter, r *http.Request, pair auth.TokenPair) {
	a.opts.Cookies.set(w, r, accessTokenCookie, pair.AccessToken, pair.AccessExpiresAt)
	a.opts.Cookies.set(w, r, refreshTokenCookie, pair.RefreshToken, pair.RefreshExpiresAt)
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	if err := audit.LogEvent(ctx, event, fields); err != nil {
		obs.Logger().WarnContext(ctx, "audit log failed", "event", event, "error", err)
	}
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, auth.ErrUserNotFound):
		return "unknown_user"
	case errors.Is(err, auth.ErrWrongPassword):
		return "wrong_password"
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrRefreshReused):
		return "reused"
	case errors.Is(err, auth.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, auth.ErrTooManyAttempts):
		return "throttled"
	case errors.Is(err, auth.ErrWrongOldPassword):
		return "wrong_old_password"
	case errors.Is(err, auth.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, auth.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
