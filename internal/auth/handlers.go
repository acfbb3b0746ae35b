package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperrors "github.com/useraccounts/backend/internal/errors"
)

// maxBodyBytes bounds every JSON request body
const maxBodyBytes = 1 << 20

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// CookieConfig controls the session cookies set on login and refresh
type CookieConfig struct {
	// Secure is turned off only for local development over plain HTTP.
	Secure bool
	Domain string
}

type Handlers struct {
	svc     *Service
	cookies CookieConfig
}

func NewHandlers(svc *Service, cookies CookieConfig) *Handlers {
	return &Handlers{svc: svc, cookies: cookies}
}

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) error {
	var req RegisterInput
	if err := decodeBody(r, &req); err != nil {
		return err
	}

	user, err := h.svc.Register(r.Context(), req)
	if err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusCreated, user, "User created successfully")
	return nil
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) error {
	var req LoginInput
	if err := decodeBody(r, &req); err != nil {
		return err
	}

	session, err := h.svc.Login(r.Context(), req)
	if err != nil {
		return err
	}

	h.setSessionCookies(w, &session.TokenPair)
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, session, "User logged In successfully")
	return nil
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) error {
	user := UserFromContext(r.Context())
	if user == nil {
		return apperrors.Unauthorized("Unauthorized request")
	}

	if err := h.svc.Logout(r.Context(), user.ID); err != nil {
		return err
	}

	h.clearSessionCookies(w)
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, struct{}{}, "User logged out successfully")
	return nil
}

// Refresh takes the refresh token from its cookie, falling back to the request body.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) error {
	var presented string
	if cookie, err := r.Cookie(RefreshTokenCookie); err == nil {
		presented = cookie.Value
	}
	if presented == "" {
		// A body that does not decode carries no token; the session core answers 401.
		var req RefreshRequest
		if err := decodeBody(r, &req); err == nil {
			presented = req.RefreshToken
		}
	}

	pair, err := h.svc.RefreshSession(r.Context(), presented)
	if err != nil {
		return err
	}

	h.setSessionCookies(w, pair)
	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, pair, "Access token refreshed")
	return nil
}

func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) error {
	user := UserFromContext(r.Context())
	if user == nil {
		return apperrors.Unauthorized("Unauthorized request")
	}

	var req ChangePasswordRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}

	if err := h.svc.ChangePassword(r.Context(), user.ID, req.OldPassword, req.NewPassword); err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, struct{}{}, "Password changed successfully")
	return nil
}

func (h *Handlers) CurrentUser(w http.ResponseWriter, r *http.Request) error {
	user, err := h.svc.CurrentUser(r.Context())
	if err != nil {
		return err
	}

	apperrors.WriteJSON(w, apperrors.GetRequestID(r.Context()), http.StatusOK, user, "Current user fetched successfully")
	return nil
}

func (h *Handlers) setSessionCookies(w http.ResponseWriter, pair *TokenPair) {
	tokens := h.svc.Tokens()
	http.SetCookie(w, h.cookie(AccessTokenCookie, pair.AccessToken, tokens.TTL(AccessToken)))
	http.SetCookie(w, h.cookie(RefreshTokenCookie, pair.RefreshToken, tokens.TTL(RefreshToken)))
}

func (h *Handlers) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, h.cookie(AccessTokenCookie, "", -1))
	http.SetCookie(w, h.cookie(RefreshTokenCookie, "", -1))
}

// cookie builds a session cookie; a negative ttl deletes it.
func (h *Handlers) cookie(name, value string, ttl time.Duration) *http.Cookie {
	maxAge := -1
	if ttl > 0 {
		maxAge = int(ttl / time.Second)
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookies.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// decodeBody reads a JSON body into dst. An absent body leaves dst zero, so the service
// reports which fields are missing.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}

	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return apperrors.BadRequest("Invalid request body").WithCause(err)
	}
	return nil
}
