package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/useraccounts/backend/internal/db"
	apperrors "github.com/useraccounts/backend/internal/errors"
)

const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
	accessTokenParam   = "accessToken"
)

var errNoAccessToken = errors.New("no access token presented")

// Middleware rejects requests without a valid access token and attaches the
// authenticated user to the request context.
func Middleware(svc *Service) func(http.Handler) http.Handler {
	log := svc.log.WithComponent("auth_gate")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var user *db.PublicUser
			err := errNoAccessToken
			if token := extractAccessToken(r); token != "" {
				user, err = svc.Authenticate(ctx, token)
			}
			if err != nil {
				log.Warn(ctx, "access token rejected", map[string]interface{}{
					"path":   r.URL.Path,
					"reason": err.Error(),
				})
				svc.events.AuthEvent("authenticate", "rejected")
				apperrors.WriteError(w, apperrors.GetRequestID(ctx), gateError(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
		})
	}
}

// gateError maps every authentication failure to the same response, so callers cannot
// tell a missing token from an expired one or a deleted user.
func gateError(error) *apperrors.AppError {
	return apperrors.Unauthorized("Invalid access token")
}

// extractAccessToken checks the query string, then the Authorization header, then the cookie.
func extractAccessToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get(accessTokenParam)); token != "" {
		return token
	}

	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if token := strings.TrimSpace(parts[1]); token != "" {
				return token
			}
		}
	}

	if cookie, err := r.Cookie(AccessTokenCookie); err == nil {
		return strings.TrimSpace(cookie.Value)
	}
	return ""
}
