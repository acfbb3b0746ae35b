package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/useraccounts/backend/internal/errors"
)

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Data       json.RawMessage `json:"data"`
	Message    string          `json:"message"`
	Errors     []string        `json:"errors"`
	Success    bool            `json:"success"`
}

func newTestMux(env *testEnv) http.Handler {
	h := NewHandlers(env.svc, CookieConfig{Secure: true})
	gate := Middleware(env.svc)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /signup", apperrors.HandleFunc(h.Register))
	mux.HandleFunc("POST /login", apperrors.HandleFunc(h.Login))
	mux.HandleFunc("POST /refreshtoken", apperrors.HandleFunc(h.Refresh))
	mux.Handle("POST /logout", gate(apperrors.HandleFunc(h.Logout)))
	mux.Handle("POST /change-password", gate(apperrors.HandleFunc(h.ChangePassword)))
	mux.Handle("GET /current-user", gate(apperrors.HandleFunc(h.CurrentUser)))
	return apperrors.RequestIDMiddleware(mux)
}

func do(t *testing.T, handler http.Handler, method, path, body string, mutate ...func(*http.Request)) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for _, m := range mutate {
		m(req)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec, env
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func withCookie(name, value string) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: name, Value: value}) }
}

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

const annLeeJSON = `{"fullName":"Ann Lee","email":"ann@x.com","username":"annl","password":"secret1"}`

func TestHandlers_AnnLeeScenario(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)

	rec, body := do(t, mux, http.MethodPost, "/signup", annLeeJSON)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusCreated, body.StatusCode)
	assert.True(t, body.Success)
	assert.Equal(t, "User created successfully", body.Message)
	assert.NotEmpty(t, rec.Header().Get(apperrors.RequestIDHeader))

	var user map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &user))
	assert.Equal(t, "annl", user["username"])
	assert.Equal(t, "ann@x.com", user["email"])
	assert.Equal(t, "Ann Lee", user["fullName"])
	assert.NotEmpty(t, user["_id"])
	assert.NotContains(t, user, "passwordHash")
	assert.NotContains(t, user, "refreshToken")

	rec, body = do(t, mux, http.MethodPost, "/login", `{"username":"annl","password":"secret1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User logged In successfully", body.Message)

	var session struct {
		User         map[string]any `json:"user"`
		AccessToken  string         `json:"accessToken"`
		RefreshToken string         `json:"refreshToken"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &session))
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEmpty(t, session.RefreshToken)
	assert.NotEqual(t, session.AccessToken, session.RefreshToken)
	assert.NotContains(t, session.User, "passwordHash")

	id, err := uuid.Parse(user["_id"].(string))
	require.NoError(t, err)
	stored, err := env.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.RefreshToken, stored.RefreshToken)

	access := cookieByName(rec, AccessTokenCookie)
	require.NotNil(t, access)
	assert.Equal(t, session.AccessToken, access.Value)
	assert.True(t, access.HttpOnly)
	assert.True(t, access.Secure)
	assert.Equal(t, "/", access.Path)
	assert.Equal(t, 60, access.MaxAge)

	refresh := cookieByName(rec, RefreshTokenCookie)
	require.NotNil(t, refresh)
	assert.Equal(t, session.RefreshToken, refresh.Value)
	assert.True(t, refresh.HttpOnly)
	assert.True(t, refresh.Secure)
	assert.Equal(t, 3600, refresh.MaxAge)
}

func TestHandlers_SignupValidation(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)

	rec, body := do(t, mux, http.MethodPost, "/signup", `{"fullName":"Ann Lee","email":"ann@x.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, body.Success)
	assert.Equal(t, "All fields are required", body.Message)
	assert.Equal(t, []string{"username is required", "password is required"}, body.Errors)
	assert.Equal(t, "null", string(body.Data))
}

func TestHandlers_SignupConflict(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)

	rec, _ := do(t, mux, http.MethodPost, "/signup", annLeeJSON)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, body := do(t, mux, http.MethodPost, "/signup", annLeeJSON)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, http.StatusConflict, body.StatusCode)
	assert.Equal(t, []string{}, body.Errors)
}

func TestHandlers_InvalidJSON(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)

	rec, body := do(t, mux, http.MethodPost, "/login", `{"username":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid request body", body.Message)
}

func TestHandlers_LoginWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)
	env.register(t, annLee())

	rec, body := do(t, mux, http.MethodPost, "/login", `{"email":"ann@x.com","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid user credentials", body.Message)
	assert.Nil(t, cookieByName(rec, AccessTokenCookie))
	assert.Nil(t, cookieByName(rec, RefreshTokenCookie))
}

func TestHandlers_RefreshFromCookieAndBody(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)
	env.register(t, annLee())
	session := env.login(t, "annl", "secret1")

	rec, body := do(t, mux, http.MethodPost, "/refreshtoken", "", withCookie(RefreshTokenCookie, session.RefreshToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Access token refreshed", body.Message)

	var pair TokenPair
	require.NoError(t, json.Unmarshal(body.Data, &pair))
	assert.NotEqual(t, session.RefreshToken, pair.RefreshToken)
	assert.Equal(t, pair.RefreshToken, cookieByName(rec, RefreshTokenCookie).Value)

	rec, body = do(t, mux, http.MethodPost, "/refreshtoken", `{"refreshToken":"`+pair.RefreshToken+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var next TokenPair
	require.NoError(t, json.Unmarshal(body.Data, &next))
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	rec, body = do(t, mux, http.MethodPost, "/refreshtoken", `{"refreshToken":"`+session.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Refresh token is expired or used", body.Message)
}

func TestHandlers_RefreshWithoutToken(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)

	tests := []struct {
		name        string
		body        string
		contentType string
	}{
		{"empty body", "", ""},
		{"form encoded", "refreshToken=abc", "application/x-www-form-urlencoded"},
		{"malformed json", `{"refreshToken":`, "application/json"},
		{"empty object", `{}`, "application/json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, mux, http.MethodPost, "/refreshtoken", tt.body, func(r *http.Request) {
				if tt.contentType != "" {
					r.Header.Set("Content-Type", tt.contentType)
				}
			})
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Unauthorized request", body.Message)
		})
	}
}

func TestHandlers_Logout(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)
	env.register(t, annLee())
	session := env.login(t, "annl", "secret1")

	rec, body := do(t, mux, http.MethodPost, "/logout", "", bearer(session.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User logged out successfully", body.Message)
	assert.JSONEq(t, `{}`, string(body.Data))

	for _, name := range []string{AccessTokenCookie, RefreshTokenCookie} {
		c := cookieByName(rec, name)
		require.NotNil(t, c, name)
		assert.Empty(t, c.Value)
		assert.Less(t, c.MaxAge, 0)
	}

	rec, _ = do(t, mux, http.MethodPost, "/refreshtoken", `{"refreshToken":"`+session.RefreshToken+`"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlers_ChangePassword(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)
	env.register(t, annLee())
	session := env.login(t, "annl", "secret1")

	rec, body := do(t, mux, http.MethodPost, "/change-password", `{"oldPassword":"wrong","newPassword":"secret2"}`, bearer(session.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid old password", body.Message)

	rec, body = do(t, mux, http.MethodPost, "/change-password", `{"oldPassword":"secret1","newPassword":"secret2"}`, bearer(session.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Password changed successfully", body.Message)

	rec, _ = do(t, mux, http.MethodPost, "/login", `{"username":"annl","password":"secret2"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, mux, http.MethodPost, "/login", `{"username":"annl","password":"secret1"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlers_CurrentUser(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)
	env.register(t, annLee())
	session := env.login(t, "annl", "secret1")

	rec, body := do(t, mux, http.MethodGet, "/current-user", "", bearer(session.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Current user fetched successfully", body.Message)

	var user map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &user))
	assert.Equal(t, "annl", user["username"])
	assert.NotContains(t, user, "passwordHash")
}

func TestMiddleware_TokenSources(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)
	env.register(t, annLee())
	session := env.login(t, "annl", "secret1")

	tests := []struct {
		name   string
		path   string
		mutate func(*http.Request)
	}{
		{"query parameter", "/current-user?accessToken=" + session.AccessToken, func(*http.Request) {}},
		{"bearer header", "/current-user", bearer(session.AccessToken)},
		{"lowercase scheme", "/current-user", func(r *http.Request) { r.Header.Set("Authorization", "bearer "+session.AccessToken) }},
		{"cookie", "/current-user", withCookie(AccessTokenCookie, session.AccessToken)},
		{"query wins over bad header", "/current-user?accessToken=" + session.AccessToken, bearer("garbage")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, mux, http.MethodGet, tt.path, "", tt.mutate)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestMiddleware_FailuresLookAlike(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(env)
	user := env.register(t, annLee())
	session := env.login(t, "annl", "secret1")

	expired := newTestTokenService()
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expiredToken, err := expired.IssueAccessToken(user.ID)
	require.NoError(t, err)

	orphan, err := env.svc.Tokens().IssueAccessToken(uuid.New())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*http.Request)
	}{
		{"missing", func(*http.Request) {}},
		{"garbage", bearer("not-a-token")},
		{"refresh token used as access token", bearer(session.RefreshToken)},
		{"expired", bearer(expiredToken)},
		{"deleted user", bearer(orphan)},
		{"wrong scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic "+session.AccessToken) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, mux, http.MethodGet, "/current-user", "", tt.mutate)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Invalid access token", body.Message)
			assert.Equal(t, []string{}, body.Errors)
			assert.False(t, body.Success)
		})
	}

	assert.True(t, env.events.has("authenticate:rejected"))
	assert.NotContains(t, env.logs.String(), session.RefreshToken)
}
