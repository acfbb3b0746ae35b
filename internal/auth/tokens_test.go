package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTokenService() *TokenService {
	return NewTokenService(TokenConfig{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
		Issuer:        "useraccounts-test",
	})
}

func TestTokenService_IssueAndVerify(t *testing.T) {
	svc := newTestTokenService()
	userID := uuid.New()

	access, err := svc.IssueAccessToken(userID)
	require.NoError(t, err)
	refresh, err := svc.IssueRefreshToken(userID)
	require.NoError(t, err)
	assert.NotEqual(t, access, refresh)

	got, err := svc.Verify(access, AccessToken)
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	got, err = svc.Verify(refresh, RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestTokenService_TokensIssuedTogetherDiffer(t *testing.T) {
	svc := newTestTokenService()
	frozen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.now = func() time.Time { return frozen }
	userID := uuid.New()

	first, err := svc.IssueRefreshToken(userID)
	require.NoError(t, err)
	second, err := svc.IssueRefreshToken(userID)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestTokenService_KindsAreNotInterchangeable(t *testing.T) {
	svc := newTestTokenService()
	userID := uuid.New()

	access, err := svc.IssueAccessToken(userID)
	require.NoError(t, err)
	refresh, err := svc.IssueRefreshToken(userID)
	require.NoError(t, err)

	_, err = svc.Verify(access, RefreshToken)
	assert.ErrorIs(t, err, ErrTokenMalformed)

	_, err = svc.Verify(refresh, AccessToken)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}

func TestTokenService_Expired(t *testing.T) {
	svc := newTestTokenService()
	issuedAt := time.Now().Add(-2 * time.Minute)
	svc.now = func() time.Time { return issuedAt }

	token, err := svc.IssueAccessToken(uuid.New())
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.Verify(token, AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenService_Malformed(t *testing.T) {
	svc := newTestTokenService()
	userID := uuid.New()

	other := NewTokenService(TokenConfig{
		AccessSecret:  "some-other-access-secret",
		RefreshSecret: "some-other-refresh-secret",
		Issuer:        "useraccounts-test",
	})
	foreign, err := other.IssueRefreshToken(userID)
	require.NoError(t, err)

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Kind: AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    "useraccounts-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Kind: AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "not-a-uuid",
			Issuer:    "useraccounts-test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("access-secret-for-tests"))
	require.NoError(t, err)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Kind: AccessToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: userID.String(),
			Issuer:  "useraccounts-test",
		},
	}).SignedString([]byte("access-secret-for-tests"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		kind  TokenKind
	}{
		{"empty", "", AccessToken},
		{"garbage", "not.a.jwt", AccessToken},
		{"signed by another key", foreign, RefreshToken},
		{"alg none", noneToken, AccessToken},
		{"subject not a uuid", badSubject, AccessToken},
		{"no expiry", noExpiry, AccessToken},
		{"unknown kind", foreign, TokenKind("session")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(tt.token, tt.kind)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrTokenMalformed), "got %v", err)
			assert.ErrorIs(t, err, ErrTokenInvalid)
		})
	}
}

func TestTokenService_WrongIssuer(t *testing.T) {
	svc := newTestTokenService()
	other := NewTokenService(TokenConfig{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		Issuer:        "someone-else",
	})

	token, err := other.IssueAccessToken(uuid.New())
	require.NoError(t, err)

	_, err = svc.Verify(token, AccessToken)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestTokenService_Defaults(t *testing.T) {
	svc := NewTokenService(TokenConfig{AccessSecret: "a", RefreshSecret: "b"})
	assert.Equal(t, DefaultAccessTokenExpiry, svc.TTL(AccessToken))
	assert.Equal(t, DefaultRefreshTokenExpiry, svc.TTL(RefreshToken))
}
