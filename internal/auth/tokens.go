package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	DefaultAccessTokenExpiry  = 15 * time.Minute
	DefaultRefreshTokenExpiry = 7 * 24 * time.Hour
)

var (
	// ErrTokenInvalid matches every verification failure.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired and ErrTokenMalformed narrow ErrTokenInvalid for logs.
	ErrTokenExpired   = fmt.Errorf("%w: expired", ErrTokenInvalid)
	ErrTokenMalformed = fmt.Errorf("%w: malformed", ErrTokenInvalid)
)

// TokenKind separates access tokens from refresh tokens
type TokenKind string

const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

// Claims are the JWT claims of both token kinds. The user ID travels in "sub".
type Claims struct {
	Kind TokenKind `json:"typ"`
	jwt.RegisteredClaims
}

// TokenConfig configures a TokenService. The two secrets must differ.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
}

// TokenService issues and verifies HS256 access and refresh tokens
type TokenService struct {
	secrets map[TokenKind][]byte
	ttls    map[TokenKind]time.Duration
	issuer  string
	now     func() time.Time
}

func NewTokenService(cfg TokenConfig) *TokenService {
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTokenExpiry
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTokenExpiry
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "useraccounts"
	}

	return &TokenService{
		secrets: map[TokenKind][]byte{
			AccessToken:  []byte(cfg.AccessSecret),
			RefreshToken: []byte(cfg.RefreshSecret),
		},
		ttls: map[TokenKind]time.Duration{
			AccessToken:  cfg.AccessTTL,
			RefreshToken: cfg.RefreshTTL,
		},
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

// TTL returns the lifetime of tokens of kind
func (s *TokenService) TTL(kind TokenKind) time.Duration {
	return s.ttls[kind]
}

func (s *TokenService) IssueAccessToken(userID uuid.UUID) (string, error) {
	return s.issue(userID, AccessToken)
}

func (s *TokenService) IssueRefreshToken(userID uuid.UUID) (string, error) {
	return s.issue(userID, RefreshToken)
}

func (s *TokenService) issue(userID uuid.UUID, kind TokenKind) (string, error) {
	now := s.now()
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}

	claims := &Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    s.issuer,
			ID:        id.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttls[kind])),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secrets[kind])
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", kind, err)
	}
	return signed, nil
}

// Verify checks signature, expiry, issuer and kind, and returns the bound user ID.
func (s *TokenService) Verify(tokenString string, kind TokenKind) (uuid.UUID, error) {
	secret, ok := s.secrets[kind]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: unknown token kind %q", ErrTokenMalformed, kind)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return uuid.Nil, ErrTokenExpired
		}
		return uuid.Nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	if claims.Kind != kind {
		return uuid.Nil, fmt.Errorf("%w: expected %s token, got %q", ErrTokenMalformed, kind, claims.Kind)
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject: %v", ErrTokenMalformed, err)
	}
	return userID, nil
}
