package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/useraccounts/backend/internal/db"
	apperrors "github.com/useraccounts/backend/internal/errors"
	"github.com/useraccounts/backend/internal/logger"
)

const msgReusedRefreshToken = "Refresh token is expired or used"

// EventRecorder counts authentication outcomes
type EventRecorder interface {
	AuthEvent(event, outcome string)
}

type noopRecorder struct{}

func (noopRecorder) AuthEvent(string, string) {}

type RegisterInput struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Session is the result of a successful login
type Session struct {
	User *db.PublicUser `json:"user"`
	TokenPair
}

type Options struct {
	Logger *logger.Logger
	Events EventRecorder
	// RevokeOnPasswordChange clears the stored refresh token when the password changes.
	RevokeOnPasswordChange bool
}

// Service runs the account and session operations. At most one refresh token per user is
// live at a time: the one stored on the user record.
type Service struct {
	store  db.Store
	hasher PasswordHasher
	tokens *TokenService
	log    *logger.Logger
	events EventRecorder

	revokeOnPasswordChange bool
}

func NewService(store db.Store, hasher PasswordHasher, tokens *TokenService, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	events := opts.Events
	if events == nil {
		events = noopRecorder{}
	}

	return &Service{
		store:                  store,
		hasher:                 hasher,
		tokens:                 tokens,
		log:                    log.WithComponent("auth"),
		events:                 events,
		revokeOnPasswordChange: opts.RevokeOnPasswordChange,
	}
}

// Tokens returns the token service, used by handlers for cookie lifetimes
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*db.PublicUser, error) {
	if missing := missingFields(
		[2]string{"fullName", in.FullName},
		[2]string{"email", in.Email},
		[2]string{"username", in.Username},
		[2]string{"password", in.Password},
	); len(missing) > 0 {
		return nil, apperrors.ValidationError("All fields are required").WithErrors(missing...)
	}

	email := normalizeIdentity(in.Email)
	username := normalizeIdentity(in.Username)
	if !validEmail(email) {
		return nil, apperrors.ValidationError("Invalid email format")
	}

	_, err := s.store.FindByIdentity(ctx, db.Identity{Username: username, Email: email})
	switch {
	case err == nil:
		s.events.AuthEvent("register", "conflict")
		return nil, apperrors.Conflict("User with email or username already exists")
	case !errors.Is(err, db.ErrUserNotFound):
		return nil, s.internal(ctx, "lookup for registration failed", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, s.internal(ctx, "password hashing failed", err)
	}

	now := time.Now().UTC()
	user := &db.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		FullName:     strings.TrimSpace(in.FullName),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, user); err != nil {
		if errors.Is(err, db.ErrDuplicateUser) {
			s.events.AuthEvent("register", "conflict")
			return nil, apperrors.Conflict("User with email or username already exists")
		}
		return nil, s.internal(ctx, "create user failed", err)
	}

	s.events.AuthEvent("register", "success")
	s.log.Info(ctx, "user registered", map[string]interface{}{"user_id": user.ID.String()})
	return user.Public(), nil
}

func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	username := normalizeIdentity(in.Username)
	email := normalizeIdentity(in.Email)
	if username == "" && email == "" {
		return nil, apperrors.ValidationError("Username or email is required")
	}
	if isBlank(in.Password) {
		return nil, apperrors.ValidationError("Password is required")
	}

	user, err := s.store.FindByIdentity(ctx, db.Identity{Username: username, Email: email})
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			s.events.AuthEvent("login", "not_found")
			return nil, apperrors.NotFound("User does not exist")
		}
		return nil, s.internal(ctx, "lookup for login failed", err)
	}

	ok, err := s.hasher.Verify(in.Password, user.PasswordHash)
	if err != nil {
		return nil, s.internal(ctx, "password verification failed", err)
	}
	if !ok {
		s.events.AuthEvent("login", "invalid_credentials")
		s.log.Warn(ctx, "login rejected", map[string]interface{}{"user_id": user.ID.String()})
		return nil, apperrors.Unauthorized("Invalid user credentials")
	}

	pair, err := s.issuePair(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	// Overwrites any earlier refresh token; concurrent logins are last-write-wins.
	updated, err := s.store.Update(ctx, user.ID, db.Patch{RefreshToken: db.String(pair.RefreshToken)})
	if err != nil {
		return nil, s.internal(ctx, "store refresh token failed", err)
	}

	s.events.AuthEvent("login", "success")
	s.log.Info(ctx, "user logged in", map[string]interface{}{"user_id": user.ID.String()})
	return &Session{User: updated.Public(), TokenPair: *pair}, nil
}

func (s *Service) Logout(ctx context.Context, userID uuid.UUID) error {
	_, err := s.store.Update(ctx, userID, db.Patch{RefreshToken: db.String("")})
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return apperrors.NotFound("User does not exist")
		}
		return s.internal(ctx, "clear refresh token failed", err)
	}

	s.events.AuthEvent("logout", "success")
	s.log.Info(ctx, "user logged out", map[string]interface{}{"user_id": userID.String()})
	return nil
}

// RefreshSession exchanges the presented refresh token for a new pair. The presented
// token must be the one stored on the user; the swap is conditioned on it so two
// concurrent refreshes with the same token cannot both succeed.
func (s *Service) RefreshSession(ctx context.Context, presented string) (*TokenPair, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, apperrors.Unauthorized("Unauthorized request")
	}

	userID, err := s.tokens.Verify(presented, RefreshToken)
	if err != nil {
		s.events.AuthEvent("refresh", "invalid_token")
		if errors.Is(err, ErrTokenExpired) {
			return nil, apperrors.Unauthorized("Refresh token has expired").WithCause(err)
		}
		return nil, apperrors.Unauthorized("Invalid refresh token").WithCause(err)
	}

	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			s.events.AuthEvent("refresh", "invalid_token")
			return nil, apperrors.Unauthorized("Invalid refresh token").WithCause(err)
		}
		return nil, s.internal(ctx, "lookup for refresh failed", err)
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(user.RefreshToken)) != 1 {
		return nil, s.reused(ctx, userID)
	}

	pair, err := s.issuePair(ctx, userID)
	if err != nil {
		return nil, err
	}

	_, err = s.store.Update(ctx, userID, db.Patch{
		RefreshToken:   db.String(pair.RefreshToken),
		IfRefreshToken: db.String(presented),
	})
	switch {
	case errors.Is(err, db.ErrTokenMismatch):
		return nil, s.reused(ctx, userID)
	case errors.Is(err, db.ErrUserNotFound):
		return nil, apperrors.Unauthorized("Invalid refresh token").WithCause(err)
	case err != nil:
		return nil, s.internal(ctx, "rotate refresh token failed", err)
	}

	s.events.AuthEvent("refresh", "success")
	return pair, nil
}

func (s *Service) reused(ctx context.Context, userID uuid.UUID) error {
	s.events.AuthEvent("refresh", "reused")
	s.log.Warn(ctx, "stale refresh token presented", map[string]interface{}{"user_id": userID.String()})
	return apperrors.Unauthorized(msgReusedRefreshToken)
}

func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, oldPassword, newPassword string) error {
	if isBlank(oldPassword) || isBlank(newPassword) {
		return apperrors.ValidationError("Old and new password are required")
	}

	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return apperrors.NotFound("User does not exist")
		}
		return s.internal(ctx, "lookup for password change failed", err)
	}

	ok, err := s.hasher.Verify(oldPassword, user.PasswordHash)
	if err != nil {
		return s.internal(ctx, "password verification failed", err)
	}
	if !ok {
		s.events.AuthEvent("change_password", "invalid_credentials")
		return apperrors.Unauthorized("Invalid old password")
	}

	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return s.internal(ctx, "password hashing failed", err)
	}

	patch := db.Patch{PasswordHash: db.String(hash)}
	if s.revokeOnPasswordChange {
		patch.RefreshToken = db.String("")
	}
	if _, err := s.store.Update(ctx, userID, patch); err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return apperrors.NotFound("User does not exist")
		}
		return s.internal(ctx, "store password failed", err)
	}

	s.events.AuthEvent("change_password", "success")
	s.log.Info(ctx, "password changed", map[string]interface{}{
		"user_id":          userID.String(),
		"sessions_revoked": s.revokeOnPasswordChange,
	})
	return nil
}

// CurrentUser returns the user the middleware attached to ctx
func (s *Service) CurrentUser(ctx context.Context) (*db.PublicUser, error) {
	user := UserFromContext(ctx)
	if user == nil {
		return nil, apperrors.Unauthorized("Unauthorized request")
	}
	return user, nil
}

// Authenticate resolves an access token to the public view of its user.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*db.PublicUser, error) {
	userID, err := s.tokens.Verify(accessToken, AccessToken)
	if err != nil {
		return nil, err
	}

	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Public(), nil
}

func (s *Service) issuePair(ctx context.Context, userID uuid.UUID) (*TokenPair, error) {
	access, err := s.tokens.IssueAccessToken(userID)
	if err != nil {
		return nil, s.internal(ctx, "issue access token failed", err)
	}
	refresh, err := s.tokens.IssueRefreshToken(userID)
	if err != nil {
		return nil, s.internal(ctx, "issue refresh token failed", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) internal(ctx context.Context, msg string, err error) error {
	s.log.Error(ctx, msg, err)
	return apperrors.InternalError("Something went wrong").WithCause(err)
}
