package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound = errors.New("user not found")
	// ErrDuplicateUser is returned by Create when the username or email is taken.
	ErrDuplicateUser = errors.New("username or email already exists")
	// ErrTokenMismatch is returned by Update when Patch.IfRefreshToken does not match.
	ErrTokenMismatch = errors.New("stored refresh token does not match")
	// ErrStoreUnavailable wraps every backend failure that is not one of the above.
	ErrStoreUnavailable = errors.New("credential store unavailable")
)

// User is the stored account record. An empty RefreshToken means no live session.
type User struct {
	ID           uuid.UUID `json:"_id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"fullName"`
	PasswordHash string    `json:"passwordHash"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// PublicUser is the projection of User that leaves the service
type PublicUser struct {
	ID        uuid.UUID `json:"_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	FullName  string    `json:"fullName"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Public strips the password hash and refresh token
func (u *User) Public() *PublicUser {
	return &PublicUser{
		ID:        u.ID,
		Username:  u.Username,
		Email:     u.Email,
		FullName:  u.FullName,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

// Identity selects users by username or email; empty fields are ignored.
type Identity struct {
	Username string
	Email    string
}

// Patch is a partial update. Nil fields are left alone. A RefreshToken pointing at ""
// clears the token. When IfRefreshToken is set the update only applies if the stored
// token equals it.
type Patch struct {
	PasswordHash   *string
	RefreshToken   *string
	IfRefreshToken *string
}

func (p Patch) apply(u *User, now time.Time) {
	if p.PasswordHash != nil {
		u.PasswordHash = *p.PasswordHash
	}
	if p.RefreshToken != nil {
		u.RefreshToken = *p.RefreshToken
	}
	u.UpdatedAt = now
}

// Store persists users. Implementations wrap backend failures in ErrStoreUnavailable.
type Store interface {
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	// FindByIdentity returns the user whose email or username matches. With both set,
	// an email match wins.
	FindByIdentity(ctx context.Context, identity Identity) (*User, error)
	Create(ctx context.Context, user *User) error
	Update(ctx context.Context, id uuid.UUID, patch Patch) (*User, error)
	Ping(ctx context.Context) error
	Close() error
}

// String returns a pointer to s, for building a Patch
func String(s string) *string {
	return &s
}
