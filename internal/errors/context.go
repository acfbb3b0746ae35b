package errors

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type requestIDCtxKey struct{}

// maxRequestIDLength caps client-supplied IDs before they reach logs and headers
const maxRequestIDLength = 128

// GenerateRequestID returns a random UUIDv4 string
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID returns a copy of ctx carrying requestID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDCtxKey{}, requestID)
}

// GetRequestID returns the request ID stored in ctx, or "" outside a request.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDCtxKey{}).(string)
	return id
}

// acceptRequestID reports whether a client-supplied ID is safe to echo: bounded length
// and printable ASCII without spaces.
func acceptRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLength {
		return false
	}
	return strings.IndexFunc(id, func(r rune) bool { return r <= ' ' || r > '~' }) < 0
}
