// Package correlation threads an operation identifier through contexts so
// repository calls, storage spans and log lines for one request line up.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// MaxIDLength caps accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// With returns ctx carrying id. Invalid identifiers leave ctx unchanged.
func With(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// Ensure returns ctx with an identifier attached, generating one when ctx
// has none, plus the identifier in effect.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return With(ctx, id), id
}

// ID retrieves the identifier stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize validates an externally supplied identifier: printable ASCII,
// non-empty after trimming, at most MaxIDLength characters.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new time-ordered identifier.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
