package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nexus-im/kindred/internal/apperr"
)

type contextKey string

const identityContextKey contextKey = "identity"

// TokenFromRequest extracts the bearer credential from the Authorization
// header, falling back to the token query parameter used by the socket
// handshake.
func TokenFromRequest(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// VerifyRequest verifies the credential carried by r.
func (a *Authenticator) VerifyRequest(r *http.Request) (*Identity, error) {
	return a.Verify(TokenFromRequest(r))
}

// Middleware rejects unauthenticated requests and stores the identity in
// the request context. onReject writes the rejection response.
func (a *Authenticator) Middleware(onReject func(http.ResponseWriter, error), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.VerifyRequest(r)
		if err != nil {
			onReject(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext retrieves the identity from the request context.
func FromContext(ctx context.Context) *Identity {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	if !ok {
		return nil
	}
	return id
}

// AppError maps a verification failure onto the shared error taxonomy.
func AppError(err error) error {
	if errors.Is(err, ErrUnauthenticated) {
		return apperr.ErrUnauthenticated
	}
	return apperr.Wrap(apperr.CodeInvalidCredential, "invalid credential", err)
}
