package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated is returned when no credential was presented.
	ErrUnauthenticated = errors.New("missing credential")
	// ErrInvalidCredential covers signature, issuer, expiry and format failures.
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredToken      = fmt.Errorf("%w: token has expired", ErrInvalidCredential)
)

// Profile is the optional profile snapshot embedded by the identity service.
type Profile struct {
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Identity is the verified caller.
type Identity struct {
	UserID   string
	Username string
	Role     string
	Scopes   []string
	Profile  *Profile
}

// HasScope reports whether the identity was granted scope.
func (i *Identity) HasScope(scope string) bool {
	for _, s := range i.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Claims defines the custom claims structure for our JWT.
type Claims struct {
	UserID   string   `json:"sub"`
	Username string   `json:"username"`
	Role     string   `json:"role,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Profile  *Profile `json:"profile,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens issued by the identity service.
type Authenticator struct {
	secretKey []byte
	issuer    string
	validity  time.Duration
}

// NewAuthenticator creates a new Authenticator.
func NewAuthenticator(secretKey string, issuer string, validity time.Duration) *Authenticator {
	return &Authenticator{
		secretKey: []byte(secretKey),
		issuer:    issuer,
		validity:  validity,
	}
}

// GenerateToken creates a signed JWT for id. Token issuance belongs to the
// identity service; this exists for development tooling and tests.
func (a *Authenticator) GenerateToken(id Identity) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   id.UserID,
		Username: id.Username,
		Role:     id.Role,
		Scopes:   id.Scopes,
		Profile:  id.Profile,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(a.validity)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    a.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

// Verify validates tokenString and returns the identity it carries.
func (a *Authenticator) Verify(tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, ErrUnauthenticated
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return a.secretKey, nil
	}, jwt.WithIssuer(a.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidCredential
	}

	return &Identity{
		UserID:   claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
		Scopes:   claims.Scopes,
		Profile:  claims.Profile,
	}, nil
}
