package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trybe-app/trybesync/pkg/constants"
	"github.com/trybe-app/trybesync/pkg/models"
)

// Claims of a session token. The subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 session tokens.
type TokenVerifier struct {
	secret []byte
	issuer string
}

func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Mint issues a token for user, used by development tooling.
func (v *TokenVerifier) Mint(user models.UserID, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user),
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	if len(v.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", constants.ErrUnauthenticated)
	}
	claims := &Claims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", constants.ErrUnauthenticated, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: %w", constants.ErrUnauthenticated, jwt.ErrTokenInvalidClaims)
	}
	return claims, nil
}

// Authenticate resolves the session from a token. The session is in the
// resolving state while verification runs, then signed in or signed out.
func (s *Session) Authenticate(ctx context.Context, v *TokenVerifier, token string) (*Claims, error) {
	s.Resolving()
	if err := ctx.Err(); err != nil {
		s.SignOut()
		return nil, err
	}
	claims, err := v.Verify(token)
	if err != nil {
		s.SignOut()
		return nil, err
	}
	s.SignIn(models.UserID(claims.Subject))
	return claims, nil
}

// IsExpired reports whether err came from an expired token.
func IsExpired(err error) bool {
	return errors.Is(err, jwt.ErrTokenExpired)
}
