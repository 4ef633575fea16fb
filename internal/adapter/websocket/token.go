package websocket

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/nksrentas/carbonpulse/internal/domain"
)

// TokenVerifier checks the optional bearer token carried by authenticate.
// Tokens are HS256 JWTs whose subject is the user id being claimed.
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewTokenVerifier(secret string, clock clockwork.Clock) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(clock.Now),
		),
	}
}

// Verify returns an error wrapping domain.ErrInvalidToken unless token is valid and issued for userID.
func (v *TokenVerifier) Verify(token, userID string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", domain.ErrInvalidToken)
	}

	claims := &jwt.RegisteredClaims{}
	if _, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidToken, err)
	}

	if claims.Subject != userID {
		return fmt.Errorf("%w: subject does not match userId", domain.ErrInvalidToken)
	}
	return nil
}
