package api

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openfield-iot/fieldgate-core/internal/infrastructure/config"
)

// defaultTokenTTL applies when the configuration leaves the TTL unset.
const defaultTokenTTL = 15 * time.Minute

// TokenIssuer mints short-lived bearer tokens signed with the shared
// secret. The command router uses one to sign instance-to-instance
// forwards; operators can use the same minting for producer tokens.
type TokenIssuer struct {
	secret   []byte
	ttl      time.Duration
	instance string
}

// NewTokenIssuer creates an issuer for this instance.
func NewTokenIssuer(cfg config.JWTConfig, instance string) *TokenIssuer {
	ttl := time.Duration(cfg.TokenTTL) * time.Minute
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenIssuer{
		secret:   []byte(cfg.Secret),
		ttl:      ttl,
		instance: instance,
	}
}

// Issue returns a signed token whose subject is this instance's ID.
func (i *TokenIssuer) Issue() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": i.instance,
		"iat": now.Unix(),
		"exp": now.Add(i.ttl).Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing instance token: %w", err)
	}
	return signed, nil
}

// verifyToken validates a bearer token against the shared secret and
// returns its subject. Only HS256 is accepted; a token carrying any other
// algorithm header is refused outright.
func verifyToken(secret []byte, token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("parsing bearer token: %w", err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return "", fmt.Errorf("reading token subject: %w", err)
	}
	return sub, nil
}
