package api

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	// clockSkew is tolerated on nbf and iat only; exp is enforced as is.
	clockSkew = time.Minute
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

// Auth validates incoming JWT tokens.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates an Auth that verifies RS256 tokens against jwks.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	return &Auth{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      issuer,
		parser:      jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}), jwt.WithoutClaimsValidation()),
		keyCacheTTL: defaultJWKSCacheTTL,
	}
}

// NewTestAuth creates an Auth that accepts HS256 tokens signed with secret.
func NewTestAuth(secret []byte) *Auth {
	return &Auth{
		TestMode:   true,
		TestSecret: secret,
		parser:     jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation()),
	}
}

// UserIDFromAuthHeader extracts the user identifier from the Authorization header.
func (a *Auth) UserIDFromAuthHeader(h string) (string, error) {
	token, err := bearerToken(h)
	if err != nil {
		return "", err
	}

	var parsed *jwt.Token
	if a.TestMode {
		parsed, err = a.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsed, err = a.parser.Parse(token, a.keyForToken)
	}
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	now := time.Now()
	if !claims.VerifyExpiresAt(now.Unix(), true) {
		return "", errors.New("token expired")
	}
	skewed := now.Add(clockSkew).Unix()
	if !claims.VerifyNotBefore(skewed, false) {
		return "", errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(skewed, false) {
		return "", errors.New("token issued in the future")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return "", errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return "", errors.New("invalid issuer")
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", errors.New("missing sub")
	}
	return sub, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}
	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}
	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}
	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

func bearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}
