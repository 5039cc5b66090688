// Package gateway terminates client HTTP traffic: authentication, per-client
// rate limiting, and forwarding to internal services with retry and
// per-downstream circuit breakers.
package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/strandlabs/lifestrand/internal/fault"
)

// APIKeyHeader carries an API key as an alternative to a bearer JWT.
const APIKeyHeader = "X-API-Key"

// Identity is the authenticated caller.
type Identity struct {
	// UserID is the JWT subject, or "api-key" for key-authenticated calls.
	UserID string

	// Method is "jwt" or "api_key".
	Method string
}

// Authenticator validates bearer JWTs (HS256, issuer and expiry enforced)
// and API keys (compared by SHA-256 digest, never plaintext).
type Authenticator struct {
	secret     []byte
	issuer     string
	keyDigests map[string]bool
}

// NewAuthenticator builds an Authenticator. keyDigests holds lowercase hex
// SHA-256 digests of accepted API keys.
func NewAuthenticator(jwtSecret, issuer string, keyDigests []string) *Authenticator {
	digests := make(map[string]bool, len(keyDigests))
	for _, d := range keyDigests {
		digests[strings.ToLower(d)] = true
	}
	return &Authenticator{secret: []byte(jwtSecret), issuer: issuer, keyDigests: digests}
}

// Authenticate extracts and verifies the caller's credentials.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if key := r.Header.Get(APIKeyHeader); key != "" {
		return a.checkAPIKey(key)
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return a.checkJWT(strings.TrimPrefix(auth, "Bearer "))
	}
	return Identity{}, fault.New(fault.Unauthenticated, "gateway: missing credentials")
}

func (a *Authenticator) checkAPIKey(key string) (Identity, error) {
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])

	// Constant-time scan over the accepted set.
	matched := 0
	for accepted := range a.keyDigests {
		matched |= subtle.ConstantTimeCompare([]byte(digest), []byte(accepted))
	}
	if matched != 1 {
		return Identity{}, fault.New(fault.Unauthenticated, "gateway: unknown api key")
	}
	return Identity{UserID: "api-key", Method: "api_key"}, nil
}

func (a *Authenticator) checkJWT(token string) (Identity, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fault.Wrap(fault.Unauthenticated, err, "gateway: invalid token")
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return Identity{}, fault.New(fault.Unauthenticated, "gateway: token missing subject")
	}
	return Identity{UserID: claims.Subject, Method: "jwt"}, nil
}

// DigestKey returns the lowercase hex SHA-256 digest of an API key, for
// provisioning configuration.
func DigestKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
