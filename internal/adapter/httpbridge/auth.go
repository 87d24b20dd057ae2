package httpbridge

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"txqueue/internal/shared"
)

const (
	tokenIssuer     = "txqueue"
	defaultTokenTTL = 15 * time.Minute
	claimsKey       = "txqueue.claims"
)

// Claims carried by bridge tokens.
type Claims struct {
	jwt.RegisteredClaims
	// Scope limits the token to read-only calls when set to "read".
	Scope string `json:"scope,omitempty"`
}

// IssueToken signs an HS256 token for subject valid for ttl.
func IssueToken(secret []byte, subject string, scope string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", shared.Markf(shared.KindValidation, "auth secret is empty")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope: scope,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken verifies signature, issuer and expiry of a bearer token.
func ParseToken(secret []byte, token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, shared.MarkKind(fmt.Errorf("invalid token: %w", err), shared.KindUnauthorized)
	}
	if !parsed.Valid {
		return nil, shared.Markf(shared.KindUnauthorized, "invalid token")
	}
	return &claims, nil
}

var errMissingBearer = errors.New("missing bearer token")

// requireAuth rejects requests without a valid bearer token.
// Read-scoped tokens may only call GET routes.
func requireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			abortWithError(c, shared.MarkKind(errMissingBearer, shared.KindUnauthorized))
			return
		}
		claims, err := ParseToken(secret, token)
		if err != nil {
			abortWithError(c, err)
			return
		}
		if claims.Scope == "read" && c.Request.Method != http.MethodGet {
			abortWithError(c, shared.Markf(shared.KindUnauthorized, "token scope %q does not allow %s", claims.Scope, c.FullPath()))
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}
