// Auth middleware adapted from this repository's gateway AuthMiddleware
// (internal/gateway/middleware/auth.go): bearer-token extraction and
// context propagation kept, with no role check; the auth backend is a single
// operator credential checked with bcrypt and a JWT issued by this
// daemon, rather than a delegated auth service.
package http

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/anika-dewari/safebox/pkg/errors"
	"github.com/anika-dewari/safebox/pkg/httpresponse"
)

const tokenTTL = 12 * time.Hour

type claims struct {
	jwt.RegisteredClaims
	Operator string `json:"operator"`
}

// IssueToken checks user/password against the configured operator
// credential and, on success, returns a signed bearer token.
func IssueToken(secret, operatorUser, operatorHash, user, password string) (string, error) {
	if user != operatorUser {
		return "", errors.UnauthorizedError("unknown operator")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(operatorHash), []byte(password)); err != nil {
		return "", errors.UnauthorizedError("invalid credentials")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
		Operator: user,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", errors.InternalError(err)
	}
	return signed, nil
}

// authMiddleware enforces bearer JWT validation on protected routes.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractBearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			httpresponse.AbortWithErrorCode(c, errors.Unauthorized, "missing bearer token")
			return
		}

		parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return []byte(secret), nil
		})
		if err != nil || !parsed.Valid {
			httpresponse.AbortWithErrorCode(c, errors.Unauthorized, "invalid or expired token")
			return
		}

		cl, ok := parsed.Claims.(*claims)
		if !ok {
			httpresponse.AbortWithErrorCode(c, errors.Unauthorized, "invalid token claims")
			return
		}
		c.Set("operator", cl.Operator)
		c.Next()
	}
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
