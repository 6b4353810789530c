package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"examprep-server/utils"
)

// Context keys set by Identify.
const (
	OwnerKey = "owner"
	TokenKey = "bearer_token"
	AdminKey = "is_admin"
)

// ClientCookie holds the anonymous owner id of callers without a token.
const ClientCookie = "client_id"

const clientCookieMaxAge = 30 * 24 * 60 * 60

// claims struct to hold the upstream JWT claims we care about
type claims struct {
	IsAdmin bool     `json:"is_admin"`
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

// IdentifyConfig says how bearer tokens are trusted.
type IdentifyConfig struct {
	// SigningKey verifies HS256 tokens locally. When empty, tokens are confirmed
	// through Users instead.
	SigningKey string
	Issuer     string
	// Users answers /auth/me for unverified tokens. Without it such tokens are only
	// told apart by their digest and never carry the admin role.
	Users UserLookup
	// CacheTTL bounds how long a confirmed identity is reused.
	CacheTTL time.Duration
}

// Identify resolves who is calling. A verified token, or one the API confirms,
// names the owner by user id; other tokens by a digest of themselves. Without a
// token the caller gets a stable anonymous id in a cookie, which is enough for the
// demo. Claims of a token that was not verified are never trusted.
func Identify(cfg IdentifyConfig, log *logrus.Entry) gin.HandlerFunc {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultIdentityTTL
	}
	identities := newIdentityCache(cfg.CacheTTL)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Set(OwnerKey, anonymousOwner(c))
			c.Next()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if !(len(parts) == 2 && strings.ToLower(parts[0]) == "bearer") || strings.TrimSpace(parts[1]) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer {token}"})
			return
		}
		tokenString := strings.TrimSpace(parts[1])

		var id identity
		if cfg.SigningKey != "" {
			cl, err := verify(tokenString, cfg.SigningKey, cfg.Issuer)
			if err != nil {
				log.WithError(err).Debug("rejected bearer token")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": tokenErrorMessage(err)})
				return
			}
			id = identity{owner: tokenOwner(tokenString, cl.Subject), admin: cl.IsAdmin || utils.ContainsString(cl.Roles, "admin")}
		} else {
			var err error
			id, err = confirm(c.Request.Context(), cfg.Users, identities, tokenString, log)
			if err != nil {
				log.WithError(err).Debug("bearer token refused by the API")
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
				return
			}
		}

		c.Set(TokenKey, tokenString)
		c.Set(OwnerKey, id.owner)
		c.Set(AdminKey, id.admin)
		c.Next()
	}
}

var errInvalidIssuer = errors.New("invalid token issuer")

func verify(tokenString, signingKey, issuer string) (*claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(signingKey), nil
	})
	if err != nil {
		return nil, err
	}
	cl, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if issuer != "" && cl.Issuer != issuer {
		return nil, errInvalidIssuer
	}
	return cl, nil
}

func tokenErrorMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "Token not active yet"
	case errors.Is(err, errInvalidIssuer):
		return "Invalid token issuer"
	default:
		return "Invalid token"
	}
}

// tokenOwner names a token holder by subject, or by a digest of the token itself
// when there is none.
func tokenOwner(tokenString, subject string) string {
	if subject != "" {
		return "user:" + subject
	}
	return digestOwner(tokenString)
}

func digestOwner(tokenString string) string {
	sum := sha256.Sum256([]byte(tokenString))
	return "token:" + hex.EncodeToString(sum[:8])
}

func anonymousOwner(c *gin.Context) string {
	if id, err := c.Cookie(ClientCookie); err == nil {
		if _, err := uuid.Parse(id); err == nil {
			return "anon:" + id
		}
	}
	id := uuid.NewString()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(ClientCookie, id, clientCookieMaxAge, "/", "", false, true)
	return "anon:" + id
}

// RequireToken rejects callers without a bearer token.
func RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Token(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		c.Next()
	}
}

// RequireAdmin checks the admin role Identify established from a verified or
// API-confirmed token.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Token(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		if !c.GetBool(AdminKey) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			return
		}
		c.Next()
	}
}

// Owner returns the owner id resolved by Identify.
func Owner(c *gin.Context) string {
	return c.GetString(OwnerKey)
}

// Token returns the caller's bearer token, or "".
func Token(c *gin.Context) string {
	return c.GetString(TokenKey)
}
