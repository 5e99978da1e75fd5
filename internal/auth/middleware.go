package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxClaims = "hostdomains_owner_claims"

// RequireOwner returns a Gin middleware that enforces a valid owner Bearer
// token. Failures are written as an UNAUTHORIZED envelope.
func RequireOwner(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			abortUnauthorized(c, "Bearer token required")
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			abortUnauthorized(c, "invalid token: "+err.Error())
			return
		}

		c.Set(ctxClaims, claims)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"data":    nil,
		"message": msg,
		"code":    "UNAUTHORIZED",
	})
}

// ClaimsFromCtx returns the claims injected by RequireOwner, or nil.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, ok := c.Get(ctxClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// OwnerFromCtx returns the authenticated account id, or "".
func OwnerFromCtx(c *gin.Context) string {
	if claims := ClaimsFromCtx(c); claims != nil {
		return claims.Subject
	}
	return ""
}
