package webserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	authClaimsKey       = "auth_claims"
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

type authClaims struct {
	jwt.RegisteredClaims
}

// authMiddleware validates the HS256 bearer token and stores its claims on
// the request context. The subject claim is the user id.
func authMiddleware(signingKey string, issuer string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	return func(ctx *gin.Context) {
		header := ctx.GetHeader(authorizationHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing bearer token"))
			return
		}
		token := strings.TrimPrefix(header, bearerPrefix)

		claims := &authClaims{}
		parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return []byte(signingKey), nil
		})
		if err != nil || !parsed.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid token"))
			return
		}
		ctx.Set(authClaimsKey, claims)
		ctx.Next()
	}
}

func authenticatedUserID(ctx *gin.Context) (string, error) {
	claimsValue, ok := ctx.Get(authClaimsKey)
	if !ok {
		return "", fmt.Errorf("missing auth claims")
	}
	claims, ok := claimsValue.(*authClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("malformed auth claims")
	}
	return claims.Subject, nil
}
