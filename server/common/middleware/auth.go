package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"dm_server/server/common/transport/httpresp"
)

const (
	ContextAccessToken = "auth_access_token"
	ContextUserID      = "auth_user_id"
)

type identityResolver interface {
	ResolveIdentity(token string) (string, error)
}

func AuthRequired(auth identityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrMissingBearerToken))
			return
		}
		userID, err := auth.ResolveIdentity(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrInvalidToken))
			return
		}
		c.Set(ContextAccessToken, token)
		c.Set(ContextUserID, userID)
		c.Next()
	}
}

func BearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}

func UserID(c *gin.Context) (string, bool) {
	raw, ok := c.Get(ContextUserID)
	if !ok {
		return "", false
	}
	userID, ok := raw.(string)
	if !ok || strings.TrimSpace(userID) == "" {
		return "", false
	}
	return userID, true
}
