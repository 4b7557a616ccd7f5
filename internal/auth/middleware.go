package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResultKey holds the Result in the gin context.
const ResultKey = "auth_result"

// Gin rejects unauthenticated requests with 401. A nil or disabled
// Authenticator lets everything through.
func (a *Authenticator) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}
		res, err := a.Authenticate(c.Request)
		if err != nil {
			c.Header("WWW-Authenticate", `Bearer realm="metricwatch"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": err.Error(),
			})
			return
		}
		c.Set(ResultKey, res)
		c.Next()
	}
}
