package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gaspareduard/PlateifyAPP/internal/apperr"
	"github.com/gaspareduard/PlateifyAPP/internal/session"
)

const callerKey = "user_id"

// Auth 校验 Authorization 头中的访问令牌，通过后把调用者 ID 写入 context
func Auth(verifier *session.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := verifier.Caller(c.GetHeader("Authorization"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(callerKey, userID)
		c.Next()
	}
}

// GetUserID 从 context 获取调用者 ID
func GetUserID(c *gin.Context) string {
	userID, exists := c.Get(callerKey)
	if !exists {
		return ""
	}
	return userID.(string)
}

type errorBody struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func abortWithError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindNotAuthenticated:
		status = http.StatusUnauthorized
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindTransient:
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, errorBody{
		Code:    apperr.GetCode(err),
		Kind:    kind.String(),
		Message: apperr.GetMessage(err),
	})
}
