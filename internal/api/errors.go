package api

import (
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	apperrors "github.com/kirogate/kirogate/internal/errors"
)

// openAIErrorBody is the OpenAI-dialect error envelope.
func openAIErrorBody(message string, status int) gin.H {
	return gin.H{
		"error": gin.H{
			"message": message,
			"type":    "kiro_api_error",
			"code":    status,
		},
	}
}

// anthropicErrorBody is the Anthropic-dialect error envelope.
func anthropicErrorBody(message string) gin.H {
	return gin.H{
		"type": "error",
		"error": gin.H{
			"type":    "api_error",
			"message": message,
		},
	}
}

// abortError renders err in the dialect of the endpoint being served and
// stops the handler chain.
func (s *Server) abortError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)

	entry := log.WithFields(log.Fields{
		"status": appErr.HTTPStatusCode,
		"code":   appErr.Code,
		"path":   c.Request.URL.Path,
	})
	if appErr.HTTPStatusCode >= 500 {
		entry.WithError(appErr).Error("request failed")
	} else {
		entry.Info(appErr.Message)
	}

	if strings.HasSuffix(c.Request.URL.Path, "/messages") {
		c.AbortWithStatusJSON(appErr.HTTPStatusCode, anthropicErrorBody(appErr.Message))
		return
	}
	c.AbortWithStatusJSON(appErr.HTTPStatusCode, openAIErrorBody(appErr.Message, appErr.HTTPStatusCode))
}
