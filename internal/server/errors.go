package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/svcerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	reasonInvalidRequest = "invalid_request"
	codeInvalidRequest   = "http.invalid_request"
)

func statusForKind(kind svcerr.Kind) int {
	switch kind {
	case svcerr.KindUnauthenticated:
		return http.StatusUnauthorized
	case svcerr.KindNotFound:
		return http.StatusNotFound
	case svcerr.KindConflict:
		return http.StatusConflict
	case svcerr.KindForbidden:
		return http.StatusForbidden
	case svcerr.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// respondError writes {"error": reason, "code": code} with the status for the error kind.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	kind := svcerr.KindOf(err)
	status := statusForKind(kind)
	reason := svcerr.ReasonOf(err)
	code := svcerr.CodeOf(err)
	if reason == "" {
		reason = "unavailable"
		code = "http.unavailable"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": reason, "code": code})
}

func respondInvalid(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": reasonInvalidRequest, "code": codeInvalidRequest})
}
