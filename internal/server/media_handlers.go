package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/citycrew/backend/internal/media"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const multipartMemory = 8 << 20

func (h *httpHandler) handleUpload(c *gin.Context) {
	if h.media == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "media_disabled", "code": "media.upload.media_disabled"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBodySize)
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		respondInvalid(c)
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondInvalid(c)
		return
	}
	kind := media.Kind(strings.ToLower(strings.TrimSpace(c.PostForm("kind"))))
	if kind == "" {
		kind = media.KindFile
	}
	contentType := fileHeader.Header.Get("Content-Type")
	key, err := media.NewKey(callerID(c), kind, h.clock(), media.ExtensionFor(fileHeader.Filename, contentType))
	if err != nil {
		h.respondMediaError(c, err)
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		respondInvalid(c)
		return
	}
	defer file.Close()

	object, err := h.media.Put(c.Request.Context(), key, file, contentType)
	if err != nil {
		h.respondMediaError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"key":          object.Key,
		"url":          object.URL,
		"content_type": object.ContentType,
		"size":         object.Size,
		"file_name":    fileHeader.Filename,
	})
}

func (h *httpHandler) respondMediaError(c *gin.Context, err error) {
	var reason string
	switch {
	case errors.Is(err, media.ErrUnknownKind):
		reason = "unknown_kind"
	case errors.Is(err, media.ErrEmptyObject):
		reason = "empty_upload"
	case errors.Is(err, media.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too_large", "code": "media.upload.too_large"})
		return
	case errors.Is(err, media.ErrInvalidKey):
		reason = "invalid_key"
	default:
		h.logger.Error("media upload failed", zap.String("user_id", callerID(c)), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store_failed", "code": "media.upload.store_failed"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": reason, "code": "media.upload." + reason})
}

type pushTokenBody struct {
	Token    string `json:"token"`
	Platform string `json:"platform"`
}

func (h *httpHandler) handleRegisterPushToken(c *gin.Context) {
	var body pushTokenBody
	if err := c.ShouldBindJSON(&body); err != nil {
		respondInvalid(c)
		return
	}
	if err := h.pushTokens.Register(c.Request.Context(), callerID(c), body.Token, body.Platform); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
