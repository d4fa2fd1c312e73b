package handlers

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chronos/pkg/api/chronos"
	"chronos/pkg/logging"
)

const maxImageBytes = 2 << 20 // 2 MiB decoded

var imageTypes = map[string]bool{
	"signature": true,
	"stamp":     true,
	"logo":      true,
}

var imageContentTypes = map[string]string{
	"\x89PNG":     "image/png",
	"\xff\xd8\xff": "image/jpeg",
	"GIF8":        "image/gif",
}

// UploadImage handles POST /uploads/images. The payload is a base64 image
// (optionally a data: URL) destined for invoice rendering: a signature,
// stamp or logo.
func UploadImage(c *gin.Context) {
	if uploader == nil {
		c.JSON(http.StatusServiceUnavailable, chronos.ErrorResponse{Error: "Image storage is not configured"})
		return
	}

	var req chronos.ImageUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Invalid request body"})
		return
	}

	imageType := strings.ToLower(req.Type)
	if !imageTypes[imageType] {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Type must be signature, stamp or logo"})
		return
	}

	payload := req.Image
	if idx := strings.Index(payload, ";base64,"); idx >= 0 {
		payload = payload[idx+len(";base64,"):]
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Image is not valid base64"})
		return
	}
	if len(data) == 0 || len(data) > maxImageBytes {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Image must be between 1 byte and 2 MiB"})
		return
	}

	contentType := sniffImageType(data)
	if contentType == "" {
		c.JSON(http.StatusBadRequest, chronos.ErrorResponse{Error: "Image must be PNG, JPEG or GIF"})
		return
	}

	ext := strings.TrimPrefix(contentType, "image/")
	key := fmt.Sprintf("company/%s-%d.%s", imageType, time.Now().UTC().Unix(), ext)

	url, err := uploader.Upload(c.Request.Context(), key, contentType, data)
	if err != nil {
		logger.WithFields(logging.Fields{
			"key":   key,
			"error": err,
		}).Error("Image upload failed")
		c.JSON(http.StatusServiceUnavailable, chronos.ErrorResponse{Error: "Storage temporarily unavailable"})
		return
	}

	c.JSON(http.StatusCreated, chronos.ImageUploadResponse{
		Success:     true,
		URL:         url,
		Key:         key,
		ContentType: contentType,
	})
}

func sniffImageType(data []byte) string {
	for magic, contentType := range imageContentTypes {
		if len(data) >= len(magic) && string(data[:len(magic)]) == magic {
			return contentType
		}
	}
	return ""
}
