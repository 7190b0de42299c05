package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"tably/media"

	"github.com/gin-gonic/gin"
)

// readUploadedFile pulls the multipart "file" field into memory. Attachments
// are small enough that streaming buys nothing here.
func readUploadedFile(c *gin.Context) ([]byte, bool) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file provided"})
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read file"})
		return nil, false
	}
	return data, true
}

func writeUploadError(c *gin.Context, err error) {
	var valErr *media.ValidationError
	if errors.As(err, &valErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Reason})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload failed"})
}

func UploadPhoto(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Media uploads not configured"})
		return
	}

	data, ok := readUploadedFile(c)
	if !ok {
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	url, err := uploads.UploadImage(ctx, data, userID.Hex())
	if err != nil {
		writeUploadError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}

func UploadVoice(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Media uploads not configured"})
		return
	}

	duration, err := strconv.Atoi(c.PostForm("duration"))
	if err != nil || duration <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid duration"})
		return
	}

	data, ok := readUploadedFile(c)
	if !ok {
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	url, err := uploads.UploadVoice(ctx, data, userID.Hex())
	if err != nil {
		writeUploadError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url, "duration": duration})
}

func UploadClip(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	if uploads == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Media uploads not configured"})
		return
	}

	duration, err := strconv.Atoi(c.PostForm("duration"))
	if err != nil || duration <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid duration"})
		return
	}

	data, ok := readUploadedFile(c)
	if !ok {
		return
	}

	ctx, cancel := opContext()
	defer cancel()

	url, err := uploads.UploadClip(ctx, data, duration, userID.Hex())
	if err != nil {
		writeUploadError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url, "duration": duration})
}
