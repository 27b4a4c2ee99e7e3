package handlers

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// FileStore saves uploaded files under a local directory and serves them at
// /api/files/<name>. Names are random so uploads cannot collide or be guessed.
type FileStore struct {
	dir     string
	maxSize int64
}

func NewFileStore(dir string, maxSize int64) *FileStore {
	if maxSize <= 0 {
		maxSize = 50 * 1024 * 1024
	}
	return &FileStore{dir: dir, maxSize: maxSize}
}

// Dir returns the storage directory, for static file serving.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// Save writes the uploaded file to disk and returns its public URL.
func (fs *FileStore) Save(c *gin.Context, header *multipart.FileHeader) (string, error) {
	if header.Size > fs.maxSize {
		return "", fmt.Errorf("file exceeds maximum size of %d bytes", fs.maxSize)
	}

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if len(ext) > 10 {
		ext = ""
	}
	name := uuid.NewString() + ext

	if err := c.SaveUploadedFile(header, filepath.Join(fs.dir, name)); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return "/api/files/" + name, nil
}

type UploadHandler struct {
	files *FileStore
}

func NewUploadHandler(files *FileStore) *UploadHandler {
	return &UploadHandler{files: files}
}

// Upload stores a standalone file and returns its URL. Clients attach the URL
// to posts or messages in a follow-up request.
func (h *UploadHandler) Upload(c *gin.Context) {
	_, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	url, err := h.files.Save(c, header)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"url":       url,
		"file_name": header.Filename,
		"file_size": header.Size,
	})
}
