package handler

import (
	"errors"
	"io/fs"
	"path/filepath"

	"github.com/gofiber/fiber/v2"

	"github.com/beatgen/api/internal/storage"
	"github.com/beatgen/api/pkg/response"
)

var artifactTypes = map[string]string{
	".mid": "audio/midi",
	".wav": "audio/wav",
}

type FileHandler struct {
	files *storage.Files
}

func NewFileHandler(files *storage.Files) *FileHandler {
	return &FileHandler{files: files}
}

// Serve handles GET /exports/:file. Only finished artifacts are served.
func (h *FileHandler) Serve(c *fiber.Ctx) error {
	name := c.Params("file")

	path, err := h.files.ResolveName(name)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidName) || errors.Is(err, fs.ErrNotExist) {
			return response.NotFound(c, "File not found")
		}
		return response.ServiceError(c, err.Error())
	}

	if err := c.SendFile(path); err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, artifactTypes[filepath.Ext(path)])
	c.Set(fiber.HeaderCacheControl, "public, max-age=31536000, immutable")
	return nil
}
