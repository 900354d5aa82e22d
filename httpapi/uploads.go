package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"rescue-chat/auth"
	"rescue-chat/domain/mimetypes"
)

const maxUploadSize = 10 << 20 // 10 MiB

// Upload accepts one multipart file, sniffs its real content type and
// stores it under a generated name. The declared Content-Type header is
// ignored; only the detected type counts.
func (h *Handler) Upload(uploadDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.ClaimsFromContext(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing or oversized file")
			return
		}
		defer file.Close()

		mtype, err := mimetype.DetectReader(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable file")
			return
		}
		detected, ok := mimetypes.UploadAllowed(mtype.String())
		if !ok {
			writeError(w, http.StatusUnsupportedMediaType,
				fmt.Sprintf("type %s not allowed", detected))
			return
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			h.log.Error("Rewinding upload failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		id := uuid.NewString()
		name := id + mtype.Extension()
		dst, err := os.Create(filepath.Join(uploadDir, name))
		if err != nil {
			h.log.Error("Creating upload file failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		defer dst.Close()

		size, err := io.Copy(dst, file)
		if err != nil {
			h.log.Error("Writing upload failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		writeJSON(w, http.StatusCreated, attachmentPayload{
			ID:       id,
			Filename: header.Filename,
			MimeType: string(detected),
			Size:     size,
			URL:      "/uploads/" + name,
		})
	}
}
