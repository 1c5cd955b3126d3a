package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Tyrowin/investor-relay/internal/state"
)

const (
	uploadField       = "paymentProof"
	investorIDField   = "investorId"
	multipartMemory   = 1 << 20
	multipartOverhead = 1 << 20
)

// UploadResponse is returned to the uploader.
type UploadResponse struct {
	Success bool               `json:"success"`
	File    state.UploadedFile `json:"file"`
	URL     string             `json:"url"`
}

// inspectUpload checks size and sniffs the content. The declared part
// Content-Type is ignored; only the magic bytes decide. The file is rewound
// before returning.
func inspectUpload(file multipart.File, header *multipart.FileHeader, maxBytes int64) (*mimetype.MIME, error) {
	if header.Size > maxBytes {
		return nil, fmt.Errorf("%w: file is %d bytes, limit is %d", ErrInvalidUpload, header.Size, maxBytes)
	}

	mtype, err := mimetype.DetectReader(file)
	if err != nil {
		return nil, fmt.Errorf("%w: read content: %v", ErrInvalidUpload, err)
	}
	if !strings.HasPrefix(mtype.String(), "image/") {
		return nil, fmt.Errorf("%w: only image files are allowed, got %s", ErrInvalidUpload, mtype.String())
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload: %w", err)
	}
	return mtype, nil
}

// UploadHandler accepts one payment-proof image, stores it and announces it.
func (h *Handlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("file exceeds %d bytes", h.cfg.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer func() { _ = file.Close() }()

	mtype, err := inspectUpload(file, header, h.cfg.MaxUploadBytes)
	if err != nil {
		h.log.Warn("Upload rejected", "addr", r.RemoteAddr, "name", header.Filename, "error", err)
		if errors.Is(err, ErrInvalidUpload) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		return
	}

	ext := mtype.Extension()
	if ext == "" {
		ext = filepath.Ext(header.Filename)
	}
	stored, err := h.disk.Save(ext, file)
	if err != nil {
		h.log.Error("Failed to store upload", "name", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	ev, err := h.router.RecordUpload(r.Context(), state.UploadMeta{
		Filename:     stored.Name,
		OriginalName: header.Filename,
		Size:         stored.Size,
		RemoteAddr:   clientIP(r),
		InvestorID:   strings.TrimSpace(r.FormValue(investorIDField)),
	})
	if err != nil {
		h.log.Error("Failed to record upload", "file", stored.Name, "error", err)
		if rmErr := h.disk.Remove(stored.Name); rmErr != nil {
			h.log.Error("Failed to remove unrecorded upload", "file", stored.Name, "error", rmErr)
		}
		writeError(w, http.StatusServiceUnavailable, "upload not recorded")
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{Success: true, File: ev.UploadedFile, URL: ev.URL})
}
