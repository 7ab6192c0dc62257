package service

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// Sentinel errors for evidence uploads.
var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrFileTooLarge        = errors.New("file too large")
	ErrEmptyFile           = errors.New("file is empty")
)

// Allowed evidence MIME types.
var allowedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/heic": true,
}

// EvidenceService validates uploaded evidence and loads it into memory.
// Evidence never touches disk; the bytes live as long as the session.
type EvidenceService struct {
	maxBytes int64
	now      func() time.Time
}

// NewEvidenceService creates a new EvidenceService.
func NewEvidenceService(maxBytes int64) *EvidenceService {
	return &EvidenceService{maxBytes: maxBytes, now: time.Now}
}

// Load validates the upload and returns it as an evidence image with a fresh ID.
func (s *EvidenceService) Load(file multipart.File, header *multipart.FileHeader) (model.EvidenceImage, error) {
	if header.Size > s.maxBytes {
		return model.EvidenceImage{}, fmt.Errorf("%w: %d bytes (max: %d)", ErrFileTooLarge, header.Size, s.maxBytes)
	}

	// Read one byte past the limit so a lying Size header is still caught.
	data, err := io.ReadAll(io.LimitReader(file, s.maxBytes+1))
	if err != nil {
		return model.EvidenceImage{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return model.EvidenceImage{}, fmt.Errorf("%w: max %d bytes", ErrFileTooLarge, s.maxBytes)
	}
	if len(data) == 0 {
		return model.EvidenceImage{}, ErrEmptyFile
	}

	contentType := normalizeContentType(header.Header.Get("Content-Type"))
	if !allowedMIMETypes[contentType] {
		// Browsers and camera apps sometimes send octet-stream; trust the bytes then.
		contentType = normalizeContentType(http.DetectContentType(data))
	}
	if !allowedMIMETypes[contentType] {
		return model.EvidenceImage{}, fmt.Errorf("%w: %s (allowed: %s)",
			ErrUnsupportedFileType, contentType, strings.Join(allowedTypes(), ", "))
	}

	return model.EvidenceImage{
		ID:          uuid.New(),
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		AttachedAt:  s.now(),
		Data:        data,
	}, nil
}

func normalizeContentType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func allowedTypes() []string {
	types := make([]string, 0, len(allowedMIMETypes))
	for t := range allowedMIMETypes {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
