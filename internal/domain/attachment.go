package domain

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// DefaultAttachmentFileName is applied when AttachmentData.FileName is empty (§4.4 normalization).
const DefaultAttachmentFileName = "attachment"

// DefaultMaxTotalAttachmentBytes is the fallback cap applied at enqueue time
// when AttachmentConfig.MaxTotalBytes is unset (§9 Open Questions).
const DefaultMaxTotalAttachmentBytes = 25 * 1024 * 1024

// EmailAttachment is the durable audit row kept alongside a QueueItem,
// independent of the inline JSON AttachmentData carried on the row itself (§3).
type EmailAttachment struct {
	ID          int64     `json:"id"`
	QueueID     string    `json:"queue_id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	ContentID   string    `json:"content_id,omitempty"`
	IsInline    bool      `json:"is_inline"`
	SizeBytes   int64     `json:"size_bytes"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
}

// DecodeContent decodes an AttachmentData's base64 payload.
func DecodeContent(a AttachmentData) ([]byte, error) {
	if a.Content == "" {
		return nil, fmt.Errorf("attachment %q has no inline content", a.FileName)
	}
	return base64.StdEncoding.DecodeString(a.Content)
}

// Checksum returns the SHA-256 hex digest of the attachment's decoded content.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DetectContentType guesses a content type from the decoded bytes and file
// extension when ContentType was not supplied (§4.4 normalization).
func DetectContentType(fileName string, content []byte) string {
	ct := http.DetectContentType(content)
	if ct != "application/octet-stream" && !strings.HasPrefix(ct, "text/plain") {
		return ct
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".xml":
		return "application/xml"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".svg":
		return "image/svg+xml"
	case ".bmp":
		return "image/bmp"
	}
	return ct
}

// NormalizeAttachments applies §4.4's normalization rules: defaults for
// file_name/content_type, synthesized content_id, dropping attachments with
// empty or invalid base64 content. Returns the surviving attachments and
// warnings for anything dropped.
func NormalizeAttachments(attachments []AttachmentData, newContentID func() string) ([]AttachmentData, []string) {
	var out []AttachmentData
	var warnings []string
	for i, a := range attachments {
		if a.FileName == "" {
			a.FileName = DefaultAttachmentFileName
		}
		if a.ContentType == "" {
			a.ContentType = DefaultContentType
		}

		if a.Content == "" && a.FilePath == "" {
			warnings = append(warnings, fmt.Sprintf("attachment %d (%s): no content, dropped", i, a.FileName))
			continue
		}
		if a.Content != "" {
			if _, err := base64.StdEncoding.DecodeString(a.Content); err != nil {
				warnings = append(warnings, fmt.Sprintf("attachment %d (%s): invalid base64, dropped", i, a.FileName))
				continue
			}
		}
		if a.ContentID == "" {
			a.ContentID = newContentID()
		}
		out = append(out, a)
	}
	return out, warnings
}

// TotalSize sums the decoded size of every attachment carrying inline content.
func TotalSize(attachments []AttachmentData) (int64, error) {
	var total int64
	for _, a := range attachments {
		if a.Content == "" {
			continue
		}
		content, err := DecodeContent(a)
		if err != nil {
			return 0, fmt.Errorf("attachment %q: %w", a.FileName, err)
		}
		total += int64(len(content))
	}
	return total, nil
}

// AttachmentRepository is the persistence port for the durable EmailAttachment audit rows.
type AttachmentRepository interface {
	InsertBatch(ctx context.Context, attachments []*EmailAttachment) error
	ListByQueueID(ctx context.Context, queueID string) ([]*EmailAttachment, error)
	// DeleteOrphaned removes rows whose queue_id is referenced by neither a
	// live QueueItem nor an EmailHistory row (§4.8 CleanupOrphanedAttachments).
	DeleteOrphaned(ctx context.Context, limit int) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
