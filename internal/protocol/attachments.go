package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Attachment kinds.
const (
	AttachmentImage  = "image"
	AttachmentText   = "text"
	AttachmentBinary = "binary"
)

// Attachment is the tagged attachment variant carried on user messages.
// Image and binary attachments carry base64 data; text attachments carry
// the inlined UTF-8 body in Content.
type Attachment struct {
	Kind     string `json:"kind"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`    // base64 (image, binary)
	Content  string `json:"content,omitempty"` // inline body (text)
	FileName string `json:"fileName,omitempty"`
	FilePath string `json:"filePath,omitempty"`
}

// ValidateAttachment checks variant-specific invariants at the boundary.
func ValidateAttachment(a Attachment) error {
	switch a.Kind {
	case AttachmentImage:
		if !strings.HasPrefix(a.MimeType, "image/") {
			return fmt.Errorf("%w: image attachment mimeType %q", ErrInvalidInput, a.MimeType)
		}
		if strings.TrimSpace(a.Data) == "" {
			return fmt.Errorf("%w: image attachment without data", ErrInvalidInput)
		}
		if _, err := base64.StdEncoding.DecodeString(TrimBase64(a.Data)); err != nil {
			return fmt.Errorf("%w: image attachment data is not base64", ErrInvalidInput)
		}
	case AttachmentText:
		if !utf8.ValidString(a.Content) {
			return fmt.Errorf("%w: text attachment is not valid UTF-8", ErrInvalidInput)
		}
	case AttachmentBinary:
		if strings.TrimSpace(a.Data) == "" {
			return fmt.Errorf("%w: binary attachment without data", ErrInvalidInput)
		}
		if _, err := base64.StdEncoding.DecodeString(TrimBase64(a.Data)); err != nil {
			return fmt.Errorf("%w: binary attachment data is not base64", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown attachment kind %q", ErrInvalidInput, a.Kind)
	}
	return nil
}

// NormalizeAttachments trims data fields and drops invalid entries,
// preserving the order of the survivors. The number of dropped entries is
// returned so callers can log it.
func NormalizeAttachments(in []Attachment) (out []Attachment, dropped int) {
	for _, a := range in {
		a.Data = TrimBase64(a.Data)
		a.FileName = strings.TrimSpace(a.FileName)
		if err := ValidateAttachment(a); err != nil {
			dropped++
			continue
		}
		out = append(out, a)
	}
	return out, dropped
}

// IsImageMime reports whether a mime type names an image format.
func IsImageMime(mime string) bool {
	return strings.HasPrefix(mime, "image/")
}

// TrimBase64 strips whitespace and a data-URL prefix if present.
func TrimBase64(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ";base64,"); i >= 0 {
		s = s[i+len(";base64,"):]
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', ' ':
			return -1
		}
		return r
	}, s)
}
