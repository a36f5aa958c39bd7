package swarm

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/protocol"
	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// maxImageDimension caps attachment images before they are handed to
// the model. Larger images are downscaled proportionally.
const maxImageDimension = 1568

// shapedMessage is the model-facing form of a user message after
// attachment handling.
type shapedMessage struct {
	Text   string
	Images []providers.ImageContent
}

// shapeMessage prepares attachments for the model: images are decoded,
// downscaled when oversized and passed through; text attachments are
// inlined in fenced blocks; binary attachments are persisted to disk
// and referenced by path.
func (m *Manager) shapeMessage(agentID, text string, attachments []protocol.Attachment) shapedMessage {
	out := shapedMessage{Text: text}
	if len(attachments) == 0 {
		return out
	}

	batch := uuid.NewString()[:8]
	binaryIndex := 0
	for i, a := range attachments {
		switch a.Kind {
		case protocol.AttachmentImage:
			img, err := m.prepareImage(a)
			if err != nil {
				m.log.Warn("dropping undecodable image attachment", "agent", agentID, "error", err)
				continue
			}
			out.Images = append(out.Images, img)

		case protocol.AttachmentText:
			name := a.FileName
			if name == "" {
				name = fmt.Sprintf("attachment-%d.txt", i+1)
			}
			out.Text += fmt.Sprintf(
				"\n\n[Attachment %d]\nName: %s\nMIME type: %s\nContent:\n----- BEGIN FILE -----\n%s\n----- END FILE -----",
				i+1, name, a.MimeType, a.Content)

		case protocol.AttachmentBinary:
			binaryIndex++
			data, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				m.log.Warn("dropping undecodable binary attachment", "agent", agentID, "error", err)
				continue
			}
			name := a.FileName
			if name == "" {
				name = fmt.Sprintf("attachment-%d.bin", i+1)
			}
			path, err := m.store.SaveAttachment(agentID, batch, binaryIndex, name, data)
			if err != nil {
				m.log.Error("persisting binary attachment failed", "agent", agentID, "error", err)
				continue
			}
			out.Text += fmt.Sprintf("\n[Attached file saved to: %s]", path)
		}
	}
	return out
}

// prepareImage decodes a base64 image attachment and downscales it to
// maxImageDimension when needed. Undecodable formats pass through
// unchanged rather than being lost.
func (m *Manager) prepareImage(a protocol.Attachment) (providers.ImageContent, error) {
	raw, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return providers.ImageContent{}, fmt.Errorf("decode base64: %w", err)
	}

	src, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		// Formats imaging does not understand go to the provider as-is.
		return providers.ImageContent{MimeType: a.MimeType, Data: a.Data}, nil
	}

	bounds := src.Bounds()
	if bounds.Dx() <= maxImageDimension && bounds.Dy() <= maxImageDimension {
		return providers.ImageContent{MimeType: a.MimeType, Data: a.Data}, nil
	}

	var resized image.Image
	if bounds.Dx() >= bounds.Dy() {
		resized = imaging.Resize(src, maxImageDimension, 0, imaging.Lanczos)
	} else {
		resized = imaging.Resize(src, 0, maxImageDimension, imaging.Lanczos)
	}

	format := imaging.JPEG
	mime := "image/jpeg"
	if strings.Contains(a.MimeType, "png") {
		format = imaging.PNG
		mime = "image/png"
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, format); err != nil {
		return providers.ImageContent{}, fmt.Errorf("encode resized image: %w", err)
	}
	return providers.ImageContent{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// prefixSystem marks internal-origin control traffic so workers can
// tell it apart from user text.
func prefixSystem(text string) string {
	if text == "" || strings.HasPrefix(text, "SYSTEM:") {
		return text
	}
	return "SYSTEM: " + text
}
