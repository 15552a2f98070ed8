package swarm

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
	"github.com/nextlevelbuilder/swarmgate/internal/runtime"
	"github.com/nextlevelbuilder/swarmgate/internal/store"
)

// prepareModelMessage shapes a routed message for the model: internal
// control traffic gets a SYSTEM: prefix, binary attachments are persisted
// to disk and referenced by path, text attachments are inlined in fenced
// blocks, and images pass through (downscaled when oversized).
func (m *Manager) prepareModelMessage(targetID, text string, attachments []Attachment, origin string) (runtime.UserMessage, error) {
	body := text
	if origin == "internal" && body != "" && !strings.HasPrefix(body, "SYSTEM:") {
		body = "SYSTEM: " + body
	}

	var images []providers.ImageContent
	batch := uuid.NewString()[:8]
	textIndex := 0

	for i, a := range attachments {
		switch a.Type {
		case AttachmentImage:
			data := a.Data
			if raw, err := base64.StdEncoding.DecodeString(a.Data); err == nil {
				if scaled := store.DownscaleImage(raw); len(scaled) < len(raw) {
					data = base64.StdEncoding.EncodeToString(scaled)
				}
			}
			images = append(images, providers.ImageContent{MimeType: a.MimeType, Data: data})

		case AttachmentBinary:
			raw, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				return runtime.UserMessage{}, fmt.Errorf("%w: attachment %d: %v", ErrInvalidInput, i, err)
			}
			name := a.FileName
			if name == "" {
				name = "file"
			}
			path, err := m.store.SaveAttachment(targetID, batch, i+1, name, raw)
			if err != nil {
				return runtime.UserMessage{}, err
			}
			body += fmt.Sprintf("\n[Attached file saved to: %s]", path)

		case AttachmentText:
			textIndex++
			body += fmt.Sprintf(
				"\n\n[Attachment %d]\nName: %s\nMIME type: %s\nContent:\n----- BEGIN FILE -----\n%s\n----- END FILE -----",
				textIndex, a.FileName, a.MimeType, a.Text)
		}
	}

	return runtime.UserMessage{Text: body, Images: images}, nil
}
