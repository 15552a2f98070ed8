package runtime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

// UserMessage is the runtime's input: plain text plus optional images.
type UserMessage struct {
	Text   string
	Images []providers.ImageContent
}

// Normalize trims text and drops invalid image entries (empty data or a
// non-image MIME type). Normalization is idempotent.
func (m UserMessage) Normalize() UserMessage {
	out := UserMessage{Text: strings.TrimSpace(m.Text)}
	for _, img := range m.Images {
		mime := strings.TrimSpace(img.MimeType)
		data := strings.TrimSpace(img.Data)
		if data == "" || !strings.HasPrefix(mime, "image/") {
			continue
		}
		out.Images = append(out.Images, providers.ImageContent{MimeType: mime, Data: data})
	}
	return out
}

// IsEmpty reports whether the message carries neither text nor images.
func (m UserMessage) IsEmpty() bool {
	return strings.TrimSpace(m.Text) == "" && len(m.Images) == 0
}

// MessageKey is a stable fingerprint used to correlate queued steering
// messages with observed message_start(user) session events: normalized text
// joined with sorted (mimeType|length|first-24-chars) image triples.
func MessageKey(m UserMessage) string {
	n := m.Normalize()
	parts := []string{n.Text}
	triples := make([]string, 0, len(n.Images))
	for _, img := range n.Images {
		head := img.Data
		if len(head) > 24 {
			head = head[:24]
		}
		triples = append(triples, fmt.Sprintf("%s|%d|%s", img.MimeType, len(img.Data), head))
	}
	sort.Strings(triples)
	return strings.Join(append(parts, triples...), "\x1f")
}
