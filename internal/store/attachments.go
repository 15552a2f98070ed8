package store

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/disintegration/imaging"
)

const maxAttachmentNameLen = 120

// maxImageDimension bounds prompt-bound images; anything larger is
// downscaled before base64 encoding.
const maxImageDimension = 2048

// SanitizeFileName makes an attachment name safe for the filesystem: strip
// control characters, collapse whitespace, replace path separators, drop
// leading dots, and cap the length.
func SanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsControl(r):
			// dropped
		case r == '/' || r == '\\':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	s := strings.Join(strings.Fields(b.String()), " ")
	s = strings.TrimLeft(s, ".")
	if s == "" {
		s = "attachment"
	}
	if len(s) > maxAttachmentNameLen {
		s = s[:maxAttachmentNameLen]
	}
	return s
}

// SaveAttachment persists a binary attachment under
// attachments/<agentId>/<batch>/<nn>-<safeName> and returns the final path.
// The prompt receives this path instead of the raw bytes.
func (s *AgentStore) SaveAttachment(agentID, batch string, index int, fileName string, data []byte) (string, error) {
	safe := SanitizeFileName(fileName)
	dir := filepath.Join(s.dataDir, "attachments", agentID, batch)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%02d-%s", index, safe))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	return path, nil
}

// DownscaleImage shrinks an image so neither side exceeds
// maxImageDimension, re-encoding as JPEG. Images already small enough (or
// that fail to decode) are returned unchanged so callers can pass data
// through unmodified.
func DownscaleImage(data []byte) []byte {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxImageDimension && bounds.Dy() <= maxImageDimension {
		return data
	}
	resized := imaging.Fit(img, maxImageDimension, maxImageDimension, imaging.Lanczos)

	var buf bytes.Buffer
	enc := imaging.JPEG
	if format == "png" {
		enc = imaging.PNG
	}
	if err := imaging.Encode(&buf, resized, enc); err != nil {
		return data
	}
	return buf.Bytes()
}
