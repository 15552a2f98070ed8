package swarm

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestPrepareModelMessageSystemPrefix(t *testing.T) {
	ts := newTestSwarm(t)

	msg, err := ts.m.prepareModelMessage("boss", "do the thing", nil, "internal")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(msg.Text, "SYSTEM: do the thing") {
		t.Errorf("internal message = %q, want SYSTEM: prefix", msg.Text)
	}

	// Already prefixed text is not double-prefixed.
	msg, err = ts.m.prepareModelMessage("boss", "SYSTEM: already", nil, "internal")
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(msg.Text, "SYSTEM: SYSTEM:") {
		t.Errorf("double prefix: %q", msg.Text)
	}

	// User-origin text is untouched.
	msg, err = ts.m.prepareModelMessage("boss", "hello", nil, "user")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Text != "hello" {
		t.Errorf("user message = %q, want hello", msg.Text)
	}
}

func TestPrepareModelMessageTextAttachment(t *testing.T) {
	ts := newTestSwarm(t)

	msg, err := ts.m.prepareModelMessage("boss", "see attached", []Attachment{{
		Type:     AttachmentText,
		FileName: "notes.md",
		MimeType: "text/markdown",
		Text:     "# Plan\ndo it",
	}}, "user")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"[Attachment 1]",
		"Name: notes.md",
		"MIME type: text/markdown",
		"----- BEGIN FILE -----",
		"# Plan\ndo it",
		"----- END FILE -----",
	} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("shaped message missing %q:\n%s", want, msg.Text)
		}
	}
}

func TestPrepareModelMessageBinaryAttachment(t *testing.T) {
	ts := newTestSwarm(t)

	data := base64.StdEncoding.EncodeToString([]byte("binary-bytes"))
	msg, err := ts.m.prepareModelMessage("boss", "file incoming", []Attachment{{
		Type:     AttachmentBinary,
		FileName: "blob.bin",
		Data:     data,
	}}, "user")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg.Text, "[Attached file saved to: ") {
		t.Errorf("shaped message missing saved-path line:\n%s", msg.Text)
	}
	if !strings.Contains(msg.Text, "blob.bin") {
		t.Errorf("saved path does not carry the file name:\n%s", msg.Text)
	}
}

func TestPrepareModelMessageImagePassthrough(t *testing.T) {
	ts := newTestSwarm(t)

	img := base64.StdEncoding.EncodeToString([]byte("not-a-real-png"))
	msg, err := ts.m.prepareModelMessage("boss", "look", []Attachment{{
		Type:     AttachmentImage,
		MimeType: "image/png",
		Data:     img,
	}}, "user")
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Images) != 1 || msg.Images[0].MimeType != "image/png" {
		t.Errorf("images = %+v", msg.Images)
	}
	if msg.Text != "look" {
		t.Errorf("image attachment changed the text: %q", msg.Text)
	}
}

func TestNormalizeAttachments(t *testing.T) {
	valid, dropped := NormalizeAttachments([]Attachment{
		{Type: AttachmentImage, MimeType: "image/png", Data: "aGVsbG8="},
		{Type: AttachmentImage, MimeType: "text/plain", Data: "aGVsbG8="}, // wrong family
		{Type: AttachmentImage, MimeType: "image/png", Data: "!!!"},       // bad base64
		{Type: AttachmentText, Text: "inline"},
		{Type: AttachmentText},                       // empty body
		{Type: AttachmentBinary, Data: "aGVsbG8="},   //
		{Type: "carrier-pigeon", Data: "aGVsbG8="},   // unknown type
	})
	if len(valid) != 3 {
		t.Errorf("valid = %d, want 3 (%+v)", len(valid), valid)
	}
	if len(dropped) != 4 {
		t.Errorf("dropped = %d, want 4 (%v)", len(dropped), dropped)
	}
}
