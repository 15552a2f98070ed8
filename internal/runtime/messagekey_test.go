package runtime

import (
	"strings"
	"testing"

	"github.com/nextlevelbuilder/swarmgate/internal/providers"
)

func TestNormalizeDropsInvalidImages(t *testing.T) {
	tests := []struct {
		name string
		msg  UserMessage
		want int
	}{
		{
			name: "valid image kept",
			msg: UserMessage{Images: []providers.ImageContent{
				{MimeType: "image/png", Data: "aGVsbG8="},
			}},
			want: 1,
		},
		{
			name: "empty data dropped",
			msg: UserMessage{Images: []providers.ImageContent{
				{MimeType: "image/png", Data: "   "},
			}},
			want: 0,
		},
		{
			name: "non-image mime dropped",
			msg: UserMessage{Images: []providers.ImageContent{
				{MimeType: "application/pdf", Data: "aGVsbG8="},
			}},
			want: 0,
		},
		{
			name: "mixed",
			msg: UserMessage{Images: []providers.ImageContent{
				{MimeType: "image/jpeg", Data: "YQ=="},
				{MimeType: "", Data: "YQ=="},
				{MimeType: "image/webp", Data: ""},
			}},
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.msg.Normalize()
			if len(got.Images) != tt.want {
				t.Errorf("Normalize() kept %d images, want %d", len(got.Images), tt.want)
			}
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	msg := UserMessage{
		Text: "  hello  ",
		Images: []providers.ImageContent{
			{MimeType: " image/png ", Data: " aGVsbG8= "},
			{MimeType: "text/plain", Data: "bm9wZQ=="},
		},
	}
	once := msg.Normalize()
	twice := once.Normalize()
	if MessageKey(once) != MessageKey(twice) {
		t.Fatal("MessageKey(normalize(x)) != MessageKey(normalize(normalize(x)))")
	}
}

func TestMessageKeyImageTriples(t *testing.T) {
	long := strings.Repeat("A", 40)
	a := UserMessage{Text: "hi", Images: []providers.ImageContent{
		{MimeType: "image/png", Data: long},
		{MimeType: "image/jpeg", Data: "QUJD"},
	}}
	// Same images in the other order must produce the same key: triples
	// are sorted.
	b := UserMessage{Text: "hi", Images: []providers.ImageContent{
		{MimeType: "image/jpeg", Data: "QUJD"},
		{MimeType: "image/png", Data: long},
	}}
	if MessageKey(a) != MessageKey(b) {
		t.Fatal("image order changed the message key")
	}

	// The triple only keeps the first 24 chars of data, but length still
	// distinguishes same-prefix payloads.
	c := UserMessage{Text: "hi", Images: []providers.ImageContent{
		{MimeType: "image/png", Data: long + "B"},
		{MimeType: "image/jpeg", Data: "QUJD"},
	}}
	if MessageKey(a) == MessageKey(c) {
		t.Fatal("different image lengths produced the same key")
	}
}

func TestMessageKeyTextOnly(t *testing.T) {
	if MessageKey(UserMessage{Text: "a"}) == MessageKey(UserMessage{Text: "b"}) {
		t.Fatal("different texts produced the same key")
	}
	if MessageKey(UserMessage{Text: " a "}) != MessageKey(UserMessage{Text: "a"}) {
		t.Fatal("whitespace changed the key")
	}
}

func TestIsContextOverflow(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"prompt is too long: 210000 tokens", true},
		{"Input is too large for the context window", true},
		{"maximum context length exceeded", true},
		{"input token count 300000 exceeds the limit", true},
		{"maximum prompt length is 200000", true},
		{"rate limit exceeded", false},
		{"connection reset by peer", false},
	}
	for _, tt := range tests {
		if got := IsContextOverflow(tt.msg); got != tt.want {
			t.Errorf("IsContextOverflow(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}
