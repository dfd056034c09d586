package content

import (
	"bytes"
	"errors"
	"html"
	"html/template"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const (
	// MaxMessageLength is the longest text body accepted for sending.
	MaxMessageLength = 8000
	// SniffLen is how many leading bytes DetectMIME needs.
	SniffLen = 261
)

var (
	policy      = bluemonday.UGCPolicy()
	strict      = bluemonday.StrictPolicy()
	whitespaces = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ")
)

// Escape escapes special characters like "<" to become "&lt;".
// It matches the behavior of html/template and is safe for use in HTML attributes.
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts a markdown message body to sanitized HTML.
func Render(input string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(input), &buf); err != nil {
		return "<p>" + Escape(input) + "</p>"
	}
	return policy.Sanitize(buf.String())
}

// Snippet returns a plain-text preview of at most max runes. The result is
// not HTML-escaped; escape it before embedding it in markup.
func Snippet(input string, max int) string {
	text := html.UnescapeString(strict.Sanitize(input))
	text = strings.Join(strings.Fields(whitespaces.Replace(text)), " ")
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:max])) + "…"
}

// ValidateMessage checks that a text body can be sent.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("message cannot be empty")
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return errors.New("message is too long")
	}
	return nil
}

// DetectMIME sniffs the MIME type from the first SniffLen bytes of a file.
func DetectMIME(head []byte) string {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return "application/octet-stream"
	}
	return kind.MIME.Value
}

// IsAudio reports whether the leading bytes look like a known audio
// container. WebM is accepted since browsers record voice into it.
func IsAudio(head []byte) bool {
	return filetype.IsAudio(head) || filetype.Is(head, "webm")
}
