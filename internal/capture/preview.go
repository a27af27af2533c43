package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"unicode/utf8"
)

// Preview is a size-bounded excerpt of a body.
type Preview struct {
	Text      string
	Truncated bool
	Size      int
	// Digest is the sha256 of the full body, set only when truncated.
	Digest string
}

// PreviewOf cuts body to at most maxBytes without splitting a UTF-8
// sequence. maxBytes <= 0 keeps the whole body.
func PreviewOf(body []byte, maxBytes int) Preview {
	p := Preview{Size: len(body)}
	if maxBytes <= 0 || len(body) <= maxBytes {
		p.Text = string(body)
		return p
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	sum := sha256.Sum256(body)
	p.Text = string(body[:cut])
	p.Truncated = true
	p.Digest = hex.EncodeToString(sum[:])
	return p
}
