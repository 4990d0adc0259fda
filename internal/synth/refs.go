package synth

import (
	"encoding/base64"
	"strings"
)

// parseDataURI decodes a base64 data: URI. ok is false for anything else,
// including plain http(s) references.
func parseDataURI(ref string) (mimeType string, data []byte, ok bool) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "data:") {
		return "", nil, false
	}
	meta, payload, found := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, false
	}
	mimeType = strings.TrimSuffix(meta, ";base64")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return mimeType, raw, true
}

func guessMIME(ref string) string {
	lower := strings.ToLower(ref)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	default:
		return "image/png"
	}
}
