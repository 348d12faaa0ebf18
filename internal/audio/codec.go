package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed marks stored audio text that cannot be decoded. Decode runs
// against untrusted persisted data during startup recovery, so callers must
// treat this as recoverable and discard the entry.
var ErrMalformed = errors.New("malformed encoded audio")

// Blob is a decoded audio payload together with its media type.
type Blob struct {
	Data     []byte
	MIMEType string
}

// Encode converts raw audio bytes to a text-safe form for storage.
func Encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// Decode reverses Encode. The mime type is carried through untouched so the
// round trip Decode(Encode(b), t) reproduces the original blob exactly.
func Decode(encoded, mimeType string) (Blob, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Blob{Data: data, MIMEType: mimeType}, nil
}

// CleanMIMEType strips codec parameters from a recorded media type, e.g.
// "audio/webm;codecs=opus" becomes "audio/webm". Empty input falls back to
// a generic audio type.
func CleanMIMEType(mimeType string) string {
	cleaned := strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])
	if cleaned == "" {
		return "audio/webm"
	}
	return cleaned
}
