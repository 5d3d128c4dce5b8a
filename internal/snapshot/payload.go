package snapshot

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// HexMarker prefixes hex-escaped byte strings as exported by the storage
// layer for binary columns.
const HexMarker = `\x`

// Kind tags the wire shape a payload arrived in.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindText
	KindHexText
	KindJSONText
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindHexText:
		return "hex-text"
	case KindJSONText:
		return "json-text"
	case KindBytes:
		return "bytes"
	default:
		return "unrecognized"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Payload is an opaque snapshot payload resolved to one of the known wire
// shapes. Text is set for the textual kinds, Bytes for KindBytes.
type Payload struct {
	Kind  Kind
	Text  string
	Bytes []byte
}

// FromText classifies a textual payload.
func FromText(s string) Payload {
	switch {
	case strings.HasPrefix(s, HexMarker):
		return Payload{Kind: KindHexText, Text: s}
	case looksLikeJSON(s):
		return Payload{Kind: KindJSONText, Text: s}
	case s == "":
		return Payload{Kind: KindUnrecognized}
	default:
		return Payload{Kind: KindText, Text: s}
	}
}

func FromBytes(b []byte) Payload {
	if len(b) == 0 {
		return Payload{Kind: KindUnrecognized}
	}
	return Payload{Kind: KindBytes, Bytes: b}
}

// FromRaw resolves the raw value of a snapshot batch's snapshots field. A
// JSON string is unquoted and classified as text; arrays and objects are
// kept as JSON text.
func FromRaw(raw json.RawMessage) Payload {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Payload{Kind: KindUnrecognized}
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Payload{Kind: KindUnrecognized}
		}
		return FromText(s)
	}
	return Payload{Kind: KindJSONText, Text: string(trimmed)}
}

// Sniff classifies payload bytes of unknown origin, such as a file on disk.
func Sniff(b []byte) Payload {
	if len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b {
		return FromBytes(b)
	}
	if utf8.Valid(b) {
		return FromText(string(b))
	}
	return FromBytes(b)
}

// Len is the payload size in bytes.
func (p Payload) Len() int {
	if p.Kind == KindBytes {
		return len(p.Bytes)
	}
	return len(p.Text)
}

func looksLikeJSON(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "[") || strings.HasPrefix(s, "{")
}
