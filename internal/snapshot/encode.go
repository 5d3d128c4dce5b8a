package snapshot

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/gzip"

	"github.com/vincentbai/sessiontrace/internal/lzstring"
)

// Encoding selects how the capture engine serializes a snapshot batch.
type Encoding string

const (
	EncodingJSON       Encoding = "json"        // plain JSON array
	EncodingGzip       Encoding = "gzip"        // hex-escaped gzip(JSON) string
	EncodingGzipBuffer Encoding = "gzip-buffer" // {"type":"Buffer","data":[...]} of gzip(JSON)
	EncodingLZ         Encoding = "lz"          // UTF-16-safe LZ string of JSON
)

func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(s); e {
	case EncodingJSON, EncodingGzip, EncodingGzipBuffer, EncodingLZ:
		return e, nil
	case "":
		return EncodingGzip, nil
	default:
		return "", fmt.Errorf("unknown snapshot encoding %q", s)
	}
}

type taggedBuffer struct {
	Type string   `json:"type"`
	Data []uint16 `json:"data"`
}

// Encode serializes recorder payloads into the value of a snapshot batch's
// snapshots field.
func Encode(payloads []json.RawMessage, enc Encoding) (json.RawMessage, error) {
	if payloads == nil {
		payloads = []json.RawMessage{}
	}
	plain, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshots: %w", err)
	}

	switch enc {
	case EncodingJSON:
		return plain, nil
	case EncodingLZ:
		return json.Marshal(lzstring.CompressToUTF16(string(plain)))
	case EncodingGzip, EncodingGzipBuffer:
		compressed, err := Gzip(plain)
		if err != nil {
			return nil, err
		}
		if enc == EncodingGzip {
			return json.Marshal(HexMarker + hex.EncodeToString(compressed))
		}
		data := make([]uint16, len(compressed))
		for i, c := range compressed {
			data[i] = uint16(c)
		}
		return json.Marshal(taggedBuffer{Type: "Buffer", Data: data})
	default:
		return nil, fmt.Errorf("unknown snapshot encoding %q", enc)
	}
}

// Gzip compresses b with the default level.
func Gzip(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, fmt.Errorf("failed to gzip snapshots: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to gzip snapshots: %w", err)
	}
	return buf.Bytes(), nil
}
