// Package snapshot decodes recorder snapshot payloads that arrive in any of
// the historical wire encodings into one flat, ordered event list, and
// encodes batches on the capture side.
//
// Decode is a pure function: it keeps no state between calls and may be
// invoked concurrently.
package snapshot

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"

	"github.com/vincentbai/sessiontrace/internal/lzstring"
)

// MaxDecompressedBytes bounds the output of a single gzip attempt.
var MaxDecompressedBytes int64 = 128 << 20

// maxDepth bounds how many encodings may be stacked inside one another.
const maxDepth = 4

var (
	errEmpty        = errors.New("empty payload")
	errTooDeep      = errors.New("encodings nested too deep")
	errNotGzip      = errors.New("not gzip")
	errNotUTF8      = errors.New("not utf-8")
	errNotLZ        = errors.New("no lz variant produced json")
	errNotEvent     = errors.New("json is neither an event nor a list of events")
	errTaggedBuffer = errors.New("json is a tagged byte array")
	errTooLarge     = errors.New("decompressed payload too large")
)

type textStrategy struct {
	name    string
	attempt func(r *run, s string) ([]Event, error)
}

type byteStrategy struct {
	name    string
	attempt func(r *run, b []byte) ([]Event, error)
}

// The strategy tables are built per call: the strategies recurse back into
// run.text and run.bytes, which range over these tables.
func textStrategies() []textStrategy {
	return []textStrategy{
		{"json", (*run).directJSON},
		{"lz-text", (*run).lzText},
	}
}

func byteStrategies() []byteStrategy {
	return []byteStrategy{
		{"gzip", (*run).gzipJSON},
		{"lz-bytes", (*run).lzBytes},
		{"json-bytes", (*run).plainJSON},
	}
}

// run is the per-call state of one Decode.
type run struct {
	attempts []string
	depth    int
}

// Decode turns a payload into a flat event list. Every failure is returned
// as a *DecodeFailure; Decode never panics on malformed input.
func Decode(p Payload) (events []Event, err error) {
	r := &run{}
	defer func() {
		if rec := recover(); rec != nil {
			events, err = nil, newFailure(p, r.attempts, fmt.Sprintf("panic: %v", rec))
		}
	}()

	switch p.Kind {
	case KindBytes:
		events, err = r.bytes(p.Bytes)
	case KindText, KindHexText, KindJSONText:
		events, err = r.text(p.Text)
	default:
		err = errEmpty
	}
	if err != nil {
		return nil, newFailure(p, r.attempts, err.Error())
	}
	return events, nil
}

func (r *run) note(name string) {
	if r.depth > 0 {
		name = fmt.Sprintf("%s@%d", name, r.depth)
	}
	r.attempts = append(r.attempts, name)
}

func (r *run) text(s string) ([]Event, error) {
	if r.depth > maxDepth {
		return nil, errTooDeep
	}
	if s == "" {
		return nil, errEmpty
	}
	if strings.HasPrefix(s, HexMarker) {
		r.note("hex")
		if b, err := decodeHex(s); err == nil {
			return r.bytes(b)
		}
	}
	for _, st := range textStrategies() {
		r.note(st.name)
		if events, err := st.attempt(r, s); err == nil {
			return events, nil
		}
	}

	r.note("buffer")
	b, ok := taggedBytes(s)
	if !ok {
		b = rawBytes(s)
	}
	return r.bytes(b)
}

func (r *run) bytes(b []byte) ([]Event, error) {
	if r.depth > maxDepth {
		return nil, errTooDeep
	}
	if len(b) == 0 {
		return nil, errEmpty
	}
	var last error
	for _, st := range byteStrategies() {
		r.note(st.name)
		events, err := st.attempt(r, b)
		if err == nil {
			return events, nil
		}
		last = err
	}
	return nil, fmt.Errorf("no strategy matched: %w", last)
}

func (r *run) nestedText(s string) ([]Event, error) {
	r.depth++
	defer func() { r.depth-- }()
	return r.text(s)
}

func (r *run) nestedBytes(b []byte) ([]Event, error) {
	r.depth++
	defer func() { r.depth-- }()
	return r.bytes(b)
}

// fromJSON maps a parsed JSON value onto events. A JSON string is itself an
// encoded payload and is decoded again. A list that holds values but no event
// fails like a bare non-event object; only a list of empty lists decodes to
// an empty result.
func (r *run) fromJSON(v any) ([]Event, error) {
	switch t := v.(type) {
	case []any:
		events := Flatten(t)
		if len(events) == 0 && hasLeaf(t) {
			return nil, errNotEvent
		}
		return events, nil
	case map[string]any:
		if IsEvent(t) {
			return []Event{Event(t)}, nil
		}
		if _, ok := bufferBytes(t); ok {
			return nil, errTaggedBuffer
		}
		return nil, errNotEvent
	case string:
		return r.nestedText(t)
	default:
		return nil, errNotEvent
	}
}

// hasLeaf reports whether a nested list holds anything other than lists.
func hasLeaf(list []any) bool {
	for _, el := range list {
		inner, ok := el.([]any)
		if !ok || hasLeaf(inner) {
			return true
		}
	}
	return false
}

func (r *run) directJSON(s string) ([]Event, error) {
	if !looksLikeJSON(s) && !strings.HasPrefix(strings.TrimSpace(s), `"`) {
		return nil, errNotEvent
	}
	v, err := parseJSON(s)
	if err != nil {
		return nil, err
	}
	return r.fromJSON(v)
}

func (r *run) lzText(s string) ([]Event, error) {
	return r.firstLZ(s,
		lzstring.DecompressString,
		lzstring.DecompressFromUTF16,
		lzstring.DecompressFromBase64,
	)
}

func (r *run) gzipJSON(b []byte) ([]Event, error) {
	if len(b) < 2 || b[0] != 0x1f || b[1] != 0x8b {
		return nil, errNotGzip
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	data, err := io.ReadAll(io.LimitReader(zr, MaxDecompressedBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > MaxDecompressedBytes {
		return nil, errTooLarge
	}
	if !utf8.Valid(data) {
		return nil, errNotUTF8
	}
	return r.nestedText(string(data))
}

func (r *run) lzBytes(b []byte) ([]Event, error) {
	if events, err := r.firstLZ(latin1(b), lzstring.DecompressString); err == nil {
		return events, nil
	}
	if out, err := lzstring.DecompressFromUint8Array(b); err == nil && out != "" {
		if events, err := r.lzResult(out); err == nil {
			return events, nil
		}
	}
	if utf8.Valid(b) {
		return r.lzText(string(b))
	}
	return nil, errNotLZ
}

func (r *run) plainJSON(b []byte) ([]Event, error) {
	if !utf8.Valid(b) {
		return nil, errNotUTF8
	}
	v, err := parseJSON(string(b))
	if err != nil {
		return nil, err
	}
	events, err := r.fromJSON(v)
	if errors.Is(err, errTaggedBuffer) {
		buf, _ := bufferBytes(v.(map[string]any))
		return r.nestedBytes(buf)
	}
	return events, err
}

func (r *run) firstLZ(s string, variants ...func(string) (string, error)) ([]Event, error) {
	for _, decompress := range variants {
		out, err := decompress(s)
		if err != nil || out == "" {
			continue
		}
		if events, err := r.lzResult(out); err == nil {
			return events, nil
		}
	}
	return nil, errNotLZ
}

func (r *run) lzResult(out string) ([]Event, error) {
	v, err := parseJSON(out)
	if err != nil {
		return nil, err
	}
	return r.fromJSON(v)
}

// parseJSON parses exactly one JSON value, keeping numbers as json.Number.
func parseJSON(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after json value")
	}
	return v, nil
}

func decodeHex(s string) ([]byte, error) {
	digits := strings.TrimSpace(strings.TrimPrefix(s, HexMarker))
	return hex.DecodeString(digits)
}

// taggedBytes recognizes {"type":"Buffer","data":[...]} and rebuilds the bytes.
func taggedBytes(s string) ([]byte, bool) {
	if !strings.HasPrefix(strings.TrimSpace(s), "{") {
		return nil, false
	}
	v, err := parseJSON(s)
	if err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return bufferBytes(obj)
}

func bufferBytes(obj map[string]any) ([]byte, bool) {
	if tag, _ := obj["type"].(string); tag != "Buffer" {
		return nil, false
	}
	data, ok := obj["data"].([]any)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(data))
	for i, el := range data {
		n, ok := el.(json.Number)
		if !ok {
			return nil, false
		}
		v, err := n.Int64()
		if err != nil || v < 0 || v > 255 {
			return nil, false
		}
		out[i] = byte(v)
	}
	return out, true
}

// rawBytes reinterprets text as a byte string, one byte per character, when
// every character fits in a byte.
func rawBytes(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, c := range s {
		if c > 0xff {
			return []byte(s)
		}
		out = append(out, byte(c))
	}
	return out
}

func latin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
