package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ErrUndecodable is wrapped by every DecodeFailure.
var ErrUndecodable = errors.New("snapshot: undecodable payload")

const (
	previewLen = 64
	headLen    = 16
)

// DecodeFailure describes a payload none of the strategies could decode. It
// never carries the payload itself.
type DecodeFailure struct {
	Kind     Kind     `json:"kind"`
	Length   int      `json:"length"`
	Preview  string   `json:"preview"`
	HeadHex  string   `json:"head_hex"`
	Attempts []string `json:"attempts"`
	Reason   string   `json:"reason"`
}

func (f *DecodeFailure) Error() string {
	return fmt.Sprintf("%v: %s %s after %s (head %s, preview %q)",
		ErrUndecodable, humanize.Bytes(uint64(f.Length)), f.Kind, strings.Join(f.Attempts, ","), f.HeadHex, f.Preview)
}

func (f *DecodeFailure) Unwrap() error { return ErrUndecodable }

func newFailure(p Payload, attempts []string, reason string) *DecodeFailure {
	raw := p.Bytes
	if p.Kind != KindBytes {
		raw = []byte(p.Text)
	}
	head := raw
	if len(head) > headLen {
		head = head[:headLen]
	}
	return &DecodeFailure{
		Kind:     p.Kind,
		Length:   len(raw),
		Preview:  printable(raw, previewLen),
		HeadHex:  hex.EncodeToString(head),
		Attempts: attempts,
		Reason:   reason,
	}
}

func printable(b []byte, max int) string {
	if len(b) > max {
		b = b[:max]
	}
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 0x20 && c < 0x7f {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
