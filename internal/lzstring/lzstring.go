// Package lzstring implements the dictionary-substitution string compression
// used by browser recorders to shrink snapshot payloads. Streams are made of
// UTF-16 code units; the UTF-16, base64 and byte-array variants repack the
// same bit stream into transport-safe alphabets.
package lzstring

import (
	"errors"
	"unicode/utf16"
)

var (
	ErrEmpty     = errors.New("lzstring: empty input")
	ErrCorrupt   = errors.New("lzstring: corrupt stream")
	ErrTruncated = errors.New("lzstring: truncated stream")
	ErrTooLarge  = errors.New("lzstring: output exceeds limit")
)

// MaxOutputUnits bounds decompressed output so garbage input cannot expand
// without limit.
var MaxOutputUnits = 64 << 20

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/="

var base64Reverse = func() map[byte]int {
	m := make(map[byte]int, len(base64Alphabet))
	for i := 0; i < len(base64Alphabet); i++ {
		m[base64Alphabet[i]] = i
	}
	return m
}()

// Units converts text to UTF-16 code units.
func Units(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// Text converts UTF-16 code units to text. Unpaired surrogates become U+FFFD.
func Text(units []uint16) string {
	return string(utf16.Decode(units))
}

// Compress produces the raw 16-bit stream.
func Compress(s string) []uint16 {
	return compress(Units(s), 16, func(v int) uint16 { return uint16(v) })
}

// Decompress reverses Compress.
func Decompress(units []uint16) (string, error) {
	if len(units) == 0 {
		return "", ErrEmpty
	}
	out, err := decompress(len(units), 32768, func(i int) int {
		if i >= len(units) {
			return 0
		}
		return int(units[i])
	})
	if err != nil {
		return "", err
	}
	return Text(out), nil
}

// DecompressString runs Decompress over the code units of s.
func DecompressString(s string) (string, error) {
	return Decompress(Units(s))
}

// CompressToUTF16 packs 15 bits per character offset by 32, which keeps the
// output free of control characters and surrogates.
func CompressToUTF16(s string) string {
	out := compress(Units(s), 15, func(v int) uint16 { return uint16(v + 32) })
	return Text(out) + " "
}

func DecompressFromUTF16(s string) (string, error) {
	units := Units(s)
	if len(units) == 0 {
		return "", ErrEmpty
	}
	out, err := decompress(len(units), 16384, func(i int) int {
		if i >= len(units) {
			return 0
		}
		return int(units[i]) - 32
	})
	if err != nil {
		return "", err
	}
	return Text(out), nil
}

func CompressToBase64(s string) string {
	out := compress(Units(s), 6, func(v int) uint16 { return uint16(base64Alphabet[v]) })
	res := make([]byte, len(out), len(out)+3)
	for i, u := range out {
		res[i] = byte(u)
	}
	switch len(res) % 4 {
	case 1:
		res = append(res, "==="...)
	case 2:
		res = append(res, "=="...)
	case 3:
		res = append(res, '=')
	}
	return string(res)
}

func DecompressFromBase64(s string) (string, error) {
	if s == "" {
		return "", ErrEmpty
	}
	out, err := decompress(len(s), 32, func(i int) int {
		if i >= len(s) {
			return 0
		}
		return base64Reverse[s[i]]
	})
	if err != nil {
		return "", err
	}
	return Text(out), nil
}

// CompressToUint8Array serializes the raw stream big-endian, two bytes per unit.
func CompressToUint8Array(s string) []byte {
	units := Compress(s)
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		buf[i*2] = byte(u >> 8)
		buf[i*2+1] = byte(u)
	}
	return buf
}

func DecompressFromUint8Array(b []byte) (string, error) {
	if len(b) == 0 {
		return "", ErrEmpty
	}
	if len(b)%2 != 0 {
		return "", ErrCorrupt
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = uint16(b[i*2])<<8 | uint16(b[i*2+1])
	}
	return Decompress(units)
}

type bitWriter struct {
	bitsPerChar int
	toChar      func(int) uint16
	out         []uint16
	val         int
	pos         int
}

// writeBits emits the n low bits of value, least significant first.
func (w *bitWriter) writeBits(n, value int) {
	for i := 0; i < n; i++ {
		w.val = (w.val << 1) | (value & 1)
		if w.pos == w.bitsPerChar-1 {
			w.pos = 0
			w.out = append(w.out, w.toChar(w.val))
			w.val = 0
		} else {
			w.pos++
		}
		value >>= 1
	}
}

func (w *bitWriter) flush() {
	for {
		w.val <<= 1
		if w.pos == w.bitsPerChar-1 {
			w.out = append(w.out, w.toChar(w.val))
			return
		}
		w.pos++
	}
}

// unitKey encodes one code unit as a two-byte dictionary key.
func unitKey(u uint16) string {
	return string([]byte{byte(u >> 8), byte(u)})
}

func firstUnit(key string) int {
	return int(key[0])<<8 | int(key[1])
}

func compress(input []uint16, bitsPerChar int, toChar func(int) uint16) []uint16 {
	dict := make(map[string]int)
	pending := make(map[string]bool)
	enlargeIn, dictSize, numBits := 2, 3, 2
	bw := &bitWriter{bitsPerChar: bitsPerChar, toChar: toChar}

	grow := func() {
		enlargeIn--
		if enlargeIn == 0 {
			enlargeIn = 1 << numBits
			numBits++
		}
	}

	w := ""
	emit := func() {
		if pending[w] {
			first := firstUnit(w)
			if first < 256 {
				bw.writeBits(numBits, 0)
				bw.writeBits(8, first)
			} else {
				bw.writeBits(numBits, 1)
				bw.writeBits(16, first)
			}
			grow()
			delete(pending, w)
		} else {
			bw.writeBits(numBits, dict[w])
		}
		grow()
	}

	for _, u := range input {
		c := unitKey(u)
		if _, ok := dict[c]; !ok {
			dict[c] = dictSize
			dictSize++
			pending[c] = true
		}
		wc := w + c
		if _, ok := dict[wc]; ok {
			w = wc
			continue
		}
		emit()
		dict[wc] = dictSize
		dictSize++
		w = c
	}
	if w != "" {
		emit()
	}

	bw.writeBits(numBits, 2)
	bw.flush()
	return bw.out
}

type bitReader struct {
	reset int
	next  func(int) int
	val   int
	pos   int
	index int
}

func (r *bitReader) readBits(n int) int {
	bits := 0
	for power := 1; power != 1<<n; power <<= 1 {
		resb := r.val & r.pos
		r.pos >>= 1
		if r.pos == 0 {
			r.pos = r.reset
			r.val = r.next(r.index)
			r.index++
		}
		if resb > 0 {
			bits |= power
		}
	}
	return bits
}

func decompress(length, reset int, next func(int) int) ([]uint16, error) {
	r := &bitReader{reset: reset, next: next, val: next(0), pos: reset, index: 1}
	// codes 0..2 are control codes, never looked up
	dict := make([][]uint16, 3, 64)
	enlargeIn, numBits := 4, 3

	var c []uint16
	switch r.readBits(2) {
	case 0:
		c = []uint16{uint16(r.readBits(8))}
	case 1:
		c = []uint16{uint16(r.readBits(16))}
	case 2:
		return []uint16{}, nil
	default:
		return nil, ErrCorrupt
	}
	dict = append(dict, c)
	w := c
	result := append([]uint16(nil), c...)

	for {
		if r.index > length {
			return nil, ErrTruncated
		}
		code := r.readBits(numBits)
		switch code {
		case 0:
			dict = append(dict, []uint16{uint16(r.readBits(8))})
			code = len(dict) - 1
			enlargeIn--
		case 1:
			dict = append(dict, []uint16{uint16(r.readBits(16))})
			code = len(dict) - 1
			enlargeIn--
		case 2:
			return result, nil
		}
		if enlargeIn == 0 {
			enlargeIn = 1 << numBits
			numBits++
		}

		var entry []uint16
		switch {
		case code >= 3 && code < len(dict):
			entry = dict[code]
		case code == len(dict):
			entry = make([]uint16, len(w)+1)
			copy(entry, w)
			entry[len(w)] = w[0]
		default:
			return nil, ErrCorrupt
		}
		result = append(result, entry...)
		if len(result) > MaxOutputUnits {
			return nil, ErrTooLarge
		}

		added := make([]uint16, len(w)+1)
		copy(added, w)
		added[len(w)] = entry[0]
		dict = append(dict, added)
		enlargeIn--
		w = entry
		if enlargeIn == 0 {
			enlargeIn = 1 << numBits
			numBits++
		}
	}
}
