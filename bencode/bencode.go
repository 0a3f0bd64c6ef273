// Package bencode implements the bencoding grammar used by .torrent files
// and KRPC (DHT) messages: integers, byte strings, lists and dictionaries.
package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Kind identifies which of the four bencode grammar productions a Value holds.
type Kind uint8

const (
	KindInt Kind = iota
	KindString
	KindList
	KindDict
)

// Value is a decoded bencode value. Exactly one of Int, Str, List or Dict is
// meaningful, selected by Kind — unlike a Go zero-value-sentinel encoding,
// this makes "i0e" and "" distinguishable from "absent".
type Value struct {
	Kind Kind
	Int  int64
	Str  string
	List []Value
	Dict map[string]Value
}

// Int64 constructs an integer Value.
func Int64(v int64) Value { return Value{Kind: KindInt, Int: v} }

// String constructs a byte-string Value. Bencode strings are arbitrary
// bytes, not necessarily valid UTF-8; Go's string type is used as an
// immutable byte-bag, never assumed to be printable text.
func String(v string) Value { return Value{Kind: KindString, Str: v} }

// List constructs a list Value.
func List(v []Value) Value { return Value{Kind: KindList, List: v} }

// Dict constructs a dictionary Value.
func Dict(v map[string]Value) Value { return Value{Kind: KindDict, Dict: v} }

// errors returned by Decode
var (
	ErrUnexpectedEOF   = errors.New("bencode: unexpected end of input")
	ErrLeadingZero     = errors.New("bencode: integer has a leading zero")
	ErrNegativeZero    = errors.New("bencode: integer is negative zero")
	ErrBadIntPrefix    = errors.New("bencode: malformed integer")
	ErrBadStringLength = errors.New("bencode: malformed string length prefix")
	ErrStringTooShort  = errors.New("bencode: string shorter than its declared length")
	ErrNonStringKey    = errors.New("bencode: dictionary key is not a string")
	ErrUnterminated    = errors.New("bencode: unterminated container")
	ErrUnknownTag      = errors.New("bencode: unrecognised value tag")
)

// Decode parses the first top-level bencoded value in data, returning the
// value and the number of bytes consumed.
func Decode(data []byte) (Value, int, error) {
	v, n, err := decodeValue(data, 0)
	if err != nil {
		return Value{}, 0, err
	}
	return v, n, nil
}

// DecodeAll decodes data and requires the entire buffer to be one value.
func DecodeAll(data []byte) (Value, error) {
	v, n, err := Decode(data)
	if err != nil {
		return Value{}, err
	}
	if n != len(data) {
		return Value{}, errors.Errorf("bencode: %d trailing bytes after top-level value", len(data)-n)
	}
	return v, nil
}

func decodeValue(data []byte, pos int) (Value, int, error) {
	if pos >= len(data) {
		return Value{}, 0, ErrUnexpectedEOF
	}
	switch data[pos] {
	case 'i':
		return decodeInt(data, pos)
	case 'l':
		return decodeList(data, pos)
	case 'd':
		return decodeDict(data, pos)
	default:
		if data[pos] >= '0' && data[pos] <= '9' {
			return decodeString(data, pos)
		}
		return Value{}, 0, errors.Wrapf(ErrUnknownTag, "byte %q at offset %d", data[pos], pos)
	}
}

func decodeInt(data []byte, pos int) (Value, int, error) {
	start := pos
	pos++ // skip 'i'
	end := bytes.IndexByte(data[pos:], 'e')
	if end < 0 {
		return Value{}, 0, ErrUnexpectedEOF
	}
	numStr := string(data[pos : pos+end])
	if numStr == "" {
		return Value{}, 0, ErrBadIntPrefix
	}
	if numStr == "-0" {
		return Value{}, 0, ErrNegativeZero
	}
	digits := numStr
	if digits[0] == '-' {
		digits = digits[1:]
	}
	if len(digits) == 0 || (len(digits) > 1 && digits[0] == '0') {
		return Value{}, 0, ErrLeadingZero
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return Value{}, 0, errors.Wrapf(ErrBadIntPrefix, "%q", numStr)
		}
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return Value{}, 0, errors.Wrap(ErrBadIntPrefix, err.Error())
	}
	return Int64(n), (pos + end + 1) - start, nil
}

func decodeString(data []byte, pos int) (Value, int, error) {
	start := pos
	colon := bytes.IndexByte(data[pos:], ':')
	if colon < 0 {
		return Value{}, 0, ErrBadStringLength
	}
	lenStr := string(data[pos : pos+colon])
	if len(lenStr) == 0 || (len(lenStr) > 1 && lenStr[0] == '0') {
		return Value{}, 0, ErrBadStringLength
	}
	for _, c := range lenStr {
		if c < '0' || c > '9' {
			return Value{}, 0, ErrBadStringLength
		}
	}
	length, err := strconv.ParseUint(lenStr, 10, 63)
	if err != nil {
		return Value{}, 0, errors.Wrap(ErrBadStringLength, err.Error())
	}
	pos += colon + 1
	if pos+int(length) > len(data) {
		return Value{}, 0, ErrStringTooShort
	}
	str := string(data[pos : pos+int(length)])
	return String(str), (pos + int(length)) - start, nil
}

func decodeList(data []byte, pos int) (Value, int, error) {
	start := pos
	pos++ // skip 'l'
	var list []Value
	for {
		if pos >= len(data) {
			return Value{}, 0, ErrUnterminated
		}
		if data[pos] == 'e' {
			pos++
			return List(list), pos - start, nil
		}
		v, n, err := decodeValue(data, pos)
		if err != nil {
			return Value{}, 0, err
		}
		list = append(list, v)
		pos += n
	}
}

func decodeDict(data []byte, pos int) (Value, int, error) {
	start := pos
	pos++ // skip 'd'
	dict := make(map[string]Value)
	for {
		if pos >= len(data) {
			return Value{}, 0, ErrUnterminated
		}
		if data[pos] == 'e' {
			pos++
			return Dict(dict), pos - start, nil
		}
		key, n, err := decodeValue(data, pos)
		if err != nil {
			return Value{}, 0, err
		}
		if key.Kind != KindString {
			return Value{}, 0, ErrNonStringKey
		}
		pos += n
		val, n, err := decodeValue(data, pos)
		if err != nil {
			return Value{}, 0, err
		}
		pos += n
		dict[key.Str] = val
	}
}

// Encode serialises v in canonical form: dictionary keys are emitted in
// ascending byte-lexicographic order, which is required for the info-dict
// SHA-1 fingerprint to be reproducible.
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeTo(&buf, v)
	return buf.Bytes()
}

func encodeTo(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindInt:
		fmt.Fprintf(buf, "i%de", v.Int)
	case KindString:
		fmt.Fprintf(buf, "%d:", len(v.Str))
		buf.WriteString(v.Str)
	case KindList:
		buf.WriteByte('l')
		for _, item := range v.List {
			encodeTo(buf, item)
		}
		buf.WriteByte('e')
	case KindDict:
		buf.WriteByte('d')
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buf, "%d:", len(k))
			buf.WriteString(k)
			encodeTo(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}

// GetString returns d[key] as a string, if present and of string kind.
func (v Value) GetString(key string) (string, bool) {
	if v.Kind != KindDict {
		return "", false
	}
	child, ok := v.Dict[key]
	if !ok || child.Kind != KindString {
		return "", false
	}
	return child.Str, true
}

// GetInt returns d[key] as an int64, if present and of int kind.
func (v Value) GetInt(key string) (int64, bool) {
	if v.Kind != KindDict {
		return 0, false
	}
	child, ok := v.Dict[key]
	if !ok || child.Kind != KindInt {
		return 0, false
	}
	return child.Int, true
}

// GetDict returns d[key] as a Value, if present and of dict kind.
func (v Value) GetDict(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	child, ok := v.Dict[key]
	if !ok || child.Kind != KindDict {
		return Value{}, false
	}
	return child, true
}

// GetList returns d[key] as a Value, if present and of list kind.
func (v Value) GetList(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	child, ok := v.Dict[key]
	if !ok || child.Kind != KindList {
		return Value{}, false
	}
	return child, true
}
