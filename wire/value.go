package wire

import (
	"encoding/binary"
	"errors"
	"math"
	"sort"
)

// Kind tags the variant carried by a Value.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindReal
	KindString
	KindBytes
	KindFD
	KindArray
	KindDict
)

// Value is the closed sum type the control-channel payload is built from:
// null, bool, integer, real, string, opaque bytes, file descriptor,
// array, and string-keyed dictionary, per §6.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Real  float64
	Str   string
	Bytes []byte
	// FD is a descriptor number. On send it is the live descriptor that
	// goes out in the ancillary data; on receive control/conn.go re-links
	// it to the descriptor that arrived.
	FD    int
	Array []Value
	Dict  map[string]Value
}

func Null() Value           { return Value{Kind: KindNull} }
func Bool(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func Real(f float64) Value  { return Value{Kind: KindReal, Real: f} }
func Str(s string) Value    { return Value{Kind: KindString, Str: s} }
func Bytes(b []byte) Value  { return Value{Kind: KindBytes, Bytes: b} }
func FD(placeholder int) Value { return Value{Kind: KindFD, FD: placeholder} }
func Array(vs ...Value) Value  { return Value{Kind: KindArray, Array: vs} }
func Dict(m map[string]Value) Value {
	return Value{Kind: KindDict, Dict: m}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Get looks up a key in a dict value; ok is false if v isn't a dict or
// the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	r, ok := v.Dict[key]
	return r, ok
}

var (
	ErrTruncated    = errors.New("wire: truncated value")
	ErrUnknownKind  = errors.New("wire: unknown value kind")
	ErrNotSupported = errors.New("wire: value not encodable")
)

// Encode serializes v into a flat byte slice using a small
// length-prefixed TLV grammar: [kind byte][kind-specific body].
func Encode(v Value) ([]byte, error) {
	var out []byte
	return appendValue(out, v)
}

func appendValue(out []byte, v Value) ([]byte, error) {
	out = append(out, byte(v.Kind))
	switch v.Kind {
	case KindNull:
		// no body
	case KindBool:
		if v.Bool {
			out = append(out, 1)
		} else {
			out = append(out, 0)
		}
	case KindInt:
		out = appendUint64(out, uint64(v.Int))
	case KindReal:
		out = appendUint64(out, math.Float64bits(v.Real))
	case KindString:
		out = appendBytesField(out, []byte(v.Str))
	case KindBytes:
		out = appendBytesField(out, v.Bytes)
	case KindFD:
		out = appendUint32(out, uint32(v.FD))
	case KindArray:
		out = appendUint32(out, uint32(len(v.Array)))
		var err error
		for _, e := range v.Array {
			if out, err = appendValue(out, e); err != nil {
				return nil, err
			}
		}
	case KindDict:
		keys := make([]string, 0, len(v.Dict))
		for k := range v.Dict {
			keys = append(keys, k)
		}
		sort.Strings(keys) // deterministic wire form
		out = appendUint32(out, uint32(len(keys)))
		var err error
		for _, k := range keys {
			out = appendBytesField(out, []byte(k))
			if out, err = appendValue(out, v.Dict[k]); err != nil {
				return nil, err
			}
		}
	default:
		return nil, ErrNotSupported
	}
	return out, nil
}

func appendUint64(out []byte, u uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u)
	return append(out, b[:]...)
}

func appendUint32(out []byte, u uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], u)
	return append(out, b[:]...)
}

func appendBytesField(out []byte, b []byte) []byte {
	out = appendUint32(out, uint32(len(b)))
	return append(out, b...)
}

// Decode parses a single Value from the front of buf and returns the
// number of bytes consumed.
func Decode(buf []byte) (Value, int, error) {
	if len(buf) < 1 {
		return Value{}, 0, ErrTruncated
	}
	kind := Kind(buf[0])
	pos := 1
	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, pos, nil
	case KindBool:
		if len(buf) < pos+1 {
			return Value{}, 0, ErrTruncated
		}
		v := Value{Kind: KindBool, Bool: buf[pos] != 0}
		return v, pos + 1, nil
	case KindInt:
		u, n, err := readUint64(buf[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindInt, Int: int64(u)}, pos + n, nil
	case KindReal:
		u, n, err := readUint64(buf[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindReal, Real: math.Float64frombits(u)}, pos + n, nil
	case KindString:
		b, n, err := readBytesField(buf[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindString, Str: string(b)}, pos + n, nil
	case KindBytes:
		b, n, err := readBytesField(buf[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindBytes, Bytes: b}, pos + n, nil
	case KindFD:
		u, n, err := readUint32(buf[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		return Value{Kind: KindFD, FD: int(u)}, pos + n, nil
	case KindArray:
		count, n, err := readUint32(buf[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		pos += n
		arr := make([]Value, 0, count)
		for i := uint32(0); i < count; i++ {
			e, en, err := Decode(buf[pos:])
			if err != nil {
				return Value{}, 0, err
			}
			arr = append(arr, e)
			pos += en
		}
		return Value{Kind: KindArray, Array: arr}, pos, nil
	case KindDict:
		count, n, err := readUint32(buf[pos:])
		if err != nil {
			return Value{}, 0, err
		}
		pos += n
		m := make(map[string]Value, count)
		for i := uint32(0); i < count; i++ {
			kb, kn, err := readBytesField(buf[pos:])
			if err != nil {
				return Value{}, 0, err
			}
			pos += kn
			e, en, err := Decode(buf[pos:])
			if err != nil {
				return Value{}, 0, err
			}
			pos += en
			m[string(kb)] = e
		}
		return Value{Kind: KindDict, Dict: m}, pos, nil
	default:
		return Value{}, 0, ErrUnknownKind
	}
}

func readUint64(buf []byte) (uint64, int, error) {
	if len(buf) < 8 {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint64(buf[:8]), 8, nil
}

func readUint32(buf []byte) (uint32, int, error) {
	if len(buf) < 4 {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(buf[:4]), 4, nil
}

func readBytesField(buf []byte) ([]byte, int, error) {
	l, n, err := readUint32(buf)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < n+int(l) {
		return nil, 0, ErrTruncated
	}
	return buf[n : n+int(l)], n + int(l), nil
}
