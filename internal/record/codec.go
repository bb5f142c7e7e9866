package record

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/coredb/coredb/pkg/bx"
)

var (
	ErrSchemaMismatch  = errors.New("record: schema/values mismatch")
	ErrBadBuffer       = errors.New("record: buffer underflow")
	ErrVarTooLong      = errors.New("record: variable-length field exceeds MaxUint32 bytes")
	ErrUnsupportedType = errors.New("record: unsupported column type")
)

// fieldEncoder appends v's encoding to body and returns the grown slice.
type fieldEncoder func(body []byte, v any) ([]byte, error)

// fieldDecoder reads one value starting at body[i] and returns it along
// with the offset just past it.
type fieldDecoder func(body []byte, i int) (any, int, error)

var encoders = map[ColumnType]fieldEncoder{
	ColInt32: func(body []byte, v any) ([]byte, error) {
		x, ok := asInt32(v)
		if !ok {
			return nil, ErrSchemaMismatch
		}
		var b [4]byte
		bx.PutU32(b[:], uint32(x))
		return append(body, b[:]...), nil
	},
	ColInt64: func(body []byte, v any) ([]byte, error) {
		x, ok := asInt64(v)
		if !ok {
			return nil, ErrSchemaMismatch
		}
		var b [8]byte
		bx.PutU64(b[:], uint64(x))
		return append(body, b[:]...), nil
	},
	ColBool: func(body []byte, v any) ([]byte, error) {
		x, ok := v.(bool)
		if !ok {
			return nil, ErrSchemaMismatch
		}
		if x {
			return append(body, 1), nil
		}
		return append(body, 0), nil
	},
	ColFloat64: func(body []byte, v any) ([]byte, error) {
		x, ok := asFloat64(v)
		if !ok {
			return nil, ErrSchemaMismatch
		}
		var b [8]byte
		bx.PutU64(b[:], math.Float64bits(x))
		return append(body, b[:]...), nil
	},
	ColText: func(body []byte, v any) ([]byte, error) {
		str, ok := v.(string)
		if !ok {
			return nil, ErrSchemaMismatch
		}
		return appendVarlen(body, []byte(str))
	},
	ColBytes: func(body []byte, v any) ([]byte, error) {
		bs, ok := v.([]byte)
		if !ok {
			return nil, ErrSchemaMismatch
		}
		return appendVarlen(body, bs)
	},
}

var decoders = map[ColumnType]fieldDecoder{
	ColInt32: func(body []byte, i int) (any, int, error) {
		if i+4 > len(body) {
			return nil, 0, ErrBadBuffer
		}
		return int32(bx.U32(body[i : i+4])), i + 4, nil
	},
	ColInt64: func(body []byte, i int) (any, int, error) {
		if i+8 > len(body) {
			return nil, 0, ErrBadBuffer
		}
		return int64(bx.U64(body[i : i+8])), i + 8, nil
	},
	ColBool: func(body []byte, i int) (any, int, error) {
		if i+1 > len(body) {
			return nil, 0, ErrBadBuffer
		}
		return body[i] != 0, i + 1, nil
	},
	ColFloat64: func(body []byte, i int) (any, int, error) {
		if i+8 > len(body) {
			return nil, 0, ErrBadBuffer
		}
		return math.Float64frombits(bx.U64(body[i : i+8])), i + 8, nil
	},
	ColText: func(body []byte, i int) (any, int, error) {
		bs, next, err := readVarlen(body, i)
		if err != nil {
			return nil, 0, err
		}
		return string(bs), next, nil
	},
	ColBytes: func(body []byte, i int) (any, int, error) {
		bs, next, err := readVarlen(body, i)
		if err != nil {
			return nil, 0, err
		}
		cp := make([]byte, len(bs))
		copy(cp, bs)
		return cp, next, nil
	},
}

func appendVarlen(body, data []byte) ([]byte, error) {
	if uint64(len(data)) > math.MaxUint32 {
		return nil, ErrVarTooLong
	}
	body = binary.AppendUvarint(body, uint64(len(data)))
	return append(body, data...), nil
}

func readVarlen(body []byte, i int) ([]byte, int, error) {
	l, n := binary.Uvarint(body[i:])
	if n <= 0 {
		return nil, 0, ErrBadBuffer
	}
	i += n
	end := i + int(l)
	if end < i || end > len(body) {
		return nil, 0, ErrBadBuffer
	}
	return body[i:end], end, nil
}

// EncodeRow packs values against schema into a tuple: the fields of each
// non-null column in schema order (variable-length fields uvarint-length-
// prefixed), followed by a trailing null bitmap (one bit per column, 1 =
// NULL, LSB-first within each byte). The bitmap sits at the tail rather
// than the head so DecodeRow can slice it off by schema-known length
// without having scanned the body first.
func EncodeRow(s Schema, values []any) ([]byte, error) {
	nc := s.NumCols()
	if len(values) != nc {
		return nil, ErrSchemaMismatch
	}

	body := make([]byte, 0, 32)
	nullBits := make([]byte, (nc+7)/8)

	for i, col := range s.Cols {
		v := values[i]
		if v == nil {
			if !col.Nullable {
				return nil, ErrSchemaMismatch
			}
			nullBits[i/8] |= 1 << (uint(i) & 7)
			continue
		}

		enc, ok := encoders[col.Type]
		if !ok {
			return nil, ErrUnsupportedType
		}
		grown, err := enc(body, v)
		if err != nil {
			return nil, err
		}
		body = grown
	}

	return append(body, nullBits...), nil
}

// DecodeRow is the inverse of EncodeRow.
func DecodeRow(s Schema, buf []byte) ([]any, error) {
	nc := s.NumCols()
	nbBytes := (nc + 7) / 8
	if len(buf) < nbBytes {
		return nil, ErrBadBuffer
	}
	body := buf[:len(buf)-nbBytes]
	nullBits := buf[len(buf)-nbBytes:]

	out := make([]any, nc)
	i := 0
	for colIdx, col := range s.Cols {
		if (nullBits[colIdx/8]>>(uint(colIdx)&7))&1 == 1 {
			out[colIdx] = nil
			continue
		}

		dec, ok := decoders[col.Type]
		if !ok {
			return nil, ErrUnsupportedType
		}
		val, next, err := dec(body, i)
		if err != nil {
			return nil, err
		}
		out[colIdx] = val
		i = next
	}
	if i != len(body) {
		return nil, ErrBadBuffer
	}
	return out, nil
}

func asInt32(v any) (int32, bool) {
	switch x := v.(type) {
	case int32:
		return x, true
	case int:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return int32(x), true
		}
	case int64:
		if x >= math.MinInt32 && x <= math.MaxInt32 {
			return int32(x), true
		}
	}
	return 0, false
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}
