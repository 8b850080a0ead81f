package row

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// RawJSON is the text form of a MySQL JSON column. It is written to the output as is.
type RawJSON string

// Field values are one of these kinds. Anything else is rejected when spilling to disk.
const (
	kindNil uint8 = iota
	kindBool
	kindInt
	kindUint
	kindFloat
	kindString
	kindStrings
	kindDecimal
	kindJSON
)

func (f Field) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeString(f.Name); err != nil {
		return err
	}

	switch castedValue := f.Value.(type) {
	case nil:
		return enc.EncodeUint8(kindNil)
	case bool:
		return encodeKind(enc, kindBool, func() error { return enc.EncodeBool(castedValue) })
	case int64:
		return encodeKind(enc, kindInt, func() error { return enc.EncodeInt(castedValue) })
	case uint64:
		return encodeKind(enc, kindUint, func() error { return enc.EncodeUint(castedValue) })
	case float64:
		return encodeKind(enc, kindFloat, func() error { return enc.EncodeFloat64(castedValue) })
	case string:
		return encodeKind(enc, kindString, func() error { return enc.EncodeString(castedValue) })
	case []string:
		return encodeKind(enc, kindStrings, func() error {
			if err := enc.EncodeArrayLen(len(castedValue)); err != nil {
				return err
			}
			for _, s := range castedValue {
				if err := enc.EncodeString(s); err != nil {
					return err
				}
			}
			return nil
		})
	case decimal.Decimal:
		return encodeKind(enc, kindDecimal, func() error { return enc.EncodeString(castedValue.String()) })
	case RawJSON:
		return encodeKind(enc, kindJSON, func() error { return enc.EncodeString(string(castedValue)) })
	default:
		return fmt.Errorf("unsupported value type %T for field %q", f.Value, f.Name)
	}
}

func encodeKind(enc *msgpack.Encoder, kind uint8, encodeValue func() error) error {
	if err := enc.EncodeUint8(kind); err != nil {
		return err
	}
	return encodeValue()
}

func (f *Field) DecodeMsgpack(dec *msgpack.Decoder) error {
	name, err := dec.DecodeString()
	if err != nil {
		return err
	}
	f.Name = name

	kind, err := dec.DecodeUint8()
	if err != nil {
		return err
	}

	switch kind {
	case kindNil:
		f.Value = nil
	case kindBool:
		f.Value, err = dec.DecodeBool()
	case kindInt:
		f.Value, err = dec.DecodeInt64()
	case kindUint:
		f.Value, err = dec.DecodeUint64()
	case kindFloat:
		f.Value, err = dec.DecodeFloat64()
	case kindString:
		f.Value, err = dec.DecodeString()
	case kindStrings:
		var n int
		if n, err = dec.DecodeArrayLen(); err != nil {
			return err
		}
		values := make([]string, 0, max(n, 0))
		for i := 0; i < n; i++ {
			s, err := dec.DecodeString()
			if err != nil {
				return err
			}
			values = append(values, s)
		}
		f.Value = values
	case kindDecimal:
		var s string
		if s, err = dec.DecodeString(); err != nil {
			return err
		}
		f.Value, err = decimal.NewFromString(s)
	case kindJSON:
		var s string
		if s, err = dec.DecodeString(); err != nil {
			return err
		}
		f.Value = RawJSON(s)
	default:
		return fmt.Errorf("unknown value kind %d for field %q", kind, name)
	}
	return err
}

// approxSize is a rough in-memory footprint used for the transaction buffer's memory budget.
func (f Fields) approxSize() int64 {
	var size int64
	for _, field := range f {
		size += int64(len(field.Name)) + 16
		switch castedValue := field.Value.(type) {
		case string:
			size += int64(len(castedValue))
		case RawJSON:
			size += int64(len(castedValue))
		case []string:
			for _, s := range castedValue {
				size += int64(len(s)) + 16
			}
		case decimal.Decimal:
			size += 32
		default:
			size += 8
		}
	}
	return size
}

func (c Change) approxSize() int64 {
	return 128 + int64(len(c.Database)+len(c.Table)+len(c.SQL)+len(c.RowQuery)) + c.Data.approxSize() + c.OldData.approxSize()
}
