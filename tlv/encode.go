package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Uint returns an unsigned integer element.
func Uint(tag Tag, v uint64) Element {
	return Element{Tag: tag, Type: TypeUnsignedInt, num: v}
}

// Int returns a signed integer element.
func Int(tag Tag, v int64) Element {
	return Element{Tag: tag, Type: TypeSignedInt, num: uint64(v)}
}

// Bool returns a boolean element.
func Bool(tag Tag, v bool) Element {
	e := Element{Tag: tag, Type: TypeBool}
	if v {
		e.num = 1
	}
	return e
}

// Bytes returns an octet string element.
func Bytes(tag Tag, b []byte) Element {
	return Element{Tag: tag, Type: TypeOctetString, data: b}
}

// UTF8 returns a UTF-8 string element.
func UTF8(tag Tag, s string) Element {
	return Element{Tag: tag, Type: TypeUTF8String, data: []byte(s)}
}

// Null returns a null element.
func Null(tag Tag) Element {
	return Element{Tag: tag, Type: TypeNull}
}

// Structure returns a structure element holding members.
func Structure(tag Tag, members ...Element) Element {
	return Element{Tag: tag, Type: TypeStructure, elems: members}
}

// Array returns an array element holding anonymous members.
func Array(tag Tag, members ...Element) Element {
	return Element{Tag: tag, Type: TypeArray, elems: members}
}

// List returns a list element. Members keep their order and may repeat tags.
func List(tag Tag, members ...Element) Element {
	return Element{Tag: tag, Type: TypeList, elems: members}
}

var containerCodes = map[Type]byte{
	TypeStructure: codeStructure,
	TypeArray:     codeArray,
	TypeList:      codeList,
}

// Marshal encodes e using the smallest integer and length widths that hold
// each value.
func Marshal(e Element) ([]byte, error) {
	return appendElement(nil, e, 0)
}

func appendElement(dst []byte, e Element, depth int) ([]byte, error) {
	var code byte
	var value []byte

	switch e.Type {
	case TypeUnsignedInt:
		code, value = codeUint8, appendUint(nil, e.num)
	case TypeSignedInt:
		v := int64(e.num)
		switch {
		case v >= math.MinInt8 && v <= math.MaxInt8:
			code, value = codeInt8, []byte{byte(v)}
		case v >= math.MinInt16 && v <= math.MaxInt16:
			code, value = codeInt8+1, binary.LittleEndian.AppendUint16(nil, uint16(v))
		case v >= math.MinInt32 && v <= math.MaxInt32:
			code, value = codeInt8+2, binary.LittleEndian.AppendUint32(nil, uint32(v))
		default:
			code, value = codeInt8+3, binary.LittleEndian.AppendUint64(nil, uint64(v))
		}
	case TypeBool:
		code = codeFalse
		if e.num == 1 {
			code = codeTrue
		}
	case TypeFloat:
		code, value = codeFloat64, binary.LittleEndian.AppendUint64(nil, math.Float64bits(e.f))
	case TypeUTF8String:
		code, value = codeUTF8Len1, appendUint(nil, uint64(len(e.data)))
		value = append(value, e.data...)
	case TypeOctetString:
		code, value = codeOctetsLen1, appendUint(nil, uint64(len(e.data)))
		value = append(value, e.data...)
	case TypeNull:
		code = codeNull
	case TypeStructure, TypeArray, TypeList:
		if depth >= maxDepth {
			return nil, fmt.Errorf("%w: containers nested deeper than %d", ErrMalformed, maxDepth)
		}
		code = containerCodes[e.Type]
	default:
		return nil, fmt.Errorf("cannot encode element of %s", e.Type)
	}

	// Widths 1/2/4/8 map onto the low two bits of integer and length codes.
	switch e.Type {
	case TypeUnsignedInt:
		code += widthCode(len(value))
	case TypeUTF8String, TypeOctetString:
		code += widthCode(len(value) - len(e.data))
	}

	dst, err := appendTag(dst, e.Tag, code)
	if err != nil {
		return nil, err
	}
	dst = append(dst, value...)

	if e.Type.IsContainer() {
		for _, m := range e.elems {
			anonymous := m.Tag.Control == TagAnonymous
			if e.Type == TypeArray && !anonymous {
				return nil, errors.New("array members must be anonymous")
			}
			if e.Type == TypeStructure && anonymous {
				return nil, errors.New("structure members must be tagged")
			}
			if dst, err = appendElement(dst, m, depth+1); err != nil {
				return nil, err
			}
		}
		dst = append(dst, codeEndOfContainer)
	}
	return dst, nil
}

func appendTag(dst []byte, t Tag, code byte) ([]byte, error) {
	dst = append(dst, byte(t.Control)<<5|code)
	switch t.Control {
	case TagAnonymous:
	case TagContext:
		if t.Number > math.MaxUint8 {
			return nil, fmt.Errorf("context tag %d does not fit one byte", t.Number)
		}
		dst = append(dst, byte(t.Number))
	case TagCommonProfile2, TagImplicitProfile2:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(t.Number))
	case TagCommonProfile4, TagImplicitProfile4:
		dst = binary.LittleEndian.AppendUint32(dst, t.Number)
	case TagFullyQualified6:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(t.Profile>>16))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(t.Profile))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(t.Number))
	case TagFullyQualified8:
		dst = binary.LittleEndian.AppendUint16(dst, uint16(t.Profile>>16))
		dst = binary.LittleEndian.AppendUint16(dst, uint16(t.Profile))
		dst = binary.LittleEndian.AppendUint32(dst, t.Number)
	default:
		return nil, fmt.Errorf("invalid tag control %d", t.Control)
	}
	return dst, nil
}

// appendUint appends v in the smallest of 1, 2, 4 or 8 bytes.
func appendUint(dst []byte, v uint64) []byte {
	switch {
	case v <= math.MaxUint8:
		return append(dst, byte(v))
	case v <= math.MaxUint16:
		return binary.LittleEndian.AppendUint16(dst, uint16(v))
	case v <= math.MaxUint32:
		return binary.LittleEndian.AppendUint32(dst, uint32(v))
	default:
		return binary.LittleEndian.AppendUint64(dst, v)
	}
}

func widthCode(n int) byte {
	switch n {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}
