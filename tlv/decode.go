package tlv

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"
)

// Element type codes from the lower five bits of the control octet.
const (
	codeInt8           = 0x00
	codeUint8          = 0x04
	codeFalse          = 0x08
	codeTrue           = 0x09
	codeFloat32        = 0x0A
	codeFloat64        = 0x0B
	codeUTF8Len1       = 0x0C
	codeOctetsLen1     = 0x10
	codeNull           = 0x14
	codeStructure      = 0x15
	codeArray          = 0x16
	codeList           = 0x17
	codeEndOfContainer = 0x18
)

// Decode decodes exactly one element from b, including all members of a
// container. Trailing bytes after the element are an error. Decoding has no
// hidden state: the same input always yields the same element. Returned byte
// slices do not alias b.
func Decode(b []byte) (Element, error) {
	d := decoder{buf: b}
	e, end, err := d.element(0)
	if err != nil {
		return Element{}, err
	}
	if end {
		return Element{}, fmt.Errorf("%w: end of container outside any container", ErrMalformed)
	}
	if d.off != len(b) {
		return Element{}, fmt.Errorf("%w: %d trailing bytes after element", ErrMalformed, len(b)-d.off)
	}
	return e, nil
}

// DecodeStruct decodes an anonymous top-level structure and returns its
// members keyed by tag.
func DecodeStruct(b []byte) (Struct, error) {
	e, err := Decode(b)
	if err != nil {
		return nil, err
	}
	if e.Tag.Control != TagAnonymous || e.Type != TypeStructure {
		return nil, fmt.Errorf("%w: top-level element is a %s with tag %s, want anonymous structure", ErrMalformed, e.Type, e.Tag)
	}
	return e.Struct()
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) read(n uint64) ([]byte, error) {
	remaining := uint64(len(d.buf) - d.off)
	if n > remaining {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, %d remain", ErrMalformed, n, d.off, remaining)
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b, nil
}

func (d *decoder) uintN(size int) (uint64, error) {
	b, err := d.read(uint64(size))
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	default:
		return binary.LittleEndian.Uint64(b), nil
	}
}

func (d *decoder) tag(c TagControl) (Tag, error) {
	t := Tag{Control: c}
	var size int
	switch c {
	case TagAnonymous:
		return t, nil
	case TagContext:
		size = 1
	case TagCommonProfile2, TagImplicitProfile2:
		size = 2
	case TagCommonProfile4, TagImplicitProfile4:
		size = 4
	case TagFullyQualified6, TagFullyQualified8:
		vendor, err := d.uintN(2)
		if err != nil {
			return Tag{}, err
		}
		profile, err := d.uintN(2)
		if err != nil {
			return Tag{}, err
		}
		t.Profile = uint32(vendor)<<16 | uint32(profile)
		size = 2
		if c == TagFullyQualified8 {
			size = 4
		}
	}
	n, err := d.uintN(size)
	if err != nil {
		return Tag{}, err
	}
	t.Number = uint32(n)
	return t, nil
}

// element decodes the next element. end is true when an end-of-container
// marker was read instead of an element.
func (d *decoder) element(depth int) (e Element, end bool, err error) {
	start := d.off
	ctrl, err := d.uintN(1)
	if err != nil {
		return Element{}, false, err
	}
	control := TagControl(ctrl >> 5)
	code := byte(ctrl) & 0x1f

	if code == codeEndOfContainer {
		if control != TagAnonymous {
			return Element{}, false, fmt.Errorf("%w: tagged end of container at offset %d", ErrMalformed, start)
		}
		return Element{}, true, nil
	}

	if e.Tag, err = d.tag(control); err != nil {
		return Element{}, false, err
	}

	switch {
	case code < codeUint8:
		size := 1 << code
		v, err := d.uintN(size)
		if err != nil {
			return Element{}, false, err
		}
		e.Type = TypeSignedInt
		e.num = uint64(signExtend(v, size))
	case code < codeFalse:
		v, err := d.uintN(1 << (code - codeUint8))
		if err != nil {
			return Element{}, false, err
		}
		e.Type = TypeUnsignedInt
		e.num = v
	case code == codeFalse || code == codeTrue:
		e.Type = TypeBool
		if code == codeTrue {
			e.num = 1
		}
	case code == codeFloat32:
		v, err := d.uintN(4)
		if err != nil {
			return Element{}, false, err
		}
		e.Type = TypeFloat
		e.f = float64(math.Float32frombits(uint32(v)))
	case code == codeFloat64:
		v, err := d.uintN(8)
		if err != nil {
			return Element{}, false, err
		}
		e.Type = TypeFloat
		e.f = math.Float64frombits(v)
	case code < codeOctetsLen1:
		data, err := d.lengthPrefixed(code - codeUTF8Len1)
		if err != nil {
			return Element{}, false, err
		}
		if !utf8.Valid(data) {
			return Element{}, false, fmt.Errorf("%w: invalid UTF-8 in string at offset %d", ErrMalformed, start)
		}
		e.Type = TypeUTF8String
		e.data = data
	case code < codeNull:
		data, err := d.lengthPrefixed(code - codeOctetsLen1)
		if err != nil {
			return Element{}, false, err
		}
		e.Type = TypeOctetString
		e.data = data
	case code == codeNull:
		e.Type = TypeNull
	case code == codeStructure || code == codeArray || code == codeList:
		e.Type = containerTypes[code]
		if e.elems, err = d.members(e.Type, depth+1, start); err != nil {
			return Element{}, false, err
		}
	default:
		return Element{}, false, fmt.Errorf("%w: reserved element type %#02x at offset %d", ErrMalformed, code, start)
	}
	return e, false, nil
}

func (d *decoder) lengthPrefixed(sizeCode byte) ([]byte, error) {
	n, err := d.uintN(1 << sizeCode)
	if err != nil {
		return nil, err
	}
	b, err := d.read(n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), b...), nil
}

func (d *decoder) members(t Type, depth, start int) ([]Element, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: containers nested deeper than %d at offset %d", ErrMalformed, maxDepth, start)
	}
	var elems []Element
	for {
		if d.off >= len(d.buf) {
			return nil, fmt.Errorf("%w: %s starting at offset %d is not terminated", ErrMalformed, t, start)
		}
		m, end, err := d.element(depth)
		if err != nil {
			return nil, err
		}
		if end {
			return elems, nil
		}
		anonymous := m.Tag.Control == TagAnonymous
		if t == TypeArray && !anonymous {
			return nil, fmt.Errorf("%w: array member with tag %s", ErrMalformed, m.Tag)
		}
		if t == TypeStructure && anonymous {
			return nil, fmt.Errorf("%w: anonymous structure member", ErrMalformed)
		}
		elems = append(elems, m)
	}
}

var containerTypes = map[byte]Type{
	codeStructure: TypeStructure,
	codeArray:     TypeArray,
	codeList:      TypeList,
}

func signExtend(v uint64, size int) int64 {
	switch size {
	case 1:
		return int64(int8(v))
	case 2:
		return int64(int16(v))
	case 4:
		return int64(int32(v))
	default:
		return int64(v)
	}
}
