// Package tlv decodes and encodes the compact tag-length-value format used for
// structured device data such as attestation elements and certification
// declarations.
//
// An encoded element starts with a control octet. The upper three bits select
// the tag form, the lower five bits select the element type. Tag, length and
// value fields follow in little-endian byte order.
package tlv

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	// ErrMalformed is returned when the tag/length/value structure is
	// inconsistent with the buffer it was read from.
	ErrMalformed = errors.New("malformed TLV")

	// ErrType is returned by accessors when an element holds a different type.
	ErrType = errors.New("unexpected TLV element type")
)

// maxDepth bounds container nesting.
const maxDepth = 8

// TagControl is the tag form encoded in the upper bits of the control octet.
type TagControl uint8

// Tag forms.
const (
	TagAnonymous TagControl = iota
	TagContext
	TagCommonProfile2
	TagCommonProfile4
	TagImplicitProfile2
	TagImplicitProfile4
	TagFullyQualified6
	TagFullyQualified8
)

// Tag identifies an element inside its container.
type Tag struct {
	Control TagControl

	// Profile holds vendorID<<16 | profileNumber for fully-qualified tags.
	Profile uint32

	Number uint32
}

// AnonymousTag returns the tag used for top-level containers and array members.
func AnonymousTag() Tag {
	return Tag{}
}

// ContextTag returns a context-specific tag.
func ContextTag(n uint8) Tag {
	return Tag{Control: TagContext, Number: uint32(n)}
}

func (t Tag) String() string {
	switch t.Control {
	case TagAnonymous:
		return "anonymous"
	case TagContext:
		return fmt.Sprintf("ctx:%d", t.Number)
	case TagFullyQualified6, TagFullyQualified8:
		return fmt.Sprintf("profile:%#08x:%d", t.Profile, t.Number)
	default:
		return fmt.Sprintf("profile-form-%d:%d", t.Control, t.Number)
	}
}

// Type is the decoded kind of an element.
type Type uint8

// Element types.
const (
	TypeSignedInt Type = iota + 1
	TypeUnsignedInt
	TypeBool
	TypeFloat
	TypeUTF8String
	TypeOctetString
	TypeNull
	TypeStructure
	TypeArray
	TypeList
)

func (t Type) String() string {
	switch t {
	case TypeSignedInt:
		return "signed integer"
	case TypeUnsignedInt:
		return "unsigned integer"
	case TypeBool:
		return "boolean"
	case TypeFloat:
		return "float"
	case TypeUTF8String:
		return "utf-8 string"
	case TypeOctetString:
		return "octet string"
	case TypeNull:
		return "null"
	case TypeStructure:
		return "structure"
	case TypeArray:
		return "array"
	case TypeList:
		return "list"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// IsContainer reports whether elements of this type hold members.
func (t Type) IsContainer() bool {
	return t == TypeStructure || t == TypeArray || t == TypeList
}

// Element is a single decoded TLV element. Integers are kept in num, signed
// values as two's complement bits; booleans are 0 or 1.
type Element struct {
	Tag  Tag
	Type Type

	num   uint64
	f     float64
	data  []byte
	elems []Element
}

// Uint returns the value of an integer element that is not negative.
func (e Element) Uint() (uint64, error) {
	switch e.Type {
	case TypeUnsignedInt:
		return e.num, nil
	case TypeSignedInt:
		if int64(e.num) >= 0 {
			return e.num, nil
		}
		return 0, fmt.Errorf("%w: negative integer %d for tag %s", ErrType, int64(e.num), e.Tag)
	}
	return 0, e.typeError("integer")
}

// Int returns the value of an integer element that fits an int64.
func (e Element) Int() (int64, error) {
	switch e.Type {
	case TypeSignedInt:
		return int64(e.num), nil
	case TypeUnsignedInt:
		if e.num <= 1<<63-1 {
			return int64(e.num), nil
		}
		return 0, fmt.Errorf("%w: integer %d overflows int64 for tag %s", ErrType, e.num, e.Tag)
	}
	return 0, e.typeError("integer")
}

// Bool returns the value of a boolean element.
func (e Element) Bool() (bool, error) {
	if e.Type != TypeBool {
		return false, e.typeError("boolean")
	}
	return e.num == 1, nil
}

// Float returns the value of a floating point element.
func (e Element) Float() (float64, error) {
	if e.Type != TypeFloat {
		return 0, e.typeError("float")
	}
	return e.f, nil
}

// Bytes returns the value of an octet string element.
func (e Element) Bytes() ([]byte, error) {
	if e.Type != TypeOctetString {
		return nil, e.typeError("octet string")
	}
	return e.data, nil
}

// Text returns the value of a UTF-8 string element.
func (e Element) Text() (string, error) {
	if e.Type != TypeUTF8String {
		return "", e.typeError("utf-8 string")
	}
	return string(e.data), nil
}

// Elements returns the members of a container element in encoded order.
func (e Element) Elements() ([]Element, error) {
	if !e.Type.IsContainer() {
		return nil, e.typeError("container")
	}
	return e.elems, nil
}

// Struct returns the members of a structure keyed by tag.
func (e Element) Struct() (Struct, error) {
	if e.Type != TypeStructure {
		return nil, e.typeError("structure")
	}
	s := make(Struct, len(e.elems))
	for _, m := range e.elems {
		if _, dup := s[m.Tag]; dup {
			return nil, fmt.Errorf("%w: duplicate tag %s in structure", ErrMalformed, m.Tag)
		}
		s[m.Tag] = m
	}
	return s, nil
}

func (e Element) typeError(want string) error {
	return fmt.Errorf("%w: tag %s holds %s, want %s", ErrType, e.Tag, e.Type, want)
}

// Struct maps the members of a structure by tag.
type Struct map[Tag]Element

// Context returns the member with the given context-specific tag.
func (s Struct) Context(n uint8) (Element, bool) {
	e, ok := s[ContextTag(n)]
	return e, ok
}
