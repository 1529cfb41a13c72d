package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// typeCodes maps leaf-list type codes onto element types.
var typeCodes = map[byte]ElementType{
	'B': Int8,
	'b': UInt8,
	'S': Int16,
	's': UInt16,
	'I': Int32,
	'i': UInt32,
	'L': Int64,
	'l': UInt64,
	'F': Float32,
	'D': Float64,
}

// TypeCode returns the leaf-list code of a primitive element type.
func (t ElementType) TypeCode() (byte, bool) {
	for code, et := range typeCodes {
		if et == t {
			return code, true
		}
	}
	return 0, false
}

// ParseLeafList parses a compact descriptor such as "x[3]/s" or
// "a/I:b/I" into a field called name.
//
// A single leaf yields a primitive field; several leaves yield a struct
// whose members are the leaves. A leaf without a type code is a float32.
// "[N]" declares a fixed array, "[other]" a variable array whose length
// comes from another leaf, and repeated dimensions are flattened.
func ParseLeafList(name, desc string) (Field, error) {
	if desc == "" {
		return Field{}, fmt.Errorf("%w: empty leaf list for %q", ErrInvalidField, name)
	}
	leaves := strings.Split(desc, ":")
	members := make([]Field, 0, len(leaves))
	for _, leaf := range leaves {
		m, err := parseLeaf(leaf)
		if err != nil {
			return Field{}, fmt.Errorf("leaf list %q: %w", desc, err)
		}
		members = append(members, m)
	}

	var f Field
	if len(members) == 1 {
		f = members[0]
		f.Name = name
	} else {
		f = NewField(name, Struct, Scalar(), members...)
	}
	f.LeafList = desc
	f = f.normalize()
	if err := f.validate(); err != nil {
		return Field{}, err
	}
	return f, nil
}

func parseLeaf(leaf string) (Field, error) {
	spec, code, hasCode := strings.Cut(leaf, "/")
	t := Float32
	if hasCode {
		if len(code) != 1 {
			return Field{}, fmt.Errorf("%w: bad type code %q", ErrInvalidField, code)
		}
		et, ok := typeCodes[code[0]]
		if !ok {
			return Field{}, fmt.Errorf("%w: unknown type code %q", ErrInvalidField, code)
		}
		t = et
	}

	name := spec
	card := Scalar()
	if i := strings.IndexByte(spec, '['); i >= 0 {
		name = spec[:i]
		dims := spec[i:]
		n := 1
		for dims != "" {
			if dims[0] != '[' {
				return Field{}, fmt.Errorf("%w: bad dimensions in %q", ErrInvalidField, spec)
			}
			end := strings.IndexByte(dims, ']')
			if end < 0 {
				return Field{}, fmt.Errorf("%w: unterminated dimension in %q", ErrInvalidField, spec)
			}
			dim := dims[1:end]
			dims = dims[end+1:]
			size, err := strconv.Atoi(dim)
			if err != nil {
				// A named dimension refers to a counter leaf.
				card = Variable()
				continue
			}
			if size < 1 {
				return Field{}, fmt.Errorf("%w: dimension %d in %q", ErrInvalidField, size, spec)
			}
			n *= size
		}
		if card.Kind != KindVariable {
			card = FixedArray(n)
		}
	}
	return NewField(name, t, card), nil
}
