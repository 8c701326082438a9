package mdns

import (
	"bytes"
	"fmt"
	"strings"
)

const (
	maxLabelLen = 63
	maxNameLen  = 255

	// maxPointerHops caps how many compression pointers one name may follow.
	// Legitimate names need a handful; anything more is a loop.
	maxPointerHops = 16
)

// Name is a domain name in uncompressed wire form: length-prefixed labels
// followed by the zero-length root label.
//
// Names compare byte for byte, so "Foo.local" and "foo.local" differ.
type Name []byte

// rootName is the name consisting only of the root label.
var rootName = Name{0}

// EncodeName converts a dotted name such as "foo.local" or "foo.local." to
// wire form.
func EncodeName(s string) (Name, error) {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return rootName.Clone(), nil
	}
	return nameFromLabels(strings.Split(s, ".")...)
}

// MustEncodeName is like EncodeName but panics on error. It is intended for
// constant names.
func MustEncodeName(s string) Name {
	n, err := EncodeName(s)
	if err != nil {
		panic(err)
	}
	return n
}

// nameFromLabels builds a name from individual labels, which may contain
// dots or spaces (service instance names do).
func nameFromLabels(labels ...string) (Name, error) {
	size := 1
	for _, l := range labels {
		size += len(l) + 1
	}
	n := make(Name, 0, size)
	for _, l := range labels {
		switch {
		case l == "":
			return nil, fmt.Errorf("mdns: empty label in name %q", strings.Join(labels, "."))
		case len(l) > maxLabelLen:
			return nil, fmt.Errorf("%w: label %q is %d bytes", ErrNameTooLong, l, len(l))
		}
		n = append(n, byte(len(l)))
		n = append(n, l...)
	}
	n = append(n, 0)
	if len(n) > maxNameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(n))
	}
	return n, nil
}

// DecodeName reads the possibly compressed name starting at msg[off]. It
// returns the name and the offset just past it in msg (past the first
// pointer when the name is compressed).
//
// Every read is checked against len(msg) and at most maxPointerHops
// pointers are followed, so crafted input cannot overrun or loop.
func DecodeName(msg []byte, off int) (Name, int, error) {
	var (
		name = make(Name, 0, 32)
		next = -1
		hops int
	)
	for {
		if off < 0 || off >= len(msg) {
			return nil, 0, fmt.Errorf("%w: name runs past end of packet", ErrMalformedPacket)
		}
		c := int(msg[off])
		switch c & 0xC0 {
		case 0x00:
			if c == 0 {
				name = append(name, 0)
				if next < 0 {
					next = off + 1
				}
				return name, next, nil
			}
			end := off + 1 + c
			if end > len(msg) {
				return nil, 0, fmt.Errorf("%w: label runs past end of packet", ErrMalformedPacket)
			}
			if len(name)+c+2 > maxNameLen {
				return nil, 0, fmt.Errorf("%w: %v", ErrMalformedPacket, ErrNameTooLong)
			}
			name = append(name, msg[off:end]...)
			off = end
		case 0xC0:
			if off+1 >= len(msg) {
				return nil, 0, fmt.Errorf("%w: truncated compression pointer", ErrMalformedPacket)
			}
			if hops++; hops > maxPointerHops {
				return nil, 0, fmt.Errorf("%w: too many compression pointers", ErrMalformedPacket)
			}
			if next < 0 {
				next = off + 2
			}
			off = (c&0x3F)<<8 | int(msg[off+1])
		default:
			return nil, 0, fmt.Errorf("%w: reserved label type 0x%02x", ErrMalformedPacket, c&0xC0)
		}
	}
}

// Equal reports whether n and o are byte-identical.
func (n Name) Equal(o Name) bool {
	return bytes.Equal(n, o)
}

// Clone returns a copy of n that shares no memory with it.
func (n Name) Clone() Name {
	if n == nil {
		return nil
	}
	return append(Name(nil), n...)
}

// IsRoot reports whether n is empty or only the root label.
func (n Name) IsRoot() bool {
	return len(n) == 0 || (len(n) == 1 && n[0] == 0)
}

// Labels returns the labels of n.
func (n Name) Labels() []string {
	var labels []string
	for off := 0; off < len(n) && n[off] != 0; off += int(n[off]) + 1 {
		end := off + 1 + int(n[off])
		if end > len(n) {
			break
		}
		labels = append(labels, string(n[off+1:end]))
	}
	return labels
}

// HasSuffix reports whether suffix equals n or a label-aligned tail of n.
func (n Name) HasSuffix(suffix Name) bool {
	for off := 0; off < len(n); off += int(n[off]) + 1 {
		if bytes.Equal(n[off:], suffix) {
			return true
		}
		if n[off] == 0 {
			break
		}
	}
	return false
}

// String returns the dotted form of n without a trailing dot.
func (n Name) String() string {
	return strings.Join(n.Labels(), ".")
}

// JoinNames returns the concatenation of a and b: the labels of a followed
// by those of b.
func JoinNames(a, b Name) (Name, error) {
	return nameFromLabels(append(a.Labels(), b.Labels()...)...)
}
