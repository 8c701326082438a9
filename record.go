package mdns

import (
	"bytes"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

// Type is a resource record type.
type Type uint16

// Record types understood by the engine.
const (
	TypeA    Type = 1
	TypePTR  Type = 12
	TypeTXT  Type = 16
	TypeAAAA Type = 28
	TypeSRV  Type = 33
	TypeNSEC Type = 47
	TypeANY  Type = 255
)

var typeNames = map[Type]string{
	TypeA:    "A",
	TypePTR:  "PTR",
	TypeTXT:  "TXT",
	TypeAAAA: "AAAA",
	TypeSRV:  "SRV",
	TypeNSEC: "NSEC",
	TypeANY:  "ANY",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", uint16(t))
}

// unique reports whether records of type t have a single owner on the
// link, which is what the cache-flush bit announces.
func (t Type) unique() bool {
	switch t {
	case TypeA, TypeAAAA, TypeSRV, TypeTXT, TypeNSEC:
		return true
	}
	return false
}

// Class is a resource record class.
type Class uint16

// ClassINET is the Internet class.
const ClassINET Class = 1

// classMask strips the cache-flush / unicast-response bit.
const (
	classMask = 0x7FFF
	classTop  = 0x8000
)

// RecordHeader is the metadata shared by every record.
type RecordHeader struct {
	Name  Name
	Type  Type
	Class Class
	TTL   uint32

	// CacheFlush is only meaningful in answer sections.
	CacheFlush bool
	// Unicast is only meaningful in questions: the querier accepts a
	// unicast reply.
	Unicast bool
}

// Record is a question (nil Body) or a resource record.
type Record struct {
	RecordHeader
	Body RecordBody

	updated time.Time
}

// RecordBody is the type-specific payload of a record.
type RecordBody interface {
	// Type is the record type the body belongs to.
	Type() Type
	String() string

	pack(p *packer) error
	clone() RecordBody
	equal(o RecordBody) bool
}

// NewRecord returns an authoritative record for name with the default ttl,
// class IN and the cache-flush bit set for unique types.
func NewRecord(name Name, body RecordBody) *Record {
	t := body.Type()
	return &Record{
		RecordHeader: RecordHeader{
			Name:       name,
			Type:       t,
			Class:      ClassINET,
			TTL:        defaultTTL,
			CacheFlush: t.unique(),
		},
		Body: body,
	}
}

// NewQuestion returns a question for name and t.
func NewQuestion(name Name, t Type) *Record {
	return &Record{
		RecordHeader: RecordHeader{
			Name:  name,
			Type:  t,
			Class: ClassINET,
		},
	}
}

// Clone returns a deep copy of r. PTR records that reference a sibling
// record come back owning a copy of the resolved target name.
func (r *Record) Clone() *Record {
	c := *r
	c.Name = r.Name.Clone()
	if r.Body != nil {
		c.Body = r.Body.clone()
	}
	return &c
}

// SameData reports whether r and o carry the same name, type, class and
// payload. TTL and flags are ignored.
func (r *Record) SameData(o *Record) bool {
	if r.Type != o.Type || r.Class != o.Class || !r.Name.Equal(o.Name) {
		return false
	}
	if r.Body == nil || o.Body == nil {
		return r.Body == nil && o.Body == nil
	}
	return r.Body.equal(o.Body)
}

// Updated returns when r was last stored in a cache.
func (r *Record) Updated() time.Time {
	return r.updated
}

func (r *Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", r.Name, r.Type)
	if r.Body == nil {
		if r.Unicast {
			b.WriteString(" QU")
		}
		return b.String()
	}
	fmt.Fprintf(&b, " ttl=%d", r.TTL)
	if r.CacheFlush {
		b.WriteString(" flush")
	}
	b.WriteString(" ")
	b.WriteString(r.Body.String())
	return b.String()
}

// AResource is an IPv4 address.
type AResource struct {
	A [4]byte
}

func (r *AResource) Type() Type { return TypeA }

func (r *AResource) String() string { return net.IP(r.A[:]).String() }

func (r *AResource) clone() RecordBody {
	c := *r
	return &c
}

func (r *AResource) equal(o RecordBody) bool {
	x, ok := o.(*AResource)
	return ok && x.A == r.A
}

// AAAAResource is an IPv6 address.
type AAAAResource struct {
	AAAA [16]byte
}

func (r *AAAAResource) Type() Type { return TypeAAAA }

func (r *AAAAResource) String() string { return net.IP(r.AAAA[:]).String() }

func (r *AAAAResource) clone() RecordBody {
	c := *r
	return &c
}

func (r *AAAAResource) equal(o RecordBody) bool {
	x, ok := o.(*AAAAResource)
	return ok && x.AAAA == r.AAAA
}

// addressBody returns the A or AAAA body for ip, or nil for an invalid IP.
func addressBody(ip net.IP) RecordBody {
	if ip4 := ip.To4(); ip4 != nil {
		r := &AResource{}
		copy(r.A[:], ip4)
		return r
	}
	if ip16 := ip.To16(); ip16 != nil {
		r := &AAAAResource{}
		copy(r.AAAA[:], ip16)
		return r
	}
	return nil
}

// PTRResource points at another name. The target is either a name the
// record owns or a sibling record whose name is the target; Target resolves
// both.
type PTRResource struct {
	name Name
	ref  *Record
}

// NewPTR returns a PTR body owning target.
func NewPTR(target Name) *PTRResource {
	return &PTRResource{name: target}
}

// NewPTRRef returns a PTR body whose target is always the current name of
// rec. rec is not owned.
func NewPTRRef(rec *Record) *PTRResource {
	return &PTRResource{ref: rec}
}

// Target returns the name the pointer refers to.
func (r *PTRResource) Target() Name {
	if r.ref != nil {
		return r.ref.Name
	}
	return r.name
}

func (r *PTRResource) Type() Type { return TypePTR }

func (r *PTRResource) String() string { return r.Target().String() }

func (r *PTRResource) clone() RecordBody {
	return NewPTR(r.Target().Clone())
}

func (r *PTRResource) equal(o RecordBody) bool {
	x, ok := o.(*PTRResource)
	return ok && x.Target().Equal(r.Target())
}

// SRVResource locates a service instance.
type SRVResource struct {
	Priority uint16
	Weight   uint16
	Port     uint16
	Target   Name
}

func (r *SRVResource) Type() Type { return TypeSRV }

func (r *SRVResource) String() string {
	return fmt.Sprintf("%d %d %d %s", r.Priority, r.Weight, r.Port, r.Target)
}

func (r *SRVResource) clone() RecordBody {
	c := *r
	c.Target = r.Target.Clone()
	return &c
}

func (r *SRVResource) equal(o RecordBody) bool {
	x, ok := o.(*SRVResource)
	return ok && x.Priority == r.Priority && x.Weight == r.Weight &&
		x.Port == r.Port && x.Target.Equal(r.Target)
}

// TXTResource holds a non-empty ordered sequence of opaque strings, each at
// most 255 bytes.
type TXTResource struct {
	TXT [][]byte
}

// NewTXT returns a TXT body for entries. No entries yields the single empty
// string DNS-SD requires.
func NewTXT(entries ...string) *TXTResource {
	r := &TXTResource{}
	for _, e := range entries {
		r.TXT = append(r.TXT, []byte(e))
	}
	if len(r.TXT) == 0 {
		r.TXT = [][]byte{{}}
	}
	return r
}

func (r *TXTResource) Type() Type { return TypeTXT }

func (r *TXTResource) String() string {
	parts := make([]string, len(r.TXT))
	for i, t := range r.TXT {
		parts[i] = fmt.Sprintf("%q", t)
	}
	return strings.Join(parts, " ")
}

func (r *TXTResource) clone() RecordBody {
	c := &TXTResource{TXT: make([][]byte, len(r.TXT))}
	for i, t := range r.TXT {
		c.TXT[i] = append([]byte{}, t...)
	}
	return c
}

func (r *TXTResource) equal(o RecordBody) bool {
	x, ok := o.(*TXTResource)
	if !ok || len(x.TXT) != len(r.TXT) {
		return false
	}
	for i := range r.TXT {
		if !bytes.Equal(x.TXT[i], r.TXT[i]) {
			return false
		}
	}
	return true
}

// NSECResource asserts which types exist for a name; everything else does
// not. Only the first type window (types below 256) is carried.
type NSECResource struct {
	NextName Name
	Types    []Type
}

func (r *NSECResource) Type() Type { return TypeNSEC }

func (r *NSECResource) String() string {
	parts := make([]string, len(r.Types))
	for i, t := range r.Types {
		parts[i] = t.String()
	}
	return r.NextName.String() + " " + strings.Join(parts, " ")
}

func (r *NSECResource) clone() RecordBody {
	return &NSECResource{
		NextName: r.NextName.Clone(),
		Types:    append([]Type(nil), r.Types...),
	}
}

func (r *NSECResource) equal(o RecordBody) bool {
	x, ok := o.(*NSECResource)
	if !ok || !x.NextName.Equal(r.NextName) || len(x.Types) != len(r.Types) {
		return false
	}
	a, b := sortedTypes(r.Types), sortedTypes(x.Types)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedTypes(ts []Type) []Type {
	s := append([]Type(nil), ts...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	return s
}

// UnknownResource keeps the raw payload of record types the engine does not
// interpret. Compressed names inside it are not rewritten.
type UnknownResource struct {
	RRType Type
	Data   []byte
}

func (r *UnknownResource) Type() Type { return r.RRType }

func (r *UnknownResource) String() string { return fmt.Sprintf("\\# %d %x", len(r.Data), r.Data) }

func (r *UnknownResource) clone() RecordBody {
	return &UnknownResource{RRType: r.RRType, Data: append([]byte(nil), r.Data...)}
}

func (r *UnknownResource) equal(o RecordBody) bool {
	x, ok := o.(*UnknownResource)
	return ok && x.RRType == r.RRType && bytes.Equal(x.Data, r.Data)
}
