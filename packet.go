package mdns

import (
	"encoding/binary"
	"fmt"
)

const headerLen = 12

// Smallest encodings: a root name plus type and class for a question, plus
// ttl and rdlength for a record.
const (
	minQuestionLen = 1 + 4
	minRecordLen   = 1 + 10
)

// Header flag bits.
const (
	flagResponse           = 1 << 15
	flagAuthoritative      = 1 << 10
	flagTruncated          = 1 << 9
	flagRecursionDesired   = 1 << 8
	flagRecursionAvailable = 1 << 7
	opCodeShift            = 11
)

// Header is the fixed part of a message.
type Header struct {
	ID                 uint16
	Response           bool
	OpCode             uint8
	Authoritative      bool
	Truncated          bool
	RecursionDesired   bool
	RecursionAvailable bool
	RCode              uint8
}

func (h Header) flags() uint16 {
	f := uint16(h.OpCode&0xF)<<opCodeShift | uint16(h.RCode&0xF)
	if h.Response {
		f |= flagResponse
	}
	if h.Authoritative {
		f |= flagAuthoritative
	}
	if h.Truncated {
		f |= flagTruncated
	}
	if h.RecursionDesired {
		f |= flagRecursionDesired
	}
	if h.RecursionAvailable {
		f |= flagRecursionAvailable
	}
	return f
}

func headerFromFlags(id, f uint16) Header {
	return Header{
		ID:                 id,
		Response:           f&flagResponse != 0,
		OpCode:             uint8(f>>opCodeShift) & 0xF,
		Authoritative:      f&flagAuthoritative != 0,
		Truncated:          f&flagTruncated != 0,
		RecursionDesired:   f&flagRecursionDesired != 0,
		RecursionAvailable: f&flagRecursionAvailable != 0,
		RCode:              uint8(f & 0xF),
	}
}

// Packet is a complete message.
type Packet struct {
	Header
	Questions   RecordList
	Answers     RecordList
	Authorities RecordList
	Additionals RecordList
}

// Parse decodes msg. Any bounds violation or decode failure rejects the
// whole packet with ErrMalformedPacket.
func Parse(msg []byte) (*Packet, error) {
	if len(msg) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrMalformedPacket, len(msg))
	}
	var (
		id     = binary.BigEndian.Uint16(msg[0:])
		flags  = binary.BigEndian.Uint16(msg[2:])
		counts = [4]int{
			int(binary.BigEndian.Uint16(msg[4:])),
			int(binary.BigEndian.Uint16(msg[6:])),
			int(binary.BigEndian.Uint16(msg[8:])),
			int(binary.BigEndian.Uint16(msg[10:])),
		}
	)
	if need := counts[0]*minQuestionLen + (counts[1]+counts[2]+counts[3])*minRecordLen; need > len(msg)-headerLen {
		return nil, fmt.Errorf("%w: section counts need at least %d bytes, have %d", ErrMalformedPacket, need, len(msg)-headerLen)
	}

	p := &Packet{Header: headerFromFlags(id, flags)}
	off := headerLen
	for i := 0; i < counts[0]; i++ {
		q, next, err := parseQuestion(msg, off)
		if err != nil {
			return nil, fmt.Errorf("question %d: %w", i, err)
		}
		p.Questions.Append(q)
		off = next
	}
	sections := []*RecordList{&p.Answers, &p.Authorities, &p.Additionals}
	for s, list := range sections {
		for i := 0; i < counts[s+1]; i++ {
			r, next, err := parseRecord(msg, off)
			if err != nil {
				return nil, fmt.Errorf("section %d record %d: %w", s+1, i, err)
			}
			list.Append(r)
			off = next
		}
	}
	return p, nil
}

func parseQuestion(msg []byte, off int) (*Record, int, error) {
	name, off, err := DecodeName(msg, off)
	if err != nil {
		return nil, 0, err
	}
	if off+4 > len(msg) {
		return nil, 0, fmt.Errorf("%w: truncated question", ErrMalformedPacket)
	}
	class := binary.BigEndian.Uint16(msg[off+2:])
	q := &Record{RecordHeader: RecordHeader{
		Name:    name,
		Type:    Type(binary.BigEndian.Uint16(msg[off:])),
		Class:   Class(class & classMask),
		Unicast: class&classTop != 0,
	}}
	return q, off + 4, nil
}

func parseRecord(msg []byte, off int) (*Record, int, error) {
	name, off, err := DecodeName(msg, off)
	if err != nil {
		return nil, 0, err
	}
	if off+10 > len(msg) {
		return nil, 0, fmt.Errorf("%w: truncated record header", ErrMalformedPacket)
	}
	class := binary.BigEndian.Uint16(msg[off+2:])
	r := &Record{RecordHeader: RecordHeader{
		Name:       name,
		Type:       Type(binary.BigEndian.Uint16(msg[off:])),
		Class:      Class(class & classMask),
		CacheFlush: class&classTop != 0,
		TTL:        binary.BigEndian.Uint32(msg[off+4:]),
	}}
	length := int(binary.BigEndian.Uint16(msg[off+8:]))
	off += 10
	end := off + length
	if end > len(msg) {
		return nil, 0, fmt.Errorf("%w: %s rdata of %d bytes runs past end of packet", ErrMalformedPacket, r.Type, length)
	}
	// Names inside rdata may point back into the packet but must not read
	// beyond the declared payload.
	r.Body, err = parseBody(r.Type, msg[:end], off)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", r.Name, r.Type, err)
	}
	return r, end, nil
}

func parseBody(t Type, msg []byte, off int) (RecordBody, error) {
	end := len(msg)
	switch t {
	case TypeA:
		if end-off != 4 {
			return nil, fmt.Errorf("%w: A rdata is %d bytes", ErrMalformedPacket, end-off)
		}
		r := &AResource{}
		copy(r.A[:], msg[off:end])
		return r, nil
	case TypeAAAA:
		if end-off != 16 {
			return nil, fmt.Errorf("%w: AAAA rdata is %d bytes", ErrMalformedPacket, end-off)
		}
		r := &AAAAResource{}
		copy(r.AAAA[:], msg[off:end])
		return r, nil
	case TypePTR:
		target, _, err := DecodeName(msg, off)
		if err != nil {
			return nil, err
		}
		return NewPTR(target), nil
	case TypeSRV:
		if end-off < 7 {
			return nil, fmt.Errorf("%w: SRV rdata is %d bytes", ErrMalformedPacket, end-off)
		}
		r := &SRVResource{
			Priority: binary.BigEndian.Uint16(msg[off:]),
			Weight:   binary.BigEndian.Uint16(msg[off+2:]),
			Port:     binary.BigEndian.Uint16(msg[off+4:]),
		}
		var err error
		if r.Target, _, err = DecodeName(msg, off+6); err != nil {
			return nil, err
		}
		return r, nil
	case TypeTXT:
		r := &TXTResource{}
		for off < end {
			l := int(msg[off])
			off++
			if off+l > end {
				return nil, fmt.Errorf("%w: TXT string runs past rdata", ErrMalformedPacket)
			}
			r.TXT = append(r.TXT, append([]byte{}, msg[off:off+l]...))
			off += l
		}
		if len(r.TXT) == 0 {
			r.TXT = [][]byte{{}}
		}
		return r, nil
	case TypeNSEC:
		return parseNSEC(msg, off)
	default:
		return &UnknownResource{RRType: t, Data: append([]byte(nil), msg[off:end]...)}, nil
	}
}

func parseNSEC(msg []byte, off int) (*NSECResource, error) {
	end := len(msg)
	next, off, err := DecodeName(msg, off)
	if err != nil {
		return nil, err
	}
	r := &NSECResource{NextName: next}
	for off < end {
		if off+2 > end {
			return nil, fmt.Errorf("%w: truncated NSEC window", ErrMalformedPacket)
		}
		window, length := int(msg[off]), int(msg[off+1])
		off += 2
		if length == 0 || length > 32 || off+length > end {
			return nil, fmt.Errorf("%w: bad NSEC bitmap length %d", ErrMalformedPacket, length)
		}
		for i, b := range msg[off : off+length] {
			for bit := 0; bit < 8; bit++ {
				if b&(0x80>>bit) != 0 {
					r.Types = append(r.Types, Type(window<<8|i<<3|bit))
				}
			}
		}
		off += length
	}
	return r, nil
}

// packer appends a message to buf without ever exceeding limit bytes.
type packer struct {
	buf   []byte
	limit int
	names map[string]int
}

func (p *packer) grow(n int) error {
	if len(p.buf)+n > p.limit {
		return ErrBufferTooSmall
	}
	return nil
}

func (p *packer) uint8(v uint8) error {
	if err := p.grow(1); err != nil {
		return err
	}
	p.buf = append(p.buf, v)
	return nil
}

func (p *packer) uint16(v uint16) error {
	if err := p.grow(2); err != nil {
		return err
	}
	p.buf = binary.BigEndian.AppendUint16(p.buf, v)
	return nil
}

func (p *packer) uint32(v uint32) error {
	if err := p.grow(4); err != nil {
		return err
	}
	p.buf = binary.BigEndian.AppendUint32(p.buf, v)
	return nil
}

func (p *packer) bytes(b []byte) error {
	if err := p.grow(len(b)); err != nil {
		return err
	}
	p.buf = append(p.buf, b...)
	return nil
}

// name writes n, replacing the longest suffix already in the message with
// a pointer when compress is set. Every suffix written literally becomes a
// pointer target for later names.
func (p *packer) name(n Name, compress bool) error {
	if len(n) == 0 {
		n = rootName
	}
	off := 0
	for n[off] != 0 {
		suffix := string(n[off:])
		if ptr, ok := p.names[suffix]; ok && compress {
			return p.uint16(0xC000 | uint16(ptr))
		}
		end := off + 1 + int(n[off])
		if end >= len(n) {
			return fmt.Errorf("mdns: invalid name %q", []byte(n))
		}
		if _, ok := p.names[suffix]; !ok && len(p.buf) < 0x4000 {
			p.names[suffix] = len(p.buf)
		}
		if err := p.bytes(n[off:end]); err != nil {
			return err
		}
		off = end
	}
	return p.uint8(0)
}

func (p *packer) question(q *Record) error {
	if err := p.name(q.Name, true); err != nil {
		return err
	}
	class := uint16(q.Class) & classMask
	if q.Unicast {
		class |= classTop
	}
	if err := p.uint16(uint16(q.Type)); err != nil {
		return err
	}
	return p.uint16(class)
}

func (p *packer) record(r *Record) error {
	if r.Body == nil {
		return fmt.Errorf("mdns: record %s has no data", r.Name)
	}
	if err := p.name(r.Name, true); err != nil {
		return err
	}
	class := uint16(r.Class) & classMask
	if r.CacheFlush {
		class |= classTop
	}
	if err := p.uint16(uint16(r.Type)); err != nil {
		return err
	}
	if err := p.uint16(class); err != nil {
		return err
	}
	if err := p.uint32(r.TTL); err != nil {
		return err
	}
	lengthAt := len(p.buf)
	if err := p.uint16(0); err != nil {
		return err
	}
	if err := r.Body.pack(p); err != nil {
		return err
	}
	length := len(p.buf) - lengthAt - 2
	if length > 0xFFFF {
		return fmt.Errorf("mdns: %s rdata of %d bytes is too long", r.Type, length)
	}
	binary.BigEndian.PutUint16(p.buf[lengthAt:], uint16(length))
	return nil
}

func (r *AResource) pack(p *packer) error { return p.bytes(r.A[:]) }

func (r *AAAAResource) pack(p *packer) error { return p.bytes(r.AAAA[:]) }

func (r *PTRResource) pack(p *packer) error { return p.name(r.Target(), true) }

func (r *SRVResource) pack(p *packer) error {
	for _, v := range []uint16{r.Priority, r.Weight, r.Port} {
		if err := p.uint16(v); err != nil {
			return err
		}
	}
	return p.name(r.Target, true)
}

func (r *TXTResource) pack(p *packer) error {
	for _, t := range r.TXT {
		if len(t) > 255 {
			return fmt.Errorf("mdns: TXT string of %d bytes is too long", len(t))
		}
		if err := p.uint8(uint8(len(t))); err != nil {
			return err
		}
		if err := p.bytes(t); err != nil {
			return err
		}
	}
	return nil
}

func (r *NSECResource) pack(p *packer) error {
	if err := p.name(r.NextName, false); err != nil {
		return err
	}
	types := sortedTypes(r.Types)
	for len(types) > 0 {
		window := types[0] >> 8
		var bitmap [32]byte
		length := 0
		for len(types) > 0 && types[0]>>8 == window {
			t := types[0] & 0xFF
			bitmap[t>>3] |= 0x80 >> (t & 7)
			length = int(t>>3) + 1
			types = types[1:]
		}
		if err := p.uint8(uint8(window)); err != nil {
			return err
		}
		if err := p.uint8(uint8(length)); err != nil {
			return err
		}
		if err := p.bytes(bitmap[:length]); err != nil {
			return err
		}
	}
	return nil
}

func (r *UnknownResource) pack(p *packer) error { return p.bytes(r.Data) }

// Encode writes p into dst and returns the number of bytes written. When
// the packet does not fit, it returns ErrBufferTooSmall and leaves dst
// untouched.
func (p *Packet) Encode(dst []byte) (int, error) {
	sizeHint := len(dst)
	if sizeHint > 512 {
		sizeHint = 512
	}
	pk := &packer{
		buf:   make([]byte, 0, sizeHint),
		limit: len(dst),
		names: make(map[string]int),
	}
	if err := p.pack(pk); err != nil {
		return 0, err
	}
	return copy(dst, pk.buf), nil
}

// Pack encodes p into a new slice of at most maxPacketSize bytes.
func (p *Packet) Pack() ([]byte, error) {
	buf := make([]byte, maxPacketSize)
	n, err := p.Encode(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *Packet) pack(pk *packer) error {
	for _, v := range []uint16{
		p.ID,
		p.flags(),
		uint16(p.Questions.Len()),
		uint16(p.Answers.Len()),
		uint16(p.Authorities.Len()),
		uint16(p.Additionals.Len()),
	} {
		if err := pk.uint16(v); err != nil {
			return err
		}
	}
	for _, q := range p.Questions.Records() {
		if err := pk.question(q); err != nil {
			return err
		}
	}
	for _, list := range []*RecordList{&p.Answers, &p.Authorities, &p.Additionals} {
		for _, r := range list.Records() {
			if err := pk.record(r); err != nil {
				return err
			}
		}
	}
	return nil
}

// Records returns answers, authorities and additionals in wire order.
func (p *Packet) Records() []*Record {
	out := make([]*Record, 0, p.Answers.Len()+p.Authorities.Len()+p.Additionals.Len())
	out = append(out, p.Answers.Records()...)
	out = append(out, p.Authorities.Records()...)
	return append(out, p.Additionals.Records()...)
}

// String summarizes the packet for logging.
func (p *Packet) String() string {
	kind := "query"
	if p.Response {
		kind = "response"
	}
	return fmt.Sprintf("%s id=%d qd=%d an=%d ns=%d ar=%d", kind, p.ID,
		p.Questions.Len(), p.Answers.Len(), p.Authorities.Len(), p.Additionals.Len())
}
