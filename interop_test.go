package mdns

import (
	"net"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func largeTestMsg() dnsmessage.Message {
	name := dnsmessage.MustNewName("foo.bar.example.com.")
	return dnsmessage.Message{
		Header: dnsmessage.Header{Response: true, Authoritative: true},
		Questions: []dnsmessage.Question{
			{
				Name:  name,
				Type:  dnsmessage.TypeA,
				Class: dnsmessage.ClassINET,
			},
		},
		Answers: []dnsmessage.Resource{
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET},
				Body:   &dnsmessage.AResource{A: [4]byte{127, 0, 0, 1}},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET},
				Body:   &dnsmessage.AResource{A: [4]byte{127, 0, 0, 2}},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeAAAA, Class: dnsmessage.ClassINET},
				Body:   &dnsmessage.AAAAResource{AAAA: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeCNAME, Class: dnsmessage.ClassINET},
				Body:   &dnsmessage.CNAMEResource{CNAME: dnsmessage.MustNewName("alias.example.com.")},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeSOA, Class: dnsmessage.ClassINET},
				Body: &dnsmessage.SOAResource{
					NS:      dnsmessage.MustNewName("ns1.example.com."),
					MBox:    dnsmessage.MustNewName("mb.example.com."),
					Serial:  1,
					Refresh: 2,
					Retry:   3,
					Expire:  4,
					MinTTL:  5,
				},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypePTR, Class: dnsmessage.ClassINET},
				Body:   &dnsmessage.PTRResource{PTR: dnsmessage.MustNewName("ptr.example.com.")},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeMX, Class: dnsmessage.ClassINET},
				Body:   &dnsmessage.MXResource{Pref: 7, MX: dnsmessage.MustNewName("mx.example.com.")},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeSRV, Class: dnsmessage.ClassINET},
				Body: &dnsmessage.SRVResource{
					Priority: 8,
					Weight:   9,
					Port:     11,
					Target:   dnsmessage.MustNewName("srv.example.com."),
				},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeALL, Class: dnsmessage.ClassINET},
				Body: &dnsmessage.UnknownResource{
					Type: dnsmessage.TypeALL,
					Data: []byte{42, 0, 43, 44},
				},
			},
		},
		Authorities: []dnsmessage.Resource{
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeNS, Class: dnsmessage.ClassINET},
				Body:   &dnsmessage.NSResource{NS: dnsmessage.MustNewName("ns1.example.com.")},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeNS, Class: dnsmessage.ClassINET},
				Body:   &dnsmessage.NSResource{NS: dnsmessage.MustNewName("ns2.example.com.")},
			},
		},
		Additionals: []dnsmessage.Resource{
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeTXT, Class: dnsmessage.ClassINET},
				Body:   &dnsmessage.TXTResource{TXT: []string{"So Long, and Thanks for All the Fish"}},
			},
			{
				Header: dnsmessage.ResourceHeader{Name: name, Type: dnsmessage.TypeTXT, Class: dnsmessage.ClassINET},
				Body:   &dnsmessage.TXTResource{TXT: []string{"Hamster Huey and the Gooey Kablooie"}},
			},
			{
				Header: mustEDNS0ResourceHeader(4096, 0xfe0|dnsmessage.RCodeSuccess, false),
				Body: &dnsmessage.OPTResource{
					Options: []dnsmessage.Option{
						{
							Code: 10, // see RFC 7873
							Data: []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef},
						},
					},
				},
			},
		},
	}
}

func mustEDNS0ResourceHeader(l int, extrc dnsmessage.RCode, do bool) dnsmessage.ResourceHeader {
	h := dnsmessage.ResourceHeader{Class: dnsmessage.ClassINET}
	if err := h.SetEDNS0(l, extrc, do); err != nil {
		panic(err)
	}
	return h
}

func TestParseDNSMessage(t *testing.T) {
	msg := largeTestMsg()
	data, err := msg.Pack()
	if err != nil {
		t.Fatal("Message.Pack() =", err)
	}

	p, err := Parse(data)
	require.NoError(t, err)
	assert.True(t, p.Response)
	assert.True(t, p.Authoritative)
	require.Equal(t, 1, p.Questions.Len())
	require.Equal(t, 9, p.Answers.Len())
	require.Equal(t, 2, p.Authorities.Len())
	require.Equal(t, 3, p.Additionals.Len())

	answers := p.Answers.Records()
	assert.Equal(t, "foo.bar.example.com", answers[0].Name.String())
	assert.Equal(t, [4]byte{127, 0, 0, 1}, answers[0].Body.(*AResource).A)
	assert.Equal(t, [4]byte{127, 0, 0, 2}, answers[1].Body.(*AResource).A)
	assert.Equal(t, byte(16), answers[2].Body.(*AAAAResource).AAAA[15])
	assert.Equal(t, Type(dnsmessage.TypeCNAME), answers[3].Body.(*UnknownResource).RRType)
	assert.Equal(t, "ptr.example.com", answers[5].Body.(*PTRResource).Target().String())
	assert.Equal(t, &SRVResource{Priority: 8, Weight: 9, Port: 11, Target: MustEncodeName("srv.example.com")}, answers[7].Body)
	assert.Equal(t, []byte{42, 0, 43, 44}, answers[8].Body.(*UnknownResource).Data)

	additionals := p.Additionals.Records()
	assert.Equal(t, [][]byte{[]byte("So Long, and Thanks for All the Fish")}, additionals[0].Body.(*TXTResource).TXT)
	assert.True(t, additionals[2].Name.IsRoot())
	assert.Equal(t, Type(dnsmessage.TypeOPT), additionals[2].Type)
}

func TestEncodeReadableByDNSMessage(t *testing.T) {
	data, err := servicePacket().Pack()
	require.NoError(t, err)

	var m dnsmessage.Message
	require.NoError(t, m.Unpack(data))
	require.Len(t, m.Answers, 1)
	require.Len(t, m.Additionals, 5)
	assert.True(t, m.Header.Response)
	assert.Equal(t, "Printer._ipp._tcp.local.", m.Answers[0].Body.(*dnsmessage.PTRResource).PTR.String())

	srv := m.Additionals[0].Body.(*dnsmessage.SRVResource)
	assert.Equal(t, uint16(631), srv.Port)
	assert.Equal(t, "alpha.local.", srv.Target.String())
	// Cache-flush travels in the top bit of the class.
	assert.Equal(t, dnsmessage.Class(0x8001), m.Additionals[0].Header.Class)
	assert.Equal(t, []string{"rp=queue", "pdl=application/pdf"}, m.Additionals[1].Body.(*dnsmessage.TXTResource).TXT)
}

func TestEncodeReadableByMiekg(t *testing.T) {
	p := servicePacket()
	q := NewQuestion(MustEncodeName("_ipp._tcp.local"), TypePTR)
	q.Unicast = true
	p.Questions.Append(q)
	data, err := p.Pack()
	require.NoError(t, err)

	m := new(dns.Msg)
	require.NoError(t, m.Unpack(data))
	require.Len(t, m.Question, 1)
	assert.Equal(t, uint16(0x8001), m.Question[0].Qclass)

	require.Len(t, m.Answer, 1)
	assert.Equal(t, "Printer._ipp._tcp.local.", m.Answer[0].(*dns.PTR).Ptr)

	require.Len(t, m.Extra, 5)
	srv := m.Extra[0].(*dns.SRV)
	assert.Equal(t, "alpha.local.", srv.Target)
	assert.Equal(t, uint16(631), srv.Port)
	assert.Equal(t, uint16(10), srv.Priority)
	assert.Equal(t, []string{"rp=queue", "pdl=application/pdf"}, m.Extra[1].(*dns.TXT).Txt)
	assert.True(t, m.Extra[2].(*dns.A).A.Equal(net.ParseIP("10.0.0.1")))
	assert.True(t, m.Extra[3].(*dns.AAAA).AAAA.Equal(net.ParseIP("fe80::1")))
	nsec := m.Extra[4].(*dns.NSEC)
	assert.Equal(t, "alpha.local.", nsec.NextDomain)
	assert.Equal(t, []uint16{dns.TypeA, dns.TypeAAAA}, nsec.TypeBitMap)
}

func TestParseMiekgResponse(t *testing.T) {
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	m.Compress = true
	hdr := func(name string, t uint16) dns.RR_Header {
		return dns.RR_Header{Name: name, Rrtype: t, Class: dns.ClassINET, Ttl: 4500}
	}
	m.Answer = []dns.RR{
		&dns.PTR{Hdr: hdr("_http._tcp.local.", dns.TypePTR), Ptr: "web._http._tcp.local."},
	}
	m.Extra = []dns.RR{
		&dns.SRV{Hdr: hdr("web._http._tcp.local.", dns.TypeSRV), Port: 80, Target: "beta.local."},
		&dns.TXT{Hdr: hdr("web._http._tcp.local.", dns.TypeTXT), Txt: []string{"path=/"}},
		&dns.AAAA{Hdr: hdr("beta.local.", dns.TypeAAAA), AAAA: net.ParseIP("fe80::2")},
	}
	data, err := m.Pack()
	require.NoError(t, err)

	p, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, 1, p.Answers.Len())
	require.Equal(t, 3, p.Additionals.Len())
	ptr := p.Answers.Records()[0]
	assert.EqualValues(t, 4500, ptr.TTL)
	assert.Equal(t, "web._http._tcp.local", ptr.Body.(*PTRResource).Target().String())

	service := MustEncodeName("_http._tcp.local")
	c := NewCache(clock.NewMock())
	c.SetMode(ModeDiscoveringService, service)
	assert.Equal(t, 4, c.Update(p.Records()))

	entries := servicesFromCache(c, service)
	require.Len(t, entries, 1)
	assert.Equal(t, "web", entries[0].Instance)
	assert.Equal(t, 80, entries[0].Port)
	assert.True(t, entries[0].AddrV6.Equal(net.ParseIP("fe80::2")))
	assert.Nil(t, entries[0].AddrV4)
	assert.Equal(t, []string{"path=/"}, entries[0].Text)
}
