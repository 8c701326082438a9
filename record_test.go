package mdns

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordDefaults(t *testing.T) {
	a := NewRecord(MustEncodeName("alpha.local"), addressBody(net.ParseIP("10.0.0.1")))
	assert.Equal(t, TypeA, a.Type)
	assert.Equal(t, ClassINET, a.Class)
	assert.EqualValues(t, 120, a.TTL)
	assert.True(t, a.CacheFlush)

	ptr := NewRecord(MustEncodeName("_ipp._tcp.local"), NewPTR(MustEncodeName("x._ipp._tcp.local")))
	assert.False(t, ptr.CacheFlush)

	q := NewQuestion(MustEncodeName("alpha.local"), TypeANY)
	assert.Nil(t, q.Body)
	assert.Equal(t, "alpha.local ANY", q.String())
}

func TestAddressBody(t *testing.T) {
	v4, ok := addressBody(net.ParseIP("192.168.1.2")).(*AResource)
	require.True(t, ok)
	assert.Equal(t, [4]byte{192, 168, 1, 2}, v4.A)

	v6, ok := addressBody(net.ParseIP("fe80::1")).(*AAAAResource)
	require.True(t, ok)
	assert.Equal(t, byte(0xfe), v6.AAAA[0])
	assert.Equal(t, byte(1), v6.AAAA[15])

	assert.Nil(t, addressBody(net.IP{1, 2, 3}))
}

func TestPTRReferenceFollowsRename(t *testing.T) {
	srv := NewRecord(MustEncodeName("Printer._ipp._tcp.local"), &SRVResource{Port: 631, Target: MustEncodeName("alpha.local")})
	ptr := NewRecord(MustEncodeName("_ipp._tcp.local"), NewPTRRef(srv))
	assert.Equal(t, "Printer._ipp._tcp.local", ptr.Body.(*PTRResource).Target().String())

	srv.Name = MustEncodeName("Printer (2)._ipp._tcp.local")
	assert.Equal(t, "Printer (2)._ipp._tcp.local", ptr.Body.(*PTRResource).Target().String())

	// A clone owns the resolved name and no longer tracks the sibling.
	c := ptr.Clone()
	srv.Name = MustEncodeName("Other._ipp._tcp.local")
	assert.Equal(t, "Printer (2)._ipp._tcp.local", c.Body.(*PTRResource).Target().String())
	assert.Nil(t, c.Body.(*PTRResource).ref)
}

func TestCloneIsDeep(t *testing.T) {
	r := NewRecord(MustEncodeName("x.local"), NewTXT("a=1", "b=2"))
	c := r.Clone()
	require.True(t, c.SameData(r))

	c.Name[1] = 'y'
	c.Body.(*TXTResource).TXT[0][0] = 'z'
	assert.Equal(t, "x.local", r.Name.String())
	assert.Equal(t, []byte("a=1"), r.Body.(*TXTResource).TXT[0])
}

func TestSameData(t *testing.T) {
	name := MustEncodeName("x.local")
	a := NewRecord(name, NewTXT("a"))
	b := NewRecord(name.Clone(), NewTXT("a"))
	b.TTL = 5
	b.CacheFlush = false
	assert.True(t, a.SameData(b))

	assert.False(t, a.SameData(NewRecord(name, NewTXT("b"))))
	assert.False(t, a.SameData(NewRecord(MustEncodeName("y.local"), NewTXT("a"))))

	n1 := NewRecord(name, &NSECResource{NextName: name, Types: []Type{TypeTXT, TypeSRV}})
	n2 := NewRecord(name, &NSECResource{NextName: name, Types: []Type{TypeSRV, TypeTXT}})
	assert.True(t, n1.SameData(n2))
}

func TestNewTXTEmpty(t *testing.T) {
	assert.Equal(t, [][]byte{{}}, NewTXT().TXT)
}

func TestTypeUnique(t *testing.T) {
	for _, typ := range []Type{TypeA, TypeAAAA, TypeSRV, TypeTXT, TypeNSEC} {
		assert.True(t, typ.unique(), typ.String())
	}
	assert.False(t, TypePTR.unique())
}
