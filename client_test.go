package mdns

import (
	"net"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualify(t *testing.T) {
	c := &Conn{config: Config{Domain: "local"}}
	for in, want := range map[string]string{
		"alpha":            "alpha.local",
		"alpha.local":      "alpha.local",
		"alpha.local.":     "alpha.local",
		"_ipp._tcp":        "_ipp._tcp.local",
		"_ipp._tcp.local.": "_ipp._tcp.local",
	} {
		n, err := c.qualify(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, n.String(), in)
	}
	_, err := c.qualify(".")
	assert.Error(t, err)
}

func TestServiceEntry(t *testing.T) {
	e := &ServiceEntry{Instance: "Printer", Port: 631}
	assert.False(t, e.complete())
	assert.Nil(t, e.Addr())

	e.AddrV6 = net.ParseIP("fe80::1")
	assert.True(t, e.complete())
	assert.Equal(t, e.AddrV6, e.Addr())

	e.AddrV4 = net.ParseIP("10.0.0.1")
	assert.Equal(t, e.AddrV4, e.Addr())
	assert.Equal(t, "Instance:Printer,AddrV4:10.0.0.1,AddrV6:fe80::1,Port:631", e.String())
}

func TestAddressFromCachePrefersIPv4(t *testing.T) {
	c := NewCache(clock.NewMock())
	host := MustEncodeName("alpha.local")
	c.Update([]*Record{addressRecord("alpha.local", "fe80::1")})
	assert.True(t, addressFromCache(c, host).Equal(net.ParseIP("fe80::1")))

	c.Update([]*Record{addressRecord("alpha.local", "10.0.0.1")})
	assert.True(t, addressFromCache(c, host).Equal(net.ParseIP("10.0.0.1")))

	assert.Nil(t, addressFromCache(c, MustEncodeName("beta.local")))
}
