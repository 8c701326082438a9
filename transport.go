package mdns

import (
	"fmt"
	"net"

	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
)

// Transport carries raw packets. Implementations must unblock ReadFrom
// with an error once Close is called.
type Transport interface {
	ReadFrom(b []byte) (n int, src net.Addr, err error)
	WriteTo(b []byte, dst net.Addr) (n int, err error)
	Close() error
}

type ipv4Transport struct {
	conn *ipv4.PacketConn
}

// ListenMulticast opens an IPv4 socket on the mDNS port and joins the mDNS
// group on iface, or on every interface when iface is nil.
func ListenMulticast(iface *net.Interface) (Transport, error) {
	l, err := net.ListenUDP("udp4", ipv4Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	t, err := NewIPv4Transport(ipv4.NewPacketConn(l), iface)
	if err != nil {
		return nil, multierr.Append(err, l.Close())
	}
	return t, nil
}

// NewIPv4Transport serves over an existing conn, joining the mDNS group on
// iface or on every interface when iface is nil.
func NewIPv4Transport(conn *ipv4.PacketConn, iface *net.Interface) (Transport, error) {
	group := &net.UDPAddr{IP: ipv4Addr.IP}
	if iface != nil {
		if err := conn.JoinGroup(iface, group); err != nil {
			return nil, fmt.Errorf("%w: %v", errJoiningMulticastGroup, err)
		}
		if err := conn.SetMulticastInterface(iface); err != nil {
			return nil, err
		}
	} else {
		ifaces, err := net.Interfaces()
		if err != nil {
			return nil, err
		}
		var joinErr error
		joined := 0
		for i := range ifaces {
			if err := conn.JoinGroup(&ifaces[i], group); err != nil {
				joinErr = multierr.Append(joinErr, fmt.Errorf("%s: %w", ifaces[i].Name, err))
				continue
			}
			joined++
		}
		if joined == 0 {
			return nil, fmt.Errorf("%w: %v", errJoiningMulticastGroup, joinErr)
		}
	}
	// Best effort: some platforms refuse these options.
	_ = conn.SetMulticastTTL(255)
	_ = conn.SetMulticastLoopback(true)
	return &ipv4Transport{conn: conn}, nil
}

func (t *ipv4Transport) ReadFrom(b []byte) (int, net.Addr, error) {
	n, _, src, err := t.conn.ReadFrom(b)
	return n, src, err
}

func (t *ipv4Transport) WriteTo(b []byte, dst net.Addr) (int, error) {
	return t.conn.WriteTo(b, nil, dst)
}

func (t *ipv4Transport) Close() error {
	return t.conn.Close()
}
