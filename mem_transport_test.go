package mdns

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
)

// memNetwork is an in-memory link: multicast writes reach every attached
// transport, the sender included, unicast writes reach the matching one.
type memNetwork struct {
	mu    sync.Mutex
	ports []*memTransport
}

type memPacket struct {
	data []byte
	src  net.Addr
}

type sentPacket struct {
	data []byte
	dst  net.Addr
}

type memTransport struct {
	network *memNetwork
	addr    *net.UDPAddr
	in      chan memPacket

	closeOnce sync.Once
	closed    chan struct{}

	mu   sync.Mutex
	sent []sentPacket
}

func newMemNetwork() *memNetwork {
	return &memNetwork{}
}

// attach adds a transport listening on ip:5353.
func (n *memNetwork) attach(ip string) *memTransport {
	t := &memTransport{
		network: n,
		addr:    &net.UDPAddr{IP: net.ParseIP(ip), Port: mdnsPort},
		in:      make(chan memPacket, 256),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.ports = append(n.ports, t)
	n.mu.Unlock()
	return t
}

func (n *memNetwork) deliver(data []byte, src, dst net.Addr) {
	udp, ok := dst.(*net.UDPAddr)
	if !ok {
		return
	}
	n.mu.Lock()
	ports := append([]*memTransport(nil), n.ports...)
	n.mu.Unlock()
	for _, p := range ports {
		if !udp.IP.Equal(ipv4Addr.IP) && !(udp.IP.Equal(p.addr.IP) && udp.Port == p.addr.Port) {
			continue
		}
		p.inject(data, src)
	}
}

// inject queues a packet for t as if it came from src. Packets to a full
// or closed transport are dropped.
func (t *memTransport) inject(data []byte, src net.Addr) {
	select {
	case <-t.closed:
		return
	default:
	}
	select {
	case t.in <- memPacket{data: append([]byte(nil), data...), src: src}:
	default:
	}
}

func (t *memTransport) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case p := <-t.in:
		return copy(b, p.data), p.src, nil
	case <-t.closed:
		return 0, nil, net.ErrClosed
	}
}

func (t *memTransport) WriteTo(b []byte, dst net.Addr) (int, error) {
	select {
	case <-t.closed:
		return 0, net.ErrClosed
	default:
	}
	t.mu.Lock()
	t.sent = append(t.sent, sentPacket{data: append([]byte(nil), b...), dst: dst})
	t.mu.Unlock()
	t.network.deliver(b, t.addr, dst)
	return len(b), nil
}

func (t *memTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// packets returns what t has sent so far, parsed.
func (t *memTransport) packets() []*Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Packet
	for _, s := range t.sent {
		if p, err := Parse(s.data); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// sentTo returns the parsed packets t sent to dst.
func (t *memTransport) sentTo(dst net.Addr) []*Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Packet
	for _, s := range t.sent {
		if s.dst.String() != dst.String() {
			continue
		}
		if p, err := Parse(s.data); err == nil {
			out = append(out, p)
		}
	}
	return out
}

var errBrokenSocket = errors.New("broken socket")

// brokenTransport fails every read; writes succeed and go nowhere.
type brokenTransport struct {
	reads atomic.Int32
}

func (t *brokenTransport) ReadFrom([]byte) (int, net.Addr, error) {
	t.reads.Add(1)
	return 0, nil, errBrokenSocket
}

func (t *brokenTransport) WriteTo(b []byte, _ net.Addr) (int, error) { return len(b), nil }

func (t *brokenTransport) Close() error { return nil }
