// Package pion serves mDNS over a socket owned by the caller, for
// applications that already hold an *ipv4.PacketConn.
package pion

import (
	"context"
	"errors"
	"net"
	"time"

	mdns "github.com/bino7/mdnsd"
	"golang.org/x/net/ipv4"
)

const defaultQueryTimeout = time.Second

// errCannotRedial is returned when the engine asks to replace a socket it
// does not own.
var errCannotRedial = errors.New("mdns: caller-owned socket cannot be re-created")

// Server establishes a mDNS connection over an existing conn
func Server(conn *ipv4.PacketConn, config *mdns.Config) (*mdns.Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, errors.New("mdns: nil packet conn")
	}
	t, err := mdns.NewIPv4Transport(conn, config.Interface)
	if err != nil {
		return nil, err
	}
	cfg := *config
	cfg.Transport = t
	if cfg.Dial == nil {
		cfg.Dial = func() (mdns.Transport, error) { return nil, errCannotRedial }
	}
	return mdns.NewConn(&cfg)
}

// Query resolves name until ctx expires, one second when ctx has no
// deadline.
func Query(ctx context.Context, c *mdns.Conn, name string) (net.IP, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := defaultQueryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return c.ResolveHostname(name, timeout)
}
