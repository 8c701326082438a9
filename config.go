package mdns

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Config is used to configure a mDNS Conn. The zero value of every field
// selects a default.
type Config struct {
	// HostName is the single-label host name to claim, e.g. "printer".
	// Defaults to the first label of os.Hostname.
	HostName string
	// Domain defaults to "local".
	Domain string
	// Interface is the multicast interface. Nil joins every interface.
	Interface *net.Interface
	// IPs are the addresses announced for HostName. Defaults to the
	// addresses of Interface, or of every multicast interface.
	IPs []net.IP
	// TTL of owned records in seconds.
	TTL uint32

	// QueryInterval is how often an outstanding question is re-sent.
	QueryInterval time.Duration
	// PollInterval is how often a resolve or discover call checks the
	// cache.
	PollInterval     time.Duration
	ProbeInterval    time.Duration
	AnnounceInterval time.Duration

	// Transport is used instead of opening a multicast socket.
	Transport Transport
	// Dial opens a replacement transport after repeated receive failures.
	// Defaults to ListenMulticast on Interface.
	Dial func() (Transport, error)

	Logger log.Interface
	Clock  clock.Clock
	// Registerer receives the engine's metrics when set.
	Registerer prometheus.Registerer

	// StartID is the first query ID used.
	StartID uint16
}

// Validate checks the fields that have no usable default.
func (c *Config) Validate() error {
	if c == nil {
		return errNilConfig
	}
	if strings.Contains(strings.Trim(c.HostName, "."), ".") {
		return fmt.Errorf("mdns: host name %q must be a single label", c.HostName)
	}
	if len(c.HostName) > maxLabelLen {
		return fmt.Errorf("%w: host name %q", ErrNameTooLong, c.HostName)
	}
	for _, ip := range c.IPs {
		if addressBody(ip) == nil {
			return fmt.Errorf("mdns: invalid IP address in IPs list: %v", ip)
		}
	}
	for name, d := range map[string]time.Duration{
		"query interval":    c.QueryInterval,
		"poll interval":     c.PollInterval,
		"probe interval":    c.ProbeInterval,
		"announce interval": c.AnnounceInterval,
	} {
		if d < 0 {
			return fmt.Errorf("mdns: %s must not be negative", name)
		}
	}
	return nil
}

// withDefaults returns a copy of c with every zero field filled in.
func (c Config) withDefaults() (Config, error) {
	if c.HostName == "" {
		host, err := os.Hostname()
		if err != nil {
			return c, fmt.Errorf("could not determine host: %v", err)
		}
		c.HostName = host
	}
	c.HostName = strings.SplitN(trimDot(c.HostName), ".", 2)[0]
	if c.Domain == "" {
		c.Domain = defaultDomain
	}
	c.Domain = trimDot(c.Domain)
	if c.TTL == 0 {
		c.TTL = defaultTTL
	}
	if c.QueryInterval == 0 {
		c.QueryInterval = defaultQueryInterval
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = defaultProbeInterval
	}
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = defaultAnnounceInterval
	}
	if c.Logger == nil {
		c.Logger = &log.Logger{
			Handler: cli.New(os.Stderr),
			Level:   log.InfoLevel,
		}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Dial == nil {
		iface := c.Interface
		c.Dial = func() (Transport, error) { return ListenMulticast(iface) }
	}
	if len(c.IPs) == 0 {
		ips, err := interfaceIPs(c.Interface)
		if err != nil {
			return c, err
		}
		c.IPs = ips
	}
	return c, nil
}

// interfaceIPs lists the unicast addresses of iface, or of every up
// multicast interface when iface is nil.
func interfaceIPs(iface *net.Interface) ([]net.IP, error) {
	var ifaces []net.Interface
	if iface != nil {
		ifaces = []net.Interface{*iface}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return nil, err
		}
		for _, i := range all {
			if i.Flags&net.FlagUp != 0 && i.Flags&net.FlagMulticast != 0 && i.Flags&net.FlagLoopback == 0 {
				ifaces = append(ifaces, i)
			}
		}
	}
	var ips []net.IP
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && (ipnet.IP.IsGlobalUnicast() || ipnet.IP.IsLinkLocalUnicast()) {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("mdns: could not determine host IP addresses")
	}
	return ips, nil
}

// trimDot is used to trim the dots from the start or end of a string
func trimDot(s string) string {
	return strings.Trim(s, ".")
}
