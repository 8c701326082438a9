package mdns

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ServiceEntry is returned after we query for a service
type ServiceEntry struct {
	Instance string // Instance label, e.g. "My Printer"
	Service  string // Service type name, e.g. "_ipp._tcp.local"
	Host     string
	AddrV4   net.IP
	AddrV6   net.IP
	Port     int
	Text     []string
}

// complete is used to check if we have all the info we need
func (s *ServiceEntry) complete() bool {
	return (s.AddrV4 != nil || s.AddrV6 != nil) && s.Port != 0
}

// Addr returns the IPv4 address when known, the IPv6 address otherwise.
func (s *ServiceEntry) Addr() net.IP {
	if s.AddrV4 != nil {
		return s.AddrV4
	}
	return s.AddrV6
}

func (s *ServiceEntry) String() string {
	fields := make([]string, 0)
	if s.Instance != "" {
		fields = append(fields, fmt.Sprintf("Instance:%s", s.Instance))
	}
	if s.Service != "" {
		fields = append(fields, fmt.Sprintf("Service:%s", s.Service))
	}
	if s.Host != "" {
		fields = append(fields, fmt.Sprintf("Host:%s", s.Host))
	}
	if s.AddrV4 != nil {
		fields = append(fields, fmt.Sprintf("AddrV4:%v", s.AddrV4))
	}
	if s.AddrV6 != nil {
		fields = append(fields, fmt.Sprintf("AddrV6:%v", s.AddrV6))
	}
	if s.Port != 0 {
		fields = append(fields, fmt.Sprintf("Port:%d", s.Port))
	}
	if len(s.Text) != 0 {
		fields = append(fields, fmt.Sprintf("Text:%v", s.Text))
	}
	return strings.Join(fields, ",")
}

// ResolveHostname looks up the address of a host name such as "printer" or
// "printer.local". It returns ErrTimeout when no answer arrives in time.
func (c *Conn) ResolveHostname(name string, timeout time.Duration) (net.IP, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if !c.running() {
		return nil, errConnectionClosed
	}
	host, err := c.qualify(name)
	if err != nil {
		return nil, err
	}

	var ip net.IP
	err = c.poll(ModeResolvingHostname, host, timeout,
		[]*Record{NewQuestion(host, TypeA), NewQuestion(host, TypeAAAA)},
		func(cache *Cache) bool {
			ip = addressFromCache(cache, host)
			return ip != nil
		})
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	return ip, nil
}

// DiscoverServices browses for instances of a service type such as
// "_ipp._tcp". It returns the complete entries found once at least one is
// known, or ErrTimeout.
func (c *Conn) DiscoverServices(service string, timeout time.Duration) ([]*ServiceEntry, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if !c.running() {
		return nil, errConnectionClosed
	}
	name, err := c.qualify(service)
	if err != nil {
		return nil, err
	}

	var entries []*ServiceEntry
	err = c.poll(ModeDiscoveringService, name, timeout,
		[]*Record{NewQuestion(name, TypePTR)},
		func(cache *Cache) bool {
			entries = servicesFromCache(cache, name)
			return len(entries) > 0
		})
	if err != nil {
		return nil, fmt.Errorf("discovering %s: %w", name, err)
	}
	return entries, nil
}

// poll switches the cache to mode, asks questions every QueryInterval and
// checks done every PollInterval until it reports true or timeout passes.
func (c *Conn) poll(mode CacheMode, filter Name, timeout time.Duration, questions []*Record, done func(*Cache) bool) error {
	c.mu.Lock()
	c.cache.SetMode(mode, filter)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cache.SetMode(ModeNormal, nil)
		c.mu.Unlock()
	}()

	var (
		deadline = c.clock.Now().Add(timeout)
		resend   time.Time
	)
	for {
		select {
		case <-c.closed:
			return errConnectionClosed
		default:
		}

		now := c.clock.Now()
		queued := false
		c.mu.Lock()
		found := done(c.cache)
		if !found && !now.Before(resend) {
			pkt := &Packet{Header: Header{ID: c.newID()}}
			for _, q := range questions {
				pkt.Questions.Append(q)
			}
			c.queries = append(c.queries, pkt)
			resend = now.Add(c.config.QueryInterval)
			queued = true
		}
		c.mu.Unlock()

		if found {
			return nil
		}
		if queued {
			c.signal()
		}
		if !now.Before(deadline) {
			return ErrTimeout
		}
		c.clock.Sleep(c.config.PollInterval)
	}
}

// qualify appends the domain to name unless it already ends with it.
func (c *Conn) qualify(name string) (Name, error) {
	name = trimDot(name)
	if name == "" {
		return nil, fmt.Errorf("mdns: empty name")
	}
	if name != c.config.Domain && !strings.HasSuffix(name, "."+c.config.Domain) {
		name += "." + c.config.Domain
	}
	return EncodeName(name)
}

// addressFromCache returns the cached address of host, preferring IPv4.
func addressFromCache(cache *Cache, host Name) net.IP {
	for _, r := range cache.Lookup(host, TypeA) {
		a := r.Body.(*AResource).A
		return net.IPv4(a[0], a[1], a[2], a[3])
	}
	for _, r := range cache.Lookup(host, TypeAAAA) {
		ip := make(net.IP, net.IPv6len)
		copy(ip, r.Body.(*AAAAResource).AAAA[:])
		return ip
	}
	return nil
}

// servicesFromCache assembles the complete instances of service known to
// the cache.
func servicesFromCache(cache *Cache, service Name) []*ServiceEntry {
	var instances []Name
	for _, r := range cache.Lookup(service, TypePTR) {
		instances = append(instances, r.Body.(*PTRResource).Target())
	}
	for _, r := range cache.Records() {
		if r.Type == TypeSRV && r.Name.HasSuffix(service) && !r.Name.Equal(service) {
			instances = append(instances, r.Name)
		}
	}

	var (
		entries []*ServiceEntry
		seen    = make(map[string]bool)
	)
	for _, inst := range instances {
		if seen[string(inst)] {
			continue
		}
		seen[string(inst)] = true

		entry := &ServiceEntry{Service: service.String()}
		if labels := inst.Labels(); len(labels) > 0 {
			entry.Instance = labels[0]
		}
		srvs := cache.Lookup(inst, TypeSRV)
		if len(srvs) == 0 {
			continue
		}
		srv := srvs[0].Body.(*SRVResource)
		entry.Host = srv.Target.String()
		entry.Port = int(srv.Port)
		for _, r := range cache.Lookup(inst, TypeTXT) {
			for _, t := range r.Body.(*TXTResource).TXT {
				if len(t) > 0 {
					entry.Text = append(entry.Text, string(t))
				}
			}
		}
		for _, r := range cache.Lookup(srv.Target, TypeA) {
			a := r.Body.(*AResource).A
			entry.AddrV4 = net.IPv4(a[0], a[1], a[2], a[3])
			break
		}
		for _, r := range cache.Lookup(srv.Target, TypeAAAA) {
			ip := make(net.IP, net.IPv6len)
			copy(ip, r.Body.(*AAAAResource).AAAA[:])
			entry.AddrV6 = ip
			break
		}
		if entry.complete() {
			entries = append(entries, entry)
		}
	}
	return entries
}
