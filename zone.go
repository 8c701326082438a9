package mdns

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

/*
Owned records, keyed by name (the zone):

_services._dns-sd._udp.<domain> -> PTR <service>.<domain>
<service>.<domain>              -> PTR <instance>.<service>.<domain>
<instance>.<service>.<domain>   -> SRV <host>.<domain>, TXT
<host>.<domain>                 -> A, AAAA
*/

// Service is a DNS-SD service instance registered on a Conn.
type Service struct {
	Instance string // Instance name, e.g. "My Printer"; changes on conflict
	Service  string // Service type, e.g. "_ipp._tcp"
	Domain   string // Defaults to "local"
	HostName string // SRV target; empty means the Conn's host name
	Port     int
	TXT      []string

	requested string
	set       *serviceRecords
}

type serviceRecords struct {
	ptr, enum, srv, txt *Record
}

func (s *serviceRecords) all() []*Record {
	return []*Record{s.ptr, s.srv, s.txt, s.enum}
}

// newService validates the inputs of a registration.
func newService(instance, service, domain, hostName string, port int, txt []string) (*Service, error) {
	// Sanity check inputs
	if instance == "" {
		return nil, fmt.Errorf("%w: missing service instance name", errInvalidService)
	}
	if service == "" {
		return nil, fmt.Errorf("%w: missing service name", errInvalidService)
	}
	if port <= 0 || port > 0xFFFF {
		return nil, fmt.Errorf("%w: invalid service port %d", errInvalidService, port)
	}
	if domain == "" {
		domain = defaultDomain
	}
	domain = trimDot(domain)
	service = strings.TrimSuffix(trimDot(service), "."+domain)
	for _, l := range strings.Split(service, ".") {
		if !strings.HasPrefix(l, "_") {
			return nil, fmt.Errorf("%w: service type %q must look like _name._proto", errInvalidService, service)
		}
	}
	for _, t := range txt {
		if len(t) > 255 {
			return nil, fmt.Errorf("%w: TXT entry of %d bytes", errInvalidService, len(t))
		}
	}
	s := &Service{
		Instance:  instance,
		Service:   service,
		Domain:    domain,
		HostName:  trimDot(hostName),
		Port:      port,
		TXT:       txt,
		requested: instance,
	}
	if _, err := s.instanceName(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) domainLabels() []string {
	return strings.Split(s.Domain, ".")
}

func (s *Service) serviceName() (Name, error) {
	return nameFromLabels(append(strings.Split(s.Service, "."), s.domainLabels()...)...)
}

func (s *Service) instanceName() (Name, error) {
	labels := append([]string{s.Instance}, strings.Split(s.Service, ".")...)
	return nameFromLabels(append(labels, s.domainLabels()...)...)
}

func (s *Service) enumName() (Name, error) {
	return nameFromLabels(append(append([]string{}, servicesEnumLabels...), s.domainLabels()...)...)
}

// build returns the records announcing s with host as the SRV target.
func (s *Service) build(host Name, ttl uint32) (*serviceRecords, error) {
	instance, err := s.instanceName()
	if err != nil {
		return nil, err
	}
	service, err := s.serviceName()
	if err != nil {
		return nil, err
	}
	enum, err := s.enumName()
	if err != nil {
		return nil, err
	}
	srv := NewRecord(instance, &SRVResource{
		Priority: 10,
		Weight:   1,
		Port:     uint16(s.Port),
		Target:   host,
	})
	set := &serviceRecords{
		srv:  srv,
		txt:  NewRecord(instance.Clone(), NewTXT(s.TXT...)),
		ptr:  NewRecord(service, NewPTRRef(srv)),
		enum: NewRecord(enum, NewPTR(service.Clone())),
	}
	for _, r := range set.all() {
		r.TTL = ttl
	}
	return set, nil
}

type probe struct {
	service *Service // nil probes the host name
	sent    int
	next    time.Time
}

type announcement struct {
	records   []*Record
	remaining int
	next      time.Time
}

// The methods below run with c.mu held.

func (c *Conn) hostFQDN() Name {
	n, err := nameFromLabels(append([]string{c.hostName}, strings.Split(c.config.Domain, ".")...)...)
	if err != nil {
		// The label was validated by Config.Validate and mangleHost.
		panic(err)
	}
	return n
}

func (c *Conn) addressRecords(name Name) []*Record {
	var out []*Record
	for _, ip := range c.config.IPs {
		body := addressBody(ip)
		if body == nil {
			continue
		}
		r := NewRecord(name.Clone(), body)
		r.TTL = c.config.TTL
		out = append(out, r)
	}
	return out
}

func (c *Conn) serviceTarget(s *Service) (Name, error) {
	if s.HostName != "" {
		return EncodeName(s.HostName)
	}
	return c.hostFQDN(), nil
}

func (c *Conn) probeName(p *probe) (Name, error) {
	if p.service == nil {
		return c.hostFQDN(), nil
	}
	return p.service.instanceName()
}

// proposed returns the unique records p is about to claim.
func (c *Conn) proposed(p *probe) ([]*Record, error) {
	if p.service == nil {
		return c.addressRecords(c.hostFQDN()), nil
	}
	host, err := c.serviceTarget(p.service)
	if err != nil {
		return nil, err
	}
	set, err := p.service.build(host, c.config.TTL)
	if err != nil {
		return nil, err
	}
	return []*Record{set.srv, set.txt}, nil
}

func (c *Conn) hostProbing() bool {
	for _, p := range c.probes {
		if p.service == nil {
			return true
		}
	}
	return false
}

func (c *Conn) probePacket(p *probe) (*Packet, error) {
	name, err := c.probeName(p)
	if err != nil {
		return nil, err
	}
	records, err := c.proposed(p)
	if err != nil {
		return nil, err
	}
	q := NewQuestion(name, TypeANY)
	q.Unicast = p.sent == 0
	pkt := &Packet{}
	pkt.Questions.Append(q)
	for _, r := range records {
		pkt.Authorities.Append(r)
	}
	return pkt, nil
}

// collect drains pending queries, due probes and due announcements into
// encoded packets.
func (c *Conn) collect(now time.Time) []outbound {
	var out []outbound
	for _, q := range c.queries {
		out = c.appendPacket(out, q, c.dstAddr)
	}
	c.queries = nil

	hostPending := c.hostProbing()
	probes := c.probes[:0]
	for _, p := range c.probes {
		switch {
		case p.service != nil && hostPending:
			// Services wait for the host name so their SRV target is final.
			p.next = now
			probes = append(probes, p)
		case now.Before(p.next):
			probes = append(probes, p)
		case p.sent < probeCount:
			pkt, err := c.probePacket(p)
			if err != nil {
				c.log.WithError(err).Warn("Failed to construct mDNS probe, giving up on name")
				continue
			}
			out = c.appendPacket(out, pkt, c.dstAddr)
			p.sent++
			p.next = now.Add(c.config.ProbeInterval)
			probes = append(probes, p)
		default:
			c.claim(p, now)
		}
	}
	for i := len(probes); i < len(c.probes); i++ {
		c.probes[i] = nil
	}
	c.probes = probes

	announces := c.announces[:0]
	for _, a := range c.announces {
		if now.Before(a.next) {
			announces = append(announces, a)
			continue
		}
		out = append(out, c.responses(a.records, c.dstAddr)...)
		a.remaining--
		a.next = now.Add(c.config.AnnounceInterval)
		if a.remaining > 0 {
			announces = append(announces, a)
		}
	}
	for i := len(announces); i < len(c.announces); i++ {
		c.announces[i] = nil
	}
	c.announces = announces
	return out
}

// nextDeadline returns how long until the next probe or announcement is
// due.
func (c *Conn) nextDeadline(now time.Time) (time.Duration, bool) {
	var next time.Time
	for _, p := range c.probes {
		if next.IsZero() || p.next.Before(next) {
			next = p.next
		}
	}
	for _, a := range c.announces {
		if next.IsZero() || a.next.Before(next) {
			next = a.next
		}
	}
	if next.IsZero() {
		return 0, false
	}
	if d := next.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}

// claim moves the records of a cleanly probed name into the owned zone and
// schedules their announcement.
func (c *Conn) claim(p *probe, now time.Time) {
	var records []*Record
	if p.service == nil {
		records = c.addressRecords(c.hostFQDN())
		c.hostRecords = records
	} else {
		host, err := c.serviceTarget(p.service)
		if err != nil {
			c.log.WithError(err).Warn("Failed to build service records")
			return
		}
		set, err := p.service.build(host, c.config.TTL)
		if err != nil {
			c.log.WithError(err).Warn("Failed to build service records")
			return
		}
		p.service.set = set
		records = set.all()
	}
	for _, r := range records {
		if r.Type == TypePTR && c.ownsSameData(r) {
			continue
		}
		c.owned.Add(r)
	}
	c.announces = append(c.announces, &announcement{
		records:   records,
		remaining: announceCount,
		next:      now,
	})
	name, _ := c.probeName(p)
	c.log.WithField("name", name.String()).Info("name claimed")
}

func (c *Conn) ownsSameData(r *Record) bool {
	for _, x := range c.owned.Lookup(r.Name, r.Type) {
		if x.SameData(r) {
			return true
		}
	}
	return false
}

// checkConflicts renames every probing name that pkt shows to be in use by
// another responder.
func (c *Conn) checkConflicts(pkt *Packet) {
	for _, p := range c.probes {
		name, err := c.probeName(p)
		if err != nil || !c.conflicts(pkt, p, name) {
			continue
		}
		c.rename(p)
	}
}

func (c *Conn) conflicts(pkt *Packet, p *probe, name Name) bool {
	if pkt.Response {
		for _, r := range pkt.Records() {
			if r.Name.Equal(name) {
				return true
			}
		}
		return false
	}
	// A simultaneous probe. Our own probes loop back with identical data.
	ours, err := c.proposed(p)
	if err != nil {
		return false
	}
	for _, r := range pkt.Authorities.Records() {
		if r.Name.Equal(name) && !containsSameData(ours, r) {
			return true
		}
	}
	return false
}

func containsSameData(records []*Record, r *Record) bool {
	for _, x := range records {
		if x.SameData(r) {
			return true
		}
	}
	return false
}

func containsAny(records, targets []*Record) bool {
	for _, t := range targets {
		for _, r := range records {
			if r == t {
				return true
			}
		}
	}
	return false
}

func (c *Conn) rename(p *probe) {
	c.metrics.conflicts.Inc()
	var from, to string
	if p.service == nil {
		from = c.hostName
		c.hostName = mangleHost(c.hostName)
		to = c.hostName
	} else {
		from = p.service.Instance
		p.service.Instance = mangleInstance(p.service.Instance)
		to = p.service.Instance
	}
	c.log.WithField("from", from).WithField("to", to).Info("name conflict, renaming")
	p.sent = 0
	p.next = c.clock.Now()
}

// mangleInstance turns "Name" into "Name (2)" and "Name (n)" into
// "Name (n+1)".
func mangleInstance(name string) string {
	base, n := name, 1
	if i := strings.LastIndex(name, " ("); i >= 0 && strings.HasSuffix(name, ")") {
		if v, err := strconv.Atoi(name[i+2 : len(name)-1]); err == nil && v > 0 {
			base, n = name[:i], v
		}
	}
	return withSuffix(base, fmt.Sprintf(" (%d)", n+1))
}

// mangleHost turns "host" into "host-2" and "host-n" into "host-(n+1)".
func mangleHost(name string) string {
	base, n := name, 1
	if i := strings.LastIndex(name, "-"); i >= 0 {
		if v, err := strconv.Atoi(name[i+1:]); err == nil && v > 0 {
			base, n = name[:i], v
		}
	}
	return withSuffix(base, "-"+strconv.Itoa(n+1))
}

func withSuffix(base, suffix string) string {
	if len(base)+len(suffix) > maxLabelLen {
		base = base[:maxLabelLen-len(suffix)]
	}
	return base + suffix
}

// answer builds the reply to a query, or nothing when no owned record
// matches.
func (c *Conn) answer(query *Packet, src net.Addr) []outbound {
	resp := &Packet{Header: Header{Response: true, Authoritative: true}}
	legacy := isLegacySource(src)
	unicast := legacy
	for _, q := range query.Questions.Records() {
		for _, r := range c.owned.Lookup(q.Name, q.Type) {
			resp.Answers.Append(r)
		}
		unicast = unicast || q.Unicast
	}
	for _, ours := range append([]*Record(nil), resp.Answers.Records()...) {
		for _, known := range query.Answers.Records() {
			if refreshes(known, ours) {
				resp.Answers.Remove(ours)
				break
			}
		}
	}
	if resp.Answers.Len() == 0 {
		return nil
	}
	for _, r := range resp.Answers.Records() {
		c.addAdditionals(resp, r)
	}

	dst := net.Addr(c.dstAddr)
	if unicast && src != nil {
		dst = src
	}
	if legacy {
		resp.ID = query.ID
		for _, q := range query.Questions.Records() {
			resp.Questions.Append(q)
		}
	}
	data, err := resp.Pack()
	if errors.Is(err, ErrBufferTooSmall) {
		resp.Additionals.Reset()
		data, err = resp.Pack()
	}
	if err != nil {
		c.log.WithError(err).Warn("Failed to construct mDNS answer")
		return nil
	}
	return []outbound{{data: data, dst: dst}}
}

// addAdditionals pulls the records a querier will need next into the
// additional section.
func (c *Conn) addAdditionals(resp *Packet, r *Record) {
	add := func(x *Record) {
		if !resp.Answers.Contains(x) {
			resp.Additionals.Append(x)
		}
	}
	switch body := r.Body.(type) {
	case *PTRResource:
		target := body.Target()
		for _, srv := range c.owned.Lookup(target, TypeSRV) {
			add(srv)
			c.addAdditionals(resp, srv)
		}
		for _, txt := range c.owned.Lookup(target, TypeTXT) {
			add(txt)
		}
	case *SRVResource:
		for _, a := range c.owned.Lookup(body.Target, TypeA) {
			add(a)
		}
		for _, a := range c.owned.Lookup(body.Target, TypeAAAA) {
			add(a)
		}
	}
}

// refreshes reports whether a known answer from a query already holds our
// record with at least half of its ttl left, so repeating it is pointless.
// Unique records only count when the peer flagged them cache-flush.
func refreshes(known, ours *Record) bool {
	if !known.SameData(ours) {
		return false
	}
	if ours.Type.unique() && !known.CacheFlush {
		return false
	}
	return known.TTL >= ours.TTL/2
}

func isLegacySource(src net.Addr) bool {
	udp, ok := src.(*net.UDPAddr)
	return ok && udp.Port != mdnsPort
}

// responses encodes records as unsolicited multicast responses, splitting
// them over as many packets as needed.
func (c *Conn) responses(records []*Record, dst net.Addr) []outbound {
	var (
		out []outbound
		pkt = &Packet{Header: Header{Response: true, Authoritative: true}}
	)
	for _, r := range records {
		pkt.Answers.Append(r)
		if _, err := pkt.Pack(); errors.Is(err, ErrBufferTooSmall) && pkt.Answers.Len() > 1 {
			pkt.Answers.Remove(r)
			out = c.appendPacket(out, pkt, dst)
			pkt = &Packet{Header: pkt.Header}
			pkt.Answers.Append(r)
		}
	}
	if pkt.Answers.Len() > 0 {
		out = c.appendPacket(out, pkt, dst)
	}
	return out
}

func (c *Conn) appendPacket(out []outbound, pkt *Packet, dst net.Addr) []outbound {
	data, err := pkt.Pack()
	if err != nil {
		c.log.WithError(err).WithField("packet", pkt.String()).Warn("Failed to construct mDNS packet")
		return out
	}
	return append(out, outbound{data: data, dst: dst})
}

// goodbye returns ttl-zero copies of records.
func goodbye(records []*Record) []*Record {
	out := make([]*Record, 0, len(records))
	for _, r := range records {
		g := r.Clone()
		g.TTL = 0
		out = append(out, g)
	}
	return out
}

// release removes a claimed service from the owned zone and returns the
// records to retract. The enumeration PTR stays while another service of the
// same type is claimed.
func (c *Conn) release(s *Service) []*Record {
	if s.set == nil {
		return nil
	}
	gone := []*Record{s.set.ptr, s.set.srv, s.set.txt}
	for _, r := range gone {
		c.owned.Delete(r)
	}
	for _, other := range c.services {
		if other != s && other.set != nil && other.set.enum.SameData(s.set.enum) {
			s.set = nil
			return gone
		}
	}
	for _, r := range c.owned.Lookup(s.set.enum.Name, TypePTR) {
		if r.SameData(s.set.enum) {
			c.owned.Delete(r)
		}
	}
	gone = append(gone, s.set.enum)
	s.set = nil
	return gone
}

// goodbyes returns the retraction of every claimed service.
func (c *Conn) goodbyes() []outbound {
	var records []*Record
	for _, s := range c.services {
		if s.set == nil {
			continue
		}
		for _, r := range s.set.all() {
			if !containsSameData(records, r) {
				records = append(records, r)
			}
		}
	}
	if len(records) == 0 {
		return nil
	}
	return c.responses(goodbye(records), c.dstAddr)
}

// RegisterService advertises a service instance. The instance name is
// probed first and renamed on conflict; the records are announced once the
// name is claimed. hostName may be empty to use the Conn's host name.
func (c *Conn) RegisterService(instance, service string, port int, hostName string, txt []string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if !c.running() {
		return errConnectionClosed
	}
	s, err := newService(instance, service, c.config.Domain, hostName, port, txt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.findService(instance, s.Service) != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s.%s already registered", errInvalidService, instance, s.Service)
	}
	c.services = append(c.services, s)
	c.probes = append(c.probes, &probe{service: s, next: c.clock.Now()})
	c.mu.Unlock()

	c.signal()
	return nil
}

// UnregisterService withdraws a service registered with RegisterService,
// sending goodbye records if it was already announced. instance is the
// name passed to RegisterService or the current name after renaming.
func (c *Conn) UnregisterService(instance, service string) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if !c.running() {
		return errConnectionClosed
	}
	service = strings.TrimSuffix(trimDot(service), "."+c.config.Domain)

	c.mu.Lock()
	s := c.findService(instance, service)
	if s == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s.%s", errServiceNotFound, instance, service)
	}
	for i, p := range c.probes {
		if p.service == s {
			c.probes = append(c.probes[:i], c.probes[i+1:]...)
			break
		}
	}
	gone := c.release(s)
	announces := c.announces[:0]
	for _, a := range c.announces {
		if !containsAny(a.records, gone) {
			announces = append(announces, a)
		}
	}
	c.announces = announces
	for i, x := range c.services {
		if x == s {
			c.services = append(c.services[:i], c.services[i+1:]...)
			break
		}
	}
	if len(gone) > 0 {
		c.announces = append(c.announces, &announcement{
			records:   goodbye(gone),
			remaining: 1,
			next:      c.clock.Now(),
		})
	}
	c.mu.Unlock()

	c.signal()
	return nil
}

func (c *Conn) findService(instance, service string) *Service {
	for _, s := range c.services {
		if s.Service == service && (s.Instance == instance || s.requested == instance) {
			return s
		}
	}
	return nil
}

// Services returns a snapshot of the registered services with their current
// instance names.
func (c *Conn) Services() []Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Service, 0, len(c.services))
	for _, s := range c.services {
		cp := *s
		cp.set = nil
		cp.TXT = append([]string(nil), s.TXT...)
		out = append(out, cp)
	}
	return out
}

// Claimed reports whether the service registered as instance has finished
// probing and is being advertised.
func (c *Conn) Claimed(instance, service string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.findService(instance, strings.TrimSuffix(trimDot(service), "."+c.config.Domain))
	return s != nil && s.set != nil
}
