package mdns

import (
	"time"

	"github.com/benbjohnson/clock"
)

// CacheMode selects which learned records the cache accepts.
type CacheMode int

const (
	// ModeSleeping caches nothing.
	ModeSleeping CacheMode = iota
	// ModeNormal caches every record type the engine understands.
	ModeNormal
	// ModeResolvingHostname caches only A, AAAA, PTR and SRV records owned
	// by the filter name.
	ModeResolvingHostname
	// ModeDiscoveringService caches PTR records for the filter service,
	// SRV and TXT records of its instances and the addresses of their hosts.
	ModeDiscoveringService
)

func (m CacheMode) String() string {
	switch m {
	case ModeSleeping:
		return "sleeping"
	case ModeNormal:
		return "normal"
	case ModeResolvingHostname:
		return "resolving-hostname"
	case ModeDiscoveringService:
		return "discovering-service"
	}
	return "unknown"
}

// Cache stores records learned from the network until their ttl runs out.
//
// A Cache is not safe for concurrent use; Conn serializes access with its
// mutex.
type Cache struct {
	clock  clock.Clock
	store  GroupStore
	mode   CacheMode
	filter Name
}

// NewCache returns an empty cache in ModeNormal that ages records with clk.
func NewCache(clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{clock: clk, mode: ModeNormal}
}

// SetMode changes the admission policy. filter is the host name for
// ModeResolvingHostname and the service type for ModeDiscoveringService.
func (c *Cache) SetMode(mode CacheMode, filter Name) {
	c.mode = mode
	c.filter = filter.Clone()
}

// Mode returns the current mode.
func (c *Cache) Mode() CacheMode {
	return c.mode
}

// Update merges one batch of received records and returns how many were
// stored. Each admitted record replaces the cached record with the same
// name and type (and target, for PTR); a ttl of zero only removes it.
// Stored records are deep copies.
func (c *Cache) Update(records []*Record) int {
	var (
		now      = c.clock.Now()
		admitted = c.admit(records)
		stored   int
		services []*Record
		address  *Record
	)
	for _, r := range admitted {
		if stale := c.match(r); stale != nil {
			c.store.Delete(stale)
		}
		if r.TTL == 0 {
			continue
		}
		dup := r.Clone()
		dup.updated = now
		c.store.Add(dup)
		stored++
		switch dup.Type {
		case TypeSRV:
			services = append(services, dup)
		case TypeA, TypeAAAA:
			if address == nil {
				address = dup
			}
		}
	}
	if address != nil {
		for _, srv := range services {
			if body := srv.Body.(*SRVResource); body.Target.IsRoot() {
				body.Target = address.Name.Clone()
			}
		}
	}
	return stored
}

func (c *Cache) admit(records []*Record) []*Record {
	var out []*Record
	switch c.mode {
	case ModeSleeping:
		return nil
	case ModeNormal:
		for _, r := range records {
			if r.Body != nil && isKnownType(r.Type) {
				out = append(out, r)
			}
		}
	case ModeResolvingHostname:
		for _, r := range records {
			switch r.Type {
			case TypeA, TypeAAAA, TypePTR, TypeSRV:
				if r.Body != nil && r.Name.Equal(c.filter) {
					out = append(out, r)
				}
			}
		}
	case ModeDiscoveringService:
		var haveService bool
		for _, r := range records {
			if r.Body == nil {
				continue
			}
			switch {
			case r.Type == TypePTR && r.Name.Equal(c.filter):
				out = append(out, r)
			case r.Type == TypeSRV && r.Name.HasSuffix(c.filter):
				out = append(out, r)
				haveService = true
			case r.Type == TypeTXT && r.Name.HasSuffix(c.filter) && !r.Name.Equal(c.filter):
				out = append(out, r)
			}
		}
		for _, r := range records {
			if r.Body == nil || (r.Type != TypeA && r.Type != TypeAAAA) {
				continue
			}
			if haveService || c.isServiceTarget(r.Name) {
				out = append(out, r)
			}
		}
	}
	return out
}

func isKnownType(t Type) bool {
	switch t {
	case TypeA, TypeAAAA, TypePTR, TypeSRV, TypeTXT, TypeNSEC:
		return true
	}
	return false
}

func (c *Cache) isServiceTarget(host Name) bool {
	for _, g := range c.store.groups {
		for _, r := range g.Records.Records() {
			if srv, ok := r.Body.(*SRVResource); ok && srv.Target.Equal(host) {
				return true
			}
		}
	}
	return false
}

// match finds the cached record an incoming record supersedes.
func (c *Cache) match(r *Record) *Record {
	g := c.store.Find(r.Name)
	if g == nil {
		return nil
	}
	for _, x := range g.Records.Records() {
		if x.Type != r.Type {
			continue
		}
		if r.Type == TypePTR && !x.Body.equal(r.Body) {
			continue
		}
		return x
	}
	return nil
}

// Sweep removes expired records and returns how many were removed. Outside
// ModeDiscoveringService, PTR and SRV records are dropped regardless of age.
func (c *Cache) Sweep() int {
	var (
		now     = c.clock.Now()
		removed int
	)
	for _, g := range c.store.Groups() {
		for _, r := range append([]*Record(nil), g.Records.Records()...) {
			expired := now.Sub(r.updated) > time.Duration(r.TTL)*time.Second
			volatile := c.mode != ModeDiscoveringService && (r.Type == TypePTR || r.Type == TypeSRV)
			if expired || volatile {
				c.store.Delete(r)
				removed++
			}
		}
	}
	return removed
}

// Lookup sweeps the cache and returns the records of t owned by name;
// TypeANY matches every type. The records belong to the cache and must
// not be modified.
func (c *Cache) Lookup(name Name, t Type) []*Record {
	c.Sweep()
	return c.store.Lookup(name, t)
}

// Records sweeps the cache and returns every cached record.
func (c *Cache) Records() []*Record {
	c.Sweep()
	var out []*Record
	for _, g := range c.store.groups {
		out = append(out, g.Records.Records()...)
	}
	return out
}

// Len returns the number of cached records, expired ones included.
func (c *Cache) Len() int {
	return c.store.Len()
}

// Reset empties the cache.
func (c *Cache) Reset() {
	c.store.Reset()
}
