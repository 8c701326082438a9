// Package mdns implements mDNS (multicast DNS): a wire codec, a ttl record
// cache and a responder/resolver engine that probes, announces, answers and
// queries on 224.0.0.251:5353.
package mdns

import (
	"net"
	"time"
)

const (
	ipv4mdns = "224.0.0.251"
	mdnsPort = 5353
)

var ipv4Addr = &net.UDPAddr{
	IP:   net.ParseIP(ipv4mdns),
	Port: mdnsPort,
}

const (
	// defaultTTL is the default TTL value in returned DNS records in seconds.
	defaultTTL = 120

	defaultDomain = "local"

	// maxPacketSize bounds every outgoing packet.
	maxPacketSize = 1460
	// inboundBufferSize is large enough for any packet that fits a jumbo frame.
	inboundBufferSize = 9000

	defaultQueryInterval    = time.Second
	defaultPollInterval     = 100 * time.Millisecond
	defaultProbeInterval    = 250 * time.Millisecond
	defaultAnnounceInterval = time.Second

	probeCount    = 3
	announceCount = 2

	maxReceiveRetries    = 3
	maxSocketRecreations = 3
)

// servicesEnumLabels is the DNS-SD service type enumeration name without
// the domain.
var servicesEnumLabels = []string{"_services", "_dns-sd", "_udp"}
