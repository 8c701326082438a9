package mdns

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Conn represents a mDNS responder and resolver on one transport. A single
// worker goroutine owns the socket; the exported methods hand it work and
// wait on the cache.
type Conn struct {
	// cmdMu serializes the exported commands.
	cmdMu sync.Mutex

	// mu guards the engine state shared with the worker.
	mu          sync.Mutex
	hostName    string
	hostRecords []*Record
	cache       *Cache
	owned       GroupStore
	services    []*Service
	queries     []*Packet
	probes      []*probe
	announces   []*announcement

	config  Config
	log     log.Interface
	clock   clock.Clock
	metrics *metrics
	dstAddr *net.UDPAddr
	nextID  atomic.Uint32
	state   atomic.Int32

	// Owned by the worker.
	transport    Transport
	recvFailures int
	recreations  int

	wake     chan struct{}
	inbound  chan inboundPacket
	recvErrs chan error
	closed   chan struct{}

	// Written by the worker before closed is closed.
	err      error
	closeErr error
}

type inboundPacket struct {
	data []byte
	src  net.Addr
}

type outbound struct {
	data []byte
	dst  net.Addr
}

// NewConn creates a new mDNS Conn, claims the configured host name and
// starts serving in the background.
func NewConn(config *Config) (*Conn, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	if _, err := EncodeName(cfg.HostName + "." + cfg.Domain); err != nil {
		return nil, err
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	transport := cfg.Transport
	if transport == nil {
		if transport, err = cfg.Dial(); err != nil {
			return nil, err
		}
	}

	c := &Conn{
		hostName:  cfg.HostName,
		cache:     NewCache(cfg.Clock),
		config:    cfg,
		log:       cfg.Logger,
		clock:     cfg.Clock,
		metrics:   m,
		dstAddr:   ipv4Addr,
		transport: transport,
		wake:      make(chan struct{}, 1),
		inbound:   make(chan inboundPacket),
		recvErrs:  make(chan error),
		closed:    make(chan struct{}),
	}
	c.nextID.Store(uint32(cfg.StartID))
	c.probes = append(c.probes, &probe{next: c.clock.Now()})
	c.state.Store(int32(StateRunning))

	go c.start()
	return c, nil
}

// Enable is a shorthand for NewConn on iface with the given host name.
func Enable(hostName string, iface *net.Interface) (*Conn, error) {
	return NewConn(&Config{HostName: hostName, Interface: iface})
}

// Disable is an alias for Close.
func (c *Conn) Disable() error {
	return c.Close()
}

// Close sends goodbye records for the announced services, closes the
// transport and waits for the worker to exit. It is safe to call more than
// once.
func (c *Conn) Close() error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if !c.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		<-c.closed
		return nil
	}
	c.signal()
	<-c.closed
	return c.closeErr
}

// State returns the lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// Done is closed once the worker has exited, after Close or a fatal
// network error.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the fatal error that stopped the worker, if any.
func (c *Conn) Err() error {
	select {
	case <-c.closed:
		return c.err
	default:
		return nil
	}
}

// HostName returns the claimed host name, which differs from the
// configured one after a conflict.
func (c *Conn) HostName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostFQDN().String()
}

func (c *Conn) running() bool {
	return c.State() == StateRunning
}

// signal wakes the worker without blocking.
func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) newID() uint16 {
	return uint16(c.nextID.Add(1))
}

// start runs the worker loop until Close or a fatal error.
func (c *Conn) start() {
	defer close(c.closed)
	c.log.WithField("host", c.HostName()).Info("mdns: serving")
	c.startReader(c.transport)

	timer := c.clock.Timer(time.Hour)
	defer timer.Stop()

	for {
		if c.State() == StateStopping {
			c.closeErr = c.shutdown()
			c.state.Store(int32(StateStopped))
			c.log.Info("mdns: stopped")
			return
		}

		var due <-chan time.Time
		c.mu.Lock()
		d, ok := c.nextDeadline(c.clock.Now())
		c.mu.Unlock()
		resetTimer(timer, d)
		if ok {
			due = timer.C
		}

		select {
		case in := <-c.inbound:
			c.recvFailures = 0
			c.handlePacket(in.data, in.src)
		case err := <-c.recvErrs:
			if fatal := c.recoverReceive(err); fatal != nil {
				c.err = fatal
				c.log.WithError(fatal).Error("mdns: giving up on network")
				if err := c.transport.Close(); err != nil {
					c.log.WithError(err).Debug("mdns: closing transport")
				}
				c.state.Store(int32(StateStopped))
				return
			}
		case <-c.wake:
		case <-due:
		}
		c.flush()
	}
}

// resetTimer rearms t for d, discarding a tick nobody received.
func resetTimer(t *clock.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// startReader copies packets from t to the worker until t fails.
func (c *Conn) startReader(t Transport) {
	go func() {
		buf := make([]byte, inboundBufferSize)
		for {
			n, src, err := t.ReadFrom(buf)
			if err != nil {
				select {
				case c.recvErrs <- fmt.Errorf("%w: %v", ErrNetwork, err):
				case <-c.closed:
				}
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case c.inbound <- inboundPacket{data: data, src: src}:
			case <-c.closed:
				return
			}
		}
	}()
}

// recoverReceive retries a failed transport a few times, then replaces it.
// It returns an error once no replacement can be opened.
func (c *Conn) recoverReceive(err error) error {
	if c.State() != StateRunning {
		return nil
	}
	c.recvFailures++
	c.log.WithError(err).WithField("failures", c.recvFailures).Warn("Failed to receive mDNS packet")
	if c.recvFailures <= maxReceiveRetries {
		c.startReader(c.transport)
		return nil
	}
	c.recvFailures = 0
	for c.recreations < maxSocketRecreations {
		c.recreations++
		if cerr := c.transport.Close(); cerr != nil {
			c.log.WithError(cerr).Debug("mdns: closing failed transport")
		}
		t, derr := c.config.Dial()
		if derr != nil {
			c.log.WithError(derr).WithField("attempt", c.recreations).Warn("Failed to re-create mDNS socket")
			err = derr
			continue
		}
		c.transport = t
		c.startReader(t)
		c.log.WithField("attempt", c.recreations).Info("mdns: socket re-created")
		return nil
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrSocketRecreation, c.recreations, err)
}

// handlePacket processes one received packet.
func (c *Conn) handlePacket(data []byte, src net.Addr) {
	c.metrics.received.Inc()
	pkt, err := Parse(data)
	if err != nil {
		c.metrics.malformed.Inc()
		c.log.WithError(err).WithField("src", src).Debug("mdns: dropping packet")
		return
	}
	// Only standard queries and responses.
	if pkt.OpCode != 0 || pkt.RCode != 0 {
		return
	}

	c.mu.Lock()
	c.checkConflicts(pkt)
	var out []outbound
	if pkt.Response {
		learned := append(append([]*Record(nil), pkt.Answers.Records()...), pkt.Additionals.Records()...)
		if n := c.cache.Update(learned); n > 0 {
			c.log.WithField("src", src).WithField("records", n).Debug("mdns: cached")
		}
		c.metrics.cacheRecords.Set(float64(c.cache.Len()))
	} else {
		out = c.answer(pkt, src)
	}
	c.mu.Unlock()

	for _, o := range out {
		c.send(o)
	}
}

// flush sends whatever became due.
func (c *Conn) flush() {
	c.mu.Lock()
	out := c.collect(c.clock.Now())
	c.mu.Unlock()
	for _, o := range out {
		c.send(o)
	}
}

func (c *Conn) send(o outbound) {
	if _, err := c.transport.WriteTo(o.data, o.dst); err != nil {
		c.metrics.sendErrors.Inc()
		c.log.WithError(err).WithField("dst", o.dst).Warn("Failed to send mDNS packet")
		return
	}
	c.metrics.sent.Inc()
}

// shutdown retracts the announced services and closes the transport.
func (c *Conn) shutdown() error {
	c.mu.Lock()
	out := c.goodbyes()
	c.mu.Unlock()

	var err error
	for _, o := range out {
		if _, werr := c.transport.WriteTo(o.data, o.dst); werr != nil {
			err = multierr.Append(err, werr)
			continue
		}
		c.metrics.sent.Inc()
	}
	return multierr.Append(err, c.transport.Close())
}
