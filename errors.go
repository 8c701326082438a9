package mdns

import "errors"

var (
	// ErrMalformedPacket is returned when a received packet cannot be decoded.
	// The packet is dropped as a whole.
	ErrMalformedPacket = errors.New("mdns: malformed packet")

	// ErrBufferTooSmall is returned when an encoded packet does not fit the
	// destination buffer. Nothing is written in that case.
	ErrBufferTooSmall = errors.New("mdns: buffer too small")

	// ErrNameTooLong is returned for labels over 63 bytes and names over 255.
	ErrNameTooLong = errors.New("mdns: name too long")

	// ErrTimeout is the result of a resolve or discover call that saw no
	// satisfying answer in time.
	ErrTimeout = errors.New("mdns: timed out")

	// ErrNetwork wraps send and receive failures.
	ErrNetwork = errors.New("mdns: network error")

	// ErrSocketRecreation is fatal: the transport kept failing and could not
	// be re-created within budget.
	ErrSocketRecreation = errors.New("mdns: socket re-creation budget exhausted")
)

var (
	errNilConfig             = errors.New("mdns: config must not be nil")
	errConnectionClosed      = errors.New("mdns: connection is closed")
	errJoiningMulticastGroup = errors.New("mdns: failed to join multicast group on any interface")
	errInvalidService        = errors.New("mdns: invalid service")
	errServiceNotFound       = errors.New("mdns: service not registered")
)
