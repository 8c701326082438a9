package mdns

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

const metricsNamespace = "mdns"

type metrics struct {
	received     prometheus.Counter
	malformed    prometheus.Counter
	sent         prometheus.Counter
	sendErrors   prometheus.Counter
	conflicts    prometheus.Counter
	cacheRecords prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "Packets read from the transport.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_malformed_total",
			Help:      "Received packets dropped because they failed to parse.",
		}),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_sent_total",
			Help:      "Packets written to the transport.",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_errors_total",
			Help:      "Packets that could not be written.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "name_conflicts_total",
			Help:      "Names renamed after a conflict during probing.",
		}),
		cacheRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cache_records",
			Help:      "Records currently held in the cache.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	m.received = register(reg, m.received, &err)
	m.malformed = register(reg, m.malformed, &err)
	m.sent = register(reg, m.sent, &err)
	m.sendErrors = register(reg, m.sendErrors, &err)
	m.conflicts = register(reg, m.conflicts, &err)
	m.cacheRecords = register(reg, m.cacheRecords, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, sharing the existing collector when another Conn
// registered the same metric first. Any other failure is appended to errp.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, errp *error) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	*errp = multierr.Append(*errp, fmt.Errorf("mdns: registering metrics: %w", err))
	return c
}
