// Package metrics exposes prometheus collectors for the cache tiers and the
// transfer engine. A nil *Collector is valid and records nothing, so engine
// components never have to guard their call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "anyfetch"

// Lookup results recorded by ObserveLookup.
const (
	LookupMemory = "memory"
	LookupDisk   = "disk"
	LookupMiss   = "miss"
)

// Transfer outcomes recorded by ObserveTransfer.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Subscription kinds recorded by ObserveSubscription.
const (
	SubscriptionNetwork = "network"
	SubscriptionShared  = "shared"
	SubscriptionReplay  = "replay"
)

// Collector groups every metric the engine reports.
type Collector struct {
	lookups       *prometheus.CounterVec
	writes        *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	subscriptions *prometheus.CounterVec
	bytes         prometheus.Counter
	queued        prometheus.Gauge
	executing     prometheus.Gauge
}

// New creates the collectors and registers them on reg. Passing nil uses a
// private registry, which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups partitioned by the tier that answered (or miss).",
		}, []string{"result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache writes partitioned by tier and result.",
		}, []string{"tier", "result"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers partitioned by outcome.",
		}, []string{"outcome"}),
		subscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_total",
			Help:      "Successful deliveries partitioned by provenance: network (primary), shared or replay.",
		}, []string{"kind"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "Bytes received from the network.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_queued",
			Help:      "Transfers waiting for a scheduler worker.",
		}),
		executing: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_executing",
			Help:      "Transfers currently running on a scheduler worker.",
		}),
	}
	reg.MustRegister(c.lookups, c.writes, c.transfers, c.subscriptions, c.bytes, c.queued, c.executing)
	return c
}

func (c *Collector) ObserveLookup(result string) {
	if c == nil {
		return
	}
	c.lookups.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveWrite(tier string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.writes.WithLabelValues(tier, result).Inc()
}

func (c *Collector) ObserveTransfer(outcome string) {
	if c == nil {
		return
	}
	c.transfers.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveSubscription(kind string) {
	if c == nil {
		return
	}
	c.subscriptions.WithLabelValues(kind).Inc()
}

func (c *Collector) AddBytes(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.bytes.Add(float64(n))
}

// SetQueue publishes the scheduler's queued/executing counts.
func (c *Collector) SetQueue(queued, executing int) {
	if c == nil {
		return
	}
	c.queued.Set(float64(queued))
	c.executing.Set(float64(executing))
}
