package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trollbox"

func counter(reg *prometheus.Registry, subsystem, name, help string, v *atomic.Uint64) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(v.Load()) }))
}

// Registry exposes the counters on a private registry so tests and
// embedded nodes never collide on the default one.
func (m *Metrics) Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	counter(reg, "dispatch", "published_total", "Messages published by this process.", &m.dispatchPublished)
	counter(reg, "dispatch", "publish_failed_total", "Publish attempts that failed.", &m.dispatchPublishFailed)
	counter(reg, "dispatch", "received_total", "Messages delivered to handlers.", &m.dispatchReceived)
	counter(reg, "dispatch", "backfilled_total", "Historical messages delivered by the startup query.", &m.dispatchBackfilled)
	counter(reg, "dispatch", "drop_decrypt_total", "Envelopes that failed to decrypt.", &m.dispatchDropDecrypt)
	counter(reg, "dispatch", "drop_decode_total", "Envelopes that decrypted but failed to decode.", &m.dispatchDropDecode)

	counter(reg, "push", "accepted_total", "Envelopes accepted via lightpush.", &m.pushAccepted)
	counter(reg, "push", "drop_duplicate_total", "Duplicate envelopes dropped.", &m.pushDropDuplicate)
	counter(reg, "push", "drop_rate_total", "Envelopes dropped by the rate limiter.", &m.pushDropRate)
	counter(reg, "push", "drop_invalid_total", "Malformed pushes dropped.", &m.pushDropInvalid)
	counter(reg, "push", "relayed_total", "Envelopes relayed to peer nodes.", &m.pushRelayed)

	counter(reg, "store", "stored_total", "Envelopes persisted.", &m.storeStored)
	counter(reg, "store", "queries_total", "History queries served.", &m.storeQueries)
	counter(reg, "store", "pruned_total", "Envelopes removed by retention.", &m.storePruned)

	counter(reg, "filter", "delivered_total", "Envelopes streamed to subscribers.", &m.filterDelivered)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "filter",
		Name:      "subscribers",
		Help:      "Open filter subscriptions.",
	}, func() float64 { return float64(m.filterSubscribers.Load()) }))
	return reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})
}
