// Package metrics exposes the Prometheus registry for a meshrund endpoint
// runtime (spec.md ambient observability stack, grounded on the teacher's
// prometheus/client_golang usage).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge the runtime updates across its
// subsystems.
type Registry struct {
	reg *prometheus.Registry

	PacketsReceived  prometheus.Counter
	PacketsSent      prometheus.Counter
	PacketsDropped   *prometheus.CounterVec
	AnnouncesAccepted prometheus.Counter
	AnnouncesDropped  prometheus.Counter

	LinksActive  prometheus.Gauge
	LinksTimedOut prometheus.Counter

	ResourceTransfersInFlight prometheus.Gauge
	ResourceTransfersFailed   prometheus.Counter
	ResourceTransfersComplete prometheus.Counter

	DeliveriesByMethod *prometheus.CounterVec
	DeliveriesByStatus *prometheus.CounterVec

	RPCRequests *prometheus.CounterVec
	RPCErrors   *prometheus.CounterVec
}

// New builds and registers every metric on a fresh registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		PacketsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshrund_packets_received_total",
			Help: "Packets accepted from any interface.",
		}),
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshrund_packets_sent_total",
			Help: "Packets handed to the interface manager for dispatch.",
		}),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshrund_packets_dropped_total",
			Help: "Packets dropped by the send pipeline, labeled by outcome.",
		}, []string{"outcome"}),
		AnnouncesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshrund_announces_accepted_total",
			Help: "Announces accepted into the announce table.",
		}),
		AnnouncesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshrund_announces_dropped_total",
			Help: "Announces dropped by rate limiting or dedup.",
		}),
		LinksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshrund_links_active",
			Help: "Links currently in the Active state.",
		}),
		LinksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshrund_links_timed_out_total",
			Help: "Links closed by an idle or proof timeout sweep.",
		}),
		ResourceTransfersInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshrund_resource_transfers_in_flight",
			Help: "Inbound and outbound resource transfers currently tracked.",
		}),
		ResourceTransfersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshrund_resource_transfers_failed_total",
			Help: "Resource transfers that exceeded their retry limit.",
		}),
		ResourceTransfersComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshrund_resource_transfers_complete_total",
			Help: "Resource transfers that assembled and verified successfully.",
		}),
		DeliveriesByMethod: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshrund_deliveries_total",
			Help: "Delivery attempts, labeled by method.",
		}, []string{"method"}),
		DeliveriesByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshrund_delivery_status_total",
			Help: "Terminal delivery outcomes, labeled by status.",
		}, []string{"status"}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshrund_rpc_requests_total",
			Help: "RPC daemon requests, labeled by method.",
		}, []string{"method"}),
		RPCErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshrund_rpc_errors_total",
			Help: "RPC daemon error responses, labeled by code.",
		}, []string{"code"}),
	}
	reg.MustRegister(
		r.PacketsReceived, r.PacketsSent, r.PacketsDropped,
		r.AnnouncesAccepted, r.AnnouncesDropped,
		r.LinksActive, r.LinksTimedOut,
		r.ResourceTransfersInFlight, r.ResourceTransfersFailed, r.ResourceTransfersComplete,
		r.DeliveriesByMethod, r.DeliveriesByStatus,
		r.RPCRequests, r.RPCErrors,
	)
	return r
}

// Handler returns the HTTP handler serving this registry in the Prometheus
// text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
