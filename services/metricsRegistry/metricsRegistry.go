package metricsregistry

import (
	"net/http"
	"time"

	"github.com/kychandar/changecast/common"
	"github.com/kychandar/changecast/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	handler         http.Handler
	instanceId      string
	relayLatency    *prometheus.HistogramVec
	wsConnGuage     *prometheus.GaugeVec
	roomMembers     *prometheus.GaugeVec
	notifications   *prometheus.CounterVec
	clientEmits     *prometheus.CounterVec
	inboundEvents   *prometheus.CounterVec
	reconnectSignal *prometheus.CounterVec
}

func New(instanceId string) services.MetricsRegistry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	relayLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "changecast_relay_latency_ms",
			Help: "Latency between publish on one node and local delivery on another, in milli seconds",
			Buckets: []float64{
				1, 2, 5, 10, 20, 30, 50, 80, 100, 200, 300, 500, 1000, 2000, 5000,
			},
		},
		[]string{"instance_id"},
	)
	registry.MustRegister(relayLatency)

	wsConnGuage := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ws_connections_current",
			Help: "Number of currently active WebSocket connections",
		},
		[]string{"instance_id"},
	)
	registry.MustRegister(wsConnGuage)

	roomMembers := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changecast_room_members",
			Help: "Connections currently joined to a room on this node",
		},
		[]string{"instance_id", "room"},
	)
	registry.MustRegister(roomMembers)

	notifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changecast_notifications_total",
			Help: "Server notify calls by event and outcome",
		},
		[]string{"instance_id", "event", "outcome"},
	)
	registry.MustRegister(notifications)

	clientEmits := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changecast_client_emits_total",
			Help: "Client emit calls by outcome",
		},
		[]string{"instance_id", "outcome"},
	)
	registry.MustRegister(clientEmits)

	inboundEvents := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changecast_inbound_client_events_total",
			Help: "Frames received from clients by kind",
		},
		[]string{"instance_id", "kind"},
	)
	registry.MustRegister(inboundEvents)

	reconnectSignal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changecast_transport_signals_total",
			Help: "Client transport lifecycle signals",
		},
		[]string{"instance_id", "signal"},
	)
	registry.MustRegister(reconnectSignal)

	return &metricsRegistry{
		instanceId:      instanceId,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		relayLatency:    relayLatency,
		wsConnGuage:     wsConnGuage,
		roomMembers:     roomMembers,
		notifications:   notifications,
		clientEmits:     clientEmits,
		inboundEvents:   inboundEvents,
		reconnectSignal: reconnectSignal,
	}
}

func (mr *metricsRegistry) GetHandler() http.Handler {
	return mr.handler
}

func (mr *metricsRegistry) IncNotification(event common.EventName, outcome common.Outcome) {
	mr.notifications.WithLabelValues(mr.instanceId, string(event), outcome.String()).Inc()
}

func (mr *metricsRegistry) IncClientEmit(outcome common.Outcome) {
	mr.clientEmits.WithLabelValues(mr.instanceId, outcome.String()).Inc()
}

func (mr *metricsRegistry) IncInboundClientEvent(kind string) {
	mr.inboundEvents.WithLabelValues(mr.instanceId, kind).Inc()
}

func (mr *metricsRegistry) IncReconnect(signal string) {
	mr.reconnectSignal.WithLabelValues(mr.instanceId, signal).Inc()
}

func (mr *metricsRegistry) IncWsConnectionCount() {
	mr.wsConnGuage.WithLabelValues(mr.instanceId).Inc()
}

func (mr *metricsRegistry) DecWsConnectionCount() {
	mr.wsConnGuage.WithLabelValues(mr.instanceId).Dec()
}

func (mr *metricsRegistry) SetRoomMembers(room common.RoomName, n int) {
	mr.roomMembers.WithLabelValues(mr.instanceId, string(room)).Set(float64(n))
}

func (mr *metricsRegistry) ObserveRelayLatency(publishedTime time.Time) {
	if publishedTime.IsZero() {
		return
	}
	mr.relayLatency.WithLabelValues(mr.instanceId).Observe(float64(time.Since(publishedTime).Milliseconds()))
}
