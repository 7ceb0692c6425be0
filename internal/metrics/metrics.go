//nolint:gochecknoglobals // prometheus metrics and global state
package metrics

import (
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Intent outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Discovery outcomes.
const (
	DiscoveryAccepted = "accepted"
	DiscoveryDropped  = "dropped"
	DiscoveryRestart  = "restart"
)

var (
	IntentsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "devpair_intents_total",
			Help: "Intents processed by the command worker (Counter). outcome=success|error.",
		},
		[]string{"service", "intent", "outcome"},
	)
	IntentDuration = promauto.NewHistogramVec(prom.HistogramOpts{
		Name:    "devpair_intent_duration_seconds",
		Help:    "Time spent handling one intent in seconds (Histogram).",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"service", "intent"})
	InboxDepth = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "devpair_inbox_depth",
			Help: "Intents waiting for the command worker (Gauge).",
		},
		[]string{"service"},
	)
	DiscoveryEventsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "devpair_discovery_events_total",
			Help: "mDNS discovery events by outcome (Counter). outcome=accepted|dropped|restart.",
		},
		[]string{"service", "outcome"},
	)
	TrackedPresence = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "devpair_tracked_presence",
			Help: "Hardware identifiers with a known network address (Gauge).",
		},
		[]string{"service"},
	)
	ReadyGauge = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "service_ready",
			Help: "Service readiness: 1=ready, 0=not ready (Gauge).",
		},
		[]string{"service"},
	)
	WSClients = promauto.NewGaugeVec(
		prom.GaugeOpts{
			Name: "devpair_ws_clients",
			Help: "Connected websocket clients (Gauge).",
		},
		[]string{"service"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prom.CounterOpts{
			Name: "http_server_requests_total",
			Help: "Bridge HTTP requests handled (Counter). Labels: service, method, route, status.",
		},
		[]string{"service", "method", "route", "status"},
	)
)

var readyFlag int32 //nolint:gochecknoglobals // service ready flag

var serviceName atomic.Value //nolint:gochecknoglobals // service name // string

// SetService sets the service label value (default: devpair).
func SetService(name string) { serviceName.Store(name) }

func Service() string {
	if v := serviceName.Load(); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}

	return "devpair"
}

// RegisterCollectors registers default Go and process collectors.
// Should be called once during program startup (e.g., in cmd).
func RegisterCollectors() {
	registerDefault(collectors.NewGoCollector())
	registerDefault(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func registerDefault(c prom.Collector) {
	if err := prom.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		// best-effort: ignore unexpected errors to avoid panics in init
	}
}

var M struct { //nolint:gochecknoglobals // metrics cache
	InboxDepth        prom.Gauge
	DiscoveryAccepted prom.Counter
	DiscoveryDropped  prom.Counter
	DiscoveryRestart  prom.Counter
	TrackedPresence   prom.Gauge
	WSClients         prom.Gauge
}

// BindService caches label-bound children for hot paths.
func BindService() {
	s := Service()
	M.InboxDepth = InboxDepth.WithLabelValues(s)
	M.DiscoveryAccepted = DiscoveryEventsTotal.WithLabelValues(s, DiscoveryAccepted)
	M.DiscoveryDropped = DiscoveryEventsTotal.WithLabelValues(s, DiscoveryDropped)
	M.DiscoveryRestart = DiscoveryEventsTotal.WithLabelValues(s, DiscoveryRestart)
	M.TrackedPresence = TrackedPresence.WithLabelValues(s)
	M.WSClients = WSClients.WithLabelValues(s)
}

func init() { //nolint:gochecknoinits // children must exist before first use
	BindService()
}

// ObserveIntent records one handled intent.
func ObserveIntent(intent string, d time.Duration, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}

	IntentsTotal.WithLabelValues(Service(), intent, outcome).Inc()
	IntentDuration.WithLabelValues(Service(), intent).Observe(d.Seconds())
}

// RecordHTTP increments bridge HTTP requests with OTEL-style labels.
func RecordHTTP(method, route string, status int) {
	HTTPRequestsTotal.WithLabelValues(Service(), method, route, strconv.Itoa(status)).Inc()
}

// SetReady sets readiness and updates the gauge.
func SetReady(v bool) {
	if v {
		atomic.StoreInt32(&readyFlag, 1)
		ReadyGauge.WithLabelValues(Service()).Set(1)
	} else {
		atomic.StoreInt32(&readyFlag, 0)
		ReadyGauge.WithLabelValues(Service()).Set(0)
	}
}

// IsReady returns current readiness flag.
func IsReady() bool { return atomic.LoadInt32(&readyFlag) == 1 }

// Stats is a lightweight snapshot for the bridge's state endpoint.
type Stats struct {
	IntentsTotal      float64            `json:"intents_total"`
	IntentErrorsTotal float64            `json:"intent_errors_total"`
	IntentsByKind     map[string]float64 `json:"intents_by_kind"`
	IntentAvgSeconds  float64            `json:"intent_avg_seconds"`
	DiscoveryAccepted float64            `json:"discovery_accepted"`
	DiscoveryDropped  float64            `json:"discovery_dropped"`
	DiscoveryRestarts float64            `json:"discovery_restarts"`
	TrackedPresence   float64            `json:"tracked_presence"`
	InboxDepth        float64            `json:"inbox_depth"`
	WebsocketClients  float64            `json:"websocket_clients"`
	ServiceReady      float64            `json:"service_ready"`
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}

	return ""
}

// GatherStats collects basic stats from g for a given service label.
// A nil g uses the default gatherer.
func GatherStats(g prom.Gatherer, service string) (Stats, error) { //nolint:gocognit,cyclop,funlen
	if g == nil {
		g = prom.DefaultGatherer
	}

	mfs, err := g.Gather()
	if err != nil {
		return Stats{}, err
	}

	s := Stats{IntentsByKind: map[string]float64{}}

	var durSum, durCount float64

	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			if labelValue(m, "service") != service {
				continue
			}

			switch mf.GetName() {
			case "devpair_intents_total":
				v := m.GetCounter().GetValue()
				s.IntentsTotal += v
				s.IntentsByKind[labelValue(m, "intent")] += v

				if labelValue(m, "outcome") == OutcomeError {
					s.IntentErrorsTotal += v
				}
			case "devpair_intent_duration_seconds":
				h := m.GetHistogram()
				durSum += h.GetSampleSum()
				durCount += float64(h.GetSampleCount())
			case "devpair_discovery_events_total":
				switch labelValue(m, "outcome") {
				case DiscoveryAccepted:
					s.DiscoveryAccepted += m.GetCounter().GetValue()
				case DiscoveryDropped:
					s.DiscoveryDropped += m.GetCounter().GetValue()
				case DiscoveryRestart:
					s.DiscoveryRestarts += m.GetCounter().GetValue()
				}
			case "devpair_tracked_presence":
				s.TrackedPresence = m.GetGauge().GetValue()
			case "devpair_inbox_depth":
				s.InboxDepth = m.GetGauge().GetValue()
			case "devpair_ws_clients":
				s.WebsocketClients = m.GetGauge().GetValue()
			case "service_ready":
				s.ServiceReady = m.GetGauge().GetValue()
			}
		}
	}

	if durCount > 0 {
		s.IntentAvgSeconds = durSum / durCount
	}

	return s, nil
}
