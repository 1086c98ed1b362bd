package metricsx

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"train-tracking-sim/shared/httpx"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	simTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_ticks_total",
			Help: "Simulation ticks fired, by whether the fleet advanced or was frozen by a blackout.",
		},
		[]string{"mode"},
	)
	simTickLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sim_tick_duration_seconds",
			Help:    "Time spent advancing the fleet for one tick.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
	)
	simTrains = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sim_trains",
			Help: "Trains by status.",
		},
		[]string{"status"},
	)
	simBlackout = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sim_blackout_active",
			Help: "1 while the global blackout is active.",
		},
	)
	simIncidents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_incidents_total",
			Help: "Incidents appended to the log, by type.",
		},
		[]string{"type"},
	)
	simCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sim_commands_total",
			Help: "Commands applied to the simulation, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	wsSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_subscribers",
			Help: "Connected websocket subscribers.",
		},
	)
	broadcastDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_dropped_total",
			Help: "Snapshots dropped because a consumer was not keeping up.",
		},
		[]string{"consumer"},
	)
	sinkFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_failures_total",
			Help: "Failed sink writes by sink.",
		},
		[]string{"sink"},
	)
	kafkaConsumerLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kafka_consumer_lag",
			Help: "Kafka consumer lag by topic.",
		},
		[]string{"topic", "group"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
	archiveWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_writes_total",
			Help: "Rows written by the archive worker, by table.",
		},
		[]string{"table"},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpLatency,
			simTicks, simTickLatency, simTrains, simBlackout, simIncidents, simCommands,
			wsSubscribers, broadcastDrops, sinkFailures,
			kafkaConsumerLag, asynqQueueDepth, archiveWrites,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &httpx.StatusRecorder{ResponseWriter: w, StatusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.StatusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func ObserveTick(advanced bool, d time.Duration) {
	mode := "advanced"
	if !advanced {
		mode = "frozen"
	}
	simTicks.WithLabelValues(mode).Inc()
	if advanced {
		simTickLatency.Observe(d.Seconds())
	}
}

func SetTrainsByStatus(counts map[string]int) {
	for status, n := range counts {
		simTrains.WithLabelValues(status).Set(float64(n))
	}
}

func SetBlackout(active bool) {
	if active {
		simBlackout.Set(1)
		return
	}
	simBlackout.Set(0)
}

func IncIncident(incidentType string) {
	simIncidents.WithLabelValues(incidentType).Inc()
}

func IncCommand(kind string, outcome string) {
	simCommands.WithLabelValues(kind, outcome).Inc()
}

func SetSubscribers(n int) {
	wsSubscribers.Set(float64(n))
}

func IncBroadcastDrop(consumer string) {
	broadcastDrops.WithLabelValues(consumer).Inc()
}

func IncSinkFailure(sink string) {
	sinkFailures.WithLabelValues(sink).Inc()
}

func SetKafkaLag(topic string, group string, lag int64) {
	kafkaConsumerLag.WithLabelValues(topic, group).Set(float64(lag))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

func AddArchiveWrites(table string, n int) {
	archiveWrites.WithLabelValues(table).Add(float64(n))
}
