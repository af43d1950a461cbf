// Package metrics provides Prometheus metrics for the energy monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "energy_monitor"

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Serial link metrics
	TransactionsTotal  *prometheus.CounterVec
	TransactionLatency prometheus.Histogram
	WatchdogTimeouts   prometheus.Counter
	QueueDepth         prometheus.Gauge
	LinkUp             prometheus.Gauge
	PortReopens        prometheus.Counter

	// Measurement metrics
	Measurement       *prometheus.GaugeVec
	MeasurementsTotal prometheus.Counter

	// Calibration metrics
	CalibrationRuns  *prometheus.CounterVec
	CalibrationState prometheus.Gauge
	AnalyzerErrors   *prometheus.CounterVec

	// MQTT metrics
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
	MQTTBufferSize        prometheus.Gauge
	MQTTPublishLatency    prometheus.Histogram
	MQTTCommandsReceived  *prometheus.CounterVec
}

// NewRegistry creates a metrics registry with all metrics registered on reg.
// Pass prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	r := &Registry{
		TransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "transactions_total",
			Help:      "Serial transaction attempts by command and outcome",
		}, []string{"command", "result"}),
		TransactionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "transaction_latency_seconds",
			Help:      "Time from first transmission to completion of a transaction",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		WatchdogTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "watchdog_timeouts_total",
			Help:      "Transfers abandoned by the software watchdog",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "queue_depth",
			Help:      "Pending transactions including the one in flight",
		}),
		LinkUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "link_up",
			Help:      "1 while the serial link circuit breaker is closed",
		}),
		PortReopens: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "serial",
			Name:      "port_reopens_total",
			Help:      "Number of times the serial port was reopened",
		}),

		Measurement: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "meter",
			Name:      "measurement",
			Help:      "Latest filtered measurement by quantity",
		}, []string{"source", "quantity"}),
		MeasurementsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "meter",
			Name:      "measurements_total",
			Help:      "Total decoded output-bank samples",
		}),

		CalibrationRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "calibration",
			Name:      "runs_total",
			Help:      "Calibration runs by result",
		}, []string{"result"}),
		CalibrationState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "calibration",
			Name:      "state",
			Help:      "Current calibration state (0 = idle)",
		}),
		AnalyzerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "errors_total",
			Help:      "Reference analyzer errors by kind",
		}, []string{"kind"}),

		MQTTMessagesPublished: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "Total number of MQTT messages published",
		}),
		MQTTMessagesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "Total number of failed MQTT publishes",
		}),
		MQTTBufferSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "buffer_size",
			Help:      "Messages waiting in the publish buffer",
		}),
		MQTTPublishLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "publish_latency_seconds",
			Help:      "MQTT publish latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		MQTTCommandsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "commands_received_total",
			Help:      "Remote commands received by name and outcome",
		}, []string{"command", "status"}),
	}

	return r
}

// RecordTransaction records the outcome of one transfer attempt.
func (r *Registry) RecordTransaction(command, result string) {
	r.TransactionsTotal.WithLabelValues(command, result).Inc()
}

// RecordTransactionLatency records the time a transaction took to complete.
func (r *Registry) RecordTransactionLatency(seconds float64) {
	r.TransactionLatency.Observe(seconds)
}

// RecordWatchdogTimeout records one abandoned transfer.
func (r *Registry) RecordWatchdogTimeout() {
	r.WatchdogTimeouts.Inc()
}

// UpdateQueueDepth sets the queue depth gauge.
func (r *Registry) UpdateQueueDepth(depth int) {
	r.QueueDepth.Set(float64(depth))
}

// UpdateLinkState sets the link gauge.
func (r *Registry) UpdateLinkState(up bool) {
	if up {
		r.LinkUp.Set(1)
	} else {
		r.LinkUp.Set(0)
	}
}

// RecordMeasurement exports one measurement as gauges.
func (r *Registry) RecordMeasurement(source string, v, i, p, f, pf, q, s float64) {
	r.Measurement.WithLabelValues(source, "voltage_rms").Set(v)
	r.Measurement.WithLabelValues(source, "current_rms").Set(i)
	r.Measurement.WithLabelValues(source, "active_power").Set(p)
	r.Measurement.WithLabelValues(source, "frequency").Set(f)
	r.Measurement.WithLabelValues(source, "power_factor").Set(pf)
	r.Measurement.WithLabelValues(source, "reactive_power").Set(q)
	r.Measurement.WithLabelValues(source, "apparent_power").Set(s)
	if source == "meter" {
		r.MeasurementsTotal.Inc()
	}
}

// RecordCalibration records the outcome of a calibration run.
func (r *Registry) RecordCalibration(success bool) {
	if success {
		r.CalibrationRuns.WithLabelValues("success").Inc()
	} else {
		r.CalibrationRuns.WithLabelValues("failure").Inc()
	}
}

// UpdateCalibrationState sets the calibration state gauge.
func (r *Registry) UpdateCalibrationState(state int) {
	r.CalibrationState.Set(float64(state))
}

// RecordAnalyzerError records a reference analyzer error.
func (r *Registry) RecordAnalyzerError(kind string) {
	r.AnalyzerErrors.WithLabelValues(kind).Inc()
}

// RecordMQTTPublish records an MQTT publish operation.
func (r *Registry) RecordMQTTPublish(success bool, latency float64) {
	if success {
		r.MQTTMessagesPublished.Inc()
		r.MQTTPublishLatency.Observe(latency)
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}

// UpdateMQTTBufferSize updates the MQTT buffer size gauge.
func (r *Registry) UpdateMQTTBufferSize(size int) {
	r.MQTTBufferSize.Set(float64(size))
}

// RecordMQTTCommand records a received remote command.
func (r *Registry) RecordMQTTCommand(command, status string) {
	r.MQTTCommandsReceived.WithLabelValues(command, status).Inc()
}
