package supervisor

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lexcodex/stdiohub/rpc"
)

// Metrics holds the supervisor's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	InstanceStatus  *prometheus.GaugeVec
	Starts          *prometheus.CounterVec
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Messages        *prometheus.CounterVec
	MalformedLines  *prometheus.CounterVec
	StderrLines     *prometheus.CounterVec
	PendingRejected *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		InstanceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "stdiohub",
				Subsystem: "worker",
				Name:      "status",
				Help:      "1 for the current status of each worker, 0 otherwise",
			},
			[]string{"server", "status"},
		),
		Starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stdiohub",
				Subsystem: "worker",
				Name:      "starts_total",
				Help:      "Worker start attempts by result",
			},
			[]string{"server", "result"},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stdiohub",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Correlated calls by outcome",
			},
			[]string{"server", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "stdiohub",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Time from write to settlement of a call",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"server"},
		),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stdiohub",
				Subsystem: "rpc",
				Name:      "messages_total",
				Help:      "Messages recorded by direction",
			},
			[]string{"server", "direction"},
		),
		MalformedLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stdiohub",
				Subsystem: "rpc",
				Name:      "malformed_lines_total",
				Help:      "Stdout lines dropped because they were not JSON objects",
			},
			[]string{"server"},
		),
		StderrLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stdiohub",
				Subsystem: "worker",
				Name:      "stderr_lines_total",
				Help:      "Diagnostic lines read from worker stderr",
			},
			[]string{"server"},
		),
		PendingRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "stdiohub",
				Subsystem: "rpc",
				Name:      "pending_rejected_total",
				Help:      "Pending calls rejected by stop or process exit",
			},
			[]string{"server", "reason"},
		),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.InstanceStatus, m.Starts, m.Requests, m.RequestDuration,
			m.Messages, m.MalformedLines, m.StderrLines, m.PendingRejected,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

var allStatuses = []Status{StatusInitializing, StatusReady, StatusError, StatusStopped}

func (m *Metrics) setStatus(server string, status Status) {
	if m == nil {
		return
	}
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.InstanceStatus.WithLabelValues(server, string(s)).Set(v)
	}
}

func (m *Metrics) startResult(server string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = rpc.KindOf(err).String()
	}
	m.Starts.WithLabelValues(server, result).Inc()
}

func (m *Metrics) observeCall(server string, started time.Time, msg *rpc.Message, err error) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(server, callOutcome(msg, err)).Inc()
	m.RequestDuration.WithLabelValues(server).Observe(time.Since(started).Seconds())
}

func (m *Metrics) message(server string, dir rpc.Direction) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(server, string(dir)).Inc()
}

func (m *Metrics) malformed(server string) {
	if m == nil {
		return
	}
	m.MalformedLines.WithLabelValues(server).Inc()
}

func (m *Metrics) stderrLine(server string) {
	if m == nil {
		return
	}
	m.StderrLines.WithLabelValues(server).Inc()
}

func (m *Metrics) rejected(server, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PendingRejected.WithLabelValues(server, reason).Add(float64(n))
}

func callOutcome(msg *rpc.Message, err error) string {
	switch {
	case err == nil && msg != nil && msg.Error != nil:
		return "protocol_error"
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return rpc.KindOf(err).String()
	}
}
