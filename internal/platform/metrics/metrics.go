package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "securecomm"

// Metrics holds the key-core counters. A nil *Metrics is valid and records
// nothing, so components can be built without a registry.
type Metrics struct {
	registry *prometheus.Registry

	decryptFailures    *prometheus.CounterVec
	dekRotations       prometheus.Counter
	keyRotations       prometheus.Counter
	rewrapFailures     prometheus.Counter
	pairingTransitions *prometheus.CounterVec
	migrations         *prometheus.CounterVec
	backups            *prometheus.CounterVec
	rpcRequests        *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		decryptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decrypt_failures_total",
			Help:      "Message and key decrypt failures by kind.",
		}, []string{"kind"}),
		dekRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dek_rotations_total",
			Help:      "Completed DEK rotations.",
		}),
		keyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_key_rotations_total",
			Help:      "Device encryption key rotations that kept the DEK.",
		}),
		rewrapFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrap_failures_total",
			Help:      "Session key entries that could not be rewrapped during rotation.",
		}),
		pairingTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_transitions_total",
			Help:      "Pairing session transitions by target status.",
		}, []string{"status"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legacy_migrations_total",
			Help:      "Legacy cache migration runs by resulting status.",
		}, []string{"status"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backup_operations_total",
			Help:      "Backup operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and result code.",
		}, []string{"method", "code"}),
	}
	reg.MustRegister(
		m.decryptFailures,
		m.dekRotations,
		m.keyRotations,
		m.rewrapFailures,
		m.pairingTransitions,
		m.migrations,
		m.backups,
		m.rpcRequests,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) DecryptFailure(kind string) {
	if m == nil {
		return
	}
	m.decryptFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) DEKRotated() {
	if m == nil {
		return
	}
	m.dekRotations.Inc()
}

func (m *Metrics) DeviceKeyRotated() {
	if m == nil {
		return
	}
	m.keyRotations.Inc()
}

func (m *Metrics) RewrapFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rewrapFailures.Add(float64(n))
}

func (m *Metrics) PairingTransition(status string) {
	if m == nil {
		return
	}
	m.pairingTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) Migration(status string) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(status).Inc()
}

func (m *Metrics) Backup(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.backups.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RPCRequest(method string, code int) {
	if m == nil {
		return
	}
	m.rpcRequests.WithLabelValues(method, codeLabel(code)).Inc()
}

func codeLabel(code int) string {
	if code == 0 {
		return "ok"
	}
	return strconv.Itoa(code)
}
