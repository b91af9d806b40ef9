package cases

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/casebridge/internal/retry"
	"github.com/linnemanlabs/casebridge/internal/session"
)

// Metrics holds Prometheus metrics for case creation and the session it uses.
type Metrics struct {
	AuthOK         prometheus.Gauge
	AuthTotal      *prometheus.CounterVec
	RequestsTotal  prometheus.Counter
	ErrorsTotal    *prometheus.CounterVec
	RetriesTotal   *prometheus.CounterVec
	CasesTotal     *prometheus.CounterVec
	CaseDuration   *prometheus.HistogramVec
	DedupHitsTotal prometheus.Counter
	DedupEntries   prometheus.GaugeFunc
	QueryDuration  *prometheus.HistogramVec
}

// NewMetrics registers and returns case metrics on the given registerer.
// cacheLen may be nil.
func NewMetrics(reg prometheus.Registerer, cacheLen func() int) *Metrics {
	if cacheLen == nil {
		cacheLen = func() int { return 0 }
	}
	m := &Metrics{
		AuthOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "casebridge_sf_auth_ok",
			Help: "1 when the process holds a usable backend session.",
		}),
		AuthTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casebridge_sf_auth_total",
			Help: "Session authentication attempts by outcome.",
		}, []string{"outcome"}),
		RequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casebridge_sf_requests_total",
			Help: "Total case create calls sent to the backend, retries included.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casebridge_sf_errors_total",
			Help: "Case creations that ended in error, by failure kind.",
		}, []string{"kind"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casebridge_sf_retries_total",
			Help: "Backend calls retried after re-authentication, by failure kind.",
		}, []string{"kind"}),
		CasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "casebridge_cases_total",
			Help: "Case creation calls by final status.",
		}, []string{"status"}),
		CaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casebridge_case_duration_seconds",
			Help:    "Duration of case creation calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 13), // 10ms .. ~41s
		}, []string{"status"}),
		DedupHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "casebridge_dedup_hits_total",
			Help: "Case creation calls answered from the dedup cache.",
		}),
		DedupEntries: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "casebridge_dedup_entries",
			Help: "Live entries in the dedup cache.",
		}, func() float64 { return float64(cacheLen()) }),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "casebridge_db_query_duration_seconds",
			Help:    "Duration of session store queries in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"operation", "outcome"}),
	}

	reg.MustRegister(
		m.AuthOK,
		m.AuthTotal,
		m.RequestsTotal,
		m.ErrorsTotal,
		m.RetriesTotal,
		m.CasesTotal,
		m.CaseDuration,
		m.DedupHitsTotal,
		m.DedupEntries,
		m.QueryDuration,
	)

	return m
}

// Hooks returns creator hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnRequest:  m.RequestsTotal.Inc,
		OnDedupHit: m.DedupHitsTotal.Inc,
		OnError: func(kind string) {
			m.ErrorsTotal.WithLabelValues(kind).Inc()
		},
		OnResult: func(status Status, seconds float64) {
			m.CasesTotal.WithLabelValues(string(status)).Inc()
			m.CaseDuration.WithLabelValues(string(status)).Observe(seconds)
		},
	}
}

// SessionHooks returns session manager hooks that track auth health.
func (m *Metrics) SessionHooks() session.Hooks {
	return session.Hooks{
		OnAuth: func(outcome string, ok bool) {
			m.AuthTotal.WithLabelValues(outcome).Inc()
			if ok {
				m.AuthOK.Set(1)
			} else if outcome != session.OutcomeLocked {
				m.AuthOK.Set(0)
			}
		},
	}
}

// RetryHooks returns retry hooks that count re-authenticated retries.
func (m *Metrics) RetryHooks() retry.Hooks {
	return retry.Hooks{
		OnRetry: func(kind string) {
			m.RetriesTotal.WithLabelValues(kind).Inc()
		},
	}
}

// ObserveQuery records a session store query. It satisfies postgres.QueryObserver.
func (m *Metrics) ObserveQuery(_ context.Context, operation, outcome string, dur time.Duration) {
	m.QueryDuration.WithLabelValues(operation, outcome).Observe(dur.Seconds())
}
