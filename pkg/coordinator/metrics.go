package coordinator

import (
	"sync"
	"time"

	"github.com/askuuz/askuuz/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "askuuz_"

	resultSuccess  = "success"
	resultFallback = "fallback"
	resultReauth   = "reauth_required"
	resultError    = "error"
)

var (
	registerOnce sync.Once

	refreshTotal   *prometheus.CounterVec
	refreshLatency *prometheus.HistogramVec
	authTotal      *prometheus.CounterVec
	lastSuccess    *prometheus.GaugeVec
)

func registerMetrics() {
	registerOnce.Do(func() {
		refreshTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "refresh_total",
				Help: "Total account refreshes by service and result",
			},
			[]string{"service", "result"},
		)
		refreshLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "refresh_latency_seconds",
				Help:    "Account refresh latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		)
		authTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "auth_total",
				Help: "Total portal logins by service and result",
			},
			[]string{"service", "result"},
		)
		lastSuccess = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "last_success_timestamp_seconds",
				Help: "Unix time of the last successful refresh per account",
			},
			[]string{"service", "entry_id"},
		)

		prometheus.MustRegister(
			refreshTotal,
			refreshLatency,
			authTotal,
			lastSuccess,
		)
	})
}

func observeRefresh(svc types.Service, result string, elapsed time.Duration) {
	refreshTotal.WithLabelValues(string(svc), result).Inc()
	refreshLatency.WithLabelValues(string(svc)).Observe(elapsed.Seconds())
}

func observeAuth(svc types.Service, result string) {
	authTotal.WithLabelValues(string(svc), result).Inc()
}

func setLastSuccess(account types.Account, t time.Time) {
	lastSuccess.WithLabelValues(string(account.Service), account.ID).Set(float64(t.Unix()))
}

func forgetAccount(account types.Account) {
	lastSuccess.DeleteLabelValues(string(account.Service), account.ID)
}
