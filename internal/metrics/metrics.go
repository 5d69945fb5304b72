package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total emails that exhausted their retry budget",
		},
	)

	EmailOpens = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_opens_total",
			Help: "Total tracked email opens",
		},
	)

	EmailClicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_clicks_total",
			Help: "Total tracked link clicks",
		},
	)

	EmailRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Total send attempts requeued with backoff",
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(EmailOpens)
	prometheus.MustRegister(EmailClicks)
	prometheus.MustRegister(EmailRetries)
}
