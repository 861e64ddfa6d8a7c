package stats

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dhcgn/mail-crawler/model"
)

// Metrics are the Prometheus series the crawler exports.
type Metrics struct {
	Processed   *prometheus.CounterVec
	Errors      *prometheus.CounterVec
	Connect     *prometheus.HistogramVec
	SpamChecks  *prometheus.CounterVec
	StageFaults *prometheus.CounterVec
}

// NewMetrics registers the crawler series with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Processed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcrawler_messages_processed_total",
			Help: "Messages handled to completion, by mailbox kind",
		}, []string{"kind"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcrawler_message_errors_total",
			Help: "Message handling errors, by mailbox kind",
		}, []string{"kind"}),
		Connect: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailcrawler_mailbox_connect_seconds",
			Help:    "Time to open a mailbox session",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),
		SpamChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcrawler_spam_checks_total",
			Help: "spamd CHECK calls, by verdict (ham, spam, error)",
		}, []string{"verdict"}),
		StageFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailcrawler_stage_faults_total",
			Help: "Pipeline stages that finished with a fault",
		}, []string{"stage"}),
	}
}

// ObserveConnect records how long opening a mailbox of kind took.
func (m *Metrics) ObserveConnect(kind model.MailboxKind, d time.Duration) {
	if m == nil {
		return
	}
	m.Connect.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) ObserveSpamCheck(verdict string) {
	if m == nil {
		return
	}
	m.SpamChecks.WithLabelValues(verdict).Inc()
}

func (m *Metrics) ObserveStageFault(stage string) {
	if m == nil {
		return
	}
	m.StageFaults.WithLabelValues(stage).Inc()
}

func (m *Metrics) add(s Sample) {
	if m == nil {
		return
	}
	m.Processed.WithLabelValues(string(s.Kind)).Add(float64(s.Processed))
	m.Errors.WithLabelValues(string(s.Kind)).Add(float64(s.Errors))
}
