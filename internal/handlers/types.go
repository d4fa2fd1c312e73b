package handlers

import (
	"github.com/prometheus/client_golang/prometheus"

	"chronos/internal/ledger"
	"chronos/internal/storage"
	"chronos/pkg/database"
	"chronos/pkg/logging"
	"chronos/pkg/monitoring"
)

var (
	service  *ledger.Service
	logger   logging.Logger
	notifier *NotificationService
	uploader *storage.S3Client
	metrics  *ChronosMetrics
)

// ChronosMetrics tracks ledger activity for Prometheus.
type ChronosMetrics struct {
	DeductionPasses   *prometheus.CounterVec
	TimersProcessed   prometheus.Counter
	TimersDeactivated prometheus.Counter
	TimersSkipped     prometheus.Counter
	Topups            *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
}

// NewChronosMetrics creates ledger metrics on the service collector.
func NewChronosMetrics(mc *monitoring.MetricsCollector) *ChronosMetrics {
	passes := mc.NewCounter("deduction_passes_total", "Deduction passes executed", []string{"trigger"})
	processed := mc.NewCounter("timers_processed_total", "Timers debited by deduction passes", []string{})
	deactivated := mc.NewCounter("timers_deactivated_total", "Timers deactivated by deduction passes", []string{})
	skipped := mc.NewCounter("timers_skipped_total", "Timers skipped due to settle errors", []string{})
	topups := mc.NewCounter("topups_total", "Balance top-ups recorded", []string{"source"})
	notifications := mc.NewCounter("notifications_total", "Notifications attempted", []string{"channel", "status"})

	return &ChronosMetrics{
		DeductionPasses:   passes,
		TimersProcessed:   processed.WithLabelValues(),
		TimersDeactivated: deactivated.WithLabelValues(),
		TimersSkipped:     skipped.WithLabelValues(),
		Topups:            topups,
		Notifications:     notifications,
	}
}

// Init wires the handler package to its collaborators and returns the
// ledger service for callers that need it (the job manager). Must be called
// before any route is registered.
func Init(dbConn database.PostgresConn, log logging.Logger, m *ChronosMetrics) *ledger.Service {
	service = ledger.NewService(dbConn, log)
	logger = log
	metrics = m
	return service
}

// SetNotifier installs the notification service used by handlers and jobs.
func SetNotifier(n *NotificationService) {
	notifier = n
}

// SetUploader installs the blob storage client used by the image upload
// endpoint. A nil uploader disables uploads with a 503.
func SetUploader(u *storage.S3Client) {
	uploader = u
}
