package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"chronos/internal/ledger"
	"chronos/pkg/logging"
)

// JobManager runs the periodic ledger jobs: the deduction pass that debits
// active timers and the low-balance sweep that alerts accounts about to run
// out.
type JobManager struct {
	service  *ledger.Service
	logger   logging.Logger
	notifier *NotificationService
	metrics  *ChronosMetrics

	deductionInterval   time.Duration
	sweepInterval       time.Duration
	lowBalanceThreshold decimal.Decimal

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewJobManager creates a job manager. lowBalanceThreshold is the remaining
// runtime, in minutes, under which an account gets alerted.
func NewJobManager(service *ledger.Service, logger logging.Logger, notifier *NotificationService,
	metrics *ChronosMetrics, deductionInterval, sweepInterval time.Duration,
	lowBalanceThreshold decimal.Decimal) *JobManager {
	return &JobManager{
		service:             service,
		logger:              logger,
		notifier:            notifier,
		metrics:             metrics,
		deductionInterval:   deductionInterval,
		sweepInterval:       sweepInterval,
		lowBalanceThreshold: lowBalanceThreshold,
		stopCh:              make(chan struct{}),
	}
}

// Start launches the background jobs. They stop when ctx is cancelled or
// Stop is called.
func (jm *JobManager) Start(ctx context.Context) {
	jm.wg.Add(2)
	go jm.runDeductionLoop(ctx)
	go jm.runLowBalanceSweep(ctx)

	jm.logger.WithFields(logging.Fields{
		"deduction_interval": jm.deductionInterval.String(),
		"sweep_interval":     jm.sweepInterval.String(),
	}).Info("Background jobs started")
}

// Stop shuts the jobs down and waits for in-flight passes to finish.
func (jm *JobManager) Stop() {
	close(jm.stopCh)
	jm.wg.Wait()
	jm.logger.Info("Background jobs stopped")
}

func (jm *JobManager) runDeductionLoop(ctx context.Context) {
	defer jm.wg.Done()

	ticker := time.NewTicker(jm.deductionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			jm.runDeductionPass(ctx)
		case <-jm.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (jm *JobManager) runDeductionPass(ctx context.Context) {
	result, err := jm.service.RunDeductionPass(ctx)
	if err != nil {
		jm.logger.WithField("error", err).Error("Scheduled deduction pass failed")
		return
	}

	jm.metrics.DeductionPasses.WithLabelValues("scheduled").Inc()
	jm.metrics.TimersProcessed.Add(float64(result.Processed))
	jm.metrics.TimersDeactivated.Add(float64(result.Deactivated))
	jm.metrics.TimersSkipped.Add(float64(result.Skipped))
}

func (jm *JobManager) runLowBalanceSweep(ctx context.Context) {
	defer jm.wg.Done()

	ticker := time.NewTicker(jm.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			jm.sweepLowBalances(ctx)
		case <-jm.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (jm *JobManager) sweepLowBalances(ctx context.Context) {
	if jm.notifier == nil {
		return
	}

	candidates, err := jm.service.ListLowBalanceTimers(ctx, jm.lowBalanceThreshold)
	if err != nil {
		jm.logger.WithField("error", err).Error("Low balance sweep failed")
		return
	}

	for _, candidate := range candidates {
		jm.notifier.SendLowBalanceAlert(ctx, candidate)
		if err := jm.service.MarkLowBalanceNotified(ctx, candidate.TimerID); err != nil {
			jm.logger.WithFields(logging.Fields{
				"timer_id": candidate.TimerID,
				"error":    err,
			}).Error("Failed to mark timer as notified")
		}
	}

	if len(candidates) > 0 {
		jm.logger.WithField("alerted", len(candidates)).Info("Low balance sweep complete")
	}
}
