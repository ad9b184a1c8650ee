package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/swapdesk/chatserver/internal/chat"
	"github.com/swapdesk/chatserver/pkg/logger"
	"github.com/swapdesk/chatserver/pkg/metrics"
)

const (
	defaultSchedule = "@daily"

	defaultOfflineRetentionDays      = 7
	defaultStatusRetentionDays       = 30
	defaultResponseTimeRetentionDays = 90
	defaultFileDownloadGrace         = 24 * time.Hour
)

// Cleaner coordinates the retention sweepers: delivered offline messages,
// aged delivery statuses, expired or collected files, and old response-time
// samples. Each sweep runs independently; one failing target never blocks the
// others.
type Cleaner struct {
	queue         *chat.OfflineQueueService
	statuses      *chat.DeliveryStatusService
	files         *chat.FileService
	responseTimes *chat.ResponseTimeService

	cron *cron.Cron
	now  func() time.Time
	log  *zap.Logger

	schedule string

	offlineRetentionDays      int
	statusRetentionDays       int
	responseTimeRetentionDays int
	fileDownloadGrace         time.Duration
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSchedule overrides the cron specification shared by all sweeps.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// WithOfflineRetentionDays adjusts how long delivered offline messages are kept.
func WithOfflineRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.offlineRetentionDays = days
		}
	}
}

// WithStatusRetentionDays adjusts how long delivery status records are kept.
func WithStatusRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.statusRetentionDays = days
		}
	}
}

// WithResponseTimeRetentionDays adjusts how long reply-latency samples are kept.
func WithResponseTimeRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.responseTimeRetentionDays = days
		}
	}
}

// WithFileDownloadGrace adjusts how long downloaded files linger before removal.
func WithFileDownloadGrace(grace time.Duration) Option {
	return func(cleaner *Cleaner) {
		if grace > 0 {
			cleaner.fileDownloadGrace = grace
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil service skips
// the corresponding sweep.
func NewCleaner(queue *chat.OfflineQueueService, statuses *chat.DeliveryStatusService, files *chat.FileService, responseTimes *chat.ResponseTimeService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		queue:                     queue,
		statuses:                  statuses,
		files:                     files,
		responseTimes:             responseTimes,
		now:                       time.Now,
		schedule:                  defaultSchedule,
		offlineRetentionDays:      defaultOfflineRetentionDays,
		statusRetentionDays:       defaultStatusRetentionDays,
		responseTimeRetentionDays: defaultResponseTimeRetentionDays,
		fileDownloadGrace:         defaultFileDownloadGrace,
		log:                       logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers one sweep job per target with the cron scheduler and
// launches it. The jobs are independent so a slow or failing target never
// delays the others.
func (c *Cleaner) Start() error {
	if c.queue != nil {
		if _, err := c.cron.AddFunc(c.schedule, func() {
			deleted, err := c.queue.Sweep(context.Background(), c.offlineRetentionDays)
			c.observe("offline_messages", deleted, err, nil)
		}); err != nil {
			return err
		}
	}

	if c.statuses != nil {
		if _, err := c.cron.AddFunc(c.schedule, func() {
			cutoff := c.now().AddDate(0, 0, -c.statusRetentionDays)
			deleted, err := c.statuses.Sweep(context.Background(), cutoff)
			c.observe("delivery_statuses", deleted, err, nil)
		}); err != nil {
			return err
		}
	}

	if c.files != nil {
		if _, err := c.cron.AddFunc(c.schedule, func() {
			deleted, err := c.files.Sweep(context.Background(), c.fileDownloadGrace)
			c.observe("encrypted_files", deleted, err, nil)
		}); err != nil {
			return err
		}
	}

	if c.responseTimes != nil {
		if _, err := c.cron.AddFunc(c.schedule, func() {
			deleted, err := c.responseTimes.Sweep(context.Background(), c.responseTimeRetentionDays)
			c.observe("response_times", deleted, err, nil)
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every configured sweep sequentially. Primarily used in
// tests and during graceful shutdown. Failures are collected so later sweeps
// still run.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.queue != nil {
		deleted, err := c.queue.Sweep(ctx, c.offlineRetentionDays)
		errs = c.observe("offline_messages", deleted, err, errs)
	}

	if c.statuses != nil {
		cutoff := c.now().AddDate(0, 0, -c.statusRetentionDays)
		deleted, err := c.statuses.Sweep(ctx, cutoff)
		errs = c.observe("delivery_statuses", deleted, err, errs)
	}

	if c.files != nil {
		deleted, err := c.files.Sweep(ctx, c.fileDownloadGrace)
		errs = c.observe("encrypted_files", deleted, err, errs)
	}

	if c.responseTimes != nil {
		deleted, err := c.responseTimes.Sweep(ctx, c.responseTimeRetentionDays)
		errs = c.observe("response_times", deleted, err, errs)
	}

	return errs
}

func (c *Cleaner) observe(target string, deleted int64, err, errs error) error {
	if err != nil {
		c.log.Warn("sweep failed", zap.String("target", target), zap.Error(err))
		return multierr.Append(errs, err)
	}
	if deleted > 0 {
		metrics.SweepDeleted.WithLabelValues(target).Add(float64(deleted))
		c.log.Info("sweep removed records",
			zap.String("target", target),
			zap.Int64("deleted", deleted))
	}
	return errs
}
