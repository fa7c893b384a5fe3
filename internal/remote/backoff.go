package remote

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/syntrixbase/syntrix-sync/internal/asyncqueue"
)

// BackoffConfig configures an ExponentialBackoff.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
}

// DefaultBackoffConfig returns 1s initial delay growing by 1.5 up to 60s.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial: time.Second,
		Max:     60 * time.Second,
		Factor:  1.5,
	}
}

// ApplyDefaults fills zero values with defaults.
func (c *BackoffConfig) ApplyDefaults() {
	defaults := DefaultBackoffConfig()
	if c.Initial <= 0 {
		c.Initial = defaults.Initial
	}
	if c.Max <= 0 {
		c.Max = defaults.Max
	}
	if c.Max < c.Initial {
		c.Max = c.Initial
	}
	if c.Factor < 1 {
		c.Factor = defaults.Factor
	}
}

// ExponentialBackoff schedules retries on the async queue. The first attempt
// after a reset runs immediately; each later one waits base ± 50% where base
// grows by Factor up to Max. Time already spent since the last attempt is
// subtracted from the wait.
type ExponentialBackoff struct {
	queue   *asyncqueue.Queue
	timerID asyncqueue.TimerID
	cfg     BackoffConfig
	logger  *slog.Logger
	random  func() float64

	currentBase time.Duration
	lastAttempt time.Time
	timer       *asyncqueue.DelayedOperation
}

func NewExponentialBackoff(queue *asyncqueue.Queue, timerID asyncqueue.TimerID, cfg BackoffConfig, logger *slog.Logger) *ExponentialBackoff {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExponentialBackoff{
		queue:       queue,
		timerID:     timerID,
		cfg:         cfg,
		logger:      logger,
		random:      rand.Float64,
		lastAttempt: queue.Clock().Now(),
	}
}

// Reset makes the next attempt run immediately.
func (b *ExponentialBackoff) Reset() {
	b.currentBase = 0
}

// ResetToMax makes the next attempt wait the maximum delay.
func (b *ExponentialBackoff) ResetToMax() {
	b.currentBase = b.cfg.Max
}

// CurrentBase returns the base delay of the next attempt.
func (b *ExponentialBackoff) CurrentBase() time.Duration { return b.currentBase }

// BackoffAndRun cancels any pending attempt and schedules op.
func (b *ExponentialBackoff) BackoffAndRun(op func()) {
	b.Cancel()

	desired := b.currentBase + b.jitter()
	elapsed := b.queue.Clock().Since(b.lastAttempt)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := desired - elapsed
	if remaining < 0 {
		remaining = 0
	}
	if b.currentBase > 0 {
		b.logger.Debug("Backing off",
			"timer", string(b.timerID),
			"delay", remaining,
			"base", b.currentBase,
			"elapsed", elapsed)
	}

	b.timer = b.queue.EnqueueAfterDelay(b.timerID, remaining, func() {
		b.lastAttempt = b.queue.Clock().Now()
		b.timer = nil
		op()
	})

	b.currentBase = time.Duration(float64(b.currentBase) * b.cfg.Factor)
	if b.currentBase < b.cfg.Initial {
		b.currentBase = b.cfg.Initial
	}
	if b.currentBase > b.cfg.Max {
		b.currentBase = b.cfg.Max
	}
}

// Cancel drops a pending attempt.
func (b *ExponentialBackoff) Cancel() {
	if b.timer != nil {
		b.timer.Cancel()
		b.timer = nil
	}
}

func (b *ExponentialBackoff) jitter() time.Duration {
	return time.Duration((b.random() - 0.5) * float64(b.currentBase))
}
