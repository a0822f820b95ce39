// delay.go - RateLimitDelay spacing out calls into the confidential-compute backend.

package throttle

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrDelayIntegrity is returned when the bucket state is inconsistent. The
// enclosing operation must abort.
var ErrDelayIntegrity = errors.New("rate limit delay integrity check failed")

// Config configures a Delay.
type Config struct {
	// Enabled turns throttling on. A disabled Delay still verifies its state.
	Enabled      bool
	Burst        int
	RefillTokens int
	RefillPeriod time.Duration
	Clock        Clock
	Logger       logrus.FieldLogger
	// OnWait, if set, is called with every non-zero wait.
	OnWait func(time.Duration)
}

// Delay is inserted between successive homomorphic steps. It carries no
// business semantics: every Tick costs the same regardless of the data.
type Delay struct {
	limiter *Limiter
	enabled bool
	clock   Clock
	log     logrus.FieldLogger
	onWait  func(time.Duration)

	ticks  int64
	waited int64 // nanoseconds
}

// NewDelay builds a Delay from cfg.
func NewDelay(cfg Config) *Delay {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Delay{
		limiter: NewLimiter(cfg.Burst, cfg.RefillTokens, cfg.RefillPeriod, cfg.Clock),
		enabled: cfg.Enabled,
		clock:   cfg.Clock,
		log:     cfg.Logger.WithField("component", "throttle"),
		onWait:  cfg.OnWait,
	}
}

// Tick waits for the next slot and verifies the bucket invariant.
func (d *Delay) Tick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.enabled {
		waited, err := d.limiter.Wait(ctx)
		if err != nil {
			return err
		}
		atomic.AddInt64(&d.waited, int64(waited))
		if waited > 0 {
			d.log.WithField("waited", waited).Debug("backend call throttled")
			if d.onWait != nil {
				d.onWait(waited)
			}
		}
	}
	if err := d.verify(); err != nil {
		d.log.WithError(err).Error("delay integrity failure")
		return err
	}
	atomic.AddInt64(&d.ticks, 1)
	return nil
}

// Ticks returns the number of completed ticks.
func (d *Delay) Ticks() int64 {
	return atomic.LoadInt64(&d.ticks)
}

// Waited returns the total time spent waiting for tokens.
func (d *Delay) Waited() time.Duration {
	return time.Duration(atomic.LoadInt64(&d.waited))
}

func (d *Delay) verify() error {
	tokens, maxTokens, lastRefill := d.limiter.state()
	if tokens < 0 || tokens > maxTokens {
		return errors.Wrapf(ErrDelayIntegrity, "tokens %d outside [0,%d]", tokens, maxTokens)
	}
	if lastRefill.After(d.clock.Now()) {
		return errors.Wrap(ErrDelayIntegrity, "last refill is in the future")
	}
	return nil
}
