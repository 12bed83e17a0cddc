// Package alert renders and delivers alerts to the chat webhook and mirror channels.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/quotesentinel/internal/dedup"
	"github.com/rewired-gh/quotesentinel/internal/logger"
	"golang.org/x/time/rate"
)

// Sender delivers one rendered message. Implementations must honor ctx.
type Sender interface {
	Post(ctx context.Context, title, text string) error
}

// Gatekeeper decides whether an alert may go out.
type Gatekeeper interface {
	Check(symbol, reason string, now time.Time, force bool) dedup.Decision
}

type Status int

const (
	StatusSent Status = iota
	StatusSuppressed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusSuppressed:
		return "suppressed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Alert is a rendered alert plus the dedup identity it is gated on.
type Alert struct {
	Title  string
	Body   string
	Symbol string
	Reason string
	// Force skips the trading-date dedup layer; the cooldown still applies.
	Force bool
}

// Result describes what happened to one Dispatch call.
type Result struct {
	ID       string
	Status   Status
	Decision dedup.Decision
	Attempts int
	Err      error
}

const (
	DefaultRetryTimes     = 3
	DefaultRetryInterval  = time.Second
	DefaultAttemptTimeout = 10 * time.Second
)

// Dispatcher gates, delivers and retries alerts. Delivery failures are logged and
// reported in the Result, never returned as errors.
type Dispatcher struct {
	sender         Sender
	gate           Gatekeeper
	mirrors        []Sender
	retryTimes     int
	retryInterval  time.Duration
	attemptTimeout time.Duration
	limiter        *rate.Limiter
	now            func() time.Time

	failureAlertAfter int
	mu                sync.Mutex
	failureStreak     int
}

type Option func(*Dispatcher)

func WithRetry(times int, interval time.Duration) Option {
	return func(d *Dispatcher) {
		if times > 0 {
			d.retryTimes = times
		}
		if interval >= 0 {
			d.retryInterval = interval
		}
	}
}

func WithAttemptTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.attemptTimeout = timeout
		}
	}
}

// WithRateLimit paces deliveries to at most perMinute messages. Zero disables pacing.
func WithRateLimit(perMinute int) Option {
	return func(d *Dispatcher) {
		if perMinute > 0 {
			d.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		} else {
			d.limiter = nil
		}
	}
}

// WithMirror adds a best-effort secondary channel that receives every delivered message.
func WithMirror(s Sender) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.mirrors = append(d.mirrors, s)
		}
	}
}

// WithFailureAlertAfter raises an operator notice once this many dispatches in a row fail.
func WithFailureAlertAfter(n int) Option {
	return func(d *Dispatcher) { d.failureAlertAfter = n }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(sender Sender, gate Gatekeeper, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:         sender,
		gate:           gate,
		retryTimes:     DefaultRetryTimes,
		retryInterval:  DefaultRetryInterval,
		attemptTimeout: DefaultAttemptTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch consults the gate and, if admitted, delivers the alert with bounded retries.
// A suppressed alert makes no network call.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) Result {
	res := Result{ID: uuid.New().String()}
	log := logger.WithFields(map[string]interface{}{"symbol": a.Symbol, "reason": a.Reason, "alert_id": res.ID})

	if d.gate != nil {
		res.Decision = d.gate.Check(a.Symbol, a.Reason, d.now(), a.Force)
		if res.Decision != dedup.Admitted {
			res.Status = StatusSuppressed
			log.Infof("Alert suppressed (%s)", res.Decision)
			return res
		}
	}

	res.Attempts, res.Err = d.deliver(ctx, a.Title, a.Body)
	if res.Err != nil {
		res.Status = StatusFailed
		log.Errorf("Alert delivery failed after %d attempt(s): %v", res.Attempts, res.Err)
		d.recordFailure(ctx)
		return res
	}

	res.Status = StatusSent
	log.Infof("Alert sent in %d attempt(s)", res.Attempts)
	d.recordSuccess()
	d.mirror(ctx, a.Title, a.Body)
	return res
}

// Notify sends an operator notice. It bypasses the gate so repeated connectivity
// warnings are never swallowed by the cooldown.
func (d *Dispatcher) Notify(ctx context.Context, title, body string) error {
	_, err := d.deliver(ctx, title, body)
	d.mirror(ctx, title, body)
	if err != nil {
		logger.Error("Operator notice %q not delivered: %v", title, err)
	}
	return err
}

func (d *Dispatcher) deliver(ctx context.Context, title, body string) (int, error) {
	if d.sender == nil {
		return 0, fmt.Errorf("no webhook configured")
	}

	var lastErr error
	attempts := 0
	for i := 0; i < d.retryTimes; i++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return attempts, fmt.Errorf("rate limiter: %w", err)
			}
		}

		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, d.attemptTimeout)
		err := d.sender.Post(attemptCtx, title, body)
		cancel()
		if err == nil {
			return attempts, nil
		}
		lastErr = err
		logger.Warn("Webhook attempt %d/%d failed: %v", attempts, d.retryTimes, err)

		if i < d.retryTimes-1 {
			select {
			case <-ctx.Done():
				return attempts, ctx.Err()
			case <-time.After(d.retryInterval):
			}
		}
	}
	return attempts, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (d *Dispatcher) mirror(ctx context.Context, title, body string) {
	for _, m := range d.mirrors {
		if err := m.Post(ctx, title, body); err != nil {
			logger.Warn("Mirror delivery failed: %v", err)
		}
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context) {
	d.mu.Lock()
	d.failureStreak++
	streak := d.failureStreak
	d.mu.Unlock()

	if d.failureAlertAfter > 0 && streak == d.failureAlertAfter {
		body := fmt.Sprintf("%d consecutive alerts could not be delivered to the webhook.", streak)
		d.mirror(ctx, "Alert delivery failing", body)
	}
}

func (d *Dispatcher) recordSuccess() {
	d.mu.Lock()
	d.failureStreak = 0
	d.mu.Unlock()
}

// FailureStreak returns the number of consecutive failed dispatches.
func (d *Dispatcher) FailureStreak() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failureStreak
}
