package report

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-microbatch"
	"github.com/joeycumines/logiface"
)

type (
	// Reporter is the single error reporting channel, shared by all
	// components of a runtime. Reporting never fails, and never panics.
	//
	// Every report is logged. The first report is treated as the critical
	// error for the lifetime of the Reporter: it alone is delivered to the
	// Sink (best effort), and, in debug mode, surfaced via the Notifier.
	// Later reports are only logged, unless follow-up rates are configured,
	// see WithFollowUpRates.
	Reporter struct {
		logger   *logiface.Logger[logiface.Event]
		notifier Notifier
		batcher  *microbatch.Batcher[*Error]
		limiter  *catrate.Limiter
		count    atomic.Int64
		critical atomic.Bool
		debug    bool
	}

	// Sink delivers reports to some external system.
	Sink interface {
		Send(ctx context.Context, reports []*Error) error
	}

	// SinkFunc implements Sink.
	SinkFunc func(ctx context.Context, reports []*Error) error

	// Notifier surfaces an error to the user, blocking until acknowledged.
	Notifier interface {
		Notify(err *Error)
	}

	// NotifierFunc implements Notifier.
	NotifierFunc func(err *Error)

	// Option configures a Reporter.
	Option func(c *reporterConfig)

	reporterConfig struct {
		logger        *logiface.Logger[logiface.Event]
		sink          Sink
		notifier      Notifier
		batch         *microbatch.BatcherConfig
		followUpRates map[time.Duration]int
		sendTimeout   time.Duration
		debug         bool
	}
)

var (
	// compile time assertions

	_ Sink     = SinkFunc(nil)
	_ Notifier = NotifierFunc(nil)
)

func (x SinkFunc) Send(ctx context.Context, reports []*Error) error { return x(ctx, reports) }

func (x NotifierFunc) Notify(err *Error) { x(err) }

// WithLogger configures the logger, a nil logger disables local logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return func(c *reporterConfig) {
		c.logger = logger
	}
}

// WithSink configures remote delivery.
func WithSink(sink Sink) Option {
	return func(c *reporterConfig) {
		c.sink = sink
	}
}

// WithNotifier configures the blocking, user-visible notification, used only
// in debug mode.
func WithNotifier(notifier Notifier) Option {
	return func(c *reporterConfig) {
		c.notifier = notifier
	}
}

// WithDebug enables debug mode.
func WithDebug(enabled bool) Option {
	return func(c *reporterConfig) {
		c.debug = enabled
	}
}

// WithBatching configures the batching of remote delivery, see
// microbatch.BatcherConfig for the defaults.
func WithBatching(config *microbatch.BatcherConfig) Option {
	return func(c *reporterConfig) {
		c.batch = config
	}
}

// WithFollowUpRates allows reports after the first to also be delivered to
// the Sink, limited per Kind, using the same format as catrate.NewLimiter.
// Rates must be valid, or New will panic.
func WithFollowUpRates(rates map[time.Duration]int) Option {
	return func(c *reporterConfig) {
		c.followUpRates = rates
	}
}

// WithSendTimeout bounds each call to Sink.Send, defaults to 10 seconds.
func WithSendTimeout(d time.Duration) Option {
	return func(c *reporterConfig) {
		c.sendTimeout = d
	}
}

// New initializes a Reporter. The Close or Shutdown method must be called,
// if a Sink was configured.
func New(options ...Option) *Reporter {
	c := reporterConfig{
		sendTimeout: time.Second * 10,
	}
	for _, o := range options {
		o(&c)
	}

	x := Reporter{
		logger:   c.logger,
		notifier: c.notifier,
		debug:    c.debug,
	}

	if len(c.followUpRates) != 0 {
		x.limiter = catrate.NewLimiter(c.followUpRates)
	}

	if c.sink != nil {
		sink, timeout, logger := c.sink, c.sendTimeout, c.logger
		x.batcher = microbatch.NewBatcher(c.batch, func(ctx context.Context, reports []*Error) error {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := sink.Send(ctx, reports); err != nil {
				// delivery is best effort
				logger.Debug().
					Err(err).
					Int(`count`, len(reports)).
					Log(`report delivery failed`)
			}
			return nil
		})
	}

	return &x
}

// Report records err. A nil err is ignored. Errors that are not *Error are
// wrapped, with KindUnknown.
func (x *Reporter) Report(err error) {
	if x == nil || err == nil {
		return
	}

	e := As(err)
	if e.ID == `` {
		e.ID = uuid.NewString()
	}

	n := x.count.Add(1)
	critical := x.critical.CompareAndSwap(false, true)

	msg := `error reported`
	if critical {
		msg = `critical error`
	}
	x.logger.Err().
		Str(`id`, e.ID).
		Str(`kind`, e.Kind.String()).
		Int64(`seq`, n).
		Err(e).
		Str(`stack`, e.Stack).
		Log(msg)

	if critical {
		x.deliver(e)
		if x.debug && x.notifier != nil {
			x.notifier.Notify(e)
		}
		return
	}

	if x.limiter != nil {
		if _, ok := x.limiter.Allow(e.Kind); ok {
			x.deliver(e)
			return
		}
	}

	x.logger.Debug().
		Str(`id`, e.ID).
		Log(`report not delivered: already reported this session`)
}

// Count returns the number of errors reported.
func (x *Reporter) Count() int64 {
	if x == nil {
		return 0
	}
	return x.count.Load()
}

// Shutdown waits for pending deliveries, or for ctx to be canceled, at
// which point they are abandoned.
func (x *Reporter) Shutdown(ctx context.Context) error {
	if x == nil || x.batcher == nil {
		return nil
	}
	return x.batcher.Shutdown(ctx)
}

// Close abandons any pending deliveries.
func (x *Reporter) Close() error {
	if x == nil || x.batcher == nil {
		return nil
	}
	return x.batcher.Close()
}

func (x *Reporter) deliver(e *Error) {
	if x.batcher == nil {
		return
	}
	if _, err := x.batcher.Submit(context.Background(), e); err != nil {
		x.logger.Debug().
			Err(err).
			Str(`id`, e.ID).
			Log(`report delivery dropped`)
	}
}
