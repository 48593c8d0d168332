package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Action uint8

const (
	ActionAbort Action = iota
	ActionContinue
	ActionRetry
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionRetry:
		return "retry"
	default:
		return "abort"
	}
}

// Directive tells the subscriber what to do with a message that failed.
type Directive struct {
	action   Action
	attempts int
	fallback Action
}

// Continue drops the message and moves on.
func Continue() Directive { return Directive{action: ActionContinue} }

// Abort stops the subscription without confirming the failing message, so
// it is delivered again on restart.
func Abort() Directive { return Directive{action: ActionAbort} }

// Retry invokes the handler again up to attempts times with backoff, then
// applies fallback, which is either Continue or Abort.
func Retry(attempts int, fallback Directive) Directive {
	fb := fallback.action
	if fb == ActionRetry {
		fb = ActionAbort
	}
	return Directive{action: ActionRetry, attempts: max(attempts, 0), fallback: fb}
}

func (d Directive) Action() Action   { return d.action }
func (d Directive) Attempts() int    { return d.attempts }
func (d Directive) Fallback() Action { return d.fallback }

func (d Directive) String() string {
	if d.action == ActionRetry {
		return fmt.Sprintf("retry(%d, then %s)", d.attempts, d.fallback)
	}
	return d.action.String()
}

// ErrorProcessor decides how a failed message is handled. env is the zero
// value when the row could not be decoded into an envelope at all.
type ErrorProcessor interface {
	Process(ctx context.Context, err error, env Envelope) Directive
}

type ErrorProcessorFunc func(ctx context.Context, err error, env Envelope) Directive

func (f ErrorProcessorFunc) Process(ctx context.Context, err error, env Envelope) Directive {
	return f(ctx, err, env)
}

// ConsoleErrorProcessor writes every failure to a console sink. Rows without
// a consumer are skipped, any other failure aborts. It is the default.
type ConsoleErrorProcessor struct {
	w  io.Writer
	mu sync.Mutex
}

func NewConsoleErrorProcessor(w io.Writer) *ConsoleErrorProcessor {
	if w == nil {
		w = os.Stderr
	}
	return &ConsoleErrorProcessor{w: w}
}

func (p *ConsoleErrorProcessor) Process(_ context.Context, err error, env Envelope) Directive {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.w, "%s outbox: message %q id=%s at %s failed: %v\n",
		time.Now().UTC().Format(time.RFC3339), env.Discriminator, env.ID, env.Position, err)
	if errors.Is(err, ErrUnknownDiscriminator) {
		return Continue()
	}
	return Abort()
}

// AbortOnError stops the subscription on every failure, unknown
// discriminators included.
func AbortOnError() ErrorProcessor {
	return ErrorProcessorFunc(func(context.Context, error, Envelope) Directive { return Abort() })
}

// ContinueOnError logs nothing and drops every failing message.
func ContinueOnError() ErrorProcessor {
	return ErrorProcessorFunc(func(context.Context, error, Envelope) Directive { return Continue() })
}

// RetryOnError retries every failure attempts times before applying fallback.
func RetryOnError(attempts int, fallback Directive) ErrorProcessor {
	d := Retry(attempts, fallback)
	return ErrorProcessorFunc(func(context.Context, error, Envelope) Directive { return d })
}
