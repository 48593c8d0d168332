package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lsfera/go-pq-outbox/internal/backoff"
	"github.com/lsfera/go-pq-outbox/logger"
	"github.com/lsfera/go-pq-outbox/pq"
	"github.com/lsfera/go-pq-outbox/pq/publication"
	"github.com/lsfera/go-pq-outbox/pq/replication"
	"github.com/lsfera/go-pq-outbox/pq/slot"
	"github.com/lsfera/go-pq-outbox/pq/table"
	"github.com/prometheus/client_golang/prometheus"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var errStopped = errors.New("subscriber stopped before streaming")

// closeTimeout bounds the final standby status and connection teardown.
const closeTimeout = 5 * time.Second

type Subscriber interface {
	// Start consumes the slot until ctx is done, Close is called, or an
	// unrecoverable error occurs. Cancellation returns nil.
	Start(ctx context.Context) error
	// WaitUntilReady blocks until the first replication session streams.
	WaitUntilReady(ctx context.Context) error
	State() State
	// Position is the last position whose rows were all handled.
	Position() Position
	Close()
}

// stream is the part of replication.Stream the engine drives.
type stream interface {
	Receive(ctx context.Context) (replication.Message, error)
	SendStatus(ctx context.Context, replyRequested bool) error
	Close(ctx context.Context) error
}

type subscriber struct {
	sub        *Subscription
	pool       *pgxpool.Pool
	metric     Metric
	collectors []prometheus.Collector
	log        logger.Logger

	// replaced in tests
	setup     func(ctx context.Context) error
	confirmed func(ctx context.Context) (Position, error)
	open      func(ctx context.Context, position *slot.Position) (stream, error)

	position    slot.Position
	state       atomic.Int32
	started     atomic.Bool
	closeCtx    context.Context
	closeCancel context.CancelFunc
	readyCh     chan struct{}
	doneCh      chan struct{}
	readyOnce   sync.Once
	closeOnce   sync.Once
	ownsPool    bool
}

// NewSubscriber prepares a subscriber for sub. No connection is made until
// Start; the setup pool is created lazily unless one was supplied through
// Builder.DataSource.
func NewSubscriber(ctx context.Context, sub *Subscription, options ...Option) (Subscriber, error) {
	if sub == nil {
		return nil, configErr("NewSubscriber", "nil subscription")
	}
	s := &subscriber{
		sub:     sub,
		pool:    sub.pool,
		metric:  NewMetric(sub.slot.Name, sub.publication.Discriminators),
		log:     logger.Default(),
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	s.closeCtx, s.closeCancel = context.WithCancel(context.Background())
	Options(options).Apply(s)

	if s.pool == nil {
		pool, err := pgxpool.New(ctx, sub.connString)
		if err != nil {
			return nil, &ConfigurationError{Option: "ConnectionString", Msg: "invalid connection string", Err: err}
		}
		s.pool, s.ownsPool = pool, true
	}
	s.setup = s.ensure
	s.confirmed = s.confirmedPosition
	s.open = s.openStream
	return s, nil
}

func (s *subscriber) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(s.doneCh)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.closeCtx, cancel)
	defer stop()

	if port := s.sub.metric.Port; port > 0 {
		go func() {
			if err := s.serve(ctx, port); err != nil {
				s.log.Error("metric server", "error", err)
			}
		}()
	}

	s.log.Info("subscriber starting",
		"slot_name", s.sub.slot.Name,
		"publication", s.sub.publication.Name,
		"table", s.sub.table.QualifiedName(),
		"discriminators", s.sub.publication.Discriminators)

	err := s.run(ctx)
	s.setState(StateStopped)
	if err != nil {
		s.log.Error("subscriber stopped", "error", err, "position", s.position.Load())
		return err
	}
	s.log.Info("subscriber stopped", "position", s.position.Load())
	return nil
}

func (s *subscriber) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.doneCh:
		return errStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscriber) State() State {
	return State(s.state.Load())
}

func (s *subscriber) Position() Position {
	return s.position.Load()
}

// Close cancels a running Start and waits for it to return.
func (s *subscriber) Close() {
	s.closeOnce.Do(func() {
		s.closeCancel()
		if s.started.Load() {
			<-s.doneCh
		}
		if s.ownsPool {
			s.pool.Close()
		}
	})
}

func (s *subscriber) setState(st State) {
	s.state.Store(int32(st))
	s.metric.SetState(st)
}

func (s *subscriber) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// run drives sessions until cancellation or a fatal error. A session that
// reached streaming resets the reconnect budget.
func (s *subscriber) run(ctx context.Context) error {
	cfg := s.sub.stream
	delay := backoff.Exponential(cfg.ReconnectInterval, cfg.ReconnectMaxInterval)

	var (
		attempts     int
		firstFailure time.Time
		streamed     bool
		setupDone    bool
	)
	for {
		if attempts == 0 {
			s.setState(StateConnecting)
		}

		reached, err := s.session(ctx, &setupDone)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAborted) {
			return err
		}
		if reached {
			streamed = true
			attempts = 0
		}
		if !isRetryable(err, streamed) {
			return err
		}

		if attempts == 0 {
			firstFailure = time.Now()
		}
		attempts++
		if attempts > cfg.ReconnectMaxAttempts || time.Since(firstFailure) > cfg.ReconnectMaxElapsed {
			return fmt.Errorf("%w: gave up after %d attempts: %w", ErrConnectionFailure, attempts-1, err)
		}

		wait := backoff.Jitter(delay(attempts - 1))
		s.setState(StateReconnecting)
		s.metric.AddReconnect()
		s.log.Warn("replication session failed, reconnecting",
			"error", err, "attempt", attempts, "backoff", wait, "position", s.position.Load())
		if err := backoff.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// isRetryable treats a busy slot as fatal until this subscriber has streamed
// once: before that it most likely means another consumer owns the slot.
func isRetryable(err error, streamed bool) bool {
	switch {
	case errors.Is(err, ErrSlotInUse):
		return streamed
	case errors.Is(err, ErrSchemaConflict), errors.Is(err, ErrConfiguration):
		return false
	}
	return pq.IsRetryable(err)
}

// session runs setup once, positions the stream and consumes it. It reports
// whether streaming was reached.
func (s *subscriber) session(ctx context.Context, setupDone *bool) (bool, error) {
	if !*setupDone {
		if err := s.setup(ctx); err != nil {
			return false, err
		}
		*setupDone = true
	}

	if !s.sub.slot.Temporary {
		pos, err := s.confirmed(ctx)
		if err != nil {
			return false, err
		}
		s.position.Reset(pos)
	}

	st, err := s.open(ctx, &s.position)
	if err != nil {
		return false, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			s.log.Warn("close replication stream", "error", err)
		}
	}()

	s.setState(StateStreaming)
	s.metric.SetConfirmedPosition(s.position.Load())
	s.signalReady()
	s.log.Info("streaming", "slot_name", s.sub.slot.Name, "position", s.position.Load())

	return true, s.consume(ctx, st)
}

// consume dispatches inserts in commit order and advances the position at
// each commit. A transaction is confirmed only once all its rows are handled.
func (s *subscriber) consume(ctx context.Context, st stream) error {
	pending := 0
	for {
		msg, err := st.Receive(ctx)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case replication.Insert:
			env, err := s.envelope(m)
			if err == nil {
				err = s.dispatch(ctx, env)
			}
			if err != nil {
				if err := s.handleFailure(ctx, err, env); err != nil {
					return err
				}
			}
		case replication.Commit:
			if s.position.Advance(m.EndLSN) {
				s.metric.SetConfirmedPosition(m.EndLSN)
			}
			pending++
			if pending >= s.sub.stream.ConfirmEvery {
				if err := st.SendStatus(ctx, false); err != nil {
					return err
				}
				pending = 0
			}
		}
	}
}

// envelope extracts the outbox row. A missing or null discriminator or
// payload makes the row malformed; the partial envelope still reaches the
// error processor.
func (s *subscriber) envelope(m replication.Insert) (Envelope, error) {
	td := s.sub.table
	env := Envelope{
		Position:   m.LSN,
		CommitTime: m.CommitTime,
		Xid:        m.Xid,
	}
	env.ID, _ = m.Text(td.ID.Name)

	d, ok := m.Text(td.Discriminator.Name)
	if !ok || d == "" {
		return env, fmt.Errorf("%w: no %s at %s", ErrMalformedRow, td.Discriminator.Name, m.LSN)
	}
	env.Discriminator = d

	payload, ok := m.Column(td.Payload.Name)
	if !ok || payload.Null {
		return env, fmt.Errorf("%w: no %s at %s", ErrMalformedRow, td.Payload.Name, m.LSN)
	}
	env.Payload = json.RawMessage(payload.Data)

	if c, ok := m.Column(td.CreatedAt.Name); ok && !c.Null {
		createdAt, err := m.Time(td.CreatedAt.Name)
		if err != nil {
			return env, fmt.Errorf("%w: %s at %s: %w", ErrMalformedRow, td.CreatedAt.Name, m.LSN, err)
		}
		env.CreatedAt = createdAt
	}
	return env, nil
}

func (s *subscriber) dispatch(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	err := s.sub.registry.Dispatch(ctx, env)
	s.metric.SetProcessLatency(time.Since(start).Nanoseconds())
	if err == nil {
		s.metric.AddDispatch(env.Discriminator, resultSuccess)
	}
	return err
}

// handleFailure applies the error processor's directive to a failed row. It
// returns nil when the row counts as handled.
func (s *subscriber) handleFailure(ctx context.Context, err error, env Envelope) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	d := s.sub.errorProcessor.Process(ctx, err, env)
	action := d.Action()
	if action == ActionRetry {
		delay := backoff.Exponential(s.sub.stream.RetryInterval, s.sub.stream.RetryMaxInterval)
		for i := range d.Attempts() {
			if sleepErr := backoff.Sleep(ctx, delay(i)); sleepErr != nil {
				return sleepErr
			}
			s.metric.AddDispatch(env.Discriminator, resultRetried)
			if err = s.dispatch(ctx, env); err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn("retry failed", "error", err, "discriminator", env.Discriminator, "position", env.Position, "attempt", i+1)
		}
		action = d.Fallback()
	}

	if action == ActionContinue {
		s.metric.AddDispatch(env.Discriminator, resultSkipped)
		s.log.Warn("skipping outbox row", "error", err, "discriminator", env.Discriminator, "position", env.Position)
		return nil
	}
	s.metric.AddDispatch(env.Discriminator, resultAborted)
	return fmt.Errorf("%w at %s: %w", ErrAborted, env.Position, err)
}

func (s *subscriber) ensure(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire setup connection: %w", err)
	}
	defer conn.Release()

	if _, err := table.Ensure(ctx, conn, s.sub.table); err != nil {
		return fmt.Errorf("ensure table: %w", err)
	}
	if _, err := publication.Ensure(ctx, conn, s.sub.publication); err != nil {
		return fmt.Errorf("ensure publication: %w", err)
	}
	dial := func(ctx context.Context) (*pgconn.PgConn, error) {
		return replication.Dial(ctx, s.sub.connString)
	}
	info, err := slot.Ensure(ctx, conn, dial, s.sub.slot)
	if err != nil {
		return fmt.Errorf("ensure slot: %w", err)
	}
	s.log.Info("slot ready", "slot_name", info.Name, "created", info.Created, "confirmed", info.Confirmed, "temporary", info.Temporary)
	return nil
}

func (s *subscriber) confirmedPosition(ctx context.Context) (Position, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	return slot.ConfirmedPosition(ctx, conn, s.sub.slot.Name)
}

func (s *subscriber) openStream(ctx context.Context, position *slot.Position) (stream, error) {
	cfg := s.sub.stream
	return replication.Open(ctx, replication.Config{
		ConnString:     s.sub.connString,
		Publication:    s.sub.publication.Name,
		Schema:         s.sub.table.Schema,
		Table:          s.sub.table.Name,
		Slot:           s.sub.slot,
		StandbyTimeout: cfg.StandbyTimeout,
		PollInterval:   cfg.PollInterval,
	}, position)
}
