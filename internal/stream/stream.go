// Package stream serves live query results: a bounded backfill of stored
// matches followed by newly committed matches as they arrive.
//
// # Consistency
//
// Open subscribes to the bus before reading the snapshot ceiling
// (the highest committed submission id). The backfill covers ids up to the
// ceiling; live events with an id at or below it are dropped, the rest are
// membership-tested. Every match is therefore delivered exactly once.
//
// # Goroutines
//
// The bus handler only appends to the inbox. Serve is the only goroutine
// that touches the sink, the heartbeat ticker, and storage.
package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/hashrepo/internal/ast"
	"github.com/roach88/hashrepo/internal/bus"
	"github.com/roach88/hashrepo/internal/ident"
	"github.com/roach88/hashrepo/internal/metrics"
	"github.com/roach88/hashrepo/internal/querysql"
	"github.com/roach88/hashrepo/internal/store"
)

// DefaultHeartbeat is the heartbeat interval when Options leaves it unset.
const DefaultHeartbeat = 30 * time.Second

// State is the lifecycle state of a Stream.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateStreaming:
		return "STREAMING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Stream. Page applies to the backfill only.
type Options struct {
	Page      querysql.Page
	Live      bool
	Heartbeat time.Duration
}

// Source is the storage a stream reads from.
type Source interface {
	MaxSubmissionID(ctx context.Context) (int64, error)
	Matches(ctx context.Context, q ast.Scoped, page querysql.Page, ceiling int64) ([]store.Match, error)
	Contains(ctx context.Context, m querysql.Membership, submissionID int64) (bool, error)
}

// Sink receives stream output. It is only called from Serve.
type Sink interface {
	// Write emits one matching identifier.
	Write(uri ident.URI) error
	// Heartbeat emits a keep-alive that readers ignore.
	Heartbeat() error
}

// hooks lets tests interleave commits with the open sequence.
type hooks struct {
	afterSubscribe func()
	afterCeiling   func()
}

// Stream is one live query.
type Stream struct {
	id    string
	src   Source
	bus   *bus.Bus
	query ast.Scoped
	opts  Options
	log   *zap.Logger
	hooks hooks

	state  atomic.Int32
	served atomic.Bool

	mu     sync.Mutex
	inbox  []bus.Event
	sub    *bus.Subscription
	closed bool

	signal    chan struct{} // buffered, size 1
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a stream for q. It does nothing until Serve is called.
func New(src Source, b *bus.Bus, q ast.Scoped, opts Options, log *zap.Logger) *Stream {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.Must(uuid.NewV7()).String()
	return &Stream{
		id:     id,
		src:    src,
		bus:    b,
		query:  q,
		opts:   opts,
		log:    log.With(zap.String("stream_id", id), zap.Int64("user_id", q.UserID())),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// ID returns the stream's identifier.
func (s *Stream) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// Serve opens the stream and writes to sink until the stream is closed,
// ctx is done, or the sink fails. A stream can be served once.
//
// Closing the stream or cancelling ctx ends Serve with a nil error.
func (s *Stream) Serve(ctx context.Context, sink Sink) error {
	if !s.served.CompareAndSwap(false, true) {
		return fmt.Errorf("stream %s already served", s.id)
	}
	if !s.query.Valid() {
		return fmt.Errorf("stream %s: query is not scoped", s.id)
	}

	s.state.Store(int32(StateOpen))
	metrics.StreamsOpen.Inc()
	defer func() {
		s.Close()
		s.state.Store(int32(StateClosed))
		metrics.StreamsOpen.Dec()
	}()

	if s.opts.Live {
		if !s.subscribe() {
			return nil
		}
	}
	if s.hooks.afterSubscribe != nil {
		s.hooks.afterSubscribe()
	}

	ceiling, err := s.src.MaxSubmissionID(ctx)
	if err != nil {
		return fmt.Errorf("read snapshot ceiling: %w", err)
	}
	if s.hooks.afterCeiling != nil {
		s.hooks.afterCeiling()
	}

	var membership querysql.Membership
	if s.opts.Live {
		if membership, err = querysql.Contains(s.query); err != nil {
			return fmt.Errorf("compile membership test: %w", err)
		}
	}

	if err := s.backfill(ctx, sink, ceiling); err != nil {
		return err
	}
	if !s.opts.Live {
		return nil
	}

	s.state.Store(int32(StateStreaming))
	s.log.Debug("stream live", zap.Int64("ceiling", ceiling))
	return s.streamLive(ctx, sink, membership, ceiling)
}

func (s *Stream) subscribe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sub = s.bus.Subscribe(s.enqueue)
	return true
}

// backfill writes stored matches with id <= ceiling. An empty repository
// has nothing to backfill, and ceiling 0 would otherwise mean unbounded.
func (s *Stream) backfill(ctx context.Context, sink Sink, ceiling int64) error {
	if ceiling <= 0 {
		return nil
	}
	matches, err := s.src.Matches(ctx, s.query, s.opts.Page, ceiling)
	if err != nil {
		return fmt.Errorf("backfill: %w", err)
	}
	for _, m := range matches {
		if err := sink.Write(m.URI); err != nil {
			return fmt.Errorf("write backfill: %w", err)
		}
	}
	metrics.StreamRowsTotal.WithLabelValues("backfill").Add(float64(len(matches)))
	return nil
}

func (s *Stream) streamLive(ctx context.Context, sink Sink, membership querysql.Membership, ceiling int64) error {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
			if err := sink.Heartbeat(); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
		case <-s.signal:
			for _, ev := range s.drain() {
				if ev.SubmissionID <= ceiling {
					continue
				}
				ok, err := s.src.Contains(ctx, membership, ev.SubmissionID)
				if err != nil {
					s.log.Warn("membership test failed, skipping event",
						zap.Int64("submission_id", ev.SubmissionID),
						zap.Error(err),
					)
					continue
				}
				if !ok {
					continue
				}
				if err := sink.Write(ev.URI); err != nil {
					return fmt.Errorf("write live match: %w", err)
				}
				metrics.StreamRowsTotal.WithLabelValues("live").Inc()
			}
		}
	}
}

// enqueue is the bus handler. It never blocks.
func (s *Stream) enqueue(e bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.inbox = append(s.inbox, e)

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// drain takes every queued event in arrival order.
func (s *Stream) drain() []bus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := s.inbox
	s.inbox = nil
	return events
}

// Close unsubscribes from the bus, then stops Serve. It is idempotent and
// safe to call from any goroutine.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		sub := s.sub
		s.inbox = nil
		s.mu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
		}
		close(s.done)
	})
}
