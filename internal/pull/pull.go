// Package pull replicates matching content from remote repositories.
//
// A Pull owns two goroutines. The connection goroutine holds one live query
// open against the remote and appends every announced identifier to the
// queue; the worker goroutine drains the queue one task at a time:
// lookup, fetch, ingest. A failed task is logged, counted, and skipped; it
// never stops the Pull.
package pull

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/roach88/hashrepo/internal/apperr"
	"github.com/roach88/hashrepo/internal/ident"
	"github.com/roach88/hashrepo/internal/ingest"
	"github.com/roach88/hashrepo/internal/metrics"
	"github.com/roach88/hashrepo/internal/session"
	"github.com/roach88/hashrepo/internal/store"
)

// maxLineBytes bounds one line of the remote stream.
const maxLineBytes = 4096

// Lookup finds existing local submissions of content.
type Lookup interface {
	SubmissionsFor(ctx context.Context, uri ident.URI, submitterID int64) ([]store.SubmissionRef, error)
}

// Committer ingests fetched content.
type Committer interface {
	Commit(ctx context.Context, sess session.Session, body []byte, declaredType string, targets []int64) (ingest.Result, error)
}

// errStalled marks a remote stream that went silent past the stall timeout.
var errStalled = errors.New("remote stream stalled")

// Pull is one running replication subscription.
type Pull struct {
	cfg      Config
	sess     session.Session
	client   *Client
	lookup   Lookup
	commit   Committer
	settings Settings
	limiter  *rate.Limiter
	queue    *Queue
	log      *zap.Logger

	// onTask observes task outcomes in tests.
	onTask func(uri, outcome string, err error)

	mu        sync.Mutex
	started   bool
	closed    bool
	cancel    context.CancelFunc
	stop      chan struct{}
	wg        sync.WaitGroup
	connected atomic.Bool
}

// New creates a Pull that ingests as sess. It does nothing until Start.
func New(cfg Config, sess session.Session, client *Client, lookup Lookup, commit Committer, settings Settings, log *zap.Logger) *Pull {
	settings = settings.withDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.normalize()
	return &Pull{
		cfg:      cfg,
		sess:     sess,
		client:   client,
		lookup:   lookup,
		commit:   commit,
		settings: settings,
		limiter:  rate.NewLimiter(rate.Limit(settings.FetchRate), settings.FetchBurst),
		queue:    NewQueue(),
		log:      log.With(zap.String("pull_id", cfg.ID), zap.String("remote", client.Remote())),
		stop:     make(chan struct{}),
	}
}

// ID returns the subscription id.
func (p *Pull) ID() string {
	return p.cfg.ID
}

// Config returns the subscription configuration.
func (p *Pull) Config() Config {
	return p.cfg
}

// Pending returns the number of queued tasks.
func (p *Pull) Pending() int {
	return p.queue.Len()
}

// Connected reports whether the remote live query is currently open.
func (p *Pull) Connected() bool {
	return p.connected.Load()
}

// Start launches the connection and worker goroutines. Cancelling ctx
// stops both, aborting the in-flight task; callers that want a graceful
// stop should pass a context that outlives the pull and call Close.
func (p *Pull) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("pull %s is closed", p.cfg.ID)
	}
	if p.started {
		return fmt.Errorf("pull %s already started", p.cfg.ID)
	}
	p.started = true

	connCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(2)
	go p.connectLoop(connCtx)
	go p.work(ctx)

	p.log.Info("pull started", zap.String("query", p.cfg.Query), zap.String("language", p.cfg.Language))
	return nil
}

// Close stops admission, cancels the remote request, and waits for the
// in-flight task to finish. Idempotent.
func (p *Pull) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.queue.Close()
	close(p.stop)
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
	metrics.PullQueueDepth.DeleteLabelValues(p.cfg.ID)
	p.log.Info("pull closed")
}

// connectLoop keeps one live query open, reconnecting with randomized
// exponential backoff. The backoff resets after every successful connect.
func (p *Pull) connectLoop(ctx context.Context) {
	defer p.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.settings.BackoffInitial
	b.MaxInterval = p.settings.BackoffMax

	for {
		connected, err := p.runConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			b.Reset()
		}

		delay := b.NextBackOff()
		metrics.PullReconnectsTotal.WithLabelValues(p.cfg.ID).Inc()
		p.log.Warn("remote stream ended, reconnecting",
			zap.Error(err),
			zap.Bool("was_connected", connected),
			zap.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runConnection reads one live query until it ends. connected reports
// whether the remote accepted the request.
func (p *Pull) runConnection(ctx context.Context) (connected bool, err error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Armed before the request so a remote that never answers with
	// headers is treated like one that goes quiet mid-stream.
	var stalled atomic.Bool
	watchdog := time.AfterFunc(p.settings.StallTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	body, err := p.client.LiveQuery(connCtx, p.cfg.Query, p.cfg.Language)
	if err != nil {
		if stalled.Load() {
			return false, fmt.Errorf("%w waiting for headers after %s", errStalled, p.settings.StallTimeout)
		}
		return false, err
	}
	defer body.Close()
	watchdog.Reset(p.settings.StallTimeout)

	p.connected.Store(true)
	defer p.connected.Store(false)
	p.log.Debug("remote stream open")

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, maxLineBytes), maxLineBytes)
	for scanner.Scan() {
		watchdog.Reset(p.settings.StallTimeout)

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue // heartbeat
		}
		canonical, err := ident.Canonicalize(line)
		if err != nil {
			p.log.Warn("ignoring malformed identifier", zap.String("line", line), zap.Error(err))
			continue
		}
		if !p.queue.Enqueue(canonical) {
			return true, nil
		}
		metrics.PullQueueDepth.WithLabelValues(p.cfg.ID).Set(float64(p.queue.Len()))
	}

	if stalled.Load() {
		return true, fmt.Errorf("%w after %s", errStalled, p.settings.StallTimeout)
	}
	if err := scanner.Err(); err != nil {
		return true, transient("read remote stream", err)
	}
	return true, apperr.New(apperr.CodeTransient, "remote closed the stream")
}

// work runs queued tasks one at a time until Close or ctx ends.
func (p *Pull) work(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		uri, ok := p.queue.TryDequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-p.queue.Wait():
			}
			continue
		}

		metrics.PullQueueDepth.WithLabelValues(p.cfg.ID).Set(float64(p.queue.Len()))
		outcome, err := p.runTask(ctx, uri)
		metrics.PullTasksTotal.WithLabelValues(p.cfg.ID, outcome).Inc()
		if err != nil {
			p.log.Warn("replication task failed",
				zap.String("uri", uri),
				zap.String("code", string(apperr.CodeOf(err))),
				zap.Error(err),
			)
		}
		if p.onTask != nil {
			p.onTask(uri, outcome, err)
		}
	}
}

// runTask replicates one identifier: skip when the pull's user already
// has a submission of it, otherwise fetch and ingest with the pull's
// targets. Transient failures are retried a bounded number of times.
func (p *Pull) runTask(ctx context.Context, raw string) (string, error) {
	uri, err := ident.Parse(raw)
	if err != nil {
		return metrics.OutcomeFailed, err
	}

	existing, err := p.lookup.SubmissionsFor(ctx, uri, p.sess.UserID)
	if err != nil {
		return metrics.OutcomeFailed, err
	}
	if len(existing) > 0 {
		return metrics.OutcomeSkipped, nil
	}

	if err := p.sess.RequireWrite(); err != nil {
		return metrics.OutcomeFailed, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.settings.BackoffInitial
	b.MaxInterval = p.settings.BackoffMax

	// Close lets the current attempt finish but stops further retries.
	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-retryCtx.Done():
		}
	}()

	_, err = backoff.Retry(retryCtx, func() (ingest.Result, error) {
		return p.replicate(ctx, uri)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.settings.TaskAttempts)),
	)
	if err != nil {
		return metrics.OutcomeFailed, err
	}
	return metrics.OutcomeIngested, nil
}

// replicate is one attempt. Non-transient errors are permanent.
func (p *Pull) replicate(ctx context.Context, uri ident.URI) (ingest.Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return ingest.Result{}, backoff.Permanent(err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.settings.FetchTimeout)
	defer cancel()

	body, mediaType, err := p.client.Fetch(fetchCtx, uri)
	if err != nil {
		return ingest.Result{}, retryable(err)
	}
	if got := ident.Sum(body); got != uri {
		return ingest.Result{}, backoff.Permanent(apperr.Newf(apperr.CodeValidation,
			"remote sent %s for %s", got, uri))
	}

	res, err := p.commit.Commit(ctx, p.sess, body, mediaType, p.cfg.Targets)
	if err != nil {
		return ingest.Result{}, retryable(err)
	}
	p.log.Debug("replicated", zap.String("uri", uri.String()), zap.Int64("submission_id", res.SubmissionID))
	return res, nil
}

func retryable(err error) error {
	if apperr.Retryable(err) {
		return err
	}
	return backoff.Permanent(err)
}
