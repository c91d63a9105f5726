package token

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// failedRequestRetryDelay matches the original implementation's fixed
// backoff after a failed fetch.
const failedRequestRetryDelay = 2 * time.Second

// refreshBuffer is how far ahead of expiry a refresh is scheduled.
const refreshBuffer = 5 * time.Second

// fetchTimeout bounds each individual token fetch.
const fetchTimeout = 5 * time.Second

// Subscriber owns one Source and keeps it refreshed in the background,
// delivering every successful fetch to a registered callback. It never
// calls the callback after Close.
type Subscriber struct {
	name          string
	source        Source
	errorBehavior ErrorBehavior
	callback      func(Token)
	logger        *slog.Logger

	mu        sync.Mutex
	ready     bool
	readyCh   chan struct{}
	readyOnce sync.Once
	closed    bool
	cancel    context.CancelFunc
	timer     *time.Timer
}

// NewSubscriber constructs a Subscriber. Call Start to begin the
// refresh loop; Ready blocks until the subscription has a usable token
// or has been marked ready under an AlwaysInit error behavior.
func NewSubscriber(name string, source Source, errorBehavior ErrorBehavior, callback func(Token), logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		name:          name,
		source:        source,
		errorBehavior: errorBehavior,
		callback:      callback,
		logger:        logger.With("subscriber", name),
		readyCh:       make(chan struct{}),
	}
}

// Start launches the refresh loop. It returns immediately; use Ready to
// wait for the first successful (or AlwaysInit-forced) readiness
// signal.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go s.refresh(ctx)
}

// Ready blocks until the subscription becomes ready or ctx is done.
func (s *Subscriber) Ready(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any in-flight fetch and stops future refreshes. No
// callback fires after Close returns.
func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.timer != nil {
		s.timer.Stop()
	}
}

func (s *Subscriber) refresh(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		tok, err := s.source.FetchToken(fetchCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			s.handleFailure(err)
			if !s.sleep(ctx, failedRequestRetryDelay) {
				return
			}
			continue
		}

		s.handleSuccess(tok)

		delay := tok.ExpiresIn - refreshBuffer
		if delay <= 0 {
			continue
		}
		if !s.sleep(ctx, delay) {
			return
		}
	}
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	s.mu.Lock()
	s.timer = timer
	s.mu.Unlock()
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Subscriber) handleFailure(err error) {
	if errors.Is(err, ErrPreconditionsNotMet) {
		s.logger.Debug("preconditions not met, retrying later")
	} else {
		s.logger.Error("token fetch failed", "error", err)
	}
	if s.errorBehavior == AlwaysInit {
		s.markReady()
	}
}

func (s *Subscriber) handleSuccess(tok Token) {
	s.logger.Debug("fetched token", "expires_in", tok.ExpiresIn)
	s.markReady()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.callback(tok)
}

func (s *Subscriber) markReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}
