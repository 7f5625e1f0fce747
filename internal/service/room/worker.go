package room

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// ErrClosed is returned for commands submitted after shutdown began.
var ErrClosed = errors.New("room service closed")

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

// worker owns one session. Every mutation of the session's store records and
// presence table runs on its goroutine, one command at a time.
type worker struct {
	sessionID string
	commands  chan command
	stopped   chan struct{}

	// touched only from run
	limiters map[string]*rate.Limiter
}

func newWorker(sessionID string, buffer int) *worker {
	if buffer < 1 {
		buffer = 1
	}
	return &worker{
		sessionID: sessionID,
		commands:  make(chan command, buffer),
		stopped:   make(chan struct{}),
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (w *worker) run(ctx context.Context) {
	defer close(w.stopped)
	logger := log.With().Str("component", "room").Str("session_id", w.sessionID).Logger()
	logger.Debug().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("worker stopped")
			return
		case cmd := <-w.commands:
			cmd.done <- cmd.fn(ctx)
		}
	}
}

// do runs fn on the worker and returns its result. It gives up when ctx is
// cancelled or the worker stops; fn may then still run or never run.
func (w *worker) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case w.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return ErrClosed
	}

	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return ErrClosed
	}
}

// limiter returns the send limiter of userID, or nil when limiting is off.
func (w *worker) limiter(userID string, limit rate.Limit, burst int) *rate.Limiter {
	if limit <= 0 {
		return nil
	}
	l, ok := w.limiters[userID]
	if !ok {
		l = rate.NewLimiter(limit, burst)
		w.limiters[userID] = l
	}
	return l
}

func (w *worker) forget(userID string) {
	delete(w.limiters, userID)
}
