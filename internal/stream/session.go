// Package stream drives one streamed exchange end to end: open the
// transport, split the body into frames, interpret them, fold the
// deltas into the transcript, and land in exactly one terminal state.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"ragline/internal/domain"
	"ragline/internal/metrics"
	"ragline/internal/transcript"
	"ragline/internal/wire"
)

const defaultReadBuf = 4096

type Config struct {
	Streamer    domain.Streamer
	Accumulator *transcript.Accumulator

	// Publish observes every applied delta with the snapshot it
	// produced. Optional.
	Publish func(domain.Snapshot, domain.Delta)

	Logger  *slog.Logger
	ReadBuf int
}

// Session is the lifecycle of a single query/response exchange. It is
// single-use: Run may be called once, Cancel any number of times from
// any goroutine.
type Session struct {
	mu      sync.Mutex
	state   domain.SessionState
	cancel  context.CancelFunc
	failure error

	streamer domain.Streamer
	acc      *transcript.Accumulator
	publish  func(domain.Snapshot, domain.Delta)
	logger   *slog.Logger
	readBuf  int
}

func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readBuf := cfg.ReadBuf
	if readBuf <= 0 {
		readBuf = defaultReadBuf
	}
	return &Session{
		state:    domain.StateIdle,
		streamer: cfg.Streamer,
		acc:      cfg.Accumulator,
		publish:  cfg.Publish,
		logger:   logger,
		readBuf:  readBuf,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the terminal error, set only in StateFailed.
func (s *Session) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Cancel requests teardown. The observable state flips to Cancelled at
// once; the transport unwinds in the background. Safe to call in any
// state, any number of times.
func (s *Session) Cancel() {
	s.mu.Lock()
	already := s.state.Terminal()
	if !already {
		s.state = domain.StateCancelled
	}
	cancel := s.cancel
	s.mu.Unlock()

	if !already && cancel != nil {
		cancel()
	}
}

// Run opens the stream and consumes it until a terminal state. It
// blocks, so callers that want a responsive Cancel run it on its own
// goroutine. Completed and Cancelled return nil; Failed returns the
// failure. The accumulator retains whatever partial answer arrived.
func (s *Session) Run(ctx context.Context, req domain.QueryRequest) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.state != domain.StateIdle {
		st := s.state
		s.mu.Unlock()
		if st == domain.StateCancelled {
			return nil
		}
		return &domain.ValidationError{Reason: "session already started"}
	}
	s.state = domain.StateSending
	s.cancel = cancel
	s.mu.Unlock()

	body, err := s.streamer.OpenStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil || domain.IsCancellation(err) {
			s.finish(domain.StateCancelled, nil)
			return nil
		}
		err = fmt.Errorf("open stream: %w", err)
		s.finish(domain.StateFailed, err)
		return err
	}
	defer body.Close()

	// Some response bodies stay blocked in Read when the context goes;
	// closing the body from the side unblocks them.
	go func() {
		<-ctx.Done()
		body.Close()
	}()

	s.transition(domain.StateStreaming)

	var dec wire.Decoder
	buf := make([]byte, s.readBuf)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			for _, frame := range dec.Push(buf[:n]) {
				if ctx.Err() != nil {
					s.finish(domain.StateCancelled, nil)
					return nil
				}
				if done, ferr := s.consume(frame); done {
					return ferr
				}
			}
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			s.finish(domain.StateCancelled, nil)
			return nil
		}
		if errors.Is(rerr, io.EOF) {
			// A last line without its newline still counts.
			if frame, ok := dec.Flush(); ok {
				if done, ferr := s.consume(frame); done {
					return ferr
				}
			}
			s.acc.Finalize()
			s.finish(domain.StateCompleted, nil)
			return nil
		}
		terr := &domain.TransportError{Op: "read stream", Err: rerr}
		s.acc.Finalize()
		s.finish(domain.StateFailed, terr)
		return terr
	}
}

// consume interprets one frame and folds it in. done is true when the
// frame put the session into a terminal state.
func (s *Session) consume(frame domain.Frame) (done bool, err error) {
	delta := wire.Interpret(frame.Payload)

	if delta.Kind == domain.DeltaIgnored {
		return false, nil
	}
	if delta.Kind == domain.DeltaError && delta.Malformed {
		s.logger.Warn("skipping malformed frame", "payload", excerpt(frame.Payload))
		metrics.FramesMalformed.Inc()
		return false, nil
	}

	snap := s.acc.Apply(delta)
	s.emit(snap, delta)

	switch delta.Kind {
	case domain.DeltaEnd:
		s.finish(domain.StateCompleted, nil)
		return true, nil
	case domain.DeltaError:
		serr := &domain.StreamError{Message: delta.Message}
		s.finish(domain.StateFailed, serr)
		return true, serr
	}
	return false, nil
}

// emit forwards an applied delta unless the session was cancelled in
// the meantime; cancelled sessions must not publish further updates.
func (s *Session) emit(snap domain.Snapshot, delta domain.Delta) {
	if s.publish == nil {
		return
	}
	s.mu.Lock()
	cancelled := s.state == domain.StateCancelled
	s.mu.Unlock()
	if cancelled {
		return
	}
	s.publish(snap, delta)
}

// transition moves to a non-terminal state. Terminal states are sticky.
func (s *Session) transition(st domain.SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Terminal() {
		s.state = st
	}
}

// finish records the terminal state. The first terminal state wins, so
// a loop unwinding after Cancel cannot overwrite Cancelled.
func (s *Session) finish(st domain.SessionState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = st
	s.failure = err
}

func excerpt(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
