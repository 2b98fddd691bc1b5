// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package session runs the per-peer protocol actors on top of
// authenticated transport streams. A Session owns one stream: a
// writer drains a bounded outbound queue assigning send sequence
// numbers, a reader enforces that receive sequence numbers advance by
// exactly one, and every inbound frame is handed to the protocol
// handler in arrival order.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/internal/transport"
	"github.com/rchat-net/rchat/internal/wire"
)

// OutboundQueueSize bounds frames waiting to be written per session.
// A full queue surfaces as ErrBackpressure to the caller.
const OutboundQueueSize = 256

var (
	// ErrBackpressure means the session's outbound queue is full.
	ErrBackpressure = errors.New("session: outbound queue full")

	// ErrReplay means an inbound frame carried a sequence number
	// that does not advance the receive counter.
	ErrReplay = errors.New("session: sequence replay")

	// ErrClosed means the session has shut down.
	ErrClosed = errors.New("session: closed")
)

// FrameHandler consumes inbound frames in order. Returning an error
// closes the session.
type FrameHandler func(ctx context.Context, s *Session, frame wire.Frame) error

// Session is one protocol conversation with a peer.
type Session struct {
	peer     identity.PeerID
	protocol string
	stream   *transport.Stream
	logger   *slog.Logger

	outbound chan wire.Frame
	nextTx   uint64
	nextRx   uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps an upgraded stream. opener marks which side sent the
// hello: the hello consumed sequence 1 in the opener's direction, so
// the counters start offset accordingly.
func New(stream *transport.Stream, protocol string, opener bool, logger *slog.Logger) *Session {
	s := &Session{
		peer:     stream.RemotePeer(),
		protocol: protocol,
		stream:   stream,
		logger: logger.With(
			"component", "session",
			"peer", shortPeer(stream.RemotePeer()),
			"protocol", protocol,
		),
		outbound: make(chan wire.Frame, OutboundQueueSize),
		closed:   make(chan struct{}),
	}
	if opener {
		s.nextTx = 2
		s.nextRx = 1
	} else {
		s.nextTx = 1
		s.nextRx = 2
	}
	return s
}

// Peer returns the authenticated remote identity.
func (s *Session) Peer() identity.PeerID { return s.peer }

// Protocol returns the stream's protocol tag.
func (s *Session) Protocol() string { return s.protocol }

// Send queues a frame. It never blocks: a full queue returns
// ErrBackpressure immediately.
func (s *Session) Send(kind string, payload any) error {
	// Seq 0 is a placeholder; the writer assigns the real sequence
	// so queue order and sequence order cannot diverge.
	frame, err := wire.NewFrame(0, kind, payload)
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.outbound <- frame:
		return nil
	case <-s.closed:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

// Run pumps the session until the stream fails, the handler errors,
// or ctx is cancelled. A clean remote close returns nil.
func (s *Session) Run(ctx context.Context, handler FrameHandler) error {
	defer s.Close()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- s.writeLoop()
	}()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(ctx, handler)
	}()

	select {
	case <-ctx.Done():
		s.Close()
		<-readErr
		<-writeErr
		return nil
	case err := <-readErr:
		s.Close()
		<-writeErr
		if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	case err := <-writeErr:
		s.Close()
		<-readErr
		return err
	}
}

func (s *Session) writeLoop() error {
	for {
		select {
		case <-s.closed:
			return nil
		case frame := <-s.outbound:
			frame.Seq = s.nextTx
			s.nextTx++
			if err := s.stream.Send(frame); err != nil {
				return fmt.Errorf("session: writing %s frame: %w", frame.Kind, err)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, handler FrameHandler) error {
	for {
		frame, err := s.stream.Receive()
		if err != nil {
			return err
		}
		if frame.Seq != s.nextRx {
			s.logger.Warn("dropping session on sequence violation",
				"got", frame.Seq,
				"want", s.nextRx,
			)
			return fmt.Errorf("%w: got %d, want %d", ErrReplay, frame.Seq, s.nextRx)
		}
		s.nextRx++

		if err := handler(ctx, s, frame); err != nil {
			return fmt.Errorf("session: handling %s frame: %w", frame.Kind, err)
		}
	}
}

// QueueLen reports how many frames are queued but not yet written.
// Bulk senders use it to keep a bounded window in flight.
func (s *Session) QueueLen() int { return len(s.outbound) }

// Close shuts the session down. Safe to call from any goroutine,
// repeatedly.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.stream.Close()
	})
}

// Done is closed when the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func shortPeer(peer identity.PeerID) string {
	p := peer.String()
	if len(p) > 12 {
		return p[:12]
	}
	return p
}
