package model

import (
	"io"
	"sync"

	"github.com/blueberrycongee/modelmux/pkg/types"
)

// Stream is a bounded, finite, non-restartable sequence of chunks produced
// by a model (or by a pipeline wrapping one). The producer always closes the
// stream with a terminator chunk (Finished=true), and the finalizer runs
// exactly once on every terminal path: normal completion, producer failure,
// and consumer abandonment.
type Stream struct {
	ch   chan types.StreamChunk
	done chan struct{}

	closeOnce sync.Once
	termOnce  sync.Once
	finalOnce sync.Once
	finalizer func(aborted bool)
}

// NewStream creates a stream with the given channel capacity. finalizer may
// be nil; aborted reports whether the stream ended abnormally.
func NewStream(buffer int, finalizer func(aborted bool)) *Stream {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream{
		ch:        make(chan types.StreamChunk, buffer),
		done:      make(chan struct{}),
		finalizer: finalizer,
	}
}

// Send delivers one content chunk to the consumer. It returns false when the
// consumer has abandoned the stream; the producer should stop promptly.
func (s *Stream) Send(chunk types.StreamChunk) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- chunk:
		return true
	case <-s.done:
		return false
	}
}

// Finish terminates the stream normally, delivering the terminator chunk and
// running the finalizer. fullResponseLength may be zero.
func (s *Stream) Finish(fullResponseLength int) {
	s.terminate(types.StreamChunk{
		Finished:           true,
		FullResponseLength: fullResponseLength,
	}, false)
}

// Fail terminates the stream abnormally with the given error.
func (s *Stream) Fail(err error) {
	term := types.StreamChunk{Finished: true, Aborted: true}
	if err != nil {
		term.Error = err.Error()
	}
	s.terminate(term, true)
}

func (s *Stream) terminate(term types.StreamChunk, aborted bool) {
	s.termOnce.Do(func() {
		select {
		case s.ch <- term:
		case <-s.done:
		}
		close(s.ch)
	})
	s.finalize(aborted)
}

// Recv returns the next chunk. After the terminator chunk has been consumed
// (or the stream aborted), Recv returns io.EOF.
func (s *Stream) Recv() (types.StreamChunk, error) {
	chunk, ok := <-s.ch
	if !ok {
		return types.StreamChunk{}, io.EOF
	}
	return chunk, nil
}

// Close abandons the stream from the consumer side. The producer observes
// the abandonment on its next Send and the finalizer runs immediately; the
// model's resources are released within bounded time. Safe to call multiple
// times and after normal completion.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.finalize(true)
	return nil
}

// Done exposes consumer abandonment to producers that block outside Send.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) finalize(aborted bool) {
	s.finalOnce.Do(func() {
		if s.finalizer != nil {
			s.finalizer(aborted)
		}
	})
}
