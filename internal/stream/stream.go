// Package stream models lazily produced response streams and relays them to
// a client as incrementally flushed server-sent events.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Stream is a lazy, single-consumption sequence of chunks. Next returns
// io.EOF once the producer has finished. Close releases the producer and may
// be called at any time, including before the sequence is exhausted.
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// ErrConsumed is returned by Next when a stream is read after it was closed.
var ErrConsumed = errors.New("stream: already consumed")

// Func adapts a pull function into a Stream.
type Func struct {
	next  func(ctx context.Context) ([]byte, error)
	close func() error

	mu     sync.Mutex
	closed bool
}

// FromFunc builds a Stream from next and an optional close hook.
func FromFunc(next func(ctx context.Context) ([]byte, error), closeFn func() error) *Func {
	return &Func{next: next, close: closeFn}
}

func (f *Func) Next(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrConsumed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.next(ctx)
}

func (f *Func) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.close != nil {
		return f.close()
	}
	return nil
}

// FromSlice returns a Stream that yields the given chunks in order.
func FromSlice(chunks ...[]byte) Stream {
	i := 0
	return FromFunc(func(context.Context) ([]byte, error) {
		if i >= len(chunks) {
			return nil, io.EOF
		}
		c := chunks[i]
		i++
		return c, nil
	}, nil)
}

// FromStrings is FromSlice for text chunks.
func FromStrings(chunks ...string) Stream {
	b := make([][]byte, len(chunks))
	for i, c := range chunks {
		b[i] = []byte(c)
	}
	return FromSlice(b...)
}

// FromChannel returns a Stream fed by ch. The producer signals completion by
// closing ch; a non-nil value on errc aborts the stream with that error.
func FromChannel(ch <-chan []byte, errc <-chan error, cancel func()) Stream {
	return FromFunc(func(ctx context.Context) ([]byte, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case c, ok := <-ch:
			if ok {
				return c, nil
			}
			if errc != nil {
				select {
				case err := <-errc:
					if err != nil {
						return nil, err
					}
				default:
				}
			}
			return nil, io.EOF
		}
	}, func() error {
		if cancel != nil {
			cancel()
		}
		return nil
	})
}

// Map returns a Stream that applies fn to every chunk of src. Chunks for
// which fn returns nil are skipped.
func Map(src Stream, fn func([]byte) ([]byte, error)) Stream {
	return FromFunc(func(ctx context.Context) ([]byte, error) {
		for {
			c, err := src.Next(ctx)
			if err != nil {
				return nil, err
			}
			out, err := fn(c)
			if err != nil {
				return nil, err
			}
			if out != nil {
				return out, nil
			}
		}
	}, src.Close)
}

// Append returns a Stream that yields tail after src completes normally.
// If src fails, tail is never produced.
func Append(src Stream, tail ...[]byte) Stream {
	i := 0
	done := false
	return FromFunc(func(ctx context.Context) ([]byte, error) {
		if !done {
			c, err := src.Next(ctx)
			if err == nil {
				return c, nil
			}
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			done = true
		}
		if i >= len(tail) {
			return nil, io.EOF
		}
		c := tail[i]
		i++
		return c, nil
	}, src.Close)
}
